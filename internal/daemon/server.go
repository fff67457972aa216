package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/cochaviz/virtray/internal/logging"
	"github.com/cochaviz/virtray/internal/monitor"
)

// Server exposes the running engine over a unix control socket so CLI
// invocations can query status and dispatch commands without their own
// backend connection.
type Server struct {
	SocketPath string
	Reconciler *monitor.Reconciler
	Dispatcher *monitor.CommandDispatcher
	Supervisor *monitor.ConnectionSupervisor
	Logger     *slog.Logger

	wg sync.WaitGroup
}

// Serve listens on the control socket until the context is cancelled.
// A stale socket file from a previous run is removed before binding.
func (s *Server) Serve(ctx context.Context) error {
	if s.SocketPath == "" {
		return fmt.Errorf("socket path is required")
	}
	if err := os.Remove(s.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.SocketPath, err)
	}

	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.SocketPath, err)
	}
	s.logger().Info("control socket ready", "socket", s.SocketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				os.Remove(s.SocketPath)
				s.logger().Info("control socket closed")
				return nil
			}
			s.logger().Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	var request IPCRequest
	if err := json.NewDecoder(conn).Decode(&request); err != nil {
		s.reply(conn, IPCResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	switch request.Command {
	case CommandStatus:
		s.replyData(conn, s.status())
	case CommandStart:
		s.dispatch(ctx, conn, request.Guest, monitor.ActionStart)
	case CommandStop:
		s.dispatch(ctx, conn, request.Guest, monitor.ActionStop)
	default:
		s.reply(conn, IPCResponse{Error: fmt.Sprintf("unknown command %q", request.Command)})
	}
}

func (s *Server) status() StatusReport {
	records := s.Reconciler.EffectiveGuests()
	items := make([]monitor.MenuItem, 0, len(records))
	hasRunning := false
	for _, record := range records {
		if record.State == monitor.GuestRunning {
			hasRunning = true
		}
		items = append(items, monitor.MenuItem{
			ID:          record.ID,
			DisplayName: record.Name,
			State:       record.State,
			Actions:     monitor.AvailableActions(record.State),
		})
	}
	return StatusReport{
		Connection: s.Supervisor.State(),
		Stale:      s.Reconciler.Stale(),
		HasRunning: hasRunning,
		Items:      items,
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, guest string, action monitor.Action) {
	guest = strings.TrimSpace(guest)
	if guest == "" {
		s.reply(conn, IPCResponse{Error: "guest is required"})
		return
	}

	id := s.resolveGuest(guest)
	command, err := s.Dispatcher.Dispatch(ctx, id, action)
	if err != nil {
		s.reply(conn, IPCResponse{Error: err.Error()})
		return
	}
	s.replyData(conn, CommandReport{
		ID:      command.ID,
		GuestID: command.GuestID,
		Action:  command.Action,
		Outcome: command.Outcome,
		Reason:  command.Reason,
	})
}

// resolveGuest accepts either an identity or a display name. An
// unresolvable name passes through unchanged so the dispatcher can
// fail it with its usual diagnostics.
func (s *Server) resolveGuest(guest string) string {
	snapshot := s.Reconciler.Snapshot()
	if _, ok := snapshot.Records[guest]; ok {
		return guest
	}
	for _, record := range snapshot.Guests() {
		if record.Name == guest {
			return record.ID
		}
	}
	return guest
}

func (s *Server) replyData(conn net.Conn, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.reply(conn, IPCResponse{Error: fmt.Sprintf("marshal response: %v", err)})
		return
	}
	s.reply(conn, IPCResponse{OK: true, Data: data})
}

func (s *Server) reply(conn net.Conn, response IPCResponse) {
	if err := json.NewEncoder(conn).Encode(response); err != nil {
		s.logger().Debug("write response", "error", err)
	}
}

func (s *Server) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}
