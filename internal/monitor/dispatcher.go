package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/virtray/internal/backend"
	"github.com/cochaviz/virtray/internal/logging"

	"github.com/google/uuid"
)

const defaultCommandTimeout = 15 * time.Second

// CommandDispatcher carries user-initiated start/stop requests to the
// backend and folds the result back into the authoritative state. A
// failed command is surfaced once and never retried automatically.
type CommandDispatcher struct {
	Reconciler     *Reconciler
	Supervisor     *ConnectionSupervisor
	Sink           RenderSink
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

func NewCommandDispatcher(reconciler *Reconciler, supervisor *ConnectionSupervisor, sink RenderSink, logger *slog.Logger) *CommandDispatcher {
	return &CommandDispatcher{
		Reconciler: reconciler,
		Supervisor: supervisor,
		Sink:       sink,
		Logger:     logger,
	}
}

// Dispatch validates the request against the authoritative snapshot and
// invokes the backend. A guest already in the desired end state
// resolves as an immediate no-op without a backend call. On success the
// guest is optimistically marked transitioning until the next poll.
func (d *CommandDispatcher) Dispatch(ctx context.Context, guestID string, action Action) (PendingCommand, error) {
	command := PendingCommand{
		ID:       uuid.New().String(),
		GuestID:  guestID,
		Action:   action,
		IssuedAt: time.Now().UTC(),
		Outcome:  OutcomePending,
	}
	logger := d.logger().With("command", command.ID, "guest", guestID, "action", action)

	desired, err := desiredState(action)
	if err != nil {
		command.Outcome = OutcomeFailed
		command.Reason = err.Error()
		return command, err
	}

	snapshot := d.Reconciler.Snapshot()
	record, present := snapshot.Records[guestID]
	if !present {
		// A dispatch against an identity the engine does not know is a
		// UI desync, not a backend fault: fail fast, no backend call.
		err := &UnknownGuestError{GuestID: guestID}
		command.Outcome = OutcomeFailed
		command.Reason = err.Error()
		logger.Error("dispatch precondition violated", "error", err)
		return command, err
	}

	if record.State == desired {
		command.Outcome = OutcomeNoop
		logger.Debug("guest already in desired state, skipping backend call", "state", record.State)
		return command, nil
	}

	// The handle must come out of the supervisor atomically: a poll and
	// a dispatch may overlap, and a failed poll releases the connection.
	conn, ok := d.Supervisor.Acquire()
	if !ok {
		return d.fail(command, logger, errors.New("backend connection is not available"))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.commandTimeout())
	defer cancel()

	switch action {
	case ActionStart:
		err = conn.Start(callCtx, guestID)
	case ActionStop:
		err = conn.Stop(callCtx, guestID)
	}
	if err != nil {
		// A guest that vanished mid-flight counts as a failure rather
		// than a silent drop; the user asked for something that did
		// not happen.
		if errors.Is(err, backend.ErrNotFound) {
			err = fmt.Errorf("guest disappeared before the command completed: %w", err)
		}
		return d.fail(command, logger, err)
	}

	command.Outcome = OutcomeSucceeded
	d.Reconciler.SetTransitioning(guestID)
	logger.Info("command accepted, awaiting poll confirmation")
	return command, nil
}

// fail resolves the command as failed and surfaces the reason exactly
// once through the presentation sink.
func (d *CommandDispatcher) fail(command PendingCommand, logger *slog.Logger, cause error) (PendingCommand, error) {
	err := &CommandError{GuestID: command.GuestID, Action: command.Action, Err: cause}
	command.Outcome = OutcomeFailed
	command.Reason = cause.Error()
	logger.Error("command failed", "error", cause)
	if d.Sink != nil {
		d.Sink.ShowError(fmt.Sprintf("Failed to %s %s: %v", command.Action, command.GuestID, cause))
	}
	return command, err
}

func desiredState(action Action) (GuestState, error) {
	switch action {
	case ActionStart:
		return GuestRunning, nil
	case ActionStop:
		return GuestStopped, nil
	default:
		return GuestUnknown, fmt.Errorf("unsupported action %q", action)
	}
}

func (d *CommandDispatcher) commandTimeout() time.Duration {
	if d.CommandTimeout > 0 {
		return d.CommandTimeout
	}
	return defaultCommandTimeout
}

func (d *CommandDispatcher) logger() *slog.Logger {
	return logging.Ensure(d.Logger)
}
