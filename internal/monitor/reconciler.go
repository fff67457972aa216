package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/virtray/internal/logging"
)

const (
	// DefaultPollInterval matches the original tray refresh cadence.
	DefaultPollInterval = 10 * time.Second
	// DefaultOverrideTTL is how many successful polls an unconfirmed
	// optimistic override survives before it is reverted.
	DefaultOverrideTTL = 3
)

// override is the optimistic per-guest state applied after a dispatched
// command, pending confirmation by a real poll.
type override struct {
	state GuestState
	// observed is the authoritative state at dispatch time. Any polled
	// state other than this confirms the command and clears the
	// override; poll truth always wins.
	observed GuestState
	// expires is the poll cycle at which the override is dropped even
	// without confirmation, so a lost command cannot lie forever.
	expires uint64
}

// Reconciler drives the poll/diff/apply cycle and owns the
// authoritative snapshot. All mutation of that snapshot, including the
// dispatcher's optimistic overrides, goes through its mutex.
type Reconciler struct {
	Supervisor   *ConnectionSupervisor
	Sink         RenderSink
	PollInterval time.Duration
	// OverrideTTL is the optimistic override lifetime in poll cycles.
	OverrideTTL int
	Logger      *slog.Logger

	mu        sync.Mutex
	current   Snapshot
	bootstrap bool
	stale     bool
	cycle     uint64
	overrides map[string]override
}

func NewReconciler(supervisor *ConnectionSupervisor, sink RenderSink, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		Supervisor: supervisor,
		Sink:       sink,
		Logger:     logger,
		bootstrap:  true,
		overrides:  make(map[string]override),
	}
}

// Run polls on a fixed interval until the context is cancelled. The
// first reconciliation happens immediately. A tick that becomes due
// while the previous one is still running is skipped, never queued, so
// a slow backend cannot build a backlog.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	r.logger().Info("reconciler started", "poll_interval", interval)

	r.Tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Supervisor.Close()
			r.logger().Info("reconciler stopped")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
			// Drop any tick that became due while this one ran.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// Tick performs one reconciliation pass: ensure the connection, fetch a
// snapshot, diff it against the previous one, fold the result into the
// authoritative state and emit render instructions.
func (r *Reconciler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	state := r.Supervisor.EnsureConnected(ctx)
	if state.Phase != ConnConnected {
		r.logger().Debug("backend unusable, rendering stale state", "phase", state.Phase, "reason", state.Reason)
		r.markStale()
		r.render()
		return
	}

	conn, ok := r.Supervisor.Acquire()
	if !ok {
		r.markStale()
		r.render()
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout())
	snapshot, err := Fetch(fetchCtx, conn)
	cancel()
	if err != nil {
		// Keep showing last-known-good data; the supervisor owns the
		// reconnect schedule from here.
		r.Supervisor.MarkFailed(err.Error())
		r.markStale()
		r.logger().Warn("poll failed", "error", err)
		r.render()
		return
	}

	events := r.apply(snapshot)
	for _, event := range events {
		r.logEvent(event)
	}
	r.render()
}

// apply swaps in the fetched snapshot, reconciles optimistic overrides
// against it and returns the diff against the previous snapshot.
func (r *Reconciler) apply(snapshot Snapshot) []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *Snapshot
	if !r.bootstrap {
		retained := r.current.clone()
		previous = &retained
	}

	events := Diff(previous, snapshot)

	r.current = snapshot.clone()
	r.bootstrap = false
	r.stale = false
	r.cycle++

	for id, o := range r.overrides {
		record, present := snapshot.Records[id]
		confirmed := present && record.State != o.observed
		expired := r.cycle >= o.expires
		if !present || confirmed || expired {
			if expired && !confirmed {
				r.logger().Warn("optimistic state expired unconfirmed", "guest", id)
			}
			delete(r.overrides, id)
		}
	}

	return events
}

// markStale flags the authoritative snapshot as possibly outdated
// without touching its contents.
func (r *Reconciler) markStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = true
}

// Snapshot returns a copy of the authoritative snapshot without
// optimistic overrides applied.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.clone()
}

// Stale reports whether the last poll attempt failed to refresh the
// authoritative snapshot.
func (r *Reconciler) Stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

// EffectiveGuests returns the guests as they should be displayed:
// authoritative records with optimistic overrides layered on top,
// ordered by identity.
func (r *Reconciler) EffectiveGuests() []GuestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveLocked()
}

func (r *Reconciler) effectiveLocked() []GuestRecord {
	records := r.current.Guests()
	for i, record := range records {
		if o, ok := r.overrides[record.ID]; ok {
			records[i].State = o.state
		}
	}
	return records
}

// SetTransitioning records the optimistic override for a guest whose
// command was just accepted by the backend, then re-renders so the UI
// reflects it without waiting for the next poll.
func (r *Reconciler) SetTransitioning(id string) {
	r.mu.Lock()
	record, present := r.current.Records[id]
	if !present {
		r.mu.Unlock()
		return
	}
	ttl := uint64(r.OverrideTTL)
	if ttl == 0 {
		ttl = DefaultOverrideTTL
	}
	r.overrides[id] = override{
		state:    GuestTransitioning,
		observed: record.State,
		expires:  r.cycle + ttl,
	}
	r.mu.Unlock()

	r.render()
}

// render emits the current effective state to the presentation sink.
func (r *Reconciler) render() {
	if r.Sink == nil {
		return
	}

	r.mu.Lock()
	records := r.effectiveLocked()
	stale := r.stale
	r.mu.Unlock()

	items := make([]MenuItem, 0, len(records))
	hasRunning := false
	for _, record := range records {
		if record.State == GuestRunning {
			hasRunning = true
		}
		items = append(items, MenuItem{
			ID:          record.ID,
			DisplayName: record.Name,
			State:       record.State,
			Actions:     AvailableActions(record.State),
		})
	}

	r.Sink.SetMenuItems(items)
	r.Sink.SetIndicatorState(hasRunning, stale)
}

func (r *Reconciler) logEvent(event ChangeEvent) {
	switch event.Kind {
	case EventAdded:
		r.logger().Info("guest appeared", "guest", event.ID, "name", event.Record.Name, "state", event.Record.State)
	case EventRemoved:
		r.logger().Info("guest disappeared", "guest", event.ID)
	case EventStateChanged:
		r.logger().Info("guest state changed", "guest", event.ID, "from", event.OldState, "to", event.NewState)
	}
}

func (r *Reconciler) fetchTimeout() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return DefaultPollInterval
}

func (r *Reconciler) logger() *slog.Logger {
	return logging.Ensure(r.Logger)
}
