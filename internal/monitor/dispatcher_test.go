package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/cochaviz/virtray/internal/backend"
)

func newTestDispatcher(fake *backend.FakeBackend) (*CommandDispatcher, *Reconciler, *stubSink) {
	reconciler, supervisor, sink := newTestEngine(fake)
	dispatcher := NewCommandDispatcher(reconciler, supervisor, sink, discardLogger())
	return dispatcher, reconciler, sink
}

func TestDispatchNoopWhenAlreadyInDesiredState(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	dispatcher, reconciler, _ := newTestDispatcher(fake)
	ctx := context.Background()
	reconciler.Tick(ctx)

	command, err := dispatcher.Dispatch(ctx, "a", ActionStart)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if command.Outcome != OutcomeNoop {
		t.Fatalf("Outcome = %q, want %q", command.Outcome, OutcomeNoop)
	}
	if calls := fake.StartCalls(); len(calls) != 0 {
		t.Fatalf("backend start calls = %v, want none", calls)
	}
}

func TestDispatchUnknownGuestFailsFast(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	dispatcher, reconciler, _ := newTestDispatcher(fake)
	ctx := context.Background()
	reconciler.Tick(ctx)

	command, err := dispatcher.Dispatch(ctx, "ghost", ActionStart)

	var unknown *UnknownGuestError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownGuestError", err)
	}
	if unknown.GuestID != "ghost" {
		t.Fatalf("GuestID = %q, want %q", unknown.GuestID, "ghost")
	}
	if command.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want %q", command.Outcome, OutcomeFailed)
	}
	if len(fake.StartCalls()) != 0 || len(fake.StopCalls()) != 0 {
		t.Fatal("precondition violation must not reach the backend")
	}
}

func TestDispatchRejectsUnsupportedAction(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	dispatcher, reconciler, _ := newTestDispatcher(fake)
	ctx := context.Background()
	reconciler.Tick(ctx)

	command, err := dispatcher.Dispatch(ctx, "a", "reboot")
	if err == nil {
		t.Fatal("Dispatch should reject an unsupported action")
	}
	if command.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want %q", command.Outcome, OutcomeFailed)
	}
}

func TestDispatchSuccessMarksGuestTransitioning(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	dispatcher, reconciler, _ := newTestDispatcher(fake)
	ctx := context.Background()
	reconciler.Tick(ctx)

	command, err := dispatcher.Dispatch(ctx, "a", ActionStop)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if command.Outcome != OutcomeSucceeded {
		t.Fatalf("Outcome = %q, want %q", command.Outcome, OutcomeSucceeded)
	}
	if calls := fake.StopCalls(); len(calls) != 1 || calls[0] != "a" {
		t.Fatalf("stop calls = %v, want [a]", calls)
	}

	guests := reconciler.EffectiveGuests()
	if guests[0].State != GuestTransitioning {
		t.Fatalf("effective state = %q, want %q", guests[0].State, GuestTransitioning)
	}
	// The authoritative snapshot is untouched by the optimism.
	if got := reconciler.Snapshot().Records["a"].State; got != GuestRunning {
		t.Fatalf("authoritative state = %q, want %q", got, GuestRunning)
	}
}

func TestDispatchGuestDisappearedMidFlight(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	dispatcher, reconciler, sink := newTestDispatcher(fake)
	ctx := context.Background()
	reconciler.Tick(ctx)

	// The guest vanishes after the snapshot was taken but before the
	// command lands; that resolves as a failure, not a silent drop.
	fake.RemoveGuest("a")

	command, err := dispatcher.Dispatch(ctx, "a", ActionStop)

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want CommandError", err)
	}
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("error %v should wrap ErrNotFound", err)
	}
	if command.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want %q", command.Outcome, OutcomeFailed)
	}
	if shown := sink.shownErrors(); len(shown) != 1 {
		t.Fatalf("errors surfaced = %d, want exactly 1", len(shown))
	}
}

func TestDispatchFailsWithoutConnection(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	dispatcher, reconciler, sink := newTestDispatcher(fake)
	ctx := context.Background()
	reconciler.Tick(ctx)

	fake.Sever()
	dispatcher.Supervisor.MarkFailed("link lost")

	command, err := dispatcher.Dispatch(ctx, "a", ActionStop)

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want CommandError", err)
	}
	if command.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want %q", command.Outcome, OutcomeFailed)
	}
	if len(fake.StopCalls()) != 0 {
		t.Fatal("no backend call should happen while disconnected")
	}
	if shown := sink.shownErrors(); len(shown) != 1 {
		t.Fatalf("errors surfaced = %d, want exactly 1", len(shown))
	}
}

// TestDispatchDuringConcurrentConnectionFailure interleaves dispatches
// with poll failures that release the connection handle. Every dispatch
// must resolve as an outcome or a CommandError; losing the handle
// mid-dispatch must never crash the process.
func TestDispatchDuringConcurrentConnectionFailure(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	dispatcher, reconciler, _ := newTestDispatcher(fake)
	ctx := context.Background()
	reconciler.Tick(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			dispatcher.Supervisor.MarkFailed("link lost")
			reconciler.Tick(ctx)
		}
	}()

	for i := 0; i < 200; i++ {
		command, err := dispatcher.Dispatch(ctx, "a", ActionStop)
		if err != nil {
			var cmdErr *CommandError
			if !errors.As(err, &cmdErr) {
				t.Fatalf("Dispatch() error = %v, want CommandError", err)
			}
			continue
		}
		if command.Outcome != OutcomeSucceeded && command.Outcome != OutcomeNoop {
			t.Fatalf("Outcome = %q, want succeeded or noop", command.Outcome)
		}
	}
	<-done
}

// TestStopScenarioEndToEnd walks the full loop: two guests, the user
// stops the running one, the next poll confirms and the indicator
// drops to "none running".
func TestStopScenarioEndToEnd(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
		backend.GuestInfo{ID: "b", Name: "vm-b", RawStatus: "shut off"},
	)
	dispatcher, reconciler, sink := newTestDispatcher(fake)
	ctx := context.Background()

	reconciler.Tick(ctx)
	if hasRunning, _ := sink.indicator(); !hasRunning {
		t.Fatal("indicator should show running after first poll")
	}

	command, err := dispatcher.Dispatch(ctx, "a", ActionStop)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if command.Outcome != OutcomeSucceeded {
		t.Fatalf("Outcome = %q, want %q", command.Outcome, OutcomeSucceeded)
	}

	items := sink.items()
	if items[0].State != GuestTransitioning {
		t.Fatalf("state of a after stop = %q, want %q", items[0].State, GuestTransitioning)
	}

	// The fake backend applied the stop; the next poll reconciles the
	// optimistic guess against the real state.
	reconciler.Tick(ctx)

	items = sink.items()
	if items[0].State != GuestStopped {
		t.Fatalf("state of a after confirming poll = %q, want %q", items[0].State, GuestStopped)
	}
	hasRunning, stale := sink.indicator()
	if hasRunning || stale {
		t.Fatalf("indicator = (%t, %t), want (false, false)", hasRunning, stale)
	}
}
