package monitor

import (
	"fmt"
	"sort"
	"time"
)

// GuestState is the closed lifecycle set guests are tracked in. Raw
// backend statuses are mapped onto it at fetch time and never stored.
type GuestState = string

const (
	GuestRunning       GuestState = "running"
	GuestStopped       GuestState = "stopped"
	GuestTransitioning GuestState = "transitioning"
	GuestUnknown       GuestState = "unknown"
)

// GuestRecord is one guest as observed in a single snapshot. Records
// are value types: snapshots copy them wholesale and never share them.
type GuestRecord struct {
	ID         string
	Name       string
	State      GuestState
	ObservedAt time.Time
}

// Snapshot is a point-in-time view of every guest on the backend.
type Snapshot struct {
	Records    map[string]GuestRecord
	CapturedAt time.Time
	Valid      bool
}

// Guests returns the snapshot's records ordered by identity.
func (s Snapshot) Guests() []GuestRecord {
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]GuestRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, s.Records[id])
	}
	return records
}

// HasRunning reports whether at least one guest is running.
func (s Snapshot) HasRunning() bool {
	for _, record := range s.Records {
		if record.State == GuestRunning {
			return true
		}
	}
	return false
}

// clone copies the snapshot so the previous and current views never
// alias the same records.
func (s Snapshot) clone() Snapshot {
	records := make(map[string]GuestRecord, len(s.Records))
	for id, record := range s.Records {
		records[id] = record
	}
	return Snapshot{Records: records, CapturedAt: s.CapturedAt, Valid: s.Valid}
}

// EventKind tags a ChangeEvent variant.
type EventKind = string

const (
	EventAdded        EventKind = "added"
	EventRemoved      EventKind = "removed"
	EventStateChanged EventKind = "state_changed"
)

// ChangeEvent is one observed difference between two snapshots. Events
// live for a single reconciliation cycle.
type ChangeEvent struct {
	Kind EventKind
	ID   string

	// Record is set for added events.
	Record GuestRecord
	// OldState and NewState are set for state_changed events.
	OldState GuestState
	NewState GuestState
}

// ConnectionState describes the supervisor's view of the backend link.
type ConnectionState struct {
	Phase  ConnectionPhase `json:"phase"`
	Reason string          `json:"reason,omitempty"`
}

type ConnectionPhase = string

const (
	ConnDisconnected ConnectionPhase = "disconnected"
	ConnConnecting   ConnectionPhase = "connecting"
	ConnConnected    ConnectionPhase = "connected"
	ConnDegraded     ConnectionPhase = "degraded"
)

// Action is a user-requested guest operation.
type Action = string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// CommandOutcome records how a PendingCommand resolved.
type CommandOutcome = string

const (
	OutcomePending   CommandOutcome = "pending"
	OutcomeSucceeded CommandOutcome = "succeeded"
	OutcomeNoop      CommandOutcome = "noop"
	OutcomeFailed    CommandOutcome = "failed"
)

// PendingCommand tracks one user-initiated start/stop request from
// dispatch until the backend call resolves.
type PendingCommand struct {
	ID       string
	GuestID  string
	Action   Action
	IssuedAt time.Time
	Outcome  CommandOutcome
	Reason   string
}

// UnknownGuestError is the fail-fast result of dispatching against an
// identity absent from the authoritative snapshot. It signals a UI/core
// desync, not a backend fault.
type UnknownGuestError struct {
	GuestID string
}

func (e *UnknownGuestError) Error() string {
	return fmt.Sprintf("guest %s is not present in the current snapshot", e.GuestID)
}

// CommandError wraps a start/stop failure surfaced to the user. It is
// reported exactly once per command and never retried automatically.
type CommandError struct {
	GuestID string
	Action  Action
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.GuestID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
