package backend

import (
	"context"
	"errors"
	"fmt"
)

// GuestInfo is the raw view of a single guest as reported by the
// hypervisor. RawStatus is backend-specific and must be mapped to a
// closed state set before it reaches the authoritative snapshot.
type GuestInfo struct {
	ID        string
	Name      string
	RawStatus string
}

// Backend opens connections to a virtualization management endpoint.
type Backend interface {
	Open(ctx context.Context) (Connection, error)
}

// Connection is the narrow capability surface the monitor consumes.
// Implementations must tolerate Close being called more than once.
type Connection interface {
	ListGuests(ctx context.Context) ([]GuestInfo, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Alive() bool
	Close() error
}

// ErrNotFound is returned by Start/Stop when the guest no longer exists
// on the backend.
var ErrNotFound = errors.New("guest not found")

// ErrSevered indicates the connection died underneath a call.
var ErrSevered = errors.New("connection severed")

// ConnectionError wraps failures of the connection itself (open or
// enumerate). The caller must treat the connection as unusable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
