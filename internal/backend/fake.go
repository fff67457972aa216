package backend

import (
	"context"
	"sort"
	"sync"
)

var _ Backend = &FakeBackend{}

// FakeBackend is a deterministic in-memory stand-in for the libvirt
// adapter. It backs the --test run mode and the engine tests; every
// failure mode of the real backend can be scripted through it.
type FakeBackend struct {
	mu sync.Mutex

	guests   map[string]GuestInfo
	order    []string
	openErrs []error
	listErrs []error
	severed  bool

	opens      int
	startCalls []string
	stopCalls  []string
}

// NewFakeBackend seeds a fake with the given guests. Raw statuses use
// the same vocabulary the libvirt adapter emits.
func NewFakeBackend(guests ...GuestInfo) *FakeBackend {
	fake := &FakeBackend{guests: make(map[string]GuestInfo)}
	for _, guest := range guests {
		fake.guests[guest.ID] = guest
		fake.order = append(fake.order, guest.ID)
	}
	return fake
}

func (f *FakeBackend) Open(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "open", Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		return nil, &ConnectionError{Op: "open", Err: err}
	}
	f.severed = false
	return &fakeConnection{fake: f}, nil
}

// FailOpens queues errors for the next len(errs) Open calls.
func (f *FakeBackend) FailOpens(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs = append(f.openErrs, errs...)
}

// FailNextList queues an enumeration error for the next ListGuests call.
func (f *FakeBackend) FailNextList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrs = append(f.listErrs, err)
}

// Sever marks the current connection dead: Alive reports false and
// enumeration fails until the backend is reopened.
func (f *FakeBackend) Sever() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.severed = true
}

// SetGuest adds or replaces a guest.
func (f *FakeBackend) SetGuest(guest GuestInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.guests[guest.ID]; !exists {
		f.order = append(f.order, guest.ID)
	}
	f.guests[guest.ID] = guest
}

// RemoveGuest drops a guest from the backend, as if it were undefined.
func (f *FakeBackend) RemoveGuest(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.guests, id)
	for i, existing := range f.order {
		if existing == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// SetRawStatus rewrites the raw status of an existing guest.
func (f *FakeBackend) SetRawStatus(id, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if guest, exists := f.guests[id]; exists {
		guest.RawStatus = raw
		f.guests[id] = guest
	}
}

// OpenCount reports how many times Open was called.
func (f *FakeBackend) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// StartCalls returns the guest IDs passed to Start, in order.
func (f *FakeBackend) StartCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.startCalls...)
}

// StopCalls returns the guest IDs passed to Stop, in order.
func (f *FakeBackend) StopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopCalls...)
}

type fakeConnection struct {
	fake   *FakeBackend
	closed bool
}

func (c *fakeConnection) ListGuests(ctx context.Context) ([]GuestInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "enumerate", Err: err}
	}

	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	if len(c.fake.listErrs) > 0 {
		err := c.fake.listErrs[0]
		c.fake.listErrs = c.fake.listErrs[1:]
		return nil, &ConnectionError{Op: "enumerate", Err: err}
	}
	if c.closed || c.fake.severed {
		return nil, &ConnectionError{Op: "enumerate", Err: ErrSevered}
	}

	ids := append([]string(nil), c.fake.order...)
	sort.Strings(ids)
	guests := make([]GuestInfo, 0, len(ids))
	for _, id := range ids {
		guests = append(guests, c.fake.guests[id])
	}
	return guests, nil
}

func (c *fakeConnection) Start(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	c.fake.startCalls = append(c.fake.startCalls, id)
	guest, exists := c.fake.guests[id]
	if !exists {
		return ErrNotFound
	}
	guest.RawStatus = "running"
	c.fake.guests[id] = guest
	return nil
}

func (c *fakeConnection) Stop(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	c.fake.stopCalls = append(c.fake.stopCalls, id)
	guest, exists := c.fake.guests[id]
	if !exists {
		return ErrNotFound
	}
	guest.RawStatus = "shut off"
	c.fake.guests[id] = guest
	return nil
}

func (c *fakeConnection) Alive() bool {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	return !c.closed && !c.fake.severed
}

func (c *fakeConnection) Close() error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	c.closed = true
	return nil
}
