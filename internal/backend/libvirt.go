package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

var _ Backend = &LibvirtBackend{}

// LibvirtBackend opens connections against a libvirt endpoint such as
// qemu:///system or qemu:///session.
type LibvirtBackend struct {
	ConnectionURI string

	// GuestTimeout bounds the status read of a single domain during
	// enumeration. A domain that overruns it is reported with no
	// usable status instead of stalling the whole listing.
	GuestTimeout time.Duration
}

const defaultGuestTimeout = 2 * time.Second

func NewLibvirtBackend(connectionURI string) *LibvirtBackend {
	return &LibvirtBackend{ConnectionURI: connectionURI}
}

func (b *LibvirtBackend) Open(ctx context.Context) (Connection, error) {
	uri := strings.TrimSpace(b.ConnectionURI)
	if uri == "" {
		return nil, &ConnectionError{Op: "open", Err: fmt.Errorf("connection URI is required")}
	}

	type opened struct {
		conn *libvirt.Connect
		err  error
	}
	done := make(chan opened, 1)
	go func() {
		conn, err := libvirt.NewConnect(uri)
		done <- opened{conn: conn, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			return nil, &ConnectionError{Op: "open", Err: result.err}
		}
		return &libvirtConnection{conn: result.conn, guestTimeout: b.GuestTimeout}, nil
	case <-ctx.Done():
		// The dial cannot be interrupted; release the handle when it
		// eventually lands so it does not leak past the abandoned
		// attempt.
		go func() {
			if result := <-done; result.conn != nil {
				result.conn.Close()
			}
		}()
		return nil, &ConnectionError{Op: "open", Err: ctx.Err()}
	}
}

type libvirtConnection struct {
	conn         *libvirt.Connect
	guestTimeout time.Duration
}

func (c *libvirtConnection) ListGuests(ctx context.Context) ([]GuestInfo, error) {
	domains, err := await(ctx, func() ([]libvirt.Domain, error) {
		return c.conn.ListAllDomains(0)
	})
	if err != nil {
		return nil, &ConnectionError{Op: "enumerate", Err: err}
	}

	guests := make([]GuestInfo, 0, len(domains))
	for i := range domains {
		info, err := c.describeDomain(ctx, &domains[i])
		if err != nil {
			// The domain vanished mid-enumeration and left no identity
			// to report; a slow domain is still returned, with an
			// unreadable status.
			continue
		}
		guests = append(guests, info)
	}
	return guests, nil
}

func (c *libvirtConnection) Start(ctx context.Context, id string) error {
	domain, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}
	defer domain.Free()

	_, err = await(ctx, func() (struct{}, error) {
		return struct{}{}, domain.Create()
	})
	if err != nil {
		return fmt.Errorf("start domain %s: %w", id, err)
	}
	return nil
}

func (c *libvirtConnection) Stop(ctx context.Context, id string) error {
	domain, err := c.lookup(ctx, id)
	if err != nil {
		return err
	}
	defer domain.Free()

	_, err = await(ctx, func() (struct{}, error) {
		return struct{}{}, domain.Destroy()
	})
	if err != nil {
		return fmt.Errorf("stop domain %s: %w", id, err)
	}
	return nil
}

func (c *libvirtConnection) Alive() bool {
	if c.conn == nil {
		return false
	}
	alive, err := c.conn.IsAlive()
	return err == nil && alive
}

func (c *libvirtConnection) Close() error {
	if c.conn == nil {
		return nil
	}
	_, err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *libvirtConnection) lookup(ctx context.Context, id string) (*libvirt.Domain, error) {
	return await(ctx, func() (*libvirt.Domain, error) {
		domain, err := c.conn.LookupDomainByUUIDString(id)
		if err == nil {
			return domain, nil
		}
		// Identity falls back to the domain name when libvirt reports
		// no UUID, so try a name lookup before giving up.
		domain, nameErr := c.conn.LookupDomainByName(id)
		if nameErr != nil {
			return nil, fmt.Errorf("lookup domain %s: %w", id, ErrNotFound)
		}
		return domain, nil
	})
}

func (c *libvirtConnection) describeDomain(ctx context.Context, domain *libvirt.Domain) (GuestInfo, error) {
	return describeGuest(ctx, c.guestTimeout, domainReads{
		free: func() { domain.Free() },
		identity: func() (string, string, error) {
			name, err := domain.GetName()
			if err != nil {
				return "", "", err
			}
			id, err := domain.GetUUIDString()
			if err != nil || strings.TrimSpace(id) == "" {
				id = name
			}
			return id, name, nil
		},
		state: func() string {
			state, _, err := domain.GetState()
			if err != nil {
				return "nostate"
			}
			return rawStatus(state)
		},
	})
}

// domainReads are the per-domain calls describeGuest performs, split
// out from the libvirt handle so the deadline handling is testable
// without a hypervisor.
type domainReads struct {
	free     func()
	identity func() (id, name string, err error)
	state    func() string
}

// describeGuest reads one domain's identity and status. The identity
// read is bounded only by ctx; the status read gets the per-guest
// deadline, and overrunning it degrades this one guest to an
// unreadable status instead of dropping it from the snapshot.
func describeGuest(ctx context.Context, timeout time.Duration, reads domainReads) (GuestInfo, error) {
	if timeout <= 0 {
		timeout = defaultGuestTimeout
	}

	type identity struct {
		id   string
		name string
		err  error
	}
	identityCh := make(chan identity, 1)
	stateCh := make(chan string, 1)

	// The goroutine owns the domain handle: Free must not race with a
	// status read that outlives an abandoned deadline.
	go func() {
		defer reads.free()
		id, name, err := reads.identity()
		identityCh <- identity{id: id, name: name, err: err}
		if err != nil {
			return
		}
		stateCh <- reads.state()
	}()

	var ident identity
	select {
	case ident = <-identityCh:
	case <-ctx.Done():
		return GuestInfo{}, ctx.Err()
	}
	if ident.err != nil {
		return GuestInfo{}, fmt.Errorf("read domain identity: %w", ident.err)
	}

	info := GuestInfo{ID: ident.id, Name: ident.name, RawStatus: "nostate"}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info.RawStatus = <-stateCh:
	case <-timer.C:
	case <-ctx.Done():
	}
	return info, nil
}

// rawStatus renders a libvirt domain state using the virsh vocabulary.
// The monitor owns the mapping onto its closed state set.
func rawStatus(state libvirt.DomainState) string {
	switch state {
	case libvirt.DOMAIN_RUNNING:
		return "running"
	case libvirt.DOMAIN_BLOCKED:
		return "blocked"
	case libvirt.DOMAIN_PAUSED:
		return "paused"
	case libvirt.DOMAIN_SHUTDOWN:
		return "in shutdown"
	case libvirt.DOMAIN_SHUTOFF:
		return "shut off"
	case libvirt.DOMAIN_CRASHED:
		return "crashed"
	case libvirt.DOMAIN_PMSUSPENDED:
		return "pmsuspended"
	default:
		return "nostate"
	}
}

// await runs a blocking libvirt call on its own goroutine so callers can
// bail out on context expiry. The call itself is not interruptible; an
// abandoned call finishes in the background and its result is dropped.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}

	done := make(chan outcome, 1)
	go func() {
		value, err := call()
		done <- outcome{value: value, err: err}
	}()

	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
