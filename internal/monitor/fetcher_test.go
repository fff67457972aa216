package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/cochaviz/virtray/internal/backend"
)

func TestMapRawStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]GuestState{
		"running":       GuestRunning,
		"blocked":       GuestRunning,
		"shut off":      GuestStopped,
		"crashed":       GuestStopped,
		"in shutdown":   GuestTransitioning,
		"paused":        GuestUnknown,
		"pmsuspended":   GuestUnknown,
		"nostate":       GuestUnknown,
		"":              GuestUnknown,
		"made-up-state": GuestUnknown,
	}
	for raw, want := range cases {
		if got := MapRawStatus(raw); got != want {
			t.Errorf("MapRawStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestFetchBuildsValidSnapshot(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
		backend.GuestInfo{ID: "b", Name: "vm-b", RawStatus: "shut off"},
		backend.GuestInfo{ID: "c", Name: "vm-c", RawStatus: "garbled"},
	)
	conn, err := fake.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	snapshot, err := Fetch(context.Background(), conn)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !snapshot.Valid {
		t.Fatal("snapshot should be valid")
	}
	if len(snapshot.Records) != 3 {
		t.Fatalf("len(Records) = %d, want 3", len(snapshot.Records))
	}
	if got := snapshot.Records["a"].State; got != GuestRunning {
		t.Fatalf("state of a = %q, want %q", got, GuestRunning)
	}
	if got := snapshot.Records["b"].State; got != GuestStopped {
		t.Fatalf("state of b = %q, want %q", got, GuestStopped)
	}
	// An unrecognized status degrades the one guest, not the fetch.
	if got := snapshot.Records["c"].State; got != GuestUnknown {
		t.Fatalf("state of c = %q, want %q", got, GuestUnknown)
	}
	if !snapshot.HasRunning() {
		t.Fatal("HasRunning() = false, want true")
	}
}

func TestFetchFailsWhenEnumerationFails(t *testing.T) {
	t.Parallel()

	fake := backend.NewFakeBackend(
		backend.GuestInfo{ID: "a", Name: "vm-a", RawStatus: "running"},
	)
	conn, err := fake.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	fake.FailNextList(errors.New("connection reset"))

	snapshot, err := Fetch(context.Background(), conn)
	if err == nil {
		t.Fatal("Fetch() should fail when enumeration fails")
	}
	if snapshot.Valid {
		t.Fatal("failed fetch must produce an invalid snapshot")
	}

	var connErr *backend.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error %v should wrap a ConnectionError", err)
	}
}
