package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/cochaviz/virtray/internal/backend"
)

// MapRawStatus folds a backend status string onto the closed guest
// state set. Anything unrecognized is unknown; the raw string never
// travels further than this function.
func MapRawStatus(raw string) GuestState {
	switch raw {
	case "running", "blocked":
		return GuestRunning
	case "shut off", "crashed":
		return GuestStopped
	case "in shutdown":
		return GuestTransitioning
	default:
		return GuestUnknown
	}
}

// Fetch enumerates every guest on the connection into a snapshot. Only
// a failed enumeration fails the fetch; a guest with an unreadable
// status is recorded as unknown. On error the returned snapshot is
// marked invalid and the connection must be treated as unusable.
func Fetch(ctx context.Context, conn backend.Connection) (Snapshot, error) {
	now := time.Now().UTC()

	guests, err := conn.ListGuests(ctx)
	if err != nil {
		return Snapshot{CapturedAt: now, Valid: false}, fmt.Errorf("enumerate guests: %w", err)
	}

	records := make(map[string]GuestRecord, len(guests))
	for _, guest := range guests {
		if guest.ID == "" {
			continue
		}
		records[guest.ID] = GuestRecord{
			ID:         guest.ID,
			Name:       guest.Name,
			State:      MapRawStatus(guest.RawStatus),
			ObservedAt: now,
		}
	}

	return Snapshot{Records: records, CapturedAt: now, Valid: true}, nil
}
