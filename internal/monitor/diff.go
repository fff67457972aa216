package monitor

import "sort"

// Diff compares two snapshots and returns the changes ordered by guest
// identity. It is a pure function and total over any pair of snapshots:
// a nil previous snapshot is the bootstrap case and yields an added
// event for every guest in current.
func Diff(previous *Snapshot, current Snapshot) []ChangeEvent {
	if previous == nil {
		events := make([]ChangeEvent, 0, len(current.Records))
		for _, record := range current.Guests() {
			events = append(events, ChangeEvent{
				Kind:   EventAdded,
				ID:     record.ID,
				Record: record,
			})
		}
		return events
	}

	ids := make(map[string]struct{}, len(previous.Records)+len(current.Records))
	for id := range previous.Records {
		ids[id] = struct{}{}
	}
	for id := range current.Records {
		ids[id] = struct{}{}
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	var events []ChangeEvent
	for _, id := range ordered {
		before, wasPresent := previous.Records[id]
		after, isPresent := current.Records[id]

		switch {
		case !wasPresent && isPresent:
			events = append(events, ChangeEvent{
				Kind:   EventAdded,
				ID:     id,
				Record: after,
			})
		case wasPresent && !isPresent:
			events = append(events, ChangeEvent{
				Kind: EventRemoved,
				ID:   id,
			})
		case before.State != after.State:
			events = append(events, ChangeEvent{
				Kind:     EventStateChanged,
				ID:       id,
				OldState: before.State,
				NewState: after.State,
			})
		}
	}
	return events
}
