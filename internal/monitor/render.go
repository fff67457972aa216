package monitor

// MenuItem is one guest row handed to the presentation adapter.
type MenuItem struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	State       string   `json:"state"`
	Actions     []Action `json:"actions"`
}

// RenderSink is the presentation boundary. The engine emits whole-state
// instructions; adapters (tray icon, console, IPC) decide how to draw
// them. Implementations must tolerate repeated identical calls.
type RenderSink interface {
	// SetIndicatorState flags whether any guest is running. stale is
	// set while the shown data could not be refreshed.
	SetIndicatorState(hasRunning bool, stale bool)
	// SetMenuItems replaces the guest menu, ordered by identity.
	SetMenuItems(items []MenuItem)
	// ShowError surfaces a user-visible failure message.
	ShowError(message string)
}

// AvailableActions returns the user actions that make sense for a
// guest in the given state.
func AvailableActions(state GuestState) []Action {
	switch state {
	case GuestRunning:
		return []Action{ActionStop}
	case GuestStopped:
		return []Action{ActionStart}
	default:
		return nil
	}
}
