package daemon

import (
	"encoding/json"

	"github.com/cochaviz/virtray/internal/monitor"
)

// Command names understood by the control socket.
const (
	CommandStatus = "status"
	CommandStart  = "start"
	CommandStop   = "stop"
)

// IPCRequest is one client request. Guest may be an identity or a
// display name; the server resolves names against the current snapshot.
type IPCRequest struct {
	Command string `json:"command"`
	Guest   string `json:"guest,omitempty"`
}

// IPCResponse is the server's reply. Data carries a command-specific
// payload when OK is true.
type IPCResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusReport is the payload of a status response.
type StatusReport struct {
	Connection monitor.ConnectionState `json:"connection"`
	Stale      bool                    `json:"stale"`
	HasRunning bool                    `json:"has_running"`
	Items      []monitor.MenuItem      `json:"items"`
}

// CommandReport is the payload of a start/stop response.
type CommandReport struct {
	ID      string `json:"id"`
	GuestID string `json:"guest_id"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}
