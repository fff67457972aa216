// Package render contains presentation adapters for the monitor's
// instruction stream. The graphical tray adapter lives outside this
// module; Console is the adapter the daemon uses so the engine's view
// stays observable in a terminal.
package render

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cochaviz/virtray/internal/logging"
	"github.com/cochaviz/virtray/internal/monitor"
)

var _ monitor.RenderSink = &Console{}

// Console renders instructions as log records, suppressing repeats so
// the periodic re-render of an unchanged state stays quiet.
type Console struct {
	Logger *slog.Logger
	// IconName and IconPath are pass-through hints for a graphical
	// adapter; Console itself has no use for them.
	IconName string
	IconPath string

	mu            sync.Mutex
	lastIndicator string
	lastMenu      string
}

func (c *Console) SetIndicatorState(hasRunning bool, stale bool) {
	rendered := fmt.Sprintf("%t/%t", hasRunning, stale)

	c.mu.Lock()
	changed := rendered != c.lastIndicator
	c.lastIndicator = rendered
	c.mu.Unlock()

	if changed {
		c.logger().Info("indicator", "any_running", hasRunning, "stale", stale)
	}
}

func (c *Console) SetMenuItems(items []monitor.MenuItem) {
	var builder strings.Builder
	for _, item := range items {
		fmt.Fprintf(&builder, "%s (%s);", item.DisplayName, item.State)
	}
	rendered := builder.String()

	c.mu.Lock()
	changed := rendered != c.lastMenu
	c.lastMenu = rendered
	c.mu.Unlock()

	if !changed {
		return
	}
	if len(items) == 0 {
		c.logger().Info("menu updated", "guests", "none")
		return
	}
	for _, item := range items {
		c.logger().Info("menu entry",
			"guest", item.DisplayName,
			"state", item.State,
			"actions", strings.Join(item.Actions, ","),
		)
	}
}

func (c *Console) ShowError(message string) {
	c.logger().Error(message)
}

func (c *Console) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}
