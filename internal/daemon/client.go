package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client talks to a running virtray daemon over its control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, payload interface{}) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("set socket deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if payload != nil && resp.Data != nil {
		if err := json.Unmarshal(resp.Data, payload); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

// Status fetches the daemon's current view of guests and connection.
func (c *Client) Status() (StatusReport, error) {
	var report StatusReport
	if err := c.send(IPCRequest{Command: CommandStatus}, &report); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

// Start asks the daemon to start the given guest (identity or name).
func (c *Client) Start(guest string) (CommandReport, error) {
	var report CommandReport
	if err := c.send(IPCRequest{Command: CommandStart, Guest: guest}, &report); err != nil {
		return CommandReport{}, err
	}
	return report, nil
}

// Stop asks the daemon to stop the given guest (identity or name).
func (c *Client) Stop(guest string) (CommandReport, error) {
	var report CommandReport
	if err := c.send(IPCRequest{Command: CommandStop, Guest: guest}, &report); err != nil {
		return CommandReport{}, err
	}
	return report, nil
}
