package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the settings file nor the environment
// provides a value.
const (
	DefaultConnectionURI  = "qemu:///system"
	DefaultPollInterval   = 10 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultGuestTimeout   = 2 * time.Second
	DefaultCommandTimeout = 15 * time.Second
	DefaultOverrideTTL    = 3
	DefaultBackoffFactor  = 6
	DefaultSocketPath     = "/tmp/virtray.sock"
)

// Settings is the full configuration surface of the monitor. The core
// receives these as plain values at construction time; icon fields are
// hints passed through to the presentation adapter.
type Settings struct {
	ConnectionURI  string
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	GuestTimeout   time.Duration
	CommandTimeout time.Duration
	// OverrideTTL is the optimistic-state lifetime in poll cycles.
	OverrideTTL int
	// BackoffFactor caps reconnect backoff at factor * poll interval.
	BackoffFactor int
	SocketPath    string
	IconName      string
	IconPath      string
	LogLevel      string
	// TestMode swaps the libvirt backend for the deterministic fake.
	TestMode bool
}

// fileSettings is the YAML shape of the settings file. Durations are
// strings in time.ParseDuration syntax; pointers distinguish "absent"
// from zero values.
type fileSettings struct {
	ConnectionURI  string `yaml:"connection_uri"`
	PollInterval   string `yaml:"poll_interval"`
	ConnectTimeout string `yaml:"connect_timeout"`
	GuestTimeout   string `yaml:"guest_timeout"`
	CommandTimeout string `yaml:"command_timeout"`
	OverrideTTL    *int   `yaml:"override_ttl"`
	BackoffFactor  *int   `yaml:"backoff_factor"`
	SocketPath     string `yaml:"socket_path"`
	IconName       string `yaml:"icon_name"`
	IconPath       string `yaml:"icon_path"`
	LogLevel       string `yaml:"log_level"`
	TestMode       *bool  `yaml:"test_mode"`
}

// Default returns settings with every field at its default.
func Default() Settings {
	return Settings{
		ConnectionURI:  DefaultConnectionURI,
		PollInterval:   DefaultPollInterval,
		ConnectTimeout: DefaultConnectTimeout,
		GuestTimeout:   DefaultGuestTimeout,
		CommandTimeout: DefaultCommandTimeout,
		OverrideTTL:    DefaultOverrideTTL,
		BackoffFactor:  DefaultBackoffFactor,
		SocketPath:     DefaultSocketPath,
	}
}

// Load builds the effective settings: defaults, then the YAML file at
// path (skipped when path is empty or the file does not exist), then
// VIRTRAY_* environment variables on top.
func Load(path string) (Settings, error) {
	settings := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// A missing settings file is not an error.
		case err != nil:
			return settings, fmt.Errorf("read settings file %s: %w", path, err)
		default:
			if err := settings.applyFile(data); err != nil {
				return settings, fmt.Errorf("parse settings file %s: %w", path, err)
			}
		}
	}

	if err := settings.applyEnv(); err != nil {
		return settings, err
	}
	return settings, settings.validate()
}

func (s *Settings) applyFile(data []byte) error {
	var file fileSettings
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	if file.ConnectionURI != "" {
		s.ConnectionURI = file.ConnectionURI
	}
	if file.SocketPath != "" {
		s.SocketPath = file.SocketPath
	}
	if file.IconName != "" {
		s.IconName = file.IconName
	}
	if file.IconPath != "" {
		s.IconPath = file.IconPath
	}
	if file.LogLevel != "" {
		s.LogLevel = file.LogLevel
	}
	if file.OverrideTTL != nil {
		s.OverrideTTL = *file.OverrideTTL
	}
	if file.BackoffFactor != nil {
		s.BackoffFactor = *file.BackoffFactor
	}
	if file.TestMode != nil {
		s.TestMode = *file.TestMode
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", file.PollInterval, &s.PollInterval},
		{"connect_timeout", file.ConnectTimeout, &s.ConnectTimeout},
		{"guest_timeout", file.GuestTimeout, &s.GuestTimeout},
		{"command_timeout", file.CommandTimeout, &s.CommandTimeout},
	}
	for _, entry := range durations {
		if entry.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(entry.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.name, err)
		}
		*entry.dst = parsed
	}
	return nil
}

func (s *Settings) applyEnv() error {
	if value, ok := lookup("VIRTRAY_CONNECT_URI"); ok {
		s.ConnectionURI = value
	}
	if value, ok := lookup("VIRTRAY_SOCKET"); ok {
		s.SocketPath = value
	}
	if value, ok := lookup("VIRTRAY_ICON_NAME"); ok {
		s.IconName = value
	}
	if value, ok := lookup("VIRTRAY_ICON_PATH"); ok {
		s.IconPath = value
	}
	if value, ok := lookup("VIRTRAY_LOG_LEVEL"); ok {
		s.LogLevel = value
	}
	if value, ok := lookup("VIRTRAY_POLL_INTERVAL"); ok {
		interval, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse VIRTRAY_POLL_INTERVAL: %w", err)
		}
		s.PollInterval = interval
	}
	if value, ok := lookup("VIRTRAY_OVERRIDE_TTL"); ok {
		ttl, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse VIRTRAY_OVERRIDE_TTL: %w", err)
		}
		s.OverrideTTL = ttl
	}
	if value, ok := lookup("VIRTRAY_TEST"); ok && value != "0" && !strings.EqualFold(value, "false") {
		s.TestMode = true
	}
	return nil
}

func (s *Settings) validate() error {
	if strings.TrimSpace(s.ConnectionURI) == "" {
		return fmt.Errorf("connection URI must not be empty")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.PollInterval)
	}
	if s.OverrideTTL <= 0 {
		return fmt.Errorf("override TTL must be positive, got %d", s.OverrideTTL)
	}
	if s.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %d", s.BackoffFactor)
	}
	return nil
}

// BackoffCap is the longest delay between reconnect attempts.
func (s Settings) BackoffCap() time.Duration {
	return s.PollInterval * time.Duration(s.BackoffFactor)
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}
