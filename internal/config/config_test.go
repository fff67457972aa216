package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.ConnectionURI != DefaultConnectionURI {
		t.Fatalf("ConnectionURI = %q, want %q", settings.ConnectionURI, DefaultConnectionURI)
	}
	if settings.PollInterval != DefaultPollInterval {
		t.Fatalf("PollInterval = %s, want %s", settings.PollInterval, DefaultPollInterval)
	}
	if settings.BackoffCap() != DefaultPollInterval*DefaultBackoffFactor {
		t.Fatalf("BackoffCap() = %s, want %s", settings.BackoffCap(), DefaultPollInterval*DefaultBackoffFactor)
	}
	if settings.TestMode {
		t.Fatal("TestMode should default to false")
	}
}

func TestLoadReadsSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
connection_uri: qemu:///session
poll_interval: 30s
override_ttl: 5
icon_name: virt-manager
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.ConnectionURI != "qemu:///session" {
		t.Fatalf("ConnectionURI = %q, want qemu:///session", settings.ConnectionURI)
	}
	if settings.PollInterval != 30*time.Second {
		t.Fatalf("PollInterval = %s, want 30s", settings.PollInterval)
	}
	if settings.OverrideTTL != 5 {
		t.Fatalf("OverrideTTL = %d, want 5", settings.OverrideTTL)
	}
	if settings.IconName != "virt-manager" {
		t.Fatalf("IconName = %q, want virt-manager", settings.IconName)
	}
	// Unset fields keep their defaults.
	if settings.CommandTimeout != DefaultCommandTimeout {
		t.Fatalf("CommandTimeout = %s, want default %s", settings.CommandTimeout, DefaultCommandTimeout)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("connection_uri: qemu:///session\n"), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}

	t.Setenv("VIRTRAY_CONNECT_URI", "qemu+ssh://host/system")
	t.Setenv("VIRTRAY_POLL_INTERVAL", "2s")
	t.Setenv("VIRTRAY_TEST", "1")

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.ConnectionURI != "qemu+ssh://host/system" {
		t.Fatalf("ConnectionURI = %q, want env override", settings.ConnectionURI)
	}
	if settings.PollInterval != 2*time.Second {
		t.Fatalf("PollInterval = %s, want 2s", settings.PollInterval)
	}
	if !settings.TestMode {
		t.Fatal("VIRTRAY_TEST=1 should enable test mode")
	}
}

func TestTestModeToggleIgnoresFalseValues(t *testing.T) {
	t.Setenv("VIRTRAY_TEST", "false")

	settings, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.TestMode {
		t.Fatal("VIRTRAY_TEST=false should not enable test mode")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("VIRTRAY_POLL_INTERVAL", "not-a-duration")
	if _, err := Load(""); err == nil {
		t.Fatal("Load should reject an unparseable poll interval")
	}
}

func TestLoadRejectsNonPositivePollInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: -5s\n"), 0o644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject a negative poll interval")
	}
}
