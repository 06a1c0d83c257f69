package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/baiirun/devboot/internal/protocol"
)

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.SocketPath != protocol.DefaultSocketPath {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, protocol.DefaultSocketPath)
	}
	if cfg.ProfileDir != DefaultProfileDir {
		t.Errorf("ProfileDir = %q, want %q", cfg.ProfileDir, DefaultProfileDir)
	}
	if cfg.LogDir != DefaultLogDir {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, DefaultLogDir)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, DefaultStateDir)
	}
	if cfg.Concurrency != DefaultConcurrency {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, DefaultConcurrency)
	}
	if cfg.AbortGrace != DefaultAbortGrace {
		t.Errorf("AbortGrace = %v, want %v", cfg.AbortGrace, DefaultAbortGrace)
	}
	if cfg.Starter == nil {
		t.Error("Starter should not be nil after ApplyDefaults")
	}
	if cfg.Logger == nil {
		t.Error("Logger should not be nil after ApplyDefaults")
	}
}

func TestConfigApplyDefaultsLabSocket(t *testing.T) {
	cfg := Config{Lab: "cambridge"}
	cfg.ApplyDefaults()

	if cfg.SocketPath != "/tmp/devbootd-cambridge.sock" {
		t.Errorf("SocketPath = %q, want lab-scoped socket", cfg.SocketPath)
	}
}

func TestConfigApplyDefaultsPreservesExisting(t *testing.T) {
	cfg := Config{
		SocketPath:  "/custom/sock",
		ProfileDir:  "/custom/devices",
		Concurrency: 2,
		AbortGrace:  time.Second,
	}
	cfg.ApplyDefaults()

	if cfg.SocketPath != "/custom/sock" {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, "/custom/sock")
	}
	if cfg.ProfileDir != "/custom/devices" {
		t.Errorf("ProfileDir = %q, want %q", cfg.ProfileDir, "/custom/devices")
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, 2)
	}
	if cfg.AbortGrace != time.Second {
		t.Errorf("AbortGrace = %v, want %v", cfg.AbortGrace, time.Second)
	}
}

func TestConfigValidate(t *testing.T) {
	profileDir := t.TempDir()
	notDir := filepath.Join(profileDir, "file")
	if err := os.WriteFile(notDir, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "bad lab name",
			cfg:     Config{Lab: "../lab", ProfileDir: profileDir, Concurrency: 1, AbortGrace: time.Second},
			wantErr: "invalid characters",
		},
		{
			name:    "zero concurrency",
			cfg:     Config{ProfileDir: profileDir, Concurrency: 0, AbortGrace: time.Second},
			wantErr: "concurrency must be positive",
		},
		{
			name:    "negative abort grace",
			cfg:     Config{ProfileDir: profileDir, Concurrency: 1, AbortGrace: -1},
			wantErr: "abort-grace must be positive",
		},
		{
			name:    "missing profile dir",
			cfg:     Config{ProfileDir: "/nonexistent/devices", Concurrency: 1, AbortGrace: time.Second},
			wantErr: "profile-dir",
		},
		{
			name:    "profile dir is a file",
			cfg:     Config{ProfileDir: notDir, Concurrency: 1, AbortGrace: time.Second},
			wantErr: "not a directory",
		},
		{
			name:    "valid config",
			cfg:     Config{Lab: "lab-2.rack", ProfileDir: profileDir, Concurrency: 4, AbortGrace: time.Second},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := err.Error(); !strings.Contains(got, tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", got, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateResolvesRelativeDirs(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.Mkdir("devices", 0o700); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config after defaults, got: %v", err)
	}
	for name, got := range map[string]string{"ProfileDir": cfg.ProfileDir, "LogDir": cfg.LogDir, "StateDir": cfg.StateDir} {
		if !filepath.IsAbs(got) {
			t.Errorf("%s = %q, want absolute", name, got)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".devboot.yaml")

	yaml := `lab: from-file
socket_path: /tmp/custom.sock
profile_dir: /lab/devices
log_dir: /lab/logs
state_dir: /lab/state
concurrency: 3
watch_profiles: true
abort_grace: 10s
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Lab != "from-file" {
		t.Errorf("Lab = %q, want %q", cfg.Lab, "from-file")
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, "/tmp/custom.sock")
	}
	if cfg.ProfileDir != "/lab/devices" || cfg.LogDir != "/lab/logs" || cfg.StateDir != "/lab/state" {
		t.Errorf("dirs = %q %q %q", cfg.ProfileDir, cfg.LogDir, cfg.StateDir)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want %d", cfg.Concurrency, 3)
	}
	if !cfg.WatchProfiles {
		t.Error("WatchProfiles = false, want true")
	}
	if cfg.AbortGrace != 10*time.Second {
		t.Errorf("AbortGrace = %v, want %v", cfg.AbortGrace, 10*time.Second)
	}
}

func TestLoadConfigFileFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".devboot.yaml")

	yaml := `lab: from-file
concurrency: 10
log_dir: /file/logs
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	// Simulate CLI flags by pre-setting some values.
	cfg := Config{
		Lab:         "from-flag",
		Concurrency: 2,
	}

	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Lab != "from-flag" {
		t.Errorf("Lab = %q, want %q (flag should override file)", cfg.Lab, "from-flag")
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want %d (flag should override file)", cfg.Concurrency, 2)
	}
	if cfg.LogDir != "/file/logs" {
		t.Errorf("LogDir = %q, want %q (should come from file)", cfg.LogDir, "/file/logs")
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	var cfg Config
	if err := LoadConfigFile("/nonexistent/.devboot.yaml", &cfg); err != nil {
		t.Fatalf("missing file should not error, got: %v", err)
	}
}

func TestLoadConfigFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".devboot.yaml")

	if err := os.WriteFile(path, []byte("{{invalid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := LoadConfigFile(path, &cfg); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfigFileEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".devboot.yaml")

	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Config{Lab: "preserved"}
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Lab != "preserved" {
		t.Errorf("Lab = %q, want %q (empty file should not clear values)", cfg.Lab, "preserved")
	}
}
