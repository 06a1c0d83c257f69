package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/baiirun/devboot/internal/console"
	"github.com/baiirun/devboot/internal/console/consoletest"
	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/records"
)

const (
	restartAck = "Will now restart.\r\n"
	autoboot   = "U-Boot 2011.09\r\nHit any key to stop autoboot:  3 \r\n"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it returns true or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

// deviceYAML is a generic-family profile with timeouts short enough for tests.
// bootloaderEntry controls how long a silent device keeps the attempt alive.
func deviceYAML(name, bootloaderEntry string) string {
	return fmt.Sprintf(`name: %s
family: generic
send_delay: 1ms
boot_commands: [boot]
timeouts:
  soft_reset: 200ms
  hard_reset_settle: 1ms
  bootloader_entry: %s
  boot_line: 2s
`, name, bootloaderEntry)
}

// bootable scripts a board that reaches the bootloader after a soft reset.
func bootable() *consoletest.Device {
	dev := consoletest.New()
	dev.On("reboot", restartAck+autoboot)
	dev.On("boot", "\r\nStarting kernel ...\r\n")
	return dev
}

// stuck scripts a board that acknowledges the reboot and then goes silent.
func stuck() *consoletest.Device {
	dev := consoletest.New()
	dev.On("reboot", restartAck)
	return dev
}

// scriptedStarter hands out a fresh scripted bridge per console, chosen by
// device name. Devices without a script fail to spawn.
func scriptedStarter(scripts map[string]func() *consoletest.Device) console.Starter {
	return func(ctx context.Context, device, command string) (console.Process, error) {
		script, ok := scripts[device]
		if !ok {
			return nil, fmt.Errorf("no console for %s", device)
		}
		return script().Starter()(ctx, device, command)
	}
}

// testConfig writes one profile per entry of profiles (name -> YAML) and
// returns a validated config rooted in a temp dir.
func testConfig(t *testing.T, starter console.Starter, profiles map[string]string) Config {
	t.Helper()
	root := t.TempDir()
	profileDir := filepath.Join(root, "devices")
	if err := os.Mkdir(profileDir, 0o700); err != nil {
		t.Fatal(err)
	}
	for name, body := range profiles {
		if err := os.WriteFile(filepath.Join(profileDir, name+".yaml"), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	cfg := Config{
		ProfileDir:  profileDir,
		LogDir:      filepath.Join(root, "logs"),
		StateDir:    filepath.Join(root, "state"),
		Concurrency: 4,
		AbortGrace:  100 * time.Millisecond,
		Starter:     starter,
		Logger:      testLogger(),
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

// newTestPool builds a pool over cfg's profiles and state dir. The pool is
// shut down when the test ends.
func newTestPool(t *testing.T, cfg Config) (*Pool, *records.Store) {
	t.Helper()
	profiles, err := profile.NewRegistry(cfg.ProfileDir, cfg.Logger)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	store, err := records.Open(cfg.StateDir)
	if err != nil {
		t.Fatalf("records.Open() error = %v", err)
	}
	pool := NewPool(context.Background(), cfg, profiles, store)
	t.Cleanup(func() { _ = pool.Shutdown() })
	return pool, store
}

// waitDone blocks until device has no running attempt.
func waitDone(t *testing.T, pool *Pool, device string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Wait(ctx, device); err != nil {
		t.Fatalf("waiting for %s: %v", device, err)
	}
}
