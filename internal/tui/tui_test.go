package tui

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/baiirun/devboot/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

func labStatus() *protocol.FullStatus {
	return &protocol.FullStatus{
		Lab:         "cambridge",
		Mode:        "active",
		Concurrency: 4,
		Running:     1,
		Devices: []protocol.DeviceStatus{
			{Device: "panda01", Family: "generic", Busy: true, State: "awaiting-bootloader"},
			{Device: "panda02", Family: "generic", Last: &protocol.AttemptStatus{
				ID: "a1", Status: "failed", Stage: "boot-line", Error: "timed out",
				FinishedAt: time.Now().Add(-3 * time.Minute),
			}},
			{Device: "snowball01", Family: "snowball"},
		},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestDashboardNavigation(t *testing.T) {
	m := New(Config{SocketPath: "/nonexistent.sock"})
	m = update(t, m, statusMsg{status: labStatus()})

	m = update(t, m, key("j"))
	m = update(t, m, key("j"))
	m = update(t, m, key("j")) // clamped at the last device
	if m.selected != 2 {
		t.Errorf("selected = %d, want 2", m.selected)
	}
	m = update(t, m, key("k"))
	if d, _ := m.selectedDevice(); d.Device != "panda02" {
		t.Errorf("selected device = %q, want panda02", d.Device)
	}

	// The list shrinking clamps the cursor.
	shrunk := labStatus()
	shrunk.Devices = shrunk.Devices[:1]
	m = update(t, m, statusMsg{status: shrunk})
	if m.selected != 0 {
		t.Errorf("selected after shrink = %d, want 0", m.selected)
	}
}

func TestDashboardView(t *testing.T) {
	m := New(Config{})
	if !strings.Contains(m.View(), "connecting...") {
		t.Error("view before first poll should say connecting")
	}

	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, statusMsg{status: labStatus()})
	view := m.View()
	for _, want := range []string{"1/4 booting", "(cambridge)", "panda01", "» awaiting-bootloader", "failed at boot-line: timed out", "3m ago", "snowball"} {
		if !strings.Contains(view, want) {
			t.Errorf("dashboard missing %q:\n%s", want, view)
		}
	}

	m = update(t, m, statusMsg{err: errors.New("daemon not running")})
	if !strings.Contains(m.View(), "disconnected") {
		t.Error("view after poll error should say disconnected")
	}
}

func TestPanelAndBack(t *testing.T) {
	m := New(Config{})
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, statusMsg{status: labStatus()})
	m = update(t, m, profilesMsg{profiles: []protocol.ProfileInfo{{
		Name: "panda02", Family: "generic", SpawnCommand: "conmux-console panda02",
		BootCommands: []string{"tftp 0x80000000 uImage", "bootm"},
	}}})

	m = update(t, m, key("j"))
	m = update(t, m, key("enter"))
	if m.screen != screenPanel {
		t.Fatalf("screen = %v, want panel", m.screen)
	}
	view := m.View()
	for _, want := range []string{"panda02", "conmux-console panda02", "tftp 0x80000000 uImage", "boot-line"} {
		if !strings.Contains(view, want) {
			t.Errorf("panel missing %q:\n%s", want, view)
		}
	}

	// Status polls refresh the open panel.
	st := labStatus()
	st.Devices[1].Busy = true
	st.Devices[1].State = "booting"
	m = update(t, m, statusMsg{status: st})
	if m.panel.device.State != "booting" {
		t.Errorf("panel state = %q, want booting", m.panel.device.State)
	}

	m = update(t, m, key("esc"))
	if m.screen != screenDashboard {
		t.Errorf("screen = %v, want dashboard after esc", m.screen)
	}
}

func TestActionMessageFlash(t *testing.T) {
	m := New(Config{})
	m = update(t, m, statusMsg{status: labStatus()})

	m = update(t, m, actionMsg{err: errors.New("device busy: panda01")})
	if !m.flashErr || !strings.Contains(m.View(), "device busy") {
		t.Errorf("flash = %q err=%v, want error flash", m.flash, m.flashErr)
	}
	m = update(t, m, actionMsg{text: "pool draining (1 booting)"})
	if m.flashErr || m.flash != "pool draining (1 booting)" {
		t.Errorf("flash = %q err=%v", m.flash, m.flashErr)
	}
}

func TestLogStreamReadsIncrementally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panda01.jsonl")
	first := `{"ts":1760600000000,"device":"panda01","dir":"out","data":"reboot\n"}` + "\n"
	if err := os.WriteFile(path, []byte(first), 0o600); err != nil {
		t.Fatal(err)
	}

	m := New(Config{})
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m = update(t, m, statusMsg{status: labStatus()})
	next, cmd := m.Update(key("l"))
	m = next.(Model)
	if m.screen != screenLogs || cmd == nil {
		t.Fatalf("screen = %v cmd = %v, want logs with path fetch", m.screen, cmd)
	}

	m = update(t, m, logPathMsg{path: path})
	res, err := readLogLines(path, m.logs.lineCount)
	if err != nil {
		t.Fatal(err)
	}
	m = update(t, m, logStreamMsg{lines: res.lines, newCount: res.newCount})
	if m.logs.lineCount != 1 || len(m.logs.lines) != 1 || !strings.Contains(m.logs.lines[0], "> reboot") {
		t.Fatalf("after first read: count=%d lines=%q", m.logs.lineCount, m.logs.lines)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"ts":1760600000100,"device":"panda01","dir":"in","data":"U-Boot 2011.09\r\n"}` + "\n")
	_ = f.Close()

	res, err = readLogLines(path, m.logs.lineCount)
	if err != nil {
		t.Fatal(err)
	}
	if res.newCount != 2 || len(res.lines) != 1 || !strings.Contains(res.lines[0], "U-Boot 2011.09") {
		t.Errorf("second read = %+v, want only the appended record", res)
	}
}

func TestLogStreamPathError(t *testing.T) {
	m := NewLogStreamModel("panda01", 80, 24)
	m, _ = m.Update(logPathMsg{err: errors.New("unknown device: \"panda01\"")})
	if !strings.Contains(m.View(), "unknown device") {
		t.Errorf("view = %q, want path error", m.View())
	}
}

func TestFormatRelativeTime(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero", time.Time{}, "?"},
		{"future", time.Now().Add(time.Minute), "now"},
		{"seconds", time.Now().Add(-20 * time.Second), "20s ago"},
		{"minutes", time.Now().Add(-5 * time.Minute), "5m ago"},
		{"hours", time.Now().Add(-3 * time.Hour), "3h ago"},
		{"days", time.Now().Add(-50 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatRelativeTime(tt.t); got != tt.want {
				t.Errorf("formatRelativeTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPadding(t *testing.T) {
	if got := padRight("abc", 5); got != "abc  " {
		t.Errorf("padRight = %q", got)
	}
	if got := padLeft("abc", 5); got != "  abc" {
		t.Errorf("padLeft = %q", got)
	}
	if got := padRight("abcdef", 3); got != "abc" {
		t.Errorf("padRight truncation = %q", got)
	}
	if got := truncate("abcdef", 0); got != "" {
		t.Errorf("truncate(0) = %q", got)
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("set jumper J3 before power on\nkeep", 12)
	want := "set jumper\nJ3 before\npower on\nkeep"
	if got != want {
		t.Errorf("wrapText() = %q, want %q", got, want)
	}
}

func TestRenderDeviceInfoNotes(t *testing.T) {
	p := &protocol.ProfileInfo{
		Name: "imx01", SpawnCommand: "conmux-console imx01", BootCommands: []string{"boot"},
		Notes: "Needs **SW2** in serial mode.",
	}
	out := renderDeviceInfo(protocol.DeviceStatus{Device: "imx01"}, p, 60)
	for _, want := range []string{"No attempts recorded", "Notes", "SW2"} {
		if !strings.Contains(out, want) {
			t.Errorf("device info missing %q:\n%s", want, out)
		}
	}
}
