package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/term"
)

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name     string
		finished time.Time
		want     string
	}{
		{
			name:     "seconds",
			finished: time.Now().Add(-30 * time.Second),
			want:     "30s",
		},
		{
			name:     "minutes",
			finished: time.Now().Add(-12 * time.Minute),
			want:     "12m",
		},
		{
			name:     "hours and minutes",
			finished: time.Now().Add(-1*time.Hour - 30*time.Minute),
			want:     "1h30m",
		},
		{
			name:     "exact hours",
			finished: time.Now().Add(-2 * time.Hour),
			want:     "2h",
		},
		{
			name:     "days",
			finished: time.Now().Add(-26 * time.Hour),
			want:     "1d2h",
		},
		{
			name:     "zero time",
			finished: time.Time{},
			want:     "?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatAge(tt.finished)
			if got != tt.want {
				t.Errorf("formatAge() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this string is way too long", 10, "this stri\u2026"},
		{"", 10, ""},
		{"U-Boot\u00ae 2011", 8, "U-Boot\u00ae\u2026"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := truncate(tt.input, tt.max)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
			}
		})
	}
}

func TestAttemptSummary(t *testing.T) {
	tests := []struct {
		name string
		st   protocol.AttemptStatus
		want string
	}{
		{"booted", protocol.AttemptStatus{Status: "booted"}, "booted"},
		{"booted after hard reset", protocol.AttemptStatus{Status: "booted", HardReset: true}, "booted after hard reset"},
		{"failed with stage", protocol.AttemptStatus{Status: "failed", Stage: "bootloader-entry"}, "failed at bootloader-entry"},
		{"aborted", protocol.AttemptStatus{Status: "aborted"}, "aborted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := attemptSummary(&tt.st); got != tt.want {
				t.Errorf("attemptSummary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	term.Disable(true)
	t.Cleanup(func() { term.Disable(false) })

	s := &protocol.FullStatus{
		Lab:         "cambridge",
		Mode:        "draining",
		Concurrency: 4,
		Running:     1,
		Devices: []protocol.DeviceStatus{
			{Device: "panda01", Family: "generic", Busy: true, State: "awaiting-bootloader"},
			{
				Device: "snowball02",
				Family: "snowball",
				Last: &protocol.AttemptStatus{
					ID:         "20261016-0001",
					Status:     "failed",
					Stage:      "boot-line",
					Error:      "timed out waiting for boot line",
					FinishedAt: time.Now().Add(-5 * time.Minute),
				},
			},
		},
		Errors: []string{"reading boot registry: permission denied"},
	}

	var buf bytes.Buffer
	printStatus(&buf, s, false)
	out := buf.String()

	for _, want := range []string{
		"1/4 booting",
		"[draining]",
		"(cambridge)",
		"» awaiting-bootloader",
		"failed at boot-line",
		"5m",
		"Warnings: 1",
		"permission denied",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "last attempt:") {
		t.Error("summary view should not include attempt detail")
	}

	buf.Reset()
	printStatus(&buf, s, true)
	out = buf.String()
	for _, want := range []string{"last attempt: 20261016-0001", "stage: boot-line", "error: timed out waiting for boot line"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStatusNoDevices(t *testing.T) {
	term.Disable(true)
	t.Cleanup(func() { term.Disable(false) })

	var buf bytes.Buffer
	printStatus(&buf, &protocol.FullStatus{Concurrency: 8}, false)
	if !strings.Contains(buf.String(), "no device profiles loaded") {
		t.Errorf("output = %q, want empty-lab hint", buf.String())
	}
}

func TestOnlyDevice(t *testing.T) {
	s := &protocol.FullStatus{Devices: []protocol.DeviceStatus{{Device: "panda01"}, {Device: "panda02"}}}

	got, err := onlyDevice(s, "panda02")
	if err != nil {
		t.Fatalf("onlyDevice() error = %v", err)
	}
	if len(got.Devices) != 1 || got.Devices[0].Device != "panda02" {
		t.Errorf("Devices = %+v, want only panda02", got.Devices)
	}
	if len(s.Devices) != 2 {
		t.Error("onlyDevice modified its input")
	}

	if _, err := onlyDevice(s, "beagle01"); err == nil {
		t.Error("expected error for unknown device")
	}
}
