package protocol

import "testing"

func TestAttemptID(t *testing.T) {
	a, b := NewAttemptID(), NewAttemptID()
	if a == b {
		t.Fatalf("NewAttemptID() returned %q twice", a)
	}
	if len(a.Short()) != 8 {
		t.Errorf("Short() = %q, want 8 characters", a.Short())
	}

	parsed, err := ParseAttemptID(" " + a.String() + "\n")
	if err != nil {
		t.Fatalf("ParseAttemptID() error = %v", err)
	}
	if parsed != a {
		t.Errorf("ParseAttemptID() = %q, want %q", parsed, a)
	}

	if _, err := ParseAttemptID(a.Short()); err == nil {
		t.Error("ParseAttemptID(short) error = nil, want error")
	}
}
