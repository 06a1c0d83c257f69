package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AttemptID identifies one boot attempt across the daemon, the record
// store and the CLI.
type AttemptID string

// NewAttemptID returns a fresh random attempt ID.
func NewAttemptID() AttemptID {
	return AttemptID(uuid.NewString())
}

// ParseAttemptID validates s and returns it as an AttemptID. Short prefixes
// as printed by Short are not accepted.
func ParseAttemptID(s string) (AttemptID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid attempt id %q: %w", s, err)
	}
	return AttemptID(u.String()), nil
}

// Short returns the first eight characters for display.
func (id AttemptID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

func (id AttemptID) String() string {
	return string(id)
}
