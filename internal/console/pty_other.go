//go:build !unix

package console

import (
	"context"
	"errors"
)

// PtyStarter is unavailable without Unix pseudo-terminals.
func PtyStarter(ctx context.Context, device, command string) (Process, error) {
	return nil, errors.New("console bridges require a unix pseudo-terminal")
}
