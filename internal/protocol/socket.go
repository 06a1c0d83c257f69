package protocol

import (
	"fmt"
	"path/filepath"
)

// DefaultSocketPath is the fallback socket path when no lab is named.
// Prefer SocketPathFor(lab) to scope sockets per lab.
const DefaultSocketPath = "/tmp/devbootd.sock"

// SocketPathFor returns a lab-scoped socket path, so daemons driving
// different device labs from one host do not answer for each other.
//
// The lab name is sanitized with filepath.Base to prevent path traversal.
func SocketPathFor(lab string) string {
	if lab == "" {
		return DefaultSocketPath
	}
	safe := filepath.Base(lab)
	if safe == "." || safe == "/" {
		return DefaultSocketPath
	}
	return fmt.Sprintf("/tmp/devbootd-%s.sock", safe)
}
