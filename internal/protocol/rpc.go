// Package protocol defines the wire types shared by the devboot daemon and
// its clients: the JSON request/response envelope spoken over the unix
// socket, the per-method parameters and results, and socket naming.
package protocol

import (
	"encoding/json"
	"time"
)

// RPC method names.
const (
	MethodBootStart    = "boot.start"
	MethodBootAbort    = "boot.abort"
	MethodStatusFull   = "status.full"
	MethodLogsPath     = "logs.path"
	MethodProfilesList = "profiles.list"
	MethodPoolDrain    = "pool.drain"
	MethodPoolResume   = "pool.resume"
	MethodShutdown     = "shutdown"
)

// Request is the JSON-RPC style request envelope.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON-RPC style response envelope.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BootStartParams are the parameters for boot.start. Commands overrides the
// profile's boot commands for this attempt when non-empty.
type BootStartParams struct {
	Device   string   `json:"device"`
	Commands []string `json:"commands,omitempty"`
}

// BootStartResult is returned as soon as the attempt is running. The boot
// itself continues in the daemon; poll status.full for the outcome.
type BootStartResult struct {
	ID         AttemptID `json:"id"`
	Device     string    `json:"device"`
	Transcript string    `json:"transcript"`
}

// DeviceParams name a single device (boot.abort, logs.path).
type DeviceParams struct {
	Device string `json:"device"`
}

// BootAbortResult names the attempt that was cancelled.
type BootAbortResult struct {
	ID     AttemptID `json:"id"`
	Device string    `json:"device"`
}

// PoolModeResult is the response for pool.drain and pool.resume.
type PoolModeResult struct {
	Mode    string `json:"mode"`
	Running int    `json:"running"`
}

// LogsPathResult is the response for logs.path.
type LogsPathResult struct {
	Path string `json:"path"`
}

// DeviceStatus is one row of status.full.
type DeviceStatus struct {
	Device string `json:"device"`
	Family string `json:"family"`
	// Busy is true while an attempt is running on the device.
	Busy bool `json:"busy"`
	// State is the orchestrator run-state of the running or last attempt.
	State string `json:"state,omitempty"`

	Last *AttemptStatus `json:"last,omitempty"`
}

// AttemptStatus summarizes one boot attempt.
type AttemptStatus struct {
	ID         AttemptID `json:"id"`
	Status     string    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	HardReset  bool      `json:"hard_reset,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// FullStatus is the response for status.full.
type FullStatus struct {
	Lab         string         `json:"lab,omitempty"`
	Mode        string         `json:"mode"`
	Concurrency int            `json:"concurrency"`
	Running     int            `json:"running"`
	Devices     []DeviceStatus `json:"devices"`
	Errors      []string       `json:"errors,omitempty"`
}

// ProfileInfo is one entry of profiles.list.
type ProfileInfo struct {
	Name         string   `json:"name"`
	DeviceType   string   `json:"device_type,omitempty"`
	Family       string   `json:"family"`
	SpawnCommand string   `json:"spawn_command"`
	BootCommands []string `json:"boot_commands"`
	Notes        string   `json:"notes,omitempty"`
}
