// Package client provides a client for communicating with devbootd.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/baiirun/devboot/internal/protocol"
)

// dialTimeout bounds connecting to the socket. Requests themselves are
// answered immediately; boots run in the background.
const dialTimeout = 2 * time.Second

// ErrDaemonNotRunning is returned when nothing accepts connections on the
// socket.
var ErrDaemonNotRunning = errors.New("devbootd is not running")

// Client communicates with the devbootd daemon.
type Client struct {
	socketPath string
}

// New creates a new client.
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = protocol.DefaultSocketPath
	}
	return &Client{socketPath: socketPath}
}

// SocketPath returns the socket the client talks to.
func (c *Client) SocketPath() string { return c.socketPath }

func (c *Client) call(method string, params any, result any) error {
	req := protocol.Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = raw
	}

	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("%w on %s: %v", ErrDaemonNotRunning, c.socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}

	return nil
}

// BootStart starts a boot attempt on device. commands override the
// profile's boot commands when non-empty. It returns once the attempt is
// running; poll StatusFull for the outcome.
func (c *Client) BootStart(device string, commands []string) (*protocol.BootStartResult, error) {
	var result protocol.BootStartResult
	params := protocol.BootStartParams{Device: device, Commands: commands}
	if err := c.call(protocol.MethodBootStart, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BootAbort cancels the running attempt on device.
func (c *Client) BootAbort(device string) (*protocol.BootAbortResult, error) {
	var result protocol.BootAbortResult
	if err := c.call(protocol.MethodBootAbort, protocol.DeviceParams{Device: device}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StatusFull returns the lab status.
func (c *Client) StatusFull() (*protocol.FullStatus, error) {
	var result protocol.FullStatus
	if err := c.call(protocol.MethodStatusFull, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeviceStatus returns the status row for one device.
func (c *Client) DeviceStatus(device string) (*protocol.DeviceStatus, error) {
	status, err := c.StatusFull()
	if err != nil {
		return nil, err
	}
	for i := range status.Devices {
		if status.Devices[i].Device == device {
			return &status.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("unknown device: %q", device)
}

// LogsPath returns the console transcript path for device.
func (c *Client) LogsPath(device string) (string, error) {
	var result protocol.LogsPathResult
	if err := c.call(protocol.MethodLogsPath, protocol.DeviceParams{Device: device}, &result); err != nil {
		return "", err
	}
	return result.Path, nil
}

// Profiles lists the device profiles the daemon has loaded.
func (c *Client) Profiles() ([]protocol.ProfileInfo, error) {
	var result []protocol.ProfileInfo
	if err := c.call(protocol.MethodProfilesList, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// PoolDrain stops the daemon from accepting new boot attempts.
func (c *Client) PoolDrain() (*protocol.PoolModeResult, error) {
	var result protocol.PoolModeResult
	if err := c.call(protocol.MethodPoolDrain, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PoolResume lets the daemon accept boot attempts again.
func (c *Client) PoolResume() (*protocol.PoolModeResult, error) {
	var result protocol.PoolModeResult
	if err := c.call(protocol.MethodPoolResume, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Shutdown stops the daemon. Running boot attempts are aborted.
func (c *Client) Shutdown() error {
	return c.call(protocol.MethodShutdown, nil, nil)
}
