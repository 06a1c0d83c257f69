// Package daemon implements devbootd, the lab boot daemon.
//
// The daemon is a console supervisor that:
//   - Loads device profiles from a directory (optionally watching it)
//   - Runs boot attempts, one per device, under a lab-wide concurrency cap
//   - Writes a console transcript per device and a registry of attempts
//   - Exposes a Unix socket for starting, aborting and inspecting boots
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/records"
)

// Request and Response are the socket envelopes.
type (
	Request  = protocol.Request
	Response = protocol.Response
)

// Daemon holds the daemon state.
type Daemon struct {
	config   Config
	listener net.Listener
	profiles *profile.Registry
	store    *records.Store
	pool     *Pool
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	once     sync.Once
	log      *slog.Logger
}

// New creates a daemon and loads the device profiles.
// Call cfg.ApplyDefaults() and cfg.Validate() before passing to New.
func New(cfg Config) (*Daemon, error) {
	cfg.ApplyDefaults()
	log := cfg.Logger

	profiles, err := profile.NewRegistry(cfg.ProfileDir, log)
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}

	store, storeErr := records.Open(cfg.StateDir)
	if storeErr != nil {
		log.Warn("boot registry unavailable", "error", storeErr)
		store = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		config:   cfg,
		profiles: profiles,
		store:    store,
		pool:     NewPool(ctx, cfg, profiles, store),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
		log:      log,
	}, nil
}

// Run starts the daemon and blocks until shutdown. Running boot attempts
// are aborted before Run returns.
func (d *Daemon) Run() error {
	defer d.cancel()

	conn, err := net.DialTimeout("unix", d.config.SocketPath, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("daemon already running on %s", d.config.SocketPath)
	}

	// Remove stale socket if no daemon is accepting connections.
	if info, statErr := os.Lstat(d.config.SocketPath); statErr == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not a unix socket: %s", d.config.SocketPath)
		}
		if rmErr := os.Remove(d.config.SocketPath); rmErr != nil {
			return fmt.Errorf("failed to remove stale socket %s: %w", d.config.SocketPath, rmErr)
		}
	} else if !os.IsNotExist(statErr) {
		return fmt.Errorf("failed to stat socket path %s: %w", d.config.SocketPath, statErr)
	}

	// Attempts left running by a previous daemon lost their console with it.
	if d.store != nil {
		n, err := d.store.MarkInterrupted("interrupted: daemon exited mid-boot")
		if err != nil {
			d.log.Warn("marking interrupted boot attempts", "error", err)
		} else if n > 0 {
			d.log.Warn("marked interrupted boot attempts failed", "count", n)
		}
	}

	listener, err := net.Listen("unix", d.config.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.SocketPath, err)
	}
	// Owner only: anyone who can connect can power-cycle lab devices.
	if err := os.Chmod(d.config.SocketPath, 0700); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions on %s: %w", d.config.SocketPath, err)
	}
	d.listener = listener
	defer func() { _ = os.Remove(d.config.SocketPath) }()

	d.log.Info("daemon started",
		"socket", d.config.SocketPath,
		"lab", d.config.Lab,
		"devices", len(d.profiles.List()),
		"concurrency", d.config.Concurrency,
	)

	if d.config.WatchProfiles {
		stopWatch, err := d.profiles.Watch(d.ctx)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("watching %s: %w", d.config.ProfileDir, err)
		}
		defer func() {
			if err := stopWatch(); err != nil {
				d.log.Warn("stopping profile watcher", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-d.shutdown:
		case <-d.ctx.Done():
		}
		d.log.Info("shutting down")
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			d.log.Error("accept error", "error", err)
			continue
		}
		go d.handleConnection(d.ctx, conn)
	}

	if err := d.pool.Shutdown(); err != nil {
		d.log.Warn("pool shutdown", "error", err)
	}
	d.log.Info("daemon stopped")
	return nil
}

// Stop asks a running daemon to shut down, as the shutdown RPC does.
func (d *Daemon) Stop() {
	d.once.Do(func() { close(d.shutdown) })
}

func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return // Connection closed or read error
		}

		d.log.Debug("rpc request", "method", req.Method)
		resp := d.handleRequest(ctx, &req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (d *Daemon) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case protocol.MethodBootStart:
		return d.handleBootStart(req.Params)
	case protocol.MethodBootAbort:
		return d.handleBootAbort(req.Params)
	case protocol.MethodStatusFull:
		return d.handleStatusFull()
	case protocol.MethodLogsPath:
		return d.handleLogsPath(req.Params)
	case protocol.MethodProfilesList:
		return d.handleProfilesList()
	case protocol.MethodPoolDrain:
		return d.handlePoolMode(d.pool.Drain)
	case protocol.MethodPoolResume:
		return d.handlePoolMode(d.pool.Resume)
	case protocol.MethodShutdown:
		return d.handleShutdown()
	default:
		return &Response{Success: false, Error: fmt.Sprintf("unknown method: %s", req.Method)}
	}
}

func (d *Daemon) handleShutdown() *Response {
	d.log.Info("shutdown requested via RPC")
	// Signal shutdown in background so we can send response first
	go func() {
		time.Sleep(50 * time.Millisecond)
		d.Stop()
	}()
	return &Response{Success: true}
}

func (d *Daemon) handleBootStart(rawParams json.RawMessage) *Response {
	var params protocol.BootStartParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return &Response{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	if params.Device == "" {
		return &Response{Success: false, Error: "device is required"}
	}

	job, err := d.pool.Start(params.Device, params.Commands)
	if err != nil {
		d.log.Warn("boot.start rejected", "device", params.Device, "error", err)
		return &Response{Success: false, Error: err.Error()}
	}
	return resultResponse(protocol.BootStartResult{
		ID:         job.ID,
		Device:     job.Device,
		Transcript: job.Transcript,
	})
}

func (d *Daemon) handleBootAbort(rawParams json.RawMessage) *Response {
	var params protocol.DeviceParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return &Response{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	if params.Device == "" {
		return &Response{Success: false, Error: "device is required"}
	}

	job, err := d.pool.Abort(params.Device)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}
	}
	return resultResponse(protocol.BootAbortResult{ID: job.ID, Device: job.Device})
}

func (d *Daemon) handleStatusFull() *Response {
	return resultResponse(BuildFullStatus(d.pool, d.profiles, d.store, d.config))
}

func (d *Daemon) handleProfilesList() *Response {
	list := d.profiles.List()
	infos := make([]protocol.ProfileInfo, len(list))
	for i, p := range list {
		infos[i] = protocol.ProfileInfo{
			Name:         p.Name,
			DeviceType:   p.DeviceType,
			Family:       string(p.Family),
			SpawnCommand: p.SpawnCommand,
			BootCommands: p.BootCommands,
			Notes:        p.Notes,
		}
	}
	return resultResponse(infos)
}

// handlePoolMode applies a pool mode change and reports the new mode.
func (d *Daemon) handlePoolMode(change func() error) *Response {
	if err := change(); err != nil {
		return &Response{Success: false, Error: err.Error()}
	}
	return resultResponse(protocol.PoolModeResult{
		Mode:    string(d.pool.Mode()),
		Running: len(d.pool.Jobs()),
	})
}

func resultResponse(v any) *Response {
	result, err := json.Marshal(v)
	if err != nil {
		return &Response{Success: false, Error: fmt.Sprintf("marshal error: %v", err)}
	}
	return &Response{Success: true, Result: result}
}
