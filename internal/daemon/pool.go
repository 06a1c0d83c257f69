package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/baiirun/devboot/internal/boot"
	"github.com/baiirun/devboot/internal/console"
	"github.com/baiirun/devboot/internal/profile"
	"github.com/baiirun/devboot/internal/protocol"
	"github.com/baiirun/devboot/internal/records"
	"github.com/baiirun/devboot/internal/sink"
	"vawter.tech/stopper"
)

// PoolMode controls whether the pool accepts new boot attempts.
type PoolMode string

const (
	// PoolActive is the default mode: boot.start is accepted.
	PoolActive PoolMode = "active"

	// PoolDraining rejects new attempts but lets running ones finish.
	// Used before taking the lab down for maintenance.
	PoolDraining PoolMode = "draining"

	// poolClosed is entered on daemon shutdown and never left.
	poolClosed PoolMode = "closed"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrDeviceBusy    = errors.New("device is busy")
	ErrNotRunning    = errors.New("no boot attempt running")
	ErrPoolDraining  = errors.New("pool is draining")
	ErrPoolClosed    = errors.New("pool is shut down")
)

// Job tracks one running boot attempt.
type Job struct {
	ID         protocol.AttemptID `json:"id"`
	Device     string             `json:"device"`
	Family     profile.Family     `json:"family"`
	Commands   []string           `json:"commands"`
	State      boot.State         `json:"state"`
	Transcript string             `json:"transcript"`
	StartedAt  time.Time          `json:"started_at"`

	cancel  context.CancelFunc
	aborted bool
	done    chan struct{}
}

// Pool runs boot attempts. Each device has at most one attempt at a time,
// and at most Config.Concurrency attempts hold a console across the lab.
type Pool struct {
	mu       sync.RWMutex
	mode     PoolMode
	jobs     map[string]*Job                   // keyed by device name
	last     map[string]protocol.AttemptStatus // last finished attempt per device
	slots    chan struct{}
	config   Config
	profiles *profile.Registry
	store    *records.Store // nil when the state dir is unusable
	ctx      context.Context
	stop     *stopper.Context
	log      *slog.Logger
}

// NewPool creates a pool whose attempts are cancelled when ctx is done.
// store may be nil, in which case attempts are only tracked in memory.
func NewPool(ctx context.Context, cfg Config, profiles *profile.Registry, store *records.Store) *Pool {
	cfg.ApplyDefaults()
	return &Pool{
		mode:     PoolActive,
		jobs:     make(map[string]*Job),
		last:     make(map[string]protocol.AttemptStatus),
		slots:    make(chan struct{}, cfg.Concurrency),
		config:   cfg,
		profiles: profiles,
		store:    store,
		ctx:      ctx,
		stop:     stopper.WithContext(ctx),
		log:      cfg.Logger,
	}
}

// Start launches a boot attempt for device and returns without waiting for
// it. commands override the profile's boot commands when non-empty.
//
// All fallible prep (profile lookup, transcript) happens before the device
// is marked busy, so a failed start leaves nothing behind.
func (p *Pool) Start(device string, commands []string) (Job, error) {
	prof, ok := p.profiles.Get(device)
	if !ok {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
	}
	if len(commands) == 0 {
		commands = prof.BootCommands
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.mode {
	case PoolDraining:
		return Job{}, ErrPoolDraining
	case poolClosed:
		return Job{}, ErrPoolClosed
	}
	if j, busy := p.jobs[device]; busy {
		return Job{}, fmt.Errorf("%w: %s is running attempt %s", ErrDeviceBusy, device, j.ID.Short())
	}

	transcript, err := sink.OpenTranscript(p.config.LogDir, device)
	if err != nil {
		return Job{}, err
	}

	ctx, cancel := context.WithCancel(p.ctx)
	job := &Job{
		ID:         protocol.NewAttemptID(),
		Device:     device,
		Family:     prof.Family,
		Commands:   append([]string(nil), commands...),
		State:      boot.StateIdle,
		Transcript: sink.TranscriptPath(p.config.LogDir, device),
		StartedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	p.jobs[device] = job

	p.saveRecord(records.Record{
		ID:         string(job.ID),
		Device:     device,
		Family:     string(job.Family),
		Commands:   job.Commands,
		Status:     records.StatusRunning,
		State:      string(job.State),
		Transcript: job.Transcript,
		StartedAt:  job.StartedAt,
	})

	p.log.Info("boot attempt started",
		"attempt", job.ID.Short(),
		"device", device,
		"family", prof.Family,
		"commands", len(commands),
	)

	p.stop.Go(func(*stopper.Context) error {
		p.run(ctx, job, prof, transcript)
		return nil
	})
	return p.snapshot(job), nil
}

// run waits for a slot, boots the device and records the outcome.
func (p *Pool) run(ctx context.Context, job *Job, prof profile.Profile, transcript *sink.JSONL) {
	defer close(job.done)
	defer func() {
		if err := transcript.Close(); err != nil {
			p.log.Warn("closing transcript", "device", job.Device, "error", err)
		}
	}()

	var err error
	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
		err = boot.BootDeviceWith(ctx, prof, job.Commands, transcript,
			boot.WithLogger(p.log.With("attempt", job.ID.Short())),
			boot.WithObserver(func(s boot.State) { p.setState(job, s) }),
			boot.WithConsoleOptions(
				console.WithStarter(p.config.Starter),
				console.WithCloseGrace(p.config.AbortGrace),
			),
		)
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.finish(job, err)
}

func (p *Pool) setState(job *Job, s boot.State) {
	p.mu.Lock()
	job.State = s
	p.mu.Unlock()

	if p.store == nil {
		return
	}
	if err := p.store.Update(string(job.ID), func(r *records.Record) { r.State = string(s) }); err != nil {
		p.log.Warn("recording boot state", "attempt", job.ID.Short(), "error", err)
	}
}

// finish frees the device and stores the outcome of the attempt.
func (p *Pool) finish(job *Job, err error) {
	job.cancel()

	p.mu.Lock()
	aborted := job.aborted || p.mode == poolClosed
	p.mu.Unlock()

	st := protocol.AttemptStatus{
		ID:         job.ID,
		StartedAt:  job.StartedAt,
		FinishedAt: time.Now(),
	}
	var failure *boot.BootFailure
	if errors.As(err, &failure) {
		st.Stage = string(failure.Stage)
		st.HardReset = failure.HardReset
	}
	switch {
	case err == nil:
		st.Status = string(records.StatusBooted)
	case aborted:
		// The cause is whatever the killed console surfaced first.
		st.Status = string(records.StatusAborted)
		st.Error = err.Error()
	default:
		st.Status = string(records.StatusFailed)
		st.Error = err.Error()
	}

	p.mu.Lock()
	delete(p.jobs, job.Device)
	p.last[job.Device] = st
	p.mu.Unlock()

	if p.store != nil {
		uerr := p.store.Update(string(job.ID), func(r *records.Record) {
			r.Status = records.Status(st.Status)
			r.Stage = st.Stage
			r.Error = st.Error
			r.HardReset = st.HardReset
			r.FinishedAt = st.FinishedAt
		})
		if uerr != nil {
			p.log.Warn("recording boot result", "attempt", job.ID.Short(), "error", uerr)
		}
	}

	duration := st.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond)
	switch st.Status {
	case string(records.StatusBooted):
		p.log.Info("device booted",
			"attempt", job.ID.Short(),
			"device", job.Device,
			"hard_reset", st.HardReset,
			"duration", duration,
		)
	case string(records.StatusAborted):
		p.log.Warn("boot attempt aborted",
			"attempt", job.ID.Short(),
			"device", job.Device,
			"duration", duration,
		)
	default:
		p.log.Error("boot attempt failed",
			"attempt", job.ID.Short(),
			"device", job.Device,
			"stage", st.Stage,
			"hard_reset", st.HardReset,
			"error", err,
			"duration", duration,
		)
	}
}

func (p *Pool) saveRecord(rec records.Record) {
	if p.store == nil {
		return
	}
	if err := p.store.Upsert(rec); err != nil {
		p.log.Warn("recording boot attempt", "attempt", rec.ID, "error", err)
	}
}

// Abort cancels the running attempt on device. Cancellation kills the
// console bridge, so the attempt ends promptly with status aborted.
func (p *Pool) Abort(device string) (Job, error) {
	p.mu.Lock()
	job, ok := p.jobs[device]
	if !ok {
		p.mu.Unlock()
		if _, known := p.profiles.Get(device); !known {
			return Job{}, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
		}
		return Job{}, fmt.Errorf("%w on %s", ErrNotRunning, device)
	}
	job.aborted = true
	snap := p.snapshot(job)
	p.mu.Unlock()

	p.log.Info("aborting boot attempt", "attempt", job.ID.Short(), "device", device)
	job.cancel()
	return snap, nil
}

// Wait blocks until the attempt running on device, if any, has finished.
func (p *Pool) Wait(ctx context.Context, device string) error {
	p.mu.RLock()
	job, ok := p.jobs[device]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns the running attempts sorted by device.
func (p *Pool) Jobs() []Job {
	p.mu.RLock()
	defer p.mu.RUnlock()

	jobs := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, p.snapshot(j))
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Device < jobs[k].Device })
	return jobs
}

// Job returns the running attempt on device.
func (p *Pool) Job(device string) (Job, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[device]
	if !ok {
		return Job{}, false
	}
	return p.snapshot(j), true
}

// Last returns the most recent finished attempt on device seen by this pool.
func (p *Pool) Last(device string) (protocol.AttemptStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.last[device]
	return st, ok
}

// snapshot copies j. Callers hold p.mu.
func (p *Pool) snapshot(j *Job) Job {
	c := *j
	c.Commands = append([]string(nil), j.Commands...)
	c.cancel = nil
	c.done = nil
	return c
}

// Mode returns the current pool mode.
func (p *Pool) Mode() PoolMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// Drain stops accepting new attempts. Running attempts continue.
func (p *Pool) Drain() error {
	return p.setMode(PoolDraining)
}

// Resume accepts new attempts again.
func (p *Pool) Resume() error {
	return p.setMode(PoolActive)
}

func (p *Pool) setMode(m PoolMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == poolClosed {
		return ErrPoolClosed
	}
	prev := p.mode
	p.mode = m
	p.log.Info("pool mode changed", "from", prev, "to", m)
	return nil
}

// Shutdown cancels every running attempt and waits for them to record
// their outcome. Attempts cancelled this way finish as aborted.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.mode = poolClosed
	for _, j := range p.jobs {
		j.cancel()
	}
	n := len(p.jobs)
	p.mu.Unlock()

	if n > 0 {
		p.log.Info("aborting running boot attempts", "count", n)
	}
	// Consoles get AbortGrace to exit after SIGTERM, then the same again
	// for the SIGKILL path.
	p.stop.Stop(2 * p.config.AbortGrace)
	return p.stop.Wait()
}
