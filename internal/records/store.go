// Package records keeps the registry of boot attempts the daemon has run.
//
// The registry is a single JSON file guarded by an advisory flock so the
// daemon and CLI processes can read it concurrently. Writes replace the file
// atomically.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
)

const (
	schemaVersion = 1
	fileName      = "boots.json"

	// DefaultKeepPerDevice bounds how many finished attempts are kept for
	// each device. Running attempts are never pruned.
	DefaultKeepPerDevice = 50
)

// Status is the outcome of a boot attempt.
type Status string

const (
	StatusRunning Status = "running"
	StatusBooted  Status = "booted"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

// Finished reports whether the attempt has ended.
func (s Status) Finished() bool {
	return s != StatusRunning && s != ""
}

// Record is one boot attempt.
type Record struct {
	ID       string   `json:"id"`
	Device   string   `json:"device"`
	Family   string   `json:"family"`
	Commands []string `json:"commands"`
	Status   Status   `json:"status"`

	// State is the last run-state the orchestrator reported.
	State string `json:"state,omitempty"`
	// Stage and Error are set for failed attempts.
	Stage     string `json:"stage,omitempty"`
	Error     string `json:"error,omitempty"`
	HardReset bool   `json:"hard_reset,omitempty"`

	Transcript string `json:"transcript,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Duration returns how long the attempt ran, or has been running.
func (r Record) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type diskState struct {
	SchemaVersion int      `json:"schema_version"`
	Records       []Record `json:"records"`
}

// ErrNotFound is returned for unknown attempt IDs.
var ErrNotFound = errors.New("boot record not found")

// Store persists boot attempts in <dir>/boots.json.
type Store struct {
	dir  string
	path string
	keep int
	mu   sync.Mutex
}

// Open returns a Store at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("records: state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", dir, err)
	}
	return &Store{dir: dir, path: filepath.Join(dir, fileName), keep: DefaultKeepPerDevice}, nil
}

// Path returns the registry file path.
func (s *Store) Path() string { return s.path }

// SetKeepPerDevice changes how many finished attempts are kept per device.
// n <= 0 keeps everything.
func (s *Store) SetKeepPerDevice(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keep = n
}

// List returns all records, most recently started first.
func (s *Store) List() ([]Record, error) {
	var recs []Record
	err := s.view(func(state *diskState) {
		recs = append([]Record(nil), state.Records...)
	})
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}

// Get returns the record with the given attempt ID.
func (s *Store) Get(id string) (Record, error) {
	var (
		rec   Record
		found bool
	)
	err := s.view(func(state *diskState) {
		for _, r := range state.Records {
			if r.ID == id {
				rec, found = r, true
				return
			}
		}
	})
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Latest returns the most recently started attempt for device.
func (s *Store) Latest(device string) (Record, bool, error) {
	recs, err := s.List()
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range recs {
		if r.Device == device {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Upsert inserts or replaces the record with rec.ID.
func (s *Store) Upsert(rec Record) error {
	if rec.ID == "" {
		return errors.New("id is required")
	}
	if rec.Device == "" {
		return errors.New("device is required")
	}
	now := time.Now()
	if rec.Status == "" {
		rec.Status = StatusRunning
	}

	return s.update(func(state *diskState) (bool, error) {
		for i := range state.Records {
			if state.Records[i].ID != rec.ID {
				continue
			}
			rec.StartedAt = state.Records[i].StartedAt
			rec.UpdatedAt = now
			state.Records[i] = rec
			return true, nil
		}
		if rec.StartedAt.IsZero() {
			rec.StartedAt = now
		}
		rec.UpdatedAt = now
		state.Records = append(state.Records, rec)
		return true, nil
	})
}

// Update applies fn to the record with the given ID and saves it.
func (s *Store) Update(id string, fn func(*Record)) error {
	return s.update(func(state *diskState) (bool, error) {
		for i := range state.Records {
			r := &state.Records[i]
			if r.ID != id {
				continue
			}
			fn(r)
			r.UpdatedAt = time.Now()
			if r.Status.Finished() && r.FinishedAt.IsZero() {
				r.FinishedAt = r.UpdatedAt
			}
			return true, nil
		}
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
}

// MarkInterrupted fails every attempt still marked running. The daemon calls
// it on startup: a running record left behind belongs to a daemon that died
// mid-boot, and its console is gone with it.
func (s *Store) MarkInterrupted(reason string) (int, error) {
	var n int
	err := s.update(func(state *diskState) (bool, error) {
		now := time.Now()
		for i := range state.Records {
			r := &state.Records[i]
			if r.Status != StatusRunning {
				continue
			}
			r.Status = StatusFailed
			r.Error = reason
			r.FinishedAt = now
			r.UpdatedAt = now
			n++
		}
		return n > 0, nil
	})
	return n, err
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
}

// prune drops the oldest finished attempts beyond keep for each device.
func prune(recs []Record, keep int) []Record {
	if keep <= 0 {
		return recs
	}
	sortRecords(recs)
	finished := make(map[string]int)
	out := recs[:0]
	for _, r := range recs {
		if r.Status.Finished() {
			finished[r.Device]++
			if finished[r.Device] > keep {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) view(fn func(*diskState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.readLocked()
	if err != nil {
		return err
	}
	fn(&state)
	return nil
}

func (s *Store) update(fn func(*diskState) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.readLocked()
	if err != nil {
		return err
	}
	changed, err := fn(&state)
	if err != nil || !changed {
		return err
	}
	state.Records = prune(state.Records, s.keep)
	return s.writeLocked(state)
}

func (s *Store) readLocked() (diskState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskState{SchemaVersion: schemaVersion}, nil
		}
		return diskState{}, fmt.Errorf("reading boot registry: %w", err)
	}

	var state diskState
	if err := json.Unmarshal(data, &state); err != nil {
		return diskState{}, fmt.Errorf("parsing boot registry: %w", err)
	}
	if state.SchemaVersion == 0 {
		state.SchemaVersion = schemaVersion
	}
	if state.SchemaVersion > schemaVersion {
		return diskState{}, fmt.Errorf("unsupported boot registry schema version: %d", state.SchemaVersion)
	}
	return state, nil
}

func (s *Store) writeLocked(state diskState) error {
	state.SchemaVersion = schemaVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling boot registry: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing boot registry: %w", err)
	}
	return nil
}

func (s *Store) lockFile() (func(), error) {
	path := s.path + ".lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking boot registry: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}
