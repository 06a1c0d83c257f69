// Package sink receives the raw console traffic of device sessions.
//
// A sink is shared by reference and never owned by a session: the session
// appends to it and the caller decides where the bytes end up (memory for
// tests, a JSONL transcript per device for the daemon, a terminal for
// interactive boots).
package sink

import (
	"sync"
	"time"
)

// Direction tags which way a chunk of console traffic travelled.
type Direction string

const (
	// DirIn is output read from the console.
	DirIn Direction = "in"
	// DirOut is input written to the console.
	DirOut Direction = "out"
	// DirEvent is a controller annotation (stage changes, failures).
	DirEvent Direction = "event"
)

// Entry is one chunk of console traffic.
type Entry struct {
	Time   time.Time
	Device string
	Dir    Direction
	Data   []byte
}

// Sink is an append-only destination for console traffic.
// Implementations must be safe for concurrent Append calls.
type Sink interface {
	Append(e Entry) error
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(Entry) error { return nil }

// Tee fans each entry out to all sinks. Every sink sees the entry even if an
// earlier one failed; the first error is returned.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) Append(e Entry) error {
	var first error
	for _, s := range t {
		if err := s.Append(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory keeps entries in memory.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory returns an empty memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Append implements Sink. Data is copied.
func (m *Memory) Append(e Entry) error {
	e.Data = append([]byte(nil), e.Data...)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of all recorded entries.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Stream returns the concatenated data of all entries travelling in dir.
func (m *Memory) Stream(dir Direction) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, e := range m.entries {
		if e.Dir == dir {
			out = append(out, e.Data...)
		}
	}
	return out
}
