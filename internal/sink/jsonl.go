package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

// Record is the JSONL line format of a transcript file.
//
// Valid UTF-8 is stored in Data so transcripts stay greppable. Anything else
// (line noise from a baud mismatch, raw control bytes) goes to Raw, which
// encoding/json base64-encodes, so the bytes survive unaltered.
type Record struct {
	Timestamp int64     `json:"ts"` // Unix millis
	Device    string    `json:"device"`
	Dir       Direction `json:"dir"`
	Data      string    `json:"data,omitempty"`
	Raw       []byte    `json:"raw,omitempty"`
}

// NewRecord converts an entry to its transcript form.
func NewRecord(e Entry) Record {
	r := Record{
		Timestamp: e.Time.UnixMilli(),
		Device:    e.Device,
		Dir:       e.Dir,
	}
	if utf8.Valid(e.Data) {
		r.Data = string(e.Data)
	} else {
		r.Raw = append([]byte(nil), e.Data...)
	}
	return r
}

// Bytes returns the original chunk.
func (r Record) Bytes() []byte {
	if r.Raw != nil {
		return r.Raw
	}
	return []byte(r.Data)
}

// Entry converts the record back to an Entry.
func (r Record) Entry() Entry {
	return Entry{
		Time:   time.UnixMilli(r.Timestamp),
		Device: r.Device,
		Dir:    r.Dir,
		Data:   r.Bytes(),
	}
}

// TranscriptPath returns the transcript file for a device.
// device is sanitized with filepath.Base to prevent path traversal.
func TranscriptPath(logDir, device string) string {
	return filepath.Join(logDir, filepath.Base(device)+".jsonl")
}

// JSONL appends entries to a transcript file, one JSON object per line.
type JSONL struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
}

// NewJSONL writes records to w. Closing the sink closes w.
func NewJSONL(w io.WriteCloser) *JSONL {
	return &JSONL{w: w, enc: json.NewEncoder(w)}
}

// OpenTranscript creates the log directory if needed and opens the device's
// transcript for appending. Files are owner-only since console output can
// carry credentials typed at a login prompt.
//
// Writes are not fsynced; a crash may lose the tail of the transcript.
func OpenTranscript(logDir, device string) (*JSONL, error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", logDir, err)
	}
	path := TranscriptPath(logDir, device)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening transcript %s: %w", path, err)
	}
	return NewJSONL(f), nil
}

// Append implements Sink.
func (j *JSONL) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc == nil {
		return os.ErrClosed
	}
	if err := j.enc.Encode(NewRecord(e)); err != nil {
		return fmt.Errorf("writing transcript record: %w", err)
	}
	return nil
}

// Close closes the underlying writer. Later appends fail with os.ErrClosed.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc == nil {
		return nil
	}
	j.enc = nil
	return j.w.Close()
}

// Writer copies console bytes travelling in the given directions to w, with
// no framing. It is what `devboot boot --echo` uses to show the console live.
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	dirs map[Direction]bool
}

// NewWriter returns a sink writing raw data for dirs to w. With no dirs it
// copies console output only.
func NewWriter(w io.Writer, dirs ...Direction) *Writer {
	if len(dirs) == 0 {
		dirs = []Direction{DirIn}
	}
	m := make(map[Direction]bool, len(dirs))
	for _, d := range dirs {
		m[d] = true
	}
	return &Writer{w: w, dirs: m}
}

// Append implements Sink.
func (s *Writer) Append(e Entry) error {
	if !s.dirs[e.Dir] {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(e.Data)
	return err
}
