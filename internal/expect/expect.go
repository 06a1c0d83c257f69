// Package expect matches console output against ordered lists of patterns.
//
// A Buffer accumulates output as it arrives. Search tries the caller's
// patterns in list order against everything buffered so far; the first
// pattern that matches wins, and the buffer is advanced past the match so
// the next search starts where this one ended.
package expect

import (
	"fmt"
	"regexp"
	"sync"
)

// Match describes a successful search.
type Match struct {
	// Index is the position of the matching pattern in the caller's list.
	Index int `json:"index"`
	// Before is the output that preceded the match.
	Before string `json:"before"`
	// Text is the matched output.
	Text string `json:"text"`
	// Groups holds the submatches of the pattern, if it had any.
	Groups []string `json:"groups,omitempty"`
}

// Literal returns a pattern that matches s verbatim.
func Literal(s string) string {
	return regexp.QuoteMeta(s)
}

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*regexp.Regexp)
)

// Compile compiles patterns, reusing previously compiled expressions.
// Boot sequences ask for the same handful of prompts over and over.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no patterns given")
	}
	out := make([]*regexp.Regexp, len(patterns))

	cacheMu.Lock()
	defer cacheMu.Unlock()
	for i, p := range patterns {
		re, ok := cache[p]
		if !ok {
			var err error
			re, err = regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %d %q: %w", i, p, err)
			}
			cache[p] = re
		}
		out[i] = re
	}
	return out, nil
}

// Buffer holds console output that has not been consumed by a match yet.
// It is not safe for concurrent use.
type Buffer struct {
	data []byte
	// max bounds memory for consoles that print forever without matching.
	// Zero means unbounded.
	max int
}

// NewBuffer returns a buffer that keeps at most max bytes of unmatched
// output, dropping the oldest bytes first. max <= 0 keeps everything.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

// Append adds newly read output.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
	if b.max > 0 && len(b.data) > b.max {
		drop := len(b.data) - b.max
		b.data = append(b.data[:0], b.data[drop:]...)
	}
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int { return len(b.data) }

// String returns the unconsumed output.
func (b *Buffer) String() string { return string(b.data) }

// Reset discards all buffered output.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Search tries patterns in order and returns the first that matches.
// On a match the buffer keeps only the output after the matched text.
func (b *Buffer) Search(patterns []*regexp.Regexp) (Match, bool) {
	for i, re := range patterns {
		loc := re.FindSubmatchIndex(b.data)
		if loc == nil {
			continue
		}
		m := Match{
			Index:  i,
			Before: string(b.data[:loc[0]]),
			Text:   string(b.data[loc[0]:loc[1]]),
		}
		for g := 2; g+1 < len(loc); g += 2 {
			if loc[g] < 0 {
				m.Groups = append(m.Groups, "")
				continue
			}
			m.Groups = append(m.Groups, string(b.data[loc[g]:loc[g+1]]))
		}
		rest := len(b.data) - loc[1]
		copy(b.data, b.data[loc[1]:])
		b.data = b.data[:rest]
		return m, true
	}
	return Match{}, false
}
