package sink

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(dir Direction, data string) Entry {
	return Entry{Time: time.UnixMilli(1700000000123), Device: "panda01", Dir: dir, Data: []byte(data)}
}

func TestMemoryCopiesData(t *testing.T) {
	m := NewMemory()
	buf := []byte("Hit any key")
	require.NoError(t, m.Append(Entry{Dir: DirIn, Data: buf}))
	buf[0] = 'X'

	assert.Equal(t, "Hit any key", string(m.Stream(DirIn)))
	assert.Empty(t, m.Stream(DirOut))
}

type failing struct{}

func (failing) Append(Entry) error { return errors.New("disk full") }

func TestTeeDeliversToAllAndReturnsFirstError(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	err := Tee(a, failing{}, b).Append(entry(DirIn, "x"))
	assert.EqualError(t, err, "disk full")
	assert.Len(t, a.Entries(), 1)
	assert.Len(t, b.Entries(), 1)
}

func TestTranscriptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenTranscript(filepath.Join(dir, "logs"), "panda01")
	require.NoError(t, err)

	chunks := []Entry{
		entry(DirOut, "reboot\n"),
		entry(DirIn, "Will now restart.\r\n"),
		entry(DirIn, "\xff\xfe noise \x00"),
		entry(DirEvent, "state booted"),
	}
	for _, e := range chunks {
		require.NoError(t, j.Append(e))
	}
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(chunks[0]), os.ErrClosed)

	path := TranscriptPath(filepath.Join(dir, "logs"), "panda01")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	recs, err := ReadTranscript(f)
	require.NoError(t, err)
	require.Len(t, recs, len(chunks))
	for i, r := range recs {
		got := r.Entry()
		assert.Equal(t, chunks[i].Data, got.Data, "record %d", i)
		assert.Equal(t, chunks[i].Dir, got.Dir)
		assert.Equal(t, "panda01", got.Device)
		assert.True(t, chunks[i].Time.Equal(got.Time))
	}
	assert.NotNil(t, recs[2].Raw, "invalid UTF-8 is stored raw")
	assert.Empty(t, recs[2].Data)
}

func TestTranscriptAppendsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		j, err := OpenTranscript(dir, "panda01")
		require.NoError(t, err)
		require.NoError(t, j.Append(entry(DirIn, "x")))
		require.NoError(t, j.Close())
	}
	data, err := os.ReadFile(TranscriptPath(dir, "panda01"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestTranscriptPathSanitizesDevice(t *testing.T) {
	assert.Equal(t, filepath.Join("/var/log/devboot", "passwd.jsonl"), TranscriptPath("/var/log/devboot", "../../etc/passwd"))
}

func TestReadTranscriptSkipsGarbage(t *testing.T) {
	in := `{"ts":1,"device":"d","dir":"in","data":"a"}
not json
{"ts":2,"device":"d","dir":"out","data":"b\n"}
`
	recs, err := ReadTranscript(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b\n", recs[1].Data)
}

func TestWriterFiltersDirections(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Append(entry(DirIn, "U-Boot ")))
	require.NoError(t, w.Append(entry(DirOut, "boot\n")))
	require.NoError(t, w.Append(entry(DirEvent, "state booted")))
	assert.Equal(t, "U-Boot ", buf.String())

	buf.Reset()
	w = NewWriter(&buf, DirIn, DirOut)
	require.NoError(t, w.Append(entry(DirIn, "# ")))
	require.NoError(t, w.Append(entry(DirOut, "boot\n")))
	assert.Equal(t, "# boot\n", buf.String())
}

func TestFormatLine(t *testing.T) {
	line := func(r Record) []byte {
		var buf bytes.Buffer
		require.NoError(t, NewJSONL(nopCloser{&buf}).Append(r.Entry()))
		return bytes.TrimRight(buf.Bytes(), "\n")
	}

	got := FormatLine(line(Record{Timestamp: 1, Dir: DirOut, Data: "setenv x 1\n"}))
	assert.Contains(t, got, "> ")
	assert.Contains(t, got, "setenv x 1")

	got = FormatLine(line(Record{Timestamp: 1, Dir: DirIn, Data: "\x1b[0mU-Boot\r\n"}))
	assert.Contains(t, got, `\x1b[0mU-Boot`)

	got = FormatLine(line(Record{Timestamp: 1, Dir: DirEvent, Data: "boot failed at soft-reset: x"}))
	assert.Contains(t, got, "boot failed at soft-reset")

	assert.Empty(t, FormatLine(line(Record{Timestamp: 1, Dir: DirIn, Data: "\r\n"})))
	assert.Empty(t, FormatLine([]byte("not json")))
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }
