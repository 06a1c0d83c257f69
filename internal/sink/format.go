package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/baiirun/devboot/internal/term"
)

// FormatLine renders a raw transcript line for humans. Console output is
// shown as-is, input is prefixed with "> " and events are highlighted.
// Returns "" for lines that are not transcript records.
func FormatLine(raw []byte) string {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	ts := term.Dim(time.UnixMilli(r.Timestamp).Format("15:04:05"))
	text := printable(r.Bytes())

	switch r.Dir {
	case DirIn:
		if strings.TrimSpace(text) == "" {
			return ""
		}
		return fmt.Sprintf("%s  %s", ts, strings.TrimRight(text, "\r\n"))
	case DirOut:
		return fmt.Sprintf("%s  %s %s", ts, term.Cyan(">"), term.Cyan(strings.TrimRight(text, "\r\n")))
	case DirEvent:
		if strings.Contains(text, "failed") {
			return fmt.Sprintf("%s  %s %s", ts, term.Red("──"), term.Red(text))
		}
		return fmt.Sprintf("%s  %s %s", ts, term.Yellow("──"), term.Yellow(text))
	default:
		return ""
	}
}

// printable quotes control bytes other than newlines and tabs so escape
// sequences and stray NULs do not garble the terminal.
func printable(b []byte) string {
	var sb strings.Builder
	for _, r := range string(b) {
		switch {
		case r == '\n' || r == '\t':
			sb.WriteRune(r)
		case r == '\r':
		case r < 0x20 || r == 0x7f:
			q := strconv.QuoteRune(r)
			sb.WriteString(q[1 : len(q)-1])
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// ReadTranscript decodes all records from r. Lines that fail to decode are
// skipped; a transcript cut short by a crash still yields its prefix.
func ReadTranscript(r io.Reader) ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("reading transcript: %w", err)
	}
	return out, nil
}
