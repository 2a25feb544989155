// Package audit writes the proxy's audit stream as JSON Lines on
// stdout. Stdout carries nothing but this stream; operational logging
// goes to stderr.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/moltbook/shellgate/internal/domain/audit"
)

// timestampLayout is the wire form of audit timestamps, millisecond
// precision at UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// StdoutLogger serializes records onto a single writer. One record is
// one line; concurrent callers never interleave.
type StdoutLogger struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

var _ audit.Logger = (*StdoutLogger)(nil)

// NewStdoutLogger creates a logger writing to os.Stdout.
func NewStdoutLogger() *StdoutLogger {
	return NewWriterLogger(os.Stdout)
}

// NewWriterLogger creates a logger writing to w. Used by tests to
// capture the stream.
func NewWriterLogger(w io.Writer) *StdoutLogger {
	return &StdoutLogger{out: w, now: time.Now}
}

// Log writes rec as one JSON line, stamping the timestamp if the caller
// left it empty.
func (l *StdoutLogger) Log(rec audit.Record) {
	if rec.Timestamp == "" {
		rec.Timestamp = l.now().UTC().Format(timestampLayout)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		// Record fields are all plain types, so this is unreachable
		// short of memory corruption. Surface it rather than drop.
		l.LogError("marshal audit record", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s\n", data)
}

// LogError writes a structured error line on the audit stream so
// operational failures are visible to the same collector. The error
// fields appear only when an error is supplied.
func (l *StdoutLogger) LogError(msg string, err error) {
	line := map[string]any{
		"timestamp": l.now().UTC().Format(timestampLayout),
		"level":     "error",
		"message":   msg,
	}
	if err != nil {
		line["error_name"] = fmt.Sprintf("%T", err)
		line["error_message"] = err.Error()
		line["stack"] = string(debug.Stack())
	}

	data, err := json.Marshal(line)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s\n", data)
}
