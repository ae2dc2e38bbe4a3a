// Package logging is Granary's structured logging core, grounded on the
// teacher's convention of small, dependency-free internal packages with
// leveled helpers feeding a single interface (internal/wasmdebug,
// internal/wasmruntime's error plumbing). It wraps the standard library's
// log/slog — the structured logger recent tetratelabs/wazero releases and
// the broader ecosystem standardize on — behind a small Logger interface so
// the translator core never calls fmt.Println directly, and keeps a
// thread-local-style ring buffer of recent lines for internal/asserts to
// dump when an invariant panics.
package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Logger is the surface the rest of Granary logs through. Two named
// streams exist: an output log (client/tool-facing) and a debug log
// (translator-internal diagnostics), matching spec.md §6's
// output_log_file/debug_log_file split.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// slogLogger adapts *slog.Logger to Logger, additionally mirroring every
// record into a RingBuffer for crash-time context.
type slogLogger struct {
	l   *slog.Logger
	buf *RingBuffer
}

// New builds a Logger that writes slog's default text handler to w, and
// mirrors every record's message (without level or attributes) into buf
// (nil disables mirroring).
func New(w io.Writer, buf *RingBuffer) Logger {
	return &slogLogger{l: slog.New(slog.NewTextHandler(w, nil)), buf: buf}
}

func (s *slogLogger) log(level slog.Level, msg string, args ...any) {
	s.l.Log(context.Background(), level, msg, args...)
	if s.buf != nil {
		s.buf.Append(msg)
	}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.log(slog.LevelDebug, msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.log(slog.LevelInfo, msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.log(slog.LevelWarn, msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.log(slog.LevelError, msg, args...) }

// RingBuffer holds the last N log lines, overwriting the oldest entry once
// full. spec.md §9 calls out a "thread-local log buffer" as incidental
// infrastructure a crash handler consults; Granary keeps one buffer per
// Logger (shared across goroutines, guarded by mu) rather than true
// per-thread storage, since the translator has no notion of OS threads
// distinct from goroutines.
type RingBuffer struct {
	mu     sync.Mutex
	lines  []string
	cap    int
	next   int
	filled bool
}

// NewRingBuffer allocates a RingBuffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{lines: make([]string, capacity), cap: capacity}
}

// Append records line as the newest entry, evicting the oldest if full.
func (r *RingBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.filled = true
	}
}

// Dump returns the buffered lines in oldest-to-newest order.
func (r *RingBuffer) Dump() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.cap)
	copy(out, r.lines[r.next:])
	copy(out[r.cap-r.next:], r.lines[:r.next])
	return out
}
