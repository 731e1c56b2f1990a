// Package crashlog is the crash-reporting core's structured-logging seam.
//
// The teacher repo wires structured logging through a generic facade
// (logiface) with a github.com/rs/zerolog backend in logiface-zerolog.
// That backend package, as retrieved, was internally inconsistent (its
// zerolog.go declares "package izerolog" while its own _test.go files in
// the same directory declare "package zerolog" — evidence the retrieval
// pack caught the library mid-rename). Rather than adapt a package that
// does not compile as retrieved, crashlog binds zerolog directly, keeping
// the teacher's "one shared logger, structured fields, leveled,
// child-logger-per-component" shape without the broken facade layer. See
// DESIGN.md.
package crashlog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	root   zerolog.Logger
	tail   *TailHook
	inited bool
)

func init() {
	reset(os.Stderr)
}

func reset(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	tail = NewTailHook(50)
	root = zerolog.New(w).With().Timestamp().Logger().Hook(tail)
	inited = true
}

// SetOutput redirects the root logger's writer. Intended for tests and for
// hosts that want to route crashcore's own logs somewhere specific.
func SetOutput(w io.Writer) {
	reset(w)
}

// For returns a child logger tagged with the given component name, e.g.
// crashlog.For("sender").
func For(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With().Str("component", component).Logger()
}

// Tail returns the bounded recent-log-line ring shared by every logger
// returned from For. It backs CrashRecord.RecentLogs (spec.md §3's
// "bounded recent-log tail").
func Tail() *TailHook {
	mu.Lock()
	defer mu.Unlock()
	return tail
}

// TailHook is a zerolog.Hook that retains the last N formatted log lines,
// in memory, for attachment to crash records. It is intentionally not a
// full log-aggregation facility (spec.md's Non-goals exclude that); it is
// just the bounded tail spec.md §3 names.
type TailHook struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

// NewTailHook returns a TailHook retaining at most capacity lines.
func NewTailHook(capacity int) *TailHook {
	if capacity <= 0 {
		capacity = 50
	}
	return &TailHook{lines: make([]string, capacity), cap: capacity}
}

// Run implements zerolog.Hook.
func (h *TailHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines[h.next] = level.String() + ": " + msg
	h.next = (h.next + 1) % h.cap
	if h.next == 0 {
		h.full = true
	}
}

// Snapshot returns the retained lines, oldest first.
func (h *TailHook) Snapshot() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		out := make([]string, h.next)
		copy(out, h.lines[:h.next])
		return out
	}

	out := make([]string, h.cap)
	copy(out, h.lines[h.next:])
	copy(out[h.cap-h.next:], h.lines[:h.next])
	return out
}
