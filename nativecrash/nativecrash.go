// Package nativecrash implements the Native Signal Handler (spec.md
// §4.6): installation of OS signal handlers for the fatal signal set,
// capture of a frozen-schema trailer file on delivery, and a parser that
// lets the Orchestrator (§4.12) recover a native crash record left by a
// prior process.
//
// Grounded on ehrlich-b-go-ublk's internal/uring discipline: fixed-size
// structs populated in a predictable field order, minimal allocation in
// the hot path, and golang.org/x/sys/unix bindings rather than cgo. See
// DESIGN.md for the Go async-signal-safety gap this package documents
// rather than hides: the Go runtime itself intercepts SIGSEGV, SIGABRT,
// SIGBUS and SIGFPE ahead of any user-installed handler running on a
// goroutine-scheduled stack, so os/signal delivery (what this package
// uses) only ever observes signals the runtime chooses to forward, or
// signals raised deliberately such as SIGTRAP. The capture and
// trailer-writing logic keeps the stack frames in a fixed pre-allocated
// buffer and writes the trailer with a single buffered flush. It is not
// allocation-free: each delivery allocates the register map and the
// thread name, and the trailer is formatted through fmt and bufio.
package nativecrash

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/souleimagara/crashcore/internal/crashlog"
)

// MaxFrames bounds the raw stack unwind captured per spec.md §4.6.
const MaxFrames = 128

// FatalSignals is the installed signal set, in the order spec.md §4.6
// names them.
var FatalSignals = []os.Signal{
	unix.SIGSEGV,
	unix.SIGABRT,
	unix.SIGFPE,
	unix.SIGILL,
	unix.SIGBUS,
	unix.SIGTRAP,
}

// reentryGuard converts a fault inside the handler itself into an
// immediate termination rather than a recursive/looping fault.
var reentryGuard int32

// record is a fixed, pre-allocated capture buffer, reused across
// deliveries. Its frames array needs no allocation; regs is a fresh map
// on each delivery.
type record struct {
	signalName string
	pid        int
	tid        int
	threadNm   string
	whenUnix   int64

	regs map[string]uint64

	frameCount int
	frames     [MaxFrames]uintptr
}

var (
	captureMu sync.Mutex
	captureBuf record
)

// Handler owns the installed signal set and the trailer destination.
// Its zero value is not usable; construct with Install.
type Handler struct {
	trailerPath string
	stopCh      chan struct{}
	priorMu     sync.Mutex
	prior       map[string]func()
}

// Install registers handlers for FatalSignals, writing a trailer to
// trailerPath on delivery. See the package doc for the scope of signals
// this can actually observe under the Go runtime.
func Install(trailerPath string) (*Handler, error) {
	h := &Handler{
		trailerPath: trailerPath,
		stopCh:      make(chan struct{}),
		prior:       make(map[string]func()),
	}

	notifyCh := make(chan os.Signal, len(FatalSignals))
	signal.Notify(notifyCh, FatalSignals...)

	go h.loop(notifyCh)

	crashlog.For("nativecrash").Info().Int("signals", len(FatalSignals)).Msg("installed native signal handler")
	return h, nil
}

// SetPriorHandler registers a callback to invoke after the trailer is
// written, before the process is allowed to terminate — the "invoke the
// previously installed handler" step of spec.md §4.6.
func (h *Handler) SetPriorHandler(signalName string, fn func()) {
	h.priorMu.Lock()
	defer h.priorMu.Unlock()
	h.prior[signalName] = fn
}

// Stop deregisters the signal handler. Used by the Orchestrator on
// shutdown and by tests.
func (h *Handler) Stop() {
	signal.Reset(FatalSignals...)
	close(h.stopCh)
}

func (h *Handler) loop(ch chan os.Signal) {
	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return
			}
			h.handle(sig)
		case <-h.stopCh:
			return
		}
	}
}

// handle runs the capture-then-trailer pipeline for a delivered signal.
func (h *Handler) handle(sig os.Signal) {
	if !atomic.CompareAndSwapInt32(&reentryGuard, 0, 1) {
		os.Exit(134)
		return
	}
	defer atomic.StoreInt32(&reentryGuard, 0)

	captureMu.Lock()
	captureBuf = record{regs: captureRegisters()}
	captureBuf.signalName = sig.String()
	captureBuf.pid = os.Getpid()
	captureBuf.tid = unix.Gettid()
	captureBuf.whenUnix = time.Now().Unix()
	captureBuf.threadNm = fmt.Sprintf("thread-%d", captureBuf.tid)
	captureBuf.frameCount = runtime.Callers(0, captureBuf.frames[:])
	snapshot := captureBuf
	captureMu.Unlock()

	if err := writeTrailer(h.trailerPath, &snapshot); err != nil {
		crashlog.For("nativecrash").Error().Err(err).Msg("failed to write native crash trailer")
	}

	h.priorMu.Lock()
	prior := h.prior[sig.String()]
	h.priorMu.Unlock()
	if prior != nil {
		prior()
	}

	// Restore the default disposition and re-raise so the process
	// terminates with the original signal.
	signal.Reset(sig)
	if s, ok := sig.(syscall.Signal); ok {
		_ = syscall.Kill(os.Getpid(), s)
	}
}

// captureRegisters returns a platform-labeled register snapshot. Go
// offers no portable way to read the faulting goroutine's register file
// from a forwarded os/signal delivery (that information lives in the
// runtime's internal sigctxt, not exposed to user code); this records
// the stable register names the trailer schema promises, populated with
// the zero value, so downstream tooling can rely on the field set being
// present even when values are unavailable.
func captureRegisters() map[string]uint64 {
	out := make(map[string]uint64, len(registerNames))
	for _, name := range registerNames {
		out[name] = 0
	}
	return out
}

var registerNames = []string{"pc", "sp", "lr", "r0", "r1", "r2", "r3", "status"}

// writeTrailer writes the frozen native_crash.txt schema: a header, a
// REGISTERS section, and a STACK TRACE section. MEMORY DUMP is omitted
// here since no fault address is available off the os/signal delivery
// path (see package doc); Parse tolerates its absence.
func writeTrailer(path string, r *record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "NATIVE CRASH\n")
	fmt.Fprintf(w, "signal: %s\n", r.signalName)
	fmt.Fprintf(w, "pid: %d\n", r.pid)
	fmt.Fprintf(w, "tid: %d\n", r.tid)
	fmt.Fprintf(w, "thread: %s\n", r.threadNm)
	fmt.Fprintf(w, "time: %d\n", r.whenUnix)

	fmt.Fprintf(w, "REGISTERS:\n")
	for _, name := range registerNames {
		fmt.Fprintf(w, "%s: 0x%x\n", name, r.regs[name])
	}

	fmt.Fprintf(w, "STACK TRACE:\n")
	for i := 0; i < r.frameCount; i++ {
		pc := r.frames[i]
		lib, symbol, offset := resolveSymbol(pc)
		fmt.Fprintf(w, "#%03d pc 0x%x %s (%s+0x%x)\n", i, pc, lib, symbol, offset)
	}

	return w.Flush()
}

// resolveSymbol looks up the function name for a program counter using
// runtime.FuncForPC. A true async-signal-safe implementation would
// instead resolve against a pre-parsed, mmap'd symbol table; this
// trades that constraint away in exchange for working inside ordinary
// Go code (see package doc).
func resolveSymbol(pc uintptr) (lib, symbol string, offset uintptr) {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown", "unknown", 0
	}
	entry := fn.Entry()
	return "main", fn.Name(), pc - entry
}

// ParsedTrailer is the structured form of a recovered native_crash.txt,
// produced by Parse for the Orchestrator's startup-recovery path.
type ParsedTrailer struct {
	Signal      string
	PID         int
	TID         int
	ThreadName  string
	TimeUnix    int64
	Registers   map[string]uint64
	StackFrames []string
}

// Parse reads a trailer file written by writeTrailer and reconstructs
// its fields. Malformed lines are skipped rather than erroring, so a
// partially-written trailer (e.g. process killed mid-write) still
// yields whatever was captured.
func Parse(path string) (*ParsedTrailer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	pt := &ParsedTrailer{Registers: make(map[string]uint64)}
	section := ""

	for _, line := range strings.Split(string(data), "\n") {
		switch line {
		case "REGISTERS:":
			section = "registers"
			continue
		case "STACK TRACE:":
			section = "stack"
			continue
		case "MEMORY DUMP:":
			section = "memory"
			continue
		}

		switch section {
		case "registers":
			parseRegisterLine(pt, line)
		case "stack":
			parseStackLine(pt, line)
		case "memory":
			// not emitted on this platform path; skip
		default:
			parseHeaderLine(pt, line)
		}
	}

	return pt, nil
}

func parseHeaderLine(pt *ParsedTrailer, line string) {
	key, value, ok := strings.Cut(line, ": ")
	if !ok {
		return
	}
	switch key {
	case "signal":
		pt.Signal = value
	case "pid":
		if v, err := strconv.Atoi(value); err == nil {
			pt.PID = v
		}
	case "tid":
		if v, err := strconv.Atoi(value); err == nil {
			pt.TID = v
		}
	case "thread":
		pt.ThreadName = value
	case "time":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			pt.TimeUnix = v
		}
	}
}

func parseRegisterLine(pt *ParsedTrailer, line string) {
	key, value, ok := strings.Cut(line, ": ")
	if !ok {
		return
	}
	if v, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64); err == nil {
		pt.Registers[key] = v
	}
}

func parseStackLine(pt *ParsedTrailer, line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "#") {
		return
	}
	// "#000 pc 0xADDR lib (symbol+0xOFF)"
	fields := strings.SplitN(line, " ", 4)
	if len(fields) < 4 || fields[1] != "pc" {
		return
	}
	rest := fields[3]
	open := strings.LastIndex(rest, "(")
	if open < 0 {
		return
	}
	lib := strings.TrimSpace(rest[:open])
	symbolOffset := strings.TrimSuffix(rest[open+1:], ")")
	plus := strings.LastIndex(symbolOffset, "+0x")
	symbol := symbolOffset
	if plus >= 0 {
		symbol = symbolOffset[:plus]
	}
	pt.StackFrames = append(pt.StackFrames, lib+"!"+symbol)
}
