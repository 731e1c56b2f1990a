// Package exceptionhandler implements the Exception Handler (spec.md
// §4.7): the process-wide unhandled-exception hook for managed worker
// goroutines. It assembles a full crash record from the Device State
// Oracle, the Breadcrumb Ring, and the panicking goroutine's stack,
// checks the Startup/Loop Detector's safety brake, persists synchronously
// before returning, and attempts a best-effort immediate send.
//
// Grounded on the teacher's general "recover, build a value, hand off"
// idiom — closest analogue is microbatch.batcherState.run's
// recover-by-convention ordering (defer close(x.done) before the
// processor call, generalized here to defer Recover() wrapping user
// code). No teacher package installs a process-wide panic hook (none of
// the pack's libraries are embeddable crash reporters), so the handler
// shape itself is plain Go recover()-at-the-top-of-a-goroutine idiom.
// See DESIGN.md.
package exceptionhandler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/souleimagara/crashcore/breadcrumb"
	"github.com/souleimagara/crashcore/crashstore"
	"github.com/souleimagara/crashcore/devicestate"
	"github.com/souleimagara/crashcore/grouping"
	"github.com/souleimagara/crashcore/internal/crashlog"
	"github.com/souleimagara/crashcore/internal/model"
	"github.com/souleimagara/crashcore/startuploop"
)

// OperationTracker is the subset of an operation-tracker module
// (spec.md §4.7 step 4: "current operation, last successful, last
// failed, last failure reason") the handler folds into a crash record.
// Kept as a narrow interface so hosts can supply their own tracker, or
// none.
type OperationTracker interface {
	CurrentOperation() string
	LastSuccessful() string
	LastFailed() string
	LastFailureReason() string
}

// Sender is the subset of sender.Sender the handler needs for its
// best-effort immediate send.
type Sender interface {
	Process(ctx context.Context, record *model.CrashRecord) error
}

// Handler assembles and persists crash records for unhandled panics on
// managed worker goroutines.
type Handler struct {
	store       *crashstore.Store
	oracle      *devicestate.Oracle
	breadcrumbs *breadcrumb.Ring
	context     *breadcrumb.Context
	loop        *startuploop.Detector
	tracker     OperationTracker
	send        Sender

	device model.DeviceSnapshot
	app    model.AppSnapshot
}

// Config wires a Handler's collaborators, per spec.md §4.7.
type Config struct {
	Store       *crashstore.Store
	Oracle      *devicestate.Oracle
	Breadcrumbs *breadcrumb.Ring
	Context     *breadcrumb.Context
	Loop        *startuploop.Detector
	Tracker     OperationTracker
	Sender      Sender
	Device      model.DeviceSnapshot
	App         model.AppSnapshot
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		store:       cfg.Store,
		oracle:      cfg.Oracle,
		breadcrumbs: cfg.Breadcrumbs,
		context:     cfg.Context,
		loop:        cfg.Loop,
		tracker:     cfg.Tracker,
		send:        cfg.Sender,
		device:      cfg.Device,
		app:         cfg.App,
	}
}

// Recover should be deferred at the top of every managed worker
// goroutine: `defer handler.Recover()`. On a panic, it builds a crash
// record, runs it through Grouping, persists it synchronously, attempts
// an immediate best-effort send, then re-panics so the platform's own
// top-level recovery (if any) still observes the failure — mirroring
// spec.md step 8's "invoke the prior default handler so the platform
// terminates correctly."
func (h *Handler) Recover() {
	r := recover()
	if r == nil {
		return
	}
	h.handle(r, debug.Stack())
	panic(r)
}

// HandleManagedException implements the host-bridge entry point named in
// spec.md §6: handle_managed_exception(type, message, stack, fatal,
// kv_map). Unlike Recover, this does not panic/re-panic: the host
// language's own exception already unwound its stack before calling in.
func (h *Handler) HandleManagedException(kind, message, stack string, fatal bool, kv map[string]string) {
	record := h.build(kind, message, stack)
	if len(kv) > 0 {
		if record.CustomData == nil {
			record.CustomData = make(map[string]string, len(kv))
		}
		for k, v := range kv {
			record.CustomData[k] = v
		}
	}
	if fatal {
		record.Severity = model.SeverityCritical
	}
	h.finish(record)
}

func (h *Handler) handle(r any, stack []byte) {
	record := h.build("panic", fmt.Sprint(r), string(stack))
	h.finish(record)
}

func (h *Handler) build(kind, message, stack string) *model.CrashRecord {
	record := &model.CrashRecord{
		ID:               model.NewCrashID(),
		Timestamp:        time.Now(),
		ExceptionKind:    kind,
		ExceptionMessage: message,
		StackTrace:       stack,
		ThreadName:       "main",
		Device:           &h.device,
		App:              &h.app,
	}

	if h.oracle != nil {
		state, network := h.oracle.Snapshot()
		record.DeviceState, record.Network = &state, &network
	}
	if h.breadcrumbs != nil {
		record.Breadcrumbs = h.breadcrumbs.Snapshot()
	}
	if h.context != nil {
		tags, env := h.context.Snapshot()
		if record.CustomData == nil {
			record.CustomData = tags
		}
		record.Environment = env
	}
	if h.tracker != nil {
		if record.CustomData == nil {
			record.CustomData = make(map[string]string)
		}
		record.CustomData["currentOperation"] = h.tracker.CurrentOperation()
		record.CustomData["lastSuccessful"] = h.tracker.LastSuccessful()
		record.CustomData["lastFailed"] = h.tracker.LastFailed()
		record.CustomData["lastFailureReason"] = h.tracker.LastFailureReason()
	}
	record.Threads = allGoroutineStacks(record.ThreadName, stack)
	record.RecentLogs = crashlog.Tail().Snapshot()

	return record
}

// finish runs the safety brake, grouping, synchronous persist, and a
// best-effort immediate send — steps 1-7 of spec.md §4.7.
func (h *Handler) finish(record *model.CrashRecord) {
	log := crashlog.For("exceptionhandler")

	if h.loop != nil {
		if err := h.loop.RecordCrash(); err != nil {
			log.Warn().Err(err).Msg("failed to record crash in startup/loop detector")
		}

		uptime := time.Duration(0)
		if h.oracle != nil {
			uptime = time.Duration(h.oracle.UptimeMs()) * time.Millisecond
		}
		if h.loop.SafetyBrakeTripped(uptime) {
			log.Error().Msg("safety brake tripped: startup-crash-loop detected, suppressing further reporting this session")
			return
		}

		record.IsStartupCrash = h.loop.DidCrashOnStartup()
		record.IsCrashLoop = h.loop.IsInCrashLoop()
		record.CrashLoopCount = h.loop.StartupCrashCount()
	}

	grouping.Classify(record, []string{firstStackLine(record.StackTrace)}, record.ThreadName == "main" || record.ThreadName == "ui")

	if h.store != nil {
		if err := h.store.Save(record); err != nil {
			log.Error().Err(err).Msg("failed to persist crash record")
			return
		}
	}

	if h.send != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.send.Process(ctx, record); err != nil {
				crashlog.For("exceptionhandler").Warn().Err(err).Msg("best-effort immediate send failed")
			}
		}()
	}
}

// allGoroutineStacks captures a snapshot of every live goroutine as the
// "all-thread stack snapshots" spec.md §3 names. The first entry is the
// crashing one, built from crashingName and crashingStack and marked
// Crashed; the calling goroutine's own runtime.Stack entry is skipped.
func allGoroutineStacks(crashingName, crashingStack string) []model.ThreadSnapshot {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	full := string(buf[:n])

	var out []model.ThreadSnapshot
	out = append(out, model.ThreadSnapshot{Name: crashingName, Crashed: true, StackTrace: crashingStack})

	for i, chunk := range splitGoroutines(full) {
		if i == 0 {
			continue // the handler's own goroutine; already represented above
		}
		out = append(out, model.ThreadSnapshot{Name: fmt.Sprintf("goroutine-%d", i), StackTrace: chunk})
	}
	return out
}

func splitGoroutines(full string) []string {
	var chunks []string
	start := 0
	for i := 0; i < len(full); i++ {
		if i > 0 && full[i] == 'g' && i+9 <= len(full) && full[i:i+9] == "goroutine" && full[i-1] == '\n' {
			if i > start {
				chunks = append(chunks, full[start:i])
			}
			start = i
		}
	}
	chunks = append(chunks, full[start:])
	return chunks
}

func firstStackLine(stack string) string {
	for i := 0; i < len(stack); i++ {
		if stack[i] == '\n' {
			return stack[:i]
		}
	}
	return stack
}
