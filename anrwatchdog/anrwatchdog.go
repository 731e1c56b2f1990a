// Package anrwatchdog implements the ANR Watchdog (spec.md §4.8): a
// background daemon goroutine that pings the UI-equivalent thread,
// detects prolonged unresponsiveness, and — subject to a cooldown and the
// ANR Validation Engine — reports an ANR record.
//
// Grounded on internal/ratelimit's ticker-driven background loop with a
// cooperative running/stopped flag (catrate.Limiter.worker), generalized
// to an explicit three-state state machine (Running/Paused/Stopped) plus
// an ephemeral Reporting substate, since the watchdog's lifecycle needs
// more than a binary flag. The cooldown itself is delegated to
// internal/ratelimit directly. See DESIGN.md.
package anrwatchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/souleimagara/crashcore/anrvalidation"
	"github.com/souleimagara/crashcore/internal/crashlog"
	"github.com/souleimagara/crashcore/internal/model"
	"github.com/souleimagara/crashcore/internal/ratelimit"
)

// State is one of the watchdog's lifecycle states, per spec.md §4.8
// "State machine".
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	default:
		return "Stopped"
	}
}

// NormalInterval and PowerSaveInterval are the watchdog's poll intervals,
// per spec.md §4.8.
const (
	NormalInterval    = 15 * time.Second
	PowerSaveInterval = 20 * time.Second
)

// ReportCooldown is the minimum time between successive ANR reports, per
// spec.md §4.8/§8 item 8.
const ReportCooldown = 30 * time.Second

const cooldownCategory = "anr-report"

// for testing purposes
var timeNow = time.Now

// Oracle is the subset of devicestate.Oracle the watchdog and its
// interval-adjustment logic read.
type Oracle interface {
	PowerSave() bool
	BatteryFraction() float64
	ProcessImportance() model.ProcessImportance
	ScreenOn() bool
}

// Reporter receives a fully validated ANR record, per spec.md §4.8's
// "dispatches to the Orchestrator's ANR path, which persists
// synchronously before sending."
type Reporter interface {
	ReportANR(record *model.CrashRecord)
}

// AllThreadStacks returns a snapshot of every live thread/goroutine,
// mirroring the all-thread capture exceptionhandler.allGoroutineStacks
// performs; injected so tests can supply a deterministic stub.
type AllThreadStacks func() []model.ThreadSnapshot

// Validator is the subset of anrvalidation.Engine the watchdog drives.
type Validator interface {
	Validate(blockedDurationMs int64, capturedImportance model.ProcessImportance, capturedScreenOn bool) model.ANRValidation
}

// Watchdog implements spec.md §4.8.
type Watchdog struct {
	oracle    Oracle
	validator Validator
	reporter  Reporter
	stacks    AllThreadStacks
	limiter   *ratelimit.Limiter

	mu         sync.Mutex
	state      State
	lastPingAt int64 // unix nano, read/written only while holding mu
	pausedAt   int64

	normalInterval    time.Duration
	powerSaveInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Watchdog. stacks may be nil, in which case ANR
// records carry an empty StackTrace/Threads set — see SPEC_FULL.md §5's
// resolution of the "ANR placeholder stack trace" open question.
func New(oracle Oracle, validator Validator, reporter Reporter, stacks AllThreadStacks) *Watchdog {
	return &Watchdog{
		oracle:            oracle,
		validator:         validator,
		reporter:          reporter,
		stacks:            stacks,
		limiter:           ratelimit.NewLimiter(map[time.Duration]int{ReportCooldown: 1}),
		state:             StateStopped,
		normalInterval:    NormalInterval,
		powerSaveInterval: PowerSaveInterval,
	}
}

// SetThreshold overrides the normal-condition poll interval, per spec.md
// §6's set_anr_threshold(ms). The power-save interval is kept 5s above
// it, preserving the 15s/20s relationship the default constants encode.
// Warns (but does not reject) thresholds below 1000ms, per spec.md §6.
func (w *Watchdog) SetThreshold(ms int) {
	if ms < 1000 {
		crashlog.For("anrwatchdog").Warn().Int("ms", ms).Msg("ANR threshold below 1000ms is unusually aggressive")
	}
	d := time.Duration(ms) * time.Millisecond

	w.mu.Lock()
	defer w.mu.Unlock()
	w.normalInterval = d
	w.powerSaveInterval = d + 5*time.Second
}

// Start transitions Stopped -> Running and launches the background
// polling goroutine. A no-op if already running or paused.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateRunning
	w.lastPingAt = timeNow().UnixNano()
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.loop()
}

// Stop transitions to the terminal Stopped state and waits for the
// polling goroutine to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return
	}
	w.state = StateStopped
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Pause suspends detection for a cooperative long operation. last_ping is
// not reset until Resume re-primes it, per spec.md §4.8.
func (w *Watchdog) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return
	}
	w.state = StatePaused
	w.pausedAt = timeNow().UnixNano()
}

// Resume re-primes last_ping and returns to Running.
func (w *Watchdog) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StatePaused {
		return
	}
	w.state = StateRunning
	w.lastPingAt = timeNow().UnixNano()
}

// State reports the current lifecycle state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Ping is the "tiny task dispatched to the UI-equivalent thread" of
// spec.md §4.8/§5: the host calls this from whatever its UI-equivalent
// message loop processes on every iteration. Abstracted as
// probe_ui_thread(callback) per spec.md §9's design note.
func (w *Watchdog) Ping() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPingAt = timeNow().UnixNano()
}

func (w *Watchdog) adjustedInterval() time.Duration {
	w.mu.Lock()
	normal, powerSave := w.normalInterval, w.powerSaveInterval
	w.mu.Unlock()

	if w.oracle == nil {
		return normal
	}
	if w.oracle.PowerSave() || w.oracle.BatteryFraction() < anrvalidation.LowBatteryFraction {
		return powerSave
	}
	return normal
}

func (w *Watchdog) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.adjustedInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
			ticker.Reset(w.adjustedInterval())
		}
	}
}

// tick is the watchdog's single "wake, check, maybe report" pass. It is
// unexported but called directly by the package's own tests, so they can
// drive detection deterministically without waiting on the real ticker.
func (w *Watchdog) tick() {
	w.mu.Lock()
	state := w.state
	last := w.lastPingAt
	w.mu.Unlock()

	if state != StateRunning {
		return
	}

	now := timeNow()
	blocked := now.Sub(time.Unix(0, last))
	threshold := w.adjustedInterval()
	if blocked <= threshold {
		return
	}

	if _, ok := w.limiter.Allow(cooldownCategory); !ok {
		crashlog.For("anrwatchdog").Debug().Msg("ANR detected but suppressed by report cooldown")
		return
	}

	var capturedImportance model.ProcessImportance = model.ImportanceUnknown
	capturedScreenOn := true
	if w.oracle != nil {
		capturedImportance = w.oracle.ProcessImportance()
		capturedScreenOn = w.oracle.ScreenOn()
	}

	validation := w.validator.Validate(blocked.Milliseconds(), capturedImportance, capturedScreenOn)
	if !validation.Valid {
		crashlog.For("anrwatchdog").Info().Str("reason", validation.Reason).Msg("ANR candidate rejected")
		return
	}

	record := w.buildRecord(blocked, validation)
	if w.reporter != nil {
		w.reporter.ReportANR(record)
	}
}

func (w *Watchdog) buildRecord(blocked time.Duration, validation model.ANRValidation) *model.CrashRecord {
	record := &model.CrashRecord{
		ID:            model.NewCrashID(),
		Timestamp:     timeNow(),
		ExceptionKind: "ANR",
		ThreadName:    "main",
		IsANR:         true,
		ANRDuration:   blocked.Milliseconds(),
		ANRValidation: &validation,
		Severity:      model.SeverityCritical,
	}

	if w.stacks != nil {
		threads := w.stacks()
		if len(threads) > 0 {
			record.Threads = threads
			record.StackTrace = threads[0].StackTrace
		}
	}
	// If the UI-equivalent goroutine could not be identified, StackTrace
	// is left empty rather than populated with a placeholder string — see
	// SPEC_FULL.md §5's resolution of this open question; an empty field
	// is removed entirely by payload optimization.

	record.IssueTitle = "ANR: blocked " + blocked.Round(time.Millisecond).String()
	record.Fingerprint = fmt.Sprintf("anr-%d", blocked.Milliseconds()/1000)
	record.RecentLogs = crashlog.Tail().Snapshot()

	return record
}

// WaitIdle blocks until ctx is done or the watchdog goroutine exits.
// Intended for tests that need deterministic shutdown ordering.
func (w *Watchdog) WaitIdle(ctx context.Context) error {
	w.mu.Lock()
	doneCh := w.doneCh
	w.mu.Unlock()
	if doneCh == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-doneCh:
		return nil
	}
}
