// Package startuploop implements the Startup / Loop Detector (spec.md
// §4.5): a small durable key/value file tracking whether the app is
// mid-startup, and a crash-loop counter that arms the safety brake
// consulted by the Exception Handler (§4.7).
//
// Grounded on the same write-temp/rename persistence idiom as
// fingerprintstore.Store (itself adapted from microbatch's
// swap-then-act state shape); the clock is an injectable timeNow var as
// in internal/ratelimit, for deterministic window tests. See DESIGN.md.
package startuploop

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/souleimagara/crashcore/internal/crashlog"
)

// StartupWindow is how long after mark_started a crash counts as a
// startup crash, per spec.md §4.5.
const StartupWindow = 5 * time.Second

// LoopWindow is the sliding window over which startup crashes accumulate
// toward is_in_crash_loop.
const LoopWindow = 60 * time.Second

// LoopThreshold is the crash count within LoopWindow that trips
// is_in_crash_loop.
const LoopThreshold = 3

// SafetyBrakeThreshold and SafetyBrakeUptime gate the harder safety
// brake consulted directly by the Exception Handler: at or above this
// many startup crashes, within this long since boot, reporting is
// disabled outright.
const (
	SafetyBrakeThreshold = 5
	SafetyBrakeUptime    = 60 * time.Second
)

// for testing purposes
var timeNow = time.Now

type state struct {
	AppStarted        bool  `json:"app_started"`
	AppStartedTime    int64 `json:"app_started_time"`
	StartupCrashCount int   `json:"startup_crash_count"`
	LastCrashTime     int64 `json:"last_crash_time"`

	// previousAppStarted records whether app_started was true at load
	// time, i.e. at the start of *this* session — before mark_started
	// resets it. DidCrashOnStartup reads this, not the live field.
	previousAppStarted bool
}

// Detector tracks startup/crash-loop state durably across process
// restarts.
type Detector struct {
	path string

	mu sync.Mutex
	s  state
}

// Open loads (or initializes) a Detector backed by path. A missing or
// corrupt file starts fresh, with previousAppStarted false.
func Open(path string) (*Detector, error) {
	d := &Detector{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			crashlog.For("startuploop").Warn().Err(err).Msg("read failed, starting fresh")
		}
		return d, nil
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		crashlog.For("startuploop").Warn().Err(err).Msg("corrupt file, starting fresh")
		return d, nil
	}

	s.previousAppStarted = s.AppStarted
	d.s = s
	return d, nil
}

// MarkStarted records that a new session has begun. Call once at
// orchestrator init, before mark_initialized.
func (d *Detector) MarkStarted() error {
	d.mu.Lock()
	d.s.AppStarted = true
	d.s.AppStartedTime = timeNow().UnixMilli()
	snapshot := d.s
	d.mu.Unlock()

	return persist(d.path, snapshot)
}

// MarkInitialized clears app_started once critical startup completes
// successfully.
func (d *Detector) MarkInitialized() error {
	d.mu.Lock()
	d.s.AppStarted = false
	snapshot := d.s
	d.mu.Unlock()

	return persist(d.path, snapshot)
}

// RecordCrash bumps last_crash_time, and startup_crash_count if the
// crash occurred within StartupWindow of MarkStarted.
func (d *Detector) RecordCrash() error {
	d.mu.Lock()
	now := timeNow().UnixMilli()
	d.s.LastCrashTime = now
	if time.Duration(now-d.s.AppStartedTime)*time.Millisecond < StartupWindow {
		d.s.StartupCrashCount++
	}
	snapshot := d.s
	d.mu.Unlock()

	return persist(d.path, snapshot)
}

// DidCrashOnStartup reports whether app_started was still set at the
// start of the current session, i.e. the prior session never reached
// mark_initialized.
func (d *Detector) DidCrashOnStartup() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.s.previousAppStarted
}

// IsInCrashLoop reports whether startup_crash_count has reached
// LoopThreshold within LoopWindow of the last recorded crash. Once the
// window has elapsed, per spec.md §4.5 the counter itself resets to
// zero rather than merely being ignored, so a crash long after the
// last one starts a fresh count instead of topping up a stale one.
func (d *Detector) IsInCrashLoop() bool {
	d.mu.Lock()
	if d.s.StartupCrashCount < LoopThreshold {
		d.mu.Unlock()
		return false
	}
	age := time.Duration(timeNow().UnixMilli()-d.s.LastCrashTime) * time.Millisecond
	if age <= LoopWindow {
		d.mu.Unlock()
		return true
	}
	d.s.StartupCrashCount = 0
	snapshot := d.s
	d.mu.Unlock()

	if err := persist(d.path, snapshot); err != nil {
		crashlog.For("startuploop").Warn().Err(err).Msg("failed to persist reset crash count")
	}
	return false
}

// ResetCrashCount clears startup_crash_count, e.g. after a stale window
// has been observed, or a successful extended run.
func (d *Detector) ResetCrashCount() error {
	d.mu.Lock()
	d.s.StartupCrashCount = 0
	snapshot := d.s
	d.mu.Unlock()

	return persist(d.path, snapshot)
}

// SafetyBrakeTripped reports whether the Exception Handler's hard brake
// should fire: StartupCrashCount at or above SafetyBrakeThreshold, and
// still within SafetyBrakeUptime of boot. uptime is supplied by the
// caller (normally devicestate.Oracle.UptimeMs), since this package has
// no notion of process boot time of its own.
func (d *Detector) SafetyBrakeTripped(uptime time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.s.StartupCrashCount >= SafetyBrakeThreshold && uptime < SafetyBrakeUptime
}

// StartupCrashCount reports the current counter value, for diagnostics.
func (d *Detector) StartupCrashCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.s.StartupCrashCount
}

func persist(path string, s state) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
