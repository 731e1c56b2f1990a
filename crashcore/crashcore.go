// Package crashcore is the root package: the Orchestrator (spec.md
// §4.12) that wires every other component together, owns their combined
// lifecycle, and exposes the host-facing embedding surface of spec.md
// §6.
//
// No single teacher file wires this many sibling packages together; the
// closest analogue is catrate.Limiter's constructor validating and
// populating several owned collaborators (a rates map, an internal ring
// per category) before returning a ready-to-use value, generalized here
// to a dozen owned components built and started in a fixed order. See
// DESIGN.md.
package crashcore

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/souleimagara/crashcore/anrvalidation"
	"github.com/souleimagara/crashcore/anrwatchdog"
	"github.com/souleimagara/crashcore/breadcrumb"
	"github.com/souleimagara/crashcore/crashstore"
	"github.com/souleimagara/crashcore/devicestate"
	"github.com/souleimagara/crashcore/exceptionhandler"
	"github.com/souleimagara/crashcore/fingerprintstore"
	"github.com/souleimagara/crashcore/grouping"
	"github.com/souleimagara/crashcore/internal/batch"
	"github.com/souleimagara/crashcore/internal/crashlog"
	"github.com/souleimagara/crashcore/internal/model"
	"github.com/souleimagara/crashcore/nativecrash"
	"github.com/souleimagara/crashcore/sender"
	"github.com/souleimagara/crashcore/startuploop"
)

// config holds every Option-settable value, separated from Orchestrator
// so New can apply defaults before any field is read.
type config struct {
	sampleRate      float64
	anrThresholdMs  int
	diskProbe       bool
	httpClient      *http.Client
	batch           *batch.Config
	tracker         exceptionhandler.OperationTracker
	device          model.DeviceSnapshot
	app             model.AppSnapshot
	rng             *rand.Rand
	maxResendPerMin int
	retentionSweep  time.Duration
}

func defaultConfig() config {
	return config{
		sampleRate:      grouping.DefaultSampleRate,
		anrThresholdMs:  int(anrwatchdog.NormalInterval / time.Millisecond),
		diskProbe:       true,
		maxResendPerMin: 10,
		retentionSweep:  24 * time.Hour,
	}
}

// Option configures an Orchestrator at construction time, mirroring the
// functional-options idiom used throughout the pack (logiface.Option[E],
// devicestate.Option).
type Option func(*config)

// WithSampleRate overrides the fraction of non-fatal, non-duplicate
// crashes sent, per spec.md §4.10 step 3. Values outside (0,1] fall back
// to grouping.DefaultSampleRate.
func WithSampleRate(rate float64) Option { return func(c *config) { c.sampleRate = rate } }

// WithANRThreshold sets the initial ANR poll interval in milliseconds,
// applied once the watchdog starts. Equivalent to calling
// Orchestrator.SetANRThreshold immediately after Initialize.
func WithANRThreshold(ms int) Option { return func(c *config) { c.anrThresholdMs = ms } }

// WithDiskProbe enables or disables the Device State Oracle's disk-
// throughput probe. Defaults to enabled.
func WithDiskProbe(enabled bool) Option { return func(c *config) { c.diskProbe = enabled } }

// WithHTTPClient overrides the Sender's HTTP client, e.g. for tests
// pointed at an httptest.Server.
func WithHTTPClient(client *http.Client) Option { return func(c *config) { c.httpClient = client } }

// WithBatchConfig overrides the Sender's batch queue sizing. Defaults to
// internal/batch's own defaults (size 10, 60s interval), matching
// spec.md §4.11.
func WithBatchConfig(cfg *batch.Config) Option { return func(c *config) { c.batch = cfg } }

// WithOperationTracker supplies the "current/last-successful/last-failed
// operation" source folded into every crash record, per spec.md §4.7
// step 4.
func WithOperationTracker(t exceptionhandler.OperationTracker) Option {
	return func(c *config) { c.tracker = t }
}

// WithDevice sets the static device-identity snapshot attached to every
// crash record.
func WithDevice(d model.DeviceSnapshot) Option { return func(c *config) { c.device = d } }

// WithApp sets the static app-identity snapshot attached to every crash
// record.
func WithApp(a model.AppSnapshot) Option { return func(c *config) { c.app = a } }

// WithRNG injects a seeded random source for the Grouping decider's
// sampling step, for deterministic tests (spec.md §8 item 4).
func WithRNG(rng *rand.Rand) Option { return func(c *config) { c.rng = rng } }

// WithMaxResendPerMinute bounds send_all_pending's throughput, per
// spec.md §4.11. Defaults to 10.
func WithMaxResendPerMinute(n int) Option { return func(c *config) { c.maxResendPerMin = n } }

// WithRetentionSweepInterval overrides how often the Crash Store's
// cleanup_old_sent and the Fingerprint Store's periodic_cleanup run, per
// SPEC_FULL.md §5's supplemental retention sweep. Defaults to 24h.
func WithRetentionSweepInterval(d time.Duration) Option {
	return func(c *config) { c.retentionSweep = d }
}

// Orchestrator implements spec.md §4.12: it owns every other component's
// lifecycle and exposes the host-facing surface of spec.md §6.
type Orchestrator struct {
	baseDir  string
	cacheDir string
	cfg      config

	mu          sync.Mutex
	initialized bool
	appInited   bool

	device model.DeviceSnapshot
	app    model.AppSnapshot

	store       *crashstore.Store
	oracle      *devicestate.Oracle
	loop        *startuploop.Detector
	fpStore     *fingerprintstore.Store
	breadcrumbs *breadcrumb.Ring
	context     *breadcrumb.Context
	decider     *grouping.Decider
	sndr        *sender.Sender
	handler     *exceptionhandler.Handler
	native      *nativecrash.Handler
	validator   *anrvalidation.Engine
	watchdog    *anrwatchdog.Watchdog

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New constructs an unconfigured Orchestrator rooted at baseDir (for
// durable crash/startup state) and cacheDir (for the fingerprint store
// and disk probe scratch file), matching spec.md §6's "persisted state
// layout under the app private directory" note. Call Initialize to bring
// it up.
func New(baseDir, cacheDir string, opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{
		baseDir:  baseDir,
		cacheDir: cacheDir,
		cfg:      cfg,
		device:   cfg.device,
		app:      cfg.app,
	}
}

// Initialize runs the eight-step startup sequence of spec.md §4.12. It
// is idempotent: calling it again on an already-initialized Orchestrator
// is a no-op. enableANR corresponds to spec.md §6's
// enable_anr_detection parameter.
func (o *Orchestrator) Initialize(endpoint string, enableANR bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}

	log := crashlog.For("crashcore")

	// step 1: instantiate Crash Store, Device State Oracle, Startup/Loop
	// Detector, Fingerprint Store.
	crashesDir := filepath.Join(o.baseDir, "crashes")
	store, err := crashstore.Open(crashesDir)
	if err != nil {
		return fmt.Errorf("crashcore: open crash store: %w", err)
	}
	o.store = store

	o.oracle = devicestate.New(devicestate.WithDiskProbe(o.cfg.diskProbe), devicestate.WithCacheDir(o.cacheDir))

	loop, err := startuploop.Open(filepath.Join(o.baseDir, "startup_loop.json"))
	if err != nil {
		return fmt.Errorf("crashcore: open startup/loop detector: %w", err)
	}
	o.loop = loop

	fpStore, err := fingerprintstore.Open(filepath.Join(o.cacheDir, "crash_fingerprints.json"))
	if err != nil {
		return fmt.Errorf("crashcore: open fingerprint store: %w", err)
	}
	o.fpStore = fpStore

	// step 2: log startup-crash / crash-loop detection for visibility.
	if o.loop.DidCrashOnStartup() {
		log.Warn().Msg("previous session crashed during startup")
	}
	if o.loop.IsInCrashLoop() {
		log.Error().Int("count", o.loop.StartupCrashCount()).Msg("app is in a startup crash loop")
	}

	// step 3: mark started, initialize memory/network trackers (owned by
	// the oracle itself) and the breadcrumb/context rings.
	if err := o.loop.MarkStarted(); err != nil {
		log.Warn().Err(err).Msg("failed to mark session started")
	}
	o.breadcrumbs = breadcrumb.NewRing()
	o.context = breadcrumb.NewContext()

	o.decider = grouping.NewDecider(o.fpStore, o.cfg.sampleRate, o.cfg.rng)
	o.sndr = sender.New(sender.Config{
		Endpoint:   endpoint,
		HTTPClient: o.cfg.httpClient,
		Batch:      o.cfg.batch,
	}, o.decider, o.store)

	// step 4: install Exception Handler and Native Signal Handler.
	o.handler = exceptionhandler.New(exceptionhandler.Config{
		Store:       o.store,
		Oracle:      o.oracle,
		Breadcrumbs: o.breadcrumbs,
		Context:     o.context,
		Loop:        o.loop,
		Tracker:     o.cfg.tracker,
		Sender:      o.sndr,
		Device:      o.device,
		App:         o.app,
	})

	trailerPath := filepath.Join(crashesDir, "native_crash.txt")
	native, err := nativecrash.Install(trailerPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to install native signal handler")
	}
	o.native = native

	// step 5: recover a native_crash.txt trailer left by the previous
	// session, if any.
	o.recoverNativeCrash(trailerPath)

	// step 6: drain anything left pending from a prior session.
	if err := o.sndr.SendAllPending(context.Background(), o.cfg.maxResendPerMin); err != nil {
		log.Warn().Err(err).Msg("send_all_pending failed during initialization")
	}

	// step 7: build the Validation Engine and start the ANR Watchdog, if
	// enabled.
	if enableANR {
		o.validator = anrvalidation.New(o.oracle)
		o.watchdog = anrwatchdog.New(o.oracle, o.validator, o, nil)
		o.watchdog.SetThreshold(o.cfg.anrThresholdMs)
		o.watchdog.Start()
	}

	// step 8: the screen-state listener is exposed as
	// NotifyScreenStateChanged — informational only, see its doc comment.

	o.cleanupStop = make(chan struct{})
	o.cleanupDone = make(chan struct{})
	go o.retentionSweepLoop()

	o.initialized = true
	log.Info().Bool("anrEnabled", enableANR).Msg("crashcore orchestrator initialized")
	return nil
}

// recoverNativeCrash parses trailerPath if present, builds and persists
// a crash record from it, attempts to send it, and deletes the trailer
// on success — spec.md §4.12 step 5.
func (o *Orchestrator) recoverNativeCrash(trailerPath string) {
	log := crashlog.For("crashcore")

	if _, err := os.Stat(trailerPath); err != nil {
		return
	}

	pt, err := nativecrash.Parse(trailerPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to parse native crash trailer, deleting")
		_ = os.Remove(trailerPath)
		return
	}

	record := buildNativeCrashRecord(pt)
	record.Device = &o.device
	record.App = &o.app

	if err := o.store.Save(record); err != nil {
		log.Error().Err(err).Msg("failed to persist recovered native crash")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	sendErr := o.sndr.Process(ctx, record)
	cancel()
	if sendErr != nil {
		log.Warn().Err(sendErr).Msg("failed to send recovered native crash, leaving trailer for next session")
		return
	}

	if err := os.Remove(trailerPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to delete native crash trailer")
	}
}

// buildNativeCrashRecord reconstructs a crash record from a parsed
// native_crash.txt trailer. Fault address and memory dump are left
// empty: the signal handler itself never captures them, per
// nativecrash's documented Go-runtime limitation.
func buildNativeCrashRecord(pt *nativecrash.ParsedTrailer) *model.CrashRecord {
	record := &model.CrashRecord{
		ID:            model.NewCrashID(),
		Timestamp:     time.Unix(pt.TimeUnix, 0),
		ExceptionKind: pt.Signal,
		ThreadName:    pt.ThreadName,
		StackTrace:    strings.Join(pt.StackFrames, "\n"),
		Native: &model.NativeCrashInfo{
			SignalName: pt.Signal,
			Registers:  formatRegisters(pt.Registers),
		},
		RecentLogs: crashlog.Tail().Snapshot(),
	}
	grouping.Classify(record, pt.StackFrames, false)
	return record
}

func formatRegisters(regs map[string]uint64) map[string]string {
	out := make(map[string]string, len(regs))
	for k, v := range regs {
		out[k] = fmt.Sprintf("0x%x", v)
	}
	return out
}

// retentionSweepLoop runs the supplemental 24h retention sweep (spec.md
// §4.4/§4.3's on-demand cleanups, promoted to a timer by SPEC_FULL.md
// §5), stopping when Shutdown closes cleanupStop.
func (o *Orchestrator) retentionSweepLoop() {
	defer close(o.cleanupDone)

	ticker := time.NewTicker(o.cfg.retentionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-o.cleanupStop:
			return
		case <-ticker.C:
			log := crashlog.For("crashcore")
			if err := o.store.CleanupOldSent(); err != nil {
				log.Warn().Err(err).Msg("crash store retention sweep failed")
			}
			if err := o.fpStore.PeriodicCleanup(); err != nil {
				log.Warn().Err(err).Msg("fingerprint store retention sweep failed")
			}
		}
	}
}

// ReportANR implements anrwatchdog.Reporter: it persists the ANR record
// synchronously, then attempts a best-effort async send, matching
// spec.md §5's "ANR persist is synchronous on the watchdog thread — it
// finishes writing before issuing the async send."
func (o *Orchestrator) ReportANR(record *model.CrashRecord) {
	log := crashlog.For("crashcore")

	record.Device, record.App = &o.device, &o.app
	if o.oracle != nil {
		state, network := o.oracle.Snapshot()
		record.DeviceState, record.Network = &state, &network
	}
	if o.breadcrumbs != nil {
		record.Breadcrumbs = o.breadcrumbs.Snapshot()
	}
	if o.context != nil {
		tags, env := o.context.Snapshot()
		if record.CustomData == nil {
			record.CustomData = tags
		}
		record.Environment = env
	}
	record.RecentLogs = crashlog.Tail().Snapshot()

	if o.store == nil {
		return
	}
	if err := o.store.Save(record); err != nil {
		log.Error().Err(err).Msg("failed to persist ANR record")
		return
	}

	if o.sndr == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.sndr.Process(ctx, record); err != nil {
			crashlog.For("crashcore").Warn().Err(err).Msg("best-effort ANR send failed")
		}
	}()
}

// NotifyScreenStateChanged is the host-facing screen-state listener
// named in spec.md §4.12 step 8. It is informational only: it updates
// the Device State Oracle's screen flag (consulted by the ANR Validation
// Engine) and logs the transition, but it never pauses or resumes the
// ANR Watchdog, since a real ANR can begin with the screen on and
// continue after it turns off — only the Validation Engine decides false
// positives.
func (o *Orchestrator) NotifyScreenStateChanged(on bool) {
	crashlog.For("crashcore").Info().Bool("screenOn", on).Msg("screen state changed")
	if o.oracle != nil {
		o.oracle.SetScreenOn(on)
	}
}

// MarkAppInitialized implements spec.md §6's mark_app_initialized(): the
// host calls this once its own critical startup work has completed
// successfully, clearing the startup-crash window.
func (o *Orchestrator) MarkAppInitialized() error {
	o.mu.Lock()
	o.appInited = true
	loop := o.loop
	o.mu.Unlock()

	if loop == nil {
		return nil
	}
	return loop.MarkInitialized()
}

// SetANRThreshold implements spec.md §6's set_anr_threshold(ms). Warning
// on an aggressive (<1000ms) threshold is handled by
// anrwatchdog.Watchdog.SetThreshold itself.
func (o *Orchestrator) SetANRThreshold(ms int) {
	o.mu.Lock()
	o.cfg.anrThresholdMs = ms
	w := o.watchdog
	o.mu.Unlock()

	if w != nil {
		w.SetThreshold(ms)
	}
}

// PauseANRDetection implements spec.md §6's pause_anr_detection(), e.g.
// around a host-initiated long-running foreground operation the host
// knows is not a hang.
func (o *Orchestrator) PauseANRDetection() {
	if o.watchdog != nil {
		o.watchdog.Pause()
	}
}

// ResumeANRDetection implements spec.md §6's resume_anr_detection().
func (o *Orchestrator) ResumeANRDetection() {
	if o.watchdog != nil {
		o.watchdog.Resume()
	}
}

// SendPendingCrashesNow implements spec.md §6's
// send_pending_crashes_now(): flushes the current batch immediately,
// then drains pending/ at the configured resend rate.
func (o *Orchestrator) SendPendingCrashesNow() error {
	o.mu.Lock()
	s := o.sndr
	maxPerMin := o.cfg.maxResendPerMin
	o.mu.Unlock()

	if s == nil {
		return fmt.Errorf("crashcore: not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := s.FlushBatch(ctx); err != nil {
		crashlog.For("crashcore").Warn().Err(err).Msg("flush batch failed")
	}
	return s.SendAllPending(ctx, maxPerMin)
}

// IsInitialized implements spec.md §6's is_initialized() -> bool.
func (o *Orchestrator) IsInitialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// PendingCrashCount implements spec.md §6's pending_crash_count() -> int.
func (o *Orchestrator) PendingCrashCount() (int, error) {
	o.mu.Lock()
	store := o.store
	o.mu.Unlock()

	if store == nil {
		return 0, fmt.Errorf("crashcore: not initialized")
	}
	return store.PendingCount()
}

// triggerSignals maps trigger_native_crash's 0..=4 testing kinds onto
// real fatal signals, in the order spec.md §4.6 names the first five of
// its six-signal set (SIGTRAP, kind 5, has no slot here: it is normally
// raised by a debugger trap rather than by a host simulating a crash).
var triggerSignals = []syscall.Signal{
	syscall.SIGSEGV,
	syscall.SIGABRT,
	syscall.SIGFPE,
	syscall.SIGILL,
	syscall.SIGBUS,
}

// TriggerNativeCrash implements spec.md §6's trigger_native_crash(type:
// 0..=4), a testing hook that raises a real fatal signal against the
// current process so the installed Native Signal Handler's capture path
// can be exercised end-to-end.
func (o *Orchestrator) TriggerNativeCrash(kind int) error {
	if kind < 0 || kind >= len(triggerSignals) {
		return fmt.Errorf("crashcore: trigger_native_crash: kind %d out of range [0,%d]", kind, len(triggerSignals)-1)
	}
	return syscall.Kill(os.Getpid(), triggerSignals[kind])
}

// HandleManagedException implements spec.md §6's
// handle_managed_exception(type, message, stack, fatal, kv_map), the
// host-language bridge entry point for exceptions the core itself never
// sees as a Go panic.
func (o *Orchestrator) HandleManagedException(kind, message, stack string, fatal bool, kv map[string]string) {
	if o.handler == nil {
		crashlog.For("crashcore").Warn().Msg("handle_managed_exception called before initialize")
		return
	}
	o.handler.HandleManagedException(kind, message, stack, fatal, kv)
}

// Shutdown implements spec.md §6's shutdown(): stops the watchdog,
// flushes pending batched work, and clears in-memory state.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = false
	watchdog := o.watchdog
	native := o.native
	sndr := o.sndr
	breadcrumbs := o.breadcrumbs
	bctx := o.context
	cleanupStop := o.cleanupStop
	cleanupDone := o.cleanupDone
	o.mu.Unlock()

	if watchdog != nil {
		watchdog.Stop()
	}
	if native != nil {
		native.Stop()
	}

	if cleanupStop != nil {
		close(cleanupStop)
		<-cleanupDone
	}

	var shutdownErr error
	if sndr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		shutdownErr = sndr.Shutdown(ctx)
		cancel()
	}

	if breadcrumbs != nil {
		breadcrumbs.Clear()
	}
	if bctx != nil {
		bctx.Clear()
	}

	crashlog.For("crashcore").Info().Msg("crashcore orchestrator shut down")
	return shutdownErr
}
