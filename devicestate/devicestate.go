// Package devicestate implements the Device State Oracle (spec.md §4.1):
// pull-style queries over process importance, screen state, power state,
// battery, memory pressure, network, and a short disk-throughput probe.
//
// This core has no access to a mobile platform's battery/screen/memory
// APIs, so every query here returns a safe default unless the embedding
// host has supplied a live value via Set*; this matches spec.md's
// "all queries return safe defaults on failure; none must panic or block"
// contract, generalized to "defaults until told otherwise" for a
// non-mobile host. No teacher package queries OS device telemetry, so the
// shape here (small struct, cheap getters, one documented side-effecting
// probe) follows the general "never error, degrade gracefully" style
// visible in catrate.Limiter.ok(). See DESIGN.md.
package devicestate

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/souleimagara/crashcore/internal/crashlog"
	"github.com/souleimagara/crashcore/internal/model"
)

// Option configures an Oracle at construction time.
type Option func(*Oracle)

// WithDiskProbe enables or disables the disk-throughput probe performed by
// DiskProbe. Defaults to enabled, matching source behavior, per the open
// question in spec.md §9 ("Disk-probe placement"); see DESIGN.md.
func WithDiskProbe(enabled bool) Option {
	return func(o *Oracle) { o.diskProbeEnabled = enabled }
}

// WithCacheDir sets the directory the disk probe writes its scratch file
// into. Defaults to os.TempDir().
func WithCacheDir(dir string) Option {
	return func(o *Oracle) { o.cacheDir = dir }
}

// Oracle answers device-state queries. Zero value is not usable; construct
// via New.
type Oracle struct {
	diskProbeEnabled bool
	cacheDir         string
	bootTime         time.Time

	mu          sync.RWMutex
	importance  model.ProcessImportance
	screenOn    bool
	powerSave   bool
	battery     float64
	charging    bool
	orientation string
	memPressure model.MemoryPressure
	lowMemory   bool
	vpnActive   bool
	proxyActive bool
	timezone    string

	networkLostAt atomic.Int64 // unix nano of last observed network loss, 0 if none

	eventsMu      sync.Mutex
	memoryEvents  []model.MemoryEvent
	networkEvents []model.NetworkEvent
}

// MaxTrackedEvents bounds the memory/network event trackers initialized
// at Orchestrator start (spec.md §4.12 step 3, "Initialize memory and
// network trackers"); it matches the same 10-entry tail cap Grouping
// applies to these lists on outgoing payloads (spec.md §4.10).
const MaxTrackedEvents = 10

// New constructs an Oracle with safe defaults: Foreground importance,
// screen on, no power save, full battery, not low-memory.
func New(opts ...Option) *Oracle {
	o := &Oracle{
		diskProbeEnabled: true,
		cacheDir:         os.TempDir(),
		bootTime:         time.Now(),
		importance:       model.ImportanceForeground,
		screenOn:         true,
		battery:          1.0,
		memPressure:      model.MemoryPressureLow,
		orientation:      "portrait",
	}
	for _, opt := range opts {
		opt(o)
	}
	o.timezone, _ = time.Now().Zone()
	return o
}

// --- setters: how an embedding host keeps the oracle current ---

func (o *Oracle) SetProcessImportance(v model.ProcessImportance) {
	o.mu.Lock()
	o.importance = v
	o.mu.Unlock()
}

func (o *Oracle) SetScreenOn(v bool) {
	o.mu.Lock()
	o.screenOn = v
	o.mu.Unlock()
}

func (o *Oracle) SetPowerSave(v bool) {
	o.mu.Lock()
	o.powerSave = v
	o.mu.Unlock()
}

func (o *Oracle) SetBatteryFraction(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	o.mu.Lock()
	o.battery = v
	o.mu.Unlock()
}

func (o *Oracle) SetCharging(v bool) {
	o.mu.Lock()
	o.charging = v
	o.mu.Unlock()
}

func (o *Oracle) SetMemoryPressure(v model.MemoryPressure) {
	o.mu.Lock()
	o.memPressure = v
	o.lowMemory = v == model.MemoryPressureHigh || v == model.MemoryPressureCritical
	o.mu.Unlock()
}

func (o *Oracle) SetOrientation(v string) {
	o.mu.Lock()
	o.orientation = v
	o.mu.Unlock()
}

func (o *Oracle) SetVPNActive(v bool)   { o.mu.Lock(); o.vpnActive = v; o.mu.Unlock() }
func (o *Oracle) SetProxyActive(v bool) { o.mu.Lock(); o.proxyActive = v; o.mu.Unlock() }

// NotifyNetworkLost records the current time as the most recent observed
// network loss, consulted by the ANR Validation Engine (spec.md §4.9 step 4),
// and appends a tracked network event.
func (o *Oracle) NotifyNetworkLost() {
	o.networkLostAt.Store(time.Now().UnixNano())
	o.RecordNetworkEvent("lost", "network connectivity lost")
}

// RecordMemoryEvent appends a memory-pressure transition to the bounded
// tracker consulted by crash record assembly, evicting the oldest entry
// past MaxTrackedEvents.
func (o *Oracle) RecordMemoryEvent(level, description string) {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	o.memoryEvents = appendBounded(o.memoryEvents, model.MemoryEvent{
		Timestamp:   time.Now(),
		Level:       level,
		Description: description,
	}, MaxTrackedEvents)
}

// RecordNetworkEvent appends a network transition to the bounded tracker.
func (o *Oracle) RecordNetworkEvent(transition, description string) {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	o.networkEvents = appendBounded(o.networkEvents, model.NetworkEvent{
		Timestamp:   time.Now(),
		Transition:  transition,
		Description: description,
	}, MaxTrackedEvents)
}

// MemoryEvents returns a copy of the tracked memory-pressure transitions,
// oldest first.
func (o *Oracle) MemoryEvents() []model.MemoryEvent {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	out := make([]model.MemoryEvent, len(o.memoryEvents))
	copy(out, o.memoryEvents)
	return out
}

// NetworkEvents returns a copy of the tracked network transitions,
// oldest first.
func (o *Oracle) NetworkEvents() []model.NetworkEvent {
	o.eventsMu.Lock()
	defer o.eventsMu.Unlock()
	out := make([]model.NetworkEvent, len(o.networkEvents))
	copy(out, o.networkEvents)
	return out
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// --- pull-style queries, spec.md §4.1 ---

func (o *Oracle) ProcessImportance() model.ProcessImportance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.importance
}

func (o *Oracle) ScreenOn() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.screenOn
}

func (o *Oracle) PowerSave() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.powerSave
}

func (o *Oracle) BatteryFraction() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.battery
}

func (o *Oracle) Charging() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.charging
}

func (o *Oracle) Orientation() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.orientation
}

func (o *Oracle) MemoryPressure() model.MemoryPressure {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.memPressure
}

func (o *Oracle) LowMemory() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lowMemory
}

func (o *Oracle) VPNActive() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.vpnActive
}

func (o *Oracle) ProxyActive() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.proxyActive
}

// RecentNetworkLoss reports whether network was observed lost within the
// given window of now.
func (o *Oracle) RecentNetworkLoss(window time.Duration) bool {
	at := o.networkLostAt.Load()
	if at == 0 {
		return false
	}
	return time.Since(time.Unix(0, at)) <= window
}

func (o *Oracle) BootTimeMs() int64 {
	return o.bootTime.UnixMilli()
}

func (o *Oracle) UptimeMs() int64 {
	return time.Since(o.bootTime).Milliseconds()
}

func (o *Oracle) TimezoneID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.timezone == "" {
		name, _ := time.Now().Zone()
		return name
	}
	return o.timezone
}

// DiskProbe performs a short synchronous 1 MiB write+read against the
// configured cache directory, returning the measured throughput in
// mebibytes/second (MiB/s) for write and read, or (0, 0) on any failure or if
// disabled via WithDiskProbe(false). The temp file is removed before
// returning, regardless of outcome.
func (o *Oracle) DiskProbe() (writeMBps, readMBps float64) {
	if !o.diskProbeEnabled {
		return 0, 0
	}

	log := crashlog.For("devicestate")

	const probeSize = 1 << 20 // 1 MiB
	buf := make([]byte, probeSize)

	f, err := os.CreateTemp(o.cacheDir, "crashcore-diskprobe-*.tmp")
	if err != nil {
		log.Warn().Err(err).Msg("disk probe: create temp file failed")
		return 0, 0
	}
	path := f.Name()
	defer func() {
		_ = f.Close()
		_ = os.Remove(path)
	}()

	start := time.Now()
	if _, err := f.Write(buf); err != nil {
		log.Warn().Err(err).Msg("disk probe: write failed")
		return 0, 0
	}
	if err := f.Sync(); err != nil {
		log.Warn().Err(err).Msg("disk probe: sync failed")
		return 0, 0
	}
	writeElapsed := time.Since(start)

	if _, err := f.Seek(0, 0); err != nil {
		log.Warn().Err(err).Msg("disk probe: seek failed")
		return 0, 0
	}

	start = time.Now()
	if _, err := f.Read(buf); err != nil {
		log.Warn().Err(err).Msg("disk probe: read failed")
		return 0, 0
	}
	readElapsed := time.Since(start)

	const mib = 1.0 / (1024 * 1024)
	if writeElapsed > 0 {
		writeMBps = (probeSize * mib) / writeElapsed.Seconds()
	}
	if readElapsed > 0 {
		readMBps = (probeSize * mib) / readElapsed.Seconds()
	}
	return writeMBps, readMBps
}

// Snapshot captures every current query result into a DeviceStateSnapshot
// and NetworkSnapshot, for attachment to a crash record.
func (o *Oracle) Snapshot() (model.DeviceStateSnapshot, model.NetworkSnapshot) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return model.DeviceStateSnapshot{
			BatteryFraction: o.battery,
			Charging:        o.charging,
			ScreenOn:        o.screenOn,
			Orientation:     o.orientation,
			LowMemory:       o.lowMemory,
			MemoryPressure:  o.memPressure,
		}, model.NetworkSnapshot{
			VPNActive:   o.vpnActive,
			ProxyActive: o.proxyActive,
		}
}
