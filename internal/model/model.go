// Package model holds the data types shared across the crash-reporting
// core: the durable crash record, its nested snapshots, and the small
// supporting types (breadcrumbs, memory/network events, ANR validation
// results, fingerprint entries).
package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies how urgently a crash record should be treated.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// ProcessImportance mirrors the platform's process-importance buckets.
type ProcessImportance string

const (
	ImportanceForeground ProcessImportance = "Foreground"
	ImportanceVisible    ProcessImportance = "Visible"
	ImportanceService    ProcessImportance = "Service"
	ImportanceBackground ProcessImportance = "Background"
	ImportanceUnknown    ProcessImportance = "Unknown"
)

// MemoryPressure mirrors the platform's memory-pressure buckets.
type MemoryPressure string

const (
	MemoryPressureLow      MemoryPressure = "Low"
	MemoryPressureModerate MemoryPressure = "Moderate"
	MemoryPressureHigh     MemoryPressure = "High"
	MemoryPressureCritical MemoryPressure = "Critical"
	MemoryPressureUnknown  MemoryPressure = "Unknown"
)

// NewCrashID returns a fresh, process-unique identifier for a crash record.
func NewCrashID() uuid.UUID {
	return uuid.New()
}

// Breadcrumb is a single user-observable event recorded for later crash
// context, per spec.md §3.
type Breadcrumb struct {
	Timestamp time.Time         `json:"timestamp"`
	Category  string            `json:"category,omitempty"`
	Level     string            `json:"level,omitempty"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// MemoryEvent records a memory-warning transition.
type MemoryEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Level       string    `json:"level,omitempty"`
	Description string    `json:"description,omitempty"`
}

// NetworkEvent records a network-transition.
type NetworkEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Transition  string    `json:"transition,omitempty"`
	Description string    `json:"description,omitempty"`
}

// ANRFactors is the raw factor snapshot an ANRValidation decision was made
// from, per spec.md §3.
type ANRFactors struct {
	ProcessImportance   ProcessImportance `json:"processImportance,omitempty"`
	ScreenOn            bool              `json:"screenOn"`
	NetworkLost         bool              `json:"networkLost"`
	PowerSave           bool              `json:"powerSave"`
	BatteryFraction     float64           `json:"batteryFraction"`
	AdjustedThresholdMs int64             `json:"adjustedThresholdMs"`
}

// ANRValidation is the full output of the ANR Validation Engine (§4.9).
type ANRValidation struct {
	Valid          bool       `json:"valid"`
	Reason         string     `json:"reason,omitempty"`
	Confidence     int        `json:"confidence"`
	BlockingFactor string     `json:"blockingFactor,omitempty"`
	Factors        ANRFactors `json:"factors"`
}

// FingerprintEntry is a single row of the Fingerprint Store (§4.3).
type FingerprintEntry struct {
	Fingerprint    string `json:"fingerprint"`
	LastReportedMs int64  `json:"lastReportedMs"`
}

// DeviceSnapshot captures static-ish device identity facts.
type DeviceSnapshot struct {
	Model         string `json:"model,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
	Locale        string `json:"locale,omitempty"`
	ScreenWidth   int    `json:"screenWidth,omitempty"`
	ScreenHeight  int    `json:"screenHeight,omitempty"`
	ScreenDensity float64 `json:"screenDensity,omitempty"`
}

// AppSnapshot captures host application identity facts.
type AppSnapshot struct {
	PackageID     string    `json:"packageId,omitempty"`
	Version       string    `json:"version,omitempty"`
	FirstInstall  time.Time `json:"firstInstall,omitempty"`
	LastUpdate    time.Time `json:"lastUpdate,omitempty"`
}

// DeviceStateSnapshot captures point-in-time device conditions, per
// spec.md §3/§4.1.
type DeviceStateSnapshot struct {
	BatteryFraction  float64        `json:"batteryFraction"`
	Charging         bool           `json:"charging"`
	MemAvailableMB   int64          `json:"memAvailableMb,omitempty"`
	MemTotalMB       int64          `json:"memTotalMb,omitempty"`
	StorageAvailMB   int64          `json:"storageAvailMb,omitempty"`
	StorageTotalMB   int64          `json:"storageTotalMb,omitempty"`
	ScreenOn         bool           `json:"screenOn"`
	Orientation      string         `json:"orientation,omitempty"`
	LowMemory        bool           `json:"lowMemory"`
	MemoryPressure   MemoryPressure `json:"memoryPressure,omitempty"`
}

// NetworkSnapshot captures point-in-time network conditions.
type NetworkSnapshot struct {
	Type         string `json:"type,omitempty"`
	VPNActive    bool   `json:"vpnActive"`
	ProxyActive  bool   `json:"proxyActive"`
}

// MemoryInfo captures heap sizes at crash time.
type MemoryInfo struct {
	HeapUsedBytes       int64 `json:"heapUsedBytes,omitempty"`
	HeapTotalBytes      int64 `json:"heapTotalBytes,omitempty"`
	NativeHeapUsedBytes int64 `json:"nativeHeapUsedBytes,omitempty"`
}

// CPUInfo captures a coarse CPU snapshot.
type CPUInfo struct {
	CoreCount int     `json:"coreCount,omitempty"`
	LoadAvg1  float64 `json:"loadAvg1,omitempty"`
}

// ProcessInfo identifies the crashing process.
type ProcessInfo struct {
	PID        int               `json:"pid,omitempty"`
	Name       string            `json:"name,omitempty"`
	Importance ProcessImportance `json:"importance,omitempty"`
	Foreground bool              `json:"foreground"`
}

// ThreadSnapshot is one entry of the bounded all-thread stack list.
type ThreadSnapshot struct {
	Name        string `json:"name,omitempty"`
	Crashed     bool   `json:"crashed"`
	StackTrace  string `json:"stackTrace,omitempty"`
}

// NativeCrashInfo carries the signal-handler-specific fields (§3).
type NativeCrashInfo struct {
	SignalName    string            `json:"signalName,omitempty"`
	FaultAddress  string            `json:"faultAddress,omitempty"`
	Registers     map[string]string `json:"registers,omitempty"`
	MemoryDump    string            `json:"memoryDump,omitempty"`
}

// CrashRecord is the durable unit described by spec.md §3.
type CrashRecord struct {
	ID               uuid.UUID         `json:"id"`
	Timestamp        time.Time         `json:"timestamp"`
	ExceptionKind    string            `json:"exceptionKind,omitempty"`
	ExceptionMessage string            `json:"exceptionMessage,omitempty"`
	StackTrace       string            `json:"stackTrace,omitempty"`
	ThreadName       string            `json:"threadName,omitempty"`

	// Device, App, DeviceState, Network, Memory, CPU, and Process are
	// pointers so grouping.stripEmpty can nil out an entirely zero-value
	// snapshot and have omitempty actually drop it; a non-pointer struct
	// always serializes, even when every field is its zero value.
	Device      *DeviceSnapshot      `json:"device,omitempty"`
	App         *AppSnapshot         `json:"app,omitempty"`
	DeviceState *DeviceStateSnapshot `json:"deviceState,omitempty"`
	Network     *NetworkSnapshot     `json:"network,omitempty"`
	Memory      *MemoryInfo          `json:"memory,omitempty"`
	CPU         *CPUInfo             `json:"cpu,omitempty"`
	Process     *ProcessInfo         `json:"process,omitempty"`

	Threads       []ThreadSnapshot  `json:"threads,omitempty"`
	Breadcrumbs   []Breadcrumb      `json:"breadcrumbs,omitempty"`
	MemoryEvents  []MemoryEvent     `json:"memoryEvents,omitempty"`
	NetworkEvents []NetworkEvent    `json:"networkEvents,omitempty"`
	CustomData    map[string]string `json:"customData,omitempty"`
	Environment   string            `json:"environment,omitempty"`

	Fingerprint string   `json:"fingerprint,omitempty"`
	IssueTitle  string   `json:"issueTitle,omitempty"`
	Severity    Severity `json:"severity,omitempty"`

	IsANR         bool           `json:"isAnr"`
	ANRDuration   int64          `json:"anrDurationMs,omitempty"`
	ANRValidation *ANRValidation `json:"anrValidation,omitempty"`

	IsStartupCrash     bool `json:"isStartupCrash"`
	IsCrashLoop        bool `json:"isCrashLoop"`
	CrashLoopCount     int  `json:"crashLoopCount,omitempty"`

	Native *NativeCrashInfo `json:"native,omitempty"`

	RecentLogs []string `json:"recentLogs,omitempty"`
}

// Fatal reports whether this record must bypass sampling, per spec.md
// §4.10 "Fatality".
func (c *CrashRecord) Fatal() bool {
	if c == nil {
		return false
	}
	if c.Native != nil {
		return true
	}
	if len(c.ExceptionKind) >= 3 && c.ExceptionKind[:3] == "SIG" {
		return true
	}
	if c.ThreadName == "main" || c.ThreadName == "ui" {
		return true
	}
	if c.ExceptionKind == "OutOfMemoryError" {
		return true
	}
	if c.IsANR {
		return true
	}
	if c.IsStartupCrash {
		return true
	}
	if c.Severity == SeverityCritical {
		return true
	}
	return false
}
