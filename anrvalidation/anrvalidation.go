// Package anrvalidation implements the ANR Validation Engine (spec.md
// §4.9): a pure, ordered multi-factor classifier that decides whether a
// watchdog-detected period of unresponsiveness is a real ANR.
//
// The engine is pure over its inputs plus one Oracle read per factor
// (spec.md: "performs no I/O beyond those reads"); this mirrors the
// teacher's catrate.Limiter.ok() style of small, independently testable
// decision steps, generalized here to an ordered chain instead of a
// single boolean. See DESIGN.md.
package anrvalidation

import (
	"time"

	"github.com/souleimagara/crashcore/internal/model"
)

// Reason codes returned in model.ANRValidation.Reason, matching the
// literal strings spec.md §8's scenarios S2/S3 assert against.
const (
	ReasonBackgroundApp       = "BACKGROUND_APP"
	ReasonScreenOffAtDetect   = "SCREEN_OFF_AT_DETECTION"
	ReasonRecentNetworkLoss   = "RECENT_NETWORK_LOSS"
	ReasonBelowThreshold      = "BELOW_THRESHOLD"
	ReasonInternalError       = "INTERNAL_ERROR_DEFAULT_VALID"
)

// NormalThresholdMs and PowerSaveThresholdMs are the two block-duration
// thresholds selected by the power-adjustment step.
const (
	NormalThresholdMs    int64 = 15000
	PowerSaveThresholdMs int64 = 20000
)

// LowBatteryFraction is the battery level below which the power-save
// threshold is used even without power-save mode enabled.
const LowBatteryFraction = 0.05

// NetworkLossWindow bounds how recent a network loss must be to count
// toward the network-transition rejection factor.
const NetworkLossWindow = 30 * time.Second

// Oracle is the subset of devicestate.Oracle the engine reads at
// validation time (current power/network/battery state — as opposed to
// the state captured by the watchdog at detection time, passed directly
// as arguments).
type Oracle interface {
	PowerSave() bool
	BatteryFraction() float64
	RecentNetworkLoss(window time.Duration) bool
}

// Engine evaluates ANR candidates against an Oracle. Zero value is
// usable directly against a nil Oracle only for New's default wiring;
// construct with New in normal use.
type Engine struct {
	oracle Oracle
}

// New constructs an Engine reading current state from oracle.
func New(oracle Oracle) *Engine {
	return &Engine{oracle: oracle}
}

// Validate runs the five-step decision table from spec.md §4.9 against a
// detection-time snapshot (capturedImportance, capturedScreenOn) and the
// measured block duration. Any panic recovered from a misbehaving Oracle
// implementation defaults to valid=true, confidence=50, per spec.md's
// "safer to over-report than miss a real ANR" rule.
func (e *Engine) Validate(blockedDurationMs int64, capturedImportance model.ProcessImportance, capturedScreenOn bool) (result model.ANRValidation) {
	defer func() {
		if r := recover(); r != nil {
			result = model.ANRValidation{
				Valid:      true,
				Reason:     ReasonInternalError,
				Confidence: 50,
			}
		}
	}()

	if e == nil || e.oracle == nil {
		return model.ANRValidation{Valid: true, Reason: ReasonInternalError, Confidence: 50}
	}

	factors := model.ANRFactors{
		ProcessImportance: capturedImportance,
		ScreenOn:          capturedScreenOn,
	}

	// Step 1: process importance at detection.
	if capturedImportance != model.ImportanceForeground && capturedImportance != model.ImportanceVisible {
		factors.AdjustedThresholdMs = e.adjustedThreshold(factors)
		return model.ANRValidation{
			Valid:          false,
			Reason:         ReasonBackgroundApp,
			Confidence:     99,
			BlockingFactor: "process_importance",
			Factors:        factors,
		}
	}

	// Step 2: screen state at detection.
	if !capturedScreenOn {
		factors.AdjustedThresholdMs = e.adjustedThreshold(factors)
		return model.ANRValidation{
			Valid:          false,
			Reason:         ReasonScreenOffAtDetect,
			Confidence:     95,
			BlockingFactor: "screen_on",
			Factors:        factors,
		}
	}

	// Step 3: power adjustment — always applied, never itself a rejection.
	powerSave := e.oracle.PowerSave()
	battery := e.oracle.BatteryFraction()
	factors.PowerSave = powerSave
	factors.BatteryFraction = battery

	adjustedThreshold := NormalThresholdMs
	if powerSave || battery < LowBatteryFraction {
		adjustedThreshold = PowerSaveThresholdMs
	}
	factors.AdjustedThresholdMs = adjustedThreshold

	// Step 4: network transition.
	networkLost := e.oracle.RecentNetworkLoss(NetworkLossWindow)
	factors.NetworkLost = networkLost
	if networkLost && blockedDurationMs < 20000 {
		return model.ANRValidation{
			Valid:          false,
			Reason:         ReasonRecentNetworkLoss,
			Confidence:     85,
			BlockingFactor: "network_lost",
			Factors:        factors,
		}
	}

	// Step 5: duration vs adjusted threshold.
	if blockedDurationMs < adjustedThreshold {
		return model.ANRValidation{
			Valid:          false,
			Reason:         ReasonBelowThreshold,
			Confidence:     80,
			BlockingFactor: "duration",
			Factors:        factors,
		}
	}

	return model.ANRValidation{
		Valid:      true,
		Confidence: 99,
		Factors:    factors,
	}
}

// adjustedThreshold computes what the threshold would have been, for
// inclusion in rejection records even when the power-adjustment step was
// never reached (steps 1/2 reject before step 3 runs, but spec.md's
// ANRFactors schema always carries adjusted_threshold_ms).
func (e *Engine) adjustedThreshold(factors model.ANRFactors) int64 {
	powerSave := e.oracle.PowerSave()
	battery := e.oracle.BatteryFraction()
	if powerSave || battery < LowBatteryFraction {
		return PowerSaveThresholdMs
	}
	return NormalThresholdMs
}
