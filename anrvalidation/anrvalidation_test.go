package anrvalidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souleimagara/crashcore/internal/model"
)

type fakeOracle struct {
	powerSave   bool
	battery     float64
	networkLost bool
}

func (f fakeOracle) PowerSave() bool          { return f.powerSave }
func (f fakeOracle) BatteryFraction() float64 { return f.battery }
func (f fakeOracle) RecentNetworkLoss(_ time.Duration) bool {
	return f.networkLost
}

func TestValidate_backgroundAppRejected(t *testing.T) {
	e := New(fakeOracle{battery: 1})
	result := e.Validate(16000, model.ImportanceBackground, true)
	require.False(t, result.Valid)
	assert.Equal(t, ReasonBackgroundApp, result.Reason)
	assert.Equal(t, 99, result.Confidence)
}

func TestValidate_screenOffRejected(t *testing.T) {
	e := New(fakeOracle{battery: 1})
	result := e.Validate(16000, model.ImportanceForeground, false)
	require.False(t, result.Valid)
	assert.Equal(t, ReasonScreenOffAtDetect, result.Reason)
	assert.Equal(t, 95, result.Confidence)
}

func TestValidate_powerSaveRaisesThreshold(t *testing.T) {
	e := New(fakeOracle{powerSave: true, battery: 1})

	below := e.Validate(17000, model.ImportanceForeground, true)
	require.False(t, below.Valid)
	assert.Equal(t, ReasonBelowThreshold, below.Reason)
	assert.Equal(t, PowerSaveThresholdMs, below.Factors.AdjustedThresholdMs)

	above := e.Validate(21000, model.ImportanceForeground, true)
	require.True(t, above.Valid)
	assert.Equal(t, PowerSaveThresholdMs, above.Factors.AdjustedThresholdMs)
}

func TestValidate_lowBatteryRaisesThresholdEvenWithoutPowerSave(t *testing.T) {
	e := New(fakeOracle{battery: 0.03})
	result := e.Validate(17000, model.ImportanceForeground, true)
	require.False(t, result.Valid)
	assert.Equal(t, PowerSaveThresholdMs, result.Factors.AdjustedThresholdMs)
}

func TestValidate_recentNetworkLossRejectsShortBlock(t *testing.T) {
	e := New(fakeOracle{battery: 1, networkLost: true})
	result := e.Validate(19000, model.ImportanceForeground, true)
	require.False(t, result.Valid)
	assert.Equal(t, ReasonRecentNetworkLoss, result.Reason)
	assert.Equal(t, 85, result.Confidence)
}

func TestValidate_recentNetworkLossDoesNotRejectLongBlock(t *testing.T) {
	e := New(fakeOracle{battery: 1, networkLost: true})
	result := e.Validate(21000, model.ImportanceForeground, true)
	require.True(t, result.Valid)
}

func TestValidate_belowThresholdRejected(t *testing.T) {
	e := New(fakeOracle{battery: 1})
	result := e.Validate(10000, model.ImportanceForeground, true)
	require.False(t, result.Valid)
	assert.Equal(t, ReasonBelowThreshold, result.Reason)
	assert.Equal(t, 80, result.Confidence)
}

func TestValidate_fullyValidAccepted(t *testing.T) {
	e := New(fakeOracle{battery: 1})
	result := e.Validate(16000, model.ImportanceForeground, true)
	require.True(t, result.Valid)
	assert.Equal(t, 99, result.Confidence)
	assert.Equal(t, NormalThresholdMs, result.Factors.AdjustedThresholdMs)
}

func TestValidate_nilOracleDefaultsValid(t *testing.T) {
	e := New(nil)
	result := e.Validate(16000, model.ImportanceForeground, true)
	assert.True(t, result.Valid)
	assert.Equal(t, 50, result.Confidence)
}
