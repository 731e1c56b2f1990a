package anrwatchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souleimagara/crashcore/internal/model"
)

type fakeOracle struct {
	importance model.ProcessImportance
	screenOn   bool
	powerSave  bool
	battery    float64
}

func (f fakeOracle) PowerSave() bool                            { return f.powerSave }
func (f fakeOracle) BatteryFraction() float64                   { return f.battery }
func (f fakeOracle) ProcessImportance() model.ProcessImportance { return f.importance }
func (f fakeOracle) ScreenOn() bool                              { return f.screenOn }

type fixedValidator struct {
	result model.ANRValidation
}

func (v fixedValidator) Validate(int64, model.ProcessImportance, bool) model.ANRValidation {
	return v.result
}

type recordingReporter struct {
	mu      sync.Mutex
	records []*model.CrashRecord
}

func (r *recordingReporter) ReportANR(record *model.CrashRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func TestTick_reportsWhenBlockedPastThreshold(t *testing.T) {
	oracle := fakeOracle{importance: model.ImportanceForeground, screenOn: true, battery: 1}
	validator := fixedValidator{result: model.ANRValidation{Valid: true, Confidence: 99}}
	reporter := &recordingReporter{}

	w := New(oracle, validator, reporter, nil)
	w.state = StateRunning
	w.lastPingAt = timeNow().Add(-16 * time.Second).UnixNano()

	w.tick()

	require.Equal(t, 1, reporter.count())
	assert.True(t, reporter.records[0].IsANR)
	assert.Equal(t, model.SeverityCritical, reporter.records[0].Severity)
}

func TestTick_doesNotReportBelowThreshold(t *testing.T) {
	oracle := fakeOracle{importance: model.ImportanceForeground, screenOn: true, battery: 1}
	validator := fixedValidator{result: model.ANRValidation{Valid: true, Confidence: 99}}
	reporter := &recordingReporter{}

	w := New(oracle, validator, reporter, nil)
	w.state = StateRunning
	w.lastPingAt = timeNow().Add(-5 * time.Second).UnixNano()

	w.tick()

	assert.Equal(t, 0, reporter.count())
}

func TestTick_rejectedValidationDoesNotReport(t *testing.T) {
	oracle := fakeOracle{importance: model.ImportanceBackground, screenOn: true, battery: 1}
	validator := fixedValidator{result: model.ANRValidation{Valid: false, Reason: "BACKGROUND_APP"}}
	reporter := &recordingReporter{}

	w := New(oracle, validator, reporter, nil)
	w.state = StateRunning
	w.lastPingAt = timeNow().Add(-16 * time.Second).UnixNano()

	w.tick()

	assert.Equal(t, 0, reporter.count())
}

func TestTick_cooldownSuppressesSecondReport(t *testing.T) {
	oracle := fakeOracle{importance: model.ImportanceForeground, screenOn: true, battery: 1}
	validator := fixedValidator{result: model.ANRValidation{Valid: true, Confidence: 99}}
	reporter := &recordingReporter{}

	w := New(oracle, validator, reporter, nil)
	w.state = StateRunning
	w.lastPingAt = timeNow().Add(-16 * time.Second).UnixNano()

	w.tick()
	require.Equal(t, 1, reporter.count())

	w.lastPingAt = timeNow().Add(-16 * time.Second).UnixNano()
	w.tick()
	assert.Equal(t, 1, reporter.count(), "cooldown should suppress a second report within 30s")
}

func TestPauseResume_doesNotAdvancePingUntilResume(t *testing.T) {
	oracle := fakeOracle{importance: model.ImportanceForeground, screenOn: true, battery: 1}
	validator := fixedValidator{result: model.ANRValidation{Valid: true, Confidence: 99}}
	reporter := &recordingReporter{}

	w := New(oracle, validator, reporter, nil)
	w.Start()
	defer w.Stop()

	w.mu.Lock()
	primed := w.lastPingAt
	w.mu.Unlock()

	w.Pause()
	assert.Equal(t, StatePaused, w.State())

	time.Sleep(10 * time.Millisecond)
	w.mu.Lock()
	assert.Equal(t, primed, w.lastPingAt, "pausing must not advance last ping")
	w.mu.Unlock()

	w.Resume()
	assert.Equal(t, StateRunning, w.State())
	w.mu.Lock()
	assert.Greater(t, w.lastPingAt, primed, "resuming re-primes last ping")
	w.mu.Unlock()
}

func TestStartStop_transitionsState(t *testing.T) {
	w := New(fakeOracle{}, fixedValidator{}, &recordingReporter{}, nil)
	assert.Equal(t, StateStopped, w.State())
	w.Start()
	assert.Equal(t, StateRunning, w.State())
	w.Stop()
	assert.Equal(t, StateStopped, w.State())
}

func TestAdjustedInterval_powerSave(t *testing.T) {
	w := New(fakeOracle{powerSave: true}, fixedValidator{}, &recordingReporter{}, nil)
	assert.Equal(t, PowerSaveInterval, w.adjustedInterval())

	w2 := New(fakeOracle{battery: 1}, fixedValidator{}, &recordingReporter{}, nil)
	assert.Equal(t, NormalInterval, w2.adjustedInterval())
}

func TestSetThreshold_overridesBothIntervals(t *testing.T) {
	w := New(fakeOracle{battery: 1}, fixedValidator{}, &recordingReporter{}, nil)
	w.SetThreshold(5000)

	assert.Equal(t, 5*time.Second, w.adjustedInterval())

	w2 := New(fakeOracle{powerSave: true}, fixedValidator{}, &recordingReporter{}, nil)
	w2.SetThreshold(5000)
	assert.Equal(t, 10*time.Second, w2.adjustedInterval())
}
