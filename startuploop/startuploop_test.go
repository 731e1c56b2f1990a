package startuploop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_missingFileStartsFresh(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "startup.json"))
	require.NoError(t, err)
	assert.False(t, d.DidCrashOnStartup())
	assert.Equal(t, 0, d.StartupCrashCount())
}

func TestMarkStarted_thenCrash_isDetectedAsStartupCrashOnNextSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.MarkStarted())
	// crash without ever reaching mark_initialized
	require.NoError(t, d.RecordCrash())

	d2, err := Open(path)
	require.NoError(t, err)
	assert.True(t, d2.DidCrashOnStartup())
	assert.Equal(t, 1, d2.StartupCrashCount())
}

func TestMarkInitialized_clearsAppStartedForNextSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.MarkStarted())
	require.NoError(t, d.MarkInitialized())

	d2, err := Open(path)
	require.NoError(t, err)
	assert.False(t, d2.DidCrashOnStartup())
}

func TestRecordCrash_outsideStartupWindowDoesNotIncrementCounter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.MarkStarted())

	timeNow = func() time.Time { return base.Add(StartupWindow + time.Second) }
	require.NoError(t, d.RecordCrash())

	assert.Equal(t, 0, d.StartupCrashCount())
}

func TestIsInCrashLoop_tripsAtThresholdWithinWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.MarkStarted())

	for i := 0; i < LoopThreshold; i++ {
		require.NoError(t, d.RecordCrash())
	}
	assert.True(t, d.IsInCrashLoop())
}

func TestIsInCrashLoop_staleWindowReportsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.MarkStarted())
	for i := 0; i < LoopThreshold; i++ {
		require.NoError(t, d.RecordCrash())
	}

	timeNow = func() time.Time { return base.Add(LoopWindow + time.Second) }
	assert.False(t, d.IsInCrashLoop())
	assert.Equal(t, 0, d.StartupCrashCount(), "crossing the loop window should reset the counter, per spec.md's is_in_crash_loop side effect")

	d2, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, d2.StartupCrashCount(), "the reset must be persisted, not just in-memory")
}

func TestResetCrashCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.MarkStarted())
	require.NoError(t, d.RecordCrash())
	require.NotEqual(t, 0, d.StartupCrashCount())

	require.NoError(t, d.ResetCrashCount())
	assert.Equal(t, 0, d.StartupCrashCount())
}

func TestSafetyBrakeTripped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")

	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.MarkStarted())
	for i := 0; i < SafetyBrakeThreshold; i++ {
		require.NoError(t, d.RecordCrash())
	}

	assert.True(t, d.SafetyBrakeTripped(30*time.Second))
	assert.False(t, d.SafetyBrakeTripped(2*time.Minute))
}

func TestOpen_corruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "startup.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	d, err := Open(path)
	require.NoError(t, err)
	assert.False(t, d.DidCrashOnStartup())
}
