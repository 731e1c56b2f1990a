package crashcore

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souleimagara/crashcore/anrwatchdog"
)

func newTestOrchestrator(t *testing.T, srv *httptest.Server) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "base"), filepath.Join(dir, "cache"),
		WithDiskProbe(false),
		WithHTTPClient(srv.Client()),
		WithRetentionSweepInterval(time.Hour),
	)
}

func TestInitialize_idempotentAndReportsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv)
	assert.False(t, o.IsInitialized())

	require.NoError(t, o.Initialize(srv.URL, false))
	assert.True(t, o.IsInitialized())

	require.NoError(t, o.Initialize(srv.URL, false))

	count, err := o.PendingCrashCount()
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, o.Shutdown())
}

func TestHandleManagedException_persistsAndSends(t *testing.T) {
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		select {
		case done <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv)
	require.NoError(t, o.Initialize(srv.URL, false))
	defer o.Shutdown()

	o.HandleManagedException("com.app.BoomError", "kaboom", "at Foo.bar(Foo.java:12)", true, map[string]string{"k": "v"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected immediate send to reach the test server")
	}

	count, err := o.PendingCrashCount()
	require.NoError(t, err)
	assert.Zero(t, count, "a successfully sent record should be marked sent, not pending")
}

func TestHandleManagedException_beforeInitializeLogsAndDoesNotPanic(t *testing.T) {
	o := New(t.TempDir(), t.TempDir(), WithDiskProbe(false))
	assert.NotPanics(t, func() {
		o.HandleManagedException("com.app.Err", "msg", "stack", true, nil)
	})
}

func TestSetANRThreshold_appliesToRunningWatchdog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv)
	require.NoError(t, o.Initialize(srv.URL, true))
	defer o.Shutdown()

	require.NotNil(t, o.watchdog)
	o.SetANRThreshold(5000)
	assert.Equal(t, anrwatchdog.StateRunning, o.watchdog.State())
}

func TestPauseResumeANRDetection_noopWithoutWatchdog(t *testing.T) {
	o := New(t.TempDir(), t.TempDir(), WithDiskProbe(false))
	assert.NotPanics(t, func() {
		o.PauseANRDetection()
		o.ResumeANRDetection()
	})
}

func TestTriggerNativeCrash_rejectsOutOfRange(t *testing.T) {
	o := New(t.TempDir(), t.TempDir(), WithDiskProbe(false))
	assert.Error(t, o.TriggerNativeCrash(-1))
	assert.Error(t, o.TriggerNativeCrash(5))
}

func TestSendPendingCrashesNow_drainsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv)
	require.NoError(t, o.Initialize(srv.URL, false))
	defer o.Shutdown()

	o.HandleManagedException("com.app.Err1", "m1", "at A.b(A.java:1)", true, nil)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, o.SendPendingCrashesNow())

	count, err := o.PendingCrashCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}
