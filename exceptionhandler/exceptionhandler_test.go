package exceptionhandler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souleimagara/crashcore/breadcrumb"
	"github.com/souleimagara/crashcore/crashstore"
	"github.com/souleimagara/crashcore/devicestate"
	"github.com/souleimagara/crashcore/internal/model"
	"github.com/souleimagara/crashcore/startuploop"
)

type fakeSender struct {
	calls atomic.Int32
}

func (f *fakeSender) Process(_ context.Context, _ *model.CrashRecord) error {
	f.calls.Add(1)
	return nil
}

func newHandler(t *testing.T) (*Handler, *crashstore.Store, *fakeSender) {
	t.Helper()
	dir := t.TempDir()
	store, err := crashstore.Open(filepath.Join(dir, "crashes"))
	require.NoError(t, err)
	loop, err := startuploop.Open(filepath.Join(dir, "startup.json"))
	require.NoError(t, err)
	require.NoError(t, loop.MarkStarted())

	fs := &fakeSender{}
	h := New(Config{
		Store:       store,
		Oracle:      devicestate.New(devicestate.WithDiskProbe(false)),
		Breadcrumbs: breadcrumb.NewRing(),
		Context:     breadcrumb.NewContext(),
		Loop:        loop,
		Sender:      fs,
	})
	return h, store, fs
}

func TestRecover_persistsAndRepanics(t *testing.T) {
	h, store, fs := newHandler(t)

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			assert.Equal(t, "boom", r)
		}()
		defer h.Recover()
		panic("boom")
	}()

	names, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, names, 1)

	record, err := store.LoadFile(names[0])
	require.NoError(t, err)
	assert.Equal(t, "panic", record.ExceptionKind)
	assert.Equal(t, "boom", record.ExceptionMessage)
	assert.NotEmpty(t, record.Fingerprint)
	assert.True(t, record.Threads[0].Crashed)

	require.Eventually(t, func() bool { return fs.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandleManagedException_doesNotPanic(t *testing.T) {
	h, store, _ := newHandler(t)

	h.HandleManagedException("com.app.CustomError", "bridge failure", "at Foo.bar", true, map[string]string{"k": "v"})

	names, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, names, 1)

	record, err := store.LoadFile(names[0])
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, record.Severity)
	assert.Equal(t, "v", record.CustomData["k"])
}

func TestFinish_safetyBrakeSuppressesPersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := crashstore.Open(filepath.Join(dir, "crashes"))
	require.NoError(t, err)
	loop, err := startuploop.Open(filepath.Join(dir, "startup.json"))
	require.NoError(t, err)
	require.NoError(t, loop.MarkStarted())

	oracle := devicestate.New(devicestate.WithDiskProbe(false))
	h := New(Config{Store: store, Oracle: oracle, Loop: loop})

	// The brake trips once startup_crash_count reaches SafetyBrakeThreshold
	// *after* RecordCrash's own increment, so the (threshold-1) crashes
	// before that still persist; every crash from the threshold-th on is
	// suppressed.
	for i := 0; i < startuploop.SafetyBrakeThreshold+3; i++ {
		h.HandleManagedException("com.app.Err", "msg", "stack", true, nil)
	}

	names, err := store.ListPending()
	require.NoError(t, err)
	assert.Len(t, names, startuploop.SafetyBrakeThreshold-1, "safety brake should suppress persistence once tripped")
}
