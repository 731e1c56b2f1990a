package grouping

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/souleimagara/crashcore/internal/model"
)

func TestFingerprint_stableAcrossFileLine(t *testing.T) {
	a := Fingerprint("NullPointerException", []string{"com.app.Foo.bar(Foo.java:42)"})
	b := Fingerprint("NullPointerException", []string{"com.app.Foo.bar(Foo.java:99)"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprint_differsOnFrame(t *testing.T) {
	a := Fingerprint("NullPointerException", []string{"com.app.Foo.bar(Foo.java:42)"})
	b := Fingerprint("NullPointerException", []string{"com.app.Baz.qux(Baz.java:42)"})
	assert.NotEqual(t, a, b)
}

func TestIssueTitle(t *testing.T) {
	title := IssueTitle("com.app.NullPointerException", "com.app.Foo.bar(Foo.java:42)")
	assert.Equal(t, "NullPointerException at com.app.Foo.bar", title)
}

func TestSeverity_criticalPaths(t *testing.T) {
	assert.Equal(t, model.SeverityCritical, Severity(&model.CrashRecord{IsANR: true}, false))
	assert.Equal(t, model.SeverityCritical, Severity(&model.CrashRecord{ExceptionKind: "SIGSEGV"}, false))
	assert.Equal(t, model.SeverityCritical, Severity(&model.CrashRecord{}, true))
	assert.Equal(t, model.SeverityCritical, Severity(&model.CrashRecord{Native: &model.NativeCrashInfo{}}, false))
}

func TestSeverity_highAndMedium(t *testing.T) {
	assert.Equal(t, model.SeverityHigh, Severity(&model.CrashRecord{ExceptionKind: "NullPointerException"}, false))
	assert.Equal(t, model.SeverityMedium, Severity(&model.CrashRecord{ExceptionKind: "RuntimeException"}, false))
}

func TestScrub_redactsSecretsAndEmail(t *testing.T) {
	in := "password=hunter2 token: abc123 contact admin@example.com Authorization: Bearer abcDEF123"
	out := Scrub(in)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "admin@example.com")
	assert.Contains(t, out, "[REDACTED]")
}

func TestOptimize_capsAndStrips(t *testing.T) {
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, fmt.Sprintf("frame%d", i))
	}

	threads := make([]model.ThreadSnapshot, 10)
	for i := range threads {
		threads[i] = model.ThreadSnapshot{Name: fmt.Sprintf("t%d", i)}
	}
	threads[7].Crashed = true

	breadcrumbs := make([]model.Breadcrumb, 30)
	for i := range breadcrumbs {
		breadcrumbs[i].Message = "bc"
	}

	record := &model.CrashRecord{
		ExceptionMessage: "password=supersecret",
		StackTrace:       strings.Join(lines, "\n"),
		Threads:          threads,
		Breadcrumbs:      breadcrumbs,
		CustomData:       map[string]string{},
		RecentLogs:       []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"},
	}

	Optimize(record)

	assert.NotContains(t, record.ExceptionMessage, "supersecret")
	assert.LessOrEqual(t, len(strings.Split(record.StackTrace, "\n")), MaxStackLines+1)
	assert.LessOrEqual(t, len(record.Threads), MaxThreads)
	assert.True(t, record.Threads[0].Crashed)
	assert.LessOrEqual(t, len(record.Breadcrumbs), MaxBreadcrumbs)
	assert.LessOrEqual(t, len(record.RecentLogs), MaxEventTail)
	assert.Nil(t, record.CustomData)
}

func TestOptimize_stringTruncation(t *testing.T) {
	record := &model.CrashRecord{ExceptionMessage: strings.Repeat("x", 5000)}
	Optimize(record)
	assert.True(t, strings.HasSuffix(record.ExceptionMessage, truncatedSuffix))
	assert.LessOrEqual(t, len(record.ExceptionMessage), MaxStringLen+len(truncatedSuffix))
}

func TestOptimize_omitsZeroValueSnapshotsFromJSON(t *testing.T) {
	// An ANR record never populates Device/App/Memory/CPU/Process, and for
	// this test DeviceState/Network are left unset too: stripEmpty must
	// nil all seven pointers so omitempty actually drops them.
	record := &model.CrashRecord{
		Fingerprint: "fp-anr",
		IsANR:       true,
		Device:      &model.DeviceSnapshot{},
		App:         &model.AppSnapshot{},
		DeviceState: &model.DeviceStateSnapshot{},
		Network:     &model.NetworkSnapshot{},
		Memory:      &model.MemoryInfo{},
		CPU:         &model.CPUInfo{},
		Process:     &model.ProcessInfo{},
	}

	Optimize(record)

	assert.Nil(t, record.Device)
	assert.Nil(t, record.App)
	assert.Nil(t, record.DeviceState)
	assert.Nil(t, record.Network)
	assert.Nil(t, record.Memory)
	assert.Nil(t, record.CPU)
	assert.Nil(t, record.Process)

	raw, err := json.Marshal(record)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))

	for _, key := range []string{"device", "app", "deviceState", "network", "memory", "cpu", "process"} {
		_, present := fields[key]
		assert.False(t, present, "expected %q to be omitted from marshaled JSON, got %s", key, raw)
	}
}

func TestOptimize_keepsNonZeroSnapshotsInJSON(t *testing.T) {
	record := &model.CrashRecord{
		Fingerprint: "fp-populated",
		Device:      &model.DeviceSnapshot{Model: "Pixel"},
		App:         &model.AppSnapshot{PackageID: "com.app"},
	}

	Optimize(record)

	require.NotNil(t, record.Device)
	require.NotNil(t, record.App)

	raw, err := json.Marshal(record)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))

	assert.Contains(t, fields, "device")
	assert.Contains(t, fields, "app")
}

type fakeFPStore struct {
	recent map[string]bool
}

func (f *fakeFPStore) WasRecentlyReported(fp string) bool { return f.recent[fp] }
func (f *fakeFPStore) MarkAsReported(fp string) error {
	if f.recent == nil {
		f.recent = make(map[string]bool)
	}
	f.recent[fp] = true
	return nil
}

func TestDecider_persistentDuplicateIncrementOnly(t *testing.T) {
	store := &fakeFPStore{recent: map[string]bool{"fp1": true}}
	d := NewDecider(store, 1.0, rand.New(rand.NewSource(1)))
	record := &model.CrashRecord{Fingerprint: "fp1"}

	outcome, count := d.Decide(record)
	require.Equal(t, OutcomeIncrementOnly, outcome)
	assert.Equal(t, 1, count)

	outcome, count = d.Decide(record)
	require.Equal(t, OutcomeIncrementOnly, outcome)
	assert.Equal(t, 2, count)
}

func TestDecider_sessionDuplicateIncrementOnly(t *testing.T) {
	store := &fakeFPStore{}
	d := NewDecider(store, 1.0, rand.New(rand.NewSource(1)))
	record := &model.CrashRecord{Fingerprint: "fp2", Severity: model.SeverityCritical, IsANR: true}

	outcome, _ := d.Decide(record)
	require.Equal(t, OutcomeSendImmediately, outcome)

	outcome, count := d.Decide(record)
	require.Equal(t, OutcomeIncrementOnly, outcome)
	assert.Equal(t, 1, count)
}

func TestDecider_fatalSendsImmediately(t *testing.T) {
	store := &fakeFPStore{}
	d := NewDecider(store, 1.0, rand.New(rand.NewSource(1)))
	record := &model.CrashRecord{Fingerprint: "fp3", IsANR: true}
	outcome, _ := d.Decide(record)
	assert.Equal(t, OutcomeSendImmediately, outcome)
	assert.True(t, store.recent["fp3"])
}

func TestDecider_nonFatalBatchesWhenNotSampledOut(t *testing.T) {
	store := &fakeFPStore{}
	d := NewDecider(store, 1.0, rand.New(rand.NewSource(1)))
	record := &model.CrashRecord{Fingerprint: "fp4", ExceptionKind: "RuntimeException"}
	outcome, _ := d.Decide(record)
	assert.Equal(t, OutcomeAddToBatch, outcome)
}

func TestDecider_samplingBounds(t *testing.T) {
	store := &fakeFPStore{}
	const n = 2000
	const rate = 0.15
	rng := rand.New(rand.NewSource(42))
	d := NewDecider(store, rate, rng)

	sent := 0
	for i := 0; i < n; i++ {
		record := &model.CrashRecord{Fingerprint: fmt.Sprintf("fp-%d", i), ExceptionKind: "RuntimeException"}
		outcome, _ := d.Decide(record)
		if outcome == OutcomeAddToBatch {
			sent++
		}
	}

	expected := float64(n) * rate
	// seeded RNG property test: allow a generous +/-20% band around the
	// expected count rather than asserting an exact draw.
	assert.InDelta(t, expected, float64(sent), expected*0.2)
}
