// Package grouping implements Grouping & Cost Control (spec.md §4.10):
// fingerprint computation, issue title/severity assignment, the
// send-decision state machine (dedup/sample/batch/send), and payload
// optimization (size caps, empty-field stripping, secret scrubbing)
// applied to every outgoing crash record.
//
// No teacher package hashes or scrubs; the two-pass "rewrite an in-memory
// tree, then let the JSON encoder's omitempty drop what's left empty"
// approach is the one spec.md §9 itself recommends over reflection-based
// emission. See DESIGN.md.
package grouping

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/souleimagara/crashcore/internal/model"
)

// DefaultSampleRate is the fraction of non-fatal, non-duplicate crashes
// sent, per spec.md §4.10 step 3.
const DefaultSampleRate = 0.15

// Size caps applied by Optimize, per spec.md §4.10 "Payload optimization".
const (
	MaxStackLines    = 100
	MaxThreads       = 5
	MaxBreadcrumbs   = 20
	MaxEventTail     = 10
	MaxCustomKeys    = 20
	MaxStringLen     = 4000
	MaxMemoryDumpLen = 1000
)

const truncatedSuffix = "[truncated]"
const stackEllipsis = "\n... [truncated]"

// Outcome is the result of a Decide call, per spec.md §4.10 "Send decision".
type Outcome int

const (
	// OutcomeSkip means the record was sampled out: dropped deliberately.
	OutcomeSkip Outcome = iota
	// OutcomeIncrementOnly means a duplicate (persistent or in-session);
	// only an in-memory counter should be bumped.
	OutcomeIncrementOnly
	// OutcomeSendImmediately means the record is fatal and must be sent
	// without batching.
	OutcomeSendImmediately
	// OutcomeAddToBatch means the record is non-fatal but must be
	// reported; it may be queued for batched send.
	OutcomeAddToBatch
)

// FingerprintStore is the subset of fingerprintstore.Store the decision
// step needs.
type FingerprintStore interface {
	WasRecentlyReported(fp string) bool
	MarkAsReported(fp string) error
}

// Decider tracks per-session fingerprint state and applies the send
// decision, per spec.md §4.10.
type Decider struct {
	store      FingerprintStore
	sampleRate float64
	rng        *rand.Rand

	mu            sync.Mutex
	sessionSeen   map[string]bool
	sessionCounts map[string]int
}

// NewDecider constructs a Decider. sampleRate must be in [0,1]; zero or
// negative falls back to DefaultSampleRate. rng may be nil to use a
// process-default source; tests should inject a seeded *rand.Rand for
// property testing (spec.md §8 item 4).
func NewDecider(store FingerprintStore, sampleRate float64, rng *rand.Rand) *Decider {
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = DefaultSampleRate
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Decider{
		store:         store,
		sampleRate:    sampleRate,
		rng:           rng,
		sessionSeen:   make(map[string]bool),
		sessionCounts: make(map[string]int),
	}
}

// Decide applies the five-step decision in spec.md §4.10 to a record that
// has already had its fingerprint computed. It returns the outcome and,
// for OutcomeIncrementOnly, the updated in-session occurrence count.
func (d *Decider) Decide(record *model.CrashRecord) (Outcome, int) {
	fp := record.Fingerprint

	if d.store != nil && d.store.WasRecentlyReported(fp) {
		return OutcomeIncrementOnly, d.incrementLocked(fp)
	}

	d.mu.Lock()
	seen := d.sessionSeen[fp]
	d.mu.Unlock()
	if seen {
		return OutcomeIncrementOnly, d.incrementLocked(fp)
	}

	fatal := record.Fatal()
	if !fatal && d.rng.Float64() < (1-d.sampleRate) {
		return OutcomeSkip, 0
	}

	d.mu.Lock()
	d.sessionSeen[fp] = true
	d.mu.Unlock()
	if d.store != nil {
		_ = d.store.MarkAsReported(fp)
	}

	if fatal {
		return OutcomeSendImmediately, 0
	}
	return OutcomeAddToBatch, 0
}

func (d *Decider) incrementLocked(fp string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionCounts[fp]++
	return d.sessionCounts[fp]
}

// ResetSession clears in-session fingerprint/count tracking. Intended for
// tests that simulate crossing a session boundary.
func (d *Decider) ResetSession() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionSeen = make(map[string]bool)
	d.sessionCounts = make(map[string]int)
}

// Fingerprint computes the 16-hex-character fingerprint named in spec.md
// §4.10: SHA-256 of "<exceptionKind>|<frame1>|...|<frame5>", leading 8
// bytes, hex-encoded. frames should already be normalized to
// "class.method" form (file:line stripped) by the caller.
func Fingerprint(exceptionKind string, frames []string) string {
	top := frames
	if len(top) > 5 {
		top = top[:5]
	}

	h := sha256.New()
	h.Write([]byte(exceptionKind))
	for _, f := range top {
		h.Write([]byte{'|'})
		h.Write([]byte(normalizeFrame(f)))
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// frameLocRe strips a trailing "(file:line)" or ":line" suffix from a
// stack frame string, keeping only class+method.
var frameLocRe = regexp.MustCompile(`\s*\([^)]*:\d+\)\s*$|:\d+$`)

func normalizeFrame(frame string) string {
	return frameLocRe.ReplaceAllString(strings.TrimSpace(frame), "")
}

// IssueTitle builds the "<TypeName> at <TopFrame>" title spec.md §4.10
// names, where TypeName is the last dotted segment of exceptionKind.
func IssueTitle(exceptionKind string, topFrame string) string {
	typeName := exceptionKind
	if idx := strings.LastIndex(exceptionKind, "."); idx >= 0 {
		typeName = exceptionKind[idx+1:]
	}
	if topFrame == "" {
		return typeName
	}
	return typeName + " at " + normalizeFrame(topFrame)
}

// nullFamilyKinds and illegalStateFamilyKinds list the exception-kind
// substrings that route to Severity High, per spec.md §4.10.
var (
	nullFamilyKinds         = []string{"NullPointer", "NullReference", "Nil"}
	illegalStateFamilyKinds = []string{"IllegalState", "InvalidOperation"}
)

// Severity computes the record's severity per spec.md §4.10. crashedOnUI
// reports whether the crashing thread is the UI-equivalent thread.
func Severity(record *model.CrashRecord, crashedOnUI bool) model.Severity {
	if crashedOnUI ||
		record.Native != nil ||
		strings.HasPrefix(record.ExceptionKind, "SIG") ||
		record.ExceptionKind == "OutOfMemoryError" ||
		record.IsANR ||
		record.Severity == model.SeverityCritical {
		return model.SeverityCritical
	}
	for _, k := range nullFamilyKinds {
		if strings.Contains(record.ExceptionKind, k) {
			return model.SeverityHigh
		}
	}
	for _, k := range illegalStateFamilyKinds {
		if strings.Contains(record.ExceptionKind, k) {
			return model.SeverityHigh
		}
	}
	return model.SeverityMedium
}

// Classify fills Fingerprint, IssueTitle, and Severity on record in
// place, using frames (top stack frames, most-recent first) and whether
// the record crashed on the UI-equivalent thread.
func Classify(record *model.CrashRecord, frames []string, crashedOnUI bool) {
	record.Fingerprint = Fingerprint(record.ExceptionKind, frames)
	var top string
	if len(frames) > 0 {
		top = frames[0]
	}
	record.IssueTitle = IssueTitle(record.ExceptionKind, top)
	record.Severity = Severity(record, crashedOnUI)
}

// secretPatterns match values that look like a credential assignment
// (password/secret/token/api-key/auth = value), a bearer auth header, or
// an email address, per spec.md §4.10 "Regex scrubbing".
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|secret|token|api[-_]?key|auth)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
}

// Scrub replaces every match of the defined secret/email patterns in s
// with "[REDACTED]".
func Scrub(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func truncateString(s string) string {
	s = Scrub(s)
	if len(s) <= MaxStringLen {
		return s
	}
	return s[:MaxStringLen] + truncatedSuffix
}

func capStackTrace(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= MaxStackLines {
		return truncateString(s)
	}
	return truncateString(strings.Join(lines[:MaxStackLines], "\n") + stackEllipsis)
}

// Optimize applies every payload-shrink rule from spec.md §4.10 to
// record in place: size caps, scrubbing, and removal of empty fields the
// struct-level omitempty tags can't reach (zero-value snapshot structs,
// empty slices and maps). Slices whose entries are all zero values are
// kept as they are. It is a pure, panic-free transform —
// see SPEC_FULL.md §5 on the now-moot "skip on optimization failure"
// open question.
func Optimize(record *model.CrashRecord) {
	record.ExceptionMessage = truncateString(record.ExceptionMessage)
	record.StackTrace = capStackTrace(record.StackTrace)

	record.Threads = capThreads(record.Threads)
	for i := range record.Threads {
		record.Threads[i].StackTrace = capStackTrace(record.Threads[i].StackTrace)
	}

	if len(record.Breadcrumbs) > MaxBreadcrumbs {
		record.Breadcrumbs = record.Breadcrumbs[len(record.Breadcrumbs)-MaxBreadcrumbs:]
	}
	for i := range record.Breadcrumbs {
		record.Breadcrumbs[i].Message = truncateString(record.Breadcrumbs[i].Message)
		for k, v := range record.Breadcrumbs[i].Data {
			record.Breadcrumbs[i].Data[k] = truncateString(v)
		}
	}

	if len(record.RecentLogs) > MaxEventTail {
		record.RecentLogs = record.RecentLogs[len(record.RecentLogs)-MaxEventTail:]
	}
	if len(record.MemoryEvents) > MaxEventTail {
		record.MemoryEvents = record.MemoryEvents[len(record.MemoryEvents)-MaxEventTail:]
	}
	if len(record.NetworkEvents) > MaxEventTail {
		record.NetworkEvents = record.NetworkEvents[len(record.NetworkEvents)-MaxEventTail:]
	}

	if len(record.CustomData) > MaxCustomKeys {
		record.CustomData = capMap(record.CustomData, MaxCustomKeys)
	}
	for k, v := range record.CustomData {
		record.CustomData[k] = truncateString(v)
	}

	if record.Native != nil {
		record.Native.MemoryDump = capMemoryDump(record.Native.MemoryDump)
	}

	record.ExceptionKind = Scrub(record.ExceptionKind)
	record.IssueTitle = Scrub(record.IssueTitle)

	stripEmpty(record)
}

// capThreads caps the thread list at MaxThreads, always keeping the
// crashing thread first, then prioritizing "main"/"ui" next — per
// spec.md §4.10.
func capThreads(threads []model.ThreadSnapshot) []model.ThreadSnapshot {
	if len(threads) <= MaxThreads {
		return threads
	}

	var crashing []model.ThreadSnapshot
	var main []model.ThreadSnapshot
	var rest []model.ThreadSnapshot
	for _, th := range threads {
		switch {
		case th.Crashed:
			crashing = append(crashing, th)
		case th.Name == "main" || th.Name == "ui":
			main = append(main, th)
		default:
			rest = append(rest, th)
		}
	}

	out := make([]model.ThreadSnapshot, 0, MaxThreads)
	out = append(out, crashing...)
	out = append(out, main...)
	out = append(out, rest...)
	if len(out) > MaxThreads {
		out = out[:MaxThreads]
	}
	return out
}

func capMap(m map[string]string, max int) map[string]string {
	if len(m) <= max {
		return m
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, max)
	for _, k := range keys[:max] {
		out[k] = m[k]
	}
	return out
}

func capMemoryDump(dump string) string {
	if len(dump) <= MaxMemoryDumpLen {
		return dump
	}
	return dump[:MaxMemoryDumpLen]
}

// stripEmpty removes empty nested structs from the serialized form by
// zeroing fields whose presence would otherwise serialize as an empty
// object/array — the recursive half of spec.md §4.10's "null, empty-
// string, empty-array, empty-object fields removed" rule that struct
// tags alone (the shallow half) cannot express, since Go's encoding/json
// omitempty does not consider a struct "empty" the way it does a slice
// or map.
func stripEmpty(record *model.CrashRecord) {
	if record.Device != nil && *record.Device == (model.DeviceSnapshot{}) {
		record.Device = nil
	}
	if record.App != nil && *record.App == (model.AppSnapshot{}) {
		record.App = nil
	}
	if record.DeviceState != nil && *record.DeviceState == (model.DeviceStateSnapshot{}) {
		record.DeviceState = nil
	}
	if record.Network != nil && *record.Network == (model.NetworkSnapshot{}) {
		record.Network = nil
	}
	if record.Memory != nil && *record.Memory == (model.MemoryInfo{}) {
		record.Memory = nil
	}
	if record.CPU != nil && *record.CPU == (model.CPUInfo{}) {
		record.CPU = nil
	}
	if record.Process != nil && *record.Process == (model.ProcessInfo{}) {
		record.Process = nil
	}
	if len(record.Threads) == 0 {
		record.Threads = nil
	}
	if len(record.Breadcrumbs) == 0 {
		record.Breadcrumbs = nil
	}
	if len(record.MemoryEvents) == 0 {
		record.MemoryEvents = nil
	}
	if len(record.NetworkEvents) == 0 {
		record.NetworkEvents = nil
	}
	if len(record.CustomData) == 0 {
		record.CustomData = nil
	}
	if len(record.RecentLogs) == 0 {
		record.RecentLogs = nil
	}
	if record.Native != nil && record.Native.SignalName == "" && record.Native.FaultAddress == "" &&
		len(record.Native.Registers) == 0 && record.Native.MemoryDump == "" {
		record.Native = nil
	}
}
