// Package sender implements the Sender (spec.md §4.11): the send-decision
// entry point, the HTTP transport with fixed exponential backoff, the
// bounded batch queue, and the throttled send_all_pending resend loop.
//
// Grounded on internal/batch (adapted from the teacher's microbatch) for
// the bounded flush queue, and internal/ratelimit (adapted from the
// teacher's catrate) for the resend throttle. The HTTP client shape
// itself (explicit timeouts, a fixed header set) follows no single
// teacher file — no package in the pack performs outbound HTTP — and is
// plain net/http idiom. See DESIGN.md.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/souleimagara/crashcore/grouping"
	"github.com/souleimagara/crashcore/internal/batch"
	"github.com/souleimagara/crashcore/internal/crashlog"
	"github.com/souleimagara/crashcore/internal/model"
	"github.com/souleimagara/crashcore/internal/ratelimit"
)

// UserAgent is the stable User-Agent header sent with every request.
const UserAgent = "crashcore/1 (+https://github.com/souleimagara/crashcore)"

// BackoffSchedule is the fixed retry schedule named in spec.md §4.11:
// 5s, 10s, 20s, 40s, capped at 60s, up to 3 retries (4 attempts total).
// A considered-but-dropped alternative (github.com/cenkalti/backoff/v5)
// is documented in DESIGN.md: this schedule is small and fully specified,
// so a general backoff-policy library buys nothing a 4-element table
// doesn't already have.
var BackoffSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
}

// MaxAttempts is the total number of send attempts per record (the
// initial attempt plus up to 3 retries), per spec.md §4.11.
const MaxAttempts = 4

// CrashStore is the subset of crashstore.Store the Sender needs.
type CrashStore interface {
	MarkSent(id uuid.UUID) (bool, error)
	ListPending() ([]string, error)
	LoadFile(name string) (*model.CrashRecord, error)
}

// Decider is the subset of grouping.Decider the Sender drives.
type Decider interface {
	Decide(record *model.CrashRecord) (grouping.Outcome, int)
}

// Config configures a Sender.
type Config struct {
	Endpoint   string
	HTTPClient *http.Client
	Batch      *batch.Config
}

// pendingQueueSize is the hard cap spec.md §4.11 puts on the batch queue:
// "size-bounded at 100 (oldest drops, logged)".
const pendingQueueSize = 100

// pendingQueue is a fixed-capacity FIFO of records awaiting hand-off to
// the batcher, generalizing breadcrumb.Ring's overwrite-oldest insert
// from model.Breadcrumb to *model.CrashRecord.
type pendingQueue struct {
	mu   sync.Mutex
	buf  []*model.CrashRecord
	head int
	size int
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{buf: make([]*model.CrashRecord, pendingQueueSize)}
}

// push appends record, evicting and returning the oldest queued record
// if the queue was already full.
func (q *pendingQueue) push(record *model.CrashRecord) (evicted *model.CrashRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size < len(q.buf) {
		q.buf[(q.head+q.size)%len(q.buf)] = record
		q.size++
		return nil
	}

	evicted = q.buf[q.head]
	q.buf[q.head] = record
	q.head = (q.head + 1) % len(q.buf)
	return evicted
}

// pop removes and returns the oldest queued record, or nil if empty.
func (q *pendingQueue) pop() *model.CrashRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	record := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return record
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Sender implements spec.md §4.11.
type Sender struct {
	endpoint string
	client   *http.Client
	decider  Decider
	store    CrashStore
	batchCfg *batch.Config
	queue    *pendingQueue

	batchMu sync.RWMutex
	batcher *batch.Batcher[*model.CrashRecord]
}

// New constructs a Sender. decider applies the dedup/sample/fatal
// decision (spec.md §4.10); crashStore is the Crash Store used for
// mark-sent and pending enumeration.
func New(cfg Config, decider Decider, crashStore CrashStore) *Sender {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	s := &Sender{
		endpoint: cfg.Endpoint,
		client:   client,
		decider:  decider,
		store:    crashStore,
		batchCfg: cfg.Batch,
		queue:    newPendingQueue(),
	}
	s.batcher = batch.New(cfg.Batch, s.sendBatch)
	return s
}

// Process applies the send decision to record (spec.md §4.11's
// "process(record)"), then acts on the outcome: increments a counter,
// drops silently, enqueues, or sends immediately.
func (s *Sender) Process(ctx context.Context, record *model.CrashRecord) error {
	outcome, count := s.decider.Decide(record)
	log := crashlog.For("sender")

	switch outcome {
	case grouping.OutcomeSkip:
		log.Debug().Str("fingerprint", record.Fingerprint).Msg("sampled out")
		return nil
	case grouping.OutcomeIncrementOnly:
		log.Debug().Str("fingerprint", record.Fingerprint).Int("count", count).Msg("duplicate fingerprint")
		return nil
	case grouping.OutcomeSendImmediately:
		return s.Send(ctx, record)
	case grouping.OutcomeAddToBatch:
		return s.addToBatch(ctx, record)
	default:
		return fmt.Errorf("sender: unknown outcome %v", outcome)
	}
}

// addToBatch submits record to the bounded batch queue (spec.md §4.11's
// size-100, flush-at-10-or-60s queue). record first passes through
// s.queue, a fixed-100 ring that evicts and logs the oldest entry when
// full, satisfying "size-bounded at 100 (oldest drops, logged)"
// independently of the batcher's own size-10 flush trigger; everything
// the ring accepts is then handed to the batcher, which groups it into
// the actual HTTP flush.
func (s *Sender) addToBatch(ctx context.Context, record *model.CrashRecord) error {
	if evicted := s.queue.push(record); evicted != nil {
		crashlog.For("sender").Warn().Str("fingerprint", evicted.Fingerprint).Msg("batch queue full (100), dropping oldest pending crash")
	}

	s.batchMu.RLock()
	b := s.batcher
	s.batchMu.RUnlock()

	for {
		next := s.queue.pop()
		if next == nil {
			return nil
		}
		if _, err := b.Submit(ctx, next); err != nil {
			crashlog.For("sender").Warn().Err(err).Str("fingerprint", next.Fingerprint).Msg("batch queue unavailable, dropping")
		}
	}
}

// sendBatch is the batch.Processor backing s.batcher: it sends every
// item in the batch individually, preserving FIFO order within the
// flush, per spec.md §4.11 "Flush sends items individually."
func (s *Sender) sendBatch(ctx context.Context, jobs []*model.CrashRecord) error {
	for _, record := range jobs {
		if err := s.Send(ctx, record); err != nil {
			crashlog.For("sender").Warn().Err(err).Str("fingerprint", record.Fingerprint).Msg("batched send failed")
		}
	}
	return nil
}

// Send re-applies payload optimization, then POSTs record to
// <endpoint>/api/crashes with retry on failure per BackoffSchedule. On
// any 2xx response, marks the record sent in the Crash Store.
func (s *Sender) Send(ctx context.Context, record *model.CrashRecord) error {
	grouping.Optimize(record)

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sender: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := BackoffSchedule[attempt-1]
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := s.post(ctx, body, record); err != nil {
			lastErr = err
			crashlog.For("sender").Warn().Err(err).Str("fingerprint", record.Fingerprint).Msg("send attempt failed")
			continue
		}

		if s.store != nil {
			if _, err := s.store.MarkSent(record.ID); err != nil {
				crashlog.For("sender").Warn().Err(err).Str("id", record.ID.String()).Msg("mark-sent failed")
			}
		}
		return nil
	}

	return fmt.Errorf("sender: all attempts failed: %w", lastErr)
}

func (s *Sender) post(ctx context.Context, body []byte, record *model.CrashRecord) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/crashes", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sender: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Crash-Fingerprint", record.Fingerprint)
	req.Header.Set("X-Crash-Severity", string(record.Severity))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sender: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sender: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FlushBatch forces the current batch to send immediately rather than
// waiting for the size/interval trigger, by shutting down and replacing
// the batcher. Used by Orchestrator.SendPendingCrashesNow.
func (s *Sender) FlushBatch(ctx context.Context) error {
	s.batchMu.Lock()
	old := s.batcher
	s.batcher = batch.New(s.batchCfg, s.sendBatch)
	s.batchMu.Unlock()

	return old.Shutdown(ctx)
}

const resendCategory = "resend"

// SendAllPending iterates pending/ in filesystem order, running each
// record through Process (so persisted crashes still go through dedup
// and sampling on resend, per spec.md §4.11), throttled so consecutive
// items are at least one minute / maxPerMinute apart (at most
// maxPerMinute items per minute) via internal/ratelimit — the same
// sliding-window limiter the ANR Watchdog uses for its report cooldown
// (spec.md §4.8), configured here as a single "resend" category that
// admits one item per spacing window.
func (s *Sender) SendAllPending(ctx context.Context, maxPerMinute int) error {
	if maxPerMinute <= 0 {
		maxPerMinute = 10
	}

	names, err := s.store.ListPending()
	if err != nil {
		return fmt.Errorf("sender: list pending: %w", err)
	}

	limiter := ratelimit.NewLimiter(map[time.Duration]int{time.Minute / time.Duration(maxPerMinute): 1})

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for {
			retryAt, ok := limiter.Allow(resendCategory)
			if ok {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Until(retryAt)):
			}
		}

		record, err := s.store.LoadFile(name)
		if err != nil {
			crashlog.For("sender").Warn().Err(err).Str("file", name).Msg("failed to load pending crash, skipping")
			continue
		}

		if err := s.Process(ctx, record); err != nil {
			crashlog.For("sender").Warn().Err(err).Str("file", name).Msg("resend failed")
		}
	}
	return nil
}

// Shutdown stops the batch queue, letting in-flight flushes finish
// best-effort within ctx.
func (s *Sender) Shutdown(ctx context.Context) error {
	s.batchMu.RLock()
	b := s.batcher
	s.batchMu.RUnlock()
	return b.Shutdown(ctx)
}
