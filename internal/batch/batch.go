// Package batch groups jobs into small batches, flushed when a batch
// reaches MaxSize items or FlushInterval has elapsed since its first
// item. The Config shape (MaxSize/FlushInterval/MaxConcurrency) and the
// Close/Shutdown distinction follow the teacher's microbatch package;
// the accumulation itself is a mutex-guarded batch swap with one timer
// per open batch, not microbatch's job/batch channel handshake — see
// DESIGN.md. Retyped for crashcore's sender, whose jobs are crash
// records and whose processor sends a batch over HTTP.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type (
	// Config models optional Batcher configuration.
	Config struct {
		// MaxSize restricts the maximum number of jobs per batch, if positive.
		// Defaults to 10, matching spec.md §4.11's flush-at-10 trigger.
		MaxSize int

		// FlushInterval specifies the maximum duration before an incomplete
		// batch is flushed, if positive. Defaults to 60s, matching spec.md
		// §4.11's 60s flush trigger.
		FlushInterval time.Duration

		// MaxConcurrency specifies the maximum number of concurrent
		// Processor calls, if positive. Defaults to 1.
		MaxConcurrency int
	}

	// Processor runs a batch of jobs. Any returned error propagates to
	// every JobResult.Wait call for that batch.
	Processor[Job any] func(ctx context.Context, jobs []Job) error

	// Batcher accepts jobs, batching them into small groups for processing.
	// Must be constructed via New.
	Batcher[Job any] struct {
		processor      Processor[Job]
		maxSize        int
		flushInterval  time.Duration
		sem            chan struct{}
		ctx            context.Context
		cancel         context.CancelFunc

		mu      sync.Mutex
		current *batchState[Job]
		closed  bool

		wg sync.WaitGroup
	}

	batchState[Job any] struct {
		jobs []Job
		done chan struct{}
		err  error
	}

	// JobResult models a scheduled job; call Wait before reading any
	// result the Processor attached to Job.
	JobResult[Job any] struct {
		Job   Job
		batch *batchState[Job]
	}
)

var errClosed = errors.New("batch: batcher closed")

// New initializes a new Batcher. config may be nil. Panics if processor is
// nil, or config disables both MaxSize and FlushInterval.
func New[Job any](config *Config, processor Processor[Job]) *Batcher[Job] {
	if processor == nil {
		panic("batch: nil processor")
	}

	b := &Batcher[Job]{
		processor:     processor,
		maxSize:       10,
		flushInterval: 60 * time.Second,
		current:       newBatchState[Job](),
	}

	maxConcurrency := 1
	if config != nil {
		if config.MaxSize != 0 {
			b.maxSize = config.MaxSize
		}
		if config.FlushInterval != 0 {
			b.flushInterval = config.FlushInterval
		}
		if config.MaxConcurrency != 0 {
			maxConcurrency = config.MaxConcurrency
		}
	}

	if b.flushInterval <= 0 && b.maxSize <= 0 {
		panic("batch: one of MaxSize or FlushInterval must be specified")
	}

	b.sem = make(chan struct{}, maxConcurrency)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	return b
}

func newBatchState[Job any]() *batchState[Job] {
	return &batchState[Job]{done: make(chan struct{})}
}

// Submit schedules a job, returning an error if ctx is canceled, or the
// Batcher is stopped/closed. It appends to the currently open batch,
// arming a FlushInterval timer the first time a batch gains a job and
// triggering an immediate flush once MaxSize is reached.
func (b *Batcher[Job]) Submit(ctx context.Context, job Job) (*JobResult[Job], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed
	}

	batch := b.current
	batch.jobs = append(batch.jobs, job)
	full := b.maxSize > 0 && len(batch.jobs) >= b.maxSize
	justOpened := b.flushInterval > 0 && len(batch.jobs) == 1
	b.mu.Unlock()

	if justOpened {
		time.AfterFunc(b.flushInterval, func() { b.flush(batch) })
	}
	if full {
		b.flush(batch)
	}

	return &JobResult[Job]{Job: job, batch: batch}, nil
}

// flush swaps out batch for a fresh one and runs it, provided batch is
// still the open one (a size-triggered flush and an interval timer can
// race to flush the same batch; only the first wins) and it isn't empty
// (an interval timer can fire after a size flush already emptied it).
func (b *Batcher[Job]) flush(batch *batchState[Job]) {
	b.mu.Lock()
	if batch != b.current || len(batch.jobs) == 0 {
		b.mu.Unlock()
		return
	}
	b.current = newBatchState[Job]()
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runBatch(batch)
}

// runBatch waits for a concurrency slot (or Batcher cancellation), then
// invokes the Processor. A panicking Processor is recovered, recorded as
// batch's error, and does not take down the calling goroutine.
func (b *Batcher[Job]) runBatch(batch *batchState[Job]) {
	defer b.wg.Done()
	defer close(batch.done)
	defer func() {
		if r := recover(); r != nil {
			batch.err = fmt.Errorf("batch: panic in processor: %v", r)
		}
	}()

	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-b.ctx.Done():
		batch.err = b.ctx.Err()
		return
	}

	batch.err = b.processor(b.ctx, batch.jobs)
}

// Shutdown prevents further Submits, flushes whatever is currently
// queued, then waits for every in-flight batch to finish, or ctx to
// cancel (forcing the same immediate cancellation Close performs).
func (b *Batcher[Job]) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	batch := b.current
	b.mu.Unlock()

	if len(batch.jobs) > 0 {
		b.flush(batch)
	}

	waitDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		b.cancel()
		<-waitDone
		return ctx.Err()
	case <-waitDone:
		return nil
	}
}

// Close immediately cancels all in-flight and queued jobs and prevents
// further Submits.
func (b *Batcher[Job]) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

// Wait blocks until the job's batch has been processed.
func (r *JobResult[Job]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.batch.done:
		return r.batch.err
	}
}
