// Package batch buffers consumed events and flushes them into the persistent
// store on a size-or-time trigger, with bounded retry on transient failure.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relayline-systems/relayline/internal/metrics"
	"github.com/relayline-systems/relayline/internal/store"
	"github.com/relayline-systems/relayline/pkg/logging"
)

// ErrBufferFull is returned by Ingest when the buffer hit its hard cap, which
// happens when the store stays down long enough for flushes to back up. The
// caller treats it as retryable backpressure and pauses consumption.
var ErrBufferFull = errors.New("ingest buffer full")

// Options tunes the accumulator.
type Options struct {
	// Size is the flush threshold: reaching it triggers an immediate flush.
	Size int

	// MaxBuffered is the hard cap after which Ingest fails retryably.
	MaxBuffered int

	// Interval is the timer-driven flush period, so low-traffic periods still
	// persist promptly.
	Interval time.Duration

	// Retries is how many times a failed bulk write is retried before the
	// batch is escalated as fatal.
	Retries int

	// RetryBackoff is the base delay between retries, scaled linearly per
	// attempt.
	RetryBackoff time.Duration

	// OnFatal is called with the batch when retries are exhausted. The batch
	// is never silently discarded: if OnFatal is nil the escalation is logged
	// at error level.
	OnFatal func(err error, records []store.Record)
}

// Accumulator is a single FIFO buffer between the durable consumer and the
// persistent store. Flush order equals ingestion order. The buffer is swapped,
// never mutated in place, so a flush in progress cannot lose or duplicate an
// event arriving concurrently.
type Accumulator struct {
	store store.Store
	opts  Options
	log   *logging.Logger

	mu  sync.Mutex
	buf []store.Record

	// flushMu serializes flushes so the timer-driven and size-driven paths
	// cannot clear the buffer concurrently.
	flushMu sync.Mutex

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an accumulator writing to st. Call Start to arm the flush timer.
func New(st store.Store, opts Options, log *logging.Logger) *Accumulator {
	if log == nil {
		log = logging.Default()
	}
	if opts.Size <= 0 {
		opts.Size = 100
	}
	if opts.MaxBuffered < opts.Size {
		opts.MaxBuffered = opts.Size * 100
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Accumulator{
		store: st,
		opts:  opts,
		log:   log.With(logging.Component("batch")),
		buf:   make([]store.Record, 0, opts.Size),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Ingest appends one event to the buffer. Reaching the size threshold triggers
// an immediate flush; hitting the hard cap fails with ErrBufferFull. Ingest
// succeeds even while a flush is failing, as long as the cap is not hit.
func (a *Accumulator) Ingest(ctx context.Context, key, text string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	if len(a.buf) >= a.opts.MaxBuffered {
		a.mu.Unlock()
		return fmt.Errorf("%w (%d events)", ErrBufferFull, a.opts.MaxBuffered)
	}
	a.buf = append(a.buf, store.Record{DedupeKey: key, Text: text, ReceivedAt: ts})
	n := len(a.buf)
	a.mu.Unlock()

	metrics.BufferDepth.Set(float64(n))
	if n >= a.opts.Size {
		a.triggerFlush()
	}
	return nil
}

// triggerFlush signals the background loop without blocking; a pending signal
// already covers this trigger.
func (a *Accumulator) triggerFlush() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Start runs the flush loop until Close is called. The timer fires regardless
// of buffer size; an empty buffer produces no write.
func (a *Accumulator) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-a.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-a.kick:
			}
			if err := a.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("flush escalated", logging.Error(err))
			}
		}
	}()
}

// Flush swaps the buffer for a fresh one and bulk-writes the swapped-out
// records, retrying a bounded number of times. Exhausted retries escalate via
// OnFatal; the error is also returned. A nil return with an empty buffer means
// nothing was written.
func (a *Accumulator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.buf) == 0 {
		a.mu.Unlock()
		return nil
	}
	records := a.buf
	a.buf = make([]store.Record, 0, a.opts.Size)
	a.mu.Unlock()
	metrics.BufferDepth.Set(0)

	var err error
	for attempt := 0; attempt <= a.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * a.opts.RetryBackoff):
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = fmt.Errorf("retry aborted: %w", ctxErr)
				break
			}
		}

		start := time.Now()
		err = a.store.InsertBatch(ctx, records)
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.BatchFlushes.WithLabelValues("ok").Inc()
			a.log.Debug("batch flushed", logging.BatchSize(len(records)))
			return nil
		}

		metrics.BatchFlushes.WithLabelValues("error").Inc()
		a.log.Warn("bulk write failed", logging.Attempt(attempt), logging.BatchSize(len(records)), logging.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	fatal := fmt.Errorf("flush of %d records failed after %d retries: %w", len(records), a.opts.Retries, err)
	if a.opts.OnFatal != nil {
		a.opts.OnFatal(fatal, records)
	} else {
		a.log.Error("batch lost", logging.BatchSize(len(records)), logging.Error(fatal))
	}
	return fatal
}

// Len returns the number of buffered events.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Close stops the flush loop and performs a final flush, completing any flush
// already in progress first.
func (a *Accumulator) Close(ctx context.Context) error {
	close(a.done)
	a.wg.Wait()
	return a.Flush(ctx)
}
