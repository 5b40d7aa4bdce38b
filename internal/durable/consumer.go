package durable

import (
	"context"
	"sync"
	"time"

	"github.com/relayline-systems/relayline/internal/metrics"
	"github.com/relayline-systems/relayline/pkg/logging"
	"github.com/relayline-systems/relayline/pkg/messaging"
)

// State is the per-partition consumer state.
type State int32

const (
	StateIdle State = iota
	StateConsuming
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConsuming:
		return "consuming"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Ingestor absorbs consumed events into the flush buffer. Any error is
// treated as retryable: the partition pauses and the same event is
// redelivered after the backoff, indefinitely if necessary. A durable event
// is never dropped.
type Ingestor interface {
	Ingest(ctx context.Context, key, text string, ts time.Time) error
}

// Consumer pulls events off the durable log in strict offset order and hands
// them to the ingestor. The cursor (ack) advances only after an event has
// been absorbed into the ingestor's buffer, bounding redelivery after a crash
// to events sitting in an unflushed buffer.
type Consumer struct {
	source       messaging.PullSource
	ingest       Ingestor
	fetchBatch   int
	pauseBackoff time.Duration
	log          *logging.Logger

	mu         sync.Mutex
	partitions map[string]State
}

// ConsumerOptions tunes the pull loop.
type ConsumerOptions struct {
	// FetchBatch is the maximum events pulled per fetch.
	FetchBatch int

	// PauseBackoff is how long a paused partition waits before redelivering
	// the failed event.
	PauseBackoff time.Duration
}

// NewConsumer creates a consumer over the given source.
func NewConsumer(source messaging.PullSource, ingest Ingestor, opts ConsumerOptions, log *logging.Logger) *Consumer {
	if log == nil {
		log = logging.Default()
	}
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 100
	}
	if opts.PauseBackoff <= 0 {
		opts.PauseBackoff = 5 * time.Second
	}
	return &Consumer{
		source:       source,
		ingest:       ingest,
		fetchBatch:   opts.FetchBatch,
		pauseBackoff: opts.PauseBackoff,
		log:          log.With(logging.Component("consumer")),
		partitions:   make(map[string]State),
	}
}

// Run executes the pull loop until ctx is cancelled. The in-flight event, if
// any, is finished (absorbed and acked, or left unacked for redelivery)
// before Run returns. Stopped is terminal: there is no other exit condition.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		for p := range c.partitions {
			c.partitions[p] = StateStopped
		}
		c.mu.Unlock()
		metrics.ConsumerPaused.Set(0)
		c.log.Info("consumer stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := c.source.Fetch(ctx, c.fetchBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("fetch failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, ev := range events {
			if done := c.deliver(ctx, ev); done {
				return
			}
		}
	}
}

// deliver hands one event to the ingestor, pausing and retrying the same
// event on failure. Returns true when ctx was cancelled mid-delivery.
func (c *Consumer) deliver(ctx context.Context, ev *messaging.StreamEvent) bool {
	c.setState(ev.Subject, StateConsuming)

	for {
		err := c.ingest.Ingest(ctx, ev.Key, string(ev.Data), ev.Timestamp)
		if err == nil {
			metrics.EventsConsumed.Inc()
			metrics.ConsumerPaused.Set(0)
			c.setState(ev.Subject, StateConsuming)

			// Cursor advance: the event is durably absorbed into the buffer,
			// not yet flushed. Crash before flush redelivers from here.
			if ackErr := ev.Ack(); ackErr != nil {
				c.log.Warn("ack failed, event may be redelivered",
					logging.StreamSeq(ev.StreamSeq), logging.Error(ackErr))
			}
			return false
		}

		if ctx.Err() != nil {
			// Shutdown with the event unacked: it redelivers on restart.
			return true
		}

		c.setState(ev.Subject, StatePaused)
		metrics.ConsumerPaused.Set(1)
		c.log.Warn("ingest failed, partition paused",
			logging.Subject(ev.Subject),
			logging.StreamSeq(ev.StreamSeq),
			logging.Error(err))

		select {
		case <-ctx.Done():
			return true
		case <-time.After(c.pauseBackoff):
		}
	}
}

// PartitionState reports the current state of the given partition, StateIdle
// if the partition has not been seen yet.
func (c *Consumer) PartitionState(partition string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partitions[partition]
}

func (c *Consumer) setState(partition string, s State) {
	c.mu.Lock()
	c.partitions[partition] = s
	c.mu.Unlock()
}
