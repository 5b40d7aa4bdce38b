// Package messaging defines the broker contracts the fan-out pipeline is built
// against. The ephemeral broadcast path and the durable log path are separate
// contracts: the former is fire-and-forget pub/sub, the latter is an acked,
// offset-ordered append-only stream. Implementations live in the nats subpackage.
package messaging

import (
	"context"
	"time"
)

// Message is a payload received from or sent to the ephemeral bus.
type Message struct {
	// Subject is the topic the message was published to.
	Subject string

	// Data is the raw payload.
	Data []byte

	// Timestamp is when the message was received locally.
	Timestamp time.Time
}

// MessageHandler processes one received bus message. Returning an error marks
// the delivery as failed; the bus does not retry ephemeral deliveries.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active subscription on the ephemeral bus.
type Subscription interface {
	// Unsubscribe stops delivery for this subscription.
	Unsubscribe() error

	// Subject returns the subscribed subject.
	Subject() string
}

// Client is the ephemeral pub/sub bus. Publishing is best-effort: delivery is
// not confirmed and failures must be treated as degraded broadcast, never as
// pipeline failures.
type Client interface {
	// Publish sends a fire-and-forget message to the subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every message on the subject to handler (fan-out).
	Subscribe(subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe load-balances messages across subscribers sharing queue.
	QueueSubscribe(subject, queue string, handler MessageHandler) (Subscription, error)

	// Drain gracefully flushes in-flight messages before closing.
	Drain() error

	// IsConnected reports whether the client currently has a broker connection.
	IsConnected() bool

	// Close releases the connection and all subscriptions.
	Close() error
}

// StreamEvent is one record fetched from the durable log. Events are immutable
// and strictly ordered by StreamSeq within a subject.
type StreamEvent struct {
	// Subject the event was appended under.
	Subject string

	// Data is the serialized payload.
	Data []byte

	// StreamSeq is the broker-assigned, monotonically increasing offset.
	StreamSeq uint64

	// Key is the producer-assigned correlation key.
	Key string

	// Timestamp is the broker append time.
	Timestamp time.Time

	// Ack commits the consumer cursor past this event. Not acking an event
	// causes redelivery after the ack deadline.
	Ack func() error

	// Nak requests redelivery after the given delay.
	Nak func(delay time.Duration) error
}

// Appender appends events onto the durable log, blocking until the broker
// acknowledges the write.
type Appender interface {
	// Append writes data under subject with the given correlation key and
	// returns the broker-assigned stream sequence.
	Append(ctx context.Context, subject, key string, data []byte) (uint64, error)
}

// PullSource is a durable consumer-group cursor over the log. Fetch returns
// the next events in stream order starting after the last committed offset.
type PullSource interface {
	// Fetch returns up to max events, blocking up to the source's configured
	// wait for at least one. An empty slice with nil error means no events
	// arrived within the wait.
	Fetch(ctx context.Context, max int) ([]*StreamEvent, error)
}
