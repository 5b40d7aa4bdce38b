package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relayline-systems/relayline/pkg/messaging"
)

// StreamConfig defines the durable log stream.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects captured by this stream.
	Subjects []string

	// MaxAge bounds how long events are retained.
	MaxAge time.Duration

	// MaxBytes bounds the total stream size.
	MaxBytes int64

	// Replicas is the replication factor for the stream.
	Replicas int

	// DedupeWindow is how long the broker rejects duplicate correlation keys.
	DedupeWindow time.Duration
}

// ConsumerConfig defines a durable pull consumer over the log.
type ConsumerConfig struct {
	// Name is the durable consumer-group name shared by all instances.
	Name string

	// FilterSubject restricts which events this consumer receives.
	FilterSubject string

	// AckWait is how long the broker waits for an ack before redelivery.
	AckWait time.Duration

	// MaxAckPending bounds unacknowledged in-flight events.
	MaxAckPending int
}

// JetStreamClient extends Client with durable log capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(client *Client) (*JetStreamClient, error) {
	js, err := jetstream.New(client.Conn())
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &JetStreamClient{Client: client, js: js}, nil
}

// EnsureStream creates or updates the durable log stream.
func (c *JetStreamClient) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	replicas := cfg.Replicas
	if replicas == 0 {
		replicas = 1
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		Replicas:   replicas,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: cfg.DedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("create/update stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Append writes data under subject with the correlation key as the message ID
// and blocks until the broker acknowledges. Implements messaging.Appender.
func (c *JetStreamClient) Append(ctx context.Context, subject, key string, data []byte) (uint64, error) {
	ack, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(key))
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

// PullConsumer is a durable consumer-group cursor backed by JetStream.
// Implements messaging.PullSource.
type PullConsumer struct {
	consumer jetstream.Consumer
	maxWait  time.Duration
}

// NewPullConsumer creates or binds the durable consumer on the stream.
func (c *JetStreamClient) NewPullConsumer(ctx context.Context, streamName string, cfg ConsumerConfig, maxWait time.Duration) (*PullConsumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", streamName, err)
	}

	// MaxDeliver is unlimited: a failing event is redelivered until it
	// succeeds, never dropped.
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    -1,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update consumer %s: %w", cfg.Name, err)
	}

	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &PullConsumer{consumer: consumer, maxWait: maxWait}, nil
}

// Fetch returns up to max events in stream order, waiting up to the configured
// max wait for at least one.
func (p *PullConsumer) Fetch(ctx context.Context, max int) ([]*messaging.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := p.consumer.Fetch(max, jetstream.FetchMaxWait(p.maxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var events []*messaging.StreamEvent
	for msg := range batch.Messages() {
		events = append(events, toStreamEvent(msg))
	}
	if err := batch.Error(); err != nil {
		return events, fmt.Errorf("fetch batch: %w", err)
	}
	return events, nil
}

func toStreamEvent(msg jetstream.Msg) *messaging.StreamEvent {
	ev := &messaging.StreamEvent{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
		Ack:       msg.Ack,
		Nak:       msg.NakWithDelay,
	}

	if md, err := msg.Metadata(); err == nil {
		ev.StreamSeq = md.Sequence.Stream
		ev.Timestamp = md.Timestamp
	}
	if h := msg.Headers(); h != nil {
		ev.Key = h.Get(nats.MsgIdHdr)
	}
	return ev
}
