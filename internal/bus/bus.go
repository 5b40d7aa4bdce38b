// Package bus relays locally-originated messages to the other server
// instances over the ephemeral pub/sub bus, and delivers remotely-originated
// messages into the local connection registry.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relayline-systems/relayline/internal/metrics"
	"github.com/relayline-systems/relayline/internal/model"
	"github.com/relayline-systems/relayline/pkg/logging"
	"github.com/relayline-systems/relayline/pkg/messaging"
)

// Subject is the single logical channel all instances share.
const Subject = "relay.messages.broadcast"

// Broadcaster is the local delivery target for relayed messages.
type Broadcaster interface {
	BroadcastAll(msg model.Message)
}

// envelope is the bus wire form. Origin tags the publishing instance so a
// publisher can filter its own message back out of its subscription.
type envelope struct {
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
	Origin     string    `json:"origin"`
}

// Bus is the cross-instance broadcast relay. Publishing is best-effort: a
// failure degrades broadcast to single-instance scope and is never surfaced
// to the caller.
type Bus struct {
	client     messaging.Client
	local      Broadcaster
	instanceID string
	log        *logging.Logger
	sub        messaging.Subscription
}

// New creates a bus relay for this instance. instanceID must be unique per
// process; it is the self-delivery filter.
func New(client messaging.Client, local Broadcaster, instanceID string, log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default()
	}
	return &Bus{
		client:     client,
		local:      local,
		instanceID: instanceID,
		log:        log.With(logging.Component("bus"), logging.InstanceID(instanceID)),
	}
}

// Start subscribes to the broadcast subject. Remotely-originated messages are
// handed to the local registry via BroadcastAll; the originating instance
// already delivered to its own connections before publishing.
func (b *Bus) Start() error {
	sub, err := b.client.Subscribe(Subject, b.handle)
	if err != nil {
		return err
	}
	b.sub = sub
	b.log.Info("subscribed", logging.Subject(Subject))
	return nil
}

// Publish relays msg to the other instances. Fire-and-forget: an unreachable
// bus is logged and swallowed, durability is the producer's job.
func (b *Bus) Publish(ctx context.Context, msg model.Message) {
	data, err := json.Marshal(envelope{
		Message:    msg.Text,
		ReceivedAt: msg.ReceivedAt,
		Origin:     b.instanceID,
	})
	if err != nil {
		b.log.Error("marshal bus envelope", logging.Error(err))
		return
	}

	if err := b.client.Publish(ctx, Subject, data); err != nil {
		metrics.BusPublishErrors.Inc()
		b.log.Warn("bus publish failed, broadcast degraded to this instance", logging.Error(err))
	}
}

func (b *Bus) handle(_ context.Context, msg *messaging.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Warn("discarding malformed bus payload", logging.Error(err))
		return err
	}

	// Self-subscription filter: our own connections were already notified.
	if env.Origin == b.instanceID {
		return nil
	}

	metrics.BusMessagesRelayed.Inc()
	b.local.BroadcastAll(model.Message{
		Text:       env.Message,
		ReceivedAt: env.ReceivedAt,
	})
	return nil
}

// Stop unsubscribes from the broadcast subject.
func (b *Bus) Stop() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
