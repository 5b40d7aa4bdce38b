// Package relay wires the three delivery tiers together at message ingress.
package relay

import (
	"context"
	"time"

	"github.com/relayline-systems/relayline/internal/metrics"
	"github.com/relayline-systems/relayline/internal/model"
	"github.com/relayline-systems/relayline/pkg/logging"
)

// LocalBroadcaster is the in-process broadcast tier.
type LocalBroadcaster interface {
	BroadcastExceptSender(msg model.Message, senderID string)
}

// BusPublisher is the cross-instance relay tier. Best-effort by contract.
type BusPublisher interface {
	Publish(ctx context.Context, msg model.Message)
}

// Appender is the durable log tier.
type Appender interface {
	Append(ctx context.Context, msg model.Message) (uint64, error)
}

// Ingress handles one submitted message: local broadcast to live peers,
// best-effort relay to other instances, and a durable append. The three
// paths are independent; a failure on one never blocks the others.
type Ingress struct {
	local    LocalBroadcaster
	bus      BusPublisher
	producer Appender
	log      *logging.Logger
}

// NewIngress creates the ingress pipeline.
func NewIngress(local LocalBroadcaster, bus BusPublisher, producer Appender, log *logging.Logger) *Ingress {
	if log == nil {
		log = logging.Default()
	}
	return &Ingress{
		local:    local,
		bus:      bus,
		producer: producer,
		log:      log.With(logging.Component("ingress")),
	}
}

// Submit processes one message from the given connection. The live broadcast
// is non-blocking; the durable append blocks up to the producer's ack timeout.
// An append failure is drop-and-continue: the message was already delivered
// live, and rejecting it after the fact would only confuse the sender.
func (i *Ingress) Submit(ctx context.Context, senderID, text string) {
	msg := model.Message{
		Text:       text,
		ReceivedAt: time.Now(),
		SenderID:   senderID,
	}
	metrics.MessagesSubmitted.Inc()

	i.local.BroadcastExceptSender(msg, senderID)
	i.bus.Publish(ctx, msg)

	if _, err := i.producer.Append(ctx, msg); err != nil {
		i.log.Error("message delivered live but not durably recorded",
			logging.ConnectionID(senderID), logging.Error(err))
	}
}
