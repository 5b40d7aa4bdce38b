// Package durable implements the persistent tier of the pipeline: an acked
// producer appending messages onto the append-only log, and a consumer-group
// reader handing events to the batch accumulator with at-least-once delivery.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/relayline-systems/relayline/internal/metrics"
	"github.com/relayline-systems/relayline/internal/model"
	"github.com/relayline-systems/relayline/pkg/logging"
	"github.com/relayline-systems/relayline/pkg/messaging"
)

// Subject is the durable log subject all messages are appended under.
const Subject = "relay.messages.log"

// AppendError reports that the durable log did not acknowledge an append
// within the configured timeout. The ingress path decides the policy; the
// producer never retries on its own.
type AppendError struct {
	Key string
	Err error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append %s: %v", e.Key, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}

// Producer appends every inbound message as an event on the log, blocking the
// caller until the broker acknowledges.
type Producer struct {
	appender messaging.Appender
	subject  string
	timeout  time.Duration
	log      *logging.Logger
}

// NewProducer creates a producer writing to the default log subject.
func NewProducer(appender messaging.Appender, timeout time.Duration, log *logging.Logger) *Producer {
	if log == nil {
		log = logging.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Producer{
		appender: appender,
		subject:  Subject,
		timeout:  timeout,
		log:      log.With(logging.Component("producer")),
	}
}

// Append writes msg onto the log under its correlation key and returns the
// broker-assigned stream sequence.
func (p *Producer) Append(ctx context.Context, msg model.Message) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := msg.Key()
	seq, err := p.appender.Append(ctx, p.subject, key, []byte(msg.Text))
	if err != nil {
		metrics.AppendErrors.Inc()
		return 0, &AppendError{Key: key, Err: err}
	}

	metrics.EventsAppended.Inc()
	p.log.Debug("event appended", logging.Subject(p.subject), logging.StreamSeq(seq))
	return seq, nil
}
