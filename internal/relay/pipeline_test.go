package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayline-systems/relayline/internal/batch"
	"github.com/relayline-systems/relayline/internal/bus"
	"github.com/relayline-systems/relayline/internal/durable"
	"github.com/relayline-systems/relayline/internal/model"
	"github.com/relayline-systems/relayline/internal/registry"
	"github.com/relayline-systems/relayline/internal/store"
	"github.com/relayline-systems/relayline/pkg/messaging"
)

// memHub is an in-memory core pub/sub broker shared by bus instances.
type memHub struct {
	mu       sync.Mutex
	handlers map[string][]messaging.MessageHandler
}

func newMemHub() *memHub {
	return &memHub{handlers: make(map[string][]messaging.MessageHandler)}
}

type memHubClient struct {
	hub *memHub
}

func (c *memHubClient) Publish(_ context.Context, subject string, data []byte) error {
	c.hub.mu.Lock()
	handlers := append([]messaging.MessageHandler(nil), c.hub.handlers[subject]...)
	c.hub.mu.Unlock()
	for _, h := range handlers {
		_ = h(context.Background(), &messaging.Message{Subject: subject, Data: data})
	}
	return nil
}

func (c *memHubClient) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	c.hub.mu.Lock()
	c.hub.handlers[subject] = append(c.hub.handlers[subject], handler)
	c.hub.mu.Unlock()
	return memSub(subject), nil
}

func (c *memHubClient) QueueSubscribe(subject, _ string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return c.Subscribe(subject, handler)
}

func (c *memHubClient) Drain() error      { return nil }
func (c *memHubClient) IsConnected() bool { return true }
func (c *memHubClient) Close() error      { return nil }

type memSub string

func (s memSub) Unsubscribe() error { return nil }
func (s memSub) Subject() string    { return string(s) }

// memLog is an in-memory append-only log: Appender on the write side,
// PullSource on the read side. Events stay fetchable until acked, which gives
// the at-least-once redelivery the real log provides.
type memLog struct {
	mu     sync.Mutex
	events []*memEvent
	cursor int
}

type memEvent struct {
	seq   uint64
	key   string
	data  []byte
	ts    time.Time
	acked bool
}

func (l *memLog) Append(_ context.Context, _ string, key string, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := uint64(len(l.events) + 1)
	l.events = append(l.events, &memEvent{seq: seq, key: key, data: data, ts: time.Now()})
	return seq, nil
}

func (l *memLog) Fetch(ctx context.Context, max int) ([]*messaging.StreamEvent, error) {
	for {
		l.mu.Lock()
		var out []*messaging.StreamEvent
		for _, ev := range l.events[l.cursor:] {
			if len(out) >= max {
				break
			}
			ev := ev
			out = append(out, &messaging.StreamEvent{
				Subject:   durable.Subject,
				Data:      ev.data,
				StreamSeq: ev.seq,
				Key:       ev.key,
				Timestamp: ev.ts,
				Ack: func() error {
					l.mu.Lock()
					ev.acked = true
					l.mu.Unlock()
					return nil
				},
				Nak: func(time.Duration) error { return nil },
			})
		}
		l.cursor += len(out)
		l.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// rewind resets the read cursor to the start of the log, forcing redelivery of
// every event as a crashed consumer group would see after losing its cursor.
func (l *memLog) rewind() {
	l.mu.Lock()
	l.cursor = 0
	l.mu.Unlock()
}

// memStore is an in-memory stand-in for the relational store with the same
// dedupe-on-conflict insert semantics.
type memStore struct {
	mu       sync.Mutex
	byKey    map[string]store.Record
	failures int
}

func newMemStore() *memStore {
	return &memStore{byKey: make(map[string]store.Record)}
}

func (s *memStore) InsertBatch(_ context.Context, records []store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	for _, r := range records {
		if _, dup := s.byKey[r.DedupeKey]; dup {
			continue
		}
		s.byKey[r.DedupeKey] = r
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *memStore) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byKey))
	for _, r := range s.byKey {
		out = append(out, r.Text)
	}
	return out
}

func drain(ch <-chan model.Message) []model.Message {
	var out []model.Message
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// instance bundles one server instance's pipeline for the end-to-end tests.
type instance struct {
	reg     *registry.Registry
	ingress *Ingress
}

func newInstance(t *testing.T, hub *memHub, log *memLog, id string) *instance {
	t.Helper()
	reg := registry.New(16, nil)
	t.Cleanup(reg.Close)

	b := bus.New(&memHubClient{hub: hub}, reg, id, nil)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Stop() })

	producer := durable.NewProducer(log, time.Second, nil)
	return &instance{reg: reg, ingress: NewIngress(reg, b, producer, nil)}
}

func TestPipeline_FanOutAcrossInstancesExcludesSender(t *testing.T) {
	hub := newMemHub()
	log := &memLog{}

	one := newInstance(t, hub, log, "instance-1")
	two := newInstance(t, hub, log, "instance-2")

	senderID, senderOut := one.reg.Register()
	_, localPeerOut := one.reg.Register()
	_, remotePeerOut := two.reg.Register()

	one.ingress.Submit(context.Background(), senderID, "hello")

	localGot := drain(localPeerOut)
	require.Len(t, localGot, 1)
	assert.Equal(t, "hello", localGot[0].Text)

	remoteGot := drain(remotePeerOut)
	require.Len(t, remoteGot, 1)
	assert.Equal(t, "hello", remoteGot[0].Text)

	assert.Empty(t, drain(senderOut), "sender must not receive its own message")
}

func TestPipeline_PersistsEveryMessageExactlyOnce(t *testing.T) {
	hub := newMemHub()
	log := &memLog{}
	st := newMemStore()

	inst := newInstance(t, hub, log, "instance-1")
	senderID, _ := inst.reg.Register()

	acc := batch.New(st, batch.Options{Size: 100, Interval: time.Hour}, nil)
	consumer := durable.NewConsumer(log, acc, durable.ConsumerOptions{PauseBackoff: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(consumerDone)
	}()

	inst.ingress.Submit(context.Background(), senderID, "first")
	time.Sleep(2 * time.Millisecond)
	inst.ingress.Submit(context.Background(), senderID, "second")

	require.Eventually(t, func() bool {
		return acc.Len() == 2
	}, time.Second, 5*time.Millisecond)

	// Cursor loss before the flush: both events redeliver, the accumulator
	// absorbs them again, and the dedupe key keeps the store at one row each.
	log.rewind()
	require.Eventually(t, func() bool {
		return acc.Len() == 4
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-consumerDone
	require.NoError(t, acc.Close(context.Background()))

	assert.Equal(t, 2, st.count())
	assert.ElementsMatch(t, []string{"first", "second"}, st.texts())
}

func TestPipeline_StoreOutageEscalatesThenRecovers(t *testing.T) {
	hub := newMemHub()
	log := &memLog{}
	st := newMemStore()
	st.failures = 10

	inst := newInstance(t, hub, log, "instance-1")
	senderID, _ := inst.reg.Register()

	var fatalMu sync.Mutex
	var lost []store.Record
	acc := batch.New(st, batch.Options{
		Size:         100,
		Interval:     time.Hour,
		Retries:      1,
		RetryBackoff: time.Millisecond,
		OnFatal: func(_ error, records []store.Record) {
			fatalMu.Lock()
			lost = append(lost, records...)
			fatalMu.Unlock()
		},
	}, nil)
	consumer := durable.NewConsumer(log, acc, durable.ConsumerOptions{PauseBackoff: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(consumerDone)
	}()

	inst.ingress.Submit(context.Background(), senderID, "during outage")
	require.Eventually(t, func() bool {
		return acc.Len() == 1
	}, time.Second, 5*time.Millisecond)

	err := acc.Flush(context.Background())
	require.Error(t, err, "outage flush must escalate")
	fatalMu.Lock()
	require.Len(t, lost, 1)
	fatalMu.Unlock()

	// Store comes back; the pipeline keeps working for new messages.
	st.mu.Lock()
	st.failures = 0
	st.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	inst.ingress.Submit(context.Background(), senderID, "after recovery")
	require.Eventually(t, func() bool {
		return acc.Len() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, acc.Flush(context.Background()))

	cancel()
	<-consumerDone

	assert.Equal(t, 1, st.count())
	assert.ElementsMatch(t, []string{"after recovery"}, st.texts())
}
