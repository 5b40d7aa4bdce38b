// Package nats provides the NATS implementation of the messaging contracts:
// core NATS for the ephemeral broadcast bus and JetStream for the durable log.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relayline-systems/relayline/pkg/messaging"
)

// Config holds NATS connection configuration.
type Config struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string

	// Name identifies this client on the server.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "relayline",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client implements messaging.Client over a core NATS connection.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger

	mu   sync.Mutex
	subs []*subscription
}

// NewClient connects to NATS with the given configuration.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Client{conn: conn, log: log}, nil
}

// Publish sends a fire-and-forget message to the subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// Subscribe delivers every message on the subject to handler.
func (c *Client) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, c.callback(subject, handler))
	if err != nil {
		return nil, err
	}
	return c.track(sub), nil
}

// QueueSubscribe load-balances messages across subscribers in the same queue group.
func (c *Client) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, c.callback(subject, handler))
	if err != nil {
		return nil, err
	}
	return c.track(sub), nil
}

func (c *Client) callback(subject string, handler messaging.MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		m := &messaging.Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
		}
		if err := handler(context.Background(), m); err != nil {
			c.log.Warn("bus handler failed", "subject", subject, "error", err.Error())
		}
	}
}

func (c *Client) track(sub *nats.Subscription) *subscription {
	s := &subscription{natsSub: sub}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s
}

// Drain gracefully closes, allowing in-flight messages to complete.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// IsConnected reports whether the client has a live connection.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()

	c.conn.Close()
	return nil
}

// Conn exposes the underlying connection for the JetStream client.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

type subscription struct {
	natsSub *nats.Subscription
}

func (s *subscription) Unsubscribe() error {
	return s.natsSub.Unsubscribe()
}

func (s *subscription) Subject() string {
	return s.natsSub.Subject
}
