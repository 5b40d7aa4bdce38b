// Package presence provides Redis-backed instance presence tracking.
//
// Designed for multiple relay instances writing concurrently. Any instance
// (or an operator tool) can read a cluster-wide view of which instances are
// alive and how many connections each holds. Presence is advisory: failures
// are logged and swallowed, never surfaced to the pipeline.
//
// Redis key structure:
//
//	relay:instances              - Hash of instance id -> last heartbeat (unix)
//	relay:conns:{instance_id}    - Live connection count (expires 3x heartbeat)
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayline-systems/relayline/pkg/logging"
)

const (
	instancesKey = "relay:instances"
	connsKeyFmt  = "relay:conns:%s"
)

// Instance is one relay instance's presence entry.
type Instance struct {
	ID          string    `json:"id"`
	LastSeen    time.Time `json:"last_seen"`
	Connections int64     `json:"connections"`
}

// Tracker publishes this instance's heartbeat and connection count.
type Tracker struct {
	redis      *redis.Client
	instanceID string
	interval   time.Duration
	log        *logging.Logger
}

// NewTracker connects to Redis and verifies the connection.
func NewTracker(redisURL, instanceID string, interval time.Duration, log *logging.Logger) (*Tracker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewTrackerFromRedis(client, instanceID, interval, log), nil
}

// NewTrackerFromRedis creates a tracker on an existing Redis connection.
func NewTrackerFromRedis(client *redis.Client, instanceID string, interval time.Duration, log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Tracker{
		redis:      client,
		instanceID: instanceID,
		interval:   interval,
		log:        log.With(logging.Component("presence"), logging.InstanceID(instanceID)),
	}
}

// Heartbeat records this instance as alive with the given connection count.
func (t *Tracker) Heartbeat(ctx context.Context, connections int) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	connsKey := fmt.Sprintf(connsKeyFmt, t.instanceID)

	pipe := t.redis.Pipeline()
	pipe.HSet(ctx, instancesKey, t.instanceID, now)
	pipe.Set(ctx, connsKey, connections, 3*t.interval)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// Run heartbeats every interval until ctx is cancelled, reading the current
// connection count from counter. A final deregistration is attempted on exit.
func (t *Tracker) Run(ctx context.Context, counter func() int) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	if err := t.Heartbeat(ctx, counter()); err != nil {
		t.log.Warn("presence heartbeat failed", logging.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			t.deregister()
			return
		case <-ticker.C:
			if err := t.Heartbeat(ctx, counter()); err != nil {
				t.log.Warn("presence heartbeat failed", logging.Error(err))
			}
		}
	}
}

func (t *Tracker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := t.redis.Pipeline()
	pipe.HDel(ctx, instancesKey, t.instanceID)
	pipe.Del(ctx, fmt.Sprintf(connsKeyFmt, t.instanceID))
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("presence deregister failed", logging.Error(err))
	}
}

// Snapshot returns the cluster-wide presence view. Instances whose last
// heartbeat is older than 3x the interval are treated as gone.
func (t *Tracker) Snapshot(ctx context.Context) ([]Instance, error) {
	entries, err := t.redis.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read instances: %w", err)
	}

	cutoff := time.Now().Add(-3 * t.interval)
	var out []Instance
	for id, lastSeen := range entries {
		unix, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil {
			continue
		}
		seen := time.Unix(unix, 0)
		if seen.Before(cutoff) {
			continue
		}

		conns, err := t.redis.Get(ctx, fmt.Sprintf(connsKeyFmt, id)).Int64()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read connections for %s: %w", id, err)
		}
		out = append(out, Instance{ID: id, LastSeen: seen, Connections: conns})
	}
	return out, nil
}

// Close releases the Redis connection.
func (t *Tracker) Close() error {
	return t.redis.Close()
}
