// Package redisstore is the typed shared-store client. Every call crosses a
// circuit breaker; while the breaker is open callers get breaker.ErrOpen fast
// and are expected to downgrade (the mirror is best-effort, TTLs reclaim
// anything we fail to delete).
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/pkg/breaker"
)

// Observer receives per-call latency in seconds. Satisfied by prometheus
// histograms.
type Observer interface {
	Observe(float64)
}

// Client wraps go-redis behind a circuit breaker.
type Client struct {
	rdb     redis.UniversalClient
	breaker *breaker.Breaker
	latency Observer
	logger  *zap.Logger
}

// NewClient connects to Redis (single node or cluster) and verifies
// connectivity.
func NewClient(ctx context.Context, addr, password string, db int, clusterAddrs []string, logger *zap.Logger) (*Client, error) {
	var rdb redis.UniversalClient
	if len(clusterAddrs) > 0 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    clusterAddrs,
			Password: password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis client connected", zap.String("addr", addr), zap.Int("cluster_nodes", len(clusterAddrs)))
	return &Client{
		rdb:     rdb,
		breaker: breaker.New("redis", breaker.DefaultConfig(), logger),
		logger:  logger,
	}, nil
}

// NewClientFromRedis wraps an existing go-redis client (tests).
func NewClientFromRedis(rdb redis.UniversalClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rdb:     rdb,
		breaker: breaker.New("redis", breaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Raw returns the underlying client for pub/sub subscriptions, which hold a
// long-lived connection and cannot sit behind the per-call breaker.
func (c *Client) Raw() redis.UniversalClient { return c.rdb }

// ObserveLatency registers o to receive the elapsed time of every store call.
// Set once during wiring, before traffic.
func (c *Client) ObserveLatency(o Observer) { c.latency = o }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, fn)
	if c.latency != nil {
		c.latency.Observe(time.Since(start).Seconds())
	}
	return err
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Get returns the value at key, or redis.Nil if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// SetWithTTL writes key with an expiry.
func (c *Client) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// Exists reports whether key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n > 0, err
}

// Keys scans for keys matching pattern. SCAN, not KEYS, so a large mirror
// does not block the store.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context) error {
		out = out[:0]
		iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			out = append(out, iter.Val())
		}
		return iter.Err()
	})
	return out, err
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.SRem(ctx, key, members...).Err()
	})
}

// SMembers returns all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// SCard returns the cardinality of a set.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// Publish sends a message on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe subscribes to a channel and invokes handler for each message
// until the returned cancel function is called.
func (c *Client) Subscribe(channel string, handler func(payload string)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}

// Pipelined runs fn inside a transactional pipeline (MULTI/EXEC). Used by
// mute-state writes so value and TTL land atomically.
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return c.do(ctx, func(ctx context.Context) error {
		_, err := c.rdb.TxPipelined(ctx, fn)
		return err
	})
}

// IsNil reports whether err is the redis "key not found" reply.
func IsNil(err error) bool { return err == redis.Nil }

// IsUnavailable reports whether err came from an open breaker, meaning the
// shared store should be treated as temporarily gone rather than failing.
func IsUnavailable(err error) bool {
	return errors.Is(err, breaker.ErrOpen)
}
