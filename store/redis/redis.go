// Package redis provides Redis-backed implementations of the store
// interfaces. Every call runs under a short bounded timeout so that a slow
// or unreachable Redis degrades cross-process sync without ever blocking
// local event handling.
package redis

import (
	"context"
	"time"

	"github.com/givebridge/realtime/store"
	goredis "github.com/redis/go-redis/v9"
)

// opTimeout bounds every store round-trip. Replication is best-effort;
// a call that cannot finish quickly is treated as failed.
const opTimeout = 2 * time.Second

// Store provides a Redis-backed implementation of the store.Storage interface.
type Store struct {
	client *goredis.Client
}

// NewStore creates a new Redis storage.
func NewStore(client *goredis.Client) *Store {
	return &Store{client: client}
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// Ping checks connectivity to Redis. Used by the broker's startup probe
// and periodic health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get retrieves a key from Redis.
func (s *Store) Get(key string) ([]byte, error) {
	ctx, cancel := opCtx()
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, store.ErrNotFound
	}
	return val, err
}

// Set stores a key in Redis with an optional expiration time.
func (s *Store) Set(key string, val []byte, exp time.Duration) error {
	ctx, cancel := opCtx()
	defer cancel()

	return s.client.Set(ctx, key, val, exp).Err()
}

// Delete removes a key from Redis.
func (s *Store) Delete(key string) error {
	ctx, cancel := opCtx()
	defer cancel()

	return s.client.Del(ctx, key).Err()
}

// Increment atomically increments a counter, setting its expiry when the
// key is freshly created. INCR and EXPIRE are pipelined so the counter and
// its TTL land together.
func (s *Store) Increment(key string, exp time.Duration) (int64, error) {
	ctx, cancel := opCtx()
	defer cancel()

	var incr *goredis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if exp > 0 {
			pipe.ExpireNX(ctx, key, exp)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// AppendLog prepends an entry to a rolling log, trimming it to maxLen.
func (s *Store) AppendLog(key string, entry []byte, maxLen int64) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, key, entry)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, maxLen-1)
		}
		return nil
	})
	return err
}

// ReadLog returns up to n log entries, newest first.
func (s *Store) ReadLog(key string, n int64) ([][]byte, error) {
	ctx, cancel := opCtx()
	defer cancel()

	if n <= 0 {
		n = -1
	}
	vals, err := s.client.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// PubSub provides a Redis-backed implementation of the store.PubSub interface.
type PubSub struct {
	client *goredis.Client
}

// NewPubSub creates a new Redis PubSub.
func NewPubSub(client *goredis.Client) *PubSub {
	return &PubSub{client: client}
}

// Publish publishes a message to a Redis channel.
func (p *PubSub) Publish(channel string, message []byte) error {
	ctx, cancel := opCtx()
	defer cancel()

	return p.client.Publish(ctx, channel, message).Err()
}

// Subscribe subscribes to a Redis channel and invokes the handler for each message.
func (p *PubSub) Subscribe(channel string, handler func(message []byte)) error {
	ctx := context.Background()
	pubsub := p.client.Subscribe(ctx, channel)

	// Wait for confirmation that the subscription is created
	confirmCtx, cancel := opCtx()
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return nil
}
