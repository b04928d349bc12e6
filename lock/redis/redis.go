// Package redis provides a Redis implementation of the reconcile.KeyLocker
// interface, serializing reconciliation of a transaction group across engine
// instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Locker implements reconcile.KeyLocker using Redis SET NX leases.
type Locker struct {
	client  redis.UniversalClient
	config  Config
	release *redis.Script
}

// Config holds Redis locker configuration.
type Config struct {
	// KeyPrefix is prepended to all lock keys (default: "goreconcile:lock:")
	KeyPrefix string

	// TTL is the lease duration of a held lock. A crashed holder frees the
	// key after this long (default: 30s).
	TTL time.Duration

	// RetryInterval is how long to wait between acquisition attempts while
	// the key is held elsewhere (default: 50ms).
	RetryInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:     "goreconcile:lock:",
		TTL:           30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// New creates a new Redis locker.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goreconcile:lock:"
	}
	if config.TTL == 0 {
		config.TTL = 30 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 50 * time.Millisecond
	}

	// Compare-and-delete so only the holder's token releases the key.
	release := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)

	return &Locker{client: client, config: config, release: release}, nil
}

// Lock implements reconcile.KeyLocker. It blocks until the key is acquired or
// the context is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.config.KeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", reconcile.ErrLockUnavailable, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.config.RetryInterval):
		}
	}

	return func() {
		// Release must not inherit a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.release.Run(releaseCtx, l.client, []string{redisKey}, token).Result()
	}, nil
}
