// Package cache holds the Redis backed short-circuit for ledger events that
// were already reconciled.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "leasechain:seen:"
	defaultTTL    = 72 * time.Hour
)

// SeenSet records reconciled event keys with a TTL. It is an optimisation
// only; the database idempotency key remains authoritative, so a miss or an
// evicted key just costs one transaction.
type SeenSet struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type Option func(*SeenSet)

func WithPrefix(prefix string) Option {
	return func(s *SeenSet) { s.prefix = prefix }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *SeenSet) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewSeenSet(rdb redis.Cmdable, opts ...Option) *SeenSet {
	s := &SeenSet{rdb: rdb, prefix: defaultPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SeenSet) Seen(ctx context.Context, key string) (bool, error) {
	_, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: seen %s: %w", key, err)
	}
	return true, nil
}

func (s *SeenSet) MarkSeen(ctx context.Context, key string) error {
	if err := s.rdb.Set(ctx, s.prefix+key, 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache: mark %s: %w", key, err)
	}
	return nil
}

// Dial connects to addr and pings it. Callers run without the short-circuit
// when it fails.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", addr, err)
	}
	return rdb, nil
}
