// Package redisstore keeps idempotency records in Redis so several gateway
// processes share one replay cache.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harun/agentgw/pkg/store"
)

const defaultPrefix = "agentgw:idem:"

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	PoolSize int
}

// Idempotency implements store.IdempotencyRepository. Expiry is delegated to
// Redis key TTLs, so Purge has nothing to do.
type Idempotency struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New connects to Redis and verifies the connection
func New(cfg Config) (*Idempotency, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix), nil
}

// NewFromClient wraps an existing client. This is useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string) *Idempotency {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Idempotency{client: client, prefix: prefix, now: time.Now}
}

func (r *Idempotency) key(k string) string {
	return r.prefix + k
}

func (r *Idempotency) Get(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}

	var rec store.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	if rec.Expired(r.now()) {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (r *Idempotency) Put(ctx context.Context, rec *store.IdempotencyRecord) error {
	ttl := rec.ExpiresAt.Sub(r.now())
	if rec.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		// already expired; storing it would only shadow a later Put
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(rec.Key), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	if !ok {
		return store.ErrExists
	}
	return nil
}

// Purge is a no-op; Redis expires keys itself.
func (r *Idempotency) Purge(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Close closes the underlying client
func (r *Idempotency) Close() error {
	return r.client.Close()
}
