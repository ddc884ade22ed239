package permcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier mirrors resolved permission bundles into Redis so multiple API
// replicas share fetches. Entries expire on the same TTL as the local cache.
type RedisTier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTier connects to Redis and verifies the connection.
func NewRedisTier(redisURL string, ttl time.Duration) (*RedisTier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisTierWithClient(client, ttl), nil
}

// NewRedisTierWithClient wraps an existing Redis client.
func NewRedisTierWithClient(client *redis.Client, ttl time.Duration) *RedisTier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTier{
		client: client,
		prefix: "perm:",
		ttl:    ttl,
	}
}

func (t *RedisTier) key(email string) string {
	return t.prefix + strings.ToLower(email)
}

// Get returns the shared bundle for email if one is cached. Redis errors are
// treated as misses; the caller falls through to the fetcher.
func (t *RedisTier) Get(ctx context.Context, email string) (Result, bool) {
	raw, err := t.client.Get(ctx, t.key(email)).Result()
	if err == redis.Nil {
		return Result{}, false
	}
	if err != nil {
		log.Printf("permcache: redis get %s: %v", email, err)
		return Result{}, false
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		log.Printf("permcache: redis decode %s: %v", email, err)
		return Result{}, false
	}
	return result, true
}

// Set stores the bundle with the tier's TTL. Failures are logged, not
// surfaced: the local cache still has the entry.
func (t *RedisTier) Set(ctx context.Context, email string, result Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		log.Printf("permcache: redis encode %s: %v", email, err)
		return
	}
	if err := t.client.Set(ctx, t.key(email), raw, t.ttl).Err(); err != nil {
		log.Printf("permcache: redis set %s: %v", email, err)
	}
}

// Invalidate drops the shared entry for email.
func (t *RedisTier) Invalidate(ctx context.Context, email string) {
	if err := t.client.Del(ctx, t.key(email)).Err(); err != nil {
		log.Printf("permcache: redis del %s: %v", email, err)
	}
}

// Ping checks if Redis is reachable.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (t *RedisTier) Close() error {
	return t.client.Close()
}
