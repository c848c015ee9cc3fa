// Package claim provides short-lived markers that keep overlapping trigger
// invocations from dispatching the same job twice.
package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ProposalWatcher/internal/ports"
)

// RedisClaimer takes claims with SET NX and a TTL.
type RedisClaimer struct {
	client *redis.Client
	prefix string
}

var _ ports.Claimer = (*RedisClaimer)(nil)

// NewRedisClaimer connects to redisURL and verifies the connection.
func NewRedisClaimer(ctx context.Context, redisURL string) (*RedisClaimer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisClaimerWithClient(client), nil
}

// NewRedisClaimerWithClient wraps an existing client.
func NewRedisClaimerWithClient(client *redis.Client) *RedisClaimer {
	return &RedisClaimer{client: client, prefix: "proposalwatcher:claim:"}
}

// Claim returns true when the key was free and is now held for ttl.
func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops the claim early.
func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (c *RedisClaimer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisClaimer) Close() error {
	return c.client.Close()
}
