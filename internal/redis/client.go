package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SkynetNext/iot-gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

// Client is a Redis client wrapper
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// GetString returns the string at key; found is false when the key does not exist
func (c *Client) GetString(ctx context.Context, key string) (value string, found bool, err error) {
	value, err = c.rdb.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// SetString stores value at key, ttl 0 means no expiry
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// HGet returns one hash field; found is false when the key or field does not exist
func (c *Client) HGet(ctx context.Context, key, field string) (value string, found bool, err error) {
	value, err = c.rdb.HGet(ctx, c.key(key), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to hget %s %s: %w", key, field, err)
	}
	return value, true, nil
}

// HSet sets one hash field
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, c.key(key), field, value).Err(); err != nil {
		return fmt.Errorf("failed to hset %s %s: %w", key, field, err)
	}
	return nil
}

// HDel deletes hash fields, absent fields are ignored
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.rdb.HDel(ctx, c.key(key), fields...).Err(); err != nil {
		return fmt.Errorf("failed to hdel %s: %w", key, err)
	}
	return nil
}

// Delete removes keys, absent keys are ignored
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", strings.Join(keys, ","), err)
	}
	return nil
}

// ListAll returns every element of a list; a missing key is an empty list
func (c *Client) ListAll(ctx context.Context, key string) ([]string, error) {
	items, err := c.rdb.LRange(ctx, c.key(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	return items, nil
}

// LivenessKey returns the liveness record key of a remote address.
// Colons are replaced with '@' (tcp:last:10.0.0.1@5000).
func LivenessKey(addr string) string {
	return "tcp:last:" + strings.ReplaceAll(addr, ":", "@")
}

// TouchLiveness records at as the last activity of addr
func (c *Client) TouchLiveness(ctx context.Context, addr string, at time.Time, ttl time.Duration) error {
	return c.SetString(ctx, LivenessKey(addr), strconv.FormatInt(at.Unix(), 10), ttl)
}

// LastActivity returns the last recorded activity of addr.
// found is false when no record exists.
func (c *Client) LastActivity(ctx context.Context, addr string) (at time.Time, found bool, err error) {
	value, found, err := c.GetString(ctx, LivenessKey(addr))
	if err != nil || !found {
		return time.Time{}, false, err
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid liveness record %q for %s: %w", value, addr, err)
	}
	return time.Unix(secs, 0), true, nil
}

// ClearLiveness removes the liveness record of addr
func (c *Client) ClearLiveness(ctx context.Context, addr string) error {
	return c.Delete(ctx, LivenessKey(addr))
}
