// Package redis wraps a go-redis client down to the one operation the
// restore dispatcher needs: publishing progress events to a channel for
// an external watcher. Disabled by default (no --redis-url given), in
// which case every call is a no-op.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config is the minimal connection config the progress publisher needs.
// Enabled is false when no --redis-url was given.
type Config struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// Client wraps a go-redis client, no-op when disabled.
type Client struct {
	client *redis.Client
	config *Config
}

// NewClient dials Redis and verifies the connection with a Ping. When
// cfg.Enabled is false it returns a usable no-op Client without dialing
// anything.
func NewClient(cfg *Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: rdb, config: cfg}, nil
}

// IsEnabled reports whether this client was built with Redis enabled.
func (c *Client) IsEnabled() bool {
	return c.config != nil && c.config.Enabled
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Publish publishes message to channel. No-op when the client is
// disabled.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	if !c.IsEnabled() {
		return nil
	}
	return c.client.Publish(ctx, channel, message).Err()
}
