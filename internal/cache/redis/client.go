// Package redis implements the domain cache, lock, rate limit and signal bus
// interfaces on go-redis/v9. Every key, channel and stream name is placed
// under the client's namespace so several deployments can share one server.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every key when ClientConfig.Namespace is empty.
const DefaultNamespace = "arxpredict"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	Namespace  string
}

// Client owns the go-redis connection pool and the key namespace.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// New connects to Redis and pings it. It returns an error if the server
// cannot be reached.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	ns := strings.Trim(cfg.Namespace, ":")
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Client{rdb: rdb, namespace: ns}, nil
}

// key joins parts under the namespace, e.g. key("lock", id) is
// "arxpredict:lock:<id>".
func (c *Client) key(parts ...string) string {
	return c.namespace + ":" + strings.Join(parts, ":")
}

// Ping checks the Redis connection. It backs the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
