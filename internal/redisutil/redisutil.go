package redisutil

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds the Redis configuration.
type Config struct {
	ConnectionString string `env:"CONNECTION_STRING"` // default: "redis://127.0.0.1:6379/0"
}

func (c *Config) connectionString() string {
	s := c.ConnectionString
	if s == "" {
		s = "redis://127.0.0.1:6379/0"
	}
	return s
}

// NewClient creates a client from cfg and checks that Redis answers.
func NewClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	return NewClientFromConnectionString(ctx, cfg.connectionString())
}

// NewClientFromConnectionString creates a client for a redis:// URL and checks that Redis answers.
func NewClientFromConnectionString(ctx context.Context, connectionString string) (*redis.Client, error) {
	opt, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
