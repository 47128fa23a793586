package ratelimit

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

type redisCounter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisCounter returns a Redis backed window counter shared across
// replicas.
func NewRedisCounter(addr, password string, db int, logger *slog.Logger) (Counter, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisCounter{
		client:  client,
		logger:  logger,
		prefix:  "gameserv:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

func (c *redisCounter) WindowCount(ctx context.Context, userID string, window time.Duration) (int, error) {
	if window <= 0 {
		window = time.Minute
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := c.prefix + userID
	counter, err := c.client.Incr(opCtx, key).Result()
	if err != nil {
		return 0, err
	}
	if counter == 1 {
		if err := c.client.Expire(opCtx, key, window).Err(); err != nil && c.logger != nil {
			c.logger.Error("rate limit expire failed", "key", key, "error", err)
		}
	}
	return int(counter), nil
}

func (c *redisCounter) Close() {
	if c.client != nil {
		_ = c.client.Close()
	}
}
