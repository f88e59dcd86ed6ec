package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Config holds the connection settings.
type Config struct {
	// URL is a redis:// or rediss:// connection string.
	URL string

	// RetryAttempts bounds connection attempts; zero means one.
	RetryAttempts int
	RetryInterval time.Duration

	ConnectTimeout time.Duration
}

// connect opens a client and pings it until it answers, doubling the interval
// between attempts.
func connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %w", berr.ErrConfiguration, err)
	}

	opts.ContextTimeoutEnabled = true
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout
	}

	client := redis.NewClient(opts)

	interval := max(cfg.RetryInterval, 100*time.Millisecond)
	attempts := max(cfg.RetryAttempts, 1)

	var lastErr error
	for i := range attempts {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}

		if i == attempts-1 {
			break
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			_ = client.Close()

			return nil, errors.Join(ctx.Err(), lastErr)
		case <-t.C:
		}

		interval *= 2
	}

	_ = client.Close()

	return nil, berr.Transport("dial", "redis", lastErr)
}

// NewWithRedis connects to Redis and returns a Broker and a cleanup closing both the
// broker and the client.
func NewWithRedis(ctx context.Context, cfg Config, opts ...Option) (*Broker, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: redis url required", berr.ErrConfiguration)
	}

	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	b := New(client, opts...)
	cleanup := func() {
		_ = b.Close()
		_ = client.Close()
	}

	return b, cleanup, nil
}
