package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Concrete AMQP connection-backed constructor with dial retries.

const maxBackoff = 30 * time.Second

// Config holds the connection settings.
type Config struct {
	URL         string
	ConnTimeout time.Duration

	// DialAttempts bounds connection attempts; zero means one.
	DialAttempts int
}

type amqpConn struct{ conn *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// dial connects with exponential backoff and jitter between attempts.
func dial(ctx context.Context, cfg Config) (*amqp.Connection, error) {
	backoff := time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	attempts := max(cfg.DialAttempts, 1)

	var lastErr error
	for i := range attempts {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-mediator"},
			Dial:       amqp.DefaultDial(cfg.ConnTimeout),
		})
		if err == nil {
			return conn, nil
		}

		lastErr = err
		if i == attempts-1 {
			break
		}

		jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
		sleep := min(backoff+jitter/2, maxBackoff)

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-t.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return nil, lastErr
}

// NewWithAMQPConn dials RabbitMQ and returns a Broker and a cleanup closing both the
// broker and the connection.
func NewWithAMQPConn(ctx context.Context, cfg Config, opts ...Option) (*Broker, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrConfiguration)
	}

	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, nil, berr.Transport("dial", "rabbitmq", err)
	}

	b, err := New(amqpConn{conn: conn}, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = b.Close()
		_ = conn.Close()
	}

	return b, cleanup, nil
}
