package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) PublishMsg(m *nats.Msg) error {
	if err := c.nc.PublishMsg(m); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) RequestMsgWithContext(ctx context.Context, m *nats.Msg) (*nats.Msg, error) {
	return c.nc.RequestMsgWithContext(ctx, m)
}

func (c natsClient) QueueSubscribe(subject, group string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := c.nc.QueueSubscribe(subject, group, cb)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// NewWithNATS creates a real NATS connection and returns a Broker and a cleanup
// that drains the connection.
func NewWithNATS(cfg Config, opts ...Option) (*Broker, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrConfiguration)
	}

	nopts := []nats.Option{}
	if cfg.Name != "" {
		nopts = append(nopts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		nopts = append(nopts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		nopts = append(nopts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, nopts...)
	if err != nil {
		return nil, nil, berr.Transport("connect", cfg.URL, err)
	}

	b := New(natsClient{nc: nc}, opts...)
	cleanup := func() {
		_ = b.Close()

		if !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return b, cleanup, nil
}
