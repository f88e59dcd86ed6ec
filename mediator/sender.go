package mediator

import (
	"context"
	"errors"
	"fmt"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Sender sends messages of type T to the point-to-point queue of T.
type Sender[T any] struct {
	factory *QueueFactory
}

// NewSender builds a sender over b. Options default as for a receiver binding, so
// both sides agree on the queue name.
func NewSender[T any](b broker.Broker, configure ...func(*QueueOptions)) *Sender[T] {
	opts := NewQueueOptions()
	for _, fn := range configure {
		fn(&opts)
	}

	return &Sender[T]{factory: NewQueueFactory(b, TypeOf[T](), opts)}
}

// Options returns the resolved queue options.
func (s *Sender[T]) Options() QueueOptions { return s.factory.Options() }

// Send declares the queue and publishes msg on the default exchange.
func (s *Sender[T]) Send(ctx context.Context, msg T) error {
	q, err := s.factory.DeclareQueue(ctx)
	if err != nil {
		return err
	}

	return berr.Transport("publish", q.Name, s.factory.Broker().Publish(ctx, broker.Exchange{}, q.Name, msg))
}

// Publisher publishes messages of type T to the fanout exchange of T.
type Publisher[T any] struct {
	factory *ExchangeFactory
}

// NewPublisher builds a publisher over b.
func NewPublisher[T any](b broker.Broker, configure ...func(*ExchangeOptions)) *Publisher[T] {
	opts := NewExchangeOptions()
	for _, fn := range configure {
		fn(&opts)
	}

	return &Publisher[T]{factory: NewExchangeFactory(b, TypeOf[T](), opts)}
}

// Options returns the resolved exchange options.
func (p *Publisher[T]) Options() ExchangeOptions { return p.factory.Options() }

// Publish declares the exchange and publishes msg to it.
func (p *Publisher[T]) Publish(ctx context.Context, msg T) error {
	ex, err := p.factory.DeclareExchange(ctx)
	if err != nil {
		return err
	}

	return berr.Transport("publish", ex.Name, p.factory.Broker().Publish(ctx, ex, p.factory.Options().RoutingKey, msg))
}

// RpcClient sends Req requests to the RPC queue of Req and waits for a Resp answer.
type RpcClient[Req, Resp any] struct {
	factory *RpcFactory
}

// NewRpcClient builds a client over b.
func NewRpcClient[Req, Resp any](b broker.Broker, configure ...func(*RpcOptions)) *RpcClient[Req, Resp] {
	opts := NewRpcOptions()
	for _, fn := range configure {
		fn(&opts)
	}

	return &RpcClient[Req, Resp]{factory: NewRpcFactory(b, TypeOf[Req](), TypeOf[Resp](), opts)}
}

// Options returns the resolved RPC options.
func (c *RpcClient[Req, Resp]) Options() RpcOptions { return c.factory.Options() }

// Request sends req and waits for the answer for at most the configured RequestTimeout.
// Exceeding the timeout fails with ErrRequestTimeout; a cancelled ctx fails with ctx's
// own error; a responder failure arrives as a RemoteError.
func (c *RpcClient[Req, Resp]) Request(ctx context.Context, req Req) (Resp, error) {
	var resp Resp

	q, err := c.factory.DeclareQueue(ctx)
	if err != nil {
		return resp, err
	}

	timeout := c.factory.Options().timeout()

	reqCtx, cancel := context.WithTimeoutCause(ctx, timeout, berr.ErrRequestTimeout)
	defer cancel()

	err = c.factory.Broker().Request(reqCtx, q, req, &resp)
	if err == nil {
		return resp, nil
	}

	if ctx.Err() == nil && errors.Is(context.Cause(reqCtx), berr.ErrRequestTimeout) {
		return resp, fmt.Errorf("%w: %s after %s: %w", berr.ErrRequestTimeout, q.Name, timeout, context.DeadlineExceeded)
	}

	return resp, berr.Transport("request", q.Name, err)
}
