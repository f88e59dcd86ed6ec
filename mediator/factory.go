package mediator

import (
	"context"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// QueueFactory holds the transport shape of a point-to-point binding.
// Names are resolved once, at construction; the broker is untouched until a declare call.
type QueueFactory struct {
	broker  broker.Broker
	options QueueOptions
}

// NewQueueFactory resolves the default queue name of message into opts.
func NewQueueFactory(b broker.Broker, message Type, opts QueueOptions) *QueueFactory {
	opts.ResolveName(QueueName(message.Name()))
	return &QueueFactory{broker: b, options: opts}
}

// Broker returns the broker the factory declares on.
func (f *QueueFactory) Broker() broker.Broker { return f.broker }

// Options returns the resolved options.
func (f *QueueFactory) Options() QueueOptions { return f.options }

// DeclareQueue declares the queue.
func (f *QueueFactory) DeclareQueue(ctx context.Context) (broker.Queue, error) {
	q, err := f.broker.DeclareQueue(ctx, f.options.QueueSpec())
	return q, berr.Transport("declare_queue", f.options.Name, err)
}

// ExchangeFactory holds the transport shape of a fanout publisher.
type ExchangeFactory struct {
	broker  broker.Broker
	options ExchangeOptions
}

// NewExchangeFactory resolves the default exchange name of message into opts.
func NewExchangeFactory(b broker.Broker, message Type, opts ExchangeOptions) *ExchangeFactory {
	opts.ResolveName(ExchangeName(message.Name()))
	return &ExchangeFactory{broker: b, options: opts}
}

// Broker returns the broker the factory declares on.
func (f *ExchangeFactory) Broker() broker.Broker { return f.broker }

// Options returns the resolved options.
func (f *ExchangeFactory) Options() ExchangeOptions { return f.options }

// DeclareExchange declares the fanout exchange.
func (f *ExchangeFactory) DeclareExchange(ctx context.Context) (broker.Exchange, error) {
	return declareExchange(ctx, f.broker, f.options)
}

// SubscriberFactory holds the transport shape of a subscription: the fanout exchange
// of the message and a queue dedicated to this program.
type SubscriberFactory struct {
	broker  broker.Broker
	options SubscriberOptions
}

// NewSubscriberFactory resolves the default exchange and subscription queue names into opts.
func NewSubscriberFactory(b broker.Broker, message Type, opts SubscriberOptions, program string) *SubscriberFactory {
	opts.ResolveName(ExchangeName(message.Name()))
	opts.ResolveSubQueueName(SubscriptionQueueName(message.Name(), program))

	return &SubscriberFactory{broker: b, options: opts}
}

// Broker returns the broker the factory declares on.
func (f *SubscriberFactory) Broker() broker.Broker { return f.broker }

// Options returns the resolved options.
func (f *SubscriberFactory) Options() SubscriberOptions { return f.options }

// DeclareExchange declares the fanout exchange.
func (f *SubscriberFactory) DeclareExchange(ctx context.Context) (broker.Exchange, error) {
	return declareExchange(ctx, f.broker, f.options.ExchangeOptions)
}

// DeclareQueue declares the subscription queue.
func (f *SubscriberFactory) DeclareQueue(ctx context.Context) (broker.Queue, error) {
	q, err := f.broker.DeclareQueue(ctx, f.options.SubscriptionQueueSpec())
	return q, berr.Transport("declare_queue", f.options.SubQueueName, err)
}

// Bind binds the subscription queue to the exchange with the configured routing key.
func (f *SubscriberFactory) Bind(ctx context.Context, ex broker.Exchange, q broker.Queue) error {
	return berr.Transport("bind", q.Name, f.broker.Bind(ctx, ex, q, f.options.RoutingKey))
}

// RpcFactory holds the transport shape of an RPC binding.
type RpcFactory struct {
	broker  broker.Broker
	options RpcOptions
}

// NewRpcFactory resolves the default RPC queue name of request into opts and
// records the request and response types when absent.
func NewRpcFactory(b broker.Broker, request, response Type, opts RpcOptions) *RpcFactory {
	opts.ResolveName(RpcQueueName(request.Name()))
	setIfAbsent(&opts.requestMessageType, request)
	setIfAbsent(&opts.responseMessageType, response)

	return &RpcFactory{broker: b, options: opts}
}

// Broker returns the broker the factory declares on.
func (f *RpcFactory) Broker() broker.Broker { return f.broker }

// Options returns the resolved options.
func (f *RpcFactory) Options() RpcOptions { return f.options }

// DeclareQueue declares the request queue.
func (f *RpcFactory) DeclareQueue(ctx context.Context) (broker.Queue, error) {
	q, err := f.broker.DeclareQueue(ctx, f.options.QueueSpec())
	return q, berr.Transport("declare_queue", f.options.Name, err)
}

func declareExchange(ctx context.Context, b broker.Broker, o ExchangeOptions) (broker.Exchange, error) {
	ex, err := b.DeclareExchange(ctx, o.ExchangeSpec())
	return ex, berr.Transport("declare_exchange", o.Name, err)
}
