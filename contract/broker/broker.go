package broker

import "context"

// ExchangeKind selects the routing strategy of an exchange.
type ExchangeKind string

const (
	// Fanout copies every published message to all bound queues.
	Fanout ExchangeKind = "fanout"
	// Direct routes by exact routing key.
	Direct ExchangeKind = "direct"
)

// QueueSpec describes a queue to declare.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// ExchangeSpec describes an exchange to declare.
type ExchangeSpec struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
}

// Queue is a declared queue handle.
type Queue struct {
	Name string
}

// Exchange is a declared exchange handle. The zero Exchange is the default exchange,
// which routes a message to the queue named by the routing key.
type Exchange struct {
	Name string
	Kind ExchangeKind
}

// IsDefault reports whether e is the default exchange.
func (e Exchange) IsDefault() bool { return e.Name == "" }

// Delivery is one inbound message.
type Delivery interface {
	MessageID() string
	Headers() map[string]string
	// Decode unmarshals the payload into v (a pointer).
	Decode(v any) error
}

// DeliveryHandler processes a consumed message. A returned error is reported to the
// transport, which decides whether to requeue or drop.
type DeliveryHandler func(ctx context.Context, d Delivery) error

// RequestHandler answers one RPC request. The returned value is encoded and sent back
// to the requester; a returned error is sent back as a remote failure.
type RequestHandler func(ctx context.Context, d Delivery) (any, error)

// ResponderConfig tunes a responder registration.
type ResponderConfig struct {
	// PrefetchCount caps in-flight requests. Zero leaves the transport default.
	PrefetchCount int
}

// Registration is a live consumer or responder. Close is idempotent.
type Registration interface {
	Close() error
}

// Broker is the transport capability the mediator builds on.
// Implementations must be safe for concurrent use.
type Broker interface {
	DeclareQueue(ctx context.Context, spec QueueSpec) (Queue, error)
	DeclareExchange(ctx context.Context, spec ExchangeSpec) (Exchange, error)
	Bind(ctx context.Context, ex Exchange, q Queue, routingKey string) error
	Consume(ctx context.Context, q Queue, h DeliveryHandler) (Registration, error)
	Publish(ctx context.Context, ex Exchange, routingKey string, msg any) error
	Respond(ctx context.Context, q Queue, cfg ResponderConfig, h RequestHandler) (Registration, error)
	// Request sends req to the responder on q and decodes the answer into resp.
	// The deadline is taken from ctx.
	Request(ctx context.Context, q Queue, req, resp any) error
	Close() error
}
