package mediator

import (
	"time"

	"github.com/next-trace/scg-mediator/contract/broker"
)

// DefaultRequestTimeout bounds an RPC request when RpcOptions leaves it unset.
const DefaultRequestTimeout = 30 * time.Second

// QueueOptions configures a point-to-point queue. An empty Name is resolved from
// the message type when the channel factory is built.
type QueueOptions struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// NewQueueOptions returns queue defaults: durable, not exclusive, not auto-deleted.
func NewQueueOptions() QueueOptions { return QueueOptions{Durable: true} }

// ResolveName assigns def when no name is configured and returns the resolved name.
// A configured name is never overwritten.
func (o *QueueOptions) ResolveName(def string) string {
	if o.Name == "" {
		o.Name = def
	}

	return o.Name
}

// QueueSpec returns the declaration for this queue.
func (o QueueOptions) QueueSpec() broker.QueueSpec {
	return broker.QueueSpec{Name: o.Name, Durable: o.Durable, Exclusive: o.Exclusive, AutoDelete: o.AutoDelete}
}

// ExchangeOptions configures a fanout exchange. Name holds the exchange name.
type ExchangeOptions struct {
	QueueOptions
	RoutingKey string
}

// NewExchangeOptions returns exchange defaults: not durable, not exclusive.
func NewExchangeOptions() ExchangeOptions { return ExchangeOptions{} }

// ExchangeSpec returns the declaration for this exchange.
func (o ExchangeOptions) ExchangeSpec() broker.ExchangeSpec {
	return broker.ExchangeSpec{Name: o.Name, Kind: broker.Fanout, Durable: o.Durable, AutoDelete: o.AutoDelete}
}

// SubscriberOptions configures a subscription: the exchange plus the dedicated queue bound to it.
type SubscriberOptions struct {
	ExchangeOptions
	SubQueueName string
}

// NewSubscriberOptions returns subscription defaults, those of NewExchangeOptions.
func NewSubscriberOptions() SubscriberOptions {
	return SubscriberOptions{ExchangeOptions: NewExchangeOptions()}
}

// ResolveSubQueueName assigns def when no subscription queue is configured.
func (o *SubscriberOptions) ResolveSubQueueName(def string) string {
	if o.SubQueueName == "" {
		o.SubQueueName = def
	}

	return o.SubQueueName
}

// SubscriptionQueueSpec returns the declaration for the subscription queue.
func (o SubscriberOptions) SubscriptionQueueSpec() broker.QueueSpec {
	return broker.QueueSpec{Name: o.SubQueueName, Durable: o.Durable, Exclusive: o.Exclusive, AutoDelete: o.AutoDelete}
}

// RpcOptions configures an RPC request queue. The type tags are assigned once
// and are read-only afterwards.
type RpcOptions struct {
	QueueOptions

	// PrefetchCount caps in-flight requests on the responder; nil leaves the broker default.
	PrefetchCount *int

	// RequestTimeout bounds a request made through RpcClient.
	RequestTimeout time.Duration

	requestMessageType  Type
	responseMessageType Type
	commandType         Type
	commandResultType   Type
}

// NewRpcOptions returns RPC defaults: durable queue and a 30s request timeout.
func NewRpcOptions() RpcOptions {
	return RpcOptions{QueueOptions: NewQueueOptions(), RequestTimeout: DefaultRequestTimeout}
}

// SetPrefetchCount sets PrefetchCount to n.
func (o *RpcOptions) SetPrefetchCount(n int) { o.PrefetchCount = &n }

// RequestMessageType is the inbound request message type.
func (o RpcOptions) RequestMessageType() Type { return o.requestMessageType }

// ResponseMessageType is the outbound response message type.
func (o RpcOptions) ResponseMessageType() Type { return o.responseMessageType }

// CommandType is the command the request maps to.
func (o RpcOptions) CommandType() Type { return o.commandType }

// CommandResultType is the handler result mapped back to the response.
func (o RpcOptions) CommandResultType() Type { return o.commandResultType }

func (o RpcOptions) timeout() time.Duration {
	if o.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}

	return o.RequestTimeout
}

func (o RpcOptions) responderConfig() broker.ResponderConfig {
	var cfg broker.ResponderConfig
	if o.PrefetchCount != nil {
		cfg.PrefetchCount = *o.PrefetchCount
	}

	return cfg
}
