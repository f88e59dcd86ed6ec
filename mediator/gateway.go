package mediator

import (
	"context"
	"log/slog"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// MessageHandler processes one decoded message.
type MessageHandler func(ctx context.Context, msg any) error

// RequestFunc answers one decoded request.
type RequestFunc func(ctx context.Context, req any) (any, error)

// ReceiverGateway consumes a point-to-point queue: each message reaches exactly one receiver.
type ReceiverGateway struct {
	factory *QueueFactory
	message Type
	logger  *slog.Logger
}

// NewReceiverGateway builds a gateway over f decoding deliveries as message.
func NewReceiverGateway(f *QueueFactory, message Type, logger *slog.Logger) *ReceiverGateway {
	return &ReceiverGateway{factory: f, message: message, logger: logger}
}

// Consume declares the queue and feeds every delivery to onMessage until ctx is done,
// then tears the consumer down.
func (g *ReceiverGateway) Consume(ctx context.Context, onMessage MessageHandler) error {
	q, err := g.factory.DeclareQueue(ctx)
	if err != nil {
		return err
	}

	log := g.logger.With("kind", "receiver", "queue", q.Name)

	reg, err := g.factory.Broker().Consume(ctx, q, deliver(log, g.message, onMessage))
	if err != nil {
		return berr.Transport("consume", q.Name, err)
	}

	return await(ctx, log, reg)
}

// SubscriberGateway consumes a queue dedicated to this subscriber and bound to a fanout
// exchange, so every subscriber sees every published message.
type SubscriberGateway struct {
	factory *SubscriberFactory
	message Type
	logger  *slog.Logger
}

// NewSubscriberGateway builds a gateway over f decoding deliveries as message.
func NewSubscriberGateway(f *SubscriberFactory, message Type, logger *slog.Logger) *SubscriberGateway {
	return &SubscriberGateway{factory: f, message: message, logger: logger}
}

// Consume declares the exchange and the subscription queue, binds them, and feeds every
// delivery to onMessage until ctx is done.
func (g *SubscriberGateway) Consume(ctx context.Context, onMessage MessageHandler) error {
	ex, err := g.factory.DeclareExchange(ctx)
	if err != nil {
		return err
	}

	q, err := g.factory.DeclareQueue(ctx)
	if err != nil {
		return err
	}

	if err := g.factory.Bind(ctx, ex, q); err != nil {
		return err
	}

	log := g.logger.With("kind", "subscriber", "exchange", ex.Name, "queue", q.Name)

	reg, err := g.factory.Broker().Consume(ctx, q, deliver(log, g.message, onMessage))
	if err != nil {
		return berr.Transport("consume", q.Name, err)
	}

	return await(ctx, log, reg)
}

// ResponderGateway answers requests arriving on an RPC queue. The broker routes each
// answer back to its requester.
type ResponderGateway struct {
	factory *RpcFactory
	request Type
	logger  *slog.Logger
}

// NewResponderGateway builds a gateway over f decoding requests as request.
func NewResponderGateway(f *RpcFactory, request Type, logger *slog.Logger) *ResponderGateway {
	return &ResponderGateway{factory: f, request: request, logger: logger}
}

// Respond registers onRequest for the request queue until ctx is done.
func (g *ResponderGateway) Respond(ctx context.Context, onRequest RequestFunc) error {
	opts := g.factory.Options()

	q, err := g.factory.DeclareQueue(ctx)
	if err != nil {
		return err
	}

	log := g.logger.With("kind", "rpc", "queue", q.Name)
	request := g.request

	reg, err := g.factory.Broker().Respond(ctx, q, opts.responderConfig(), func(ctx context.Context, d broker.Delivery) (any, error) {
		req, err := request.decodeFrom(d)
		if err != nil {
			log.ErrorContext(ctx, "decode request failed", "message_id", d.MessageID(), "err", err)
			return nil, err
		}

		resp, err := onRequest(ctx, req)
		if err != nil {
			log.ErrorContext(ctx, "request handling failed", "message_id", d.MessageID(), "err", err)
			return nil, err
		}

		return resp, nil
	})
	if err != nil {
		return berr.Transport("respond", q.Name, err)
	}

	return await(ctx, log, reg)
}

func deliver(log *slog.Logger, message Type, onMessage MessageHandler) broker.DeliveryHandler {
	return func(ctx context.Context, d broker.Delivery) error {
		msg, err := message.decodeFrom(d)
		if err != nil {
			log.ErrorContext(ctx, "decode message failed", "message_id", d.MessageID(), "err", err)
			return err
		}

		if err := onMessage(ctx, msg); err != nil {
			log.ErrorContext(ctx, "message handling failed", "message_id", d.MessageID(), "err", err)
			return err
		}

		return nil
	}
}

// await parks until ctx is done and then closes reg.
func await(ctx context.Context, log *slog.Logger, reg broker.Registration) error {
	log.DebugContext(ctx, "consuming")
	<-ctx.Done()

	if err := reg.Close(); err != nil {
		return berr.Transport("close", "", err)
	}

	log.DebugContext(ctx, "consumer closed")

	return nil
}
