package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/next-trace/scg-mediator/contract/broker"
	cbus "github.com/next-trace/scg-mediator/contract/bus"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

const contentTypeHeader = "content-type"

// envelope is the list element carried for every message.
type envelope struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Failed  bool              `json:"failed,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Broker implements broker.Broker over Redis lists.
//
// A queue is a list popped by its consumers, so each message reaches one of them.
// Exchanges live in a hash and bindings in sets, both shared by every process using
// the same prefix; publishing to an exchange pushes a copy onto each bound queue in
// one transaction. Requests carry a reply list that the responder pushes the answer to.
type Broker struct {
	client redis.UniversalClient

	mu     sync.Mutex
	queues map[string]broker.QueueSpec
	users  map[string]int
	regs   map[*registration]struct{}
	closed bool

	prefix   string
	block    time.Duration
	replyTTL time.Duration

	codec      broker.Codec
	propagator cbus.HeaderPropagator
	logger     *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(c broker.Codec) Option { return func(b *Broker) { b.codec = c } }

// WithPropagator sets the header propagator used on publish and consume.
func WithPropagator(hp cbus.HeaderPropagator) Option { return func(b *Broker) { b.propagator = hp } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithPrefix sets the key prefix. Defaults to "mediator:".
func WithPrefix(p string) Option { return func(b *Broker) { b.prefix = p } }

// WithBlock sets how long a consumer blocks on an empty queue before checking for
// shutdown. Redis counts whole seconds; shorter values are raised to one second.
func WithBlock(d time.Duration) Option { return func(b *Broker) { b.block = d } }

// WithReplyTTL sets how long an unread reply list survives.
func WithReplyTTL(d time.Duration) Option { return func(b *Broker) { b.replyTTL = d } }

var _ broker.Broker = (*Broker)(nil)

// New creates a broker over c.
func New(c redis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client:   c,
		queues:   make(map[string]broker.QueueSpec),
		users:    make(map[string]int),
		regs:     make(map[*registration]struct{}),
		prefix:   "mediator:",
		block:    time.Second,
		replyTTL: time.Minute,
		codec:    broker.JSON,
	}

	for _, o := range opts {
		o(b)
	}

	b.propagator = cbus.Propagator(b.propagator)
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}

	b.block = max(b.block, time.Second)

	return b
}

func (b *Broker) queueKey(name string) string     { return b.prefix + "queue:" + name }
func (b *Broker) exchangesKey() string            { return b.prefix + "exchanges" }
func (b *Broker) bindingsKey(queue string) string { return b.prefix + "bound:" + queue }

func (b *Broker) routeKey(ex string, kind broker.ExchangeKind, routingKey string) string {
	if kind == broker.Direct {
		return b.prefix + "route:" + ex + ":" + routingKey
	}

	return b.prefix + "route:" + ex
}

func (b *Broker) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return berr.ErrBrokerClosed
	}

	return nil
}

// DeclareQueue records the queue. Lists exist once they hold an element, so nothing is
// written. An empty name yields a generated one.
func (b *Broker) DeclareQueue(ctx context.Context, spec broker.QueueSpec) (broker.Queue, error) {
	if err := b.check(ctx); err != nil {
		return broker.Queue{}, err
	}

	if spec.Name == "" {
		spec.Name = "gen." + uuid.NewString()
	}

	b.mu.Lock()
	if _, ok := b.queues[spec.Name]; !ok {
		b.queues[spec.Name] = spec
	}
	b.mu.Unlock()

	return broker.Queue{Name: spec.Name}, nil
}

// DeclareExchange stores the exchange kind. A redeclared exchange keeps its first kind.
func (b *Broker) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) (broker.Exchange, error) {
	if err := b.check(ctx); err != nil {
		return broker.Exchange{}, err
	}

	if spec.Name == "" {
		return broker.Exchange{}, errors.New("redis: the default exchange cannot be declared")
	}

	kind := spec.Kind
	if kind == "" {
		kind = broker.Fanout
	}

	if err := b.client.HSetNX(ctx, b.exchangesKey(), spec.Name, string(kind)).Err(); err != nil {
		return broker.Exchange{}, berr.Transport("declare_exchange", spec.Name, err)
	}

	stored, err := b.client.HGet(ctx, b.exchangesKey(), spec.Name).Result()
	if err != nil {
		return broker.Exchange{}, berr.Transport("declare_exchange", spec.Name, err)
	}

	return broker.Exchange{Name: spec.Name, Kind: broker.ExchangeKind(stored)}, nil
}

func (b *Broker) exchangeKind(ctx context.Context, name string) (broker.ExchangeKind, error) {
	kind, err := b.client.HGet(ctx, b.exchangesKey(), name).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis: exchange %q not declared", name)
	}

	if err != nil {
		return "", berr.Transport("exchange", name, err)
	}

	return broker.ExchangeKind(kind), nil
}

// Bind adds q to the route set of ex and routingKey.
func (b *Broker) Bind(ctx context.Context, ex broker.Exchange, q broker.Queue, routingKey string) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	kind, err := b.exchangeKind(ctx, ex.Name)
	if err != nil {
		return err
	}

	route := b.routeKey(ex.Name, kind, routingKey)

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, route, q.Name)
		p.SAdd(ctx, b.bindingsKey(q.Name), route)

		return nil
	})

	return berr.Transport("bind", q.Name, err)
}

// Publish encodes msg and pushes it onto the queue named by routingKey on the default
// exchange, or onto every queue bound to ex.
func (b *Broker) Publish(ctx context.Context, ex broker.Exchange, routingKey string, msg any) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	data, err := b.encode(ctx, msg, "")
	if err != nil {
		return err
	}

	if ex.IsDefault() {
		return berr.Transport("publish", routingKey, b.client.LPush(ctx, b.queueKey(routingKey), data).Err())
	}

	kind, err := b.exchangeKind(ctx, ex.Name)
	if err != nil {
		return err
	}

	queues, err := b.client.SMembers(ctx, b.routeKey(ex.Name, kind, routingKey)).Result()
	if err != nil {
		return berr.Transport("publish", ex.Name, err)
	}

	if len(queues) == 0 {
		return nil
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, q := range queues {
			p.LPush(ctx, b.queueKey(q), data)
		}

		return nil
	})

	return berr.Transport("publish", ex.Name, err)
}

func (b *Broker) encode(ctx context.Context, v any, replyTo string) ([]byte, error) {
	body, err := b.codec.Marshal(v)
	if err != nil {
		return nil, err
	}

	hdrs := make(map[string]string, 4)
	b.propagator.Inject(ctx, hdrs)
	hdrs[contentTypeHeader] = b.codec.ContentType()

	return json.Marshal(envelope{ID: uuid.NewString(), Headers: hdrs, Body: body, ReplyTo: replyTo})
}

// Consume pops q one message at a time. A failed message is logged and dropped.
func (b *Broker) Consume(ctx context.Context, q broker.Queue, h broker.DeliveryHandler) (broker.Registration, error) {
	return b.subscribe(ctx, q.Name, 1, func(ctx context.Context, env envelope) {
		if err := h(ctx, b.delivery(env)); err != nil {
			b.logger.ErrorContext(ctx, "delivery dropped", "queue", q.Name, "message_id", env.ID, "err", err)
		}
	})
}

// Respond answers requests on q. PrefetchCount sets the number of concurrent workers.
func (b *Broker) Respond(
	ctx context.Context,
	q broker.Queue,
	cfg broker.ResponderConfig,
	h broker.RequestHandler,
) (broker.Registration, error) {
	return b.subscribe(ctx, q.Name, max(cfg.PrefetchCount, 1), func(ctx context.Context, env envelope) {
		if env.ReplyTo == "" {
			b.logger.WarnContext(ctx, "request without reply list dropped", "queue", q.Name, "message_id", env.ID)
			return
		}

		out := envelope{ID: uuid.NewString(), Headers: map[string]string{contentTypeHeader: b.codec.ContentType()}}

		resp, err := h(ctx, b.delivery(env))
		if err == nil {
			out.Body, err = b.codec.Marshal(resp)
		}

		if err != nil {
			out.Body, out.Failed, out.Error = nil, true, err.Error()
		}

		data, err := json.Marshal(out)
		if err == nil {
			rctx := context.WithoutCancel(ctx)
			_, err = b.client.TxPipelined(rctx, func(p redis.Pipeliner) error {
				p.LPush(rctx, env.ReplyTo, data)
				p.Expire(rctx, env.ReplyTo, b.replyTTL)

				return nil
			})
		}

		if err != nil {
			b.logger.ErrorContext(ctx, "reply failed", "queue", q.Name, "message_id", env.ID, "err", err)
		}
	})
}

// Request pushes req onto q with a fresh reply list and waits on that list.
func (b *Broker) Request(ctx context.Context, q broker.Queue, req, resp any) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	replyTo := b.prefix + "reply:" + uuid.NewString()

	data, err := b.encode(ctx, req, replyTo)
	if err != nil {
		return err
	}

	defer func() { _ = b.client.Del(context.WithoutCancel(ctx), replyTo).Err() }()

	if err := b.client.LPush(ctx, b.queueKey(q.Name), data).Err(); err != nil {
		return berr.Transport("request", q.Name, err)
	}

	for {
		res, err := b.client.BRPop(ctx, b.block, replyTo).Result()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return berr.Transport("request", q.Name, err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			return fmt.Errorf("%w: reply envelope: %w", berr.ErrSerializationFailed, err)
		}

		if env.Failed {
			return &berr.RemoteError{Message: env.Error}
		}

		return b.codec.Unmarshal(env.Body, resp)
	}
}

func (b *Broker) delivery(env envelope) *broker.RawDelivery {
	return &broker.RawDelivery{ID: env.ID, Header: env.Headers, Body: env.Body, Codec: b.codec}
}

// Close stops every registration. The client is left to its owner.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	regs := make([]*registration, 0, len(b.regs))
	for r := range b.regs {
		regs = append(regs, r)
	}
	b.mu.Unlock()

	for _, r := range regs {
		r.signal()
	}

	var errs []error
	for _, r := range regs {
		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}
