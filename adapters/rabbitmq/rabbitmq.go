package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-mediator/contract/broker"
	cbus "github.com/next-trace/scg-mediator/contract/bus"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

const (
	// directReplyTo is the RabbitMQ pseudo queue answering a request on the requester's channel.
	directReplyTo = "amq.rabbitmq.reply-to"

	// errorHeader carries a responder failure back to the requester.
	errorHeader = "x-mediator-error"
)

// Channel is the subset of *amqp.Channel used by the broker.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection opens channels. Each consumer, responder and request gets its own channel.
type Connection interface {
	Channel() (Channel, error)
}

// Broker implements broker.Broker over AMQP 0-9-1.
// Topology and publishes share one channel; consumers own theirs.
type Broker struct {
	conn Connection

	mu     sync.Mutex
	ch     Channel
	closed bool
	regs   map[*consumer]struct{}

	codec      broker.Codec
	propagator cbus.HeaderPropagator
	logger     *slog.Logger
	persistent bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(c broker.Codec) Option { return func(b *Broker) { b.codec = c } }

// WithPropagator sets the header propagator used on publish and consume.
func WithPropagator(hp cbus.HeaderPropagator) Option { return func(b *Broker) { b.propagator = hp } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithTransient publishes non-persistent messages.
func WithTransient() Option { return func(b *Broker) { b.persistent = false } }

var _ broker.Broker = (*Broker)(nil)

// New opens the shared channel on conn and returns the broker.
func New(conn Connection, opts ...Option) (*Broker, error) {
	b := &Broker{
		conn:       conn,
		regs:       make(map[*consumer]struct{}),
		codec:      broker.JSON,
		persistent: true,
	}

	for _, o := range opts {
		o(b)
	}

	b.propagator = cbus.Propagator(b.propagator)
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, berr.Transport("channel", "", err)
	}

	b.ch = ch

	return b, nil
}

func (b *Broker) shared() (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, berr.ErrBrokerClosed
	}

	return b.ch, nil
}

// DeclareQueue declares the queue. An empty name lets the server pick one.
func (b *Broker) DeclareQueue(ctx context.Context, spec broker.QueueSpec) (broker.Queue, error) {
	if err := ctx.Err(); err != nil {
		return broker.Queue{}, err
	}

	ch, err := b.shared()
	if err != nil {
		return broker.Queue{}, err
	}

	q, err := ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, spec.Exclusive, false, nil)
	if err != nil {
		return broker.Queue{}, berr.Transport("declare_queue", spec.Name, err)
	}

	return broker.Queue{Name: q.Name}, nil
}

// DeclareExchange declares the exchange. The default exchange cannot be declared.
func (b *Broker) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) (broker.Exchange, error) {
	if err := ctx.Err(); err != nil {
		return broker.Exchange{}, err
	}

	if spec.Name == "" {
		return broker.Exchange{}, errors.New("rabbitmq: the default exchange cannot be declared")
	}

	kind := spec.Kind
	if kind == "" {
		kind = broker.Fanout
	}

	ch, err := b.shared()
	if err != nil {
		return broker.Exchange{}, err
	}

	if err := ch.ExchangeDeclare(spec.Name, string(kind), spec.Durable, spec.AutoDelete, false, false, nil); err != nil {
		return broker.Exchange{}, berr.Transport("declare_exchange", spec.Name, err)
	}

	return broker.Exchange{Name: spec.Name, Kind: kind}, nil
}

// Bind binds q to ex with routingKey.
func (b *Broker) Bind(ctx context.Context, ex broker.Exchange, q broker.Queue, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := b.shared()
	if err != nil {
		return err
	}

	return berr.Transport("bind", q.Name, ch.QueueBind(q.Name, routingKey, ex.Name, false, nil))
}

// Publish encodes msg and publishes it to ex. On the default exchange routingKey is the queue name.
func (b *Broker) Publish(ctx context.Context, ex broker.Exchange, routingKey string, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := b.shared()
	if err != nil {
		return err
	}

	p, err := b.publishing(ctx, msg)
	if err != nil {
		return err
	}

	return berr.Transport("publish", routingKey, ch.PublishWithContext(ctx, ex.Name, routingKey, false, false, p))
}

func (b *Broker) publishing(ctx context.Context, msg any) (amqp.Publishing, error) {
	body, err := b.codec.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}

	hdrs := make(map[string]string, 4)
	b.propagator.Inject(ctx, hdrs)

	p := amqp.Publishing{
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ContentType: b.codec.ContentType(),
		Headers:     toTable(hdrs),
		Body:        body,
	}

	if b.persistent {
		p.DeliveryMode = amqp.Persistent
	}

	return p, nil
}

// Consume starts a consumer on its own channel. A handled message is acked; a failed
// one is rejected without requeue.
func (b *Broker) Consume(ctx context.Context, q broker.Queue, h broker.DeliveryHandler) (broker.Registration, error) {
	c, deliveries, err := b.subscribe(ctx, q.Name, 0)
	if err != nil {
		return nil, err
	}

	c.run(ctx, 1, deliveries, func(ctx context.Context, d amqp.Delivery) {
		if err := h(ctx, b.delivery(d)); err != nil {
			b.logger.ErrorContext(ctx, "delivery rejected", "queue", q.Name, "message_id", d.MessageId, "err", err)
			_ = d.Reject(false)

			return
		}

		_ = d.Ack(false)
	})

	return c, nil
}

// Respond answers requests on q. Answers go to the requester's reply-to address with its
// correlation id. PrefetchCount caps unacked requests and sets the worker count.
func (b *Broker) Respond(
	ctx context.Context,
	q broker.Queue,
	cfg broker.ResponderConfig,
	h broker.RequestHandler,
) (broker.Registration, error) {
	c, deliveries, err := b.subscribe(ctx, q.Name, cfg.PrefetchCount)
	if err != nil {
		return nil, err
	}

	c.run(ctx, max(cfg.PrefetchCount, 1), deliveries, func(ctx context.Context, d amqp.Delivery) {
		defer func() { _ = d.Ack(false) }()

		if d.ReplyTo == "" {
			b.logger.WarnContext(ctx, "request without reply-to dropped", "queue", q.Name, "message_id", d.MessageId)
			return
		}

		if err := b.reply(ctx, c.ch, d, h); err != nil {
			b.logger.ErrorContext(ctx, "reply failed", "queue", q.Name, "message_id", d.MessageId, "err", err)
		}
	})

	return c, nil
}

func (b *Broker) reply(ctx context.Context, ch Channel, d amqp.Delivery, h broker.RequestHandler) error {
	out := amqp.Publishing{
		CorrelationId: d.CorrelationId,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		ContentType:   b.codec.ContentType(),
	}

	resp, err := h(ctx, b.delivery(d))
	if err == nil {
		out.Body, err = b.codec.Marshal(resp)
	}

	if err != nil {
		out.Body = nil
		out.Headers = amqp.Table{errorHeader: err.Error()}
	}

	return ch.PublishWithContext(context.WithoutCancel(ctx), "", d.ReplyTo, false, false, out)
}

// Request publishes req to q with direct reply-to and waits for the correlated answer.
func (b *Broker) Request(ctx context.Context, q broker.Queue, req, resp any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := b.shared(); err != nil {
		return err
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return berr.Transport("channel", q.Name, err)
	}
	defer func() { _ = ch.Close() }()

	replies, err := ch.Consume(directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		return berr.Transport("request", q.Name, err)
	}

	p, err := b.publishing(ctx, req)
	if err != nil {
		return err
	}

	p.CorrelationId = uuid.NewString()
	p.ReplyTo = directReplyTo
	p.DeliveryMode = amqp.Transient

	if err := ch.PublishWithContext(ctx, "", q.Name, false, false, p); err != nil {
		return berr.Transport("request", q.Name, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-replies:
			if !ok {
				return berr.Transport("request", q.Name, amqp.ErrClosed)
			}

			if d.CorrelationId != p.CorrelationId {
				continue
			}

			if msg, ok := d.Headers[errorHeader]; ok {
				return &berr.RemoteError{Message: fmt.Sprint(msg)}
			}

			return b.codec.Unmarshal(d.Body, resp)
		}
	}
}

func (b *Broker) delivery(d amqp.Delivery) *broker.RawDelivery {
	h := fromTable(d.Headers)
	if d.ContentType != "" {
		h["content-type"] = d.ContentType
	}

	return &broker.RawDelivery{ID: d.MessageId, Header: h, Body: d.Body, Codec: b.codec}
}

// Close cancels every consumer and closes the shared channel. Later calls are no-ops.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	regs := make([]*consumer, 0, len(b.regs))
	for c := range b.regs {
		regs = append(regs, c)
	}
	b.mu.Unlock()

	var errs []error
	for _, c := range regs {
		errs = append(errs, c.Close())
	}

	errs = append(errs, b.ch.Close())

	return errors.Join(errs...)
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := v.(string); ok {
			h[k] = s
			continue
		}

		h[k] = fmt.Sprint(v)
	}

	return h
}
