package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/next-trace/scg-mediator/contract/broker"
	cbus "github.com/next-trace/scg-mediator/contract/bus"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

const (
	contentTypeHeader = "Content-Type"
	errorHeader       = "Mediator-Error"
)

// Subscription is a live NATS subscription.
type Subscription interface {
	Unsubscribe() error
}

// Client is the subset of a NATS connection used by the broker.
type Client interface {
	PublishMsg(m *nats.Msg) error
	RequestMsgWithContext(ctx context.Context, m *nats.Msg) (*nats.Msg, error)
	QueueSubscribe(subject, group string, cb nats.MsgHandler) (Subscription, error)
}

// Broker implements broker.Broker over core NATS subjects.
//
// A queue is a subject consumed by a queue group of the same name, so each message
// reaches one consumer. A fanout exchange is a subject of its own; binding a queue to
// it adds that subject to the queue's consumers. A direct exchange binds
// "<exchange>.<key>". Core NATS keeps nothing: a message published while no consumer
// listens is lost.
type Broker struct {
	client Client

	mu        sync.Mutex
	queues    map[string]broker.QueueSpec
	exchanges map[string]broker.ExchangeKind
	bindings  map[string][]string // queue -> extra subjects
	regs      map[*registration]struct{}
	closed    bool

	codec      broker.Codec
	propagator cbus.HeaderPropagator
	logger     *slog.Logger
	buffer     int
}

// Option configures a Broker.
type Option func(*Broker)

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(c broker.Codec) Option { return func(b *Broker) { b.codec = c } }

// WithPropagator sets the header propagator used on publish and consume.
func WithPropagator(hp cbus.HeaderPropagator) Option { return func(b *Broker) { b.propagator = hp } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithBuffer sets how many received messages wait per registration before the
// subscription callback blocks.
func WithBuffer(n int) Option { return func(b *Broker) { b.buffer = n } }

var _ broker.Broker = (*Broker)(nil)

// New creates a broker over c.
func New(c Client, opts ...Option) *Broker {
	b := &Broker{
		client:    c,
		queues:    make(map[string]broker.QueueSpec),
		exchanges: make(map[string]broker.ExchangeKind),
		bindings:  make(map[string][]string),
		regs:      make(map[*registration]struct{}),
		codec:     broker.JSON,
		buffer:    256,
	}

	for _, o := range opts {
		o(b)
	}

	b.propagator = cbus.Propagator(b.propagator)
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}

	b.buffer = max(b.buffer, 1)

	return b
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

// DeclareQueue records the queue. An empty name yields a generated one.
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

// DeclareExchange records the exchange kind.
func (b *Broker) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) (broker.Exchange, error) {
	if err := b.check(ctx); err != nil {
		return broker.Exchange{}, err
	}

	if spec.Name == "" {
		return broker.Exchange{}, errors.New("nats: the default exchange cannot be declared")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kind, ok := b.exchanges[spec.Name]
	if !ok {
		kind = spec.Kind
		if kind == "" {
			kind = broker.Fanout
		}

		b.exchanges[spec.Name] = kind
	}

	return broker.Exchange{Name: spec.Name, Kind: kind}, nil
}

// Bind adds the exchange subject to the consumers of q. Consumers started before
// the bind do not pick it up.
func (b *Broker) Bind(ctx context.Context, ex broker.Exchange, q broker.Queue, routingKey string) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kind, ok := b.exchanges[ex.Name]
	if !ok {
		return fmt.Errorf("nats: exchange %q not declared", ex.Name)
	}

	subject := exchangeSubject(ex.Name, kind, routingKey)
	for _, s := range b.bindings[q.Name] {
		if s == subject {
			return nil
		}
	}

	b.bindings[q.Name] = append(b.bindings[q.Name], subject)

	return nil
}

func exchangeSubject(name string, kind broker.ExchangeKind, routingKey string) string {
	if kind == broker.Direct {
		return name + "." + routingKey
	}

	return name
}

// subject resolves where a publish to ex with routingKey goes.
func (b *Broker) subject(ex broker.Exchange, routingKey string) string {
	if ex.IsDefault() {
		return routingKey
	}

	b.mu.Lock()
	kind, ok := b.exchanges[ex.Name]
	b.mu.Unlock()

	if !ok {
		kind = ex.Kind
	}

	return exchangeSubject(ex.Name, kind, routingKey)
}

// Publish encodes msg and publishes it on the subject of ex and routingKey.
func (b *Broker) Publish(ctx context.Context, ex broker.Exchange, routingKey string, msg any) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	m, err := b.message(ctx, b.subject(ex, routingKey), msg)
	if err != nil {
		return err
	}

	return berr.Transport("publish", m.Subject, b.client.PublishMsg(m))
}

func (b *Broker) message(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	body, err := b.codec.Marshal(v)
	if err != nil {
		return nil, err
	}

	hdrs := make(map[string]string, 4)
	b.propagator.Inject(ctx, hdrs)

	m := nats.NewMsg(subject)
	m.Data = body

	for k, v := range hdrs {
		m.Header.Set(k, v)
	}

	m.Header.Set(contentTypeHeader, b.codec.ContentType())
	m.Header.Set(nats.MsgIdHdr, uuid.NewString())

	return m, nil
}

// Consume subscribes the queue group of q to q and every subject bound to it.
// Messages are handled one at a time.
func (b *Broker) Consume(ctx context.Context, q broker.Queue, h broker.DeliveryHandler) (broker.Registration, error) {
	return b.subscribe(ctx, q.Name, 1, func(ctx context.Context, m *nats.Msg) {
		if err := h(ctx, b.delivery(m)); err != nil {
			b.logger.ErrorContext(ctx, "delivery dropped", "queue", q.Name, "message_id", m.Header.Get(nats.MsgIdHdr), "err", err)
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
	return b.subscribe(ctx, q.Name, max(cfg.PrefetchCount, 1), func(ctx context.Context, m *nats.Msg) {
		if m.Reply == "" {
			b.logger.WarnContext(ctx, "request without reply subject dropped", "queue", q.Name)
			return
		}

		out := nats.NewMsg(m.Reply)
		out.Header.Set(contentTypeHeader, b.codec.ContentType())

		resp, err := h(ctx, b.delivery(m))
		if err == nil {
			out.Data, err = b.codec.Marshal(resp)
		}

		if err != nil {
			out.Data = nil
			out.Header.Set(errorHeader, err.Error())
		}

		if err := b.client.PublishMsg(out); err != nil {
			b.logger.ErrorContext(ctx, "reply failed", "queue", q.Name, "err", err)
		}
	})
}

// Request sends req on the subject of q and waits for one reply.
func (b *Broker) Request(ctx context.Context, q broker.Queue, req, resp any) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	m, err := b.message(ctx, q.Name, req)
	if err != nil {
		return err
	}

	r, err := b.client.RequestMsgWithContext(ctx, m)
	if err != nil {
		return berr.Transport("request", q.Name, err)
	}

	if msg := r.Header.Get(errorHeader); msg != "" {
		return &berr.RemoteError{Message: msg}
	}

	return b.codec.Unmarshal(r.Data, resp)
}

func (b *Broker) delivery(m *nats.Msg) *broker.RawDelivery {
	return &broker.RawDelivery{ID: m.Header.Get(nats.MsgIdHdr), Header: headerMap(m.Header), Body: m.Data, Codec: b.codec}
}

// Close unsubscribes every registration. The connection is left to its owner.
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

	var errs []error
	for _, r := range regs {
		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}
