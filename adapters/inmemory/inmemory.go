package inmemory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/next-trace/scg-mediator/contract/broker"
	cbus "github.com/next-trace/scg-mediator/contract/bus"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

const defaultQueueCapacity = 1024

// Record is one publish observed by the broker.
type Record struct {
	MessageID  string
	Exchange   string
	RoutingKey string
	Headers    map[string]string
	Body       []byte
}

// Broker is a thread-safe in-process implementation of broker.Broker.
// Queues are buffered channels; a message on a queue reaches exactly one consumer.
// Handler failures are logged and the message is dropped.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	records   []Record
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup

	codec      broker.Codec
	propagator cbus.HeaderPropagator
	logger     *slog.Logger
	capacity   int
}

// Option configures a Broker.
type Option func(*Broker)

// WithCodec sets the payload codec. Defaults to JSON.
func WithCodec(c broker.Codec) Option { return func(b *Broker) { b.codec = c } }

// WithPropagator sets the header propagator used on publish and consume.
func WithPropagator(hp cbus.HeaderPropagator) Option { return func(b *Broker) { b.propagator = hp } }

// WithLogger sets the logger for dropped deliveries.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithQueueCapacity sets the buffer size of every queue. Publish blocks while a queue is full.
func WithQueueCapacity(n int) Option { return func(b *Broker) { b.capacity = n } }

var _ broker.Broker = (*Broker)(nil)

// New creates a new in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		done:      make(chan struct{}),
		codec:     broker.JSON,
		capacity:  defaultQueueCapacity,
	}

	for _, o := range opts {
		o(b)
	}

	b.propagator = cbus.Propagator(b.propagator)
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}

	if b.capacity <= 0 {
		b.capacity = defaultQueueCapacity
	}

	return b
}

type envelope struct {
	id      string
	headers map[string]string
	body    []byte
	reply   chan reply
}

type reply struct {
	body []byte
	err  string
}

type queue struct {
	spec      broker.QueueSpec
	msgs      chan envelope
	consumers int
}

type exchange struct {
	spec     broker.ExchangeSpec
	bindings map[string]string // queue name -> routing key
}

// DeclareQueue creates the queue if absent. An empty name yields a generated one.
func (b *Broker) DeclareQueue(ctx context.Context, spec broker.QueueSpec) (broker.Queue, error) {
	if err := ctx.Err(); err != nil {
		return broker.Queue{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.Queue{}, berr.ErrBrokerClosed
	}

	if spec.Name == "" {
		spec.Name = "gen-" + uuid.NewString()
	}

	if _, ok := b.queues[spec.Name]; !ok {
		b.queues[spec.Name] = &queue{spec: spec, msgs: make(chan envelope, b.capacity)}
	}

	return broker.Queue{Name: spec.Name}, nil
}

// DeclareExchange creates the exchange if absent.
func (b *Broker) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) (broker.Exchange, error) {
	if err := ctx.Err(); err != nil {
		return broker.Exchange{}, err
	}

	if spec.Name == "" {
		return broker.Exchange{}, errors.New("inmemory: the default exchange cannot be declared")
	}

	if spec.Kind == "" {
		spec.Kind = broker.Fanout
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return broker.Exchange{}, berr.ErrBrokerClosed
	}

	ex, ok := b.exchanges[spec.Name]
	if !ok {
		ex = &exchange{spec: spec, bindings: make(map[string]string)}
		b.exchanges[spec.Name] = ex
	}

	return broker.Exchange{Name: ex.spec.Name, Kind: ex.spec.Kind}, nil
}

// Bind routes messages published on ex to q.
func (b *Broker) Bind(ctx context.Context, ex broker.Exchange, q broker.Queue, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return berr.ErrBrokerClosed
	}

	e, ok := b.exchanges[ex.Name]
	if !ok {
		return fmt.Errorf("inmemory: exchange %q not declared", ex.Name)
	}

	if _, ok := b.queues[q.Name]; !ok {
		return fmt.Errorf("inmemory: queue %q not declared", q.Name)
	}

	e.bindings[q.Name] = routingKey

	return nil
}

// Publish encodes msg and routes it. On the default exchange the routing key names the queue.
func (b *Broker) Publish(ctx context.Context, ex broker.Exchange, routingKey string, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := b.codec.Marshal(msg)
	if err != nil {
		return err
	}

	env := envelope{id: uuid.NewString(), headers: b.headers(ctx), body: body}

	targets, err := b.route(ex, routingKey, env)
	if err != nil {
		return err
	}

	for _, q := range targets {
		if err := b.enqueue(ctx, q, env); err != nil {
			return err
		}
	}

	return nil
}

func (b *Broker) headers(ctx context.Context) map[string]string {
	h := map[string]string{"content-type": b.codec.ContentType()}
	b.propagator.Inject(ctx, h)

	return h
}

func (b *Broker) route(ex broker.Exchange, routingKey string, env envelope) ([]*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, berr.ErrBrokerClosed
	}

	b.records = append(b.records, Record{
		MessageID:  env.id,
		Exchange:   ex.Name,
		RoutingKey: routingKey,
		Headers:    env.headers,
		Body:       env.body,
	})

	if ex.IsDefault() {
		q, ok := b.queues[routingKey]
		if !ok {
			return nil, fmt.Errorf("inmemory: no queue %q", routingKey)
		}

		return []*queue{q}, nil
	}

	e, ok := b.exchanges[ex.Name]
	if !ok {
		return nil, fmt.Errorf("inmemory: exchange %q not declared", ex.Name)
	}

	var out []*queue
	for name, key := range e.bindings {
		if e.spec.Kind == broker.Direct && key != routingKey {
			continue
		}

		if q, ok := b.queues[name]; ok {
			out = append(out, q)
		}
	}

	return out, nil
}

func (b *Broker) enqueue(ctx context.Context, q *queue, env envelope) error {
	select {
	case q.msgs <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return berr.ErrBrokerClosed
	}
}

func (b *Broker) lookup(name string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, berr.ErrBrokerClosed
	}

	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("inmemory: queue %q not declared", name)
	}

	return q, nil
}

// Consume delivers messages from q to h, one at a time and in queue order, until ctx
// is done or the registration is closed.
func (b *Broker) Consume(ctx context.Context, q broker.Queue, h broker.DeliveryHandler) (broker.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qu, err := b.lookup(q.Name)
	if err != nil {
		return nil, err
	}

	return b.attach(ctx, q.Name, qu, 1, func(ctx context.Context, env envelope) {
		if env.reply != nil {
			env.reply <- reply{err: "inmemory: queue " + q.Name + " has no responder"}
			return
		}

		if err := h(ctx, b.delivery(env)); err != nil {
			b.logger.ErrorContext(ctx, "delivery dropped", "queue", q.Name, "message_id", env.id, "err", err)
		}
	})
}

// Respond answers requests on q with h. PrefetchCount sets the number of concurrent workers.
func (b *Broker) Respond(
	ctx context.Context,
	q broker.Queue,
	cfg broker.ResponderConfig,
	h broker.RequestHandler,
) (broker.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qu, err := b.lookup(q.Name)
	if err != nil {
		return nil, err
	}

	workers := max(cfg.PrefetchCount, 1)

	return b.attach(ctx, q.Name, qu, workers, func(ctx context.Context, env envelope) {
		if env.reply == nil {
			b.logger.WarnContext(ctx, "message without reply channel dropped", "queue", q.Name, "message_id", env.id)
			return
		}

		env.reply <- b.answer(ctx, env, h)
	})
}

func (b *Broker) answer(ctx context.Context, env envelope, h broker.RequestHandler) reply {
	resp, err := h(ctx, b.delivery(env))
	if err != nil {
		return reply{err: err.Error()}
	}

	body, err := b.codec.Marshal(resp)
	if err != nil {
		return reply{err: err.Error()}
	}

	return reply{body: body}
}

// Request sends req to the responder on q and decodes the answer into resp.
func (b *Broker) Request(ctx context.Context, q broker.Queue, req, resp any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	qu, err := b.lookup(q.Name)
	if err != nil {
		return err
	}

	body, err := b.codec.Marshal(req)
	if err != nil {
		return err
	}

	env := envelope{id: uuid.NewString(), headers: b.headers(ctx), body: body, reply: make(chan reply, 1)}
	if err := b.enqueue(ctx, qu, env); err != nil {
		return err
	}

	select {
	case r := <-env.reply:
		if r.err != "" {
			return &berr.RemoteError{Message: r.err}
		}

		return b.codec.Unmarshal(r.body, resp)
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return berr.ErrBrokerClosed
	}
}

func (b *Broker) delivery(env envelope) *broker.RawDelivery {
	return &broker.RawDelivery{ID: env.id, Header: env.headers, Body: env.body, Codec: b.codec}
}

// Records returns every publish seen so far, in order.
func (b *Broker) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Record(nil), b.records...)
}

// Close stops every consumer and waits for in-flight handlers. Later calls are no-ops.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()

	return nil
}
