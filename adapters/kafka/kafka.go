package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/next-trace/scg-mediator/contract/broker"
	cbus "github.com/next-trace/scg-mediator/contract/bus"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

const (
	messageIDHeader     = "message-id"
	contentTypeHeader   = "content-type"
	correlationIDHeader = "correlation-id"
	replyToHeader       = "reply-to"
	errorHeader         = "mediator-error"
)

// Client is the Kafka capability used by the broker.
type Client interface {
	Produce(ctx context.Context, r *kgo.Record) error
	// Consume joins group on topics. An empty group reads without committing.
	Consume(ctx context.Context, group string, topics []string) (Consumer, error)
}

// Consumer polls records for one group member.
type Consumer interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Commit(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

type binding struct {
	topic string
	key   string
	kind  broker.ExchangeKind
}

// Broker implements broker.Broker over Kafka topics.
//
// A queue is a topic read by the consumer group of the same name, so each record
// reaches one member. An exchange is a topic; binding a queue makes the queue's group
// read the exchange topic instead, which gives every bound queue its own copy. A
// direct binding keeps only records whose key equals the routing key.
// Replies travel on a per-broker reply topic, matched by correlation id.
type Broker struct {
	client Client

	mu        sync.Mutex
	exchanges map[string]broker.ExchangeKind
	bindings  map[string][]binding
	regs      map[*registration]struct{}
	pending   map[string]chan *kgo.Record
	closed    bool

	replyTopic string
	replyOnce  sync.Once
	replyErr   error
	replyStop  context.CancelFunc

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

// WithReplyTopic sets the topic this broker receives RPC replies on.
func WithReplyTopic(topic string) Option { return func(b *Broker) { b.replyTopic = topic } }

var _ broker.Broker = (*Broker)(nil)

// New creates a broker over c.
func New(c Client, opts ...Option) *Broker {
	b := &Broker{
		client:    c,
		exchanges: make(map[string]broker.ExchangeKind),
		bindings:  make(map[string][]binding),
		regs:      make(map[*registration]struct{}),
		pending:   make(map[string]chan *kgo.Record),
		codec:     broker.JSON,
	}

	for _, o := range opts {
		o(b)
	}

	b.propagator = cbus.Propagator(b.propagator)
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}

	if b.replyTopic == "" {
		b.replyTopic = "mediator-replies-" + uuid.NewString()
	}

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

// DeclareQueue names the topic of the queue. Topics are created on first produce.
func (b *Broker) DeclareQueue(ctx context.Context, spec broker.QueueSpec) (broker.Queue, error) {
	if err := b.check(ctx); err != nil {
		return broker.Queue{}, err
	}

	if spec.Name == "" {
		spec.Name = "gen-" + uuid.NewString()
	}

	return broker.Queue{Name: spec.Name}, nil
}

// DeclareExchange records the exchange kind.
func (b *Broker) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) (broker.Exchange, error) {
	if err := b.check(ctx); err != nil {
		return broker.Exchange{}, err
	}

	if spec.Name == "" {
		return broker.Exchange{}, errors.New("kafka: the default exchange cannot be declared")
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

// Bind makes the group of q read the topic of ex. It applies to consumers started afterwards.
func (b *Broker) Bind(ctx context.Context, ex broker.Exchange, q broker.Queue, routingKey string) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kind, ok := b.exchanges[ex.Name]
	if !ok {
		return fmt.Errorf("kafka: exchange %q not declared", ex.Name)
	}

	bn := binding{topic: ex.Name, key: routingKey, kind: kind}
	for _, have := range b.bindings[q.Name] {
		if have == bn {
			return nil
		}
	}

	b.bindings[q.Name] = append(b.bindings[q.Name], bn)

	return nil
}

// Publish encodes msg and produces it. On the default exchange routingKey is the queue
// topic; otherwise the record goes to the exchange topic keyed by routingKey.
func (b *Broker) Publish(ctx context.Context, ex broker.Exchange, routingKey string, msg any) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	topic := routingKey
	if !ex.IsDefault() {
		topic = ex.Name
	}

	r, err := b.record(ctx, topic, msg)
	if err != nil {
		return err
	}

	if !ex.IsDefault() && routingKey != "" {
		r.Key = []byte(routingKey)
	}

	return berr.Transport("publish", topic, b.client.Produce(ctx, r))
}

func (b *Broker) record(ctx context.Context, topic string, v any) (*kgo.Record, error) {
	body, err := b.codec.Marshal(v)
	if err != nil {
		return nil, err
	}

	hdrs := make(map[string]string, 4)
	b.propagator.Inject(ctx, hdrs)
	hdrs[contentTypeHeader] = b.codec.ContentType()
	hdrs[messageIDHeader] = uuid.NewString()

	return &kgo.Record{Topic: topic, Value: body, Headers: toHeaders(hdrs)}, nil
}

// Consume reads the topics of q in its consumer group, one record at a time. Offsets
// are committed after each poll batch, failed records included.
func (b *Broker) Consume(ctx context.Context, q broker.Queue, h broker.DeliveryHandler) (broker.Registration, error) {
	return b.subscribe(ctx, q.Name, 1, func(ctx context.Context, r *kgo.Record) {
		if err := h(ctx, b.delivery(r)); err != nil {
			b.logger.ErrorContext(ctx, "delivery dropped", "queue", q.Name, "topic", r.Topic, "offset", r.Offset, "err", err)
		}
	})
}

// Respond answers requests on the topic of q. PrefetchCount bounds records handled at once.
func (b *Broker) Respond(
	ctx context.Context,
	q broker.Queue,
	cfg broker.ResponderConfig,
	h broker.RequestHandler,
) (broker.Registration, error) {
	return b.subscribe(ctx, q.Name, max(cfg.PrefetchCount, 1), func(ctx context.Context, r *kgo.Record) {
		hdrs := fromHeaders(r.Headers)

		replyTo, corr := hdrs[replyToHeader], hdrs[correlationIDHeader]
		if replyTo == "" || corr == "" {
			b.logger.WarnContext(ctx, "request without reply address dropped", "queue", q.Name, "offset", r.Offset)
			return
		}

		out := map[string]string{correlationIDHeader: corr, contentTypeHeader: b.codec.ContentType()}

		var body []byte

		resp, err := h(ctx, b.delivery(r))
		if err == nil {
			body, err = b.codec.Marshal(resp)
		}

		if err != nil {
			body = nil
			out[errorHeader] = err.Error()
		}

		reply := &kgo.Record{Topic: replyTo, Value: body, Headers: toHeaders(out)}
		if err := b.client.Produce(context.WithoutCancel(ctx), reply); err != nil {
			b.logger.ErrorContext(ctx, "reply failed", "queue", q.Name, "err", err)
		}
	})
}

// Request produces req to the topic of q and waits for the correlated reply.
func (b *Broker) Request(ctx context.Context, q broker.Queue, req, resp any) error {
	if err := b.check(ctx); err != nil {
		return err
	}

	if err := b.startReplies(); err != nil {
		return berr.Transport("request", q.Name, err)
	}

	r, err := b.record(ctx, q.Name, req)
	if err != nil {
		return err
	}

	corr := uuid.NewString()
	r.Headers = append(r.Headers,
		kgo.RecordHeader{Key: correlationIDHeader, Value: []byte(corr)},
		kgo.RecordHeader{Key: replyToHeader, Value: []byte(b.replyTopic)},
	)

	ch := make(chan *kgo.Record, 1)

	b.mu.Lock()
	b.pending[corr] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, corr)
		b.mu.Unlock()
	}()

	if err := b.client.Produce(ctx, r); err != nil {
		return berr.Transport("request", q.Name, err)
	}

	select {
	case rep := <-ch:
		hdrs := fromHeaders(rep.Headers)
		if msg, ok := hdrs[errorHeader]; ok {
			return &berr.RemoteError{Message: msg}
		}

		return b.codec.Unmarshal(rep.Value, resp)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startReplies starts the reply topic reader once.
func (b *Broker) startReplies() error {
	b.replyOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())

		c, err := b.client.Consume(ctx, "", []string{b.replyTopic})
		if err != nil {
			cancel()
			b.replyErr = err

			return
		}

		b.mu.Lock()
		b.replyStop = cancel
		b.mu.Unlock()

		go func() {
			defer c.Close()

			for {
				recs, err := c.Poll(ctx)
				if ctx.Err() != nil {
					return
				}

				if err != nil {
					b.logger.Warn("reply poll failed", "topic", b.replyTopic, "err", err)
					continue
				}

				for _, r := range recs {
					b.route(r)
				}
			}
		}()
	})

	return b.replyErr
}

func (b *Broker) route(r *kgo.Record) {
	corr := fromHeaders(r.Headers)[correlationIDHeader]

	b.mu.Lock()
	ch, ok := b.pending[corr]
	b.mu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- r:
	default:
	}
}

func (b *Broker) delivery(r *kgo.Record) *broker.RawDelivery {
	hdrs := fromHeaders(r.Headers)
	return &broker.RawDelivery{ID: hdrs[messageIDHeader], Header: hdrs, Body: r.Value, Codec: b.codec}
}

// ReplyTopic returns the topic this broker receives replies on.
func (b *Broker) ReplyTopic() string { return b.replyTopic }

// Close stops every consumer and the reply reader. The client is left to its owner.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	stop := b.replyStop
	regs := make([]*registration, 0, len(b.regs))
	for r := range b.regs {
		regs = append(regs, r)
	}
	b.mu.Unlock()

	if stop != nil {
		stop()
	}

	var errs []error
	for _, r := range regs {
		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}

// topics returns what the group of queue reads: its bound exchange topics, or the queue topic.
func (b *Broker) topics(queue string) ([]string, map[string]binding) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bs := b.bindings[queue]
	if len(bs) == 0 {
		return []string{queue}, nil
	}

	topics := make([]string, 0, len(bs))
	filters := make(map[string]binding, len(bs))
	for _, bn := range bs {
		topics = append(topics, bn.topic)
		filters[bn.topic] = bn
	}

	return topics, filters
}

func accepts(filters map[string]binding, r *kgo.Record) bool {
	bn, ok := filters[r.Topic]
	if !ok || bn.kind != broker.Direct {
		return true
	}

	return string(r.Key) == bn.key
}

type registration struct {
	b      *Broker
	queue  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// subscribe runs a poll loop for the group of queue. Records of a batch are handled
// with at most workers in flight; the batch is committed once all are done.
func (b *Broker) subscribe(
	ctx context.Context,
	queue string,
	workers int,
	handle func(context.Context, *kgo.Record),
) (broker.Registration, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	topics, filters := b.topics(queue)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c, err := b.client.Consume(pollCtx, queue, topics)
	if err != nil {
		cancel()
		return nil, berr.Transport("consume", queue, err)
	}

	r := &registration{b: b, queue: queue, cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		c.Close()

		return nil, berr.ErrBrokerClosed
	}

	b.regs[r] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(r.done)
		defer c.Close()

		for {
			recs, err := c.Poll(pollCtx)
			if pollCtx.Err() != nil {
				return
			}

			if err != nil {
				b.logger.WarnContext(ctx, "poll failed", "queue", queue, "err", err)
				continue
			}

			var g errgroup.Group
			g.SetLimit(workers)

			for _, rec := range recs {
				if !accepts(filters, rec) {
					continue
				}

				g.Go(func() error {
					handle(b.propagator.Extract(pollCtx, fromHeaders(rec.Headers)), rec)
					return nil
				})
			}

			_ = g.Wait()

			if err := c.Commit(context.WithoutCancel(pollCtx), recs...); err != nil {
				b.logger.WarnContext(ctx, "commit failed", "queue", queue, "err", err)
			}
		}
	}()

	context.AfterFunc(ctx, func() { _ = r.Close() })

	return r, nil
}

// Close stops polling and waits for the batch in hand.
func (r *registration) Close() error {
	r.once.Do(func() {
		r.cancel()
		<-r.done

		r.b.mu.Lock()
		delete(r.b.regs, r)
		r.b.mu.Unlock()
	})

	return nil
}

func toHeaders(h map[string]string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(h))
	for k, v := range h {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	return out
}

func fromHeaders(hs []kgo.RecordHeader) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}

	return out
}
