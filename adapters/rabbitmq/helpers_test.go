package rabbitmq_test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-mediator/adapters/rabbitmq"
)

const replyTo = "amq.rabbitmq.reply-to"

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeServer stands in for a RabbitMQ connection. It routes the default exchange by
// queue name, fans out bound exchanges and answers direct reply-to per channel.
type fakeServer struct {
	mu        sync.Mutex
	channels  int
	queues    map[string]bool
	exchanges map[string]string
	bindings  map[string][]string
	routes    map[string]chan amqp.Delivery
	published []published
	qos       []int
	canceled  []string
	acked     []uint64
	rejected  []uint64
	tag       uint64
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		queues:    make(map[string]bool),
		exchanges: make(map[string]string),
		bindings:  make(map[string][]string),
		routes:    make(map[string]chan amqp.Delivery),
	}
}

func (s *fakeServer) Channel() (rabbitmq.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels++

	return &fakeChannel{s: s, id: s.channels, consumers: make(map[string]string)}, nil
}

func (s *fakeServer) Ack(tag uint64, _ bool) error {
	s.mu.Lock()
	s.acked = append(s.acked, tag)
	s.mu.Unlock()

	return nil
}

func (s *fakeServer) Nack(tag uint64, _, _ bool) error { return s.Reject(tag, false) }

func (s *fakeServer) Reject(tag uint64, _ bool) error {
	s.mu.Lock()
	s.rejected = append(s.rejected, tag)
	s.mu.Unlock()

	return nil
}

func (s *fakeServer) counts() (acked, rejected int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.acked), len(s.rejected)
}

func (s *fakeServer) publishes() []published {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]published(nil), s.published...)
}

type fakeChannel struct {
	s         *fakeServer
	id        int
	consumers map[string]string
	closed    bool
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(c.s.queues))
	}

	c.s.queues[name] = true

	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	c.s.exchanges[name] = kind

	return nil
}

func (c *fakeChannel) QueueBind(name, _, exchange string, _ bool, _ amqp.Table) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if _, ok := c.s.exchanges[exchange]; !ok {
		return fmt.Errorf("no exchange %q", exchange)
	}

	c.s.bindings[exchange] = append(c.s.bindings[exchange], name)

	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.s.mu.Lock()
	c.s.qos = append(c.s.qos, prefetchCount)
	c.s.mu.Unlock()

	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	route := queue
	if queue == replyTo {
		route = fmt.Sprintf("%s.%d", replyTo, c.id)
	}

	ch := make(chan amqp.Delivery, 16)
	c.s.routes[route] = ch
	c.consumers[consumer] = route

	return ch, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	c.s.canceled = append(c.s.canceled, consumer)
	c.drop(consumer)

	return nil
}

func (c *fakeChannel) drop(consumer string) {
	route, ok := c.consumers[consumer]
	if !ok {
		return
	}

	delete(c.consumers, consumer)

	if ch, ok := c.s.routes[route]; ok {
		close(ch)
		delete(c.s.routes, route)
	}
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if msg.ReplyTo == replyTo {
		msg.ReplyTo = fmt.Sprintf("%s.%d", replyTo, c.id)
	}

	c.s.published = append(c.s.published, published{exchange: exchange, key: key, msg: msg})

	targets := []string{key}
	if exchange != "" {
		targets = c.s.bindings[exchange]
	}

	for _, t := range targets {
		ch, ok := c.s.routes[t]
		if !ok {
			continue
		}

		c.s.tag++
		ch <- amqp.Delivery{
			Acknowledger:  c.s,
			DeliveryTag:   c.s.tag,
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			MessageId:     msg.MessageId,
			Exchange:      exchange,
			RoutingKey:    key,
			Body:          msg.Body,
		}
	}

	return nil
}

func (c *fakeChannel) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	for consumer := range c.consumers {
		c.drop(consumer)
	}

	return nil
}

type traceHeader struct{}

type traceKey struct{}

func (traceHeader) Inject(ctx context.Context, h map[string]string) {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		h["trace-id"] = v
	}
}

func (traceHeader) Extract(ctx context.Context, h map[string]string) context.Context {
	if v := h["trace-id"]; strings.TrimSpace(v) != "" {
		return context.WithValue(ctx, traceKey{}, v)
	}

	return ctx
}
