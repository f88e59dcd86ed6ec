package rabbitmq

import (
	"context"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// consumer is a live consume on a dedicated channel.
type consumer struct {
	b     *Broker
	ch    Channel
	tag   string
	queue string

	once sync.Once
	wg   sync.WaitGroup
	err  error
}

// subscribe opens a channel, applies prefetch when positive and starts consuming queue.
func (b *Broker) subscribe(ctx context.Context, queue string, prefetch int) (*consumer, <-chan amqp.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if _, err := b.shared(); err != nil {
		return nil, nil, err
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, berr.Transport("channel", queue, err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, nil, berr.Transport("qos", queue, err)
		}
	}

	c := &consumer{b: b, ch: ch, tag: "mediator-" + uuid.NewString(), queue: queue}

	deliveries, err := ch.Consume(queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, berr.Transport("consume", queue, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ch.Close()

		return nil, nil, berr.ErrBrokerClosed
	}

	b.regs[c] = struct{}{}
	b.mu.Unlock()

	return c, deliveries, nil
}

// run starts workers draining deliveries until the server or Close cancels the consumer.
func (c *consumer) run(ctx context.Context, workers int, deliveries <-chan amqp.Delivery, handle func(context.Context, amqp.Delivery)) {
	c.wg.Add(workers)

	for range workers {
		go func() {
			defer c.wg.Done()

			for d := range deliveries {
				handle(c.b.propagator.Extract(ctx, fromTable(d.Headers)), d)
			}
		}()
	}

	context.AfterFunc(ctx, func() { _ = c.Close() })
}

// Close cancels the consumer, waits for messages in hand and closes its channel.
func (c *consumer) Close() error {
	c.once.Do(func() {
		if err := c.ch.Cancel(c.tag, false); err != nil {
			c.err = berr.Transport("cancel", c.queue, err)
		}

		c.wg.Wait()

		if err := c.ch.Close(); err != nil && c.err == nil {
			c.err = berr.Transport("close", c.queue, err)
		}

		c.b.mu.Lock()
		delete(c.b.regs, c)
		c.b.mu.Unlock()
	})

	return c.err
}
