package nats

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

type registration struct {
	b     *Broker
	queue string
	subs  []Subscription
	msgs  chan *nats.Msg
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	err   error
}

// subscribe joins the queue group named after queue on queue and its bound subjects
// and hands messages to workers until ctx is done or the registration is closed.
func (b *Broker) subscribe(
	ctx context.Context,
	queue string,
	workers int,
	handle func(context.Context, *nats.Msg),
) (broker.Registration, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	subjects := append([]string{queue}, b.bindings[queue]...)
	b.mu.Unlock()

	r := &registration{b: b, queue: queue, msgs: make(chan *nats.Msg, b.buffer), stop: make(chan struct{})}

	for _, subject := range subjects {
		sub, err := b.client.QueueSubscribe(subject, queue, r.enqueue)
		if err != nil {
			_ = r.unsubscribe()
			return nil, berr.Transport("subscribe", subject, err)
		}

		r.subs = append(r.subs, sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = r.unsubscribe()

		return nil, berr.ErrBrokerClosed
	}

	b.regs[r] = struct{}{}
	b.mu.Unlock()

	r.wg.Add(workers)
	for range workers {
		go func() {
			defer r.wg.Done()

			for {
				select {
				case <-r.stop:
					return
				case m := <-r.msgs:
					handle(b.propagator.Extract(ctx, headerMap(m.Header)), m)
				}
			}
		}()
	}

	context.AfterFunc(ctx, func() { _ = r.Close() })

	return r, nil
}

func (r *registration) enqueue(m *nats.Msg) {
	select {
	case r.msgs <- m:
	case <-r.stop:
	}
}

func (r *registration) unsubscribe() error {
	var errs []error
	for _, s := range r.subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close unsubscribes, stops the workers and waits for the message in hand.
func (r *registration) Close() error {
	r.once.Do(func() {
		if err := r.unsubscribe(); err != nil {
			r.err = berr.Transport("unsubscribe", r.queue, err)
		}

		close(r.stop)
		r.wg.Wait()

		r.b.mu.Lock()
		delete(r.b.regs, r)
		r.b.mu.Unlock()
	})

	return r.err
}

func headerMap(h nats.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}

	return out
}
