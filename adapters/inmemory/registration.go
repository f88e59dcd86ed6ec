package inmemory

import (
	"context"
	"sync"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

type registration struct {
	b    *Broker
	name string
	q    *queue
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// attach starts workers reading q until ctx is done, the registration is closed or
// the broker is closed.
func (b *Broker) attach(
	ctx context.Context,
	name string,
	q *queue,
	workers int,
	handle func(context.Context, envelope),
) (broker.Registration, error) {
	r := &registration{b: b, name: name, q: q, stop: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, berr.ErrBrokerClosed
	}

	q.consumers++
	b.wg.Add(workers)
	r.wg.Add(workers)
	b.mu.Unlock()

	for range workers {
		go func() {
			defer b.wg.Done()
			defer r.wg.Done()

			for {
				select {
				case <-r.stop:
					return
				case <-b.done:
					return
				case env := <-q.msgs:
					handle(b.propagator.Extract(ctx, env.headers), env)
				}
			}
		}()
	}

	context.AfterFunc(ctx, func() { _ = r.Close() })

	return r, nil
}

// Close stops the workers, waits for the message in hand, and drops an auto-delete
// queue once its last consumer is gone.
func (r *registration) Close() error {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()

		r.b.mu.Lock()
		defer r.b.mu.Unlock()

		r.q.consumers--
		if r.q.consumers == 0 && r.q.spec.AutoDelete {
			delete(r.b.queues, r.name)

			for _, ex := range r.b.exchanges {
				delete(ex.bindings, r.name)
			}
		}
	})

	return nil
}
