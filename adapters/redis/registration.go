package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

type registration struct {
	b      *Broker
	queue  string
	stop   chan struct{}
	cancel context.CancelFunc
	stopMu sync.Once
	once   sync.Once
	wg     sync.WaitGroup
	err    error
}

// subscribe starts workers popping queue until ctx is done or the registration is closed.
func (b *Broker) subscribe(
	ctx context.Context,
	queue string,
	workers int,
	handle func(context.Context, envelope),
) (broker.Registration, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}

	popCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &registration{b: b, queue: queue, stop: make(chan struct{}), cancel: cancel}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()

		return nil, berr.ErrBrokerClosed
	}

	b.regs[r] = struct{}{}
	b.users[queue]++
	r.wg.Add(workers)
	b.mu.Unlock()

	key := b.queueKey(queue)
	for range workers {
		go func() {
			defer r.wg.Done()

			for !r.stopped() {
				data, ok := r.pop(popCtx, key)
				if !ok {
					continue
				}

				if r.stopped() {
					// Put it back where the next consumer pops from.
					_ = b.client.RPush(context.WithoutCancel(ctx), key, data).Err()
					return
				}

				var env envelope
				if err := json.Unmarshal([]byte(data), &env); err != nil {
					b.logger.ErrorContext(ctx, "malformed envelope dropped", "queue", queue, "err", err)
					continue
				}

				handle(b.propagator.Extract(popCtx, env.Headers), env)
			}
		}()
	}

	context.AfterFunc(ctx, func() { _ = r.Close() })

	return r, nil
}

func (r *registration) pop(ctx context.Context, key string) (string, bool) {
	res, err := r.b.client.BRPop(ctx, r.b.block, key).Result()
	if err == nil {
		return res[1], true
	}

	if !errors.Is(err, redis.Nil) && !r.stopped() {
		r.b.logger.WarnContext(ctx, "pop failed", "queue", r.queue, "err", err)

		t := time.NewTimer(r.b.block)
		select {
		case <-r.stop:
		case <-t.C:
		}

		t.Stop()
	}

	return "", false
}

func (r *registration) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *registration) signal() {
	r.stopMu.Do(func() {
		close(r.stop)
		r.cancel()
	})
}

// Close stops the workers and waits for the messages in hand. The last registration on
// an auto-delete queue removes the list and its bindings.
func (r *registration) Close() error {
	r.once.Do(func() {
		r.signal()
		r.wg.Wait()

		b := r.b

		b.mu.Lock()
		delete(b.regs, r)
		b.users[r.queue]--
		last := b.users[r.queue] == 0
		spec := b.queues[r.queue]
		b.mu.Unlock()

		if last && spec.AutoDelete {
			r.err = b.deleteQueue(context.Background(), r.queue)
		}
	})

	return r.err
}

func (b *Broker) deleteQueue(ctx context.Context, queue string) error {
	routes, err := b.client.SMembers(ctx, b.bindingsKey(queue)).Result()
	if err != nil {
		return berr.Transport("delete_queue", queue, err)
	}

	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, route := range routes {
			p.SRem(ctx, route, queue)
		}

		p.Del(ctx, b.bindingsKey(queue), b.queueKey(queue))

		return nil
	})

	return berr.Transport("delete_queue", queue, err)
}
