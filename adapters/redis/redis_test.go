package redis_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-mediator/adapters/redis"
	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

const wait = 3 * time.Second

type order struct {
	ID string `json:"id"`
}

type traceKey struct{}

type traceProp struct{}

func (traceProp) Inject(ctx context.Context, h map[string]string) {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		h["trace-id"] = v
	}
}

func (traceProp) Extract(ctx context.Context, h map[string]string) context.Context {
	if v, ok := h["trace-id"]; ok {
		return context.WithValue(ctx, traceKey{}, v)
	}

	return ctx
}

func newClient(t *testing.T, s *miniredis.Miniredis) *goredis.Client {
	t.Helper()

	c := goredis.NewClient(&goredis.Options{Addr: s.Addr(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func newBroker(t *testing.T, s *miniredis.Miniredis) *redis.Broker {
	t.Helper()

	b := redis.New(newClient(t, s), redis.WithPropagator(traceProp{}))
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func TestRedis_QueueDeliversOnce(t *testing.T) {
	s := miniredis.RunT(t)
	b := newBroker(t, s)

	q, err := b.DeclareQueue(t.Context(), broker.QueueSpec{Name: "orderplaced-queue"})
	require.NoError(t, err)

	hits := make(chan string, 8)
	for range 2 {
		_, err := b.Consume(t.Context(), q, func(ctx context.Context, d broker.Delivery) error {
			var o order
			if err := d.Decode(&o); err != nil {
				return err
			}

			if ctx.Value(traceKey{}) != "t-1" || d.MessageID() == "" {
				return errors.New("missing trace or id")
			}

			hits <- o.ID

			return nil
		})
		require.NoError(t, err)
	}

	ctx := context.WithValue(t.Context(), traceKey{}, "t-1")
	for i := range 4 {
		require.NoError(t, b.Publish(ctx, broker.Exchange{}, q.Name, order{ID: fmt.Sprint(i)}))
	}

	seen := map[string]int{}
	for range 4 {
		select {
		case id := <-hits:
			seen[id]++
		case <-time.After(wait):
			t.Fatalf("deliveries missing, seen %v", seen)
		}
	}

	assert.Len(t, seen, 4)

	select {
	case id := <-hits:
		t.Fatalf("unexpected extra delivery %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedis_FanoutAndDirectAcrossBrokers(t *testing.T) {
	s := miniredis.RunT(t)
	pub := newBroker(t, s)
	sub := newBroker(t, s)

	fan, err := pub.DeclareExchange(t.Context(), broker.ExchangeSpec{Name: "orderplaced-exchange"})
	require.NoError(t, err)
	assert.Equal(t, broker.Fanout, fan.Kind)

	direct, err := pub.DeclareExchange(t.Context(), broker.ExchangeSpec{Name: "regions", Kind: broker.Direct})
	require.NoError(t, err)

	again, err := sub.DeclareExchange(t.Context(), broker.ExchangeSpec{Name: "regions", Kind: broker.Fanout})
	require.NoError(t, err)
	assert.Equal(t, broker.Direct, again.Kind, "first declaration wins")

	got := make(chan string, 8)
	for _, name := range []string{"billing", "shipping"} {
		q, err := sub.DeclareQueue(t.Context(), broker.QueueSpec{Name: name})
		require.NoError(t, err)
		require.NoError(t, sub.Bind(t.Context(), fan, q, ""))
		require.NoError(t, sub.Bind(t.Context(), direct, q, name))

		_, err = sub.Consume(t.Context(), q, func(context.Context, broker.Delivery) error {
			got <- name
			return nil
		})
		require.NoError(t, err)
	}

	members, err := s.Members("mediator:route:orderplaced-exchange")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"billing", "shipping"}, members)

	require.NoError(t, pub.Publish(t.Context(), fan, "", order{ID: "1"}))
	require.NoError(t, pub.Publish(t.Context(), direct, "shipping", order{ID: "2"}))
	require.NoError(t, pub.Publish(t.Context(), direct, "nowhere", order{ID: "3"}))

	seen := map[string]int{}
	for range 3 {
		select {
		case n := <-got:
			seen[n]++
		case <-time.After(wait):
			t.Fatalf("deliveries missing, seen %v", seen)
		}
	}

	assert.Equal(t, map[string]int{"billing": 1, "shipping": 2}, seen)

	err = sub.Bind(t.Context(), broker.Exchange{Name: "nope"}, broker.Queue{Name: "billing"}, "")
	require.Error(t, err)

	_, err = sub.DeclareExchange(t.Context(), broker.ExchangeSpec{})
	require.Error(t, err)
}

func TestRedis_RequestReply(t *testing.T) {
	s := miniredis.RunT(t)
	b := newBroker(t, s)

	q, err := b.DeclareQueue(t.Context(), broker.QueueSpec{Name: "pricequery-rpc"})
	require.NoError(t, err)

	_, err = b.Respond(t.Context(), q, broker.ResponderConfig{PrefetchCount: 2},
		func(_ context.Context, d broker.Delivery) (any, error) {
			var o order
			if err := d.Decode(&o); err != nil {
				return nil, err
			}

			if o.ID == "bad" {
				return nil, errors.New("unknown order")
			}

			return order{ID: o.ID + "-ok"}, nil
		})
	require.NoError(t, err)

	var resp order
	require.NoError(t, b.Request(t.Context(), q, order{ID: "1"}, &resp))
	assert.Equal(t, "1-ok", resp.ID)

	err = b.Request(t.Context(), q, order{ID: "bad"}, &resp)

	var remote *berr.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "unknown order", remote.Message)
	assert.ErrorIs(t, err, berr.ErrRemoteFailure)

	for _, k := range s.Keys() {
		assert.NotContains(t, k, "mediator:reply:", "reply lists are removed")
	}
}

func TestRedis_RequestDeadline(t *testing.T) {
	s := miniredis.RunT(t)
	b := newBroker(t, s)

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	var resp order
	err := b.Request(ctx, broker.Queue{Name: "nobody"}, order{ID: "1"}, &resp)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pending, err := s.List("mediator:queue:nobody")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "the request stays queued for a late responder")
}

func TestRedis_ClosedRegistrationLeavesMessagesQueued(t *testing.T) {
	s := miniredis.RunT(t)
	b := newBroker(t, s)

	q, err := b.DeclareQueue(t.Context(), broker.QueueSpec{Name: "orders", Durable: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	reg, err := b.Consume(ctx, q, func(context.Context, broker.Delivery) error { return nil })
	require.NoError(t, err)

	cancel()
	require.NoError(t, reg.Close())

	require.NoError(t, b.Publish(t.Context(), broker.Exchange{}, q.Name, order{ID: "1"}))
	time.Sleep(50 * time.Millisecond)

	pending, err := s.List("mediator:queue:orders")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(t.Context(), broker.Exchange{}, q.Name, order{}), berr.ErrBrokerClosed)

	_, err = b.Consume(t.Context(), q, func(context.Context, broker.Delivery) error { return nil })
	require.ErrorIs(t, err, berr.ErrBrokerClosed)
}

func TestRedis_AutoDeleteQueueRemovesBindings(t *testing.T) {
	s := miniredis.RunT(t)
	b := newBroker(t, s)

	ex, err := b.DeclareExchange(t.Context(), broker.ExchangeSpec{Name: "orderplaced-exchange"})
	require.NoError(t, err)

	q, err := b.DeclareQueue(t.Context(), broker.QueueSpec{Name: "tmp", AutoDelete: true})
	require.NoError(t, err)
	require.NoError(t, b.Bind(t.Context(), ex, q, ""))

	reg, err := b.Consume(t.Context(), q, func(context.Context, broker.Delivery) error { return nil })
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	members, _ := s.Members("mediator:route:orderplaced-exchange")
	assert.Empty(t, members)
	assert.False(t, s.Exists("mediator:bound:tmp"))
}
