package mediator_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
	"github.com/next-trace/scg-mediator/mapping"
	"github.com/next-trace/scg-mediator/mediator"
	"github.com/next-trace/scg-mediator/servicebus"
)

const wait = 2 * time.Second

const tick = 5 * time.Millisecond

func running(t *testing.T, l *mediator.Launcher) {
	t.Helper()
	require.Eventually(t, func() bool { return l.State() == mediator.Running }, wait, tick)
}

func TestLauncher_NoBindingsReturnsAtOnce(t *testing.T) {
	f := newFixture(t)

	var opened atomic.Int32
	p := f.provider(mediator.WithScopeHook(func(context.Context, *mediator.Scope) error {
		opened.Add(1)
		return nil
	}))

	l := mediator.NewLauncher(p,
		mediator.WithReceivers(mediator.NewReceiverSet()),
		mediator.WithSubscribers(mediator.NewSubscriberSet()),
		mediator.WithRpcs(mediator.NewRpcSet()),
	)

	require.NoError(t, l.Run(t.Context()))
	assert.Zero(t, opened.Load())
	assert.Equal(t, mediator.Stopped, l.State())

	assert.ErrorIs(t, l.Run(t.Context()), berr.ErrAlreadyStarted)
}

func TestLauncher_ReceiverSendsEachMessageOnce(t *testing.T) {
	f := newFixture(t)

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	l := mediator.NewLauncher(f.provider(), mediator.WithReceivers(receivers))
	stop := launch(t, l)

	require.NoError(t, mediator.NewSender[OrderPlaced](f.broker).Send(t.Context(), OrderPlaced{ID: "o-1", Amount: 3}))

	require.Eventually(t, func() bool { return len(f.orders.commands()) == 1 }, wait, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []PlaceOrder{{OrderID: "o-1", Amount: 3}}, f.orders.commands())

	require.NoError(t, stop())
	assert.Equal(t, mediator.Stopped, l.State())
}

func TestLauncher_ReceiverKeepsArrivalOrder(t *testing.T) {
	f := newFixture(t)

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	stop := launch(t, mediator.NewLauncher(f.provider(), mediator.WithReceivers(receivers)))

	sender := mediator.NewSender[OrderPlaced](f.broker)
	for i := range 4 {
		require.NoError(t, sender.Send(t.Context(), OrderPlaced{ID: fmt.Sprintf("o-%d", i), Amount: i}))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(f.orders.commands()) == 4 }, wait, tick)

	for i, c := range f.orders.commands() {
		assert.Equal(t, fmt.Sprintf("o-%d", i), c.OrderID)
		assert.Equal(t, i, c.Amount)
	}

	require.NoError(t, stop())
}

func TestLauncher_EverySubscriberProgramSeesThePublish(t *testing.T) {
	f := newFixture(t)

	programs := []string{"billing", "shipping", "audit"}

	for _, program := range programs {
		// declare the topology up front so the publish cannot race the bindings
		ex, err := f.broker.DeclareExchange(t.Context(), broker.ExchangeSpec{Name: "orderplaced-exchange"})
		require.NoError(t, err)
		q, err := f.broker.DeclareQueue(t.Context(), broker.QueueSpec{Name: mediator.SubscriptionQueueName("OrderPlaced", program)})
		require.NoError(t, err)
		require.NoError(t, f.broker.Bind(t.Context(), ex, q, ""))

		subscribers := mediator.NewSubscriberSet()
		mediator.Subscribe[OrderPlaced, PlaceOrder](subscribers)

		p := f.provider(mediator.WithProgramName(program))
		launch(t, mediator.NewLauncher(p, mediator.WithSubscribers(subscribers)))
	}

	require.NoError(t, mediator.NewPublisher[OrderPlaced](f.broker).Publish(t.Context(), OrderPlaced{ID: "o-9"}))

	require.Eventually(t, func() bool { return len(f.orders.commands()) == len(programs) }, wait, tick)
	time.Sleep(30 * time.Millisecond)

	for _, c := range f.orders.commands() {
		assert.Equal(t, "o-9", c.OrderID)
	}
	assert.Len(t, f.orders.commands(), len(programs))
}

func TestLauncher_RpcAnswersWithMappedResult(t *testing.T) {
	f := newFixture(t)

	rpcs := mediator.NewRpcSet()
	mediator.Respond[PriceQuery, PriceQuote, GetPrice, Price](rpcs).WithOptions(func(o *mediator.RpcOptions) {
		o.SetPrefetchCount(4)
	})

	stop := launch(t, mediator.NewLauncher(f.provider(), mediator.WithRpcs(rpcs)))

	client := mediator.NewRpcClient[PriceQuery, PriceQuote](f.broker)
	assert.Equal(t, "pricequery-rpc", client.Options().Name)

	quote, err := client.Request(t.Context(), PriceQuery{SKU: "abc"})
	require.NoError(t, err)
	assert.Equal(t, PriceQuote{SKU: "ABC", Cents: 300, Currency: "EUR"}, quote)

	require.NoError(t, stop())
}

func TestLauncher_RpcHandlerFailureReachesClient(t *testing.T) {
	f := newFixture(t)

	rpcs := mediator.NewRpcSet()
	rpcs.Register().
		OnResponseMessage(mediator.TypeOf[PriceQuote]()).
		OnCommand(mediator.TypeOf[PlaceOrder](), mediator.TypeOf[Price]()).
		OnMessage(mediator.TypeOf[OrderPlaced]())

	stop := launch(t, mediator.NewLauncher(f.provider(), mediator.WithRpcs(rpcs)))

	client := mediator.NewRpcClient[OrderPlaced, PriceQuote](f.broker)

	// PlaceOrder yields no Price, so mapping the result back fails on the responder
	_, err := client.Request(t.Context(), OrderPlaced{ID: "o-1"})
	require.ErrorIs(t, err, berr.ErrRemoteFailure)
	assert.Contains(t, err.Error(), berr.ErrCodeMappingFailed)

	require.NoError(t, stop())
}

func TestLauncher_CancelStopsIdleBindingsPromptly(t *testing.T) {
	f := newFixture(t)

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	subscribers := mediator.NewSubscriberSet()
	mediator.Subscribe[OrderPlaced, PlaceOrder](subscribers)

	rpcs := mediator.NewRpcSet()
	mediator.Respond[PriceQuery, PriceQuote, GetPrice, Price](rpcs)

	l := mediator.NewLauncher(f.provider(),
		mediator.WithReceivers(receivers),
		mediator.WithSubscribers(subscribers),
		mediator.WithRpcs(rpcs),
	)
	stop := launch(t, l)
	running(t, l)

	start := time.Now()
	require.NoError(t, stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, mediator.Stopped, l.State())
}

func TestLauncher_MissingCommandTypeFailsOnlyThatBinding(t *testing.T) {
	f := newFixture(t)

	receivers := mediator.NewReceiverSet()
	receivers.Register().OnMessage(mediator.TypeOf[Unmapped]())
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	stop := launch(t, mediator.NewLauncher(f.provider(), mediator.WithReceivers(receivers)))

	require.NoError(t, mediator.NewSender[OrderPlaced](f.broker).Send(t.Context(), OrderPlaced{ID: "o-2"}))
	require.Eventually(t, func() bool { return len(f.orders.commands()) == 1 }, wait, tick)

	err := stop()

	var cfg *berr.ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "receiver", cfg.Kind)
	assert.Equal(t, "command type", cfg.Missing)
	assert.Contains(t, cfg.Binding, "#0")
	assert.ErrorIs(t, err, berr.ErrConfiguration)
}

func TestLauncher_MissingCollaboratorIsConfigurationError(t *testing.T) {
	f := newFixture(t)

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	p := mediator.NewProvider(f.broker, f.bus, nil)
	err := mediator.NewLauncher(p, mediator.WithReceivers(receivers)).Run(t.Context())

	var cfg *berr.ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, "mapper", cfg.Missing)
}

func TestLauncher_UnmappedMessageIsDroppedAndLoopContinues(t *testing.T) {
	f := newFixture(t)

	receivers := mediator.NewReceiverSet()
	mediator.Receive[Unmapped, PlaceOrder](receivers)
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	stop := launch(t, mediator.NewLauncher(f.provider(), mediator.WithReceivers(receivers)))

	require.NoError(t, mediator.NewSender[Unmapped](f.broker).Send(t.Context(), Unmapped{X: 1}))
	require.NoError(t, mediator.NewSender[OrderPlaced](f.broker).Send(t.Context(), OrderPlaced{ID: "after"}))

	require.Eventually(t, func() bool { return len(f.orders.commands()) == 1 }, wait, tick)
	assert.Equal(t, "after", f.orders.commands()[0].OrderID)

	require.NoError(t, stop())
}

func TestLauncher_ScopesPerBindingAndPerMessage(t *testing.T) {
	f := newFixture(t)

	var opened, closed atomic.Int32
	hook := func(_ context.Context, s *mediator.Scope) error {
		opened.Add(1)
		s.OnClose(func() error {
			closed.Add(1)
			return nil
		})

		return nil
	}

	bus := servicebus.New(nil)
	seen := make(chan bool, 4)
	require.NoError(t, bus.BindCommandOf(PlaceOrder{}, func(ctx context.Context, _ any) (any, error) {
		s, ok := mediator.ScopeFromContext(ctx)
		seen <- ok && s.Parent() != nil && !s.Closed()

		return nil, nil
	}))

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	p := mediator.NewProvider(f.broker, bus, f.mapper, mediator.WithScopeHook(hook))
	stop := launch(t, mediator.NewLauncher(p, mediator.WithReceivers(receivers)))

	sender := mediator.NewSender[OrderPlaced](f.broker)
	require.NoError(t, sender.Send(t.Context(), OrderPlaced{ID: "a"}))
	require.NoError(t, sender.Send(t.Context(), OrderPlaced{ID: "b"}))

	for range 2 {
		select {
		case ok := <-seen:
			assert.True(t, ok, "handler must run inside an open message scope")
		case <-time.After(wait):
			t.Fatal("message not handled")
		}
	}

	require.Eventually(t, func() bool { return closed.Load() == 2 }, wait, tick)
	assert.EqualValues(t, 3, opened.Load())

	require.NoError(t, stop())
	assert.EqualValues(t, 3, closed.Load())
}

func TestLauncher_ScopeHookFailureFailsBinding(t *testing.T) {
	f := newFixture(t)

	boom := errors.New("no tenant")
	p := f.provider(mediator.WithScopeHook(func(context.Context, *mediator.Scope) error { return boom }))

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	err := mediator.NewLauncher(p, mediator.WithReceivers(receivers)).Run(t.Context())
	assert.ErrorIs(t, err, boom)
}

func TestLauncher_RpcFollowsLatestMessageType(t *testing.T) {
	f := newFixture(t)

	rpcs := mediator.NewRpcSet()
	rpcs.Register().
		OnMessage(mediator.TypeOf[OrderPlaced]()).
		OnMessage(mediator.TypeOf[PriceQuery]()).
		OnCommand(mediator.TypeOf[GetPrice](), mediator.TypeOf[Price]()).
		OnResponseMessage(mediator.TypeOf[PriceQuote]())

	stop := launch(t, mediator.NewLauncher(f.provider(), mediator.WithRpcs(rpcs)))

	quote, err := mediator.NewRpcClient[PriceQuery, PriceQuote](f.broker).Request(t.Context(), PriceQuery{SKU: "xy"})
	require.NoError(t, err)
	assert.Equal(t, PriceQuote{SKU: "XY", Cents: 200, Currency: "EUR"}, quote)

	require.NoError(t, stop())
}

// stalledDeclare holds every queue declaration until its context is done.
type stalledDeclare struct {
	broker.Broker
	entered chan struct{}
}

func (s stalledDeclare) DeclareQueue(ctx context.Context, _ broker.QueueSpec) (broker.Queue, error) {
	s.entered <- struct{}{}
	<-ctx.Done()

	return broker.Queue{}, ctx.Err()
}

func TestLauncher_CancelDuringDeclareIsCleanStop(t *testing.T) {
	f := newFixture(t)
	b := stalledDeclare{Broker: f.broker, entered: make(chan struct{}, 3)}

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	subscribers := mediator.NewSubscriberSet()
	mediator.Subscribe[OrderPlaced, PlaceOrder](subscribers)

	rpcs := mediator.NewRpcSet()
	mediator.Respond[PriceQuery, PriceQuote, GetPrice, Price](rpcs)

	l := mediator.NewLauncher(mediator.NewProvider(b, f.bus, f.mapper),
		mediator.WithReceivers(receivers),
		mediator.WithSubscribers(subscribers),
		mediator.WithRpcs(rpcs),
	)

	r := mediator.NewRunner(l)
	require.NoError(t, r.Start(t.Context()))

	for range 3 {
		select {
		case <-b.entered:
		case <-time.After(wait):
			t.Fatal("binding never declared its queue")
		}
	}

	require.NoError(t, r.Stop(wait))
	require.NoError(t, r.Err())
	assert.Equal(t, mediator.Stopped, l.State())
}

type AuditEntry struct {
	Note string `json:"note"`
}

// RecordAudit has a mapping but no command handler.
type RecordAudit struct{ Note string }

func TestLauncher_ScopesClosedOnFailurePaths(t *testing.T) {
	f := newFixture(t)
	mapping.MustRegister(f.mapper, func(a AuditEntry) (RecordAudit, error) { return RecordAudit(a), nil })

	var opened, closed atomic.Int32
	p := f.provider(mediator.WithScopeHook(func(_ context.Context, s *mediator.Scope) error {
		opened.Add(1)
		s.OnClose(func() error {
			closed.Add(1)
			return nil
		})

		return nil
	}))

	receivers := mediator.NewReceiverSet()
	receivers.Register().OnMessage(mediator.TypeOf[OrderPlaced]())
	mediator.Receive[Unmapped, PlaceOrder](receivers)
	mediator.Receive[AuditEntry, RecordAudit](receivers)

	stop := launch(t, mediator.NewLauncher(p, mediator.WithReceivers(receivers)))

	// the misconfigured binding gives its scope back at once
	require.Eventually(t, func() bool { return opened.Load() == 3 && closed.Load() == 1 }, wait, tick)

	require.NoError(t, mediator.NewSender[Unmapped](f.broker).Send(t.Context(), Unmapped{X: 1}))
	require.NoError(t, mediator.NewSender[AuditEntry](f.broker).Send(t.Context(), AuditEntry{Note: "n"}))

	// a mapping miss and a dispatch failure each close their message scope
	require.Eventually(t, func() bool { return opened.Load() == 5 && closed.Load() == 3 }, wait, tick)
	assert.Empty(t, f.orders.commands())

	var cfg *berr.ConfigurationError
	require.ErrorAs(t, stop(), &cfg)
	assert.Equal(t, "command type", cfg.Missing)
	assert.EqualValues(t, 5, closed.Load())
}
