package mediator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-mediator/adapters/inmemory"
	cbus "github.com/next-trace/scg-mediator/contract/bus"
	"github.com/next-trace/scg-mediator/mapping"
	"github.com/next-trace/scg-mediator/mediator"
	"github.com/next-trace/scg-mediator/servicebus"
)

type OrderPlaced struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

type PlaceOrder struct {
	OrderID string
	Amount  int
}

type PriceQuery struct {
	SKU string `json:"sku"`
}

type GetPrice struct{ SKU string }

type Price struct {
	SKU   string
	Cents int
}

type PriceQuote struct {
	SKU      string `json:"sku"`
	Cents    int    `json:"cents"`
	Currency string `json:"currency"`
}

// Unmapped has no command handler and no mapping registered.
type Unmapped struct{ X int }

func newMapper() *mapping.Registry {
	r := mapping.NewRegistry()
	mapping.MustRegister(r, func(m OrderPlaced) (PlaceOrder, error) {
		return PlaceOrder{OrderID: m.ID, Amount: m.Amount}, nil
	})
	mapping.MustRegister(r, func(q PriceQuery) (GetPrice, error) {
		return GetPrice{SKU: strings.ToUpper(q.SKU)}, nil
	})
	mapping.MustRegister(r, func(p Price) (PriceQuote, error) {
		return PriceQuote{SKU: p.SKU, Cents: p.Cents, Currency: "EUR"}, nil
	})

	return r
}

// recorder is a PlaceOrder handler that keeps every command it saw.
type recorder struct {
	mu   sync.Mutex
	seen []PlaceOrder
}

func (r *recorder) Handle(_ context.Context, c PlaceOrder) error {
	r.mu.Lock()
	r.seen = append(r.seen, c)
	r.mu.Unlock()

	return nil
}

func (r *recorder) commands() []PlaceOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]PlaceOrder(nil), r.seen...)
}

type fixture struct {
	broker *inmemory.Broker
	bus    *servicebus.Bus
	mapper *mapping.Registry
	orders *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		broker: inmemory.New(),
		bus:    servicebus.New(nil),
		mapper: newMapper(),
		orders: &recorder{},
	}
	t.Cleanup(func() { _ = f.broker.Close() })

	require.NoError(t, servicebus.BindCommand[PlaceOrder](f.bus, f.orders))
	require.NoError(t, servicebus.BindCommandResult[GetPrice, Price](f.bus,
		cbus.ResultHandlerFunc[GetPrice, Price](func(_ context.Context, c GetPrice) (Price, error) {
			return Price{SKU: c.SKU, Cents: len(c.SKU) * 100}, nil
		})))

	return f
}

func (f *fixture) provider(opts ...mediator.ProviderOption) *mediator.Provider {
	return mediator.NewProvider(f.broker, f.bus, f.mapper, append([]mediator.ProviderOption{mediator.WithProgramName("test")}, opts...)...)
}

// launch runs l in the background and returns a function that cancels it and
// waits for the result.
func launch(t *testing.T, l *mediator.Launcher) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	var once sync.Once
	var err error

	stop := func() error {
		once.Do(func() {
			cancel()

			select {
			case err = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("launcher did not stop")
			}
		})

		return err
	}
	t.Cleanup(func() { _ = stop() })

	return stop
}
