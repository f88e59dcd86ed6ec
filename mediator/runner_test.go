package mediator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
	"github.com/next-trace/scg-mediator/mediator"
)

func TestRunner_StartStop(t *testing.T) {
	f := newFixture(t)

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	l := mediator.NewLauncher(f.provider(), mediator.WithReceivers(receivers))
	r := mediator.NewRunner(l)

	require.NoError(t, r.Start(t.Context()))
	assert.ErrorIs(t, r.Start(t.Context()), berr.ErrAlreadyStarted)
	running(t, l)

	require.NoError(t, mediator.NewSender[OrderPlaced](f.broker).Send(t.Context(), OrderPlaced{ID: "o-1"}))
	require.Eventually(t, func() bool { return len(f.orders.commands()) == 1 }, wait, tick)

	require.NoError(t, r.Stop(time.Second))

	select {
	case <-r.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
}

func TestRunner_StopBeforeStart(t *testing.T) {
	r := mediator.NewRunner(mediator.NewLauncher(newFixture(t).provider()))
	assert.NoError(t, r.Stop(time.Millisecond))
}

// stuckBroker never lets its consumer go, so the launcher keeps draining.
type stuckBroker struct {
	broker.Broker
	release chan struct{}
}

type stuckRegistration struct{ release chan struct{} }

func (r stuckRegistration) Close() error {
	<-r.release
	return nil
}

func (b stuckBroker) Consume(context.Context, broker.Queue, broker.DeliveryHandler) (broker.Registration, error) {
	return stuckRegistration{release: b.release}, nil
}

func TestRunner_StopTimeout(t *testing.T) {
	f := newFixture(t)

	sb := stuckBroker{Broker: f.broker, release: make(chan struct{})}

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	p := mediator.NewProvider(sb, f.bus, f.mapper)
	l := mediator.NewLauncher(p, mediator.WithReceivers(receivers))
	r := mediator.NewRunner(l)

	require.NoError(t, r.Start(t.Context()))
	running(t, l)

	assert.ErrorIs(t, r.Stop(20*time.Millisecond), berr.ErrStopTimeout)
	assert.Equal(t, mediator.Draining, l.State())

	close(sb.release)
	<-r.Done()
	assert.NoError(t, r.Err())
	assert.Equal(t, mediator.Stopped, l.State())
}
