package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	berr "github.com/next-trace/scg-mediator/contract/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle of a Launcher.
type State int32

const (
	// Idle is a launcher that has not run yet.
	Idle State = iota
	// Running is the steady state while bindings consume.
	Running
	// Draining means the run context is done and bindings are tearing down.
	Draining
	// Stopped is final: every binding has returned.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithReceivers adds receiver binding sets.
func WithReceivers(sets ...*ReceiverSet) LauncherOption {
	return func(l *Launcher) { l.receivers = append(l.receivers, sets...) }
}

// WithSubscribers adds subscriber binding sets.
func WithSubscribers(sets ...*SubscriberSet) LauncherOption {
	return func(l *Launcher) { l.subscribers = append(l.subscribers, sets...) }
}

// WithRpcs adds RPC binding sets.
func WithRpcs(sets ...*RpcSet) LauncherOption {
	return func(l *Launcher) { l.rpcs = append(l.rpcs, sets...) }
}

// Launcher starts one consume loop per binding, each in its own scope, and waits for all of them.
type Launcher struct {
	provider    *Provider
	receivers   []*ReceiverSet
	subscribers []*SubscriberSet
	rpcs        []*RpcSet
	state       atomic.Int32
	logger      *slog.Logger
}

// NewLauncher builds a launcher over p and the given binding sets.
func NewLauncher(p *Provider, opts ...LauncherOption) *Launcher {
	l := &Launcher{provider: p, logger: p.Logger()}
	for _, o := range opts {
		o(l)
	}

	return l
}

// State returns the current lifecycle state.
func (l *Launcher) State() State { return State(l.state.Load()) }

// task is one binding ready to run: its identity and a closure that builds and drives
// the executor chain for the binding's concrete types.
type task struct {
	kind string
	id   string
	run  func(ctx context.Context, scope *Scope) error
}

// Run starts every binding and blocks until all of them have stopped. Cancelling ctx
// stops them all. A failing binding does not stop its siblings; Run then returns the
// first error observed once the others are done. Run may be called once.
func (l *Launcher) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return berr.ErrAlreadyStarted
	}

	tasks := l.tasks()
	if len(tasks) == 0 {
		l.state.Store(int32(Stopped))
		l.logger.DebugContext(ctx, "no bindings registered")

		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		l.state.CompareAndSwap(int32(Running), int32(Draining))
	})
	defer stop()

	l.logger.InfoContext(ctx, "mediator running", "bindings", len(tasks))

	var g errgroup.Group
	for _, t := range tasks {
		g.Go(func() error { return l.runTask(ctx, t) })
	}

	err := g.Wait()
	l.state.Store(int32(Stopped))
	l.logger.InfoContext(ctx, "mediator stopped", "err", err)

	return err
}

func (l *Launcher) runTask(ctx context.Context, t task) (err error) {
	log := l.logger.With("kind", t.kind, "binding", t.id)

	scope, err := l.provider.NewScope(ctx)
	if err != nil {
		log.ErrorContext(ctx, "binding scope failed", "err", err)
		return fmt.Errorf("%s binding %s: %w", t.kind, t.id, err)
	}

	defer func() {
		if cerr := scope.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("%s binding %s: close scope: %w", t.kind, t.id, cerr))
		}
	}()

	log.DebugContext(ctx, "binding started")

	if err := t.run(ctx, scope); err != nil {
		// cancelled while still declaring or registering
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			log.DebugContext(ctx, "binding stopped before consuming", "err", err)
			return nil
		}

		log.ErrorContext(ctx, "binding failed", "err", err)
		return err
	}

	log.DebugContext(ctx, "binding stopped")

	return nil
}

func (l *Launcher) tasks() []task {
	var tasks []task

	p := l.provider

	n := 0
	for _, set := range l.receivers {
		for _, b := range set.Bindings() {
			id := fmt.Sprintf("#%d %s", n, b)
			n++

			message, command, opts := b.MessageType(), b.CommandType(), b.Options()
			missing := firstOf(b.missing(), p.missing())

			tasks = append(tasks, task{kind: "receiver", id: id, run: func(ctx context.Context, scope *Scope) error {
				if missing != "" {
					return &berr.ConfigurationError{Kind: "receiver", Binding: id, Missing: missing}
				}

				f := NewQueueFactory(p.broker, message, opts)
				g := NewReceiverGateway(f, message, scope.Logger())

				return NewReceiverExecutor(g, command, scope).Execute(ctx)
			}})
		}
	}

	n = 0
	for _, set := range l.subscribers {
		for _, b := range set.Bindings() {
			id := fmt.Sprintf("#%d %s", n, b)
			n++

			message, command, opts := b.MessageType(), b.CommandType(), b.Options()
			missing := firstOf(b.missing(), p.missing())

			tasks = append(tasks, task{kind: "subscriber", id: id, run: func(ctx context.Context, scope *Scope) error {
				if missing != "" {
					return &berr.ConfigurationError{Kind: "subscriber", Binding: id, Missing: missing}
				}

				f := NewSubscriberFactory(p.broker, message, opts, p.program)
				g := NewSubscriberGateway(f, message, scope.Logger())

				return NewSubscriberExecutor(g, command, scope).Execute(ctx)
			}})
		}
	}

	n = 0
	for _, set := range l.rpcs {
		for _, b := range set.Bindings() {
			id := fmt.Sprintf("#%d %s", n, b)
			n++

			message, response, command, opts := b.MessageType(), b.ResponseMessageType(), b.CommandType(), b.Options()
			missing := firstOf(b.missing(), p.missing())

			tasks = append(tasks, task{kind: "rpc", id: id, run: func(ctx context.Context, scope *Scope) error {
				if missing != "" {
					return &berr.ConfigurationError{Kind: "rpc", Binding: id, Missing: missing}
				}

				f := NewRpcFactory(p.broker, message, response, opts)
				g := NewResponderGateway(f, message, scope.Logger())

				return NewRpcExecutor(g, command, response, scope).Execute(ctx)
			}})
		}
	}

	return tasks
}

func firstOf(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}

	return ""
}
