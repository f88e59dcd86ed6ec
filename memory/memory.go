// Package memory wires a complete in-process mediator: command bus, broker and mapper.
package memory

import (
	"errors"
	"log/slog"

	"github.com/next-trace/scg-mediator/adapters/inmemory"
	"github.com/next-trace/scg-mediator/mapping"
	"github.com/next-trace/scg-mediator/mediator"
	"github.com/next-trace/scg-mediator/servicebus"
)

// Stack is an in-memory mediator ready for bindings.
type Stack struct {
	Bus      *servicebus.Bus
	Broker   *inmemory.Broker
	Mappings *mapping.Registry
	Provider *mediator.Provider
}

type config struct {
	logger     *slog.Logger
	program    string
	structural bool
	broker     []inmemory.Option
	bus        []servicebus.BusOption
}

// Option configures New.
type Option func(*config)

// WithLogger sets the logger shared by the bus, broker and provider.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithProgramName sets the program identity used for subscription queues.
func WithProgramName(name string) Option { return func(c *config) { c.program = name } }

// WithStructuralMapping falls back to copying fields by name when no mapping is registered.
func WithStructuralMapping() Option { return func(c *config) { c.structural = true } }

// WithBrokerOptions passes options to the in-memory broker.
func WithBrokerOptions(opts ...inmemory.Option) Option {
	return func(c *config) { c.broker = append(c.broker, opts...) }
}

// WithBusOptions passes options to the command bus.
func WithBusOptions(opts ...servicebus.BusOption) Option {
	return func(c *config) { c.bus = append(c.bus, opts...) }
}

// New builds the stack and returns it with a cleanup closing the broker and the bus.
func New(opts ...Option) (*Stack, func()) {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	br := inmemory.New(append([]inmemory.Option{inmemory.WithLogger(cfg.logger)}, cfg.broker...)...)
	sb := servicebus.New(cfg.logger, cfg.bus...)
	reg := mapping.NewRegistry()

	var m mapping.Mapper = reg
	if cfg.structural {
		m = mapping.Chain{reg, mapping.JSONMapper{}}
	}

	p := mediator.NewProvider(br, sb, m, mediator.WithLogger(cfg.logger), mediator.WithProgramName(cfg.program))

	s := &Stack{Bus: sb, Broker: br, Mappings: reg, Provider: p}
	cleanup := func() { _ = s.Close() }

	return s, cleanup
}

// Launcher returns a launcher over the stack provider.
func (s *Stack) Launcher(opts ...mediator.LauncherOption) *mediator.Launcher {
	return mediator.NewLauncher(s.Provider, opts...)
}

// Close closes the broker and the bus.
func (s *Stack) Close() error {
	return errors.Join(s.Broker.Close(), s.Bus.Close())
}
