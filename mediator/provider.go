package mediator

import (
	"context"
	"log/slog"

	"github.com/next-trace/scg-mediator/contract/broker"
	cbus "github.com/next-trace/scg-mediator/contract/bus"
	"github.com/next-trace/scg-mediator/mapping"
)

// Provider is the root of the mediator: it holds the shared collaborators and opens scopes.
// The broker is shared by every binding; it must be safe for concurrent use.
type Provider struct {
	broker  broker.Broker
	bus     cbus.Sender
	mapper  mapping.Mapper
	logger  *slog.Logger
	program string
	hooks   []ScopeHook
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// ScopeHook runs whenever a scope opens. It may store values and register cleanups.
// A hook error aborts the open and closes the partly built scope.
type ScopeHook func(ctx context.Context, s *Scope) error

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithProgramName overrides the program identity used for subscription queue names.
func WithProgramName(name string) ProviderOption {
	return func(p *Provider) {
		if name != "" {
			p.program = name
		}
	}
}

// WithScopeHook registers hooks run, in order, on every binding and message scope.
func WithScopeHook(h ...ScopeHook) ProviderOption {
	return func(p *Provider) { p.hooks = append(p.hooks, h...) }
}

// NewProvider builds a Provider over the given collaborators.
func NewProvider(b broker.Broker, bus cbus.Sender, m mapping.Mapper, opts ...ProviderOption) *Provider {
	p := &Provider{
		broker:  b,
		bus:     bus,
		mapper:  m,
		logger:  slog.New(slog.DiscardHandler),
		program: ProgramName(),
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

// Broker returns the shared broker.
func (p *Provider) Broker() broker.Broker { return p.broker }

// Logger returns the provider logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// Program returns the program identity.
func (p *Provider) Program() string { return p.program }

// NewScope opens a binding scope.
func (p *Provider) NewScope(ctx context.Context) (*Scope, error) {
	return p.open(ctx, nil)
}

// missing names the first absent collaborator, or "".
func (p *Provider) missing() string {
	switch {
	case p.broker == nil:
		return "broker"
	case p.bus == nil:
		return "command bus"
	case p.mapper == nil:
		return "mapper"
	default:
		return ""
	}
}
