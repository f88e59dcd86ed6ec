package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-mediator/contract/bus"
	berr "github.com/next-trace/scg-mediator/contract/errors"
	"github.com/next-trace/scg-mediator/mapping"
)

// Scope owns the resources of one binding or of one message within it.
// Cleanups registered with OnClose run once, in reverse order, when the scope closes.
type Scope struct {
	provider *Provider
	parent   *Scope

	mu       sync.Mutex
	values   map[any]any
	cleanups []func() error
	closed   bool

	once     sync.Once
	closeErr error
}

func (p *Provider) open(ctx context.Context, parent *Scope) (*Scope, error) {
	s := &Scope{provider: p, parent: parent, values: make(map[any]any)}

	for _, h := range p.hooks {
		if err := h(ctx, s); err != nil {
			return nil, errors.Join(fmt.Errorf("open scope: %w", err), s.Close())
		}
	}

	return s, nil
}

// NewChild opens a scope nested in s. Values not set on the child are read from s.
func (s *Scope) NewChild(ctx context.Context) (*Scope, error) {
	if s.Closed() {
		return nil, berr.ErrScopeClosed
	}

	return s.provider.open(ctx, s)
}

// Parent returns the enclosing scope, nil for a binding scope.
func (s *Scope) Parent() *Scope { return s.parent }

// Set stores a value on this scope.
func (s *Scope) Set(key, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Get returns the value stored under key on this scope or its ancestors.
func (s *Scope) Get(key any) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		v, ok := cur.values[key]
		cur.mu.Unlock()

		if ok {
			return v, true
		}
	}

	return nil, false
}

// OnClose registers fn to run when the scope closes. On a closed scope fn runs immediately.
func (s *Scope) OnClose(fn func() error) {
	s.mu.Lock()
	if !s.closed {
		s.cleanups = append(s.cleanups, fn)
		s.mu.Unlock()

		return
	}
	s.mu.Unlock()

	_ = fn() //nolint:errcheck // nothing left to report to
}

// Close runs the cleanups once and joins their errors. Later calls return the same result.
func (s *Scope) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		fns := s.cleanups
		s.cleanups = nil
		s.mu.Unlock()

		var errs []error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				errs = append(errs, err)
			}
		}

		s.closeErr = errors.Join(errs...)
	})

	return s.closeErr
}

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Bus returns the command bus.
func (s *Scope) Bus() cbus.Sender { return s.provider.bus }

// Mapper returns the mapper.
func (s *Scope) Mapper() mapping.Mapper { return s.provider.mapper }

// Logger returns the provider logger.
func (s *Scope) Logger() *slog.Logger { return s.provider.logger }

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the innermost scope attached to ctx. Command handlers
// invoked by an executor see the per-message scope.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}
