package bus

import "context"

// HeaderPropagator carries request context across process boundaries through message headers.
// Inject runs on publish and request; Extract runs on consume and respond and returns the
// context handed to the handler. Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}

// Propagator returns hp, or a NopHeaderPropagator when hp is nil.
func Propagator(hp HeaderPropagator) HeaderPropagator { //nolint:ireturn
	if hp == nil {
		return NopHeaderPropagator{}
	}

	return hp
}
