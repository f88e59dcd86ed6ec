package bus

import "context"

// Sender dispatches a command to its single handler and returns the handler result.
// Commands without a result yield Unit.
type Sender interface {
	Send(ctx context.Context, cmd Command) (any, error)
}

// Bus is a minimal, tech-agnostic interface over the concrete command bus.
//
// Typed bindings remain available via generic helper functions in the servicebus package.
// This interface is intended for consumers that want to depend only on contracts.
type Bus interface {
	Sender

	// BindCommandOf registers an untyped handler. Provide a zero value of the command type via sample.
	BindCommandOf(sample any, handler func(ctx context.Context, v any) (any, error)) error

	Close() error
}
