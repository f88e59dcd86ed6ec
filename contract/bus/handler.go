package bus

import "context"

// CommandHandler handles commands of type C that produce no result.
// Implementations must be safe for concurrent use by multiple goroutines.
type CommandHandler[C Command] interface {
	Handle(ctx context.Context, c C) error
}

// ResultHandler handles commands of type C and returns a result of type R.
// Implementations must be safe for concurrent use by multiple goroutines.
type ResultHandler[C Command, R any] interface {
	Handle(ctx context.Context, c C) (R, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc[C Command] func(ctx context.Context, c C) error

func (f CommandHandlerFunc[C]) Handle(ctx context.Context, c C) error { return f(ctx, c) }

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc[C Command, R any] func(ctx context.Context, c C) (R, error)

func (f ResultHandlerFunc[C, R]) Handle(ctx context.Context, c C) (R, error) { return f(ctx, c) }
