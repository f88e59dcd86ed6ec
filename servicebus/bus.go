package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	cbus "github.com/next-trace/scg-mediator/contract/bus"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// HandlerFunc is the untyped form of a bound command handler.
type HandlerFunc func(ctx context.Context, cmd any) (any, error)

// CommandMiddleware wraps command handler execution. Middlewares are executed in registration order.
type CommandMiddleware func(next HandlerFunc) HandlerFunc

// BusOption configures a Bus instance.
type BusOption func(*Bus)

// Bus is a thin in-process command bus with an internal binder.
// Every command type has exactly one handler; commands without a result yield cbus.Unit.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	mu sync.RWMutex

	cmd map[reflect.Type]HandlerFunc

	// global command middleware executed in registration order
	cmdMW []CommandMiddleware

	logger *slog.Logger
}

var _ cbus.Bus = (*Bus)(nil)

// New constructs a new Bus. A nil logger discards output.
func New(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := &Bus{
		cmd:    make(map[reflect.Type]HandlerFunc),
		logger: logger,
	}

	for _, o := range opts {
		o(b)
	}

	return b
}

// WithCommandMiddleware registers global command middleware via an option.
func WithCommandMiddleware(mw ...CommandMiddleware) BusOption {
	return func(b *Bus) { b.cmdMW = append(b.cmdMW, mw...) }
}

// BindCommandOf registers a handler for a specific command type.
// Provide a zero value of the command type via sample.
func (b *Bus) BindCommandOf(sample any, handler func(ctx context.Context, v any) (any, error)) error {
	return b.bind(reflect.TypeOf(sample), handler)
}

func (b *Bus) bind(t reflect.Type, h HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.cmd[t]; exists {
		return fmt.Errorf("bind command %s: %w", t.String(), berr.ErrHandlerExists)
	}

	b.cmd[t] = h

	return nil
}

// BindCommand registers a handler for command type C with no result. Duplicate bindings are rejected.
func BindCommand[C cbus.Command](b *Bus, h cbus.CommandHandler[C]) error {
	return b.bind(reflect.TypeFor[C](), func(ctx context.Context, v any) (any, error) {
		c, ok := v.(C)
		if !ok {
			return nil, fmt.Errorf("send %T: %w", v, berr.ErrHandlerTypeMismatch)
		}

		if err := h.Handle(ctx, c); err != nil {
			return nil, err
		}

		return cbus.Unit{}, nil
	})
}

// BindCommandResult registers a handler for command type C producing R. Duplicate bindings are rejected.
func BindCommandResult[C cbus.Command, R any](b *Bus, h cbus.ResultHandler[C, R]) error {
	return b.bind(reflect.TypeFor[C](), func(ctx context.Context, v any) (any, error) {
		c, ok := v.(C)
		if !ok {
			return nil, fmt.Errorf("send %T: %w", v, berr.ErrHandlerTypeMismatch)
		}

		return h.Handle(ctx, c)
	})
}

// Send executes the command handler synchronously (with middleware) and returns its result.
func (b *Bus) Send(ctx context.Context, cmd cbus.Command) (any, error) {
	return b.sendWithMiddleware(ctx, cmd)
}

// SendWithMiddleware executes a command with additional per-call middleware.
func (b *Bus) SendWithMiddleware(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) (any, error) {
	return b.sendWithMiddleware(ctx, cmd, mws...)
}

// Dispatch sends a command and discards its result.
func (b *Bus) Dispatch(ctx context.Context, cmd cbus.Command) error {
	_, err := b.sendWithMiddleware(ctx, cmd)
	return err
}

// Request sends a command and asserts the result type.
func Request[C cbus.Command, R any](ctx context.Context, b *Bus, cmd C) (R, error) {
	var zero R

	res, err := b.sendWithMiddleware(ctx, cmd)
	if err != nil {
		return zero, err
	}

	r, ok := res.(R)
	if !ok {
		return zero, fmt.Errorf("send %T: %w", cmd, berr.ErrHandlerTypeMismatch)
	}

	return r, nil
}

// Close releases nothing; the bus holds no external resources.
func (b *Bus) Close() error { return nil }

func (b *Bus) sendWithMiddleware(ctx context.Context, cmd cbus.Command, mws ...CommandMiddleware) (any, error) {
	t := reflect.TypeOf(cmd)

	b.mu.RLock()
	f, ok := b.cmd[t]
	chain := make([]CommandMiddleware, 0, len(b.cmdMW)+len(mws))
	chain = append(chain, b.cmdMW...)
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("send %s: %w", typeString(t), berr.ErrHandlerNotFound)
	}

	chain = append(chain, mws...)

	// Build chain so the first registered middleware runs first
	final := f
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](final)
	}

	res, err := final(ctx, cmd)
	if err != nil {
		b.logger.DebugContext(ctx, "command failed", "command", typeString(t), "err", err)
	}

	return res, err
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	return t.String()
}
