package mapping

import (
	"fmt"
	"reflect"
	"sync"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

type pair struct{ in, out reflect.Type }

// Registry maps values through explicitly registered functions.
// Registry is concurrency-safe and contains no global state.
type Registry struct {
	mu  sync.RWMutex
	fns map[pair]func(any) (any, error)
}

var _ Mapper = (*Registry)(nil)

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[pair]func(any) (any, error))}
}

// Register adds a mapping function from In to Out. Duplicate pairs are rejected.
func Register[In, Out any](r *Registry, fn func(In) (Out, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := pair{in: reflect.TypeFor[In](), out: reflect.TypeFor[Out]()}
	if _, exists := r.fns[k]; exists {
		return fmt.Errorf("register mapping %s -> %s: %w", k.in, k.out, berr.ErrHandlerExists)
	}

	r.fns[k] = func(v any) (any, error) {
		in, ok := v.(In)
		if !ok {
			return nil, fmt.Errorf("map %T: %w", v, berr.ErrHandlerTypeMismatch)
		}

		out, err := fn(in)
		if err != nil {
			return nil, err
		}

		return out, nil
	}

	return nil
}

// MustRegister is Register for static wiring; it panics on a duplicate pair.
func MustRegister[In, Out any](r *Registry, fn func(In) (Out, error)) {
	if err := Register(r, fn); err != nil {
		panic(err)
	}
}

// Map implements Mapper. A value already of type dst is returned unchanged.
func (r *Registry) Map(src any, dst reflect.Type) (any, error) {
	in := reflect.TypeOf(src)
	if in == dst {
		return src, nil
	}

	r.mu.RLock()
	f, ok := r.fns[pair{in: in, out: dst}]
	r.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	return f(src)
}
