package mediator

import (
	"reflect"

	"github.com/next-trace/scg-mediator/contract/broker"
)

// Type describes a message, command or result type chosen at registration time.
// It carries a decoder built where the type is statically known, so the launcher
// never instantiates anything by reflection.
type Type struct {
	rt     reflect.Type
	decode func(d broker.Delivery) (any, error)
}

// TypeOf returns the descriptor of T.
func TypeOf[T any]() Type {
	return Type{
		rt: reflect.TypeFor[T](),
		decode: func(d broker.Delivery) (any, error) {
			var v T
			if err := d.Decode(&v); err != nil {
				return nil, err
			}

			return v, nil
		},
	}
}

// Name is the bare type name used by the naming conventions.
func (t Type) Name() string { return TypeName(t.rt) }

// IsZero reports whether the descriptor is unset.
func (t Type) IsZero() bool { return t.rt == nil }

// Reflect returns the underlying reflect.Type, nil when unset.
func (t Type) Reflect() reflect.Type { return t.rt }

func (t Type) String() string {
	if t.rt == nil {
		return "<unset>"
	}

	return t.rt.String()
}

func (t Type) decodeFrom(d broker.Delivery) (any, error) { return t.decode(d) }

func setIfAbsent(dst *Type, v Type) {
	if dst.IsZero() && !v.IsZero() {
		*dst = v
	}
}
