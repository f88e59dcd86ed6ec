package mapping

import (
	"reflect"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Mapper converts src into a value of type dst.
// A nil result with a nil error means no mapping is available.
type Mapper interface {
	Map(src any, dst reflect.Type) (any, error)
}

// MapTo maps src to dst and fails with a MappingError when the mapper yields nothing.
func MapTo(m Mapper, src any, dst reflect.Type) (any, error) {
	out, err := m.Map(src, dst)
	if err != nil {
		return nil, &berr.MappingError{From: typeString(reflect.TypeOf(src)), To: typeString(dst), Err: err}
	}

	if isNil(out) {
		return nil, &berr.MappingError{From: typeString(reflect.TypeOf(src)), To: typeString(dst)}
	}

	return out, nil
}

// Map is the typed form of MapTo.
func Map[Out any](m Mapper, src any) (Out, error) {
	var zero Out

	out, err := MapTo(m, src, reflect.TypeFor[Out]())
	if err != nil {
		return zero, err
	}

	v, ok := out.(Out)
	if !ok {
		return zero, &berr.MappingError{
			From: typeString(reflect.TypeOf(out)),
			To:   typeString(reflect.TypeFor[Out]()),
			Err:  berr.ErrHandlerTypeMismatch,
		}
	}

	return v, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

func typeString(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}

	return t.String()
}
