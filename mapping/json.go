package mapping

import (
	"encoding/json"
	"reflect"
)

// JSONMapper copies fields by name through a JSON round trip.
// It suits message and command types that share field names.
type JSONMapper struct{}

var _ Mapper = JSONMapper{}

// Map implements Mapper.
func (JSONMapper) Map(src any, dst reflect.Type) (any, error) {
	if src == nil || dst == nil {
		return nil, nil
	}

	if reflect.TypeOf(src) == dst {
		return src, nil
	}

	b, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}

	target := dst
	if dst.Kind() == reflect.Pointer {
		target = dst.Elem()
	}

	ptr := reflect.New(target)
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return nil, err
	}

	if dst.Kind() == reflect.Pointer {
		return ptr.Interface(), nil
	}

	return ptr.Elem().Interface(), nil
}
