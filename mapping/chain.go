package mapping

import "reflect"

// Chain tries each mapper in order and returns the first non-nil result.
// An error from any mapper stops the chain.
type Chain []Mapper

var _ Mapper = Chain(nil)

// Map implements Mapper.
func (c Chain) Map(src any, dst reflect.Type) (any, error) {
	for _, m := range c {
		out, err := m.Map(src, dst)
		if err != nil {
			return nil, err
		}

		if !isNil(out) {
			return out, nil
		}
	}

	return nil, nil
}
