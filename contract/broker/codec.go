package broker

import (
	"encoding/json"
	"fmt"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Codec turns message values into payload bytes and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSON is the default codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", berr.ErrSerializationFailed, err)
	}

	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", berr.ErrSerializationFailed, err)
	}

	return nil
}

func (jsonCodec) ContentType() string { return "application/json" }

// RawDelivery is a Delivery over encoded bytes. Adapters build one per inbound message.
type RawDelivery struct {
	ID     string
	Header map[string]string
	Body   []byte
	Codec  Codec
}

// MessageID returns the transport message id, if any.
func (d *RawDelivery) MessageID() string { return d.ID }

// Headers returns the message headers. The map must not be mutated.
func (d *RawDelivery) Headers() map[string]string { return d.Header }

// Decode unmarshals the body with the delivery codec, JSON when unset.
func (d *RawDelivery) Decode(v any) error {
	c := d.Codec
	if c == nil {
		c = JSON
	}

	return c.Unmarshal(d.Body, v)
}

var _ Delivery = (*RawDelivery)(nil)
