// Package cloudevents provides a broker.Codec that wraps every payload in a
// structured-mode CloudEvent.
package cloudevents

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/next-trace/scg-mediator/contract/broker"
	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// DefaultSource is the event source used when none is configured.
const DefaultSource = "scg-mediator"

// Codec encodes values as CloudEvents in the JSON event format. The event type is
// the Go type name of the value with an optional prefix.
type Codec struct {
	source     string
	typePrefix string
	now        func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithSource sets the event source attribute.
func WithSource(s string) Option { return func(c *Codec) { c.source = s } }

// WithTypePrefix prefixes every event type, e.g. "com.example.".
func WithTypePrefix(p string) Option { return func(c *Codec) { c.typePrefix = p } }

// WithClock sets the time source for the event time attribute.
func WithClock(now func() time.Time) Option { return func(c *Codec) { c.now = now } }

var _ broker.Codec = (*Codec)(nil)

// New returns a codec.
func New(opts ...Option) *Codec {
	c := &Codec{source: DefaultSource, now: time.Now}
	for _, o := range opts {
		o(c)
	}

	return c
}

// Marshal wraps v in a new event with a fresh id and encodes it.
func (c *Codec) Marshal(v any) ([]byte, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(c.source)
	e.SetType(c.typePrefix + typeName(v))
	e.SetTime(c.now().UTC())

	if err := e.SetData(cloudevents.ApplicationJSON, v); err != nil {
		return nil, fmt.Errorf("%w: cloudevent data: %w", berr.ErrSerializationFailed, err)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: cloudevent: %w", berr.ErrSerializationFailed, err)
	}

	return b, nil
}

// Unmarshal decodes an event and its data into v.
func (c *Codec) Unmarshal(data []byte, v any) error {
	e, err := Decode(data)
	if err != nil {
		return err
	}

	if err := e.DataAs(v); err != nil {
		return fmt.Errorf("%w: cloudevent data: %w", berr.ErrSerializationFailed, err)
	}

	return nil
}

// ContentType returns the structured-mode JSON media type.
func (c *Codec) ContentType() string { return event.ApplicationCloudEventsJSON }

// Decode parses and validates a structured-mode event.
func Decode(data []byte) (event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return event.Event{}, fmt.Errorf("%w: cloudevent: %w", berr.ErrSerializationFailed, err)
	}

	if err := e.Validate(); err != nil {
		return event.Event{}, fmt.Errorf("%w: cloudevent: %w", berr.ErrSerializationFailed, err)
	}

	return e, nil
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	if t == nil || t.Name() == "" {
		return "message"
	}

	return t.Name()
}
