package mediator

import (
	"fmt"
	"sync"
)

// ReceiverBinding binds a point-to-point message type to a command type.
type ReceiverBinding struct {
	message Type
	command Type
	options QueueOptions
}

// OnMessage sets the inbound message type. The last call wins.
func (b *ReceiverBinding) OnMessage(t Type) *ReceiverBinding {
	b.message = t
	return b
}

// OnCommand sets the command type. The last call wins.
func (b *ReceiverBinding) OnCommand(t Type) *ReceiverBinding {
	b.command = t
	return b
}

// WithOptions mutates the queue options.
func (b *ReceiverBinding) WithOptions(fn func(*QueueOptions)) *ReceiverBinding {
	fn(&b.options)
	return b
}

// MessageType is the inbound message type.
func (b *ReceiverBinding) MessageType() Type { return b.message }

// CommandType is the command the message maps to.
func (b *ReceiverBinding) CommandType() Type { return b.command }

// Options returns the queue options.
func (b *ReceiverBinding) Options() QueueOptions { return b.options }

func (b *ReceiverBinding) String() string { return describe(b.message, b.command) }

func (b *ReceiverBinding) missing() string {
	switch {
	case b.message.IsZero():
		return "message type"
	case b.command.IsZero():
		return "command type"
	default:
		return ""
	}
}

// ReceiverSet accumulates receiver bindings. The zero value is ready to use.
type ReceiverSet struct {
	mu       sync.Mutex
	bindings []*ReceiverBinding
}

// NewReceiverSet returns an empty set.
func NewReceiverSet() *ReceiverSet { return &ReceiverSet{} }

// Register appends a new binding with default queue options.
func (s *ReceiverSet) Register() *ReceiverBinding {
	b := &ReceiverBinding{options: NewQueueOptions()}

	s.mu.Lock()
	s.bindings = append(s.bindings, b)
	s.mu.Unlock()

	return b
}

// Bindings returns the bindings in registration order.
func (s *ReceiverSet) Bindings() []*ReceiverBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*ReceiverBinding(nil), s.bindings...)
}

// Receive registers message M mapped to command C.
func Receive[M, C any](s *ReceiverSet) *ReceiverBinding {
	return s.Register().OnMessage(TypeOf[M]()).OnCommand(TypeOf[C]())
}

// SubscriberBinding binds a fanout message type to a command type.
type SubscriberBinding struct {
	message Type
	command Type
	options SubscriberOptions
}

// OnMessage sets the published message type. The last call wins.
func (b *SubscriberBinding) OnMessage(t Type) *SubscriberBinding {
	b.message = t
	return b
}

// OnCommand sets the command type. The last call wins.
func (b *SubscriberBinding) OnCommand(t Type) *SubscriberBinding {
	b.command = t
	return b
}

// WithOptions mutates the subscription options.
func (b *SubscriberBinding) WithOptions(fn func(*SubscriberOptions)) *SubscriberBinding {
	fn(&b.options)
	return b
}

// MessageType is the published message type.
func (b *SubscriberBinding) MessageType() Type { return b.message }

// CommandType is the command the message maps to.
func (b *SubscriberBinding) CommandType() Type { return b.command }

// Options returns the subscription options.
func (b *SubscriberBinding) Options() SubscriberOptions { return b.options }

func (b *SubscriberBinding) String() string { return describe(b.message, b.command) }

func (b *SubscriberBinding) missing() string {
	switch {
	case b.message.IsZero():
		return "message type"
	case b.command.IsZero():
		return "command type"
	default:
		return ""
	}
}

// SubscriberSet accumulates subscriber bindings. The zero value is ready to use.
type SubscriberSet struct {
	mu       sync.Mutex
	bindings []*SubscriberBinding
}

// NewSubscriberSet returns an empty set.
func NewSubscriberSet() *SubscriberSet { return &SubscriberSet{} }

// Subscribe appends a new binding with default subscription options.
func (s *SubscriberSet) Subscribe() *SubscriberBinding {
	b := &SubscriberBinding{options: NewSubscriberOptions()}

	s.mu.Lock()
	s.bindings = append(s.bindings, b)
	s.mu.Unlock()

	return b
}

// Bindings returns the bindings in registration order.
func (s *SubscriberSet) Bindings() []*SubscriberBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*SubscriberBinding(nil), s.bindings...)
}

// Subscribe registers published message M mapped to command C.
func Subscribe[M, C any](s *SubscriberSet) *SubscriberBinding {
	return s.Subscribe().OnMessage(TypeOf[M]()).OnCommand(TypeOf[C]())
}

// RpcBinding binds a request message to a command and the command result to a response message.
// The type tags on its options follow the binding whatever the call order.
type RpcBinding struct {
	message  Type
	response Type
	command  Type
	result   Type
	options  RpcOptions
}

// OnMessage sets the request message type. The last call wins.
func (b *RpcBinding) OnMessage(t Type) *RpcBinding {
	b.message = t
	b.options.requestMessageType = t

	return b
}

// OnCommand sets the command type and its result type. The last call wins.
func (b *RpcBinding) OnCommand(command, result Type) *RpcBinding {
	b.command = command
	b.result = result
	b.options.commandType = command
	b.options.commandResultType = result

	return b
}

// OnResponseMessage sets the response message type. The last call wins.
func (b *RpcBinding) OnResponseMessage(t Type) *RpcBinding {
	b.response = t
	b.options.responseMessageType = t

	return b
}

// WithOptions mutates the RPC options. Type tags cleared by fn are restored from the binding.
func (b *RpcBinding) WithOptions(fn func(*RpcOptions)) *RpcBinding {
	fn(&b.options)
	b.sync()

	return b
}

func (b *RpcBinding) sync() {
	setIfAbsent(&b.options.requestMessageType, b.message)
	setIfAbsent(&b.options.responseMessageType, b.response)
	setIfAbsent(&b.options.commandType, b.command)
	setIfAbsent(&b.options.commandResultType, b.result)
}

// MessageType is the request message type.
func (b *RpcBinding) MessageType() Type { return b.message }

// ResponseMessageType is the response message type.
func (b *RpcBinding) ResponseMessageType() Type { return b.response }

// CommandType is the command the request maps to.
func (b *RpcBinding) CommandType() Type { return b.command }

// CommandResultType is the result type of the command.
func (b *RpcBinding) CommandResultType() Type { return b.result }

// Options returns the RPC options.
func (b *RpcBinding) Options() RpcOptions { return b.options }

func (b *RpcBinding) String() string {
	return describe(b.message, b.command) + " => " + describe(b.result, b.response)
}

func (b *RpcBinding) missing() string {
	switch {
	case b.message.IsZero():
		return "message type"
	case b.command.IsZero():
		return "command type"
	case b.result.IsZero():
		return "command result type"
	case b.response.IsZero():
		return "response message type"
	default:
		return ""
	}
}

// RpcSet accumulates RPC bindings. The zero value is ready to use.
type RpcSet struct {
	mu       sync.Mutex
	bindings []*RpcBinding
}

// NewRpcSet returns an empty set.
func NewRpcSet() *RpcSet { return &RpcSet{} }

// Register appends a new binding with default RPC options.
func (s *RpcSet) Register() *RpcBinding {
	b := &RpcBinding{options: NewRpcOptions()}

	s.mu.Lock()
	s.bindings = append(s.bindings, b)
	s.mu.Unlock()

	return b
}

// Bindings returns the bindings in registration order.
func (s *RpcSet) Bindings() []*RpcBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*RpcBinding(nil), s.bindings...)
}

// Respond registers request M answered with response R, through command C producing CR.
func Respond[M, R, C, CR any](s *RpcSet) *RpcBinding {
	return s.Register().
		OnMessage(TypeOf[M]()).
		OnCommand(TypeOf[C](), TypeOf[CR]()).
		OnResponseMessage(TypeOf[R]())
}

func describe(from, to Type) string {
	return fmt.Sprintf("%s -> %s", from, to)
}
