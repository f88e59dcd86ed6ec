package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for the mediator contracts. Keep stable; used across adapters, bus and launcher.
const (
	ErrCodeHandlerExists       = "mediator.handler_exists"
	ErrCodeHandlerNotFound     = "mediator.handler_not_found"
	ErrCodeHandlerTypeMismatch = "mediator.handler_type_mismatch"
	ErrCodeConfiguration       = "mediator.configuration"
	ErrCodeMappingFailed       = "mediator.mapping_failed"
	ErrCodeTransportFailed     = "mediator.transport_failed"
	ErrCodeSerializationFailed = "mediator.serialization_failed"
	ErrCodeRequestTimeout      = "mediator.request_timeout"
	ErrCodeRemoteFailure       = "mediator.remote_failure"
	ErrCodeAlreadyStarted      = "mediator.already_started"
	ErrCodeStopTimeout         = "mediator.stop_timeout"
	ErrCodeScopeClosed         = "mediator.scope_closed"
	ErrCodeBrokerClosed        = "mediator.broker_closed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrConfiguration       = Code(ErrCodeConfiguration)
	ErrMappingFailed       = Code(ErrCodeMappingFailed)
	ErrTransportFailed     = Code(ErrCodeTransportFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrRequestTimeout      = Code(ErrCodeRequestTimeout)
	ErrRemoteFailure       = Code(ErrCodeRemoteFailure)
	ErrAlreadyStarted      = Code(ErrCodeAlreadyStarted)
	ErrStopTimeout         = Code(ErrCodeStopTimeout)
	ErrScopeClosed         = Code(ErrCodeScopeClosed)
	ErrBrokerClosed        = Code(ErrCodeBrokerClosed)
)

// ConfigurationError reports a binding that cannot be launched because a required
// type or collaborator is missing.
type ConfigurationError struct {
	Kind    string // receiver, subscriber or rpc
	Binding string // human readable binding identity
	Missing string // what was missing, e.g. "command type"
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s binding %s: missing %s", ErrCodeConfiguration, e.Kind, e.Binding, e.Missing)
}

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// MappingError reports that the mapper produced no value for a source/destination pair.
type MappingError struct {
	From string
	To   string
	Err  error // optional underlying cause
}

func (e *MappingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s -> %s: %v", ErrCodeMappingFailed, e.From, e.To, e.Err)
	}

	return fmt.Sprintf("%s: %s -> %s", ErrCodeMappingFailed, e.From, e.To)
}

func (e *MappingError) Unwrap() error { return e.Err }

// Is matches ErrMappingFailed.
func (e *MappingError) Is(target error) bool { return target == ErrMappingFailed }

// TransportError wraps a failure raised by a broker adapter.
type TransportError struct {
	Op     string // declare_queue, declare_exchange, bind, consume, publish, respond, request
	Target string // queue or exchange name
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", ErrCodeTransportFailed, e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches ErrTransportFailed.
func (e *TransportError) Is(target error) bool { return target == ErrTransportFailed }

// RemoteError carries a failure message returned by an RPC responder.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodeRemoteFailure, e.Message)
}

// Is matches ErrRemoteFailure.
func (e *RemoteError) Is(target error) bool { return target == ErrRemoteFailure }

// Transport wraps err as a TransportError. Context errors and remote failures are
// returned unchanged, as is an error that already carries a TransportError.
func Transport(op, target string, err error) error {
	if err == nil {
		return nil
	}

	if IsContext(err) {
		return err
	}

	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}

	return &TransportError{Op: op, Target: target, Err: err}
}

// IsContext reports whether err stems from context cancellation or deadline.
func IsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
