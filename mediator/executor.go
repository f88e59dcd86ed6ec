package mediator

import (
	"context"
	"errors"

	"github.com/next-trace/scg-mediator/mapping"
)

type messageConsumer interface {
	Consume(ctx context.Context, onMessage MessageHandler) error
}

// messageExecutor maps each consumed message to a command and sends it on the bus.
type messageExecutor struct {
	gateway messageConsumer
	command Type
	scope   *Scope
}

// Execute drives the consume loop until ctx is done.
func (e *messageExecutor) Execute(ctx context.Context) error {
	return e.gateway.Consume(ctx, e.handle)
}

func (e *messageExecutor) handle(ctx context.Context, msg any) (err error) {
	child, err := e.scope.NewChild(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := child.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	ctx = WithScope(ctx, child)

	cmd, err := mapping.MapTo(child.Mapper(), msg, e.command.Reflect())
	if err != nil {
		return err
	}

	_, err = child.Bus().Send(ctx, cmd)

	return err
}

// ReceiverExecutor binds a ReceiverGateway to the command bus.
type ReceiverExecutor struct{ messageExecutor }

// NewReceiverExecutor builds an executor sending command for every message from g.
// Every message runs in its own child scope of scope.
func NewReceiverExecutor(g *ReceiverGateway, command Type, scope *Scope) *ReceiverExecutor {
	return &ReceiverExecutor{messageExecutor{gateway: g, command: command, scope: scope}}
}

// SubscriberExecutor binds a SubscriberGateway to the command bus.
type SubscriberExecutor struct{ messageExecutor }

// NewSubscriberExecutor builds an executor sending command for every message from g.
func NewSubscriberExecutor(g *SubscriberGateway, command Type, scope *Scope) *SubscriberExecutor {
	return &SubscriberExecutor{messageExecutor{gateway: g, command: command, scope: scope}}
}

// RpcExecutor binds a ResponderGateway to the command bus and maps results back to responses.
type RpcExecutor struct {
	gateway  *ResponderGateway
	command  Type
	response Type
	scope    *Scope
}

// NewRpcExecutor builds an executor answering requests from g with response messages.
func NewRpcExecutor(g *ResponderGateway, command, response Type, scope *Scope) *RpcExecutor {
	return &RpcExecutor{gateway: g, command: command, response: response, scope: scope}
}

// Execute drives the responder until ctx is done.
func (e *RpcExecutor) Execute(ctx context.Context) error {
	return e.gateway.Respond(ctx, e.handle)
}

func (e *RpcExecutor) handle(ctx context.Context, req any) (resp any, err error) {
	child, err := e.scope.NewChild(ctx)
	if err != nil {
		return nil, err
	}

	defer func() {
		if cerr := child.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	ctx = WithScope(ctx, child)

	cmd, err := mapping.MapTo(child.Mapper(), req, e.command.Reflect())
	if err != nil {
		return nil, err
	}

	res, err := child.Bus().Send(ctx, cmd)
	if err != nil {
		return nil, err
	}

	return mapping.MapTo(child.Mapper(), res, e.response.Reflect())
}
