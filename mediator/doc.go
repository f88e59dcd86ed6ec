/*
Package mediator binds broker messages to in-process commands.

Bindings are declared on binding sets: receivers consume a point-to-point queue,
subscribers consume a queue bound to a fanout exchange, and RPC bindings answer
requests. For every binding the Launcher builds a channel factory, a gateway and an
executor inside a dedicated Scope, runs its consume loop, and returns once all loops
have stopped:

	receivers := mediator.NewReceiverSet()
	mediator.Receive[OrderPlaced, PlaceOrder](receivers)

	p := mediator.NewProvider(broker, bus, mapper)
	l := mediator.NewLauncher(p, mediator.WithReceivers(receivers))
	err := l.Run(ctx)

Each inbound message is mapped to its command, sent on the command bus, and for RPC
the result is mapped back to the response message. Every message runs in a child
scope that is closed on every path.

Default names follow the message type name in lower case: "<m>-queue",
"<m>-exchange", "<m>-exchange-queue-<program>" and "<m>-rpc".
*/
package mediator
