/*
Package servicebus provides an in-process command bus: one handler per command type,
typed bindings through generic helpers, and middleware around every send.
It is the command dispatch capability the mediator executors send mapped commands to.
*/
package servicebus
