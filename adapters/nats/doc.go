/*
Package nats provides a core NATS implementation of broker.Broker.
Queues are subjects consumed by a queue group of the same name, fanout exchanges are
subjects of their own, and request/reply uses NATS inboxes. The Client interface keeps
the broker testable without a server.
*/
package nats
