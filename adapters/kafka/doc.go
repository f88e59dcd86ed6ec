/*
Package kafka provides a franz-go backed implementation of broker.Broker.
Queues and exchanges are topics read through consumer groups named after the queue.
Request/reply produces to the queue topic and waits on a per-broker reply topic for the
record carrying the same correlation id.
*/
package kafka
