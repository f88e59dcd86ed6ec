/*
Package rabbitmq provides a RabbitMQ implementation of broker.Broker over amqp091-go.
Queues, exchanges and bindings map one to one onto AMQP. Each consumer runs on its own
channel and acks handled messages. RPC uses direct reply-to with correlation ids.
Header propagation goes through an optional bus.HeaderPropagator.
*/
package rabbitmq
