/*
Package redis provides a broker.Broker over Redis lists using go-redis.

Queues are lists popped with BRPOP, exchanges and bindings are a hash and sets shared
by every process using the same key prefix, and request/reply answers on a
per-request list that expires if nobody reads it.

Redis keeps queued messages across restarts of the consumers, but a message popped by
a consumer that dies before handling it is lost.
*/
package redis
