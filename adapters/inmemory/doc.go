/*
Package inmemory is an in-process broker.Broker for tests and single-binary setups.
Queues are buffered channels, exchanges fan out to bound queues, and request/reply
uses a per-request reply channel. Every publish is recorded and can be read back
with Records.
*/
package inmemory
