/*
Package broker defines the transport capability used by the mediator: topology
declaration, consume, publish and request/response, plus the payload codec.
Concrete transports live under adapters/.
*/
package broker
