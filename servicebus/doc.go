/*
Package servicebus is an in-process facade between application code and a message broker.
Commands are dispatched in-process to exactly one handler. Events are published to a queue named
after the event and fanned out, on the consumer side, to every handler subscribed to that event.
The broker itself is reached through a contract/bus.Transport.
*/
package servicebus
