/*
Package rabbitmq implements the bus transport over AMQP 0-9-1.

Every event name maps to a queue of the same name on the default exchange. Publish opens a
short-lived channel per message, declares the queue and publishes without confirms. Consume
holds a dedicated channel with manual acknowledgements and reports a lost channel through
the subscription so the bus can resubscribe. Connection keeps one AMQP connection alive and
redials it with exponential backoff.
*/
package rabbitmq
