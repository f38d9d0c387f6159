// Package amqp holds the RabbitMQ plumbing the amqp provider is built
// on: a managed connection that redials itself with backoff, and a small
// channel pool on top of it. Nothing here knows about queues, sessions,
// or receipts; the provider layer owns topology and semantics.
package amqp
