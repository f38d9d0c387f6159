// Package amqp adapts RabbitMQ to the provider contract. Ordinary
// messages flow through one durable queue per logical queue; session
// traffic fans into per-session queues bound to a direct exchange, so
// the broker itself keeps each session in FIFO order. Session locks are
// exclusive auto-delete queues: whichever connection declares the lock
// queue first owns the session, and a competing declare fails with
// RESOURCE_LOCKED. Receipts pin the channel a delivery arrived on,
// because acknowledgements in AMQP are channel-scoped.
package amqp
