// Package queue defines the provider adapter contract every backend
// implements.
//
// A Provider normalizes send, receive, acknowledge, reject, dead-letter,
// batch, and session-lock operations over one backend queueing service.
// Backends differ in how they order messages: some support native sessions,
// others emulate ordering through FIFO grouping keys. The Capabilities
// struct surfaces those differences as flags so the session coordinator and
// the fan-out router adjust behavior by capability, never by provider
// identity.
//
// Implementations in this module:
//   - providers/memory: in-process provider for tests and local runs
//   - providers/amqp: RabbitMQ-backed provider with broker-enforced sessions
//   - providers/kafka: Kafka-backed provider with partition-keyed ordering
package queue
