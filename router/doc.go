// Package router fans normalized events out to their subscribed queues.
//
// A Router resolves an event's type against a static subscription table,
// derives one session key for the whole event, and sends a copy to every
// target queue. Target sends run concurrently under a bounded semaphore,
// each wrapped in the retry engine and a per-target circuit breaker. A
// fan-out either delivers everywhere or comes back as a RoutingError
// naming every target still owed a copy; replaying the same event skips
// targets inside the dedup window, so a replay attempts exactly the
// missing deliveries.
package router
