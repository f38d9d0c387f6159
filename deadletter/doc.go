// Package deadletter captures terminally failed messages with their full
// failure context and makes them inspectable and replayable.
//
// The Manager owns the durable side: on terminal failure it builds a
// Record preserving the original message, the ordered retry history, and
// dead-letter metadata, writes it to a Store partitioned by the derived
// dead-letter queue name, and settles the source delivery. Records are
// immutable; requeueing deletes the record and re-sends the original
// message, it never edits in place.
//
// Stores: MemoryStore here for tests and dry runs, a pebble-backed store
// in internal/pebblestore for durable deployments.
package deadletter
