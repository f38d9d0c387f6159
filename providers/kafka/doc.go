// Package kafka adapts Kafka to the provider contract through sarama.
//
// Sends go out over an idempotent sync producer with the session key as
// the record key, so the hash partitioner serializes each key onto one
// partition. Receives run through a per-topic consumer-group bridge: the
// group claim pumps records into a local buffer, receives hand them out
// with receipts, and a per-partition window marks only the contiguous
// acknowledged prefix for commit. Anything unsettled when the process
// dies is re-served by the broker from the committed offset.
//
// The broker has no per-message locks, so session locks live in an
// in-process table; across processes the group's partition assignment is
// what keeps a key on a single consumer. A rebalance discards the local
// buffers and windows, and outstanding receipts from before it settle as
// no-ops while the new assignee re-reads the uncommitted tail.
package kafka
