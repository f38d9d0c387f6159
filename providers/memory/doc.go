// Package memory is an in-process queue provider with full session
// semantics. It backs tests, local development, and single-node
// deployments that do not want a broker.
//
// Delivery model:
//
//   - Pending messages hold a sequence number fixed at enqueue time. A
//     rejected delivery returns to its sequence position, not to the
//     front, so redelivery cannot reorder a session.
//   - Receiving moves a message into an in-flight set keyed by receipt
//     token. Unsettled deliveries return to pending after the visibility
//     timeout and their receipts die with it.
//   - Messages with a session key are handed out only through
//     ReceiveFromSession, one consumer per key at a time. Dead-letter
//     queues are exempt so operators can drain them without knowing the
//     keys inside.
package memory
