// Package contracts provides the core types every part of the sessionq
// runtime operates on.
//
// This package defines the wire-level model shared by providers, the
// session coordinator, the fan-out router, and the dead-letter manager:
//   - Message: immutable body + attributes unit accepted by every provider
//   - SessionKey: deterministic per-entity ordering key
//   - NormalizedEvent: the inbound record handed over by the webhook layer
//   - ReceivedMessage: a delivered message plus its delivery metadata
//   - ReceiptHandle: single-use token authorizing acknowledge/reject/dead-letter
//   - ErrorKind and QueueError: the failure taxonomy providers wrap into
//
// Everything here is provider-agnostic. Backend-specific behavior lives in
// the provider adapter packages; callers never branch on provider identity.
package contracts
