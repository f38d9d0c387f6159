// Package sessions serializes processing per ordering key.
//
// A Coordinator hands out one SessionLease per queue and key at a time;
// the lease wraps the provider's session lock and scopes receives to the
// key. A Worker drives a lease to completion: it receives in order, runs
// the handler through a middleware chain, renews the lock in the
// background, and settles every delivery exactly once.
package sessions
