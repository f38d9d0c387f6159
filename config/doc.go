// Package config loads the runtime configuration for the queue runtime.
//
// Runtime settings come from the environment (with optional .env support)
// and are validated before anything connects to a backend. Subscription
// tables come from a JSON file checked against an embedded JSON Schema,
// then against the router's semantic rules, so a malformed table is
// rejected before any traffic flows.
package config
