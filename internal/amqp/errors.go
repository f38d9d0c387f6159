package amqp

import (
	"errors"
	"net/url"
)

var (
	// ErrNotConnected is returned while the manager has no live broker
	// connection, including the window between a drop and the redial.
	ErrNotConnected = errors.New("amqp: not connected")

	// ErrClosed is returned after Close; a closed manager never redials.
	ErrClosed = errors.New("amqp: connection manager is closed")

	// ErrPoolClosed is returned by pool operations after the pool closed.
	ErrPoolClosed = errors.New("amqp: channel pool is closed")

	// ErrPoolExhausted is returned when every channel stayed checked out
	// for the whole acquire window.
	ErrPoolExhausted = errors.New("amqp: channel pool exhausted")
)

// SanitizeURL strips the password from a broker URL so the URL can be
// logged. Unparseable input is masked entirely rather than leaked.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(invalid amqp url)"
	}
	return u.Redacted()
}
