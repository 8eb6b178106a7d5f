package channel

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every channel implementation. Errors returned from
// channel operations wrap one of these so callers can classify them with errors.Is.
var (
	// ErrConfig reports a bad scheme, pattern, header or option value. It is
	// returned from construction or Open.
	ErrConfig = errors.New("config error")

	// ErrTransport reports connect, handshake or read failures.
	ErrTransport = errors.New("transport error")

	// ErrProtocol reports a malformed frame or response.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout reports expiry of a receive wait. It never changes channel state.
	ErrTimeout = errors.New("timeout")

	// ErrRoutingConflict reports a path pattern that is already registered.
	ErrRoutingConflict = errors.New("routing conflict")

	// ErrInvalidState reports an operation that is not valid in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound reports an unknown address, channel name or scheme.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull reports that a bounded queue could not accept another message.
	ErrQueueFull = errors.New("queue full")
)

// Configf returns a formatted error wrapping ErrConfig.
func Configf(f string, args ...interface{}) error {
	return fmt.Errorf(f+": %w", append(args, ErrConfig)...)
}

// Transportf returns a formatted error wrapping ErrTransport.
func Transportf(f string, args ...interface{}) error {
	return fmt.Errorf(f+": %w", append(args, ErrTransport)...)
}

// Protocolf returns a formatted error wrapping ErrProtocol.
func Protocolf(f string, args ...interface{}) error {
	return fmt.Errorf(f+": %w", append(args, ErrProtocol)...)
}
