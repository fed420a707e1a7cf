package eventbus

import "errors"

// Common errors for event bus operations
var (
	// ErrNotStarted indicates the producer has not been started
	ErrNotStarted = errors.New("event bus producer is not started")

	// ErrAlreadyStarted indicates the producer is already started
	ErrAlreadyStarted = errors.New("event bus producer is already started")

	// ErrStopped indicates the producer is shutting down or stopped
	ErrStopped = errors.New("event bus producer is stopped")

	// ErrIrrecoverable marks failures that retrying or restarting cannot fix
	// (authentication, authorization, invalid configuration). Delivery
	// reports and Start errors wrap it.
	ErrIrrecoverable = errors.New("irrecoverable event bus error")

	// ErrInvalidConfiguration indicates invalid event bus configuration
	ErrInvalidConfiguration = errors.New("invalid event bus configuration")

	// ErrSerializationFailed indicates payload serialization failure
	ErrSerializationFailed = errors.New("failed to serialize event")

	// ErrDeserializationFailed indicates payload deserialization failure
	ErrDeserializationFailed = errors.New("failed to deserialize event")
)

// IsIrrecoverable reports whether err should stop the pipeline for good
func IsIrrecoverable(err error) bool {
	return errors.Is(err, ErrIrrecoverable)
}
