// Package session implements the connection lifecycle shared by all device variants: the
// status state machine, guard conditions, error wrapping, event emission and disposal.
// Transport specific work is delegated to a Driver.
package session

import (
	"context"

	"github.com/fako1024/btscale/pkg/scale"
)

// Emitter receives the output of a continuous reading loop
type Emitter interface {

	// Reading publishes a reading to all subscribers (in production order)
	Reading(reading scale.Reading)

	// Fault reports a failed loop iteration. The loop is expected to continue
	Fault(err error)
}

// Driver denotes the transport specific extension points of a device
type Driver interface {

	// Open acquires the transport. On failure, any partially acquired resources are
	// released by a subsequent call to Close
	Open(ctx context.Context) error

	// Close releases the transport. It must be idempotent and release the resource at
	// most once per successful Open
	Close() error

	// ReadOnce performs a single reading
	ReadOnce(ctx context.Context) (scale.Reading, error)

	// StartContinuous starts a background loop publishing readings to the emitter. The
	// context only bounds the start request itself, not the lifetime of the loop
	StartContinuous(ctx context.Context, emit Emitter) error

	// StopContinuous stops the background loop and waits (bounded) for it to terminate
	StopContinuous(ctx context.Context) error

	// Zero zeroes / tares the device
	Zero(ctx context.Context) error

	// SendRaw sends a raw command and returns the raw response
	SendRaw(ctx context.Context, command string) (string, error)
}
