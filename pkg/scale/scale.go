package scale

import (
	"context"
	"time"
)

// Subscription denotes a registered event handler that can be removed again
type Subscription interface {

	// Cancel removes the handler, after which it is no longer called
	Cancel()
}

// Device denotes a weighing device, regardless of the transport it is reached by
type Device interface {

	// Identity returns the (immutable) identity of the device
	Identity() Identity

	// Config returns the connection configuration the device was built from
	Config() ConnectionConfig

	// ConnectionStatus returns the current connection status of the device
	ConnectionStatus() Status

	// IsContinuousReadingActive returns if readings are currently streamed
	IsContinuousReadingActive() bool

	// ConnectedFor returns the duration of the current connection (zero if not connected)
	ConnectedFor() time.Duration

	// Connect establishes the connection to the device
	Connect(ctx context.Context) error

	// Disconnect terminates the connection to the device, stopping continuous reading first
	Disconnect(ctx context.Context) error

	// GetWeight performs a single on-demand reading
	GetWeight(ctx context.Context) (Reading, error)

	// StartContinuousReading starts streaming readings to the reading handlers
	StartContinuousReading(ctx context.Context) error

	// StopContinuousReading stops streaming readings
	StopContinuousReading(ctx context.Context) error

	// ZeroScale zeroes / tares the scale
	ZeroScale(ctx context.Context) error

	// SendRawCommand sends a raw command to the device and returns its response
	SendRawCommand(ctx context.Context, command string) (string, error)

	// OnReading registers a handler function that is called upon retrieval of a reading
	OnReading(fn func(reading Reading)) Subscription

	// OnStatusChange registers a handler function that is called upon status change
	OnStatusChange(fn func(prev, cur Status)) Subscription

	// SetDataChannel registers a channel that receives all readings
	SetDataChannel(ch chan Reading) Subscription

	// SetStateChangeChannel registers a channel that receives all status changes
	SetStateChangeChannel(ch chan Status) Subscription

	// Close terminates the connection to the device and disposes of it
	Close() error
}
