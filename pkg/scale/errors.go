package scale

import (
	"errors"
	"fmt"
)

var (

	// ErrConfig denotes a malformed or incompatible connection configuration
	ErrConfig = errors.New("invalid configuration")

	// ErrInvalidState denotes an operation attempted outside of its required connection state
	ErrInvalidState = errors.New("invalid state")

	// ErrDeviceFault denotes a transport or protocol failure of a device
	ErrDeviceFault = errors.New("device fault")

	// ErrDisposed denotes an operation attempted on a device that has been closed
	ErrDisposed = errors.New("device disposed")

	// ErrUnsupported denotes an operation the device variant does not support
	ErrUnsupported = errors.New("operation not supported")
)

var (

	// ErrNotOpen indicates that the transport is not (or no longer) open
	ErrNotOpen = errors.New("transport not open")

	// ErrAccessDenied indicates that the transport is held by another user or not accessible
	ErrAccessDenied = errors.New("access denied")

	// ErrMediumMissing indicates that the underlying device is missing or was disconnected
	ErrMediumMissing = errors.New("device missing or disconnected")

	// ErrTimeout indicates that no response was received within the read timeout
	ErrTimeout = errors.New("response timeout")

	// ErrParse indicates that a response could not be parsed into a reading
	ErrParse = errors.New("unparsable response")

	// ErrOverload indicates that the device reported a weight beyond its capacity
	ErrOverload = errors.New("overload")
)

// IsFatal returns if an error indicates that the transport can no longer be used
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotOpen) ||
		errors.Is(err, ErrMediumMissing) ||
		errors.Is(err, ErrAccessDenied)
}

// StateError is returned if an operation requires a connection state the device is not in
type StateError struct {
	Device string
	Op     string
	State  Status
}

// Error implements the error interface
func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s on `%s`: device is %s", e.Op, e.Device, e.State)
}

// Is allows matching against ErrInvalidState
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ParseError is returned if a device response does not yield a reading
type ParseError struct {
	Response string
}

// Error implements the error interface
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %q", ErrParse, e.Response)
}

// Is allows matching against ErrParse
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// DeviceError wraps a transport / protocol failure, carrying the identity of the device,
// the attempted operation and (if available) the raw response
type DeviceError struct {
	Device   string
	Op       string
	Response string
	Err      error
}

// NewDeviceError wraps err into a DeviceError
func NewDeviceError(device, op string, err error) *DeviceError {
	de := &DeviceError{
		Device: device,
		Op:     op,
		Err:    err,
	}

	var pe *ParseError
	if errors.As(err, &pe) {
		de.Response = pe.Response
	}

	return de
}

// Error implements the error interface
func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s on `%s` (%s): %s", ErrDeviceFault, e.Device, e.Op, e.Err)
}

// Unwrap returns the underlying cause
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is allows matching against ErrDeviceFault
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceFault
}
