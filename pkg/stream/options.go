package stream

import (
	"time"

	"github.com/fako1024/btscale/pkg/scale"
)

// WithLogger sets the logger (used by both the driver and its session)
func WithLogger(logger scale.Logger) func(*Driver) {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithOpener sets the function used to open the transport (e.g. for custom transports)
func WithOpener(opener Opener) func(*Driver) {
	return func(d *Driver) {
		d.opener = opener
		d.customOpener = true
	}
}

// WithFraming overrides the framing parameters
func WithFraming(framing Framing) func(*Driver) {
	return func(d *Driver) {
		d.framing = framing.withDefaults()
	}
}

// WithRetryDelay sets the back-off delay after a failed continuous reading iteration
func WithRetryDelay(delay time.Duration) func(*Driver) {
	return func(d *Driver) {
		d.retryDelay = delay
	}
}

// WithStopGrace sets the maximum time to wait for the receive loop when stopping
func WithStopGrace(grace time.Duration) func(*Driver) {
	return func(d *Driver) {
		d.stopGrace = grace
	}
}
