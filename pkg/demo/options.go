package demo

import (
	"time"

	"github.com/fako1024/btscale/pkg/scale"
)

// WithName sets the device name
func WithName(name string) func(*Demo) {
	return func(d *Demo) {
		d.identity.Name = name
	}
}

// WithUnit sets the unit of all readings
func WithUnit(unit scale.Unit) func(*Demo) {
	return func(d *Demo) {
		d.player.unit = unit
	}
}

// WithInterval sets the interval between two readings in continuous mode
func WithInterval(interval time.Duration) func(*Demo) {
	return func(d *Demo) {
		d.player.interval = interval
	}
}

// WithLoop replays the script endlessly with the given period (which must exceed the start
// of the last step)
func WithLoop(period time.Duration) func(*Demo) {
	return func(d *Demo) {
		d.player.loop = period
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) func(*Demo) {
	return func(d *Demo) {
		if logger != nil {
			d.logger = logger
		}
	}
}
