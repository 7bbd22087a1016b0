package mock

import (
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/shopspring/decimal"
)

// WithName sets the device name
func WithName(name string) func(*Mock) {
	return func(m *Mock) {
		m.identity.Name = name
	}
}

// WithBounds sets the weighing range of the scale
func WithBounds(lower, upper decimal.Decimal) func(*Mock) {
	return func(m *Mock) {
		m.sim.min = lower
		m.sim.max = upper
	}
}

// WithUnit sets the unit of all readings
func WithUnit(unit scale.Unit) func(*Mock) {
	return func(m *Mock) {
		m.sim.unit = unit
	}
}

// WithInitialWeight sets the weight on the scale upon instantiation
func WithInitialWeight(weight decimal.Decimal) func(*Mock) {
	return func(m *Mock) {
		m.sim.weight = weight
	}
}

// WithInterval sets the interval between two readings in continuous mode
func WithInterval(interval time.Duration) func(*Mock) {
	return func(m *Mock) {
		m.sim.interval = interval
	}
}

// WithNoise adds random jitter of up to +/- amplitude to each reading, rendering all readings
// unstable
func WithNoise(amplitude decimal.Decimal) func(*Mock) {
	return func(m *Mock) {
		m.sim.noise = amplitude.Abs()
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) func(*Mock) {
	return func(m *Mock) {
		if logger != nil {
			m.logger = logger
		}
	}
}
