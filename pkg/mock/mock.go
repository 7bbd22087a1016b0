// Package mock provides a simulated scale: an in-memory load cell whose weight is changed
// programmatically, useful for development without hardware
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/session"
	"github.com/shopspring/decimal"
)

const (
	defaultDeviceName = "Mock Scale"
	defaultInterval   = 250 * time.Millisecond
	stopGrace         = 2 * time.Second
)

var defaultMax = decimal.NewFromInt(100)

// Mock denotes a simulated scale. All device operations are provided by the embedded
// session, the weight on the scale is controlled via AddWeight / SetWeight
type Mock struct {
	*session.Engine

	identity scale.Identity
	sim      *simulator
	logger   scale.Logger
}

// New instantiates a new simulated scale, executing functional options, if any
func New(options ...func(*Mock)) (*Mock, error) {

	// Initialize a new instance of a simulated scale (0 - 100 kg by default)
	m := &Mock{
		identity: scale.Identity{
			Name:         defaultDeviceName,
			Manufacturer: "btscale",
			Model:        "simulator",
		},
		sim: &simulator{
			min:      decimal.Zero,
			max:      defaultMax,
			unit:     scale.UnitKilograms,
			stable:   true,
			interval: defaultInterval,
			changed:  make(chan struct{}, 1),
		},
		logger: &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(m)
	}

	if m.sim.min.GreaterThan(m.sim.max) {
		return nil, fmt.Errorf("%w: lower bound %s exceeds upper bound %s", scale.ErrConfig, m.sim.min, m.sim.max)
	}
	if m.sim.interval <= 0 {
		return nil, fmt.Errorf("%w: invalid reading interval %v", scale.ErrConfig, m.sim.interval)
	}
	m.sim.weight = m.sim.clamp(m.sim.weight)
	m.sim.logger = m.logger

	m.Engine = session.New(m.identity, scale.ConnectionConfig{
		Type:    scale.TransportCustom,
		Address: "simulated",
	}, m.sim, session.WithLogger(m.logger))

	return m, nil
}

// AddWeight puts (or, if negative, removes) weight on the scale and returns the resulting
// gross weight, clamped to the bounds of the scale
func (m *Mock) AddWeight(delta decimal.Decimal) decimal.Decimal {
	return m.sim.update(func(w decimal.Decimal) decimal.Decimal {
		return w.Add(delta)
	})
}

// SetWeight sets the gross weight on the scale (clamped to the bounds of the scale)
func (m *Mock) SetWeight(weight decimal.Decimal) decimal.Decimal {
	return m.sim.update(func(decimal.Decimal) decimal.Decimal {
		return weight
	})
}

// Weight returns the current gross weight on the scale
func (m *Mock) Weight() decimal.Decimal {
	m.sim.mu.Lock()
	defer m.sim.mu.Unlock()

	return m.sim.weight
}

// SetStable defines if subsequent readings are reported as stable
func (m *Mock) SetStable(stable bool) {
	m.sim.mu.Lock()
	m.sim.stable = stable
	m.sim.mu.Unlock()

	m.sim.notify()
}

////////////////////////////////////////////////////////////////////////////////

// simulator implements the driver of the simulated scale
type simulator struct {
	mu     sync.Mutex
	weight decimal.Decimal
	tare   decimal.Decimal
	min    decimal.Decimal
	max    decimal.Decimal
	unit   scale.Unit
	stable bool
	noise  decimal.Decimal

	interval time.Duration
	changed  chan struct{}

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	logger scale.Logger
}

var _ session.Driver = (*simulator)(nil)

func (s *simulator) Open(ctx context.Context) error {
	return ctx.Err()
}

func (s *simulator) Close() error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel, s.done = nil, nil
	}

	return nil
}

func (s *simulator) ReadOnce(ctx context.Context) (scale.Reading, error) {
	if err := ctx.Err(); err != nil {
		return scale.Reading{}, err
	}

	return s.reading(), nil
}

func (s *simulator) StartContinuous(_ context.Context, emit session.Emitter) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel, s.done = cancel, make(chan struct{})

	go s.run(ctx, emit, s.done)

	return nil
}

func (s *simulator) StopContinuous(_ context.Context) error {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warnf("simulation loop did not terminate within %v", stopGrace)
	}

	return nil
}

func (s *simulator) Zero(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.tare = s.weight
	tare := s.tare
	s.mu.Unlock()

	s.notify()
	s.logger.Debugf("zeroed simulated scale at %s %s", tare, s.unit)

	return nil
}

// SendRaw understands the read and zero commands of the generic profile
func (s *simulator) SendRaw(ctx context.Context, command string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(command)) {
	case "W", "S", "SI":
		r, err := s.ReadOnce(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("W: %s %s", r.Value.StringFixed(3), r.Unit), nil
	case "Z", "T":
		if err := s.Zero(ctx); err != nil {
			return "", err
		}
		return "Z A", nil
	}

	return "", fmt.Errorf("%w: simulated scale does not understand `%s`", scale.ErrUnsupported, command)
}

////////////////////////////////////////////////////////////////////////////////

func (s *simulator) run(ctx context.Context, emit session.Emitter, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.changed:
		}
		emit.Reading(s.reading())
	}
}

func (s *simulator) reading() scale.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, stable := s.weight.Sub(s.tare), s.stable
	if s.noise.IsPositive() {

		// Jitter uniformly within [-noise, +noise]
		jitter := s.noise.Mul(decimal.NewFromFloat(2*rand.Float64() - 1)).Round(3)
		value, stable = value.Add(jitter), false
	}

	return scale.NewReading(value, s.unit, stable)
}

func (s *simulator) update(fn func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	s.weight = s.clamp(fn(s.weight))
	weight := s.weight
	s.mu.Unlock()

	s.notify()

	return weight
}

func (s *simulator) clamp(w decimal.Decimal) decimal.Decimal {
	if w.LessThan(s.min) {
		return s.min
	}
	if w.GreaterThan(s.max) {
		return s.max
	}
	return w
}

// notify triggers an immediate reading on a running loop (coalescing pending triggers)
func (s *simulator) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
