// Package demo provides a scripted scale that replays a fixed sequence of weights (and
// faults) along a timeline, e.g. for trade show demonstrations or integration tests
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/session"
	"github.com/fatih/stopwatch"
	"github.com/shopspring/decimal"
)

const (
	defaultDeviceName = "Demo Scale"
	defaultInterval   = 200 * time.Millisecond
	stopGrace         = 2 * time.Second
)

// Step denotes a single state of the script, active from After (relative to the connection
// of the device) until the next step begins
type Step struct {
	After    time.Duration
	Weight   decimal.Decimal
	Stable   bool
	Overload bool
}

// DefaultScript places an item on the scale, lets it settle, overloads the scale shortly and
// clears it again
var DefaultScript = []Step{
	{After: 0, Weight: decimal.Zero, Stable: true},
	{After: 1 * time.Second, Weight: decimal.RequireFromString("0.815"), Stable: false},
	{After: 1500 * time.Millisecond, Weight: decimal.RequireFromString("1.250"), Stable: true},
	{After: 4 * time.Second, Overload: true},
	{After: 5 * time.Second, Weight: decimal.Zero, Stable: true},
}

// Demo denotes a scripted scale
type Demo struct {
	*session.Engine

	identity scale.Identity
	player   *player
	logger   scale.Logger
}

// New instantiates a new scripted scale replaying the given steps, executing functional
// options, if any
func New(steps []Step, options ...func(*Demo)) (*Demo, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: empty demo script", scale.ErrConfig)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].After < steps[i-1].After {
			return nil, fmt.Errorf("%w: demo step %d starts before its predecessor", scale.ErrConfig, i)
		}
	}

	// Initialize a new instance of a scripted scale
	d := &Demo{
		identity: scale.Identity{
			Name:         defaultDeviceName,
			Manufacturer: "btscale",
			Model:        "demo",
		},
		player: &player{
			steps:    append([]Step(nil), steps...),
			unit:     scale.UnitKilograms,
			interval: defaultInterval,
		},
		logger: &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(d)
	}
	if d.player.interval <= 0 {
		return nil, fmt.Errorf("%w: invalid reading interval %v", scale.ErrConfig, d.player.interval)
	}
	if d.player.loop > 0 && d.player.loop <= steps[len(steps)-1].After {
		return nil, fmt.Errorf("%w: loop period %v does not cover the script", scale.ErrConfig, d.player.loop)
	}
	d.player.logger = d.logger

	d.Engine = session.New(d.identity, scale.ConnectionConfig{
		Type:    scale.TransportCustom,
		Address: "demo",
	}, d.player, session.WithLogger(d.logger))

	return d, nil
}

// Elapsed returns the position on the script timeline (zero before the first connect)
func (d *Demo) Elapsed() time.Duration {
	return d.player.elapsed()
}

////////////////////////////////////////////////////////////////////////////////

// player implements the driver of the scripted scale
type player struct {
	steps    []Step
	unit     scale.Unit
	interval time.Duration
	loop     time.Duration

	mu    sync.Mutex
	clock *stopwatch.Stopwatch
	tare  decimal.Decimal

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	logger scale.Logger
}

var _ session.Driver = (*player)(nil)

// Open restarts the script from its beginning
func (p *player) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.clock = stopwatch.Start(0)
	p.tare = decimal.Zero

	return nil
}

func (p *player) Close() error {
	p.loopMu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel, p.done = nil, nil
	}
	p.loopMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clock != nil {
		p.clock.Stop()
	}

	return nil
}

func (p *player) ReadOnce(ctx context.Context) (scale.Reading, error) {
	if err := ctx.Err(); err != nil {
		return scale.Reading{}, err
	}

	return p.reading()
}

func (p *player) StartContinuous(_ context.Context, emit session.Emitter) error {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel, p.done = cancel, make(chan struct{})

	go p.run(ctx, emit, p.done)

	return nil
}

func (p *player) StopContinuous(_ context.Context) error {
	p.loopMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopGrace):
		p.logger.Warnf("demo loop did not terminate within %v", stopGrace)
	}

	return nil
}

// Zero tares the current weight of the script. An overloaded scale cannot be zeroed
func (p *player) Zero(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	step := p.current()
	if step.Overload {
		return fmt.Errorf("%w: cannot zero an overloaded scale", scale.ErrOverload)
	}
	p.tare = step.Weight

	return nil
}

func (p *player) SendRaw(_ context.Context, command string) (string, error) {
	return "", fmt.Errorf("%w: demo scale does not accept raw command `%s`", scale.ErrUnsupported, command)
}

////////////////////////////////////////////////////////////////////////////////

func (p *player) run(ctx context.Context, emit session.Emitter, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reading, err := p.reading()
		if err != nil {
			emit.Fault(err)
			continue
		}
		emit.Reading(reading)
	}
}

func (p *player) reading() (scale.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := p.current()
	if step.Overload {
		return scale.Reading{}, fmt.Errorf("%w: demo scale overloaded at %v", scale.ErrOverload, p.position().Round(time.Millisecond))
	}

	return scale.NewReading(step.Weight.Sub(p.tare), p.unit, step.Stable).
		WithMetadata("script_position", p.position()), nil
}

// current requires the lock to be held
func (p *player) current() Step {
	pos := p.position()

	// Before the first step, the scale is empty
	step := Step{Weight: decimal.Zero, Stable: true}
	for _, s := range p.steps {
		if s.After > pos {
			break
		}
		step = s
	}

	return step
}

// position requires the lock to be held
func (p *player) position() time.Duration {
	if p.clock == nil {
		return 0
	}

	pos := p.clock.ElapsedTime()
	if p.loop > 0 {
		pos %= p.loop
	}

	return pos
}

func (p *player) elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.position()
}
