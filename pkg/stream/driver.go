package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/btscale/pkg/profile"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/session"
)

const (
	defaultRetryDelay = time.Second
	defaultStopGrace  = 2 * time.Second
)

// Driver denotes the byte-stream realization of a device: commands from a profile are
// exchanged over a Link, responses are turned into readings by the profile's parser
type Driver struct {
	config  scale.ConnectionConfig
	profile profile.Profile
	opener  Opener
	framing Framing

	customOpener bool

	retryDelay time.Duration
	stopGrace  time.Duration

	mu   sync.Mutex
	link *Link
	loop *loop

	logger scale.Logger
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ session.Driver = (*Driver)(nil)

// NewDriver instantiates a new Driver, executing functional options, if any
func NewDriver(cfg scale.ConnectionConfig, p profile.Profile, options ...func(*Driver)) *Driver {
	d := &Driver{
		config:     cfg.WithDefaults(),
		profile:    p,
		opener:     OpenSerial,
		framing:    DefaultFraming(),
		retryDelay: defaultRetryDelay,
		stopGrace:  defaultStopGrace,
		logger:     &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(d)
	}

	return d
}

// Open opens the port. If ctx expires before the port is open, a port opened late is
// closed again in the background
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link != nil {
		return nil
	}

	type result struct {
		port Port
		err  error
	}
	resChan := make(chan result, 1)
	go func() {
		port, err := d.opener(d.config)
		resChan <- result{port: port, err: err}
	}()

	select {
	case res := <-resChan:
		if res.err != nil {
			return classify(res.err)
		}
		d.link = NewLink(res.port, d.framing, d.config.ReadTimeout)
		d.logger.Debugf("opened `%s`", d.config.Address)
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-resChan; res.port != nil {
				_ = res.port.Close()
			}
		}()
		return ctx.Err()
	}
}

// Close cancels a running loop (without waiting for it) and closes the port once
func (d *Driver) Close() error {
	d.mu.Lock()
	link, l := d.link, d.loop
	d.link, d.loop = nil, nil
	d.mu.Unlock()

	if l != nil {
		l.cancel()
	}
	if link == nil {
		return nil
	}

	if err := link.Close(); err != nil {
		return fmt.Errorf("failed to close `%s`: %w", d.config.Address, err)
	}
	d.logger.Debugf("closed `%s`", d.config.Address)

	return nil
}

// ReadOnce requests a reading (or waits for one if the profile has no read command) and
// returns the most recent reading contained in the response
func (d *Driver) ReadOnce(ctx context.Context) (scale.Reading, error) {
	link, err := d.currentLink()
	if err != nil {
		return scale.Reading{}, err
	}

	var resp string
	if cmd := d.profile.ReadCommand; cmd != "" {
		resp, err = link.Exchange(ctx, cmd)
	} else {
		resp, err = link.Receive(ctx)
	}
	if err != nil {
		return scale.Reading{}, err
	}

	readings, err := d.parse(resp)
	if err != nil {
		return scale.Reading{}, err
	}

	return readings[len(readings)-1], nil
}

// Zero sends the zero command of the profile
func (d *Driver) Zero(ctx context.Context) error {
	if d.profile.ZeroCommand == "" {
		return fmt.Errorf("%w: profile `%s` has no zero command", scale.ErrUnsupported, d.profile.Name)
	}

	link, err := d.currentLink()
	if err != nil {
		return err
	}

	if d.profile.ZeroAck == nil {
		return link.Transmit(ctx, d.profile.ZeroCommand)
	}

	resp, err := link.Exchange(ctx, d.profile.ZeroCommand)
	if err != nil {
		return err
	}
	return d.profile.ZeroAck(resp)
}

// SendRaw sends a command verbatim (apart from its terminator) and returns the response
func (d *Driver) SendRaw(ctx context.Context, command string) (string, error) {
	link, err := d.currentLink()
	if err != nil {
		return "", err
	}

	return link.Exchange(ctx, command)
}

// Transmit sends a command without waiting for a response (e.g. for devices acknowledging
// commands implicitly through their data stream)
func (d *Driver) Transmit(ctx context.Context, command string) error {
	link, err := d.currentLink()
	if err != nil {
		return err
	}

	return link.Transmit(ctx, command)
}

// StartContinuous sends the stream start command of the profile (if any) and launches the
// receive loop
func (d *Driver) StartContinuous(ctx context.Context, emit session.Emitter) error {
	link, err := d.currentLink()
	if err != nil {
		return err
	}

	d.mu.Lock()
	running := d.loop != nil
	d.mu.Unlock()
	if running {
		return nil
	}

	if cmd := d.profile.StreamStartCommand; cmd != "" {
		if err := link.Transmit(ctx, cmd); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l := &loop{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	d.mu.Lock()
	d.loop = l
	d.mu.Unlock()

	go d.run(loopCtx, link, emit, l.done)

	return nil
}

// StopContinuous cancels the receive loop, sends the stream stop command of the profile
// (if any) and waits for the loop to terminate, at most for the stop grace period
func (d *Driver) StopContinuous(ctx context.Context) error {
	d.mu.Lock()
	l, link := d.loop, d.link
	d.loop = nil
	d.mu.Unlock()

	if l == nil {
		return nil
	}
	l.cancel()

	var err error
	if cmd := d.profile.StreamStopCommand; cmd != "" && link != nil {
		err = link.Transmit(ctx, cmd)
	}

	timer := time.NewTimer(d.stopGrace)
	defer timer.Stop()
	select {
	case <-l.done:
	case <-timer.C:
		d.logger.Warnf("receive loop of `%s` did not terminate within %v", d.config.Address, d.stopGrace)
	}

	return err
}

////////////////////////////////////////////////////////////////////////////////

func (d *Driver) currentLink() (*Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == nil {
		return nil, scale.ErrNotOpen
	}
	return d.link, nil
}

func (d *Driver) run(ctx context.Context, link *Link, emit session.Emitter, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil && link.IsOpen() {
		resp, err := link.Receive(ctx)
		if err == nil {
			var readings []scale.Reading
			if readings, err = d.parse(resp); err == nil {
				for _, reading := range readings {
					emit.Reading(reading)
				}
				continue
			}
		}

		// Cancellation is the regular way out of the loop
		if ctx.Err() != nil {
			return
		}

		emit.Fault(err)
		if errors.Is(err, scale.ErrNotOpen) {
			return
		}

		if sleep(ctx, d.retryDelay) != nil {
			return
		}
	}
}

// parse returns all readings contained in a response, in order
func (d *Driver) parse(resp string) ([]scale.Reading, error) {
	if d.profile.Parse == nil {
		return nil, fmt.Errorf("%w: profile `%s` has no parser", scale.ErrUnsupported, d.profile.Name)
	}

	var readings []scale.Reading
	for _, frame := range d.profile.Frames(resp) {
		if reading, ok := d.profile.Parse(frame); ok {
			readings = append(readings, reading.WithMetadata("raw", frame))
		}
	}
	if len(readings) == 0 {
		return nil, &scale.ParseError{Response: resp}
	}

	return readings, nil
}
