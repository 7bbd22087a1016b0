package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fatih/stopwatch"
)

// Engine denotes a device session, combining the identity and configuration of a device
// with the driver that reaches it. It implements scale.Device
type Engine struct {
	identity scale.Identity
	config   scale.ConnectionConfig
	driver   Driver

	// lifecycleMu serializes connect, disconnect, start / stop and close
	lifecycleMu sync.Mutex

	// statusMu serializes status transitions and their notifications
	statusMu   sync.Mutex
	status     atomic.Int32
	continuous atomic.Bool
	disposed   atomic.Bool

	uptime   *stopwatch.Stopwatch
	uptimeMu sync.Mutex

	readingHandlers *handlers[func(scale.Reading)]
	statusHandlers  *handlers[func(prev, cur scale.Status)]

	logger scale.Logger
}

var _ scale.Device = (*Engine)(nil)

// New instantiates a new session for the given device, executing functional options, if any
func New(identity scale.Identity, config scale.ConnectionConfig, driver Driver, options ...func(*Engine)) *Engine {

	// Initialize a new session in disconnected state
	e := &Engine{
		identity:        identity,
		config:          config.WithDefaults(),
		driver:          driver,
		readingHandlers: newHandlers[func(scale.Reading)](),
		statusHandlers:  newHandlers[func(prev, cur scale.Status)](),
		logger:          &scale.NullLogger{},
	}

	// Execute functional options (if any), see options.go for implementation
	for _, option := range options {
		option(e)
	}

	return e
}

// Identity returns the (immutable) identity of the device
func (e *Engine) Identity() scale.Identity {
	return e.identity
}

// Config returns the connection configuration the device was built from
func (e *Engine) Config() scale.ConnectionConfig {
	return e.config
}

// ConnectionStatus returns the current connection status of the device
func (e *Engine) ConnectionStatus() scale.Status {
	return scale.Status(e.status.Load())
}

// IsContinuousReadingActive returns if readings are currently streamed
func (e *Engine) IsContinuousReadingActive() bool {
	return e.continuous.Load()
}

// ConnectedFor returns the duration of the current connection (zero if not connected)
func (e *Engine) ConnectedFor() time.Duration {
	if e.ConnectionStatus() != scale.StatusConnected {
		return 0
	}

	e.uptimeMu.Lock()
	defer e.uptimeMu.Unlock()
	if e.uptime == nil {
		return 0
	}
	return e.uptime.ElapsedTime()
}

// Connect establishes the connection to the device. Calling Connect on a connected device
// is a no-op
func (e *Engine) Connect(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.disposed.Load() {
		return e.disposedError("connect")
	}
	if e.ConnectionStatus() == scale.StatusConnected {
		return nil
	}

	// A failed session is released before the transport is opened again
	if e.ConnectionStatus() == scale.StatusError {
		e.teardown(ctx)
	}

	e.setStatus(scale.StatusConnecting)

	connCtx, cancel := context.WithTimeout(ctx, e.config.ConnectionTimeout)
	defer cancel()

	if err := e.driver.Open(connCtx); err != nil {

		// Release whatever has been acquired before reporting the failure
		e.closeDriver()
		e.setStatus(scale.StatusError)

		// A connect that was cancelled by the caller is reported as such
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return err
		}
		return e.wrap("connect", err)
	}

	e.uptimeMu.Lock()
	e.uptime = stopwatch.Start(0)
	e.uptimeMu.Unlock()

	e.setStatus(scale.StatusConnected)
	e.logger.Infof("connected to `%s`", e.identity.DisplayName())

	return nil
}

// Disconnect terminates the connection to the device, stopping continuous reading first.
// Transport failures during teardown are logged, never returned
func (e *Engine) Disconnect(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.disconnect(ctx)

	return nil
}

// GetWeight performs a single on-demand reading
func (e *Engine) GetWeight(ctx context.Context) (scale.Reading, error) {
	if err := e.guard("read weight"); err != nil {
		return scale.Reading{}, err
	}

	reading, err := e.driver.ReadOnce(ctx)
	if err != nil {
		return scale.Reading{}, e.fail("read weight", err)
	}

	return reading, nil
}

// StartContinuousReading starts streaming readings to the reading handlers. Starting an
// already active stream is a no-op
func (e *Engine) StartContinuousReading(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if err := e.guard("start continuous reading"); err != nil {
		return err
	}
	if e.continuous.Load() {
		return nil
	}

	if err := e.driver.StartContinuous(ctx, emitter{e: e}); err != nil {
		return e.fail("start continuous reading", err)
	}
	e.continuous.Store(true)
	e.logger.Debugf("started continuous reading on `%s`", e.identity.DisplayName())

	return nil
}

// StopContinuousReading stops streaming readings. Continuous reading is marked inactive
// even if the device fails to acknowledge the stop request
func (e *Engine) StopContinuousReading(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.disposed.Load() {
		return e.disposedError("stop continuous reading")
	}

	return e.stopContinuous(ctx)
}

// ZeroScale zeroes / tares the scale
func (e *Engine) ZeroScale(ctx context.Context) error {
	if err := e.guard("zero scale"); err != nil {
		return err
	}

	if err := e.driver.Zero(ctx); err != nil {
		return e.fail("zero scale", err)
	}

	return nil
}

// SendRawCommand sends a raw command to the device and returns its response
func (e *Engine) SendRawCommand(ctx context.Context, command string) (string, error) {
	if err := e.guard("send raw command"); err != nil {
		return "", err
	}

	resp, err := e.driver.SendRaw(ctx, command)
	if err != nil {
		return resp, e.fail("send raw command", err)
	}

	return resp, nil
}

// Close terminates the connection to the device and disposes of it. Subsequent calls are
// no-ops, all other operations fail with scale.ErrDisposed
func (e *Engine) Close() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.disposed.Load() {
		return nil
	}

	e.disconnect(context.Background())
	e.disposed.Store(true)

	e.readingHandlers.clear()
	e.statusHandlers.clear()

	return nil
}

////////////////////////////////////////////////////////////////////////////////

// disconnect requires the lifecycle lock to be held
func (e *Engine) disconnect(ctx context.Context) {
	if e.ConnectionStatus() == scale.StatusDisconnected {
		return
	}

	e.teardown(ctx)

	e.setStatus(scale.StatusDisconnected)
	e.logger.Infof("disconnected from `%s`", e.identity.DisplayName())
}

// teardown stops continuous reading and releases the transport without changing the status.
// It requires the lifecycle lock to be held
func (e *Engine) teardown(ctx context.Context) {
	if err := e.stopContinuous(ctx); err != nil {
		e.logger.Warnf("failed to stop continuous reading on `%s`: %s", e.identity.DisplayName(), err)
	}

	e.closeDriver()

	e.uptimeMu.Lock()
	if e.uptime != nil {
		e.uptime.Stop()
	}
	e.uptimeMu.Unlock()
}

// stopContinuous requires the lifecycle lock to be held
func (e *Engine) stopContinuous(ctx context.Context) error {
	if !e.continuous.Load() {
		return nil
	}
	defer e.continuous.Store(false)

	if err := e.driver.StopContinuous(ctx); err != nil {
		return e.wrap("stop continuous reading", err)
	}
	e.logger.Debugf("stopped continuous reading on `%s`", e.identity.DisplayName())

	return nil
}

func (e *Engine) closeDriver() {
	if err := e.driver.Close(); err != nil {
		e.logger.Warnf("failed to close transport of `%s`: %s", e.identity.DisplayName(), err)
	}
}

func (e *Engine) guard(op string) error {
	if e.disposed.Load() {
		return e.disposedError(op)
	}
	if status := e.ConnectionStatus(); status != scale.StatusConnected {
		return &scale.StateError{
			Device: e.identity.DisplayName(),
			Op:     op,
			State:  status,
		}
	}

	return nil
}

func (e *Engine) disposedError(op string) error {
	return fmt.Errorf("cannot %s on `%s`: %w", op, e.identity.DisplayName(), scale.ErrDisposed)
}

// fail wraps an error of an in-flight operation, moving the device to error status if the
// transport can no longer be used
func (e *Engine) fail(op string, err error) error {
	if scale.IsFatal(err) {
		e.transition(scale.StatusConnected, scale.StatusError)
	}

	return e.wrap(op, err)
}

// wrap ensures that transport errors only reach the caller as scale.DeviceError. Errors
// that already carry a kind of their own (and caller-initiated cancellation) pass unchanged
func (e *Engine) wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var de *scale.DeviceError
	switch {
	case errors.As(err, &de),
		errors.Is(err, context.Canceled),
		errors.Is(err, scale.ErrConfig),
		errors.Is(err, scale.ErrUnsupported),
		errors.Is(err, scale.ErrInvalidState),
		errors.Is(err, scale.ErrDisposed):
		return err
	case errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, scale.ErrTimeout):
		err = fmt.Errorf("%w: %w", scale.ErrTimeout, err)
	}

	return scale.NewDeviceError(e.identity.DisplayName(), op, err)
}

func (e *Engine) setStatus(status scale.Status) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	e.changeStatus(e.ConnectionStatus(), status)
}

// transition changes the status only if the device currently is in status from
func (e *Engine) transition(from, to scale.Status) bool {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	if e.ConnectionStatus() != from {
		return false
	}
	e.changeStatus(from, to)

	return true
}

// changeStatus requires the status lock to be held
func (e *Engine) changeStatus(prev, cur scale.Status) {
	if prev == cur {
		return
	}

	e.status.Store(int32(cur))
	e.logger.Debugf("status of `%s` changed: %s -> %s", e.identity.DisplayName(), prev, cur)

	e.statusHandlers.each(func(fn func(prev, cur scale.Status)) {
		fn(prev, cur)
	})
}
