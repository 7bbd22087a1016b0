package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = scale.Identity{Name: "bench", Manufacturer: "ACME", Model: "B-1"}

type fakeDriver struct {
	sync.Mutex

	openErr  error
	openWait time.Duration
	readErr  error
	stopErr  error
	zeroErr  error
	reading  scale.Reading

	opens, closes, starts, stops int

	emit Emitter
}

func (f *fakeDriver) Open(ctx context.Context) error {
	f.Lock()
	wait, err := f.openWait, f.openErr
	f.opens++
	f.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (f *fakeDriver) Close() error {
	f.Lock()
	defer f.Unlock()
	f.closes++
	return nil
}

func (f *fakeDriver) ReadOnce(_ context.Context) (scale.Reading, error) {
	f.Lock()
	defer f.Unlock()
	return f.reading, f.readErr
}

func (f *fakeDriver) StartContinuous(_ context.Context, emit Emitter) error {
	f.Lock()
	defer f.Unlock()
	f.starts++
	f.emit = emit
	return nil
}

func (f *fakeDriver) StopContinuous(_ context.Context) error {
	f.Lock()
	defer f.Unlock()
	f.stops++
	f.emit = nil
	return f.stopErr
}

func (f *fakeDriver) Zero(_ context.Context) error {
	return f.zeroErr
}

func (f *fakeDriver) SendRaw(_ context.Context, command string) (string, error) {
	return "echo " + command, nil
}

func (f *fakeDriver) counts() (opens, closes, starts, stops int) {
	f.Lock()
	defer f.Unlock()
	return f.opens, f.closes, f.starts, f.stops
}

func (f *fakeDriver) emitter() Emitter {
	f.Lock()
	defer f.Unlock()
	return f.emit
}

type statusRecorder struct {
	sync.Mutex
	changes [][2]scale.Status
}

func (r *statusRecorder) record(prev, cur scale.Status) {
	r.Lock()
	defer r.Unlock()
	r.changes = append(r.changes, [2]scale.Status{prev, cur})
}

func (r *statusRecorder) get() [][2]scale.Status {
	r.Lock()
	defer r.Unlock()
	return append([][2]scale.Status(nil), r.changes...)
}

func newTestEngine(d *fakeDriver) *Engine {
	return New(testIdentity, scale.ConnectionConfig{Type: scale.TransportCustom}, d)
}

func TestInitialState(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)

	assert.Equal(t, scale.StatusDisconnected, e.ConnectionStatus())
	assert.False(t, e.IsContinuousReadingActive())
	assert.Zero(t, e.ConnectedFor())
	assert.Equal(t, testIdentity, e.Identity())
	assert.Equal(t, 5*time.Second, e.Config().ConnectionTimeout)

	_, err := e.GetWeight(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scale.ErrInvalidState)
	assert.Contains(t, err.Error(), "read weight")
	assert.Contains(t, err.Error(), "bench")

	assert.ErrorIs(t, e.ZeroScale(context.Background()), scale.ErrInvalidState)
	assert.ErrorIs(t, e.StartContinuousReading(context.Background()), scale.ErrInvalidState)
	_, err = e.SendRawCommand(context.Background(), "W")
	assert.ErrorIs(t, err, scale.ErrInvalidState)

	opens, _, _, _ := d.counts()
	assert.Zero(t, opens)
}

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)

	rec := &statusRecorder{}
	e.OnStatusChange(rec.record)

	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.Connect(context.Background()))

	assert.Equal(t, scale.StatusConnected, e.ConnectionStatus())
	assert.Equal(t, [][2]scale.Status{
		{scale.StatusDisconnected, scale.StatusConnecting},
		{scale.StatusConnecting, scale.StatusConnected},
	}, rec.get())

	opens, _, _, _ := d.counts()
	assert.Equal(t, 1, opens)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, e.ConnectedFor(), time.Duration(0))
}

func TestConnectFailure(t *testing.T) {
	d := &fakeDriver{openErr: fmt.Errorf("%w: /dev/ttyUSB9", scale.ErrMediumMissing)}
	e := newTestEngine(d)

	rec := &statusRecorder{}
	e.OnStatusChange(rec.record)

	err := e.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.ErrorIs(t, err, scale.ErrMediumMissing)

	var devErr *scale.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, "connect", devErr.Op)
	assert.Equal(t, "bench", devErr.Device)

	assert.Equal(t, scale.StatusError, e.ConnectionStatus())
	assert.Equal(t, [][2]scale.Status{
		{scale.StatusDisconnected, scale.StatusConnecting},
		{scale.StatusConnecting, scale.StatusError},
	}, rec.get())

	_, closes, _, _ := d.counts()
	assert.Equal(t, 1, closes)

	// Recovery from error status
	d.Lock()
	d.openErr = nil
	d.Unlock()
	require.NoError(t, e.Connect(context.Background()))
	assert.Equal(t, scale.StatusConnected, e.ConnectionStatus())
}

func TestConnectConfigErrorNotWrapped(t *testing.T) {
	d := &fakeDriver{openErr: fmt.Errorf("%w: bad parity", scale.ErrConfig)}
	e := newTestEngine(d)

	err := e.Connect(context.Background())
	assert.ErrorIs(t, err, scale.ErrConfig)
	assert.NotErrorIs(t, err, scale.ErrDeviceFault)
}

func TestConnectCancelled(t *testing.T) {
	d := &fakeDriver{openWait: time.Minute}
	e := newTestEngine(d)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := e.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, scale.ErrDeviceFault)
	assert.Equal(t, scale.StatusError, e.ConnectionStatus())

	_, closes, _, _ := d.counts()
	assert.Equal(t, 1, closes)
}

func TestConnectTimeout(t *testing.T) {
	d := &fakeDriver{openWait: time.Minute}
	e := New(testIdentity, scale.ConnectionConfig{
		Type:              scale.TransportCustom,
		ConnectionTimeout: 20 * time.Millisecond,
	}, d)

	start := time.Now()
	err := e.Connect(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.ErrorIs(t, err, scale.ErrTimeout)
	assert.Equal(t, scale.StatusError, e.ConnectionStatus())
}

func TestDisconnect(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)

	// Disconnecting a disconnected device is a no-op
	require.NoError(t, e.Disconnect(context.Background()))
	_, closes, _, _ := d.counts()
	assert.Zero(t, closes)

	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.StartContinuousReading(context.Background()))
	require.True(t, e.IsContinuousReadingActive())

	rec := &statusRecorder{}
	e.OnStatusChange(rec.record)

	require.NoError(t, e.Disconnect(context.Background()))
	require.NoError(t, e.Disconnect(context.Background()))

	assert.False(t, e.IsContinuousReadingActive())
	assert.Equal(t, scale.StatusDisconnected, e.ConnectionStatus())
	assert.Zero(t, e.ConnectedFor())
	assert.Equal(t, [][2]scale.Status{
		{scale.StatusConnected, scale.StatusDisconnected},
	}, rec.get())

	_, closes, starts, stops := d.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestDisconnectFromError(t *testing.T) {
	d := &fakeDriver{openErr: scale.ErrAccessDenied}
	e := newTestEngine(d)

	require.Error(t, e.Connect(context.Background()))
	require.Equal(t, scale.StatusError, e.ConnectionStatus())

	require.NoError(t, e.Disconnect(context.Background()))
	assert.Equal(t, scale.StatusDisconnected, e.ConnectionStatus())
}

func TestContinuousReading(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)
	require.NoError(t, e.Connect(context.Background()))

	var (
		mu       sync.Mutex
		received []scale.Reading
	)
	e.OnReading(func(r scale.Reading) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, r)
	})

	dataChan := make(chan scale.Reading, 8)
	sub := e.SetDataChannel(dataChan)

	require.NoError(t, e.StartContinuousReading(context.Background()))
	require.NoError(t, e.StartContinuousReading(context.Background()))
	_, _, starts, _ := d.counts()
	assert.Equal(t, 1, starts)

	emit := d.emitter()
	require.NotNil(t, emit)
	for i := 1; i <= 3; i++ {
		emit.Reading(scale.NewReading(decimal.NewFromInt(int64(i)), scale.UnitGrams, true))
	}

	mu.Lock()
	require.Len(t, received, 3)
	for i, r := range received {
		assert.True(t, r.Value.Equal(decimal.NewFromInt(int64(i+1))))
	}
	mu.Unlock()
	assert.Len(t, dataChan, 3)

	// A cancelled subscription no longer receives readings
	sub.Cancel()
	sub.Cancel()
	emit.Reading(scale.NewReading(decimal.NewFromInt(4), scale.UnitGrams, true))
	assert.Len(t, dataChan, 3)

	require.NoError(t, e.StopContinuousReading(context.Background()))
	assert.False(t, e.IsContinuousReadingActive())
}

func TestStopMarksInactiveOnFailure(t *testing.T) {
	d := &fakeDriver{stopErr: fmt.Errorf("%w: write failed", scale.ErrMediumMissing)}
	e := newTestEngine(d)
	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.StartContinuousReading(context.Background()))

	err := e.StopContinuousReading(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.False(t, e.IsContinuousReadingActive())

	// Stopping an inactive stream is a no-op
	require.NoError(t, e.StopContinuousReading(context.Background()))
}

func TestLoopFaults(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)
	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.StartContinuousReading(context.Background()))

	emit := d.emitter()
	require.NotNil(t, emit)

	// Transient faults leave the status untouched
	emit.Fault(scale.ErrTimeout)
	emit.Fault(&scale.ParseError{Response: "ERR"})
	assert.Equal(t, scale.StatusConnected, e.ConnectionStatus())

	// Loss of the transport does not
	emit.Fault(scale.ErrMediumMissing)
	assert.Equal(t, scale.StatusError, e.ConnectionStatus())
}

func TestOperationErrors(t *testing.T) {
	d := &fakeDriver{
		reading: scale.NewReading(decimal.RequireFromString("12.34"), scale.UnitKilograms, true),
	}
	e := newTestEngine(d)
	require.NoError(t, e.Connect(context.Background()))

	r, err := e.GetWeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12.34 kg (stable)", r.String())

	resp, err := e.SendRawCommand(context.Background(), "W")
	require.NoError(t, err)
	assert.Equal(t, "echo W", resp)

	d.Lock()
	d.readErr = &scale.ParseError{Response: "ERR"}
	d.Unlock()
	_, err = e.GetWeight(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.ErrorIs(t, err, scale.ErrParse)
	var devErr *scale.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, "ERR", devErr.Response)
	assert.Equal(t, scale.StatusConnected, e.ConnectionStatus())

	d.Lock()
	d.readErr = context.Canceled
	d.Unlock()
	_, err = e.GetWeight(context.Background())
	assert.Equal(t, context.Canceled, err)

	d.zeroErr = fmt.Errorf("%w: no zero command", scale.ErrUnsupported)
	err = e.ZeroScale(context.Background())
	assert.ErrorIs(t, err, scale.ErrUnsupported)
	assert.NotErrorIs(t, err, scale.ErrDeviceFault)

	d.Lock()
	d.readErr = scale.ErrNotOpen
	d.Unlock()
	_, err = e.GetWeight(context.Background())
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.Equal(t, scale.StatusError, e.ConnectionStatus())
}

func TestClose(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)
	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.StartContinuousReading(context.Background()))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.NoError(t, e.Disconnect(context.Background()))

	assert.Equal(t, scale.StatusDisconnected, e.ConnectionStatus())
	assert.False(t, e.IsContinuousReadingActive())

	_, closes, _, stops := d.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, stops)

	assert.ErrorIs(t, e.Connect(context.Background()), scale.ErrDisposed)
	_, err := e.GetWeight(context.Background())
	assert.ErrorIs(t, err, scale.ErrDisposed)
	assert.ErrorIs(t, e.StartContinuousReading(context.Background()), scale.ErrDisposed)
	assert.ErrorIs(t, e.StopContinuousReading(context.Background()), scale.ErrDisposed)
	assert.ErrorIs(t, e.ZeroScale(context.Background()), scale.ErrDisposed)
	_, err = e.SendRawCommand(context.Background(), "W")
	assert.ErrorIs(t, err, scale.ErrDisposed)
}

func TestStateChangeChannel(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)

	// An unbuffered channel without receiver must not block the engine
	e.SetStateChangeChannel(make(chan scale.Status))

	stateChan := make(chan scale.Status, 4)
	e.SetStateChangeChannel(stateChan)

	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.Disconnect(context.Background()))

	require.Len(t, stateChan, 3)
	assert.Equal(t, scale.StatusConnecting, <-stateChan)
	assert.Equal(t, scale.StatusConnected, <-stateChan)
	assert.Equal(t, scale.StatusDisconnected, <-stateChan)
}

func TestHandlerOrder(t *testing.T) {
	h := newHandlers[func(int)]()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		h.add(func(int) { order = append(order, i) })
	}
	h.each(func(fn func(int)) { fn(0) })
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	h.clear()
	order = nil
	h.each(func(fn func(int)) { fn(0) })
	assert.Empty(t, order)
}

func TestReconnectFromError(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(d)
	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.StartContinuousReading(context.Background()))

	d.emitter().Fault(scale.ErrNotOpen)
	require.Equal(t, scale.StatusError, e.ConnectionStatus())

	rec := &statusRecorder{}
	e.OnStatusChange(rec.record)

	require.NoError(t, e.Connect(context.Background()))
	assert.Equal(t, scale.StatusConnected, e.ConnectionStatus())
	assert.False(t, e.IsContinuousReadingActive())

	// The failed session was released before the transport was opened again
	opens, closes, starts, stops := d.counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)

	// No intermediate disconnected status is reported
	assert.Equal(t, [][2]scale.Status{
		{scale.StatusError, scale.StatusConnecting},
		{scale.StatusConnecting, scale.StatusConnected},
	}, rec.get())

	require.NoError(t, e.StartContinuousReading(context.Background()))
	_, _, starts, _ = d.counts()
	assert.Equal(t, 2, starts)
	assert.True(t, e.IsContinuousReadingActive())
}
