package stream

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/btscale/pkg/profile"
	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = scale.Identity{Name: "bench", Manufacturer: "ACME", Model: "B-1"}

func testFraming() Framing {
	return Framing{
		Terminator:   "\r\n",
		SettleDelay:  5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func openerFor(port *fakePort) Opener {
	return func(scale.ConnectionConfig) (Port, error) {
		return port, nil
	}
}

func newTestDevice(t *testing.T, port *fakePort, p profile.Profile, options ...func(*Driver)) *session.Engine {
	cfg := scale.NewSerialConfig("/dev/ttyFAKE0", scale.WithTimeouts(time.Second, 500*time.Millisecond))
	options = append([]func(*Driver){WithOpener(openerFor(port)), WithFraming(testFraming())}, options...)

	dev, err := New(testIdentity, cfg, p, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, dev.Close())
	})

	return dev
}

type recorder struct {
	sync.Mutex
	readings []scale.Reading
}

func (r *recorder) add(reading scale.Reading) {
	r.Lock()
	defer r.Unlock()
	r.readings = append(r.readings, reading)
}

func (r *recorder) len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.readings)
}

func (r *recorder) get(i int) scale.Reading {
	r.Lock()
	defer r.Unlock()
	return r.readings[i]
}

func TestGetWeight(t *testing.T) {
	port := newFakePort(map[string]string{"W": "W: 12.340 kg\r\n"})
	dev := newTestDevice(t, port, profile.Generic)

	require.NoError(t, dev.Connect(context.Background()))

	reading, err := dev.GetWeight(context.Background())
	require.NoError(t, err)
	assert.True(t, reading.Value.Equal(decimal.RequireFromString("12.34")))
	assert.Equal(t, scale.UnitKilograms, reading.Unit)
	assert.True(t, reading.IsStable)
	assert.Equal(t, "W: 12.340 kg", reading.Metadata["raw"])
	assert.Equal(t, []string{"W\r\n"}, port.commands())
}

func TestGetWeightParseFailure(t *testing.T) {
	port := newFakePort(map[string]string{"W": "ERR\r\n"})
	dev := newTestDevice(t, port, profile.Generic)

	require.NoError(t, dev.Connect(context.Background()))

	_, err := dev.GetWeight(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.ErrorIs(t, err, scale.ErrParse)

	var devErr *scale.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, "ERR\r\n", devErr.Response)
	assert.Equal(t, "read weight", devErr.Op)

	// A parse failure does not affect the connection
	assert.Equal(t, scale.StatusConnected, dev.ConnectionStatus())
}

func TestGetWeightTimeout(t *testing.T) {
	port := newFakePort(nil)
	dev := newTestDevice(t, port, profile.Generic)

	require.NoError(t, dev.Connect(context.Background()))

	start := time.Now()
	_, err := dev.GetWeight(context.Background())
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.ErrorIs(t, err, scale.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, scale.StatusConnected, dev.ConnectionStatus())
}

func TestZeroAndRaw(t *testing.T) {
	port := newFakePort(map[string]string{
		"Z":  "Z A\r\n",
		"I4": "I4 A \"B021002593\"\r\n",
	})
	dev := newTestDevice(t, port, profile.SICS)
	require.NoError(t, dev.Connect(context.Background()))

	require.NoError(t, dev.ZeroScale(context.Background()))

	resp, err := dev.SendRawCommand(context.Background(), "I4")
	require.NoError(t, err)
	assert.Equal(t, "I4 A \"B021002593\"\r\n", resp)

	port.Lock()
	port.responses["Z"] = "Z +\r\n"
	port.Unlock()
	err = dev.ZeroScale(context.Background())
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.ErrorIs(t, err, scale.ErrOverload)
}

func TestZeroWithoutAck(t *testing.T) {
	port := newFakePort(nil)
	dev := newTestDevice(t, port, profile.Generic)
	require.NoError(t, dev.Connect(context.Background()))

	require.NoError(t, dev.ZeroScale(context.Background()))
	assert.Equal(t, []string{"Z\r\n"}, port.commands())

	noZero := profile.Generic
	noZero.ZeroCommand = ""
	dev = newTestDevice(t, newFakePort(nil), noZero)
	require.NoError(t, dev.Connect(context.Background()))
	assert.ErrorIs(t, dev.ZeroScale(context.Background()), scale.ErrUnsupported)
}

func TestContinuousReading(t *testing.T) {
	port := newFakePort(nil)
	dev := newTestDevice(t, port, profile.Generic, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, dev.Connect(context.Background()))

	rec := &recorder{}
	dev.OnReading(rec.add)

	require.NoError(t, dev.StartContinuousReading(context.Background()))
	assert.True(t, dev.IsContinuousReadingActive())

	port.feed("W: 1.000 kg\r\nW: 2.000 kg\r\n")
	require.Eventually(t, func() bool { return rec.len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	port.feed("W: 3.000 kg\r\n")
	require.Eventually(t, func() bool { return rec.len() >= 3 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.True(t, rec.get(i).Value.Equal(decimal.NewFromInt(int64(i+1))))
	}

	require.NoError(t, dev.StopContinuousReading(context.Background()))
	assert.False(t, dev.IsContinuousReadingActive())
	assert.Equal(t, []string{"C\r\n", "P\r\n"}, port.commands())
}

func TestContinuousReadingResilience(t *testing.T) {
	port := newFakePort(nil)
	dev := newTestDevice(t, port, profile.Generic, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, dev.Connect(context.Background()))

	rec := &recorder{}
	dev.OnReading(rec.add)

	require.NoError(t, dev.StartContinuousReading(context.Background()))

	// The first iteration fails to parse, the loop must carry on
	port.feed("garbage\r\n")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, rec.len())

	port.feed("W: 5 g\r\n")
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rec.get(0).Value.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, scale.StatusConnected, dev.ConnectionStatus())
	assert.True(t, dev.IsContinuousReadingActive())
}

func TestContinuousReadingTransportLoss(t *testing.T) {
	port := newFakePort(nil)
	dev := newTestDevice(t, port, profile.Generic, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, dev.Connect(context.Background()))
	require.NoError(t, dev.StartContinuousReading(context.Background()))

	port.Lock()
	port.readErr = os.ErrClosed
	port.Unlock()

	require.Eventually(t, func() bool {
		return dev.ConnectionStatus() == scale.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	// Disconnecting from error status releases the port
	require.NoError(t, dev.Disconnect(context.Background()))
	assert.Equal(t, scale.StatusDisconnected, dev.ConnectionStatus())
	assert.False(t, dev.IsContinuousReadingActive())
	port.Lock()
	assert.Equal(t, 1, port.closes)
	port.Unlock()
}

func TestOnDemandDuringContinuous(t *testing.T) {
	port := newFakePort(map[string]string{"W": "W: 7 g\r\n"})
	dev := newTestDevice(t, port, profile.Generic, WithRetryDelay(10*time.Millisecond))
	require.NoError(t, dev.Connect(context.Background()))
	require.NoError(t, dev.StartContinuousReading(context.Background()))

	reading, err := dev.GetWeight(context.Background())
	require.NoError(t, err)
	assert.True(t, reading.Value.Equal(decimal.NewFromInt(7)))
}

func TestDisconnectStopsContinuous(t *testing.T) {
	port := newFakePort(nil)
	dev := newTestDevice(t, port, profile.Generic)
	require.NoError(t, dev.Connect(context.Background()))
	require.NoError(t, dev.StartContinuousReading(context.Background()))

	start := time.Now()
	require.NoError(t, dev.Disconnect(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, dev.IsContinuousReadingActive())
	assert.Equal(t, scale.StatusDisconnected, dev.ConnectionStatus())
	assert.Equal(t, []string{"C\r\n", "P\r\n"}, port.commands())

	port.Lock()
	assert.Equal(t, 1, port.closes)
	port.Unlock()

	// Reconnecting opens the port again
	require.NoError(t, dev.Connect(context.Background()))
	assert.Equal(t, scale.StatusConnected, dev.ConnectionStatus())
}

func TestConnectFailure(t *testing.T) {
	cfg := scale.NewSerialConfig("/dev/ttyFAKE9")
	dev, err := New(testIdentity, cfg, profile.Generic, WithOpener(func(scale.ConnectionConfig) (Port, error) {
		return nil, &os.PathError{Op: "open", Path: "/dev/ttyFAKE9", Err: os.ErrNotExist}
	}))
	require.NoError(t, err)
	defer dev.Close()

	err = dev.Connect(context.Background())
	assert.ErrorIs(t, err, scale.ErrDeviceFault)
	assert.ErrorIs(t, err, scale.ErrMediumMissing)
	assert.Equal(t, scale.StatusError, dev.ConnectionStatus())
}

func TestNewConfigErrors(t *testing.T) {
	_, err := New(testIdentity, scale.ConnectionConfig{
		Type:    scale.TransportNetwork,
		Address: "10.0.0.1",
		Port:    4001,
	}, profile.Generic)
	assert.ErrorIs(t, err, scale.ErrConfig)

	_, err = New(testIdentity, scale.ConnectionConfig{Type: scale.TransportSerial}, profile.Generic)
	assert.ErrorIs(t, err, scale.ErrConfig)

	_, err = New(testIdentity, scale.NewSerialConfig("COM1"), profile.Profile{Name: "empty"})
	assert.ErrorIs(t, err, scale.ErrConfig)

	// A custom opener allows any transport
	dev, err := New(testIdentity, scale.ConnectionConfig{
		Type:    scale.TransportNetwork,
		Address: "10.0.0.1",
		Port:    4001,
	}, profile.Generic, WithOpener(openerFor(newFakePort(nil))))
	require.NoError(t, err)
	require.NoError(t, dev.Close())
}

func TestOpenSerialConfigErrors(t *testing.T) {
	_, err := OpenSerial(scale.NewSerialConfig("/dev/ttyFAKE0", scale.WithFlowControl(scale.FlowControlXOnXOff)))
	assert.ErrorIs(t, err, scale.ErrConfig)

	_, err = OpenSerial(scale.NewSerialConfig("/dev/ttyFAKE0", scale.WithFraming(8, "sometimes", scale.StopBitsOne)))
	assert.ErrorIs(t, err, scale.ErrConfig)
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	var (
		mu    sync.Mutex
		ports []*fakePort
	)
	current := func() *fakePort {
		mu.Lock()
		defer mu.Unlock()
		return ports[len(ports)-1]
	}

	cfg := scale.NewSerialConfig("/dev/ttyFAKE0", scale.WithTimeouts(time.Second, 500*time.Millisecond))
	dev, err := New(testIdentity, cfg, profile.Generic,
		WithOpener(func(scale.ConnectionConfig) (Port, error) {
			mu.Lock()
			defer mu.Unlock()
			port := newFakePort(nil)
			ports = append(ports, port)
			return port, nil
		}),
		WithFraming(testFraming()),
		WithRetryDelay(10*time.Millisecond),
		WithStopGrace(200*time.Millisecond),
	)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Connect(context.Background()))
	require.NoError(t, dev.StartContinuousReading(context.Background()))

	lost := current()
	lost.Lock()
	lost.readErr = os.ErrClosed
	lost.Unlock()
	require.Eventually(t, func() bool {
		return dev.ConnectionStatus() == scale.StatusError
	}, 2*time.Second, 5*time.Millisecond)

	// Connecting again releases the lost port and opens a new one
	require.NoError(t, dev.Connect(context.Background()))
	assert.Equal(t, scale.StatusConnected, dev.ConnectionStatus())
	assert.False(t, dev.IsContinuousReadingActive())
	mu.Lock()
	assert.Len(t, ports, 2)
	mu.Unlock()
	lost.Lock()
	assert.Equal(t, 1, lost.closes)
	lost.Unlock()

	rec := &recorder{}
	dev.OnReading(rec.add)
	require.NoError(t, dev.StartContinuousReading(context.Background()))
	assert.True(t, dev.IsContinuousReadingActive())

	current().feed("W: 5 g\r\n")
	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rec.get(0).Value.Equal(decimal.NewFromInt(5)))
}

func TestStopGraceBounded(t *testing.T) {
	port := newFakePort(nil)
	dev := newTestDevice(t, port, profile.Generic, WithStopGrace(100*time.Millisecond))
	require.NoError(t, dev.Connect(context.Background()))

	// Nobody consumes the data channel, the loop blocks on the first reading
	dataChan := make(chan scale.Reading)
	sub := dev.SetDataChannel(dataChan)

	require.NoError(t, dev.StartContinuousReading(context.Background()))
	port.feed("W: 1 g\r\n")
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, dev.StopContinuousReading(context.Background()))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.False(t, dev.IsContinuousReadingActive())

	// Release the loop
	<-dataChan
	sub.Cancel()
}
