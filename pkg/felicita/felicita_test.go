package felicita

import (
	"context"
	"testing"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/fako1024/btscale/pkg/session"
	"github.com/fako1024/btscale/pkg/stream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genFrame(weight, unit string, buzzer, battery byte) []byte {
	frame := make([]byte, 0, frameSize)
	frame = append(frame, 0x01, 0x02)
	frame = append(frame, weight...)
	frame = append(frame, unit...)
	frame = append(frame, "   "...)
	frame = append(frame, buzzer, battery, '\r', '\n')
	return frame
}

func TestInit(t *testing.T) {
	f, err := New(WithConfig(scale.NewSerialConfig("/dev/ttyUSB0")))
	require.ErrorIs(t, err, scale.ErrConfig)
	assert.Nil(t, f)

	f, err = New(WithDeviceName("FELICITA-2"))
	require.NoError(t, err)
	assert.Equal(t, scale.StatusDisconnected, f.ConnectionStatus())
	assert.Equal(t, "FELICITA-2", f.Identity().Name)
	assert.Equal(t, scale.TransportBluetooth, f.Config().Type)
	assert.Equal(t, "FELICITA-2", f.Config().Address)

	f, err = New(WithConfig(scale.ConnectionConfig{Type: scale.TransportBluetooth, Address: "c4:7f:51:00:00:01"}))
	require.NoError(t, err)
	assert.Equal(t, "c4:7f:51:00:00:01", f.target())
}

func TestCommandsRequireConnection(t *testing.T) {
	f, err := New()
	require.NoError(t, err)

	assert.ErrorIs(t, f.ToggleBuzzingOnTouch(context.Background()), scale.ErrInvalidState)
	assert.ErrorIs(t, f.TogglePrecision(context.Background()), scale.ErrInvalidState)
	assert.ErrorIs(t, f.StartTimer(context.Background()), scale.ErrInvalidState)
	assert.ErrorIs(t, f.SetUnit(context.Background(), scale.UnitOz), scale.ErrInvalidState)
	assert.ErrorIs(t, f.SetUnit(context.Background(), scale.UnitKilograms), scale.ErrUnsupported)
	assert.Zero(t, f.ElapsedTime())
}

func TestParseFrame(t *testing.T) {
	reading, ok := ParseFrame(string(genFrame("+001234", " g", 0x22, 150)))
	require.True(t, ok)
	assert.True(t, reading.Value.Equal(decimal.RequireFromString("12.34")), reading.Value.String())
	assert.Equal(t, scale.UnitGrams, reading.Unit)
	assert.Equal(t, 0.72, reading.Metadata["battery"])

	reading, ok = ParseFrame(string(genFrame("-000050", "oz", 0x00, 100)))
	require.True(t, ok)
	assert.True(t, reading.Value.Equal(decimal.RequireFromString("-0.5")))
	assert.Equal(t, scale.UnitOz, reading.Unit)

	_, ok = ParseFrame("too short")
	assert.False(t, ok)
	_, ok = ParseFrame(string(genFrame("+0xx234", " g", 0x00, 150)))
	assert.False(t, ok)
}

func TestSplitFrames(t *testing.T) {
	a := genFrame("+000100", " g", 0x00, 150)
	b := genFrame("+000200", " g", 0x00, 150)
	frames := SplitFrames(string(append(append(a, b...), 0x01, 0x02)))
	require.Len(t, frames, 2)
	assert.Equal(t, string(a), frames[0])
	assert.Equal(t, string(b), frames[1])
	assert.Empty(t, SplitFrames(""))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, 0., parseBatteryLevel(100))
	assert.Equal(t, 1., parseBatteryLevel(200))
	assert.Equal(t, 0.48, parseBatteryLevel(143))
	assert.True(t, parseSignalFlag(0x22))
	assert.False(t, parseSignalFlag(0x00))
	assert.Equal(t, scale.UnitUnknown, parseUnit([]byte("xx")))
	assert.Equal(t, scale.UnitUnknown, parseUnit([]byte("g")))
}

func TestPort(t *testing.T) {
	var written [][]byte
	released := 0
	p := newPort(func(data []byte) error {
		written = append(written, data)
		return nil
	}, func() { released++ })

	require.NoError(t, p.SetReadTimeout(20*time.Millisecond))

	// Silence yields zero bytes after the read timeout
	start := time.Now()
	n, err := p.Read(make([]byte, 64))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// Only the most recent frames are kept
	for i := 0; i < maxPendingFrames+2; i++ {
		p.push(genFrame("+000100", " g", 0x00, 150))
	}
	buf := make([]byte, 1024)
	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, maxPendingFrames*frameSize, n)

	p.push(genFrame("+000100", " g", 0x00, 150))
	require.NoError(t, p.ResetInputBuffer())
	n, err = p.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = p.Write([]byte{cmdTare})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]byte{{cmdTare}}, written)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, released)
	_, err = p.Read(buf)
	assert.Error(t, err)
	_, err = p.Write([]byte{cmdTare})
	assert.Error(t, err)
}

func TestNotificationStream(t *testing.T) {
	var written [][]byte
	p := newPort(func(data []byte) error {
		written = append(written, data)
		return nil
	}, nil)

	cfg := scale.ConnectionConfig{Type: scale.TransportBluetooth, Address: "FELICITA", ReadTimeout: time.Second}
	d := stream.NewDriver(cfg, Profile,
		stream.WithOpener(func(scale.ConnectionConfig) (stream.Port, error) { return p, nil }),
		stream.WithFraming(Framing),
	)
	dev := session.New(scale.Identity{Name: "FELICITA"}, cfg, d)
	defer dev.Close()

	require.NoError(t, dev.Connect(context.Background()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.push(genFrame("+001000", " g", 0x00, 150))
		p.push(genFrame("+001250", " g", 0x00, 150))
	}()

	reading, err := dev.GetWeight(context.Background())
	require.NoError(t, err)
	assert.True(t, reading.Value.Equal(decimal.RequireFromString("12.5")), reading.Value.String())
	assert.Equal(t, scale.UnitGrams, reading.Unit)

	require.NoError(t, dev.ZeroScale(context.Background()))
	assert.Equal(t, [][]byte{{cmdTare}}, written)
}
