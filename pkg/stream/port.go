package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"go.bug.st/serial"
)

// Port denotes the minimal byte-stream transport required by a Link. It is satisfied by
// serial.Port, which allows replacing the hardware in tests
type Port interface {
	io.ReadWriter
	io.Closer

	// ResetInputBuffer discards any unread bytes
	ResetInputBuffer() error

	// Drain waits until all written bytes have been transmitted
	Drain() error

	// SetReadTimeout bounds the time a Read waits for data. A Read that times out returns
	// zero bytes and no error
	SetReadTimeout(t time.Duration) error
}

// Opener opens the transport described by a connection configuration
type Opener func(cfg scale.ConnectionConfig) (Port, error)

var (
	parities = map[scale.Parity]serial.Parity{
		scale.ParityNone:  serial.NoParity,
		scale.ParityOdd:   serial.OddParity,
		scale.ParityEven:  serial.EvenParity,
		scale.ParityMark:  serial.MarkParity,
		scale.ParitySpace: serial.SpaceParity,
	}
	stopBits = map[scale.StopBits]serial.StopBits{
		scale.StopBitsOne:          serial.OneStopBit,
		scale.StopBitsOnePointFive: serial.OnePointFiveStopBits,
		scale.StopBitsTwo:          serial.TwoStopBits,
	}
)

// OpenSerial opens the serial port described by cfg
func OpenSerial(cfg scale.ConnectionConfig) (Port, error) {
	cfg = cfg.WithDefaults()

	parity, ok := parities[cfg.Parity]
	if !ok {
		return nil, fmt.Errorf("%w: invalid parity `%s`", scale.ErrConfig, cfg.Parity)
	}
	stop, ok := stopBits[cfg.StopBits]
	if !ok {
		return nil, fmt.Errorf("%w: invalid stop bits `%s`", scale.ErrConfig, cfg.StopBits)
	}
	if cfg.FlowControl == scale.FlowControlXOnXOff {
		return nil, fmt.Errorf("%w: software flow control is not supported", scale.ErrConfig)
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   parity,
		StopBits: stop,
	}

	port, err := serial.Open(cfg.Address, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Address, classify(err))
	}

	// Hardware flow control is realized by asserting the respective output line
	switch cfg.FlowControl {
	case scale.FlowControlRTSCTS:
		err = port.SetRTS(true)
	case scale.FlowControlDTRDSR:
		err = port.SetDTR(true)
	}
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set flow control on %s: %w", cfg.Address, classify(err))
	}

	return port, nil
}

// classify maps transport errors onto the error taxonomy of the scale package
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, scale.ErrConfig),
		errors.Is(err, scale.ErrNotOpen),
		errors.Is(err, scale.ErrAccessDenied),
		errors.Is(err, scale.ErrMediumMissing),
		errors.Is(err, scale.ErrTimeout):
		return err
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortBusy, serial.PermissionDenied:
			return fmt.Errorf("%w: %w", scale.ErrAccessDenied, err)
		case serial.PortNotFound, serial.InvalidSerialPort:
			return fmt.Errorf("%w: %w", scale.ErrMediumMissing, err)
		case serial.PortClosed:
			return fmt.Errorf("%w: %w", scale.ErrNotOpen, err)
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits, serial.InvalidTimeoutValue:
			return fmt.Errorf("%w: %w", scale.ErrConfig, err)
		}
	}

	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", scale.ErrAccessDenied, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", scale.ErrMediumMissing, err)
	case errors.Is(err, os.ErrClosed), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", scale.ErrNotOpen, err)
	}

	return fmt.Errorf("%w: %w", scale.ErrMediumMissing, err)
}
