package scale

import (
	"fmt"
	"strings"
	"time"
)

// TransportType denotes the kind of transport used to reach a device
type TransportType string

const (

	// TransportSerial denotes an RS232 / virtual COM port connection
	TransportSerial TransportType = "serial"

	// TransportNetwork denotes a TCP connection
	TransportNetwork TransportType = "network"

	// TransportUSB denotes a USB connection (usually exposed as serial port)
	TransportUSB TransportType = "usb"

	// TransportBluetooth denotes a Bluetooth (LE) connection
	TransportBluetooth TransportType = "bluetooth"

	// TransportCustom denotes a transport provided by the caller
	TransportCustom TransportType = "custom"
)

// Parity denotes the serial parity setting
type Parity string

const (
	ParityNone  Parity = "none"
	ParityOdd   Parity = "odd"
	ParityEven  Parity = "even"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// StopBits denotes the number of serial stop bits
type StopBits string

const (
	StopBitsOne          StopBits = "1"
	StopBitsOnePointFive StopBits = "1.5"
	StopBitsTwo          StopBits = "2"
)

// FlowControl denotes the serial flow control mode
type FlowControl string

const (
	FlowControlNone    FlowControl = "none"
	FlowControlRTSCTS  FlowControl = "rtscts"
	FlowControlDTRDSR  FlowControl = "dtrdsr"
	FlowControlXOnXOff FlowControl = "xonxoff"
)

const (
	defaultBaudRate    = 9600
	defaultDataBits    = 8
	defaultConnTimeout = 5 * time.Second
	defaultReadTimeout = 2 * time.Second
)

// ConnectionConfig describes how to reach a device. It is treated as immutable once
// handed to a device
type ConnectionConfig struct {
	Type    TransportType
	Address string
	Port    int

	BaudRate    int
	DataBits    int
	Parity      Parity
	StopBits    StopBits
	FlowControl FlowControl

	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration

	Extras map[string]string
}

// NewSerialConfig instantiates a serial connection configuration for the given port,
// executing functional options, if any
func NewSerialConfig(port string, options ...func(*ConnectionConfig)) ConnectionConfig {
	cfg := ConnectionConfig{
		Type:    TransportSerial,
		Address: port,
	}
	for _, option := range options {
		option(&cfg)
	}

	return cfg.WithDefaults()
}

// WithBaudRate sets the serial baud rate
func WithBaudRate(baudRate int) func(*ConnectionConfig) {
	return func(c *ConnectionConfig) {
		c.BaudRate = baudRate
	}
}

// WithFraming sets data bits, parity and stop bits
func WithFraming(dataBits int, parity Parity, stopBits StopBits) func(*ConnectionConfig) {
	return func(c *ConnectionConfig) {
		c.DataBits = dataBits
		c.Parity = parity
		c.StopBits = stopBits
	}
}

// WithFlowControl sets the serial flow control mode
func WithFlowControl(fc FlowControl) func(*ConnectionConfig) {
	return func(c *ConnectionConfig) {
		c.FlowControl = fc
	}
}

// WithTimeouts sets the connection and read timeouts
func WithTimeouts(connect, read time.Duration) func(*ConnectionConfig) {
	return func(c *ConnectionConfig) {
		c.ConnectionTimeout = connect
		c.ReadTimeout = read
	}
}

// WithExtra adds a transport specific setting
func WithExtra(key, value string) func(*ConnectionConfig) {
	return func(c *ConnectionConfig) {
		if c.Extras == nil {
			c.Extras = make(map[string]string)
		}
		c.Extras[key] = value
	}
}

// WithDefaults returns a copy of the configuration with all unset fields populated
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	if c.Type == "" {
		c.Type = TransportSerial
	}
	if c.BaudRate <= 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.DataBits <= 0 {
		c.DataBits = defaultDataBits
	}
	if c.Parity == "" {
		c.Parity = ParityNone
	}
	if c.StopBits == "" {
		c.StopBits = StopBitsOne
	}
	if c.FlowControl == "" {
		c.FlowControl = FlowControlNone
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}

	// Detach the extras from the caller's map
	if c.Extras != nil {
		extras := make(map[string]string, len(c.Extras))
		for k, v := range c.Extras {
			extras[k] = v
		}
		c.Extras = extras
	}

	return c
}

// IsSerial returns if the configuration describes a serial-like (serial / USB) transport
func (c ConnectionConfig) IsSerial() bool {
	return c.Type == TransportSerial || c.Type == TransportUSB
}

// Validate checks the configuration for malformed values
func (c ConnectionConfig) Validate() error {
	switch c.Type {
	case TransportSerial, TransportNetwork, TransportUSB, TransportBluetooth, TransportCustom:
	default:
		return fmt.Errorf("%w: unknown transport type `%s`", ErrConfig, c.Type)
	}
	if c.Type != TransportCustom && strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("%w: no address / port name specified", ErrConfig)
	}
	if c.Type == TransportNetwork && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("%w: invalid network port %d", ErrConfig, c.Port)
	}
	if c.IsSerial() {
		if c.BaudRate < 0 {
			return fmt.Errorf("%w: invalid baud rate %d", ErrConfig, c.BaudRate)
		}
		if c.DataBits != 0 && (c.DataBits < 5 || c.DataBits > 8) {
			return fmt.Errorf("%w: invalid number of data bits %d", ErrConfig, c.DataBits)
		}
		switch c.Parity {
		case "", ParityNone, ParityOdd, ParityEven, ParityMark, ParitySpace:
		default:
			return fmt.Errorf("%w: invalid parity `%s`", ErrConfig, c.Parity)
		}
		switch c.StopBits {
		case "", StopBitsOne, StopBitsOnePointFive, StopBitsTwo:
		default:
			return fmt.Errorf("%w: invalid stop bits `%s`", ErrConfig, c.StopBits)
		}
		switch c.FlowControl {
		case "", FlowControlNone, FlowControlRTSCTS, FlowControlDTRDSR, FlowControlXOnXOff:
		default:
			return fmt.Errorf("%w: invalid flow control `%s`", ErrConfig, c.FlowControl)
		}
	}
	if c.ConnectionTimeout < 0 || c.ReadTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrConfig)
	}

	return nil
}
