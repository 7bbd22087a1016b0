package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
)

const (
	defaultTerminator      = "\r\n"
	defaultSettleDelay     = 100 * time.Millisecond
	defaultPollInterval    = 50 * time.Millisecond
	defaultMaxResponseSize = 1024
)

// Framing denotes the timing parameters of the request / response protocol. The end of a
// response is inferred from a silence gap of at least PollInterval after the first byte
type Framing struct {

	// Terminator is appended to commands not already ending in `\r` or `\n` (none if empty)
	Terminator string

	// SettleDelay is waited after sending a command to let the device start transmitting
	SettleDelay time.Duration

	// PollInterval is the silence gap that terminates a response
	PollInterval time.Duration

	// MaxResponseSize caps the size of a single response
	MaxResponseSize int
}

// DefaultFraming returns the framing parameters used unless overridden
func DefaultFraming() Framing {
	return Framing{
		Terminator:      defaultTerminator,
		SettleDelay:     defaultSettleDelay,
		PollInterval:    defaultPollInterval,
		MaxResponseSize: defaultMaxResponseSize,
	}
}

func (f Framing) withDefaults() Framing {
	if f.SettleDelay < 0 {
		f.SettleDelay = 0
	}
	if f.PollInterval <= 0 {
		f.PollInterval = defaultPollInterval
	}
	if f.MaxResponseSize <= 0 {
		f.MaxResponseSize = defaultMaxResponseSize
	}
	return f
}

// Link denotes a request / response channel over a byte-stream Port. All operations on a
// Link are serialized, so a command and its response are never interleaved with another
// exchange on the same port
type Link struct {
	mu          sync.Mutex
	port        Port
	framing     Framing
	readTimeout time.Duration
}

// NewLink instantiates a new Link on an open port
func NewLink(port Port, framing Framing, readTimeout time.Duration) *Link {
	return &Link{
		port:        port,
		framing:     framing.withDefaults(),
		readTimeout: readTimeout,
	}
}

// Exchange sends a command and collects the response
func (l *Link) Exchange(ctx context.Context, command string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.send(command); err != nil {
		return "", err
	}
	resp, err := l.collect(ctx)
	if err != nil {
		return "", err
	}

	return string(resp), nil
}

// Transmit sends a command without waiting for a response
func (l *Link) Transmit(ctx context.Context, command string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	return l.send(command)
}

// Receive collects a single response without sending anything
func (l *Link) Receive(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	resp, err := l.collect(ctx)
	if err != nil {
		return "", err
	}

	return string(resp), nil
}

// Close closes the underlying port. Subsequent operations fail with scale.ErrNotOpen
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return nil
	}

	err := l.port.Close()
	l.port = nil

	return err
}

// IsOpen returns if the underlying port has not been closed yet
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.port != nil
}

////////////////////////////////////////////////////////////////////////////////

func (l *Link) send(command string) error {
	if l.port == nil {
		return scale.ErrNotOpen
	}

	data := l.normalize(command)

	// Drop stale bytes so that a late response cannot leak into the next read
	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", classify(err))
	}
	if _, err := l.port.Write([]byte(data)); err != nil {
		return fmt.Errorf("failed to write command: %w", classify(err))
	}
	if err := l.port.Drain(); err != nil {
		return fmt.Errorf("failed to flush command: %w", classify(err))
	}

	return nil
}

func (l *Link) normalize(command string) string {
	if l.framing.Terminator == "" || strings.HasSuffix(command, "\n") || strings.HasSuffix(command, "\r") {
		return command
	}
	return command + l.framing.Terminator
}

// collect accumulates a response until the line falls silent for one poll interval after
// the first byte, the maximum response size is reached or the read timeout expires
func (l *Link) collect(ctx context.Context) ([]byte, error) {
	if l.port == nil {
		return nil, scale.ErrNotOpen
	}

	deadline := time.Now().Add(l.readTimeout)
	if err := sleep(ctx, l.framing.SettleDelay); err != nil {
		return nil, err
	}

	if err := l.port.SetReadTimeout(l.framing.PollInterval); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", classify(err))
	}

	buf := make([]byte, l.framing.MaxResponseSize)
	n := 0
	for n < len(buf) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no complete response within %v (%d bytes received)", scale.ErrTimeout, l.readTimeout, n)
		}

		read, err := l.port.Read(buf[n:])
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", classify(err))
		}

		// The device has gone silent: the response is complete
		if read == 0 && n > 0 {
			break
		}
		n += read
	}

	return buf[:n], nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
