package felicita

import (
	"os"
	"sync"
	"time"
)

const maxPendingFrames = 4

// port exposes the notifications of the GATT data characteristic as a byte stream. Only
// whole frames are buffered (the oldest being dropped first), writes go to the
// characteristic
type port struct {
	mu          sync.Mutex
	pending     []byte
	readTimeout time.Duration

	arrived chan struct{}
	closed  chan struct{}
	once    sync.Once

	write   func(data []byte) error
	release func()
}

func newPort(write func(data []byte) error, release func()) *port {
	return &port{
		readTimeout: time.Second,
		arrived:     make(chan struct{}, 1),
		closed:      make(chan struct{}),
		write:       write,
		release:     release,
	}
}

// push buffers a notification
func (p *port) push(frame []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, frame...)
	if excess := len(p.pending) - maxPendingFrames*frameSize; excess > 0 {
		p.pending = p.pending[excess:]
	}
	p.mu.Unlock()

	select {
	case p.arrived <- struct{}{}:
	default:
	}
}

// Read returns buffered notification data, waiting at most for the read timeout. A Read
// that times out returns zero bytes and no error
func (p *port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-p.closed:
			return 0, os.ErrClosed
		default:
		}

		p.mu.Lock()
		if len(p.pending) > 0 {
			n := copy(buf, p.pending)
			p.pending = p.pending[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.closed:
			return 0, os.ErrClosed
		case <-p.arrived:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Write sends data to the characteristic
func (p *port) Write(data []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, os.ErrClosed
	default:
	}

	if err := p.write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close releases the peripheral (once)
func (p *port) Close() error {
	p.once.Do(func() {
		close(p.closed)
		if p.release != nil {
			p.release()
		}
	})

	return nil
}

// ResetInputBuffer drops all buffered notifications
func (p *port) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = nil

	return nil
}

// Drain is a no-op, characteristic writes are transmitted synchronously
func (p *port) Drain() error {
	return nil
}

// SetReadTimeout bounds the time a Read waits for a notification
func (p *port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readTimeout = t

	return nil
}

func (p *port) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
