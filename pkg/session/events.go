package session

import (
	"sort"
	"sync/atomic"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/puzpuzpuz/xsync/v3"
)

// handlers denotes a registry of event handlers, invoked in registration order
type handlers[T any] struct {
	nextID atomic.Uint64
	fns    *xsync.MapOf[uint64, T]
}

func newHandlers[T any]() *handlers[T] {
	return &handlers[T]{
		fns: xsync.NewMapOf[uint64, T](),
	}
}

func (h *handlers[T]) add(fn T) scale.Subscription {
	id := h.nextID.Add(1)
	h.fns.Store(id, fn)

	return &subscription{cancel: func() {
		h.fns.Delete(id)
	}}
}

func (h *handlers[T]) each(call func(fn T)) {
	if h.fns.Size() == 0 {
		return
	}

	type entry struct {
		id uint64
		fn T
	}
	entries := make([]entry, 0, h.fns.Size())
	h.fns.Range(func(id uint64, fn T) bool {
		entries = append(entries, entry{id: id, fn: fn})
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].id < entries[j].id
	})

	for _, e := range entries {
		call(e.fn)
	}
}

func (h *handlers[T]) clear() {
	h.fns.Clear()
}

type subscription struct {
	once   atomic.Bool
	cancel func()
}

// Cancel removes the handler, after which it is no longer called
func (s *subscription) Cancel() {
	if s.once.Swap(true) {
		return
	}
	s.cancel()
}

////////////////////////////////////////////////////////////////////////////////

// OnReading registers a handler function that is called upon retrieval of a reading
func (e *Engine) OnReading(fn func(reading scale.Reading)) scale.Subscription {
	return e.readingHandlers.add(fn)
}

// OnStatusChange registers a handler function that is called upon status change. Handlers
// are invoked synchronously before the triggering call returns and must not call back into
// lifecycle methods (Connect, Disconnect, Start- / StopContinuousReading, Close)
func (e *Engine) OnStatusChange(fn func(prev, cur scale.Status)) scale.Subscription {
	return e.statusHandlers.add(fn)
}

// SetDataChannel registers a channel that receives all readings (blocking until the
// reading was received)
func (e *Engine) SetDataChannel(ch chan scale.Reading) scale.Subscription {
	return e.OnReading(func(reading scale.Reading) {
		ch <- reading
	})
}

// SetStateChangeChannel registers a channel that receives all status changes (dropped if
// the channel is not ready to receive)
func (e *Engine) SetStateChangeChannel(ch chan scale.Status) scale.Subscription {
	return e.OnStatusChange(func(_, cur scale.Status) {
		select {
		case ch <- cur:
		default:
		}
	})
}

// emitter forwards the output of a continuous reading loop to the engine
type emitter struct {
	e *Engine
}

// Reading publishes a reading to all registered handlers
func (m emitter) Reading(reading scale.Reading) {
	m.e.readingHandlers.each(func(fn func(scale.Reading)) {
		fn(reading)
	})
}

// Fault moves the device to error status on fatal transport faults
func (m emitter) Fault(err error) {
	e := m.e
	if !scale.IsFatal(err) {
		e.logger.Debugf("continuous reading on `%s` failed: %s", e.identity.DisplayName(), err)
		return
	}

	e.logger.Warnf("continuous reading on `%s` lost the transport: %s", e.identity.DisplayName(), err)
	e.transition(scale.StatusConnected, scale.StatusError)
}
