package core

import (
	"context"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
)

// Listener receives events from the Bus.
type Listener func(Event)

type listener struct {
	eventType string
	fn        Listener
	async     bool
	once      bool
	fired     atomic.Bool
	removed   atomic.Bool
}

// ListenOption configures a listener registration.
type ListenOption func(*listener)

// Async runs the listener on its own goroutine instead of the dispatch
// goroutine. Use it for listeners that do IO or may block.
func Async() ListenOption {
	return func(l *listener) { l.async = true }
}

// FireOption configures a fired event.
type FireOption func(*Event)

// WithOrigin sets the event origin. The default is OriginLocal.
func WithOrigin(o Origin) FireOption {
	return func(e *Event) { e.Origin = o }
}

// WithContext attaches c to the event. By default a fresh system Context
// is generated.
func WithContext(c Context) FireOption {
	return func(e *Event) { e.Context = c }
}

// Bus delivers events to listeners by event type.
//
// Listeners for one type are called in registration order, followed by
// MatchAll listeners. Inline listeners run on the Loop's dispatch goroutine,
// so they observe events in fire order and must not block. A panicking
// listener is logged and delivery continues.
type Bus struct {
	loop    *Loop
	clock   Clock
	logger  Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	listeners map[string][]*listener
}

// NewBus creates a bus dispatching on loop.
func NewBus(loop *Loop) *Bus {
	return &Bus{
		loop:      loop,
		clock:     SystemClock{},
		logger:    noopLogger{},
		listeners: make(map[string][]*listener),
	}
}

// SetLogger sets the logger for listener failures.
func (b *Bus) SetLogger(logger Logger) {
	b.logger = logger
}

// SetMetrics enables event counters.
func (b *Bus) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// SetClock replaces the clock used for time_fired.
func (b *Bus) SetClock(c Clock) {
	b.clock = c
}

// Listen registers fn for eventType (or MatchAll) and returns a function
// that removes it. The returned function is idempotent.
func (b *Bus) Listen(eventType string, fn Listener, opts ...ListenOption) func() {
	l := &listener{eventType: eventType, fn: fn}
	for _, opt := range opts {
		opt(l)
	}
	return b.add(l)
}

// ListenOnce registers fn for a single delivery. The listener is removed
// before fn runs, so it runs at most once even when events are queued
// back to back.
func (b *Bus) ListenOnce(eventType string, fn Listener, opts ...ListenOption) func() {
	l := &listener{eventType: eventType, fn: fn, once: true}
	for _, opt := range opts {
		opt(l)
	}
	return b.add(l)
}

func (b *Bus) add(l *listener) func() {
	b.mu.Lock()
	b.listeners[l.eventType] = append(b.listeners[l.eventType], l)
	b.mu.Unlock()

	return func() { b.remove(l) }
}

func (b *Bus) remove(l *listener) {
	if l.removed.Swap(true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.listeners[l.eventType]
	for i, candidate := range current {
		if candidate != l {
			continue
		}
		// Copy so snapshots taken by in-flight dispatches stay intact.
		next := make([]*listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, l.eventType)
		} else {
			b.listeners[l.eventType] = next
		}
		return
	}
}

// Fire validates the event type, builds the event and schedules its
// delivery. It returns once the event is queued; listeners run later.
func (b *Bus) Fire(eventType string, data map[string]any, opts ...FireOption) (Event, error) {
	if err := ValidateEventType(eventType); err != nil {
		return Event{}, err
	}

	ev := Event{
		Type:      eventType,
		Data:      maps.Clone(data),
		Origin:    OriginLocal,
		TimeFired: b.clock.Now(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	if ev.Context.IsZero() {
		ev.Context = NewContext()
	}

	if err := b.loop.Submit(func() { b.dispatch(ev) }); err != nil {
		return Event{}, err
	}
	b.metrics.EventFired(ev.Type, string(ev.Origin))
	return ev, nil
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	concrete := b.listeners[ev.Type]
	wildcard := b.listeners[MatchAll]
	b.mu.RUnlock()

	for _, group := range [][]*listener{concrete, wildcard} {
		for _, l := range group {
			b.deliver(ev, l)
		}
	}
}

func (b *Bus) deliver(ev Event, l *listener) {
	if l.removed.Load() {
		return
	}
	if l.once {
		if !l.fired.CompareAndSwap(false, true) {
			return
		}
		b.remove(l)
	}

	if !l.async {
		b.invoke(ev, l)
		return
	}
	err := b.loop.Go(func(context.Context) { b.invoke(ev, l) })
	if err != nil {
		b.logger.Warn("dropping async listener call", "event_type", ev.Type, "error", err)
	}
}

func (b *Bus) invoke(ev Event, l *listener) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.ListenerFailed(ev.Type)
			b.logger.Error("event listener panicked",
				"event_type", ev.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	l.fn(ev)
}

// ListenerCounts returns the number of listeners per event type.
func (b *Bus) ListenerCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int, len(b.listeners))
	for eventType, ls := range b.listeners {
		counts[eventType] = len(ls)
	}
	return counts
}
