// Package signal is an in-process publish/subscribe channel between
// components. Unlike the event bus it carries arbitrary Go arguments, has no
// context or timestamp, and keeps no history; it never leaves the process.
package signal

import (
	"runtime/debug"
	"sync"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
)

// Target receives the arguments passed to Send.
type Target func(args ...any)

type target struct {
	fn Target
}

// Dispatcher routes named signals to connected targets.
//
// Targets run on the loop's dispatch goroutine in connection order and must
// not block. All methods are safe for concurrent use.
type Dispatcher struct {
	loop   *core.Loop
	logger core.Logger

	mu      sync.RWMutex
	targets map[string][]*target
}

// NewDispatcher creates a dispatcher scheduling targets on loop.
func NewDispatcher(loop *core.Loop) *Dispatcher {
	return &Dispatcher{
		loop:    loop,
		logger:  core.NopLogger(),
		targets: make(map[string][]*target),
	}
}

// SetLogger sets the logger used when a target panics.
func (d *Dispatcher) SetLogger(logger core.Logger) {
	d.logger = logger
}

// Connect attaches fn to signal and returns a function that detaches it.
// The returned function is idempotent.
func (d *Dispatcher) Connect(signal string, fn Target) func() {
	t := &target{fn: fn}

	d.mu.Lock()
	d.targets[signal] = append(d.targets[signal], t)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.disconnect(signal, t) })
	}
}

func (d *Dispatcher) disconnect(signal string, t *target) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.targets[signal]
	next := make([]*target, 0, len(current))
	for _, candidate := range current {
		if candidate != t {
			next = append(next, candidate)
		}
	}
	if len(next) == 0 {
		delete(d.targets, signal)
		return
	}
	d.targets[signal] = next
}

// Send schedules every target connected to signal with args. It returns
// immediately. Sending a signal nobody listens to is not an error.
func (d *Dispatcher) Send(signal string, args ...any) {
	d.mu.RLock()
	targets := d.targets[signal]
	d.mu.RUnlock()

	for _, t := range targets {
		t := t
		if err := d.loop.Submit(func() { d.invoke(signal, t, args) }); err != nil {
			d.logger.Warn("dropping signal", "signal", signal, "error", err)
			return
		}
	}
}

func (d *Dispatcher) invoke(signal string, t *target, args []any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("signal target panicked",
				"signal", signal,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	t.fn(args...)
}

// Connected returns the number of targets attached to signal.
func (d *Dispatcher) Connected(signal string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.targets[signal])
}
