package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/metrics"
)

// Loop is the kernel scheduler.
//
// Jobs passed to Submit run one at a time, in submission order, on a single
// goroutine. Tasks started with Go run concurrently and are cancelled and
// awaited by Stop. RunBlocking bounds blocking work to a fixed number of
// concurrent callers.
//
// All methods are safe for concurrent use.
type Loop struct {
	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	started  bool
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
	done   chan struct{}

	blocking *semaphore.Weighted

	logger  Logger
	metrics *metrics.Metrics
}

// NewLoop creates a loop whose blocking executor admits workers callers
// at a time. workers below 1 is treated as 1.
func NewLoop(workers int) *Loop {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		blocking: semaphore.NewWeighted(int64(workers)),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger used for recovered panics.
func (l *Loop) SetLogger(logger Logger) {
	l.logger = logger
}

// SetMetrics enables queue depth reporting.
func (l *Loop) SetMetrics(m *metrics.Metrics) {
	l.metrics = m
}

// Start launches the dispatch goroutine. Jobs submitted before Start are
// kept and run once it begins. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	go l.run()
}

// Context is cancelled when the loop stops. Tasks should watch it.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Submit schedules fn on the dispatch goroutine. It never blocks.
func (l *Loop) Submit(fn func()) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	depth := len(l.queue)
	l.mu.Unlock()

	l.metrics.SetQueueDepth(depth)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Go runs fn on its own goroutine with the loop's context. Stop waits for it.
func (l *Loop) Go(fn func(ctx context.Context)) error {
	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.tasks.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.tasks.Done()
		defer l.recoverPanic("task")
		fn(l.ctx)
	}()
	return nil
}

// RunBlocking runs fn on the calling goroutine once a worker slot is free.
// It returns ctx.Err() if the slot could not be acquired in time.
func (l *Loop) RunBlocking(ctx context.Context, fn func() error) error {
	if err := l.blocking.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for worker: %w", err)
	}
	defer l.blocking.Release(1)
	return fn()
}

// Flush waits until every job submitted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if err := l.Submit(func() { close(reached) }); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs, runs the jobs already queued, cancels the loop
// context and waits for tasks. It returns ctx.Err() if tasks are still
// running when ctx ends.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	started := l.started
	l.mu.Unlock()

	if started {
		select {
		case l.wake <- struct{}{}:
		default:
		}
		select {
		case <-l.done:
		case <-ctx.Done():
			l.cancel()
			return fmt.Errorf("draining loop: %w", ctx.Err())
		}
	}

	l.mu.Lock()
	l.cancel()
	l.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		l.tasks.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopping := l.stopping
		l.mu.Unlock()

		if len(batch) == 0 {
			if stopping {
				return
			}
			<-l.wake
			continue
		}

		l.metrics.SetQueueDepth(0)
		for _, job := range batch {
			l.runJob(job)
		}
	}
}

func (l *Loop) runJob(job func()) {
	defer l.recoverPanic("job")
	job()
}

func (l *Loop) recoverPanic(kind string) {
	if r := recover(); r != nil {
		l.logger.Error("recovered panic in loop "+kind,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
