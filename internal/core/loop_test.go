package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoop_SubmitRunsInOrder(t *testing.T) {
	loop := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := loop.Submit(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	flush(t, loop)

	if len(got) != 100 {
		t.Fatalf("ran %d jobs, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
}

func TestLoop_SubmitBeforeStart(t *testing.T) {
	loop := NewLoop(1)
	ran := make(chan struct{})
	if err := loop.Submit(func() { close(ran) }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	loop.Start()
	defer loop.Stop(context.Background()) //nolint:errcheck // Test cleanup

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job queued before Start never ran")
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	loop := startLoop(t)

	loop.Submit(func() { panic("boom") }) //nolint:errcheck // Test
	var ran atomic.Bool
	loop.Submit(func() { ran.Store(true) }) //nolint:errcheck // Test
	flush(t, loop)

	if !ran.Load() {
		t.Error("job after panic did not run")
	}
}

func TestLoop_StopDrainsAndRejects(t *testing.T) {
	loop := NewLoop(1)
	loop.Start()

	var count atomic.Int32
	for i := 0; i < 50; i++ {
		loop.Submit(func() { count.Add(1) }) //nolint:errcheck // Test
	}

	if err := loop.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if count.Load() != 50 {
		t.Errorf("drained %d jobs, want 50", count.Load())
	}
	if err := loop.Submit(func() {}); !errors.Is(err, ErrLoopStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrLoopStopped", err)
	}
	if err := loop.Go(func(context.Context) {}); !errors.Is(err, ErrLoopStopped) {
		t.Errorf("Go() after Stop error = %v, want ErrLoopStopped", err)
	}
}

func TestLoop_StopCancelsTasks(t *testing.T) {
	loop := NewLoop(1)
	loop.Start()

	cancelled := make(chan struct{})
	started := make(chan struct{})
	err := loop.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	if err != nil {
		t.Fatalf("Go() error = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-cancelled:
	default:
		t.Error("task context was not cancelled before Stop returned")
	}
}

func TestLoop_StopTimesOutOnStuckTask(t *testing.T) {
	loop := NewLoop(1)
	loop.Start()

	release := make(chan struct{})
	defer close(release)
	loop.Go(func(context.Context) { <-release }) //nolint:errcheck // Test

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := loop.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want deadline exceeded", err)
	}
}

func TestLoop_RunBlockingBoundsConcurrency(t *testing.T) {
	const workers = 2
	loop := NewLoop(workers)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := loop.RunBlocking(context.Background(), func() error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("RunBlocking() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen > workers {
		t.Errorf("max concurrent blocking calls = %d, want <= %d", maxSeen, workers)
	}
}

func TestLoop_RunBlockingHonoursContext(t *testing.T) {
	loop := NewLoop(1)

	hold := make(chan struct{})
	go loop.RunBlocking(context.Background(), func() error { <-hold; return nil }) //nolint:errcheck // Test
	defer close(hold)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loop.RunBlocking(ctx, func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunBlocking() error = %v, want deadline exceeded", err)
	}
}
