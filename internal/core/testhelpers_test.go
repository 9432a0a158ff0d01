package core

import (
	"context"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	loop := NewLoop(4)
	loop.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		loop.Stop(ctx) //nolint:errcheck // Test cleanup
	})
	return loop
}

func flush(t *testing.T, loop *Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}
