package api

import (
	"testing"
	"time"
)

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(0.001, 2)

	for i := range 2 {
		if !l.Allow("192.0.2.1") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if l.Allow("192.0.2.1") {
		t.Error("request beyond burst allowed")
	}
	if !l.Allow("192.0.2.2") {
		t.Error("other address shares a bucket")
	}
}

func TestIPLimiter_Prune(t *testing.T) {
	l := newIPLimiter(1, 1)
	l.Allow("192.0.2.1")

	l.prune(time.Now())
	if len(l.buckets) != 1 {
		t.Fatalf("fresh bucket pruned")
	}
	l.prune(time.Now().Add(limiterTTL + time.Second))
	if len(l.buckets) != 0 {
		t.Errorf("idle bucket kept")
	}
}
