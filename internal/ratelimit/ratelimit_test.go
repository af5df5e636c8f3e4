package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_BurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("request %d: unexpected %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("other clients keep their own bucket: %v", err)
	}

	now = now.Add(time.Second)
	if err := l.Allow("a"); err != nil {
		t.Errorf("expected refill after one second: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d", i)
		}
	}
}

func TestPrune(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 10})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	_ = l.Allow("old")
	now = now.Add(10 * time.Minute)
	_ = l.Allow("fresh")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("expected one bucket pruned, got %d", n)
	}
	if _, ok := l.clients["fresh"]; !ok {
		t.Error("fresh bucket should remain")
	}
}
