package ratelimit

import (
	"errors"
	"testing"
)

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("key-a"); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
	if err := l.Allow("key-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after burst, got %v", err)
	}
}

func TestLimiterKeysIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("key-a"); err != nil {
		t.Fatalf("key-a: %v", err)
	}
	if err := l.Allow("key-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("key-a should be exhausted")
	}
	if err := l.Allow("key-b"); err != nil {
		t.Fatalf("key-b should have its own bucket: %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(Config{})

	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}
