package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitsBetweenTokens(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 grants a token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://shop.example/p/1"); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://shop.example/p/2"); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Fatalf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiterBucketsPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.example/x"); err != nil {
		t.Fatalf("Wait(a) error = %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://B.example/x"); err != nil {
		t.Fatalf("Wait(b) error = %v", err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Fatalf("second host should not share a bucket, waited %v", dur)
	}
	if got := l.Hosts(); got != 2 {
		t.Fatalf("Hosts() = %d, want 2", got)
	}
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	if err := l.Wait(context.Background(), "https://slow.example/"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.Wait(ctx, "https://slow.example/"); err == nil {
		t.Fatal("expected error once the context expires")
	}
	if dur := time.Since(start); dur > time.Second {
		t.Fatalf("Wait ignored the deadline for %v", dur)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := l.Wait(ctx, "https://fast.example/"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if dur := time.Since(start); dur > 100*time.Millisecond {
		t.Fatalf("unlimited limiter waited %v", dur)
	}
}
