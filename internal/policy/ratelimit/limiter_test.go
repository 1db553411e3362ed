package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/fair-scraper/internal/metrics"
)

func TestLimiter_Wait(t *testing.T) {
	ctx := context.Background()

	// 10 requests per second = 100ms interval, burst 1.
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
	})

	// Consume initial token
	if err := l.Wait(ctx, "https://test.com"); err != nil {
		t.Fatal(err)
	}

	// Next one should wait ~100ms
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com/other"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentDomains(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1, // 1 RPS = 1s interval
		DefaultBurst: 1,
	})

	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}

	// Domain B should not be blocked by A
	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("domain B blocked unexpectedly")
	}
}

func TestLimiter_HostOverride(t *testing.T) {
	l := New(Config{
		DefaultRPS:   0.1,
		DefaultBurst: 1,
		Hosts:        []HostLimit{{Host: "My.Easyfairs.com", RPS: 0}},
	})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx, "https://my.easyfairs.com/widgets/api/stands/"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("override host should be unlimited")
	}
}

func TestLimiter_CanceledContext(t *testing.T) {
	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	if err := l.Wait(context.Background(), "https://slow.example"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx, "https://slow.example"); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestLimiter_ZeroRateIsUnlimited(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 40; i++ {
		if err := l.Wait(ctx, "https://my.easyfairs.com/widgets/api/stands/?language=es"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("zero default rate should not throttle")
	}
}

func TestLimiter_HostKeyNormalized(t *testing.T) {
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})

	if err := l.Wait(context.Background(), "fair.example/list"); err != nil {
		t.Fatal(err)
	}
	bucket, ok := l.limiters["fair.example"]
	if !ok || len(l.limiters) != 1 {
		t.Fatalf("expected a single fair.example bucket, got %v", l.limiters)
	}
	if l.limiterFor(metrics.SanitizeSite("https://FAIR.example:8443/a")) != bucket {
		t.Errorf("scheme, case and port must not split the bucket")
	}
}
