package http

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := rl.Allow(ctx, "ip:1", 3, time.Minute)
		if !d.Allowed || d.Count != i {
			t.Fatalf("request %d: %+v", i, d)
		}
	}
	d := rl.Allow(ctx, "ip:1", 3, time.Minute)
	if d.Allowed || d.remaining(3) != 0 {
		t.Fatalf("fourth request: %+v", d)
	}
	if d := rl.Allow(ctx, "ip:2", 3, time.Minute); !d.Allowed {
		t.Fatal("separate key throttled")
	}

	now = now.Add(time.Minute)
	if d := rl.Allow(ctx, "ip:1", 3, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("window not reset: %+v", d)
	}
}

func TestMemoryRateLimiterSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	rl.Allow(context.Background(), "ip:1", 3, time.Minute)
	rl.Allow(context.Background(), "ip:2", 3, time.Hour)

	now = now.Add(2 * time.Minute)
	rl.sweep()
	if _, ok := rl.windows["ip:1"]; ok {
		t.Error("expired window kept")
	}
	if _, ok := rl.windows["ip:2"]; !ok {
		t.Error("live window swept")
	}
}

func TestMemoryRateLimiterDisabled(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 10; i++ {
		if d := rl.Allow(context.Background(), "ip:1", 0, time.Minute); !d.Allowed {
			t.Fatal("zero limit must not throttle")
		}
	}
}

func TestRedisRateLimiterUnreachable(t *testing.T) {
	if _, err := NewRedisRateLimiter("127.0.0.1:1", "", 0, nil); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}
