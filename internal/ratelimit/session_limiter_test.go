package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSessionLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSessionLimiter(client, 2, 1)

	allowed, _, err := limiter.Allow(ctx, "s1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "s1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, "s1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestSessionLimiterIsolatesSessions(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSessionLimiter(client, 1, 1)

	if allowed, _, _ := limiter.Allow(ctx, "s1"); !allowed {
		t.Fatalf("s1 first token rejected")
	}
	if allowed, _, _ := limiter.Allow(ctx, "s1"); allowed {
		t.Fatalf("s1 over capacity but allowed")
	}
	// A different session has its own bucket.
	if allowed, _, _ := limiter.Allow(ctx, "s2"); !allowed {
		t.Fatalf("s2 should not be affected by s1's bucket")
	}
}

func TestSessionLimiterCostWeighting(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSessionLimiter(client, 10, 1)

	allowed, remaining, err := limiter.AllowN(ctx, "s1", 6)
	if err != nil || !allowed {
		t.Fatalf("expected cost 6 allowed got allowed=%v err=%v", allowed, err)
	}
	if remaining > 4 {
		t.Fatalf("expected at most 4 tokens left, got %v", remaining)
	}
	if allowed, _, _ = limiter.AllowN(ctx, "s1", 6); allowed {
		t.Fatalf("cost 6 should exceed the remaining tokens")
	}
	// A rejected charge must not drain a partial amount.
	if allowed, _, _ = limiter.AllowN(ctx, "s1", 4); !allowed {
		t.Fatalf("cost 4 should still fit after the rejected charge")
	}
	if allowed, _, _ = limiter.Allow(ctx, "s1"); allowed {
		t.Fatalf("bucket should be empty")
	}
}
