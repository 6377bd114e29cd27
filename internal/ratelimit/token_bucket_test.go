package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterEnforcesCapacity(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil || !allowed {
		t.Fatalf("first submission: allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "10.0.0.1")
	if !allowed {
		t.Fatal("second submission rejected within capacity")
	}
	allowed, remaining, _ := limiter.Allow(ctx, "10.0.0.1")
	if allowed {
		t.Fatal("third submission exceeded capacity but was allowed")
	}
	if remaining >= 1 {
		t.Fatalf("bucket should be drained, have %f tokens", remaining)
	}

	// Refill cannot be exercised against miniredis: the Lua script takes
	// its clock from the caller, not from FastForward.
}

func TestLimiterIsolatesClients(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, 1, 1, time.Minute)

	if allowed, _, _ := limiter.Allow(ctx, "10.0.0.1"); !allowed {
		t.Fatal("first client rejected")
	}
	if allowed, _, _ := limiter.Allow(ctx, "10.0.0.2"); !allowed {
		t.Fatal("second client throttled by first client's bucket")
	}
	if allowed, _, _ := limiter.Allow(ctx, "10.0.0.1"); allowed {
		t.Fatal("drained bucket allowed another token")
	}
}
