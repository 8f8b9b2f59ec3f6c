package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis and cleans test keys. Tests that
// call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "user1", rule)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "user1", rule)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if allowed {
		t.Error("request over the limit should be rejected")
	}
}

func TestAllow_IndependentIdentifiers(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	if allowed, _ := limiter.Allow(ctx, fmt.Sprintf("u%d", 1), rule); !allowed {
		t.Fatal("first request for u1 should pass")
	}
	if allowed, _ := limiter.Allow(ctx, fmt.Sprintf("u%d", 1), rule); allowed {
		t.Fatal("second request for u1 should be limited")
	}
	if allowed, _ := limiter.Allow(ctx, fmt.Sprintf("u%d", 2), rule); !allowed {
		t.Error("u2 should not be affected by u1's counter")
	}
}

func TestAllow_WindowResets(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	if allowed, _ := limiter.Allow(ctx, "user1", rule); !allowed {
		t.Fatal("first request should pass")
	}
	if allowed, _ := limiter.Allow(ctx, "user1", rule); allowed {
		t.Fatal("second request should be limited")
	}

	time.Sleep(1100 * time.Millisecond)
	if allowed, _ := limiter.Allow(ctx, "user1", rule); !allowed {
		t.Error("request after the window should pass again")
	}
}

func TestRetryAfter(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	if retry := limiter.RetryAfter(ctx, "never-seen", rule); retry != 0 {
		t.Errorf("unknown identifier retry = %d, want 0", retry)
	}

	limiter.Allow(ctx, "user1", rule)
	limiter.Allow(ctx, "user1", rule)

	retry := limiter.RetryAfter(ctx, "user1", rule)
	if retry <= 0 || retry > 10 {
		t.Errorf("retry after = %d, want within (0, 10]", retry)
	}
}
