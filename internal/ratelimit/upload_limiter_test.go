package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestUploadLimiter(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewUploadLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.AllowUpload(ctx, "owner-1")
	if err != nil || !allowed {
		t.Fatalf("expected first upload allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.AllowUpload(ctx, "owner-1")
	if !allowed {
		t.Fatalf("expected second upload allowed")
	}
	allowed, _, _ = limiter.AllowUpload(ctx, "owner-1")
	if allowed {
		t.Fatalf("expected third upload to be rejected")
	}

	// A different owner has its own bucket.
	allowed, _, _ = limiter.AllowUpload(ctx, "owner-2")
	if !allowed {
		t.Fatalf("expected other owner to be unaffected")
	}

	// Buckets live under their own namespace, one key per owner.
	if !mr.Exists(uploadKeyPrefix + "owner-1") {
		t.Fatalf("expected bucket key for owner-1")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
