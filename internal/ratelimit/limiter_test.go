package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/protocol"
)

func TestAllowFailsOpenWithoutRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	l := NewLimiter(client, nil, zap.NewNop())

	for i := 0; i < RuleSendMessage.Limit+5; i++ {
		if !l.Allow(context.Background(), 1, protocol.SendMessage) {
			t.Fatal("limiter should fail open when redis is down")
		}
	}
}

func TestUnlistedEventsAreNotLimited(t *testing.T) {
	l := NewLimiter(nil, map[protocol.EventType]Rule{}, zap.NewNop())
	if !l.Allow(context.Background(), 1, protocol.MarkRead) {
		t.Fatal("unlisted event was limited")
	}
}

func TestAllowWithRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Second}
	l := NewLimiter(client, map[protocol.EventType]Rule{protocol.TypingStart: rule}, zap.NewNop())
	client.Del(ctx, "rl:test:77")
	defer client.Del(ctx, "rl:test:77")

	for i := 0; i < rule.Limit; i++ {
		if !l.Allow(ctx, 77, protocol.TypingStart) {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if l.Allow(ctx, 77, protocol.TypingStart) {
		t.Fatal("request over the limit passed")
	}
}
