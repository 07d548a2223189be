// Package ratelimit throttles chatty realtime events per user with Redis
// counters (INCR + EXPIRE fixed windows).
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/protocol"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	RuleSendMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}
	RuleReaction    = Rule{Key: "rl:react:", Limit: 30, Window: 10 * time.Second}
	RuleTyping      = Rule{Key: "rl:typing:", Limit: 60, Window: 10 * time.Second}
)

// DefaultRules maps throttled events to their rule. Events not listed are
// never limited.
func DefaultRules() map[protocol.EventType]Rule {
	return map[protocol.EventType]Rule{
		protocol.SendMessage: RuleSendMessage,
		protocol.AddReaction: RuleReaction,
		protocol.TypingStart: RuleTyping,
	}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rules  map[protocol.EventType]Rule
	log    *zap.Logger
}

func NewLimiter(client *redis.Client, rules map[protocol.EventType]Rule, log *zap.Logger) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{client: client, rules: rules, log: log}
}

// Allow reports whether userID may emit one more event of type ev. Redis
// errors fail open so an outage never blocks chatting.
func (l *Limiter) Allow(ctx context.Context, userID int, ev protocol.EventType) bool {
	rule, ok := l.rules[ev]
	if !ok {
		return true
	}
	key := rule.Key + strconv.Itoa(userID)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("ratelimit: redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("ratelimit: redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// a key without TTL would block the user forever
			l.client.Del(ctx, key)
			return true
		}
	}

	return int(count) <= rule.Limit
}
