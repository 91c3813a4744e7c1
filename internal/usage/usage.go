// Package usage gates AI calls on per-user availability and records token
// consumption. The billing system itself is external; this is the narrow
// surface the orchestrators consume.
package usage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Provider checks and records usage.
type Provider interface {
	// CheckAvailability returns a non-empty reason when the user may not
	// make AI calls (e.g. "out of credits"), or "" when allowed.
	CheckAvailability(ctx context.Context, userID string) (reason string, err error)

	// RecordUsage charges tokens against the user after a completed call.
	RecordUsage(ctx context.Context, userID string, tokens int) error
}

// Unlimited never denies and records nothing. Default for self-hosted runs.
type Unlimited struct{}

func (Unlimited) CheckAvailability(context.Context, string) (string, error) { return "", nil }
func (Unlimited) RecordUsage(context.Context, string, int) error            { return nil }

// RedisLedger keeps a per-user token credit balance in redis. Users are
// granted an initial balance on first sight; RecordUsage decrements it.
type RedisLedger struct {
	client         *redis.Client
	prefix         string
	initialCredits int64
}

// NewRedisLedger creates a ledger. initialCredits is the grant for users
// never seen before.
func NewRedisLedger(client *redis.Client, prefix string, initialCredits int64) *RedisLedger {
	if prefix == "" {
		prefix = "drawbridge:"
	}
	return &RedisLedger{client: client, prefix: prefix, initialCredits: initialCredits}
}

func (l *RedisLedger) key(userID string) string { return l.prefix + "credits:" + userID }

func (l *RedisLedger) CheckAvailability(ctx context.Context, userID string) (string, error) {
	// SETNX grants the initial balance exactly once per user.
	if err := l.client.SetNX(ctx, l.key(userID), l.initialCredits, 0).Err(); err != nil {
		return "", fmt.Errorf("grant initial credits: %w", err)
	}
	balance, err := l.client.Get(ctx, l.key(userID)).Int64()
	if err != nil {
		return "", fmt.Errorf("read credit balance: %w", err)
	}
	if balance <= 0 {
		return "out of credits", nil
	}
	return "", nil
}

func (l *RedisLedger) RecordUsage(ctx context.Context, userID string, tokens int) error {
	if err := l.client.DecrBy(ctx, l.key(userID), int64(tokens)).Err(); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Balance returns the user's remaining credits (testing and admin surface).
func (l *RedisLedger) Balance(ctx context.Context, userID string) (int64, error) {
	balance, err := l.client.Get(ctx, l.key(userID)).Int64()
	if err == redis.Nil {
		return l.initialCredits, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read credit balance: %w", err)
	}
	return balance, nil
}
