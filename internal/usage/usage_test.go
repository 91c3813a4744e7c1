package usage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLedger(t *testing.T, initial int64) *RedisLedger {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedger(client, "test:", initial)
}

func TestInitialGrantAndAvailability(t *testing.T) {
	l := setupLedger(t, 1000)
	ctx := context.Background()

	reason, err := l.CheckAvailability(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if reason != "" {
		t.Errorf("fresh user denied: %q", reason)
	}

	balance, err := l.Balance(ctx, "u1")
	if err != nil || balance != 1000 {
		t.Errorf("balance = %d (%v)", balance, err)
	}
}

func TestRecordUsageDrainsCredits(t *testing.T) {
	l := setupLedger(t, 100)
	ctx := context.Background()

	if _, err := l.CheckAvailability(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordUsage(ctx, "u1", 100); err != nil {
		t.Fatal(err)
	}

	reason, err := l.CheckAvailability(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if reason == "" {
		t.Error("drained user should be denied")
	}
}

func TestGrantHappensOnce(t *testing.T) {
	l := setupLedger(t, 100)
	ctx := context.Background()

	l.CheckAvailability(ctx, "u1")
	l.RecordUsage(ctx, "u1", 40)
	l.CheckAvailability(ctx, "u1") // must not re-grant

	balance, _ := l.Balance(ctx, "u1")
	if balance != 60 {
		t.Errorf("balance = %d, want 60", balance)
	}
}

func TestUnlimited(t *testing.T) {
	var u Unlimited
	reason, err := u.CheckAvailability(context.Background(), "anyone")
	if err != nil || reason != "" {
		t.Errorf("unlimited denied: %q %v", reason, err)
	}
	if err := u.RecordUsage(context.Background(), "anyone", 1<<20); err != nil {
		t.Error(err)
	}
}
