package registry

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryCreateRoomIdempotent(t *testing.T) {
	m := NewMemory(16)
	ctx := context.Background()

	first, err := m.CreateRoom(ctx, "u1", "url-shortener")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	second, err := m.CreateRoom(ctx, "u1", "url-shortener")
	if err != nil {
		t.Fatalf("second CreateRoom failed: %v", err)
	}

	if first.ID != "u1/url-shortener" {
		t.Errorf("unexpected room id %q", first.ID)
	}
	if second.ShareToken != first.ShareToken {
		t.Error("duplicate create rotated the token")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("duplicate create changed creation time")
	}
}

func TestMemoryCreateRoomConcurrent(t *testing.T) {
	m := NewMemory(16)
	ctx := context.Background()

	const n = 32
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := m.CreateRoom(ctx, "u1", "chat-app")
			if err != nil {
				t.Errorf("CreateRoom failed: %v", err)
				return
			}
			tokens[i] = room.ShareToken
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("concurrent create produced two tokens: %q vs %q", tokens[0], tokens[i])
		}
	}
}

func TestMemoryTokenResolution(t *testing.T) {
	m := NewMemory(16)
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "u1", "rate-limiter")
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.GetRoomByToken(ctx, room.ShareToken)
	if err != nil {
		t.Fatalf("GetRoomByToken failed: %v", err)
	}
	if got.ID != room.ID {
		t.Errorf("token resolved to %q, want %q", got.ID, room.ID)
	}

	if _, err := m.GetRoomByToken(ctx, "no-such-token"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRegenerateToken(t *testing.T) {
	m := NewMemory(16)
	ctx := context.Background()

	room, err := m.CreateRoom(ctx, "u1", "url-shortener")
	if err != nil {
		t.Fatal(err)
	}
	oldToken := room.ShareToken

	newToken, err := m.RegenerateToken(ctx, room.ID, "u1")
	if err != nil {
		t.Fatalf("RegenerateToken failed: %v", err)
	}
	if newToken == oldToken {
		t.Fatal("token did not change")
	}

	if _, err := m.GetRoomByToken(ctx, oldToken); err != ErrNotFound {
		t.Errorf("old token still resolves: %v", err)
	}
	got, err := m.GetRoomByToken(ctx, newToken)
	if err != nil {
		t.Fatalf("new token failed to resolve: %v", err)
	}
	if got.ID != room.ID {
		t.Errorf("new token resolved to %q", got.ID)
	}
}

func TestMemoryRegenerateTokenAuthorization(t *testing.T) {
	m := NewMemory(16)
	ctx := context.Background()

	room, _ := m.CreateRoom(ctx, "u1", "url-shortener")

	if _, err := m.RegenerateToken(ctx, room.ID, "u2"); err != ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := m.RegenerateToken(ctx, "u9/none", "u9"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryEvictionDropsToken(t *testing.T) {
	m := NewMemory(1)
	ctx := context.Background()

	first, _ := m.CreateRoom(ctx, "u1", "url-shortener")
	m.CreateRoom(ctx, "u2", "chat-app")

	if _, err := m.GetRoom(ctx, first.ID); err != ErrNotFound {
		t.Errorf("evicted room still present: %v", err)
	}
	if _, err := m.GetRoomByToken(ctx, first.ShareToken); err != ErrNotFound {
		t.Errorf("evicted room's token still resolves: %v", err)
	}
}
