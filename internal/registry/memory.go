package registry

import (
	"context"
	"sync"
	"time"

	"github.com/drawbridge-io/drawbridge/internal/lru"
)

// Memory is the in-process registry. Rooms are bounded by an LRU; evicting a
// room drops its token from the index so stale tokens cannot resolve.
type Memory struct {
	mu     sync.Mutex
	rooms  *lru.Cache[string, *Room]
	tokens map[string]string // token -> roomID
	now    func() time.Time
}

// NewMemory creates a memory registry holding at most capacity rooms.
func NewMemory(capacity int) *Memory {
	m := &Memory{
		tokens: make(map[string]string),
		now:    time.Now,
	}
	m.rooms = lru.NewCache(capacity, func(_ string, room *Room) {
		delete(m.tokens, room.ShareToken)
	})
	return m
}

func (m *Memory) CreateRoom(_ context.Context, ownerID, problemID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID := RoomID(ownerID, problemID)
	if room, ok := m.rooms.Get(roomID); ok {
		r := *room
		return &r, nil
	}

	token, err := newShareToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	room := &Room{
		ID:             roomID,
		OwnerID:        ownerID,
		ProblemID:      problemID,
		ShareToken:     token,
		CreatedAt:      now,
		TokenCreatedAt: now,
	}
	m.rooms.Put(roomID, room)
	m.tokens[token] = roomID

	r := *room
	return &r, nil
}

func (m *Memory) GetRoom(_ context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms.Get(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	r := *room
	return &r, nil
}

func (m *Memory) GetRoomByToken(_ context.Context, token string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	room, ok := m.rooms.Get(roomID)
	if !ok || room.ShareToken != token {
		return nil, ErrNotFound
	}
	r := *room
	return &r, nil
}

func (m *Memory) RegenerateToken(_ context.Context, roomID, requestingOwnerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms.Get(roomID)
	if !ok {
		return "", ErrNotFound
	}
	if room.OwnerID != requestingOwnerID {
		return "", ErrUnauthorized
	}

	token, err := newShareToken()
	if err != nil {
		return "", err
	}
	delete(m.tokens, room.ShareToken)
	room.ShareToken = token
	room.TokenCreatedAt = m.now()
	m.tokens[token] = roomID
	return token, nil
}
