// Package registry tracks room ownership and share tokens. A room is keyed
// by "{ownerID}/{problemID}"; its identity never changes, only its token.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown rooms and stale tokens.
	ErrNotFound = errors.New("room not found")
	// ErrUnauthorized is returned when a non-owner attempts token rotation.
	ErrUnauthorized = errors.New("not the room owner")
)

// Room is the registry record for a single room.
type Room struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	ProblemID      string    `json:"problem_id"`
	ShareToken     string    `json:"share_token"`
	CreatedAt      time.Time `json:"created_at"`
	TokenCreatedAt time.Time `json:"token_created_at"`
}

// RoomID builds the composite room key.
func RoomID(ownerID, problemID string) string {
	return ownerID + "/" + problemID
}

// SplitRoomID returns the owner and problem components of a room key.
func SplitRoomID(roomID string) (ownerID, problemID string, ok bool) {
	ownerID, problemID, ok = strings.Cut(roomID, "/")
	return ownerID, problemID, ok && ownerID != "" && problemID != ""
}

// Registry resolves rooms by id and by share token.
type Registry interface {
	// CreateRoom creates the room if absent and returns its metadata.
	// Idempotent: a concurrent duplicate create never mints a second token.
	CreateRoom(ctx context.Context, ownerID, problemID string) (*Room, error)

	// GetRoom returns the room's metadata or ErrNotFound.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// GetRoomByToken resolves guest access. Tokens invalidated by rotation
	// resolve to ErrNotFound immediately.
	GetRoomByToken(ctx context.Context, token string) (*Room, error)

	// RegenerateToken rotates the share token. ErrUnauthorized if the
	// requester is not the owner, ErrNotFound if the room is absent.
	RegenerateToken(ctx context.Context, roomID, requestingOwnerID string) (string, error)
}

// newShareToken returns a 32-character hex token from crypto/rand.
func newShareToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
