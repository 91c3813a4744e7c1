// Package docstore owns the live CRDT documents, one per room, behind a
// bounded cache. Rooms with attached connections are never evicted; idle
// rooms fall out in LRU order and rehydrate from the snapshot cache on the
// next connect.
package docstore

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/drawbridge-io/drawbridge/internal/crdt"
	"github.com/drawbridge-io/drawbridge/internal/lru"
)

// ConnCounter reports how many connections are attached to a room. The
// store uses it as the eviction guard.
type ConnCounter interface {
	ConnCount(roomID string) int
}

type entry struct {
	doc       *crdt.Document
	hookWired bool
	synced    map[string]bool // conn ids that completed the initial sync exchange
}

// Store manages per-room documents.
type Store struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, *entry]
	conns   ConnCounter
	replica string
	logger  *slog.Logger
}

// New creates a store holding at most capacity documents. conns guards
// eviction; replica names this server in CRDT versions.
func New(capacity int, conns ConnCounter, replica string, logger *slog.Logger) *Store {
	s := &Store{conns: conns, replica: replica, logger: logger.With("component", "docstore")}
	s.cache = lru.NewCache[string, *entry](capacity, func(roomID string, e *entry) {
		e.doc.SetUpdateHook(nil)
		s.logger.Debug("document evicted", "room", roomID)
	})
	return s
}

func (s *Store) entryFor(roomID string) *entry {
	if e, ok := s.cache.Get(roomID); ok {
		return e
	}
	e := &entry{doc: crdt.NewDocument(s.replica), synced: make(map[string]bool)}
	s.cache.PutWithGuard(roomID, e, func(id string, _ *entry) bool {
		return s.conns != nil && s.conns.ConnCount(id) > 0
	})
	s.logger.Debug("document created", "room", roomID)
	return e
}

// GetOrCreate returns the room's document, creating it if absent.
func (s *Store) GetOrCreate(roomID string) *crdt.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryFor(roomID).doc
}

// SetBroadcastHook wires the document's update observer once per room
// lifetime. Repeat calls while the document stays cached are no-ops, so
// every new connection can attempt the wiring without stacking hooks.
func (s *Store) SetBroadcastHook(roomID string, hook crdt.UpdateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryFor(roomID)
	if e.hookWired {
		return
	}
	e.doc.SetUpdateHook(hook)
	e.hookWired = true
}

// HandleConnect returns the sync handshake payload for a new connection.
func (s *Store) HandleConnect(roomID string) ([]byte, error) {
	return s.GetOrCreate(roomID).ConnectMessage()
}

// HandleSyncMessage applies an inbound sync frame from connID and returns
// the reply payload to send back to that connection, or nil. The first
// accepted frame from a connection marks its handshake as complete.
func (s *Store) HandleSyncMessage(roomID, connID string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	e := s.entryFor(roomID)
	s.mu.Unlock()

	reply, err := e.doc.HandleMessage(payload, connID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !e.synced[connID] {
		e.synced[connID] = true
		s.logger.Debug("initial sync complete", "room", roomID, "conn_id", connID)
	}
	s.mu.Unlock()
	return reply, nil
}

// HandshakeDone reports whether connID has completed its initial sync
// exchange with the room.
func (s *Store) HandshakeDone(roomID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Peek(roomID)
	return ok && e.synced[connID]
}

// Disconnect forgets a connection's handshake state.
func (s *Store) Disconnect(roomID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache.Peek(roomID); ok {
		delete(e.synced, connID)
	}
}

// InitializeFromSnapshot seeds an empty document with stored elements.
// Returns false when the document already has content.
func (s *Store) InitializeFromSnapshot(roomID string, elements []json.RawMessage) (bool, error) {
	return s.GetOrCreate(roomID).InitializeFromSnapshot(elements)
}

// Len reports how many documents are cached.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
