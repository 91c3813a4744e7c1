// Package ws implements the board's WebSocket endpoint: connection
// admission for owners and guests, the sync handshake with history replay,
// and the per-connection dispatch loop.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drawbridge-io/drawbridge/internal/convo"
	"github.com/drawbridge-io/drawbridge/internal/docstore"
	"github.com/drawbridge-io/drawbridge/internal/feedback"
	"github.com/drawbridge-io/drawbridge/internal/registry"
	"github.com/drawbridge-io/drawbridge/internal/router"
	"github.com/drawbridge-io/drawbridge/internal/snapshot"
	"github.com/drawbridge-io/drawbridge/internal/task"
	"github.com/drawbridge-io/drawbridge/pkg/protocol"
)

// Deps are the handler's collaborators.
type Deps struct {
	Registry  registry.Registry
	Docs      *docstore.Store
	Router    *router.Router
	Convos    *convo.Manager
	Orch      *feedback.Orchestrator
	Snapshots *snapshot.Cache
	Logger    *slog.Logger
}

// Handler serves the /ws routes.
type Handler struct {
	deps     Deps
	upgrader websocket.Upgrader
	now      func() time.Time

	// spawn runs feedback and chat work off the read loop. Swapped for a
	// synchronous runner in tests.
	spawn func(name string, fn func() error)
}

// NewHandler builds the WebSocket handler.
func NewHandler(deps Deps) *Handler {
	deps.Logger = deps.Logger.With("component", "ws")
	h := &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Room access is governed by the URL itself (owner id or
			// share token), not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
	h.spawn = func(name string, fn func() error) { task.Go(deps.Logger, name, fn) }
	return h
}

// ServeOwner handles /ws/owner/{userID}/{problemID}. The room is created on
// first connect; reconnects join the existing one.
func (h *Handler) ServeOwner(w http.ResponseWriter, r *http.Request, userID, problemID string) {
	if userID == "" || problemID == "" {
		http.Error(w, "missing user or problem id", http.StatusBadRequest)
		return
	}
	room, err := h.deps.Registry.CreateRoom(r.Context(), userID, problemID)
	if err != nil {
		h.deps.Logger.Error("room create failed", "user", userID, "problem", problemID, "error", err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrade(w, r)
	if err != nil {
		return
	}
	h.serve(conn, room.ID, userID, false)
}

// ServeGuest handles /ws/guest/{token}. The share token resolves to a room;
// an unresolvable token gets a policy-violation close after the upgrade so
// the client sees a definite rejection rather than a failed handshake.
func (h *Handler) ServeGuest(w http.ResponseWriter, r *http.Request, token string) {
	conn, err := h.upgrade(w, r)
	if err != nil {
		return
	}
	room, err := h.deps.Registry.GetRoomByToken(r.Context(), token)
	if err != nil {
		h.deps.Logger.Warn("guest token rejected", "error", err)
		_ = conn.Close(websocket.ClosePolicyViolation, "invalid share token")
		return
	}
	h.serve(conn, room.ID, "", true)
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request) (*router.WSConn, error) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn("upgrade failed", "error", err)
		return nil, err
	}
	return router.NewWSConn(raw), nil
}

// serve runs the connection to completion: registration, handshake, replay,
// then the dispatch loop until the peer goes away.
func (h *Handler) serve(conn *router.WSConn, roomID, userID string, guest bool) {
	logger := h.deps.Logger.With("room", roomID, "conn_id", conn.ID())
	logger.Info("connected", "guest", guest)

	h.deps.Router.Add(conn, roomID)
	defer func() {
		conn.MarkClosed()
		h.deps.Router.Remove(conn)
		h.deps.Docs.Disconnect(roomID, conn.ID())
		logger.Info("disconnected")
	}()

	ctx := context.Background()
	if err := h.runHandshake(ctx, conn, roomID); err != nil {
		logger.Error("handshake failed", "error", err)
		_ = conn.Close(websocket.CloseInternalServerErr, "handshake failed")
		return
	}

	for {
		var msg protocol.Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("read failed", "error", err)
			}
			return
		}
		h.dispatch(ctx, conn, roomID, userID, guest, msg)
	}
}

// runHandshake brings a fresh connection up to date: document sync, the
// flattened element list, and the conversation history. Each message is
// independent; a client may act on any prefix.
func (h *Handler) runHandshake(ctx context.Context, c router.Conn, roomID string) error {
	h.deps.Docs.SetBroadcastHook(roomID, func(payload []byte, origin string) {
		h.deps.Router.BroadcastExcept(roomID, protocol.NewSyncMessage(payload), origin)
	})

	h.hydrate(ctx, roomID)

	handshake, err := h.deps.Docs.HandleConnect(roomID)
	if err != nil {
		return err
	}
	if err := c.Send(protocol.NewSyncMessage(handshake)); err != nil {
		return err
	}

	doc := h.deps.Docs.GetOrCreate(roomID)
	now := h.now().UnixMilli()
	elements := stripOrderingMetadata(doc.Elements())
	if err := c.Send(protocol.InitialElements{
		Type:      protocol.TypeInitialElements,
		Elements:  elements,
		Timestamp: now,
	}); err != nil {
		return err
	}
	if err := c.Send(protocol.SyncStatus{
		Type:         protocol.TypeSyncStatus,
		ElementCount: len(elements),
		Timestamp:    now,
	}); err != nil {
		return err
	}

	if conv := h.deps.Convos.Get(roomID); conv != nil {
		h.replayConversation(c, conv, now)
	}
	return nil
}

// hydrate seeds an empty document from the snapshot cache. Best-effort: a
// failed load leaves the document empty and the client starts fresh.
func (h *Handler) hydrate(ctx context.Context, roomID string) {
	doc := h.deps.Docs.GetOrCreate(roomID)
	if !doc.Empty() {
		return
	}
	elements, err := h.deps.Snapshots.LoadElements(ctx, roomID)
	if err != nil {
		h.deps.Logger.Warn("snapshot load failed", "room", roomID, "error", err)
		return
	}
	if len(elements) == 0 {
		return
	}
	if seeded, err := h.deps.Docs.InitializeFromSnapshot(roomID, elements); err != nil {
		h.deps.Logger.Warn("snapshot apply failed", "room", roomID, "error", err)
	} else if seeded {
		h.deps.Logger.Info("room rehydrated", "room", roomID, "elements", len(elements))
	}
}

func (h *Handler) replayConversation(c router.Conn, conv *convo.Conversation, now int64) {
	restore := protocol.ConversationRestore{
		Type:                    protocol.TypeConversationRestore,
		LatestFeedback:          conv.LatestFeedback(),
		CurrentProblemStatement: conv.ProblemStatement(),
		Timestamp:               now,
	}
	h.trySend(c, restore)

	h.trySend(c, protocol.ChatHistory{
		Type:      protocol.TypeChatHistory,
		Messages:  toEntries(conv.ChatHistory()),
		Timestamp: now,
	})
	h.trySend(c, protocol.UserCommentHistory{
		Type:      protocol.TypeUserCommentHistory,
		Comments:  toEntries(conv.UserFeedbackComments()),
		Timestamp: now,
	})
	h.trySend(c, protocol.FeedbackHistory{
		Type:      protocol.TypeFeedbackHistory,
		Feedback:  toEntries(conv.AssistantFeedback()),
		Timestamp: now,
	})

	revisions := conv.Revisions()
	statements := make([]protocol.HistoryEntry, 0, len(revisions))
	for _, rev := range revisions {
		statements = append(statements, protocol.HistoryEntry{
			Content:   rev.Statement,
			Timestamp: rev.At.UnixMilli(),
		})
	}
	h.trySend(c, protocol.ProblemStatementHistory{
		Type:       protocol.TypeProblemStatementHistory,
		Statements: statements,
		Timestamp:  now,
	})
}

func toEntries(msgs []convo.Message) []protocol.HistoryEntry {
	entries := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, protocol.HistoryEntry{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.At.UnixMilli(),
		})
	}
	return entries
}

func (h *Handler) trySend(c router.Conn, msg any) {
	if err := c.Send(msg); err != nil {
		h.deps.Logger.Warn("replay send failed", "conn_id", c.ID(), "error", err)
	}
}

// dispatch routes one inbound frame. Sync frames are answered inline;
// feedback and chat run on supervised tasks so a slow model call never
// stalls the read loop.
func (h *Handler) dispatch(ctx context.Context, c router.Conn, roomID, userID string, guest bool, msg protocol.Inbound) {
	switch msg.Type {
	case protocol.TypeYjsSync:
		reply, err := h.deps.Docs.HandleSyncMessage(roomID, c.ID(), msg.Payload)
		if err != nil {
			h.deps.Logger.Warn("sync message rejected", "room", roomID, "conn_id", c.ID(), "error", err)
			return
		}
		if reply != nil {
			h.trySend(c, protocol.NewSyncMessage(reply))
		}

	case protocol.TypeGetFeedback:
		if guest {
			h.trySend(c, protocol.ErrorStatus(msg.EventID, "guests cannot request feedback"))
			return
		}
		req := feedback.FeedbackRequest{
			RoomID:       roomID,
			EventID:      msg.EventID,
			UserComments: msg.UserComments,
			UserID:       requestUser(msg, userID),
		}
		h.spawn("feedback", func() error {
			h.deps.Orch.HandleFeedback(ctx, req, c)
			return nil
		})

	case protocol.TypeChatMessage:
		if guest {
			h.trySend(c, protocol.ErrorStatus(msg.EventID, "guests cannot use chat"))
			return
		}
		req := feedback.ChatRequest{
			RoomID:  roomID,
			EventID: msg.EventID,
			Message: msg.Message,
			UserID:  requestUser(msg, userID),
		}
		h.spawn("chat", func() error {
			h.deps.Orch.HandleChat(ctx, req, c)
			return nil
		})

	default:
		h.deps.Logger.Warn("unknown message type", "room", roomID, "type", msg.Type)
	}
}

// requestUser resolves the identity a request is billed to. The connection's
// authenticated owner always wins; the frame's userId is only a fallback for
// connections that carry no identity of their own.
func requestUser(msg protocol.Inbound, connUser string) string {
	if connUser != "" {
		return connUser
	}
	return msg.UserID
}

// stripOrderingMetadata removes the ephemeral "index" field before elements
// leave the server; it is client-local z-ordering state.
func stripOrderingMetadata(elements []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(elements))
	for _, raw := range elements {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			out = append(out, raw)
			continue
		}
		if _, ok := m["index"]; !ok {
			out = append(out, raw)
			continue
		}
		delete(m, "index")
		clean, err := json.Marshal(m)
		if err != nil {
			out = append(out, raw)
			continue
		}
		out = append(out, clean)
	}
	return out
}
