package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/drawbridge-io/drawbridge/internal/ai"
	"github.com/drawbridge-io/drawbridge/internal/convo"
	"github.com/drawbridge-io/drawbridge/internal/docstore"
	"github.com/drawbridge-io/drawbridge/internal/feedback"
	"github.com/drawbridge-io/drawbridge/internal/problem"
	"github.com/drawbridge-io/drawbridge/internal/registry"
	"github.com/drawbridge-io/drawbridge/internal/router"
	"github.com/drawbridge-io/drawbridge/internal/snapshot"
	"github.com/drawbridge-io/drawbridge/internal/usage"
	"github.com/drawbridge-io/drawbridge/pkg/protocol"
)

type fakeConn struct {
	id string
	mu sync.Mutex

	sent []any
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}
func (c *fakeConn) Ready() bool                         { return true }
func (c *fakeConn) Close(code int, reason string) error { return nil }

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

type stubAI struct {
	resp *ai.Response
}

func (s *stubAI) CreateMessage(context.Context, ai.Request) (*ai.Response, error) {
	return s.resp, nil
}

func feedbackResponse(t *testing.T, text string) *ai.Response {
	t.Helper()
	input, err := json.Marshal(map[string]any{"feedback": text})
	if err != nil {
		t.Fatal(err)
	}
	return &ai.Response{Content: []ai.ContentBlock{
		{Type: "tool_use", Name: "design_feedback", Input: input},
	}}
}

type testEnv struct {
	handler *Handler
	router  *router.Router
	docs    *docstore.Store
	convos  *convo.Manager
	snaps   *snapshot.Cache
}

func setupTestHandler(t *testing.T, model ai.Client) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := router.New(logger)
	docs := docstore.New(16, rt, "srv-test", logger)
	convos := convo.NewManager()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	snaps := snapshot.New(client, "test:", 0)

	if model == nil {
		model = &stubAI{resp: feedbackResponse(t, "fine")}
	}
	orch := feedback.New(feedback.Deps{
		Catalog:   problem.NewMemoryCatalog(),
		Usage:     usage.Unlimited{},
		Convos:    convos,
		Docs:      docs,
		Router:    rt,
		AI:        model,
		Snapshots: snaps,
		Logger:    logger,
		Model:     "test-model",
		MaxTokens: 1024,
	})
	h := NewHandler(Deps{
		Registry:  registry.NewMemory(64),
		Docs:      docs,
		Router:    rt,
		Convos:    convos,
		Orch:      orch,
		Snapshots: snaps,
		Logger:    logger,
	})
	h.spawn = func(name string, fn func() error) { _ = fn() }
	return &testEnv{handler: h, router: rt, docs: docs, convos: convos, snaps: snaps}
}

func TestHandshakeMessageOrder(t *testing.T) {
	env := setupTestHandler(t, nil)
	env.docs.GetOrCreate("u1/chat-app").UpsertElement("db",
		json.RawMessage(`{"id":"db","type":"rectangle","index":"a3"}`))

	c := &fakeConn{id: "c1"}
	if err := env.handler.runHandshake(context.Background(), c, "u1/chat-app"); err != nil {
		t.Fatal(err)
	}

	msgs := c.messages()
	if len(msgs) < 3 {
		t.Fatalf("got %d handshake messages, want at least 3", len(msgs))
	}
	if _, ok := msgs[0].(protocol.SyncMessage); !ok {
		t.Errorf("first message = %T, want SyncMessage", msgs[0])
	}
	initial, ok := msgs[1].(protocol.InitialElements)
	if !ok {
		t.Fatalf("second message = %T, want InitialElements", msgs[1])
	}
	if len(initial.Elements) != 1 {
		t.Fatalf("initial elements = %d", len(initial.Elements))
	}
	var el map[string]any
	if err := json.Unmarshal(initial.Elements[0], &el); err != nil {
		t.Fatal(err)
	}
	if _, present := el["index"]; present {
		t.Error("ordering metadata not stripped from initial elements")
	}
	status, ok := msgs[2].(protocol.SyncStatus)
	if !ok || status.ElementCount != 1 {
		t.Errorf("third message = %+v, want sync status with count 1", msgs[2])
	}
}

func TestHandshakeSkipsReplayWithoutConversation(t *testing.T) {
	env := setupTestHandler(t, nil)
	c := &fakeConn{id: "c1"}
	if err := env.handler.runHandshake(context.Background(), c, "u1/chat-app"); err != nil {
		t.Fatal(err)
	}
	for _, m := range c.messages() {
		switch m.(type) {
		case protocol.ConversationRestore, protocol.ChatHistory:
			t.Errorf("conversation replay for a room with no conversation: %T", m)
		}
	}
}

func TestReconnectReplaysHistory(t *testing.T) {
	env := setupTestHandler(t, &stubAI{resp: feedbackResponse(t, "use a queue")})

	// One feedback round, then a reconnect.
	first := &fakeConn{id: "c1"}
	env.router.Add(first, "u1/chat-app")
	env.handler.dispatch(context.Background(), first, "u1/chat-app", "u1", false, protocol.Inbound{
		Type: protocol.TypeGetFeedback, EventID: "ev1", UserComments: "my design",
	})
	env.router.Remove(first)

	second := &fakeConn{id: "c2"}
	if err := env.handler.runHandshake(context.Background(), second, "u1/chat-app"); err != nil {
		t.Fatal(err)
	}

	var restore *protocol.ConversationRestore
	var comments *protocol.UserCommentHistory
	var fbHistory *protocol.FeedbackHistory
	for _, m := range second.messages() {
		switch v := m.(type) {
		case protocol.ConversationRestore:
			restore = &v
		case protocol.UserCommentHistory:
			comments = &v
		case protocol.FeedbackHistory:
			fbHistory = &v
		}
	}
	if restore == nil || restore.LatestFeedback != "use a queue" {
		t.Fatalf("restore = %+v", restore)
	}
	if comments == nil || len(comments.Comments) != 1 {
		t.Fatalf("comments = %+v", comments)
	}
	if comments.Comments[0].Content != "my design" {
		t.Errorf("replayed comment = %q, want the bare human text", comments.Comments[0].Content)
	}
	if comments.Comments[0].Role != convo.RoleUser {
		t.Errorf("replayed comment role = %q", comments.Comments[0].Role)
	}
	if comments.Comments[0].Timestamp == 0 {
		t.Error("replayed comment carries no timestamp")
	}
	if fbHistory == nil || len(fbHistory.Feedback) != 1 {
		t.Fatalf("feedback history = %+v (seed must be excluded)", fbHistory)
	}
}

func TestGuestCannotRequestFeedbackOrChat(t *testing.T) {
	env := setupTestHandler(t, nil)
	c := &fakeConn{id: "g1"}

	env.handler.dispatch(context.Background(), c, "u1/chat-app", "", true, protocol.Inbound{
		Type: protocol.TypeGetFeedback, EventID: "ev1",
	})
	env.handler.dispatch(context.Background(), c, "u1/chat-app", "", true, protocol.Inbound{
		Type: protocol.TypeChatMessage, EventID: "ev2", Message: "hi",
	})

	msgs := c.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 error statuses", len(msgs))
	}
	for _, m := range msgs {
		s, ok := m.(protocol.Status)
		if !ok || s.Status != protocol.StatusError {
			t.Errorf("guest reply = %+v, want error status", m)
		}
	}
	if env.convos.Get("u1/chat-app") != nil {
		t.Error("guest request created a conversation")
	}
}

func TestSyncDispatchRepliesToOriginOnly(t *testing.T) {
	env := setupTestHandler(t, nil)
	env.docs.GetOrCreate("u1/chat-app").UpsertElement("db", json.RawMessage(`{"id":"db"}`))

	// A peer document that knows nothing sends its state request.
	peerDocs := docstore.New(4, nil, "peer", slog.New(slog.NewTextHandler(io.Discard, nil)))
	request, err := peerDocs.HandleConnect("u1/chat-app")
	if err != nil {
		t.Fatal(err)
	}

	origin := &fakeConn{id: "c1"}
	other := &fakeConn{id: "c2"}
	env.router.Add(origin, "u1/chat-app")
	env.router.Add(other, "u1/chat-app")

	env.handler.dispatch(context.Background(), origin, "u1/chat-app", "u1", false, protocol.Inbound{
		Type: protocol.TypeYjsSync, Payload: protocol.BytePayload(request),
	})

	if len(origin.messages()) != 1 {
		t.Fatalf("origin messages = %d, want 1 sync reply", len(origin.messages()))
	}
	if _, ok := origin.messages()[0].(protocol.SyncMessage); !ok {
		t.Errorf("reply = %T", origin.messages()[0])
	}
	if len(other.messages()) != 0 {
		t.Errorf("state response leaked to other conns: %+v", other.messages())
	}
}

func TestUpdateBroadcastExcludesOrigin(t *testing.T) {
	env := setupTestHandler(t, nil)

	origin := &fakeConn{id: "c1"}
	other := &fakeConn{id: "c2"}
	env.router.Add(origin, "u1/chat-app")
	env.router.Add(other, "u1/chat-app")

	// Handshake wires the broadcast hook.
	if err := env.handler.runHandshake(context.Background(), origin, "u1/chat-app"); err != nil {
		t.Fatal(err)
	}
	originCount := len(origin.messages())

	// An update arriving from origin must reach other but not echo back.
	peerDocs := docstore.New(4, nil, "peer", slog.New(slog.NewTextHandler(io.Discard, nil)))
	peerDocs.GetOrCreate("u1/chat-app").UpsertElement("api", json.RawMessage(`{"id":"api"}`))
	request, err := env.docs.HandleConnect("u1/chat-app")
	if err != nil {
		t.Fatal(err)
	}
	update, err := peerDocs.HandleSyncMessage("u1/chat-app", "peer-conn", request)
	if err != nil || update == nil {
		t.Fatalf("no state response from peer: %v", err)
	}

	env.handler.dispatch(context.Background(), origin, "u1/chat-app", "u1", false, protocol.Inbound{
		Type: protocol.TypeYjsSync, Payload: protocol.BytePayload(update),
	})

	if len(origin.messages()) != originCount {
		t.Errorf("update echoed to origin: %+v", origin.messages()[originCount:])
	}
	foundSync := false
	for _, m := range other.messages() {
		if _, ok := m.(protocol.SyncMessage); ok {
			foundSync = true
		}
	}
	if !foundSync {
		t.Error("update not broadcast to the other connection")
	}
}

func TestHydrateFromSnapshot(t *testing.T) {
	env := setupTestHandler(t, nil)
	ctx := context.Background()

	elements := []json.RawMessage{json.RawMessage(`{"id":"db","type":"rectangle"}`)}
	if err := env.snaps.SaveElements(ctx, "u1/chat-app", elements); err != nil {
		t.Fatal(err)
	}

	c := &fakeConn{id: "c1"}
	if err := env.handler.runHandshake(ctx, c, "u1/chat-app"); err != nil {
		t.Fatal(err)
	}

	for _, m := range c.messages() {
		if initial, ok := m.(protocol.InitialElements); ok {
			if len(initial.Elements) != 1 {
				t.Errorf("rehydrated elements = %d, want 1", len(initial.Elements))
			}
			return
		}
	}
	t.Fatal("no initial_elements message")
}

func TestUnknownTypeIgnored(t *testing.T) {
	env := setupTestHandler(t, nil)
	c := &fakeConn{id: "c1"}
	env.handler.dispatch(context.Background(), c, "u1/chat-app", "u1", false, protocol.Inbound{
		Type: "telemetry",
	})
	if len(c.messages()) != 0 {
		t.Errorf("unknown type produced replies: %+v", c.messages())
	}
}

func TestRequestUserIgnoresSpoofedID(t *testing.T) {
	msg := protocol.Inbound{UserID: "victim"}
	if got := requestUser(msg, "u1"); got != "u1" {
		t.Errorf("requestUser = %q, want the connection owner", got)
	}
	if got := requestUser(msg, ""); got != "victim" {
		t.Errorf("requestUser with no conn identity = %q, want frame userId", got)
	}
}
