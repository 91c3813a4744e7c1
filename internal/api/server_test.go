package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drawbridge-io/drawbridge/internal/ai"
	"github.com/drawbridge-io/drawbridge/internal/config"
	"github.com/drawbridge-io/drawbridge/internal/convo"
	"github.com/drawbridge-io/drawbridge/internal/docstore"
	"github.com/drawbridge-io/drawbridge/internal/feedback"
	"github.com/drawbridge-io/drawbridge/internal/problem"
	"github.com/drawbridge-io/drawbridge/internal/registry"
	"github.com/drawbridge-io/drawbridge/internal/router"
	"github.com/drawbridge-io/drawbridge/internal/usage"
	"github.com/drawbridge-io/drawbridge/internal/ws"
)

type noopAI struct{}

func (noopAI) CreateMessage(context.Context, ai.Request) (*ai.Response, error) {
	return &ai.Response{}, nil
}

func setupTestServer(t *testing.T) (*Server, registry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewMemory(64)
	rt := router.New(logger)
	docs := docstore.New(16, rt, "srv-test", logger)
	convos := convo.NewManager()
	orch := feedback.New(feedback.Deps{
		Catalog:   problem.NewMemoryCatalog(),
		Usage:     usage.Unlimited{},
		Convos:    convos,
		Docs:      docs,
		Router:    rt,
		AI:        noopAI{},
		Logger:    logger,
		Model:     "test-model",
		MaxTokens: 256,
	})
	wsh := ws.NewHandler(ws.Deps{
		Registry: reg,
		Docs:     docs,
		Router:   rt,
		Convos:   convos,
		Orch:     orch,
		Logger:   logger,
	})

	cfg := config.Default()
	return NewServer(reg, wsh, cfg, logger), reg
}

func TestHealthz(t *testing.T) {
	srv, _ := setupTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestRotateToken(t *testing.T) {
	srv, reg := setupTestServer(t)
	room, err := reg.CreateRoom(context.Background(), "u1", "chat-app")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/api/rooms/u1/chat-app/token", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("rotate = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["token"] == "" || body["token"] == room.ShareToken {
		t.Errorf("token = %q, want a fresh token", body["token"])
	}
}

func TestRotateTokenAuth(t *testing.T) {
	srv, reg := setupTestServer(t)
	if _, err := reg.CreateRoom(context.Background(), "u1", "chat-app"); err != nil {
		t.Fatal(err)
	}

	// Wrong user.
	req := httptest.NewRequest("POST", "/api/rooms/u1/chat-app/token", nil)
	req.Header.Set("X-User-ID", "intruder")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong user = %d, want 403", rec.Code)
	}

	// No identity header.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/rooms/u1/chat-app/token", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header = %d, want 401", rec.Code)
	}

	// Unknown room.
	req = httptest.NewRequest("POST", "/api/rooms/u2/chat-app/token", nil)
	req.Header.Set("X-User-ID", "u2")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown room = %d, want 404", rec.Code)
	}
}

func TestResolveToken(t *testing.T) {
	srv, reg := setupTestServer(t)
	room, err := reg.CreateRoom(context.Background(), "u1", "chat-app")
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/rooms/token/"+room.ShareToken, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["room_id"] != "u1/chat-app" {
		t.Errorf("room_id = %q", body["room_id"])
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/rooms/token/deadbeef", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("bad token = %d, want 404", rec.Code)
	}
}

func dialWS(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestOwnerWebSocketHandshake(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL, "/ws/owner/u1/chat-app")

	want := []string{"yjs-sync", "initial_elements", "sync_status"}
	for _, wantType := range want {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read %s: %v", wantType, err)
		}
		if msg["type"] != wantType {
			t.Fatalf("type = %v, want %s", msg["type"], wantType)
		}
	}
}

func TestGuestInvalidTokenClosed(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL, "/ws/guest/deadbeef")

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read err = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}
