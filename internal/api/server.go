// Package api provides the HTTP surface: the WebSocket routes, the share
// token endpoints, and health checks.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/drawbridge-io/drawbridge/internal/config"
	"github.com/drawbridge-io/drawbridge/internal/registry"
	"github.com/drawbridge-io/drawbridge/internal/ws"
)

// Server is the HTTP API server.
type Server struct {
	registry  registry.Registry
	wsHandler *ws.Handler
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
}

// NewServer creates the API server and mounts all routes.
func NewServer(reg registry.Registry, wsh *ws.Handler, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		registry:  reg,
		wsHandler: wsh,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))
	mux.Use(chimw.RequestSize(cfg.Server.MaxBodyBytes))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket routes
	mux.Get("/ws/owner/{userID}/{problemID}", srv.handleOwnerWS)
	mux.Get("/ws/guest/{token}", srv.handleGuestWS)

	// Share token endpoints
	mux.Post("/api/rooms/{ownerID}/{problemID}/token", srv.handleRotateToken)
	mux.Get("/api/rooms/token/{token}", srv.handleResolveToken)

	srv.mux = mux
	return srv
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleOwnerWS(w http.ResponseWriter, r *http.Request) {
	s.wsHandler.ServeOwner(w, r, chi.URLParam(r, "userID"), chi.URLParam(r, "problemID"))
}

func (s *Server) handleGuestWS(w http.ResponseWriter, r *http.Request) {
	s.wsHandler.ServeGuest(w, r, chi.URLParam(r, "token"))
}

// handleRotateToken regenerates a room's share token. The caller asserts
// identity via X-User-ID; only the owner may rotate.
func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	problemID := chi.URLParam(r, "problemID")
	requester := r.Header.Get("X-User-ID")
	if requester == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID")
		return
	}

	token, err := s.registry.RegenerateToken(r.Context(), registry.RoomID(ownerID, problemID), requester)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not the room owner")
	case err != nil:
		s.logger.Error("token rotation failed", "room", registry.RoomID(ownerID, problemID), "error", err)
		writeError(w, http.StatusInternalServerError, "token rotation failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

// handleResolveToken lets a guest UI validate a share link before opening
// the WebSocket. The token itself is not echoed back.
func (s *Server) handleResolveToken(w http.ResponseWriter, r *http.Request) {
	room, err := s.registry.GetRoomByToken(r.Context(), chi.URLParam(r, "token"))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "invalid share token")
	case err != nil:
		s.logger.Error("token resolution failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token resolution failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"room_id":    room.ID,
			"problem_id": room.ProblemID,
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.registry.GetRoom(r.Context(), "readyz/probe"); err != nil && !errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "registry unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
