// Package hub is the composition root: it builds every component from
// configuration and runs the HTTP server.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/drawbridge-io/drawbridge/internal/ai"
	"github.com/drawbridge-io/drawbridge/internal/api"
	"github.com/drawbridge-io/drawbridge/internal/config"
	"github.com/drawbridge-io/drawbridge/internal/convo"
	"github.com/drawbridge-io/drawbridge/internal/docstore"
	"github.com/drawbridge-io/drawbridge/internal/feedback"
	"github.com/drawbridge-io/drawbridge/internal/problem"
	"github.com/drawbridge-io/drawbridge/internal/registry"
	"github.com/drawbridge-io/drawbridge/internal/router"
	"github.com/drawbridge-io/drawbridge/internal/snapshot"
	"github.com/drawbridge-io/drawbridge/internal/usage"
	"github.com/drawbridge-io/drawbridge/internal/ws"
)

// Hub is the assembled server process.
type Hub struct {
	cfg    *config.Config
	api    *api.Server
	rdb    *redis.Client // nil when redis is not configured
	logger *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	var (
		rdb   *redis.Client
		reg   registry.Registry
		snaps *snapshot.Cache
		meter usage.Provider = usage.Unlimited{}
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		reg = registry.NewRedisWithClient(rdb, cfg.Redis.KeyPrefix)
		snaps = snapshot.New(rdb, cfg.Redis.KeyPrefix, 0)
		if cfg.Usage.Metered {
			meter = usage.NewRedisLedger(rdb, cfg.Redis.KeyPrefix, cfg.Usage.InitialCredits)
		}
	} else {
		reg = registry.NewMemory(cfg.Rooms.RegistryCapacity)
		logger.Warn("redis not configured, rooms and snapshots are process-local")
	}

	catalog := problem.NewMemoryCatalog()
	if cfg.Problems.CatalogPath != "" {
		if err := catalog.LoadFile(cfg.Problems.CatalogPath); err != nil {
			if rdb != nil {
				_ = rdb.Close()
			}
			return nil, fmt.Errorf("load problem catalog: %w", err)
		}
	}

	rt := router.New(logger)
	replica := "server-" + uuid.New().String()[:8]
	docs := docstore.New(cfg.Rooms.DocumentCapacity, rt, replica, logger)
	convos := convo.NewManager()

	model := ai.NewHTTPClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Timeout.Duration)

	orch := feedback.New(feedback.Deps{
		Catalog:   catalog,
		Usage:     meter,
		Convos:    convos,
		Docs:      docs,
		Router:    rt,
		AI:        model,
		Snapshots: snaps,
		Logger:    logger,
		Model:     cfg.AI.Model,
		MaxTokens: cfg.AI.MaxTokens,
	})

	wsh := ws.NewHandler(ws.Deps{
		Registry:  reg,
		Docs:      docs,
		Router:    rt,
		Convos:    convos,
		Orch:      orch,
		Snapshots: snaps,
		Logger:    logger,
	})

	return &Hub{
		cfg:    cfg,
		api:    api.NewServer(reg, wsh, cfg, logger),
		rdb:    rdb,
		logger: logger.With("component", "hub"),
	}, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.close()
		return err
	}
}

func (h *Hub) close() {
	if h.rdb != nil {
		_ = h.rdb.Close()
	}
}
