package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-relay/internal/audit"
	"voice-relay/internal/auth"
	"voice-relay/internal/calls"
	"voice-relay/internal/config"
	"voice-relay/internal/migrations"
	"voice-relay/internal/placement"
	"voice-relay/internal/relay"
	"voice-relay/internal/reporting"
	"voice-relay/pkg/logger"
	"voice-relay/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := migrations.Up(rootCtx, db); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	callRepo := calls.NewPostgresRepo(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	// The provider client places outbound calls. Without credentials (local
	// runs, CI) a stub acknowledges placements immediately.
	var placer placement.Client
	if cfg.Provider.BaseURL != "" {
		placer = placement.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	} else {
		log.Warn("provider credentials missing, using stub placement client")
		placer = &placement.StubClient{}
	}

	callSvc := calls.NewService(callRepo, calls.NewRedisSequencer(rdb, callRepo), calls.ServiceConfig{
		Placer:             placer,
		Audit:              auditSvc,
		Redis:              rdb,
		MaxConcurrentCalls: cfg.Relay.MaxConcurrentCalls,
		Logger:             log,
	})

	hub := relay.NewHub(callSvc, relay.HubConfig{
		SendBuffer: cfg.Relay.SendBuffer,
		Logger:     log,
	})

	reportSvc := reporting.NewService(callRepo)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:       cfg,
		auth:      authManager,
		calls:     callSvc,
		hub:       hub,
		reporting: reportSvc,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays zero: the relay holds WebSocket connections open
		// for the life of a call. Per-write deadlines live in the transport.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	hub.Shutdown()
}
