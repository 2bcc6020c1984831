package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"onboard/internal/onboarding/codec"
	"onboard/internal/onboarding/metrics"
	"onboard/internal/onboarding/service"
	"onboard/internal/onboarding/store"
	"onboard/internal/platform/config"
	"onboard/internal/platform/httpserver"
	"onboard/internal/platform/logger"
	"onboard/internal/platform/postgres"
	transport "onboard/internal/transport/http"
)

// main wires dependencies once and keeps the server lifecycle small. Business
// logic lives in the service packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		// Config failures (like a missing production master secret) must not
		// be papered over.
		panic(err)
	}
	log := logger.New(cfg.IsProduction())

	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cdc, err := codec.New(cfg.MasterSecret)
	if err != nil {
		log.Error("codec construction failed", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	rows := store.NewPostgres(db)

	sessions, err := service.NewSessions(rows, cdc,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithSessionTTL(cfg.SessionTTL),
		service.WithMaxSessionsPerIP(cfg.MaxSessionsPerIP),
	)
	if err != nil {
		log.Error("session service construction failed", "error", err)
		os.Exit(1)
	}
	recovery, err := service.NewRecovery(sessions, service.WithRecoveryLogger(log))
	if err != nil {
		log.Error("recovery service construction failed", "error", err)
		os.Exit(1)
	}
	janitor, err := service.NewJanitor(rows,
		service.WithJanitorLogger(log),
		service.WithJanitorMetrics(m),
		service.WithThresholds(cfg.OrphanAfter, cfg.StuckAfter, cfg.MaxSessionAge),
	)
	if err != nil {
		log.Error("janitor construction failed", "error", err)
		os.Exit(1)
	}

	handler := transport.New(sessions, recovery, janitor, log, cfg.CSRFMaxAge)
	srv := httpserver.New(cfg.Addr, transport.NewRouter(handler))

	log.Info("starting onboarding service", "addr", cfg.Addr, "env", cfg.Env)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
