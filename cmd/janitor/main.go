package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"onboard/internal/onboarding/service"
	"onboard/internal/onboarding/store"
	"onboard/internal/platform/config"
	"onboard/internal/platform/logger"
	"onboard/internal/platform/postgres"
	"onboard/internal/platform/redis"
)

const (
	cleanupLockKey = "onboarding:cleanup:lock"
	cleanupLockTTL = 5 * time.Minute
)

// cleanupLocker is the slice of the redis client the janitor needs. A seam so
// the lock discipline is testable without a running redis.
type cleanupLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	Close() error
}

// The janitor binary is invoked by an external scheduler (cron). It takes a
// best-effort redis lock so overlapping firings on different hosts do not
// double-sweep, runs one composite cleanup, prints the report as JSON and
// exits.
func main() {
	dryRun := flag.Bool("dry-run", false, "count matching sessions without deleting")
	emergency := flag.Bool("emergency", false, "tighten the max-age threshold for incident recovery")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.IsProduction())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	janitor, err := service.NewJanitor(store.NewPostgres(db),
		service.WithJanitorLogger(log),
		service.WithThresholds(cfg.OrphanAfter, cfg.StuckAfter, cfg.MaxSessionAge),
	)
	if err != nil {
		log.Error("janitor construction failed", "error", err)
		os.Exit(1)
	}

	run := func() *service.CleanupReport {
		if *emergency {
			return janitor.EmergencyCleanup(ctx)
		}
		return janitor.RunCleanup(ctx, service.CleanupOptions{DryRun: *dryRun})
	}

	// Redis is optional; without it the run proceeds unlocked.
	var report *service.CleanupReport
	if rdb, err := redis.New(ctx, cfg.RedisURL); err != nil {
		log.Warn("redis unavailable, running without cleanup lock", "error", err)
		report = run()
	} else if rdb == nil {
		report = run()
	} else {
		report = runLocked(ctx, rdb, log, run)
	}
	if report == nil {
		return
	}

	_ = json.NewEncoder(os.Stdout).Encode(report)
	if len(report.Errors) > 0 {
		os.Exit(1)
	}
}

// runLocked executes run under the cross-host cleanup lock and returns nil
// when another holder owns it. The lock is released before the client closes;
// a run that kept the lock for the full TTL would wrongly skip the next cron
// firing.
func runLocked(ctx context.Context, rdb cleanupLocker, log *slog.Logger, run func() *service.CleanupReport) *service.CleanupReport {
	defer rdb.Close()

	held, err := rdb.AcquireLock(ctx, cleanupLockKey, cleanupLockTTL)
	if err != nil {
		log.Warn("cleanup lock acquisition failed, running unlocked", "error", err)
		return run()
	}
	if !held {
		log.Info("cleanup lock held elsewhere, skipping run")
		return nil
	}
	defer func() {
		if err := rdb.ReleaseLock(context.Background(), cleanupLockKey); err != nil {
			log.Warn("cleanup lock release failed", "error", err)
		}
	}()
	return run()
}
