package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"onboard/internal/onboarding/metrics"
)

// Default staleness thresholds. Each policy is independent; a session can be
// eligible for several at once and whichever sweep runs first removes it.
const (
	DefaultOrphanAfter     = 24 * time.Hour
	DefaultStuckAfter      = 6 * time.Hour
	DefaultMaxSessionAge   = 72 * time.Hour
	DefaultEmergencyMaxAge = 24 * time.Hour
)

// CleanupOptions tunes a composite cleanup run.
type CleanupOptions struct {
	// DryRun counts matching sessions without deleting them.
	DryRun bool
	// MaxAge overrides the "old" policy threshold; zero keeps the default.
	MaxAge time.Duration
}

// CleanupReport aggregates one composite run. A single policy's failure is
// recorded in Errors and does not abort the remaining policies.
type CleanupReport struct {
	Expired  int           `json:"expired"`
	Orphaned int           `json:"orphaned"`
	Stuck    int           `json:"stuck"`
	Old      int           `json:"old"`
	Total    int           `json:"total"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
	DryRun   bool          `json:"dry_run"`
}

// CleanupStats are read-only per-policy counts for dashboards.
type CleanupStats struct {
	Expired  int `json:"expired"`
	Orphaned int `json:"orphaned"`
	Stuck    int `json:"stuck"`
	Old      int `json:"old"`
}

// Janitor removes stale onboarding sessions. It is driven by an external
// scheduler; it holds no timer state of its own.
type Janitor struct {
	store           RowStore
	logger          *slog.Logger
	clock           Clock
	metrics         *metrics.Metrics
	orphanAfter     time.Duration
	stuckAfter      time.Duration
	maxAge          time.Duration
	emergencyMaxAge time.Duration
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

func WithJanitorLogger(logger *slog.Logger) JanitorOption {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

func WithJanitorClock(clock Clock) JanitorOption {
	return func(j *Janitor) {
		if clock != nil {
			j.clock = clock
		}
	}
}

func WithJanitorMetrics(m *metrics.Metrics) JanitorOption {
	return func(j *Janitor) {
		j.metrics = m
	}
}

// WithThresholds overrides the staleness windows. Zero values keep defaults.
func WithThresholds(orphanAfter, stuckAfter, maxAge time.Duration) JanitorOption {
	return func(j *Janitor) {
		if orphanAfter > 0 {
			j.orphanAfter = orphanAfter
		}
		if stuckAfter > 0 {
			j.stuckAfter = stuckAfter
		}
		if maxAge > 0 {
			j.maxAge = maxAge
		}
	}
}

// NewJanitor constructs the cleanup service.
func NewJanitor(rows RowStore, opts ...JanitorOption) (*Janitor, error) {
	if rows == nil {
		return nil, fmt.Errorf("row store is required")
	}
	j := &Janitor{
		store:           rows,
		logger:          slog.Default(),
		clock:           time.Now,
		orphanAfter:     DefaultOrphanAfter,
		stuckAfter:      DefaultStuckAfter,
		maxAge:          DefaultMaxSessionAge,
		emergencyMaxAge: DefaultEmergencyMaxAge,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j, nil
}

// CleanupExpired removes sessions past their expiry.
func (j *Janitor) CleanupExpired(ctx context.Context, dryRun bool) (int, error) {
	now := j.clock()
	if dryRun {
		return j.store.CountExpired(ctx, now)
	}
	n, err := j.store.DeleteExpired(ctx, now)
	j.recordSweep(ctx, "expired", n, err)
	return n, err
}

// CleanupOrphaned removes live, uncompleted sessions with no step progress
// for the orphan window.
func (j *Janitor) CleanupOrphaned(ctx context.Context, dryRun bool) (int, error) {
	now := j.clock()
	cutoff := now.Add(-j.orphanAfter)
	if dryRun {
		return j.store.CountOrphaned(ctx, now, cutoff)
	}
	n, err := j.store.DeleteOrphaned(ctx, now, cutoff)
	j.recordSweep(ctx, "orphaned", n, err)
	return n, err
}

// CleanupStuck removes uncompleted sessions that never advanced past step 1
// within the grace window after creation.
func (j *Janitor) CleanupStuck(ctx context.Context, dryRun bool) (int, error) {
	cutoff := j.clock().Add(-j.stuckAfter)
	if dryRun {
		return j.store.CountStuck(ctx, cutoff)
	}
	n, err := j.store.DeleteStuck(ctx, cutoff)
	j.recordSweep(ctx, "stuck", n, err)
	return n, err
}

// CleanupOld removes uncompleted sessions older than maxAge regardless of
// step. A zero maxAge uses the configured default.
func (j *Janitor) CleanupOld(ctx context.Context, dryRun bool, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = j.maxAge
	}
	cutoff := j.clock().Add(-maxAge)
	if dryRun {
		return j.store.CountOld(ctx, cutoff)
	}
	n, err := j.store.DeleteOld(ctx, cutoff)
	j.recordSweep(ctx, "old", n, err)
	return n, err
}

// RunCleanup runs the four policies in sequence and aggregates counts. One
// policy's failure is isolated; the others still run.
func (j *Janitor) RunCleanup(ctx context.Context, opts CleanupOptions) *CleanupReport {
	start := j.clock()
	report := &CleanupReport{DryRun: opts.DryRun}

	run := func(policy string, count *int, sweep func() (int, error)) {
		n, err := sweep()
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", policy, err))
			j.logger.ErrorContext(ctx, "cleanup policy failed", "policy", policy, "error", err)
			return
		}
		*count = n
		report.Total += n
	}

	run("expired", &report.Expired, func() (int, error) { return j.CleanupExpired(ctx, opts.DryRun) })
	run("orphaned", &report.Orphaned, func() (int, error) { return j.CleanupOrphaned(ctx, opts.DryRun) })
	run("stuck", &report.Stuck, func() (int, error) { return j.CleanupStuck(ctx, opts.DryRun) })
	run("old", &report.Old, func() (int, error) { return j.CleanupOld(ctx, opts.DryRun, opts.MaxAge) })

	report.Duration = j.clock().Sub(start)
	j.logger.InfoContext(ctx, "cleanup run finished",
		"total", report.Total,
		"dry_run", opts.DryRun,
		"errors", len(report.Errors),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

// EmergencyCleanup is RunCleanup with the tightened max-age threshold, for
// incident recovery.
func (j *Janitor) EmergencyCleanup(ctx context.Context) *CleanupReport {
	return j.RunCleanup(ctx, CleanupOptions{MaxAge: j.emergencyMaxAge})
}

// GetCleanupStats reports per-policy counts without deleting anything. The
// four counts are independent reads and run concurrently.
func (j *Janitor) GetCleanupStats(ctx context.Context) (*CleanupStats, error) {
	now := j.clock()
	stats := &CleanupStats{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		stats.Expired, err = j.store.CountExpired(gctx, now)
		return err
	})
	g.Go(func() (err error) {
		stats.Orphaned, err = j.store.CountOrphaned(gctx, now, now.Add(-j.orphanAfter))
		return err
	})
	g.Go(func() (err error) {
		stats.Stuck, err = j.store.CountStuck(gctx, now.Add(-j.stuckAfter))
		return err
	})
	g.Go(func() (err error) {
		stats.Old, err = j.store.CountOld(gctx, now.Add(-j.maxAge))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cleanup stats: %w", err)
	}
	return stats, nil
}

func (j *Janitor) recordSweep(ctx context.Context, policy string, n int, err error) {
	if err != nil || n == 0 {
		return
	}
	if j.metrics != nil {
		j.metrics.SessionsSwept.WithLabelValues(policy).Add(float64(n))
	}
	j.logger.InfoContext(ctx, "swept stale sessions", "policy", policy, "count", n)
}
