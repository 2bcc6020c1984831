package service

import (
	"context"
	"time"

	"onboard/internal/onboarding/models"
	"onboard/internal/onboarding/store"
)

// Clock supplies the current time so time-dependent rules are testable.
type Clock func() time.Time

// RowStore is the pure-I/O persistence port the services drive. Stores never
// compute business cutoffs; callers pass explicit timestamps.
type RowStore interface {
	Insert(ctx context.Context, row *store.SessionRow) error
	FindByIDAndTokenHash(ctx context.Context, id, tokenHash string) (*store.SessionRow, error)
	UpdateRow(ctx context.Context, row *store.SessionRow) (bool, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
	ActiveIDsByIP(ctx context.Context, ip string, now time.Time) ([]string, error)

	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	CountExpired(ctx context.Context, now time.Time) (int, error)
	CountOrphaned(ctx context.Context, now, updatedBefore time.Time) (int, error)
	DeleteOrphaned(ctx context.Context, now, updatedBefore time.Time) (int, error)
	CountStuck(ctx context.Context, createdBefore time.Time) (int, error)
	DeleteStuck(ctx context.Context, createdBefore time.Time) (int, error)
	CountOld(ctx context.Context, createdBefore time.Time) (int, error)
	DeleteOld(ctx context.Context, createdBefore time.Time) (int, error)

	Stats(ctx context.Context, now time.Time) (*models.SessionStats, error)
}
