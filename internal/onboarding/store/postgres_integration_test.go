//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"onboard/internal/onboarding/store"
	"onboard/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	s.postgres.Terminate(context.Background())
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "onboarding_sessions"))
}

func (s *PostgresStoreSuite) newRow(mutate func(*store.SessionRow)) *store.SessionRow {
	ip := "203.0.113.7"
	ua := "test-agent"
	row := &store.SessionRow{
		ID:          uuid.NewString(),
		TokenHash:   "hash-" + uuid.NewString(),
		CurrentStep: 1,
		StateEnc:    "blob",
		CreatedAt:   s.now,
		ExpiresAt:   s.now.Add(24 * time.Hour),
		UpdatedAt:   s.now,
		UserAgent:   &ua,
		IPAddress:   &ip,
		CSRFToken:   "0123456789abcdef0123456789abcdef",
	}
	if mutate != nil {
		mutate(row)
	}
	return row
}

func (s *PostgresStoreSuite) TestInsertAndFind() {
	ctx := context.Background()
	row := s.newRow(nil)
	s.Require().NoError(s.store.Insert(ctx, row))

	got, err := s.store.FindByIDAndTokenHash(ctx, row.ID, row.TokenHash)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(row.StateEnc, got.StateEnc)
	s.Equal(row.CurrentStep, got.CurrentStep)
	s.Require().NotNil(got.IPAddress)
	s.Equal("203.0.113.7", *got.IPAddress)
	s.True(row.ExpiresAt.Equal(got.ExpiresAt))

	got, err = s.store.FindByIDAndTokenHash(ctx, row.ID, "wrong-hash")
	s.Require().NoError(err)
	s.Nil(got)

	got, err = s.store.FindByIDAndTokenHash(ctx, uuid.NewString(), row.TokenHash)
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *PostgresStoreSuite) TestNullableOriginColumns() {
	ctx := context.Background()
	row := s.newRow(func(r *store.SessionRow) {
		r.UserAgent = nil
		r.IPAddress = nil
	})
	s.Require().NoError(s.store.Insert(ctx, row))

	got, err := s.store.FindByIDAndTokenHash(ctx, row.ID, row.TokenHash)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Nil(got.UserAgent)
	s.Nil(got.IPAddress)
}

func (s *PostgresStoreSuite) TestUpdateRow() {
	ctx := context.Background()
	row := s.newRow(nil)
	s.Require().NoError(s.store.Insert(ctx, row))

	upd := row.Clone()
	upd.CurrentStep = 3
	upd.StateEnc = "blob2"
	upd.IsCompleted = true
	upd.UpdatedAt = s.now.Add(time.Minute)
	ok, err := s.store.UpdateRow(ctx, upd)
	s.Require().NoError(err)
	s.True(ok)

	got, err := s.store.FindByIDAndTokenHash(ctx, row.ID, row.TokenHash)
	s.Require().NoError(err)
	s.Equal(3, got.CurrentStep)
	s.Equal("blob2", got.StateEnc)
	s.True(got.IsCompleted)

	upd.ID = uuid.NewString()
	ok, err = s.store.UpdateRow(ctx, upd)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *PostgresStoreSuite) TestDeleteByIDs() {
	ctx := context.Background()
	a := s.newRow(nil)
	b := s.newRow(nil)
	s.Require().NoError(s.store.Insert(ctx, a))
	s.Require().NoError(s.store.Insert(ctx, b))

	n, err := s.store.DeleteByIDs(ctx, []string{a.ID, b.ID, uuid.NewString()})
	s.Require().NoError(err)
	s.Equal(2, n)

	ok, err := s.store.DeleteByID(ctx, a.ID)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *PostgresStoreSuite) TestActiveIDsByIPOrdersOldestFirst() {
	ctx := context.Background()
	oldest := s.newRow(func(r *store.SessionRow) { r.CreatedAt = s.now.Add(-time.Hour) })
	newest := s.newRow(func(r *store.SessionRow) { r.CreatedAt = s.now.Add(-time.Minute) })
	expired := s.newRow(func(r *store.SessionRow) { r.ExpiresAt = s.now.Add(-time.Second) })
	otherIP := s.newRow(func(r *store.SessionRow) {
		ip := "198.51.100.1"
		r.IPAddress = &ip
	})
	for _, row := range []*store.SessionRow{newest, oldest, expired, otherIP} {
		s.Require().NoError(s.store.Insert(ctx, row))
	}

	ids, err := s.store.ActiveIDsByIP(ctx, "203.0.113.7", s.now)
	s.Require().NoError(err)
	s.Equal([]string{oldest.ID, newest.ID}, ids)
}

func (s *PostgresStoreSuite) TestSweeps() {
	ctx := context.Background()
	expired := s.newRow(func(r *store.SessionRow) { r.ExpiresAt = s.now.Add(-time.Hour) })
	orphaned := s.newRow(func(r *store.SessionRow) {
		r.CurrentStep = 2
		r.UpdatedAt = s.now.Add(-25 * time.Hour)
	})
	stuck := s.newRow(func(r *store.SessionRow) { r.CreatedAt = s.now.Add(-7 * time.Hour) })
	old := s.newRow(func(r *store.SessionRow) {
		r.CurrentStep = 2
		r.CreatedAt = s.now.Add(-80 * time.Hour)
		r.UpdatedAt = s.now.Add(-time.Minute)
	})
	done := s.newRow(func(r *store.SessionRow) {
		r.IsCompleted = true
		r.CreatedAt = s.now.Add(-200 * time.Hour)
		r.UpdatedAt = s.now.Add(-200 * time.Hour)
	})
	for _, row := range []*store.SessionRow{expired, orphaned, stuck, old, done} {
		s.Require().NoError(s.store.Insert(ctx, row))
	}

	n, err := s.store.CountExpired(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = s.store.DeleteExpired(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.store.CountOrphaned(ctx, s.now, s.now.Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = s.store.DeleteOrphaned(ctx, s.now, s.now.Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.store.CountStuck(ctx, s.now.Add(-6*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = s.store.DeleteStuck(ctx, s.now.Add(-6*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = s.store.CountOld(ctx, s.now.Add(-72*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = s.store.DeleteOld(ctx, s.now.Add(-72*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, n)

	// Only the completed session survives every policy.
	stats, err := s.store.Stats(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, stats.Total)
	s.Equal(1, stats.Completed)
}

func (s *PostgresStoreSuite) TestStats() {
	ctx := context.Background()
	s.Require().NoError(s.store.Insert(ctx, s.newRow(nil)))
	s.Require().NoError(s.store.Insert(ctx, s.newRow(func(r *store.SessionRow) {
		r.ExpiresAt = s.now.Add(-time.Hour)
	})))
	s.Require().NoError(s.store.Insert(ctx, s.newRow(func(r *store.SessionRow) {
		r.IsCompleted = true
	})))

	stats, err := s.store.Stats(ctx, s.now)
	s.Require().NoError(err)
	s.Equal(3, stats.Total)
	s.Equal(1, stats.Active)
	s.Equal(1, stats.Expired)
	s.Equal(1, stats.Completed)
}
