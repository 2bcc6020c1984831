package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboard/internal/onboarding/service"
)

// fakeLocker records the order of lock operations.
type fakeLocker struct {
	held       bool
	acquireErr error
	releaseErr error
	events     []string
}

func (f *fakeLocker) AcquireLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.events = append(f.events, "acquire")
	return f.held, f.acquireErr
}

func (f *fakeLocker) ReleaseLock(_ context.Context, _ string) error {
	f.events = append(f.events, "release")
	return f.releaseErr
}

func (f *fakeLocker) Close() error {
	f.events = append(f.events, "close")
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunLocked(t *testing.T) {
	ctx := context.Background()

	t.Run("releases the lock before closing the client", func(t *testing.T) {
		locker := &fakeLocker{held: true}
		ran := false
		report := runLocked(ctx, locker, discardLogger(), func() *service.CleanupReport {
			ran = true
			return &service.CleanupReport{}
		})
		require.NotNil(t, report)
		assert.True(t, ran)
		assert.Equal(t, []string{"acquire", "release", "close"}, locker.events)
	})

	t.Run("lock held elsewhere skips the run", func(t *testing.T) {
		locker := &fakeLocker{held: false}
		report := runLocked(ctx, locker, discardLogger(), func() *service.CleanupReport {
			t.Fatal("cleanup must not run without the lock")
			return nil
		})
		assert.Nil(t, report)
		assert.Equal(t, []string{"acquire", "close"}, locker.events)
	})

	t.Run("acquisition failure degrades to an unlocked run", func(t *testing.T) {
		locker := &fakeLocker{acquireErr: fmt.Errorf("connection reset")}
		report := runLocked(ctx, locker, discardLogger(), func() *service.CleanupReport {
			return &service.CleanupReport{}
		})
		require.NotNil(t, report)
		assert.Equal(t, []string{"acquire", "close"}, locker.events)
	})

	t.Run("release failure does not lose the report", func(t *testing.T) {
		locker := &fakeLocker{held: true, releaseErr: fmt.Errorf("client closed")}
		report := runLocked(ctx, locker, discardLogger(), func() *service.CleanupReport {
			return &service.CleanupReport{Expired: 2}
		})
		require.NotNil(t, report)
		assert.Equal(t, 2, report.Expired)
	})
}
