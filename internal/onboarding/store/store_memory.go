package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"onboard/internal/onboarding/models"
)

// MemoryStore is the in-memory twin of PostgresStore, used by unit tests and
// local development. Behavior mirrors the SQL predicates exactly.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*SessionRow
}

// NewMemory constructs an empty in-memory session store.
func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*SessionRow)}
}

func (s *MemoryStore) Insert(_ context.Context, row *SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = row.Clone()
	return nil
}

func (s *MemoryStore) FindByIDAndTokenHash(_ context.Context, id, tokenHash string) (*SessionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok || row.TokenHash != tokenHash {
		return nil, nil
	}
	return row.Clone(), nil
}

func (s *MemoryStore) UpdateRow(_ context.Context, row *SessionRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[row.ID]
	if !ok {
		return false, nil
	}
	updated := existing.Clone()
	updated.CurrentStep = row.CurrentStep
	updated.StateEnc = row.StateEnc
	updated.UpdatedAt = row.UpdatedAt
	updated.IsCompleted = row.IsCompleted
	updated.CSRFToken = row.CSRFToken
	s.rows[row.ID] = updated
	return true, nil
}

func (s *MemoryStore) DeleteByID(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

func (s *MemoryStore) DeleteByIDs(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ActiveIDsByIP(_ context.Context, ip string, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		id      string
		created time.Time
	}
	var entries []entry
	for _, row := range s.rows {
		if row.IPAddress != nil && *row.IPAddress == ip && !row.ExpiresAt.Before(now) {
			entries = append(entries, entry{id: row.ID, created: row.CreatedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].created.Before(entries[j].created) })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return s.deleteWhere(func(row *SessionRow) bool {
		return row.ExpiresAt.Before(now)
	}), nil
}

func (s *MemoryStore) CountExpired(_ context.Context, now time.Time) (int, error) {
	return s.countWhere(func(row *SessionRow) bool {
		return row.ExpiresAt.Before(now)
	}), nil
}

func (s *MemoryStore) CountOrphaned(_ context.Context, now, updatedBefore time.Time) (int, error) {
	return s.countWhere(func(row *SessionRow) bool {
		return !row.IsCompleted && !row.ExpiresAt.Before(now) && row.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (s *MemoryStore) DeleteOrphaned(_ context.Context, now, updatedBefore time.Time) (int, error) {
	return s.deleteWhere(func(row *SessionRow) bool {
		return !row.IsCompleted && !row.ExpiresAt.Before(now) && row.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (s *MemoryStore) CountStuck(_ context.Context, createdBefore time.Time) (int, error) {
	return s.countWhere(func(row *SessionRow) bool {
		return !row.IsCompleted && row.CurrentStep == 1 && row.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *MemoryStore) DeleteStuck(_ context.Context, createdBefore time.Time) (int, error) {
	return s.deleteWhere(func(row *SessionRow) bool {
		return !row.IsCompleted && row.CurrentStep == 1 && row.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *MemoryStore) CountOld(_ context.Context, createdBefore time.Time) (int, error) {
	return s.countWhere(func(row *SessionRow) bool {
		return !row.IsCompleted && row.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *MemoryStore) DeleteOld(_ context.Context, createdBefore time.Time) (int, error) {
	return s.deleteWhere(func(row *SessionRow) bool {
		return !row.IsCompleted && row.CreatedAt.Before(createdBefore)
	}), nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (*models.SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.SessionStats{}
	for _, row := range s.rows {
		stats.Total++
		switch {
		case row.ExpiresAt.Before(now):
			stats.Expired++
		case row.IsCompleted:
			// Counted below; completed sessions are not "active".
		default:
			stats.Active++
		}
		if row.IsCompleted {
			stats.Completed++
		}
	}
	return stats, nil
}

// Raw returns a stored row by id regardless of token, for tests that need to
// corrupt or inspect persisted data.
func (s *MemoryStore) Raw(id string) *SessionRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[id].Clone()
}

// PutRaw overwrites a stored row directly, bypassing the service layer. Test
// hook for simulating storage-level tampering.
func (s *MemoryStore) PutRaw(row *SessionRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = row.Clone()
}

func (s *MemoryStore) countWhere(match func(*SessionRow) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, row := range s.rows {
		if match(row) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) deleteWhere(match func(*SessionRow) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if match(row) {
			delete(s.rows, id)
			n++
		}
	}
	return n
}
