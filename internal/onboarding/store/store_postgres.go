package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"onboard/internal/onboarding/models"
)

// PostgresStore persists onboarding sessions in PostgreSQL. Timestamps cross
// the boundary as fixed-width ISO-8601 text (FormatTime), so range predicates
// compare correctly as text.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed session store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, session_token, current_step, state, created_at, expires_at, updated_at, is_completed, user_agent, ip_address, csrf_token`

func (s *PostgresStore) Insert(ctx context.Context, row *SessionRow) error {
	if row == nil {
		return fmt.Errorf("session row is required")
	}
	query := `
		INSERT INTO onboarding_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		row.ID,
		row.TokenHash,
		row.CurrentStep,
		row.StateEnc,
		FormatTime(row.CreatedAt),
		FormatTime(row.ExpiresAt),
		FormatTime(row.UpdatedAt),
		row.IsCompleted,
		row.UserAgent,
		row.IPAddress,
		row.CSRFToken,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FindByIDAndTokenHash returns the row matching both id and token hash, or
// (nil, nil) when no such row exists. Token mismatch and absence are
// indistinguishable here on purpose.
func (s *PostgresStore) FindByIDAndTokenHash(ctx context.Context, id, tokenHash string) (*SessionRow, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM onboarding_sessions
		WHERE id = $1 AND session_token = $2
		LIMIT 1
	`
	row, err := scanSession(s.db.QueryRowContext(ctx, query, id, tokenHash))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return row, nil
}

// UpdateRow overwrites the mutable columns of a session. Last writer wins;
// there is no optimistic concurrency token.
func (s *PostgresStore) UpdateRow(ctx context.Context, row *SessionRow) (bool, error) {
	if row == nil {
		return false, fmt.Errorf("session row is required")
	}
	query := `
		UPDATE onboarding_sessions
		SET current_step = $2,
			state = $3,
			updated_at = $4,
			is_completed = $5,
			csrf_token = $6
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		row.ID,
		row.CurrentStep,
		row.StateEnc,
		FormatTime(row.UpdatedAt),
		row.IsCompleted,
		row.CSRFToken,
	)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM onboarding_sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteByIDs removes a batch of sessions in one round trip.
func (s *PostgresStore) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM onboarding_sessions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete sessions batch: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete sessions batch rows affected: %w", err)
	}
	return int(n), nil
}

// ActiveIDsByIP lists non-expired session ids for one origin address, oldest
// first, for the per-address cap check.
func (s *PostgresStore) ActiveIDsByIP(ctx context.Context, ip string, now time.Time) ([]string, error) {
	query := `
		SELECT id
		FROM onboarding_sessions
		WHERE ip_address = $1 AND expires_at >= $2
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, ip, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list sessions by ip: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions by ip: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM onboarding_sessions WHERE expires_at < $1`, FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) CountExpired(ctx context.Context, now time.Time) (int, error) {
	return s.count(ctx,
		`SELECT COUNT(*) FROM onboarding_sessions WHERE expires_at < $1`, FormatTime(now))
}

// Orphaned: not completed, not yet expired, no update since the cutoff.

func (s *PostgresStore) CountOrphaned(ctx context.Context, now, updatedBefore time.Time) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM onboarding_sessions
		WHERE is_completed = FALSE AND expires_at >= $1 AND updated_at < $2
	`, FormatTime(now), FormatTime(updatedBefore))
}

func (s *PostgresStore) DeleteOrphaned(ctx context.Context, now, updatedBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM onboarding_sessions
		WHERE is_completed = FALSE AND expires_at >= $1 AND updated_at < $2
	`, FormatTime(now), FormatTime(updatedBefore))
	if err != nil {
		return 0, fmt.Errorf("delete orphaned sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete orphaned rows affected: %w", err)
	}
	return int(n), nil
}

// Stuck: never advanced past step 1 within the grace window after creation.

func (s *PostgresStore) CountStuck(ctx context.Context, createdBefore time.Time) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM onboarding_sessions
		WHERE is_completed = FALSE AND current_step = 1 AND created_at < $1
	`, FormatTime(createdBefore))
}

func (s *PostgresStore) DeleteStuck(ctx context.Context, createdBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM onboarding_sessions
		WHERE is_completed = FALSE AND current_step = 1 AND created_at < $1
	`, FormatTime(createdBefore))
	if err != nil {
		return 0, fmt.Errorf("delete stuck sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stuck rows affected: %w", err)
	}
	return int(n), nil
}

// Old: not completed and created before the max-age cutoff, regardless of step.

func (s *PostgresStore) CountOld(ctx context.Context, createdBefore time.Time) (int, error) {
	return s.count(ctx, `
		SELECT COUNT(*) FROM onboarding_sessions
		WHERE is_completed = FALSE AND created_at < $1
	`, FormatTime(createdBefore))
}

func (s *PostgresStore) DeleteOld(ctx context.Context, createdBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM onboarding_sessions
		WHERE is_completed = FALSE AND created_at < $1
	`, FormatTime(createdBefore))
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old rows affected: %w", err)
	}
	return int(n), nil
}

// Stats returns the table summary in a single round trip.
func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*models.SessionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at >= $1 AND is_completed = FALSE),
			COUNT(*) FILTER (WHERE expires_at < $1),
			COUNT(*) FILTER (WHERE is_completed = TRUE)
		FROM onboarding_sessions
	`
	var stats models.SessionStats
	err := s.db.QueryRowContext(ctx, query, FormatTime(now)).
		Scan(&stats.Total, &stats.Active, &stats.Expired, &stats.Completed)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	return &stats, nil
}

func (s *PostgresStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (*SessionRow, error) {
	var (
		out       SessionRow
		createdAt string
		expiresAt string
		updatedAt string
		userAgent sql.NullString
		ipAddress sql.NullString
	)
	if err := row.Scan(
		&out.ID,
		&out.TokenHash,
		&out.CurrentStep,
		&out.StateEnc,
		&createdAt,
		&expiresAt,
		&updatedAt,
		&out.IsCompleted,
		&userAgent,
		&ipAddress,
		&out.CSRFToken,
	); err != nil {
		return nil, err
	}
	var err error
	if out.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if out.ExpiresAt, err = ParseTime(expiresAt); err != nil {
		return nil, err
	}
	if out.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if userAgent.Valid {
		out.UserAgent = &userAgent.String
	}
	if ipAddress.Valid {
		out.IPAddress = &ipAddress.String
	}
	return &out, nil
}
