// Package store persists onboarding session rows. Stores are pure I/O: expiry
// decisions, cutoff computation and every other business rule live in the
// service layer, which passes explicit timestamps down.
package store

import (
	"fmt"
	"time"
)

// SessionRow is the storage representation of a session. State stays an
// encrypted blob at this layer; UserAgent and IPAddress are nullable.
type SessionRow struct {
	ID          string
	TokenHash   string
	CurrentStep int
	StateEnc    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time
	IsCompleted bool
	UserAgent   *string
	IPAddress   *string
	CSRFToken   string
}

// Clone returns a copy so memory-store callers cannot mutate stored rows.
func (r *SessionRow) Clone() *SessionRow {
	if r == nil {
		return nil
	}
	out := *r
	if r.UserAgent != nil {
		ua := *r.UserAgent
		out.UserAgent = &ua
	}
	if r.IPAddress != nil {
		ip := *r.IPAddress
		out.IPAddress = &ip
	}
	return &out
}

// timeLayout is the fixed-width UTC ISO-8601 form used for every timestamp
// column. Fixed width keeps lexicographic comparison in SQL equivalent to
// chronological comparison.
const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp for the storage boundary.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a timestamp written by FormatTime. Legacy rows written with
// plain RFC 3339 are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// DDL creates the sessions table and its lookup indexes. Applied by the
// integration harness and by deployment migrations.
const DDL = `
CREATE TABLE IF NOT EXISTS onboarding_sessions (
	id            TEXT PRIMARY KEY,
	session_token TEXT NOT NULL,
	current_step  INTEGER NOT NULL DEFAULT 1,
	state         TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	is_completed  BOOLEAN NOT NULL DEFAULT FALSE,
	user_agent    TEXT,
	ip_address    TEXT,
	csrf_token    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_onboarding_sessions_token ON onboarding_sessions (session_token);
CREATE INDEX IF NOT EXISTS idx_onboarding_sessions_ip ON onboarding_sessions (ip_address);
CREATE INDEX IF NOT EXISTS idx_onboarding_sessions_expires ON onboarding_sessions (expires_at);
`
