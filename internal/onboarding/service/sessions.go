package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"onboard/internal/onboarding/codec"
	"onboard/internal/onboarding/csrf"
	"onboard/internal/onboarding/metrics"
	"onboard/internal/onboarding/models"
	"onboard/internal/onboarding/schema"
	"onboard/internal/onboarding/store"
	"onboard/pkg/platform/sentinel"
)

const (
	// DefaultSessionTTL fixes expiry at creation; it is not renewed on
	// activity.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultMaxSessionsPerIP is the best-effort abuse dampener, not a hard
	// quota.
	DefaultMaxSessionsPerIP = 10

	rawTokenBytes = 32
)

// Sessions owns the session lifecycle: token minting and hashing, state
// encryption, the per-address cap, the merge/advance rules of step
// submissions, and physical deletion.
type Sessions struct {
	store      RowStore
	codec      *codec.Codec
	logger     *slog.Logger
	clock      Clock
	metrics    *metrics.Metrics
	sessionTTL time.Duration
	maxPerIP   int
}

// SessionsOption configures a Sessions service.
type SessionsOption func(*Sessions)

func WithLogger(logger *slog.Logger) SessionsOption {
	return func(s *Sessions) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(clock Clock) SessionsOption {
	return func(s *Sessions) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithMetrics(m *metrics.Metrics) SessionsOption {
	return func(s *Sessions) {
		s.metrics = m
	}
}

func WithSessionTTL(ttl time.Duration) SessionsOption {
	return func(s *Sessions) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

func WithMaxSessionsPerIP(n int) SessionsOption {
	return func(s *Sessions) {
		if n > 0 {
			s.maxPerIP = n
		}
	}
}

// NewSessions constructs the session service.
func NewSessions(rows RowStore, cdc *codec.Codec, opts ...SessionsOption) (*Sessions, error) {
	if rows == nil {
		return nil, fmt.Errorf("row store is required")
	}
	if cdc == nil {
		return nil, fmt.Errorf("codec is required")
	}
	s := &Sessions{
		store:      rows,
		codec:      cdc,
		logger:     slog.Default(),
		clock:      time.Now,
		sessionTTL: DefaultSessionTTL,
		maxPerIP:   DefaultMaxSessionsPerIP,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Create mints a new session: fresh id, bearer token (returned once, stored
// only as a hash), CSRF token, default state validated and encrypted, fixed
// 24h expiry. A known origin address is first run through the per-address cap.
func (s *Sessions) Create(ctx context.Context, origin models.Origin) (*models.CreateResult, error) {
	now := s.clock()
	origin = normalizeOrigin(origin)

	if origin.IPAddress != nil {
		s.enforceAddressCap(ctx, *origin.IPAddress, now)
	}

	rawToken, err := generateRawToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	csrfToken, _, err := csrf.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue csrf token: %w", err)
	}

	state := models.NewDefaultState(now)
	if violations := schema.Validate(state, models.MinStep); len(violations) > 0 {
		return nil, &schema.ValidationError{Violations: violations}
	}
	stateEnc, err := s.codec.Encrypt(state)
	if err != nil {
		return nil, fmt.Errorf("encrypt session state: %w", err)
	}

	row := &store.SessionRow{
		ID:          uuid.NewString(),
		TokenHash:   hashToken(rawToken),
		CurrentStep: models.MinStep,
		StateEnc:    stateEnc,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.sessionTTL),
		UserAgent:   origin.UserAgent,
		IPAddress:   origin.IPAddress,
		CSRFToken:   csrfToken,
	}
	if err := s.store.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	s.logger.InfoContext(ctx, "onboarding session created",
		"session_id", row.ID,
		"has_origin", origin.IPAddress != nil,
	)
	return &models.CreateResult{
		SessionID: row.ID,
		Token:     rawToken,
		CSRFToken: csrfToken,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// Get returns the decoded session for a matching id and bearer token.
// Absent, expired, token-mismatched and corrupted records all come back as
// (nil, nil): from this layer's perspective a record that cannot be served is
// a record that does not exist. An expired match is physically deleted as a
// side effect. Only backend failures return a non-nil error.
func (s *Sessions) Get(ctx context.Context, id, rawToken string) (*models.OnboardingSession, error) {
	sess, violations, err := s.Inspect(ctx, id, rawToken)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, codec.ErrDecryptFailed) {
			return nil, nil
		}
		return nil, err
	}
	if len(violations) > 0 {
		s.logger.WarnContext(ctx, "stored session state failed validation",
			"session_id", id,
			"violations", violationCodes(violations),
		)
		return nil, nil
	}
	return sess, nil
}

// Inspect is the recovery path's window into a stored session. Unlike Get it
// surfaces decryption failure and structural violations instead of flattening
// them to absence. Expiry still deletes the record and reports ErrNotFound.
func (s *Sessions) Inspect(ctx context.Context, id, rawToken string) (*models.OnboardingSession, []schema.Violation, error) {
	row, err := s.store.FindByIDAndTokenHash(ctx, id, hashToken(rawToken))
	if err != nil {
		return nil, nil, fmt.Errorf("find session: %w", err)
	}
	if row == nil {
		return nil, nil, sentinel.ErrNotFound
	}

	now := s.clock()
	if row.ExpiresAt.Before(now) {
		if _, err := s.store.DeleteByID(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "failed to delete expired session on read",
				"session_id", id, "error", err)
		}
		return nil, nil, fmt.Errorf("session expired: %w", sentinel.ErrNotFound)
	}

	state, err := s.codec.Decrypt(row.StateEnc)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DecryptFailures.Inc()
		}
		s.logger.WarnContext(ctx, "session state decrypt failed", "session_id", id)
		return nil, nil, err
	}

	sess := &models.OnboardingSession{
		ID:          row.ID,
		CurrentStep: row.CurrentStep,
		State:       state,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		ExpiresAt:   row.ExpiresAt,
		IsCompleted: row.IsCompleted,
		UserAgent:   row.UserAgent,
		IPAddress:   row.IPAddress,
		CSRFToken:   row.CSRFToken,
	}
	return sess, schema.Validate(state, row.CurrentStep), nil
}

// Update applies a step submission: explicit field merge, retrospective step
// completion when the wizard advances, re-validation before persisting.
// Returns (false, nil) when the session is unavailable and a
// *schema.ValidationError when the merged state is rejected; nothing partial
// is ever written.
//
// Concurrent updates to one session are last-writer-wins; callers serialize
// step submissions per session.
func (s *Sessions) Update(ctx context.Context, id, rawToken string, params models.UpdateParams) (bool, error) {
	sess, err := s.Get(ctx, id, rawToken)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	state := sess.State.Clone()
	mergePatch(state, params.Patch)

	step := sess.CurrentStep
	if params.CurrentStep != nil {
		next := *params.CurrentStep
		if next > sess.CurrentStep {
			// Steps complete in retrospect: advancing past a step is what
			// marks it done.
			if !state.HasCompletedStep(sess.CurrentStep) {
				state.Metadata.CompletedSteps = append(state.Metadata.CompletedSteps, sess.CurrentStep)
			}
			state.Metadata.LastActiveStep = next
		}
		step = next
	}

	completed := sess.IsCompleted
	if params.IsCompleted != nil && *params.IsCompleted {
		completed = true
	}
	csrfToken := sess.CSRFToken
	if params.CSRFToken != nil {
		csrfToken = *params.CSRFToken
	}

	if violations := schema.Validate(state, step); len(violations) > 0 {
		return false, &schema.ValidationError{Violations: violations}
	}

	ok, err := s.persist(ctx, id, state, step, completed, csrfToken)
	if err != nil {
		return false, err
	}
	if ok && completed && !sess.IsCompleted && s.metrics != nil {
		s.metrics.SessionsCompleted.Inc()
	}
	return ok, nil
}

// Delete physically removes a session regardless of state.
func (s *Sessions) Delete(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.DeleteByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return ok, nil
}

// DeleteExpired removes every session past its expiry.
func (s *Sessions) DeleteExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.clock())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return n, nil
}

// Stats reports table-level counts for dashboards.
func (s *Sessions) Stats(ctx context.Context) (*models.SessionStats, error) {
	stats, err := s.store.Stats(ctx, s.clock())
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	return stats, nil
}

// persist writes state, step and flags for an existing session without any
// merge or advance semantics. Shared by Update and the recovery repair path.
func (s *Sessions) persist(ctx context.Context, id string, state *models.OnboardingState, step int, completed bool, csrfToken string) (bool, error) {
	stateEnc, err := s.codec.Encrypt(state)
	if err != nil {
		return false, fmt.Errorf("encrypt session state: %w", err)
	}
	ok, err := s.store.UpdateRow(ctx, &store.SessionRow{
		ID:          id,
		CurrentStep: step,
		StateEnc:    stateEnc,
		UpdatedAt:   s.clock(),
		IsCompleted: completed,
		CSRFToken:   csrfToken,
	})
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	return ok, nil
}

// enforceAddressCap deletes the oldest sessions for an address that already
// holds the cap, keeping room for the one about to be created. Best effort: a
// failed lookup or delete is logged and never blocks creation, and a
// concurrent burst from one address may transiently exceed the cap.
func (s *Sessions) enforceAddressCap(ctx context.Context, ip string, now time.Time) {
	ids, err := s.store.ActiveIDsByIP(ctx, ip, now)
	if err != nil {
		s.logger.WarnContext(ctx, "address cap check failed", "error", err)
		return
	}
	if len(ids) < s.maxPerIP {
		return
	}
	evict := ids[:len(ids)-(s.maxPerIP-1)]
	n, err := s.store.DeleteByIDs(ctx, evict)
	if err != nil {
		s.logger.WarnContext(ctx, "address cap eviction failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.CapEvictions.Add(float64(n))
	}
	s.logger.InfoContext(ctx, "evicted sessions over address cap", "count", n)
}

// mergePatch applies the enumerated mergeable fields. Nil fields leave the
// stored value untouched; unknown client keys never reach this point.
func mergePatch(state *models.OnboardingState, patch *models.StatePatch) {
	if patch == nil {
		return
	}
	if patch.OrganizationName != nil {
		state.OrganizationName = *patch.OrganizationName
	}
	if patch.FirstName != nil {
		state.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		state.LastName = *patch.LastName
	}
	if patch.Locations != nil {
		state.Locations = append([]models.Location(nil), patch.Locations...)
	}
}

func normalizeOrigin(origin models.Origin) models.Origin {
	return models.Origin{
		UserAgent: normalizeOriginField(origin.UserAgent),
		IPAddress: normalizeOriginField(origin.IPAddress),
	}
}

// normalizeOriginField maps empty and "unknown" placeholders to nil so they
// are stored as NULL and exempt from the address cap.
func normalizeOriginField(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" || strings.EqualFold(trimmed, "unknown") {
		return nil
	}
	return &trimmed
}

func generateRawToken() (string, error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func violationCodes(violations []schema.Violation) []string {
	codes := make([]string, len(violations))
	for i, v := range violations {
		codes[i] = string(v)
	}
	return codes
}
