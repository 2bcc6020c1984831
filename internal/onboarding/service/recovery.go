package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"onboard/internal/onboarding/codec"
	"onboard/internal/onboarding/models"
	"onboard/internal/onboarding/schema"
	"onboard/pkg/platform/sentinel"
)

// Stable reasons reported when a session cannot be resumed. Not-found and
// expired share one reason so callers cannot probe whether an id ever existed.
const (
	ReasonNotFoundOrExpired = "not found or expired"
	ReasonAlreadyCompleted  = "already completed"
	ReasonStateCorrupted    = "session state corrupted"
)

// RecoveryResult describes whether and where an interrupted wizard can resume.
type RecoveryResult struct {
	OK          bool     `json:"ok"`
	CanContinue bool     `json:"can_continue"`
	NextStep    int      `json:"next_step,omitempty"`
	MissingData []string `json:"missing_data,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// Recovery validates loaded sessions, repairs the defect classes that can be
// fixed without touching user-entered values, and computes the next resumable
// step.
type Recovery struct {
	sessions *Sessions
	logger   *slog.Logger
}

// RecoveryOption configures a Recovery service.
type RecoveryOption func(*Recovery)

func WithRecoveryLogger(logger *slog.Logger) RecoveryOption {
	return func(r *Recovery) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecovery constructs the recovery service over the session service.
func NewRecovery(sessions *Sessions, opts ...RecoveryOption) (*Recovery, error) {
	if sessions == nil {
		return nil, fmt.Errorf("sessions service is required")
	}
	r := &Recovery{
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Recover loads a session, repairs repairable defects, and reports whether
// the wizard can continue and from which step. Decryption failure is
// unrepairable; absence and expiry are indistinguishable by design.
func (r *Recovery) Recover(ctx context.Context, id, rawToken string) (*RecoveryResult, error) {
	return r.recover(ctx, id, rawToken, 0, false)
}

func (r *Recovery) recover(ctx context.Context, id, rawToken string, depth int, reseeded bool) (*RecoveryResult, error) {
	sess, violations, err := r.sessions.Inspect(ctx, id, rawToken)
	if err != nil {
		switch {
		case errors.Is(err, codec.ErrDecryptFailed):
			return &RecoveryResult{CanContinue: false, Reason: ReasonStateCorrupted}, nil
		case errors.Is(err, sentinel.ErrNotFound):
			return &RecoveryResult{CanContinue: false, Reason: ReasonNotFoundOrExpired}, nil
		default:
			return nil, err
		}
	}

	if sess.IsCompleted {
		return &RecoveryResult{OK: true, CanContinue: false, Reason: ReasonAlreadyCompleted}, nil
	}

	if reseeded {
		// A reseeded placeholder is empty by construction; its incompleteness
		// is the user's next input at the locations step, not a blocking
		// defect.
		violations = dropViolation(violations, schema.ViolationLocationIncomplete)
	}

	if len(violations) > 0 {
		// One bounded re-pass after repair; a repair that does not converge
		// reports the residual violations instead of looping.
		if depth > 0 {
			return &RecoveryResult{OK: true, CanContinue: false, MissingData: violationCodes(violations)}, nil
		}
		state, step, changed := repairState(sess, violations)
		if !changed {
			return &RecoveryResult{OK: true, CanContinue: false, MissingData: violationCodes(violations)}, nil
		}
		r.logger.InfoContext(ctx, "repaired onboarding session",
			"session_id", id,
			"violations", violationCodes(violations),
		)
		if _, err := r.sessions.persist(ctx, id, state, step, sess.IsCompleted, sess.CSRFToken); err != nil {
			return nil, fmt.Errorf("persist repaired session: %w", err)
		}
		reseeded = reseeded || schema.Contains(violations, schema.ViolationLocationsMissing)
		return r.recover(ctx, id, rawToken, depth+1, reseeded)
	}

	return &RecoveryResult{
		OK:          true,
		CanContinue: true,
		NextStep:    nextResumableStep(sess),
	}, nil
}

// CanResumeFromStep reports whether explicit navigation to target is allowed:
// the session must be live and the step's data prerequisites satisfied.
func (r *Recovery) CanResumeFromStep(ctx context.Context, id, rawToken string, target int) (bool, error) {
	if !schema.StepInRange(target) {
		return false, nil
	}
	sess, err := r.sessions.Get(ctx, id, rawToken)
	if err != nil {
		return false, err
	}
	if sess == nil || sess.IsCompleted {
		return false, nil
	}
	return stepPrerequisitesMet(sess.State, target), nil
}

// ForceResumeFromStep runs the same prerequisite checks and, when they pass,
// persists the target as the current step.
func (r *Recovery) ForceResumeFromStep(ctx context.Context, id, rawToken string, target int) (bool, error) {
	if !schema.StepInRange(target) {
		return false, nil
	}
	sess, err := r.sessions.Get(ctx, id, rawToken)
	if err != nil {
		return false, err
	}
	if sess == nil || sess.IsCompleted {
		return false, nil
	}
	if !stepPrerequisitesMet(sess.State, target) {
		return false, nil
	}

	state := sess.State.Clone()
	if target > state.Metadata.LastActiveStep {
		state.Metadata.LastActiveStep = target
	}
	return r.sessions.persist(ctx, id, state, target, sess.IsCompleted, sess.CSRFToken)
}

// repairState fixes the repairable defect classes without destroying
// user-entered values: reseed a missing locations array, restore metadata
// consistency, clamp an out-of-range step. Data-completeness violations are
// the user's to fill in and stay untouched.
func repairState(sess *models.OnboardingSession, violations []schema.Violation) (*models.OnboardingState, int, bool) {
	state := sess.State.Clone()
	step := sess.CurrentStep
	changed := false

	if schema.Contains(violations, schema.ViolationInvalidCurrentStep) {
		step = clampStep(step)
		changed = true
	}

	if schema.Contains(violations, schema.ViolationLocationsMissing) {
		state.Locations = []models.Location{{ID: "1", Name: "", Address: ""}}
		changed = true
	}

	if schema.Contains(violations, schema.ViolationInconsistentMetadata) ||
		schema.Contains(violations, schema.ViolationInvalidLastActiveStep) ||
		schema.Contains(violations, schema.ViolationInvalidCompletedStep) {
		if state.Metadata.LastActiveStep < step {
			state.Metadata.LastActiveStep = step
		}
		state.Metadata.LastActiveStep = clampStep(state.Metadata.LastActiveStep)
		kept := make([]int, 0, len(state.Metadata.CompletedSteps))
		for _, done := range state.Metadata.CompletedSteps {
			if done < step && schema.StepInRange(done) {
				kept = append(kept, done)
			}
		}
		state.Metadata.CompletedSteps = kept
		changed = true
	}

	return state, step, changed
}

// nextResumableStep picks where a clean session resumes: the current step if
// it was never completed, otherwise the next step when its prerequisites are
// met, otherwise the highest step whose prerequisites hold.
func nextResumableStep(sess *models.OnboardingSession) int {
	state := sess.State
	if !state.HasCompletedStep(sess.CurrentStep) {
		return sess.CurrentStep
	}
	target := sess.CurrentStep + 1
	if target > models.MaxStep {
		target = models.MaxStep
	}
	for step := target; step > models.MinStep; step-- {
		if stepPrerequisitesMet(state, step) {
			return step
		}
	}
	return models.MinStep
}

// stepPrerequisitesMet checks the data a step needs before it can be shown:
// an organization name from step 2 on, at least one fully-populated location
// from step 3 on.
func stepPrerequisitesMet(state *models.OnboardingState, step int) bool {
	if step >= 2 && strings.TrimSpace(state.OrganizationName) == "" {
		return false
	}
	if step >= 3 {
		populated := false
		for _, loc := range state.Locations {
			if strings.TrimSpace(loc.Name) != "" && strings.TrimSpace(loc.Address) != "" {
				populated = true
				break
			}
		}
		if !populated {
			return false
		}
	}
	return true
}

func dropViolation(violations []schema.Violation, drop schema.Violation) []schema.Violation {
	kept := violations[:0:0]
	for _, v := range violations {
		if v != drop {
			kept = append(kept, v)
		}
	}
	return kept
}

func clampStep(step int) int {
	if step < models.MinStep {
		return models.MinStep
	}
	if step > models.MaxStep {
		return models.MaxStep
	}
	return step
}
