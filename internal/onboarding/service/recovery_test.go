package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboard/internal/onboarding/models"
	"onboard/internal/onboarding/schema"
)

type recoveryEnv struct {
	*sessionsEnv
	recovery *Recovery
}

func newRecoveryEnv(t *testing.T) *recoveryEnv {
	t.Helper()
	env := newSessionsEnv(t)
	recovery, err := NewRecovery(env.sessions)
	require.NoError(t, err)
	return &recoveryEnv{sessionsEnv: env, recovery: recovery}
}

// rewriteState re-encrypts an arbitrary state straight into storage, bypassing
// the service's merge and validation. Simulates defects written by older code.
func (e *recoveryEnv) rewriteState(t *testing.T, id string, state *models.OnboardingState, step int) {
	t.Helper()
	row := e.store.Raw(id)
	require.NotNil(t, row)
	blob, err := e.codec.Encrypt(state)
	require.NoError(t, err)
	row.StateEnc = blob
	row.CurrentStep = step
	e.store.PutRaw(row)
}

func TestRecoverUnavailableSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown id", func(t *testing.T) {
		env := newRecoveryEnv(t)
		result, err := env.recovery.Recover(ctx, "b2c7e3a0-0000-0000-0000-000000000000", "deadbeef")
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.False(t, result.CanContinue)
		assert.Equal(t, ReasonNotFoundOrExpired, result.Reason)
	})

	t.Run("expired session shares the not-found reason", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)
		env.clock.Advance(DefaultSessionTTL + 1)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.Equal(t, ReasonNotFoundOrExpired, result.Reason)
	})

	t.Run("undecryptable state is unrepairable", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)

		row := env.store.Raw(res.SessionID)
		row.StateEnc = "garbage"
		env.store.PutRaw(row)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.False(t, result.CanContinue)
		assert.Equal(t, ReasonStateCorrupted, result.Reason)
	})

	t.Run("completed session", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)
		_, err = env.sessions.Update(ctx, res.SessionID, res.Token, models.UpdateParams{IsCompleted: boolp(true)})
		require.NoError(t, err)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.False(t, result.CanContinue)
		assert.Equal(t, ReasonAlreadyCompleted, result.Reason)
	})
}

func TestRecoverCleanSession(t *testing.T) {
	ctx := context.Background()
	env := newRecoveryEnv(t)
	res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
	require.NoError(t, err)

	result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.CanContinue)
	assert.Equal(t, 1, result.NextStep)
	assert.Empty(t, result.MissingData)
}

func TestRecoverRepairsStructuralDefects(t *testing.T) {
	ctx := context.Background()

	t.Run("missing locations array is reseeded", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)

		broken := &models.OnboardingState{
			OrganizationName: "Acme",
			Locations:        nil,
			Metadata: models.StateMetadata{
				StartedAt:      env.clock.Now(),
				CompletedSteps: []int{1},
				LastActiveStep: 2,
			},
		}
		env.rewriteState(t, res.SessionID, broken, 2)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.True(t, result.CanContinue)
		assert.Equal(t, 2, result.NextStep)

		sess, err := env.sessions.Get(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		require.NotNil(t, sess)
		assert.Equal(t, []models.Location{{ID: "1"}}, sess.State.Locations)
		assert.Equal(t, "Acme", sess.State.OrganizationName, "repair never touches user data")
	})

	t.Run("locations destroyed at step 3 resume at step 3", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)

		// Walk the wizard to step 3, then destroy the locations array at the
		// storage layer.
		_, err = env.sessions.Update(ctx, res.SessionID, res.Token, models.UpdateParams{
			CurrentStep: intp(2),
			Patch:       &models.StatePatch{OrganizationName: strp("Acme")},
		})
		require.NoError(t, err)
		_, err = env.sessions.Update(ctx, res.SessionID, res.Token, models.UpdateParams{
			CurrentStep: intp(3),
			Patch:       &models.StatePatch{Locations: []models.Location{{ID: "1", Name: "HQ", Address: "1 Main St"}}},
		})
		require.NoError(t, err)

		sess, _, err := env.sessions.Inspect(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		broken := sess.State.Clone()
		broken.Locations = nil
		env.rewriteState(t, res.SessionID, broken, 3)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.True(t, result.CanContinue)
		assert.Equal(t, 3, result.NextStep)
		assert.Empty(t, result.MissingData)

		// The reseeded placeholder is persisted; it awaits user input at the
		// locations step.
		repaired, violations, err := env.sessions.Inspect(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.Equal(t, []models.Location{{ID: "1"}}, repaired.State.Locations)
		assert.True(t, schema.Contains(violations, schema.ViolationLocationIncomplete))
		assert.Equal(t, "Acme", repaired.State.OrganizationName)
	})

	t.Run("incomplete location without a reseed is still reported", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)

		env.rewriteState(t, res.SessionID, &models.OnboardingState{
			OrganizationName: "Acme",
			Locations:        []models.Location{{ID: "1", Name: "HQ", Address: ""}},
			Metadata: models.StateMetadata{
				StartedAt:      env.clock.Now(),
				CompletedSteps: []int{1, 2},
				LastActiveStep: 3,
			},
		}, 3)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.False(t, result.CanContinue)
		assert.Contains(t, result.MissingData, "location_incomplete")
	})

	t.Run("out of range current step is clamped", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)

		full := &models.OnboardingState{
			OrganizationName: "Acme",
			Locations:        []models.Location{{ID: "1", Name: "HQ", Address: "1 Main St"}},
			Metadata: models.StateMetadata{
				StartedAt:      env.clock.Now(),
				CompletedSteps: []int{1, 2, 3},
				LastActiveStep: 4,
			},
		}
		env.rewriteState(t, res.SessionID, full, 9)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.True(t, result.CanContinue)
		assert.Equal(t, 4, result.NextStep)

		sess, err := env.sessions.Get(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.Equal(t, 4, sess.CurrentStep)
	})

	t.Run("inconsistent metadata is restored", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)

		drifted := &models.OnboardingState{
			OrganizationName: "Acme",
			Locations:        []models.Location{{ID: "1", Name: "HQ", Address: "1 Main St"}},
			Metadata: models.StateMetadata{
				StartedAt:      env.clock.Now(),
				CompletedSteps: []int{1, 2, 7},
				LastActiveStep: 1,
			},
		}
		env.rewriteState(t, res.SessionID, drifted, 3)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.True(t, result.CanContinue)

		sess, err := env.sessions.Get(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, sess.State.Metadata.CompletedSteps)
		assert.GreaterOrEqual(t, sess.State.Metadata.LastActiveStep, 3)
	})

	t.Run("data completeness defects are reported, not repaired", func(t *testing.T) {
		env := newRecoveryEnv(t)
		res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
		require.NoError(t, err)

		noOrg := models.NewDefaultState(env.clock.Now())
		noOrg.Metadata.CompletedSteps = []int{1}
		noOrg.Metadata.LastActiveStep = 2
		env.rewriteState(t, res.SessionID, noOrg, 2)

		result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.False(t, result.CanContinue)
		assert.Contains(t, result.MissingData, "missing_organization_name")
	})
}

func TestNextResumableStep(t *testing.T) {
	ctx := context.Background()
	env := newRecoveryEnv(t)
	res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
	require.NoError(t, err)

	// Advance through step 1 with an organization name.
	_, err = env.sessions.Update(ctx, res.SessionID, res.Token, models.UpdateParams{
		CurrentStep: intp(2),
		Patch:       &models.StatePatch{OrganizationName: strp("Acme")},
	})
	require.NoError(t, err)

	result, err := env.recovery.Recover(ctx, res.SessionID, res.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, result.NextStep, "current step was never completed")

	// Mark step 2 complete too but leave the location unpopulated; step 3's
	// prerequisites fail so resumption falls back.
	env.rewriteState(t, res.SessionID, &models.OnboardingState{
		OrganizationName: "Acme",
		Locations:        []models.Location{{ID: "1"}},
		Metadata: models.StateMetadata{
			StartedAt:      env.clock.Now(),
			CompletedSteps: []int{1, 2},
			LastActiveStep: 2,
		},
	}, 2)

	result, err = env.recovery.Recover(ctx, res.SessionID, res.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, result.NextStep)

	// With a populated location the next step opens up.
	env.rewriteState(t, res.SessionID, &models.OnboardingState{
		OrganizationName: "Acme",
		Locations:        []models.Location{{ID: "1", Name: "HQ", Address: "1 Main St"}},
		Metadata: models.StateMetadata{
			StartedAt:      env.clock.Now(),
			CompletedSteps: []int{1, 2},
			LastActiveStep: 2,
		},
	}, 2)

	result, err = env.recovery.Recover(ctx, res.SessionID, res.Token)
	require.NoError(t, err)
	assert.Equal(t, 3, result.NextStep)
}

func TestCanResumeFromStep(t *testing.T) {
	ctx := context.Background()
	env := newRecoveryEnv(t)
	res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
	require.NoError(t, err)

	ok, err := env.recovery.CanResumeFromStep(ctx, res.SessionID, res.Token, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.recovery.CanResumeFromStep(ctx, res.SessionID, res.Token, 2)
	require.NoError(t, err)
	assert.False(t, ok, "no organization name yet")

	ok, err = env.recovery.CanResumeFromStep(ctx, res.SessionID, res.Token, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.sessions.Update(ctx, res.SessionID, res.Token, models.UpdateParams{
		Patch: &models.StatePatch{OrganizationName: strp("Acme")},
	})
	require.NoError(t, err)

	ok, err = env.recovery.CanResumeFromStep(ctx, res.SessionID, res.Token, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.recovery.CanResumeFromStep(ctx, res.SessionID, res.Token, 3)
	require.NoError(t, err)
	assert.False(t, ok, "placeholder location is not populated")

	t.Run("completed session cannot resume", func(t *testing.T) {
		done, err := env.sessions.Create(ctx, originFrom("198.51.100.1"))
		require.NoError(t, err)
		_, err = env.sessions.Update(ctx, done.SessionID, done.Token, models.UpdateParams{IsCompleted: boolp(true)})
		require.NoError(t, err)

		ok, err := env.recovery.CanResumeFromStep(ctx, done.SessionID, done.Token, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestForceResumeFromStep(t *testing.T) {
	ctx := context.Background()
	env := newRecoveryEnv(t)
	res, err := env.sessions.Create(ctx, originFrom("203.0.113.7"))
	require.NoError(t, err)

	_, err = env.sessions.Update(ctx, res.SessionID, res.Token, models.UpdateParams{
		Patch: &models.StatePatch{
			OrganizationName: strp("Acme"),
			Locations:        []models.Location{{ID: "1", Name: "HQ", Address: "1 Main St"}},
		},
	})
	require.NoError(t, err)

	t.Run("prerequisites gate the jump", func(t *testing.T) {
		ok, err := env.recovery.ForceResumeFromStep(ctx, res.SessionID, res.Token, 5)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("a permitted jump persists", func(t *testing.T) {
		ok, err := env.recovery.ForceResumeFromStep(ctx, res.SessionID, res.Token, 3)
		require.NoError(t, err)
		assert.True(t, ok)

		sess, err := env.sessions.Get(ctx, res.SessionID, res.Token)
		require.NoError(t, err)
		require.NotNil(t, sess)
		assert.Equal(t, 3, sess.CurrentStep)
		assert.Equal(t, 3, sess.State.Metadata.LastActiveStep)
	})
}
