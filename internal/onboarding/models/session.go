package models

import "time"

// Step bounds for the signup wizard. Steps outside [MinStep, MaxStep] are a
// defect, never a valid state.
const (
	MinStep = 1
	MaxStep = 4
)

// MaxLocations caps the locations list a single onboarding flow may hold.
const MaxLocations = 10

// Location is one business location entered during onboarding.
type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// StateMetadata tracks wizard progression inside the encrypted payload.
// CompletedSteps holds steps the user has advanced past; LastActiveStep is the
// furthest step the wizard has shown.
type StateMetadata struct {
	StartedAt      time.Time `json:"started_at"`
	CompletedSteps []int     `json:"completed_steps"`
	LastActiveStep int       `json:"last_active_step"`
}

// OnboardingState is the semantic payload of a session. It is serialized to
// JSON and stored encrypted; it only exists decrypted in memory during a
// request.
type OnboardingState struct {
	OrganizationName string        `json:"organization_name,omitempty"`
	FirstName        string        `json:"first_name,omitempty"`
	LastName         string        `json:"last_name,omitempty"`
	Locations        []Location    `json:"locations"`
	Metadata         StateMetadata `json:"metadata"`
}

// NewDefaultState seeds the state a freshly created session starts from: one
// placeholder location and step-1 metadata.
func NewDefaultState(now time.Time) *OnboardingState {
	return &OnboardingState{
		Locations: []Location{{ID: "1", Name: "", Address: ""}},
		Metadata: StateMetadata{
			StartedAt:      now,
			CompletedSteps: []int{},
			LastActiveStep: MinStep,
		},
	}
}

// Clone returns a deep copy so callers can mutate merge candidates without
// touching the loaded session.
func (s *OnboardingState) Clone() *OnboardingState {
	if s == nil {
		return nil
	}
	out := *s
	out.Locations = append([]Location(nil), s.Locations...)
	out.Metadata.CompletedSteps = append([]int(nil), s.Metadata.CompletedSteps...)
	return &out
}

// HasCompletedStep reports whether step is recorded as completed.
func (s *OnboardingState) HasCompletedStep(step int) bool {
	for _, done := range s.Metadata.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// StatePatch enumerates the fields a step submission may merge into the
// stored state. Only non-nil fields are applied; unknown keys from client
// payloads never reach the stored record.
type StatePatch struct {
	OrganizationName *string    `json:"organization_name,omitempty"`
	FirstName        *string    `json:"first_name,omitempty"`
	LastName         *string    `json:"last_name,omitempty"`
	Locations        []Location `json:"locations,omitempty"`
}

// OnboardingSession is the decoded session a request works with. State is the
// decrypted payload; the raw bearer token is never part of this struct.
type OnboardingSession struct {
	ID          string           `json:"id"`
	CurrentStep int              `json:"current_step"`
	State       *OnboardingState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	IsCompleted bool             `json:"is_completed"`
	UserAgent   *string          `json:"user_agent,omitempty"`
	IPAddress   *string          `json:"ip_address,omitempty"`
	CSRFToken   string           `json:"-"`
}

// Origin is provenance metadata captured at session creation. Nil fields mean
// the origin is unknown; unknown origins are exempt from the per-address cap.
type Origin struct {
	UserAgent *string
	IPAddress *string
}

// CreateResult is returned once at creation. Token is the only time the raw
// bearer token leaves the service.
type CreateResult struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UpdateParams carries the optional mutations of a step submission.
type UpdateParams struct {
	CurrentStep *int
	Patch       *StatePatch
	IsCompleted *bool
	CSRFToken   *string
}

// SessionStats summarizes the table for operational dashboards.
type SessionStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Expired   int `json:"expired"`
	Completed int `json:"completed"`
}
