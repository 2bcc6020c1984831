// Package schema enforces the structural consistency rules for onboarding
// state. Validation returns a fixed vocabulary of violation codes instead of
// free text so the recovery path can branch on violation identity.
package schema

import (
	"fmt"
	"strings"

	"onboard/internal/onboarding/models"
)

// Violation identifies one structural defect. The set of values is closed;
// recovery pattern-matches on them.
type Violation string

const (
	ViolationInvalidCurrentStep      Violation = "invalid_current_step"
	ViolationLocationsMissing        Violation = "locations_missing"
	ViolationTooManyLocations        Violation = "too_many_locations"
	ViolationLocationIncomplete      Violation = "location_incomplete"
	ViolationMissingOrganizationName Violation = "missing_organization_name"
	ViolationInvalidLastActiveStep   Violation = "invalid_last_active_step"
	ViolationInvalidCompletedStep    Violation = "invalid_completed_step"
	ViolationInconsistentMetadata    Violation = "inconsistent_step_metadata"
)

// ValidationError carries the violation list through an error chain so write
// paths can reject without committing partial state.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = string(v)
	}
	return fmt.Sprintf("state validation failed: %s", strings.Join(codes, ", "))
}

// Codes returns the violations as plain strings for API responses.
func (e *ValidationError) Codes() []string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = string(v)
	}
	return codes
}

// StepInRange reports whether step lies inside the wizard's step bounds.
func StepInRange(step int) bool {
	return step >= models.MinStep && step <= models.MaxStep
}

// Validate checks state against the structural invariants for the given
// current step. A nil result means the state is consistent.
//
// The checks are purely structural: step bounds, metadata consistency and the
// per-step data-completeness rules. Cross-field business rules beyond these do
// not belong here.
func Validate(state *models.OnboardingState, currentStep int) []Violation {
	var out []Violation

	if !StepInRange(currentStep) {
		out = append(out, ViolationInvalidCurrentStep)
	}

	if state == nil {
		// Everything below inspects the payload; a missing payload is the
		// worst case of a missing locations array.
		return append(out, ViolationLocationsMissing)
	}

	// A missing or empty locations array is itself a defect, not "no
	// locations": creation seeds a placeholder entry.
	switch {
	case len(state.Locations) == 0:
		out = append(out, ViolationLocationsMissing)
	case len(state.Locations) > models.MaxLocations:
		out = append(out, ViolationTooManyLocations)
	}

	if !StepInRange(state.Metadata.LastActiveStep) {
		out = append(out, ViolationInvalidLastActiveStep)
	}

	maxCompleted := 0
	invalidCompleted := false
	for _, step := range state.Metadata.CompletedSteps {
		if !StepInRange(step) {
			invalidCompleted = true
		}
		if step > maxCompleted {
			maxCompleted = step
		}
	}
	if invalidCompleted {
		out = append(out, ViolationInvalidCompletedStep)
	}
	if state.Metadata.LastActiveStep < maxCompleted {
		out = append(out, ViolationInconsistentMetadata)
	}

	out = append(out, stepCompleteness(state, currentStep)...)
	return out
}

// stepCompleteness applies the per-step data requirements: step >=2 needs an
// organization name, step >=3 needs every location fully populated.
func stepCompleteness(state *models.OnboardingState, currentStep int) []Violation {
	var out []Violation
	if currentStep >= 2 && strings.TrimSpace(state.OrganizationName) == "" {
		out = append(out, ViolationMissingOrganizationName)
	}
	if currentStep >= 3 && len(state.Locations) > 0 {
		for _, loc := range state.Locations {
			if strings.TrimSpace(loc.Name) == "" || strings.TrimSpace(loc.Address) == "" {
				out = append(out, ViolationLocationIncomplete)
				break
			}
		}
	}
	return out
}

// Contains reports whether the violation list includes v.
func Contains(violations []Violation, v Violation) bool {
	for _, got := range violations {
		if got == v {
			return true
		}
	}
	return false
}
