// Package types provides the data model shared by the iteration engine, its
// violation policy and the session materializer. The types live here to
// avoid circular imports between iteration, policy and materialize.
package types

import (
	"fmt"
	"slices"
	"strings"
)

// Mode selects which document a session produces.
type Mode string

const (
	ModeOutline Mode = "outline"
	ModeDraft   Mode = "draft"
)

// Modes returns every valid mode.
func Modes() []Mode {
	return []Mode{ModeOutline, ModeDraft}
}

// ParseMode converts user input into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q (want outline or draft)", s)
	}
	return m, nil
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeOutline || m == ModeDraft
}

// GenerateStep is the step that produces the mode's first document.
func (m Mode) GenerateStep() StepType {
	switch m {
	case ModeOutline:
		return StepGenerateOutline
	case ModeDraft:
		return StepGenerateDraft
	}
	return ""
}

// ReviseStep is the step that refines an existing document of the mode.
func (m Mode) ReviseStep() StepType {
	switch m {
	case ModeOutline:
		return StepReviseOutline
	case ModeDraft:
		return StepReviseDraft
	}
	return ""
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusCompleted, StatusBlocked, StatusFailed, StatusCancelled}
}

// Valid reports whether s is one of Statuses.
func (s Status) Valid() bool {
	return slices.Contains(Statuses(), s)
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBlocked, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepType discriminates the kind of work a step performs.
type StepType string

const (
	StepGenerateOutline StepType = "generate-outline"
	StepReviseOutline   StepType = "revise-outline"
	StepGenerateDraft   StepType = "generate-draft"
	StepReviseDraft     StepType = "revise-draft"

	// StepAbort only appears in audit records; it is never executed.
	StepAbort StepType = "abort"
)

// ParseStepType converts user input into an executable StepType.
func ParseStepType(s string) (StepType, error) {
	t := StepType(strings.ToLower(strings.TrimSpace(s)))
	if t.Mode() == "" {
		return "", fmt.Errorf("unknown step type %q", s)
	}
	return t, nil
}

// Mode returns the mode a step type belongs to, or "" for StepAbort and
// unknown values.
func (t StepType) Mode() Mode {
	switch t {
	case StepGenerateOutline, StepReviseOutline:
		return ModeOutline
	case StepGenerateDraft, StepReviseDraft:
		return ModeDraft
	}
	return ""
}

// IsGenerate reports whether t creates its mode's document from scratch.
func (t StepType) IsGenerate() bool {
	return t == StepGenerateOutline || t == StepGenerateDraft
}

// ViolationCode identifies a policy finding. The set is closed.
type ViolationCode string

const (
	ViolationInvalidTransition     ViolationCode = "invalid_transition"
	ViolationMaxIterationsExceeded ViolationCode = "max_iterations_exceeded"
	ViolationMaxDurationExceeded   ViolationCode = "max_duration_exceeded"
	ViolationProviderFailure       ViolationCode = "provider_failure"
	ViolationValidationFailed      ViolationCode = "validation_failed"
	ViolationContentLengthExceeded ViolationCode = "content_length_exceeded"
)

// ViolationCodes returns the closed set of violation codes.
func ViolationCodes() []ViolationCode {
	return []ViolationCode{
		ViolationInvalidTransition,
		ViolationMaxIterationsExceeded,
		ViolationMaxDurationExceeded,
		ViolationProviderFailure,
		ViolationValidationFailed,
		ViolationContentLengthExceeded,
	}
}

// IterationViolation is one policy finding for a step attempt. Blocking is
// resolved by the policy at evaluation time so that audit readers do not
// need the limits that were in force.
type IterationViolation struct {
	Code     ViolationCode `json:"code"`
	Message  string        `json:"message"`
	StepID   string        `json:"stepId"`
	Blocking bool          `json:"blocking"`
}

// Violations is a list of findings for one attempt.
type Violations []IterationViolation

// Codes returns the violation codes in order.
func (v Violations) Codes() []ViolationCode {
	if len(v) == 0 {
		return nil
	}
	out := make([]ViolationCode, len(v))
	for i, x := range v {
		out[i] = x.Code
	}
	return out
}

// Has reports whether any finding has the given code.
func (v Violations) Has(code ViolationCode) bool {
	for _, x := range v {
		if x.Code == code {
			return true
		}
	}
	return false
}

// AnyBlocking reports whether any finding halts the session.
func (v Violations) AnyBlocking() bool {
	for _, x := range v {
		if x.Blocking {
			return true
		}
	}
	return false
}

// BlockingExcept reports whether a blocking finding with a code other than
// code is present.
func (v Violations) BlockingExcept(code ViolationCode) bool {
	for _, x := range v {
		if x.Blocking && x.Code != code {
			return true
		}
	}
	return false
}
