// Package policy evaluates step attempts against session limits and output
// shape rules. Evaluation is pure: no I/O, no clock, and the same inputs
// always produce the same violations in the same order.
package policy

import (
	"fmt"
	"maps"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// DefaultMaxSteps is the per-mode attempt ceiling used when none is configured.
const DefaultMaxSteps = 5

// Limits configures a Policy. Zero values mean "unlimited" except where noted.
type Limits struct {
	// MaxSteps caps the number of executed attempts per session, by mode.
	// Modes missing from the map are unlimited.
	MaxSteps map[types.Mode]int
	// MaxTotalDuration caps the summed executor time of a session.
	MaxTotalDuration time.Duration
	// ProviderFailureBlocking makes every executor failure halt the session.
	ProviderFailureBlocking bool
	// MaxConsecutiveProviderFailures escalates provider failures to blocking
	// once this many executor failures happen in a row.
	MaxConsecutiveProviderFailures int
	// MaxContentChars is the advisory length limit for produced markdown.
	MaxContentChars int
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps: map[types.Mode]int{
			types.ModeOutline: DefaultMaxSteps,
			types.ModeDraft:   DefaultMaxSteps,
		},
	}
}

// Attempt is the step the engine is about to execute or has just executed.
type Attempt struct {
	StepID string
	Type   types.StepType
	Input  types.StepInput
}

// Outcome is what the executor produced for an attempt. Err non-nil means
// the executor failed and Output is ignored. An Err classified as
// validation_error is reported as validation_failed rather than
// provider_failure.
type Outcome struct {
	Output     *types.StepOutput
	Err        error
	DurationMs int64
}

// Failed reports whether the executor failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Policy is a configured violation evaluator. A Policy is immutable and safe
// for concurrent use.
type Policy struct {
	limits Limits
}

// New returns a Policy enforcing limits.
func New(limits Limits) *Policy {
	limits.MaxSteps = maps.Clone(limits.MaxSteps)
	return &Policy{limits: limits}
}

// Limits returns the configured limits.
func (p *Policy) Limits() Limits {
	return p.limits
}

// IsBlocking is the static classification of a code. Provider failures may
// additionally escalate during Evaluate once the consecutive-failure limit
// is reached.
func (p *Policy) IsBlocking(code types.ViolationCode) bool {
	switch code {
	case types.ViolationInvalidTransition,
		types.ViolationMaxIterationsExceeded,
		types.ViolationMaxDurationExceeded,
		types.ViolationValidationFailed:
		return true
	case types.ViolationProviderFailure:
		return p.limits.ProviderFailureBlocking
	case types.ViolationContentLengthExceeded:
		return false
	}
	return true
}

// Precheck reports violations that prevent an attempt from executing at all.
// Only legality is checked here; everything else depends on the outcome.
func (p *Policy) Precheck(state *types.IterationState, attempt Attempt) types.Violations {
	if reason := illegal(state, attempt.Type); reason != "" {
		return types.Violations{p.violation(types.ViolationInvalidTransition, attempt, reason)}
	}
	return nil
}

// Evaluate returns every violation for an attempt against state, where state
// does not yet include the attempt. Findings that do not depend on the
// executor's output are reported for failed attempts too.
func (p *Policy) Evaluate(state *types.IterationState, attempt Attempt, outcome Outcome) types.Violations {
	out := p.Precheck(state, attempt)

	if limit := p.limits.MaxSteps[state.Mode]; limit > 0 {
		if n := len(state.History) + 1; n > limit {
			out = append(out, p.violation(types.ViolationMaxIterationsExceeded, attempt,
				fmt.Sprintf("attempt %d exceeds the %s ceiling of %d", n, state.Mode, limit)))
		}
	}

	if p.limits.MaxTotalDuration > 0 {
		total := time.Duration(state.TotalDurationMs()+outcome.DurationMs) * time.Millisecond
		if total > p.limits.MaxTotalDuration {
			out = append(out, p.violation(types.ViolationMaxDurationExceeded, attempt,
				fmt.Sprintf("session time %s exceeds %s", total, p.limits.MaxTotalDuration)))
		}
	}

	if outcome.Failed() && errors.CodeOf(outcome.Err) == errors.CodeValidationError {
		return append(out, p.violation(types.ViolationValidationFailed, attempt, outcome.Err.Error()))
	}
	if outcome.Failed() {
		v := p.violation(types.ViolationProviderFailure, attempt, outcome.Err.Error())
		if n := p.limits.MaxConsecutiveProviderFailures; n > 0 && consecutiveFailures(state)+1 >= n {
			v.Blocking = true
			v.Message = fmt.Sprintf("%s (%d consecutive failures)", v.Message, consecutiveFailures(state)+1)
		}
		return append(out, v)
	}

	for _, reason := range shapeProblems(state, outcome.Output) {
		out = append(out, p.violation(types.ViolationValidationFailed, attempt, reason))
	}

	if limit := p.limits.MaxContentChars; limit > 0 {
		if n := utf8.RuneCountInString(outcome.Output.Markdown()); n > limit {
			out = append(out, p.violation(types.ViolationContentLengthExceeded, attempt,
				fmt.Sprintf("content is %d characters, limit is %d", n, limit)))
		}
	}

	return out
}

func (p *Policy) violation(code types.ViolationCode, attempt Attempt, msg string) types.IterationViolation {
	return types.IterationViolation{
		Code:     code,
		Message:  msg,
		StepID:   attempt.StepID,
		Blocking: p.IsBlocking(code),
	}
}

// Legal reports whether step may run next in state.
func Legal(state *types.IterationState, step types.StepType) bool {
	return illegal(state, step) == ""
}

// NextStep returns the step type a running session accepts next.
func NextStep(state *types.IterationState) types.StepType {
	if state.HasDocument() {
		return state.Mode.ReviseStep()
	}
	return state.Mode.GenerateStep()
}

// illegal returns why step cannot run in state, or "".
func illegal(state *types.IterationState, step types.StepType) string {
	if step.Mode() == "" {
		return fmt.Sprintf("%q is not an executable step", step)
	}
	if step.Mode() != state.Mode {
		return fmt.Sprintf("%s is not allowed in a %s session", step, state.Mode)
	}
	if state.Mode == types.ModeDraft && state.Outputs.Outline == nil {
		return "draft session has no referenced outline"
	}
	if want := NextStep(state); step != want {
		last := state.LastStepType()
		if last == "" {
			last = "none"
		}
		return fmt.Sprintf("%s cannot follow %s; expected %s", step, last, want)
	}
	return ""
}

func consecutiveFailures(state *types.IterationState) int {
	n := 0
	for i := len(state.History) - 1; i >= 0; i-- {
		if state.History[i].Error == "" {
			break
		}
		n++
	}
	return n
}

// shapeProblems lists required-field problems with a successful output.
func shapeProblems(state *types.IterationState, out *types.StepOutput) []string {
	if out.Empty() {
		return []string{fmt.Sprintf("%s step returned no document", state.Mode)}
	}

	var problems []string
	switch state.Mode {
	case types.ModeOutline:
		if out.Draft != nil {
			problems = append(problems, "outline session produced a draft")
		}
		o := out.Outline
		if o == nil {
			return append(problems, "outline step returned no outline")
		}
		if strings.TrimSpace(o.Title) == "" {
			problems = append(problems, "outline has no title")
		}
		if len(o.Sections) == 0 {
			problems = append(problems, "outline has no sections")
		}
		for i, s := range o.Sections {
			if strings.TrimSpace(s.Heading) == "" {
				problems = append(problems, fmt.Sprintf("outline section %d has no heading", i+1))
			}
		}

	case types.ModeDraft:
		if out.Outline != nil {
			problems = append(problems, "draft session produced an outline")
		}
		d := out.Draft
		if d == nil {
			return append(problems, "draft step returned no draft")
		}
		if strings.TrimSpace(d.Markdown) == "" {
			problems = append(problems, "draft has no content")
		}
		switch ref := state.Outputs.Outline; {
		case ref == nil:
			problems = append(problems, "draft has no outline to reference")
		case d.OutlineRefID != ref.ID:
			problems = append(problems, fmt.Sprintf("draft references outline %q, session uses %q", d.OutlineRefID, ref.ID))
		}
	}
	return problems
}
