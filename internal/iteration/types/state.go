package types

import (
	"time"

	"github.com/Iron-Ham/draftsmith/internal/errors"
)

// SnapshotVersion is written into every SessionSnapshot.
const SnapshotVersion = 1

// IterationStep is one executed attempt in a session's history. It is
// immutable once appended.
type IterationStep struct {
	Index      int         `json:"index"`
	ID         string      `json:"id"`
	Type       StepType    `json:"type"`
	Input      StepInput   `json:"input"`
	Output     *StepOutput `json:"output,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMs int64       `json:"durationMs"`
	Error      string      `json:"error,omitempty"`
}

// Clone returns a deep copy of s.
func (s IterationStep) Clone() IterationStep {
	c := s
	c.Input = s.Input.Clone()
	c.Output = s.Output.Clone()
	return c
}

// Succeeded reports whether the executor returned an output for the step.
func (s IterationStep) Succeeded() bool {
	return s.Error == "" && s.Output != nil
}

// IterationState is the engine-owned state of one session.
type IterationState struct {
	SessionID string `json:"sessionId"`
	Mode      Mode   `json:"mode"`
	Status    Status `json:"status"`

	History []IterationStep `json:"history"`
	// CurrentStepIndex is the index of the latest history entry, -1 before
	// the first step executes.
	CurrentStepIndex int     `json:"currentStepIndex"`
	Outputs          Outputs `json:"outputs"`

	PersonaID    string `json:"personaId,omitempty"`
	TemplateID   string `json:"templateId,omitempty"`
	OutlineRefID string `json:"outlineRefId,omitempty"`
	// AwaitReview keeps the session running after the generate step until a
	// step with Final set succeeds.
	AwaitReview bool `json:"awaitReview,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s IterationState) Clone() IterationState {
	c := s
	if s.History != nil {
		c.History = make([]IterationStep, len(s.History))
		for i, step := range s.History {
			c.History[i] = step.Clone()
		}
	}
	c.Outputs = s.Outputs.Clone()
	return c
}

// LastStep returns the most recent history entry, or nil.
func (s *IterationState) LastStep() *IterationStep {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// LastStepType returns the type of the most recent history entry, or "".
func (s *IterationState) LastStepType() StepType {
	if last := s.LastStep(); last != nil {
		return last.Type
	}
	return ""
}

// TotalDurationMs sums the duration of every executed attempt.
func (s *IterationState) TotalDurationMs() int64 {
	var total int64
	for _, step := range s.History {
		total += step.DurationMs
	}
	return total
}

// HasDocument reports whether the session already holds its mode's document.
func (s *IterationState) HasDocument() bool {
	switch s.Mode {
	case ModeOutline:
		return s.Outputs.Outline != nil
	case ModeDraft:
		return s.Outputs.Draft != nil
	}
	return false
}

// StepRecord is the audit-facing projection of one step attempt. StepIndex
// is nil for attempts that never reached execution and for abort records.
type StepRecord struct {
	StepID     string          `json:"stepId"`
	SessionID  string          `json:"sessionId"`
	StepIndex  *int            `json:"stepIndex,omitempty"`
	Type       StepType        `json:"type"`
	Input      StepInput       `json:"input"`
	Output     *StepOutput     `json:"output,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	DurationMs int64           `json:"durationMs"`
	Violations []ViolationCode `json:"violations,omitempty"`
	Error      string          `json:"error,omitempty"`
	Note       string          `json:"note,omitempty"`
}

// Clone returns a deep copy of r.
func (r StepRecord) Clone() StepRecord {
	c := r
	if r.StepIndex != nil {
		idx := *r.StepIndex
		c.StepIndex = &idx
	}
	c.Input = r.Input.Clone()
	c.Output = r.Output.Clone()
	c.Violations = append([]ViolationCode(nil), r.Violations...)
	return c
}

// Executed reports whether the record corresponds to a history entry.
func (r StepRecord) Executed() bool {
	return r.StepIndex != nil
}

// RecordFromStep projects a history entry into an audit record.
func RecordFromStep(sessionID string, step IterationStep, violations Violations) StepRecord {
	idx := step.Index
	return StepRecord{
		StepID:     step.ID,
		SessionID:  sessionID,
		StepIndex:  &idx,
		Type:       step.Type,
		Input:      step.Input.Clone(),
		Output:     step.Output.Clone(),
		Timestamp:  step.Timestamp,
		DurationMs: step.DurationMs,
		Violations: violations.Codes(),
		Error:      step.Error,
	}
}

// StepFromRecord rebuilds a history entry from an executed record.
func StepFromRecord(r StepRecord) (IterationStep, bool) {
	if r.StepIndex == nil {
		return IterationStep{}, false
	}
	return IterationStep{
		Index:      *r.StepIndex,
		ID:         r.StepID,
		Type:       r.Type,
		Input:      r.Input.Clone(),
		Output:     r.Output.Clone(),
		Timestamp:  r.Timestamp,
		DurationMs: r.DurationMs,
		Error:      r.Error,
	}, true
}

// CurrentState is the status part of a snapshot.
type CurrentState struct {
	Status           Status   `json:"status"`
	CurrentStepIndex int      `json:"currentStepIndex"`
	LastStepType     StepType `json:"lastStepType,omitempty"`
}

// SessionSnapshot is the persistable rollup of a session. Field names are
// part of the on-disk format.
type SessionSnapshot struct {
	Version      int          `json:"version"`
	ID           string       `json:"id"`
	Mode         Mode         `json:"mode"`
	PersonaID    string       `json:"personaId,omitempty"`
	TemplateID   string       `json:"templateId,omitempty"`
	OutlineRefID string       `json:"outlineRefId,omitempty"`
	AwaitReview  bool         `json:"awaitReview,omitempty"`
	Steps        []StepRecord `json:"steps"`
	CurrentState CurrentState `json:"currentState"`
	Outputs      Outputs      `json:"outputs"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Terminal reports whether the snapshot's session can no longer change.
func (s SessionSnapshot) Terminal() bool {
	return s.CurrentState.Status.Terminal()
}

// TransitionResult is returned by every engine operation. Fault is nil when
// the operation was accepted; Violations may still be non-empty then.
type TransitionResult struct {
	SessionID  string        `json:"sessionId"`
	Status     Status        `json:"status"`
	Violations Violations    `json:"violations,omitempty"`
	Record     *StepRecord   `json:"record,omitempty"`
	Fault      *errors.Fault `json:"fault,omitempty"`
	// Warnings collects non-fatal problems such as audit append failures.
	Warnings []string        `json:"warnings,omitempty"`
	Snapshot SessionSnapshot `json:"snapshot"`
}

// OK reports whether the result carries no fault.
func (r TransitionResult) OK() bool {
	return r.Fault == nil
}

// Err returns the fault as an error, or nil.
func (r TransitionResult) Err() error {
	if r.Fault == nil {
		return nil
	}
	return r.Fault
}

// OutlineSessionSummary describes a completed outline session.
type OutlineSessionSummary struct {
	SessionID   string    `json:"sessionId"`
	PersonaID   string    `json:"personaId,omitempty"`
	TemplateID  string    `json:"templateId,omitempty"`
	Outline     Outline   `json:"outline"`
	Steps       int       `json:"steps"`
	DurationMs  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

// DraftSessionSummary describes a completed draft session.
type DraftSessionSummary struct {
	SessionID    string    `json:"sessionId"`
	PersonaID    string    `json:"personaId,omitempty"`
	TemplateID   string    `json:"templateId,omitempty"`
	OutlineRefID string    `json:"outlineRefId"`
	Draft        Draft     `json:"draft"`
	Steps        int       `json:"steps"`
	DurationMs   int64     `json:"durationMs"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Transition describes one status change of a session. Record is the audit
// record written for the change, if any.
type Transition struct {
	SessionID string      `json:"sessionId"`
	Mode      Mode        `json:"mode"`
	From      Status      `json:"from"`
	To        Status      `json:"to"`
	Record    *StepRecord `json:"record,omitempty"`
	At        time.Time   `json:"at"`
}
