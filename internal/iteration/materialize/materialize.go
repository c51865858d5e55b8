// Package materialize converts engine state into the persisted and
// reported forms of a session: the SessionSnapshot handed to storage and
// the summaries produced for completed sessions. Nothing here does I/O.
package materialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// Snapshot builds the persistable rollup of state. records is the full
// audit-facing attempt list, including attempts that never executed.
func Snapshot(state types.IterationState, records []types.StepRecord) types.SessionSnapshot {
	steps := make([]types.StepRecord, len(records))
	for i, r := range records {
		steps[i] = r.Clone()
	}
	return types.SessionSnapshot{
		Version:      types.SnapshotVersion,
		ID:           state.SessionID,
		Mode:         state.Mode,
		PersonaID:    state.PersonaID,
		TemplateID:   state.TemplateID,
		OutlineRefID: state.OutlineRefID,
		AwaitReview:  state.AwaitReview,
		Steps:        steps,
		CurrentState: types.CurrentState{
			Status:           state.Status,
			CurrentStepIndex: state.CurrentStepIndex,
			LastStepType:     state.LastStepType(),
		},
		Outputs:   state.Outputs.Clone(),
		CreatedAt: state.CreatedAt,
		UpdatedAt: state.UpdatedAt,
	}
}

// State rebuilds engine state and the attempt list from a snapshot. History
// is recovered from the executed records.
func State(snap types.SessionSnapshot) (types.IterationState, []types.StepRecord, error) {
	if !snap.Mode.Valid() {
		return types.IterationState{}, nil, errors.Validation("snapshot %s has unknown mode %q", snap.ID, snap.Mode)
	}
	if snap.ID == "" {
		return types.IterationState{}, nil, errors.Validation("snapshot has no id")
	}
	if !snap.CurrentState.Status.Valid() {
		return types.IterationState{}, nil, errors.Validation("snapshot %s has unknown status %q", snap.ID, snap.CurrentState.Status).
			WithCause(errors.ErrSessionCorrupted)
	}

	records := make([]types.StepRecord, len(snap.Steps))
	var history []types.IterationStep
	for i, r := range snap.Steps {
		records[i] = r.Clone()
		if step, ok := types.StepFromRecord(r); ok {
			history = append(history, step)
		}
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Index < history[j].Index })
	for i, step := range history {
		if step.Index != i {
			return types.IterationState{}, nil, errors.Validation("snapshot %s history is not contiguous at index %d", snap.ID, i)
		}
	}

	state := types.IterationState{
		SessionID:        snap.ID,
		Mode:             snap.Mode,
		Status:           snap.CurrentState.Status,
		History:          history,
		CurrentStepIndex: len(history) - 1,
		Outputs:          snap.Outputs.Clone(),
		PersonaID:        snap.PersonaID,
		TemplateID:       snap.TemplateID,
		OutlineRefID:     snap.OutlineRefID,
		AwaitReview:      snap.AwaitReview,
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        snap.UpdatedAt,
	}
	return state, records, nil
}

// OutlineSummary describes a completed outline session.
func OutlineSummary(state types.IterationState) (types.OutlineSessionSummary, error) {
	if err := requireCompleted(state, types.ModeOutline); err != nil {
		return types.OutlineSessionSummary{}, err
	}
	if state.Outputs.Outline == nil {
		return types.OutlineSessionSummary{}, errors.InvalidState("session %s completed without an outline", state.SessionID)
	}
	return types.OutlineSessionSummary{
		SessionID:   state.SessionID,
		PersonaID:   state.PersonaID,
		TemplateID:  state.TemplateID,
		Outline:     *state.Outputs.Outline.Clone(),
		Steps:       len(state.History),
		DurationMs:  state.TotalDurationMs(),
		CompletedAt: state.UpdatedAt,
	}, nil
}

// DraftSummary describes a completed draft session.
func DraftSummary(state types.IterationState) (types.DraftSessionSummary, error) {
	if err := requireCompleted(state, types.ModeDraft); err != nil {
		return types.DraftSessionSummary{}, err
	}
	if state.Outputs.Draft == nil {
		return types.DraftSessionSummary{}, errors.InvalidState("session %s completed without a draft", state.SessionID)
	}
	return types.DraftSessionSummary{
		SessionID:    state.SessionID,
		PersonaID:    state.PersonaID,
		TemplateID:   state.TemplateID,
		OutlineRefID: state.Outputs.Draft.OutlineRefID,
		Draft:        *state.Outputs.Draft.Clone(),
		Steps:        len(state.History),
		DurationMs:   state.TotalDurationMs(),
		CompletedAt:  state.UpdatedAt,
	}, nil
}

func requireCompleted(state types.IterationState, mode types.Mode) error {
	if state.Mode != mode {
		return errors.InvalidState("session %s is a %s session, not %s", state.SessionID, state.Mode, mode)
	}
	if state.Status != types.StatusCompleted {
		return errors.InvalidState("session %s is %s, summaries need a completed session", state.SessionID, state.Status).
			WithDetail("status", string(state.Status))
	}
	return nil
}

// Encode renders a snapshot as indented JSON.
func Encode(snap types.SessionSnapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	return data, nil
}

// Decode parses a snapshot. Unknown fields are ignored so older binaries
// can read snapshots written by newer ones.
func Decode(data []byte) (types.SessionSnapshot, error) {
	var snap types.SessionSnapshot
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return types.SessionSnapshot{}, errors.Wrap(errors.ErrSessionCorrupted, err.Error())
	}
	if snap.Version == 0 {
		snap.Version = types.SnapshotVersion
	}
	return snap, nil
}
