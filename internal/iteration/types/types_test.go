package types

import (
	"encoding/json"
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"outline", ModeOutline, false},
		{" Draft ", ModeDraft, false},
		{"essay", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestModeSteps(t *testing.T) {
	for _, m := range Modes() {
		gen, rev := m.GenerateStep(), m.ReviseStep()
		if gen.Mode() != m || rev.Mode() != m {
			t.Errorf("%s: steps %s/%s belong to another mode", m, gen, rev)
		}
		if !gen.IsGenerate() || rev.IsGenerate() {
			t.Errorf("%s: IsGenerate misclassifies %s/%s", m, gen, rev)
		}
	}
	if StepAbort.Mode() != "" {
		t.Error("abort must not belong to a mode")
	}
	if _, err := ParseStepType("abort"); err == nil {
		t.Error("abort should not parse as an executable step")
	}
	if got, err := ParseStepType("Revise-Draft"); err != nil || got != StepReviseDraft {
		t.Errorf("ParseStepType() = %q, %v", got, err)
	}
}

func TestStatusTerminal(t *testing.T) {
	want := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusBlocked:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for _, s := range Statuses() {
		if s.Terminal() != want[s] {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want[s])
		}
	}
}

func TestViolations(t *testing.T) {
	v := Violations{
		{Code: ViolationProviderFailure, Blocking: true},
		{Code: ViolationContentLengthExceeded},
	}
	if !v.Has(ViolationProviderFailure) || v.Has(ViolationInvalidTransition) {
		t.Error("Has() misreports codes")
	}
	if !v.AnyBlocking() {
		t.Error("AnyBlocking() = false")
	}
	if v.BlockingExcept(ViolationProviderFailure) {
		t.Error("BlockingExcept(provider_failure) should ignore the provider finding")
	}
	if got := v.Codes(); len(got) != 2 || got[1] != ViolationContentLengthExceeded {
		t.Errorf("Codes() = %v", got)
	}
	if Violations(nil).Codes() != nil {
		t.Error("Codes() of empty list should be nil")
	}
}

func TestStateClone(t *testing.T) {
	state := IterationState{
		SessionID: "s",
		Mode:      ModeOutline,
		History: []IterationStep{{
			Index:  0,
			Input:  StepInput{Metadata: map[string]string{"k": "v"}},
			Output: &StepOutput{Outline: &Outline{Title: "T", Sections: []Section{{Heading: "A"}}}},
		}},
		CurrentStepIndex: 0,
	}
	state.Outputs.Outline = state.History[0].Output.Outline.Clone()

	c := state.Clone()
	c.History[0].Input.Metadata["k"] = "changed"
	c.History[0].Output.Outline.Sections[0].Heading = "changed"
	c.Outputs.Outline.Title = "changed"

	if state.History[0].Input.Metadata["k"] != "v" ||
		state.History[0].Output.Outline.Sections[0].Heading != "A" ||
		state.Outputs.Outline.Title != "T" {
		t.Error("Clone() shares memory with the original")
	}
	if state.LastStepType() != "" {
		t.Errorf("LastStepType() = %q for a step without type", state.LastStepType())
	}
	if !state.HasDocument() {
		t.Error("HasDocument() = false with an outline present")
	}
}

func TestRecordStepRoundTrip(t *testing.T) {
	step := IterationStep{
		Index:      2,
		ID:         "step-2",
		Type:       StepReviseOutline,
		Input:      StepInput{Instructions: "tighten"},
		DurationMs: 12,
		Error:      "rate limited",
	}
	rec := RecordFromStep("s", step, Violations{{Code: ViolationProviderFailure}})
	if !rec.Executed() || *rec.StepIndex != 2 {
		t.Fatalf("record index = %v", rec.StepIndex)
	}
	back, ok := StepFromRecord(rec)
	if !ok || back.ID != step.ID || back.Error != step.Error || back.Index != 2 {
		t.Errorf("StepFromRecord() = %+v, %v", back, ok)
	}
	if _, ok := StepFromRecord(StepRecord{}); ok {
		t.Error("record without index should not rebuild a step")
	}
}

func TestSnapshotJSONFieldNames(t *testing.T) {
	snap := SessionSnapshot{
		Version:      SnapshotVersion,
		ID:           "s",
		Mode:         ModeDraft,
		OutlineRefID: "o",
		CurrentState: CurrentState{Status: StatusRunning, CurrentStepIndex: -1},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"version", "id", "mode", "outlineRefId", "steps", "currentState", "outputs", "createdAt", "updatedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("snapshot JSON missing %q: %s", key, data)
		}
	}
	if _, ok := raw["personaId"]; ok {
		t.Error("empty personaId should be omitted")
	}
	cs := raw["currentState"].(map[string]any)
	if cs["status"] != "running" || cs["currentStepIndex"] != float64(-1) {
		t.Errorf("currentState = %v", cs)
	}
}
