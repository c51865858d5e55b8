package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	errs "github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

func outlineState(historyLen int) *types.IterationState {
	s := &types.IterationState{
		SessionID:        "s",
		Mode:             types.ModeOutline,
		Status:           types.StatusRunning,
		CurrentStepIndex: historyLen - 1,
	}
	for i := 0; i < historyLen; i++ {
		typ := types.StepReviseOutline
		if i == 0 {
			typ = types.StepGenerateOutline
		}
		s.History = append(s.History, types.IterationStep{Index: i, Type: typ, DurationMs: 100})
	}
	if historyLen > 0 {
		s.Outputs.Outline = goodOutline()
	}
	return s
}

func draftState(withOutline bool) *types.IterationState {
	s := &types.IterationState{
		SessionID:        "d",
		Mode:             types.ModeDraft,
		Status:           types.StatusRunning,
		CurrentStepIndex: -1,
		OutlineRefID:     "o-1",
	}
	if withOutline {
		s.Outputs.Outline = goodOutline()
	}
	return s
}

func goodOutline() *types.Outline {
	return &types.Outline{
		ID:    "o-1",
		Title: "Tides",
		Sections: []types.Section{
			{Heading: "Moon"}, {Heading: "Sun"}, {Heading: "Coasts"},
		},
		Markdown: "# Tides\n\n## Moon\n\n## Sun\n\n## Coasts\n",
	}
}

func codes(v types.Violations) []types.ViolationCode {
	return v.Codes()
}

func TestIsBlocking(t *testing.T) {
	tests := []struct {
		code   types.ViolationCode
		limits Limits
		want   bool
	}{
		{types.ViolationInvalidTransition, DefaultLimits(), true},
		{types.ViolationMaxIterationsExceeded, DefaultLimits(), true},
		{types.ViolationMaxDurationExceeded, DefaultLimits(), true},
		{types.ViolationValidationFailed, DefaultLimits(), true},
		{types.ViolationProviderFailure, DefaultLimits(), false},
		{types.ViolationProviderFailure, Limits{ProviderFailureBlocking: true}, true},
		{types.ViolationContentLengthExceeded, DefaultLimits(), false},
		{types.ViolationCode("unknown"), DefaultLimits(), true},
	}
	covered := map[types.ViolationCode]bool{}
	for _, tt := range tests {
		covered[tt.code] = true
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.limits).IsBlocking(tt.code); got != tt.want {
				t.Errorf("IsBlocking(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
	for _, code := range types.ViolationCodes() {
		if !covered[code] {
			t.Errorf("no classification case for %s", code)
		}
	}
}

func TestPrecheck(t *testing.T) {
	p := New(DefaultLimits())

	tests := []struct {
		name  string
		state *types.IterationState
		step  types.StepType
		legal bool
	}{
		{"generate first outline", outlineState(0), types.StepGenerateOutline, true},
		{"revise before generate", outlineState(0), types.StepReviseOutline, false},
		{"generate twice", outlineState(1), types.StepGenerateOutline, false},
		{"revise after generate", outlineState(1), types.StepReviseOutline, true},
		{"draft step in outline session", outlineState(1), types.StepReviseDraft, false},
		{"abort is not executable", outlineState(1), types.StepAbort, false},
		{"draft without outline", draftState(false), types.StepGenerateDraft, false},
		{"draft with outline", draftState(true), types.StepGenerateDraft, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Precheck(tt.state, Attempt{StepID: "x", Type: tt.step})
			if tt.legal {
				if len(v) != 0 {
					t.Fatalf("Precheck() = %v, want none", v)
				}
				return
			}
			if len(v) != 1 || v[0].Code != types.ViolationInvalidTransition || !v[0].Blocking || v[0].StepID != "x" {
				t.Fatalf("Precheck() = %+v, want one blocking invalid_transition", v)
			}
			if Legal(tt.state, tt.step) {
				t.Error("Legal() disagrees with Precheck()")
			}
		})
	}
}

func TestEvaluate_IterationCeiling(t *testing.T) {
	p := New(DefaultLimits())
	attempt := Attempt{StepID: "x", Type: types.StepReviseOutline}
	ok := Outcome{Output: &types.StepOutput{Outline: goodOutline()}}

	if v := p.Evaluate(outlineState(4), attempt, ok); len(v) != 0 {
		t.Errorf("5th attempt: %v, want none", codes(v))
	}
	v := p.Evaluate(outlineState(5), attempt, ok)
	if diff := cmp.Diff([]types.ViolationCode{types.ViolationMaxIterationsExceeded}, codes(v)); diff != "" {
		t.Errorf("6th attempt violations (-want +got):\n%s", diff)
	}
	if !v.AnyBlocking() {
		t.Error("ceiling must block")
	}

	unlimited := New(Limits{})
	if v := unlimited.Evaluate(outlineState(50), attempt, ok); len(v) != 0 {
		t.Errorf("unlimited policy reported %v", codes(v))
	}
}

func TestEvaluate_Duration(t *testing.T) {
	p := New(Limits{MaxTotalDuration: 450 * time.Millisecond})
	attempt := Attempt{Type: types.StepReviseOutline}

	under := Outcome{Output: &types.StepOutput{Outline: goodOutline()}, DurationMs: 150}
	if v := p.Evaluate(outlineState(2), attempt, under); len(v) != 0 {
		t.Errorf("350ms total: %v", codes(v))
	}
	over := Outcome{Output: &types.StepOutput{Outline: goodOutline()}, DurationMs: 151}
	if v := p.Evaluate(outlineState(3), attempt, over); !v.Has(types.ViolationMaxDurationExceeded) {
		t.Errorf("451ms total: %v", codes(v))
	}
}

func TestEvaluate_ProviderFailure(t *testing.T) {
	attempt := Attempt{StepID: "x", Type: types.StepReviseOutline}
	failed := Outcome{Err: errors.New("rate limited")}

	t.Run("non-blocking by default", func(t *testing.T) {
		v := New(DefaultLimits()).Evaluate(outlineState(1), attempt, failed)
		if len(v) != 1 || v[0].Code != types.ViolationProviderFailure || v[0].Blocking {
			t.Fatalf("violations = %+v", v)
		}
		if v[0].Message != "rate limited" {
			t.Errorf("message = %q", v[0].Message)
		}
	})

	t.Run("output checks skipped, limits kept", func(t *testing.T) {
		v := New(DefaultLimits()).Evaluate(outlineState(5), attempt, failed)
		want := []types.ViolationCode{types.ViolationMaxIterationsExceeded, types.ViolationProviderFailure}
		if diff := cmp.Diff(want, codes(v)); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("escalates after consecutive failures", func(t *testing.T) {
		p := New(Limits{MaxConsecutiveProviderFailures: 2})
		state := outlineState(2)
		state.History[1].Error = "timeout"

		v := p.Evaluate(state, attempt, failed)
		if len(v) != 1 || !v[0].Blocking {
			t.Fatalf("violations = %+v, want blocking provider failure", v)
		}
		if !strings.Contains(v[0].Message, "2 consecutive failures") {
			t.Errorf("message = %q", v[0].Message)
		}

		state.History[1].Error = ""
		if v := p.Evaluate(state, attempt, failed); v[0].Blocking {
			t.Error("a success in between resets the streak")
		}
	})
}

func TestEvaluate_OutlineShape(t *testing.T) {
	p := New(DefaultLimits())
	attempt := Attempt{Type: types.StepGenerateOutline}

	tests := []struct {
		name string
		out  *types.StepOutput
		want int
	}{
		{"valid", &types.StepOutput{Outline: goodOutline()}, 0},
		{"nil output", nil, 1},
		{"no title", &types.StepOutput{Outline: &types.Outline{Sections: []types.Section{{Heading: "A"}}}}, 1},
		{"no sections", &types.StepOutput{Outline: &types.Outline{Title: "T"}}, 1},
		{"blank heading", &types.StepOutput{Outline: &types.Outline{Title: "T", Sections: []types.Section{{Heading: " "}}}}, 1},
		{"draft instead", &types.StepOutput{Draft: &types.Draft{Markdown: "x"}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Evaluate(outlineState(0), attempt, Outcome{Output: tt.out})
			if len(v) != tt.want {
				t.Fatalf("got %d violations %v, want %d", len(v), codes(v), tt.want)
			}
			for _, x := range v {
				if x.Code != types.ViolationValidationFailed || !x.Blocking {
					t.Errorf("unexpected violation %+v", x)
				}
			}
		})
	}
}

func TestEvaluate_DraftShape(t *testing.T) {
	p := New(DefaultLimits())
	attempt := Attempt{Type: types.StepGenerateDraft}

	tests := []struct {
		name  string
		draft *types.Draft
		want  int
	}{
		{"valid", &types.Draft{OutlineRefID: "o-1", Markdown: "body"}, 0},
		{"empty markdown", &types.Draft{OutlineRefID: "o-1"}, 1},
		{"wrong outline", &types.Draft{OutlineRefID: "o-2", Markdown: "body"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Evaluate(draftState(true), attempt, Outcome{Output: &types.StepOutput{Draft: tt.draft}})
			if len(v) != tt.want {
				t.Errorf("got %v, want %d violations", codes(v), tt.want)
			}
		})
	}
}

func TestEvaluate_ContentLengthIsAdvisory(t *testing.T) {
	p := New(Limits{MaxContentChars: 10})
	out := &types.StepOutput{Draft: &types.Draft{OutlineRefID: "o-1", Markdown: strings.Repeat("é", 11)}}

	v := p.Evaluate(draftState(true), Attempt{Type: types.StepGenerateDraft}, Outcome{Output: out})
	if len(v) != 1 || v[0].Code != types.ViolationContentLengthExceeded {
		t.Fatalf("violations = %+v", v)
	}
	if v.AnyBlocking() {
		t.Error("content length must not block")
	}

	out.Draft.Markdown = strings.Repeat("é", 10)
	if v := p.Evaluate(draftState(true), Attempt{Type: types.StepGenerateDraft}, Outcome{Output: out}); len(v) != 0 {
		t.Errorf("limit counts characters, not bytes: %v", codes(v))
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p := New(Limits{MaxSteps: map[types.Mode]int{types.ModeOutline: 1}, MaxContentChars: 1})
	state := outlineState(1)
	attempt := Attempt{StepID: "x", Type: types.StepReviseOutline}
	outcome := Outcome{Output: &types.StepOutput{Outline: &types.Outline{Title: "T", Markdown: "long"}}}

	first := p.Evaluate(state, attempt, outcome)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, p.Evaluate(state, attempt, outcome)); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
}

func TestNewCopiesLimits(t *testing.T) {
	limits := DefaultLimits()
	p := New(limits)
	limits.MaxSteps[types.ModeOutline] = 1
	if p.Limits().MaxSteps[types.ModeOutline] != DefaultMaxSteps {
		t.Error("Policy must not share the caller's MaxSteps map")
	}
}

func TestEvaluate_ExecutorValidationError(t *testing.T) {
	p := New(DefaultLimits())
	outcome := Outcome{Err: errs.Validation("model reply has no headings")}

	v := p.Evaluate(outlineState(0), Attempt{Type: types.StepGenerateOutline}, outcome)
	if len(v) != 1 || v[0].Code != types.ViolationValidationFailed || !v[0].Blocking {
		t.Fatalf("violations = %+v, want one blocking validation_failed", v)
	}
}
