package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

const outlineReply = "# Tides\n\n## The Moon\n\nGravity.\n\n## The Sun\n\nSpring tides.\n\n## Coastlines\n\nBays.\n"

func outlineStep() iteration.StepContext {
	return iteration.StepContext{
		SessionID: "o-1",
		Mode:      types.ModeOutline,
		StepID:    "step-1",
		Type:      types.StepGenerateOutline,
		Input:     types.StepInput{Idea: "write about tides"},
	}
}

func draftStep() iteration.StepContext {
	return iteration.StepContext{
		SessionID: "d-1",
		Mode:      types.ModeDraft,
		Type:      types.StepGenerateDraft,
		Input:     types.StepInput{OutlineID: "o-1"},
		Outputs: types.Outputs{Outline: &types.Outline{
			ID:       "o-1",
			Title:    "Tides",
			Sections: []types.Section{{Heading: "The Moon", Summary: "Gravity."}},
		}},
	}
}

// =============================================================================
// Channel selection
// =============================================================================

func TestNewChannel(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "ds-key")

	tests := []struct {
		settings Settings
		wantName string
		wantErr  bool
	}{
		{Settings{}, "openai", false},
		{Settings{Name: "OpenAI"}, "openai", false},
		{Settings{Name: NameDeepSeek}, "deepseek", false},
		{Settings{Name: NameOffline}, "offline", false},
		{Settings{Name: "llama"}, "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.settings.Name), func(t *testing.T) {
			ch, err := NewChannel(tt.settings)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownChannel) {
					t.Fatalf("NewChannel() error = %v, want ErrUnknownChannel", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewChannel() error = %v", err)
			}
			if ch.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", ch.Name(), tt.wantName)
			}
		})
	}
}

func TestDeepSeekDefaults(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "ds-key")
	ch, err := NewChannel(Settings{Name: NameDeepSeek})
	if err != nil {
		t.Fatal(err)
	}
	oc := ch.(*OpenAIChannel)
	if oc.Model() != deepSeekModel {
		t.Errorf("Model() = %q", oc.Model())
	}
	if err := oc.Usable(); err != nil {
		t.Errorf("Usable() = %v", err)
	}
}

func TestOpenAIChannel_UsableWithoutKey(t *testing.T) {
	t.Setenv("DRAFTSMITH_TEST_KEY", "")
	ch := NewOpenAIChannel(Settings{APIKeyEnv: "DRAFTSMITH_TEST_KEY"})

	err := ch.Usable()
	if !errors.Is(err, errors.ErrProviderUnavailable) {
		t.Fatalf("Usable() = %v, want ErrProviderUnavailable", err)
	}
	if !strings.Contains(err.Error(), "DRAFTSMITH_TEST_KEY") {
		t.Errorf("error should name the variable: %v", err)
	}
	if _, err := ch.Complete(context.Background(), Prompt{User: "hi"}); err == nil {
		t.Error("Complete() without a key should fail")
	}
}

// =============================================================================
// OpenAI channel over HTTP
// =============================================================================

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		requests = append(requests, req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestOpenAIChannel_Complete(t *testing.T) {
	t.Setenv("DRAFTSMITH_TEST_KEY", "test-key")
	server, requests := chatServer(t, http.StatusOK, "  "+outlineReply)

	ch := NewOpenAIChannel(Settings{
		Name:      NameOpenAI,
		Model:     "test-model",
		BaseURL:   server.URL + "/",
		APIKeyEnv: "DRAFTSMITH_TEST_KEY",
	})
	got, err := ch.Complete(context.Background(), Prompt{
		System:  "be brief",
		User:    "outline tides",
		History: []Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != strings.TrimSpace(outlineReply) {
		t.Errorf("Complete() = %q", got)
	}

	if len(*requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(*requests))
	}
	req := (*requests)[0]
	if req["model"] != "test-model" {
		t.Errorf("model = %v", req["model"])
	}
	msgs, _ := req["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	last := msgs[3].(map[string]any)
	if last["role"] != "user" || last["content"] != "outline tides" {
		t.Errorf("last message = %v", last)
	}
}

func TestOpenAIChannel_Errors(t *testing.T) {
	t.Setenv("DRAFTSMITH_TEST_KEY", "test-key")

	t.Run("server error", func(t *testing.T) {
		server, _ := chatServer(t, http.StatusServiceUnavailable, "")
		ch := NewOpenAIChannel(Settings{BaseURL: server.URL + "/", APIKeyEnv: "DRAFTSMITH_TEST_KEY"})
		if _, err := ch.Complete(context.Background(), Prompt{User: "x"}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("empty content", func(t *testing.T) {
		server, _ := chatServer(t, http.StatusOK, "   ")
		ch := NewOpenAIChannel(Settings{BaseURL: server.URL + "/", APIKeyEnv: "DRAFTSMITH_TEST_KEY"})
		_, err := ch.Complete(context.Background(), Prompt{User: "x"})
		if !errors.Is(err, errors.ErrEmptyCompletion) {
			t.Errorf("error = %v, want ErrEmptyCompletion", err)
		}
	})
}

// =============================================================================
// Scripted and offline channels
// =============================================================================

func TestScriptedChannel(t *testing.T) {
	boom := fmt.Errorf("boom")
	ch := NewScripted(Reply{Text: "one"}, Reply{Err: boom})
	ctx := context.Background()

	if got, err := ch.Complete(ctx, Prompt{User: "a"}); err != nil || got != "one" {
		t.Errorf("first = %q, %v", got, err)
	}
	if _, err := ch.Complete(ctx, Prompt{User: "b"}); !errors.Is(err, boom) {
		t.Errorf("second error = %v", err)
	}
	if _, err := ch.Complete(ctx, Prompt{User: "c"}); err == nil {
		t.Error("exhausted script should fail")
	}
	if n := len(ch.Prompts()); n != 3 {
		t.Errorf("recorded prompts = %d, want 3", n)
	}
}

func TestOfflineChannel_ProducesParseableDocuments(t *testing.T) {
	x := NewExecutor(Offline())
	ctx := context.Background()

	out, err := x.Execute(ctx, outlineStep())
	if err != nil {
		t.Fatalf("outline: %v", err)
	}
	if out.Outline.Title != "Write About Tides" || len(out.Outline.Sections) != 4 {
		t.Errorf("outline = %+v", out.Outline)
	}

	revise := outlineStep()
	revise.Type = types.StepReviseOutline
	revise.Input.Instructions = "add a section on tsunamis"
	revise.Outputs.Outline = out.Outline
	out2, err := x.Execute(ctx, revise)
	if err != nil {
		t.Fatalf("revise outline: %v", err)
	}
	if len(out2.Outline.Sections) != 5 {
		t.Errorf("revised sections = %d, want 5", len(out2.Outline.Sections))
	}
	if !strings.Contains(out2.Outline.Markdown, "tsunamis") {
		t.Error("revision should mention the feedback")
	}

	step := draftStep()
	d, err := x.Execute(ctx, step)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if d.Draft.OutlineRefID != "o-1" || d.Draft.Title != "Tides" || d.Draft.WordCount == 0 {
		t.Errorf("draft = %+v", d.Draft)
	}
}

// =============================================================================
// Executor
// =============================================================================

func TestExecutor_Outline(t *testing.T) {
	ch := NewScripted(Reply{Text: "```markdown\n" + outlineReply + "```"})
	out, err := NewExecutor(ch).Execute(context.Background(), outlineStep())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Outline.ID != "o-1" || out.Outline.Title != "Tides" || len(out.Outline.Sections) != 3 {
		t.Errorf("outline = %+v", out.Outline)
	}
	if out.Notes != "scripted" {
		t.Errorf("Notes = %q", out.Notes)
	}

	p := ch.Prompts()[0]
	if !strings.Contains(p.User, "write about tides") || p.Step != types.StepGenerateOutline {
		t.Errorf("prompt = %+v", p)
	}
}

func TestExecutor_Draft(t *testing.T) {
	ch := NewScripted(Reply{Text: "# Tides\n\nThe moon pulls the sea."})
	out, err := NewExecutor(ch).Execute(context.Background(), draftStep())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Draft.ID != "d-1" || out.Draft.OutlineRefID != "o-1" || out.Draft.WordCount != 6 {
		t.Errorf("draft = %+v", out.Draft)
	}
	if !strings.Contains(ch.Prompts()[0].User, "## The Moon") {
		t.Error("draft prompt should carry the outline")
	}
}

func TestExecutor_Failures(t *testing.T) {
	t.Setenv("DRAFTSMITH_TEST_KEY", "")

	tests := []struct {
		name    string
		channel Channel
		step    iteration.StepContext
		want    errors.Code
	}{
		{"channel error", NewScripted(Reply{Err: fmt.Errorf("rate limited")}), outlineStep(), errors.CodeProviderFailure},
		{"unusable channel", NewOpenAIChannel(Settings{APIKeyEnv: "DRAFTSMITH_TEST_KEY"}), outlineStep(), errors.CodeProviderFailure},
		{"unparseable outline", NewScripted(Reply{Text: "just prose"}), outlineStep(), errors.CodeValidationError},
		{"empty draft", NewScripted(Reply{Text: "```\n```"}), draftStep(), errors.CodeValidationError},
		{"revise without draft", NewScripted(), func() iteration.StepContext {
			s := draftStep()
			s.Type = types.StepReviseDraft
			return s
		}(), errors.CodeValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(tt.channel).Execute(context.Background(), tt.step)
			if got := errors.CodeOf(err); got != tt.want {
				t.Errorf("code = %q, want %q (%v)", got, tt.want, err)
			}
		})
	}
}

type slowChannel struct{}

func (slowChannel) Name() string  { return "slow" }
func (slowChannel) Usable() error { return nil }
func (slowChannel) Complete(ctx context.Context, _ Prompt) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExecutor_Timeout(t *testing.T) {
	x := NewExecutor(slowChannel{}, WithStepTimeout(20*time.Millisecond))
	_, err := x.Execute(context.Background(), outlineStep())
	if errors.CodeOf(err) != errors.CodeProviderFailure || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want provider failure wrapping DeadlineExceeded", err)
	}
}

// =============================================================================
// Prompts
// =============================================================================

func TestBuildPrompt(t *testing.T) {
	step := outlineStep()
	step.Input.Persona = &types.Descriptor{ID: "mentor", Name: "Patient Mentor", Prompt: "Explain simply."}
	step.Input.Template = &types.Descriptor{ID: "explainer", Prompt: "Start with a question."}
	step.Input.Instructions = "aim at ten-year-olds"

	p := BuildPrompt(step)
	for _, want := range []string{"Write as Patient Mentor: Explain simply.", "Follow the explainer template: Start with a question."} {
		if !strings.Contains(p.System, want) {
			t.Errorf("system prompt missing %q:\n%s", want, p.System)
		}
	}
	if !strings.Contains(p.User, "Feedback: aim at ten-year-olds") {
		t.Errorf("user prompt missing feedback:\n%s", p.User)
	}

	revise := draftStep()
	revise.Type = types.StepReviseDraft
	revise.Outputs.Draft = &types.Draft{Markdown: "# Tides\n\nOld text."}
	p = BuildPrompt(revise)
	if p.Current != "# Tides\n\nOld text." || !strings.Contains(p.User, "Old text.") {
		t.Errorf("revise prompt = %+v", p)
	}
}
