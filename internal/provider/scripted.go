package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// Reply is one canned answer of a ScriptedChannel.
type Reply struct {
	Text string
	Err  error
}

// ScriptedChannel answers prompts from a fixed list of replies, in order.
// It records every prompt it receives.
type ScriptedChannel struct {
	mu      sync.Mutex
	replies []Reply
	prompts []Prompt
}

// NewScripted creates a channel that plays back replies.
func NewScripted(replies ...Reply) *ScriptedChannel {
	return &ScriptedChannel{replies: replies}
}

// Name returns "scripted".
func (s *ScriptedChannel) Name() string { return "scripted" }

// Usable always succeeds.
func (s *ScriptedChannel) Usable() error { return nil }

// Complete returns the next reply. Running out of replies is an error.
func (s *ScriptedChannel) Complete(ctx context.Context, prompt Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.replies) == 0 {
		return "", fmt.Errorf("scripted channel has no reply for prompt %d", len(s.prompts))
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.Text, r.Err
}

// Prompts returns the prompts received so far.
func (s *ScriptedChannel) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

// OfflineChannel composes documents locally from the structured prompt
// fields. It makes no network calls and always succeeds, which makes it
// useful for trying the tool without credentials.
type OfflineChannel struct{}

// Offline returns the offline channel.
func Offline() OfflineChannel { return OfflineChannel{} }

// Name returns "offline".
func (OfflineChannel) Name() string { return string(NameOffline) }

// Usable always succeeds.
func (OfflineChannel) Usable() error { return nil }

// Complete builds a markdown document for the prompt's step.
func (OfflineChannel) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	switch p.Step {
	case types.StepGenerateOutline:
		topic := strings.TrimSpace(p.Idea)
		fmt.Fprintf(&b, "# %s\n", titleCase(topic))
		for _, h := range []string{"Background", "Key ideas", "Examples", "Takeaways"} {
			fmt.Fprintf(&b, "\n## %s\n\n%s for %s.\n", h, h, topic)
		}

	case types.StepReviseOutline:
		b.WriteString(strings.TrimSpace(p.Current))
		b.WriteString("\n\n## Revision notes\n\n")
		b.WriteString(noteFor(p.User))
		b.WriteString("\n")

	case types.StepGenerateDraft:
		if p.Outline == nil {
			return "", fmt.Errorf("offline channel: draft prompt without an outline")
		}
		fmt.Fprintf(&b, "# %s\n", p.Outline.Title)
		for _, s := range p.Outline.Sections {
			fmt.Fprintf(&b, "\n## %s\n\n", s.Heading)
			if s.Summary != "" {
				fmt.Fprintf(&b, "%s ", s.Summary)
			}
			fmt.Fprintf(&b, "This section expands on %s.\n", strings.ToLower(s.Heading))
		}

	case types.StepReviseDraft:
		b.WriteString(strings.TrimSpace(p.Current))
		b.WriteString("\n\n")
		b.WriteString(noteFor(p.User))
		b.WriteString("\n")

	default:
		return "", fmt.Errorf("offline channel: unsupported step %q", p.Step)
	}
	return b.String(), nil
}

func noteFor(user string) string {
	for _, line := range strings.Split(user, "\n") {
		if rest, ok := strings.CutPrefix(line, "Feedback: "); ok {
			return "Revised per feedback: " + strings.TrimSpace(rest)
		}
	}
	return "Revised for clarity."
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	if len(words) == 0 {
		return "Untitled"
	}
	return strings.Join(words, " ")
}
