package provider

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/draftsmith/internal/document"
	"github.com/Iron-Ham/draftsmith/internal/iteration"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

const baseSystem = "You are a careful writing assistant. Reply with markdown only, no commentary."

const outlineFormat = `Format:
- Exactly one level-one heading (# ) with the title.
- Three to seven level-two headings (## ), one per section.
- Under each section heading, one sentence summarising the section.`

// BuildPrompt turns a step into the prompt sent to the model.
func BuildPrompt(step iteration.StepContext) Prompt {
	in := step.Input
	p := Prompt{
		System: systemPrompt(in),
		Step:   step.Type,
		Idea:   in.Idea,
	}
	if o := step.Outputs.Outline; o != nil {
		p.Outline = o.Clone()
	}

	var u strings.Builder
	switch step.Type {
	case types.StepGenerateOutline:
		fmt.Fprintf(&u, "Write an outline for this idea:\n%s\n\n%s\n", strings.TrimSpace(in.Idea), outlineFormat)

	case types.StepReviseOutline:
		p.Current = document.RenderOutline(*step.Outputs.Outline)
		fmt.Fprintf(&u, "Current outline:\n\n%s\n\nRevise the outline and return it in full.\n\n%s\n", p.Current, outlineFormat)

	case types.StepGenerateDraft:
		fmt.Fprintf(&u, "Write the full article for this outline. Keep its title and section headings.\n\n%s\n",
			document.RenderOutline(*step.Outputs.Outline))

	case types.StepReviseDraft:
		p.Current = step.Outputs.Draft.Markdown
		fmt.Fprintf(&u, "Current draft:\n\n%s\n\nRevise the draft with the smallest changes that address the feedback. Keep the heading structure and return the full draft.\n",
			p.Current)
	}
	if s := strings.TrimSpace(in.Instructions); s != "" {
		fmt.Fprintf(&u, "\nFeedback: %s\n", s)
	}
	p.User = u.String()
	return p
}

func systemPrompt(in types.StepInput) string {
	var b strings.Builder
	b.WriteString(baseSystem)
	if d := in.Persona; d != nil && strings.TrimSpace(d.Prompt) != "" {
		fmt.Fprintf(&b, "\n\nWrite as %s: %s", displayName(d), strings.TrimSpace(d.Prompt))
	}
	if d := in.Template; d != nil && strings.TrimSpace(d.Prompt) != "" {
		fmt.Fprintf(&b, "\n\nFollow the %s template: %s", displayName(d), strings.TrimSpace(d.Prompt))
	}
	return b.String()
}

func displayName(d *types.Descriptor) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
