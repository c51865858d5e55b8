package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/draftsmith/internal/event"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/session"
)

var (
	primaryColor = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
	pausedColor  = lipgloss.Color("#60A5FA")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(12)
	badgeStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	documentBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

func statusColor(s types.Status) lipgloss.Color {
	switch s {
	case types.StatusRunning:
		return pausedColor
	case types.StatusCompleted:
		return successColor
	case types.StatusBlocked:
		return warningColor
	case types.StatusFailed:
		return errorColor
	}
	return mutedColor
}

func statusBadge(s types.Status) string {
	return badgeStyle.Foreground(statusColor(s)).Render(strings.ToUpper(string(s)))
}

// maxTitleWidth bounds titles and ideas in one-line listings.
const maxTitleWidth = 48

// truncate shortens s to maxWidth visible columns, keeping escape codes
// intact and marking the cut with "...".
func truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func field(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
}

// printResult shows the outcome of one operation followed by the session's
// current document.
func printResult(w io.Writer, res types.TransitionResult) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(res.SessionID), statusBadge(res.Status))
	if res.Record != nil {
		field(w, "step", describeRecord(*res.Record))
	}
	for _, v := range res.Violations {
		style := warningStyle
		if v.Blocking {
			style = errorStyle
		}
		fmt.Fprintln(w, style.Render(fmt.Sprintf("! %s: %s", v.Code, v.Message)))
	}
	if res.Fault != nil {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("✗ %s: %s", res.Fault.Code, res.Fault.Message)))
	}
	for _, warning := range res.Warnings {
		fmt.Fprintln(w, warningStyle.Render("warning: "+warning))
	}
	if res.Snapshot.ID != "" {
		printDocument(w, res.Snapshot.Outputs)
	}
	if res.Status == types.StatusRunning {
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf(
			"Revise with 'draftsmith revise %s', or finish with 'draftsmith revise %s --final'.", res.SessionID, res.SessionID)))
	}
}

func printDocument(w io.Writer, out types.Outputs) {
	var md string
	switch {
	case out.Draft != nil:
		md = out.Draft.Markdown
	case out.Outline != nil:
		md = out.Outline.Markdown
		if md == "" {
			md = outlineMarkdown(*out.Outline)
		}
	}
	if strings.TrimSpace(md) == "" {
		return
	}
	md = strings.TrimRight(md, "\n")
	if plainOutput {
		fmt.Fprintln(w, md)
		return
	}
	fmt.Fprintln(w, documentBox.Render(md))
}

func outlineMarkdown(o types.Outline) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", o.Title)
	for _, s := range o.Sections {
		fmt.Fprintf(&b, "\n## %s\n", s.Heading)
		if s.Summary != "" {
			fmt.Fprintf(&b, "\n%s\n", s.Summary)
		}
	}
	return b.String()
}

func describeRecord(r types.StepRecord) string {
	idx := "-"
	if r.StepIndex != nil {
		idx = fmt.Sprintf("#%d", *r.StepIndex)
	}
	parts := []string{fmt.Sprintf("%s %s", idx, r.Type)}
	if r.DurationMs > 0 {
		parts = append(parts, (time.Duration(r.DurationMs) * time.Millisecond).String())
	}
	if len(r.Violations) > 0 {
		codes := make([]string, len(r.Violations))
		for i, c := range r.Violations {
			codes[i] = string(c)
		}
		parts = append(parts, "["+strings.Join(codes, ", ")+"]")
	}
	switch {
	case r.Error != "":
		parts = append(parts, errorStyle.Render(r.Error))
	case r.Note != "":
		parts = append(parts, mutedStyle.Render(r.Note))
	}
	return strings.Join(parts, "  ")
}

func printSnapshot(w io.Writer, snap types.SessionSnapshot, showDocument bool) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(snap.ID), statusBadge(snap.CurrentState.Status))
	field(w, "mode", string(snap.Mode))
	field(w, "persona", snap.PersonaID)
	field(w, "template", snap.TemplateID)
	field(w, "outline", snap.OutlineRefID)
	field(w, "created", snap.CreatedAt.Local().Format(time.DateTime))
	field(w, "updated", snap.UpdatedAt.Local().Format(time.DateTime))
	if len(snap.Steps) > 0 {
		fmt.Fprintln(w, labelStyle.Render("steps"))
		for _, r := range snap.Steps {
			fmt.Fprintf(w, "  %s\n", describeRecord(r))
		}
	}
	if showDocument {
		printDocument(w, snap.Outputs)
	}
}

func printInfos(w io.Writer, infos []session.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No sessions."))
		return
	}
	for _, info := range infos {
		line := fmt.Sprintf("%-36s %-8s %s", info.ID, info.Mode, statusBadge(info.Status))
		if info.Title != "" {
			line += " " + truncate(info.Title, maxTitleWidth)
		}
		meta := []string{fmt.Sprintf("%d steps", info.Attempts), info.UpdatedAt.Local().Format(time.DateTime)}
		if info.Locked {
			meta = append(meta, fmt.Sprintf("locked by PID %d", info.LockPID))
		}
		fmt.Fprintf(w, "%s %s\n", line, mutedStyle.Render("("+strings.Join(meta, ", ")+")"))
	}
}

func printRecords(w io.Writer, records []types.StepRecord) {
	for _, r := range records {
		fmt.Fprintf(w, "%s  %s\n", mutedStyle.Render(r.Timestamp.Local().Format(time.DateTime)), describeRecord(r))
	}
}

func printSummary(w io.Writer, summary any) {
	switch s := summary.(type) {
	case types.OutlineSessionSummary:
		fmt.Fprintln(w, titleStyle.Render(s.Outline.Title))
		field(w, "session", s.SessionID)
		field(w, "persona", s.PersonaID)
		field(w, "template", s.TemplateID)
		field(w, "sections", fmt.Sprint(len(s.Outline.Sections)))
		field(w, "steps", fmt.Sprint(s.Steps))
		field(w, "duration", (time.Duration(s.DurationMs) * time.Millisecond).String())
		for i, sec := range s.Outline.Sections {
			fmt.Fprintf(w, "  %d. %s\n", i+1, sec.Heading)
		}
	case types.DraftSessionSummary:
		title := s.Draft.Title
		if title == "" {
			title = s.SessionID
		}
		fmt.Fprintln(w, titleStyle.Render(title))
		field(w, "session", s.SessionID)
		field(w, "outline", s.OutlineRefID)
		field(w, "persona", s.PersonaID)
		field(w, "template", s.TemplateID)
		field(w, "words", fmt.Sprint(s.Draft.WordCount))
		field(w, "steps", fmt.Sprint(s.Steps))
		field(w, "duration", (time.Duration(s.DurationMs) * time.Millisecond).String())
	}
}

// reportProgress prints a line for every recorded step and finished
// session published on bus. The returned function unsubscribes.
func reportProgress(bus *event.Bus, w io.Writer) func() {
	var mu sync.Mutex
	printLine := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format+"\n", args...)
	}
	ids := []string{
		bus.Subscribe(event.TypeStepRecorded, func(e event.Event) {
			if ev, ok := e.(event.StepRecordedEvent); ok {
				printLine("%s %s", mutedStyle.Render(ev.SessionID()), describeRecord(ev.Record))
			}
		}),
		bus.Subscribe(event.TypeSessionFinished, func(e event.Event) {
			if ev, ok := e.(event.SessionFinishedEvent); ok {
				printLine("%s %s", mutedStyle.Render(ev.SessionID), statusBadge(ev.Status))
			}
		}),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}
