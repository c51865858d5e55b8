// Package document reads and writes the markdown documents produced by
// model steps. Outlines are recovered from the heading structure: the first
// level-one heading is the title and each level-two heading is a section,
// summarised by the first block of text under it.
package document

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

var md = goldmark.New()

// CleanReply strips the wrapping code fence models like to put around a
// markdown reply, along with surrounding whitespace.
func CleanReply(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return ""
	}
	body := s[nl+1:]
	if end := strings.LastIndex(body, "```"); end >= 0 && strings.TrimSpace(body[end+3:]) == "" {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ParseOutline extracts an outline from markdown. The result carries the
// cleaned markdown. A document without a title or sections is rejected with
// a validation fault.
func ParseOutline(markdown string) (types.Outline, error) {
	src := []byte(CleanReply(markdown))
	if len(bytes.TrimSpace(src)) == 0 {
		return types.Outline{}, errors.Validation("outline reply is empty")
	}

	doc := md.Parser().Parse(text.NewReader(src))
	out := types.Outline{Markdown: string(src)}

	var current *types.Section
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			heading := inlineText(node, src)
			switch {
			case node.Level == 1 && out.Title == "":
				out.Title = heading
				current = nil
			case node.Level == 2:
				out.Sections = append(out.Sections, types.Section{Heading: heading})
				current = &out.Sections[len(out.Sections)-1]
			}
		case *ast.Paragraph, *ast.List, *ast.Blockquote:
			if current != nil && current.Summary == "" {
				current.Summary = blockText(n, src)
			}
		}
	}

	if out.Title == "" {
		return out, errors.Validation("outline has no level-one title")
	}
	if len(out.Sections) == 0 {
		return out, errors.Validation("outline %q has no level-two sections", out.Title)
	}
	return out, nil
}

// Title returns the text of the first level-one heading, or "".
func Title(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			return inlineText(h, src)
		}
	}
	return ""
}

// WordCount counts the words in the rendered text of markdown. Han
// characters count as one word each.
func WordCount(markdown string) int {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	count := 0
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var chunk []byte
		switch node := n.(type) {
		case *ast.Text:
			chunk = node.Segment.Value(src)
		case *ast.String:
			chunk = node.Value
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			return ast.WalkSkipChildren, nil
		default:
			return ast.WalkContinue, nil
		}
		count += countWords(string(chunk))
		return ast.WalkContinue, nil
	})
	return count
}

func countWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			n++
			inWord = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				n++
				inWord = true
			}
		case r == '\'' || r == '-':
			// keep contractions and hyphenated words together
		default:
			inWord = false
		}
	}
	return n
}

// NewDraft builds a draft document from a model reply.
func NewDraft(id, outlineRefID, markdown string) (types.Draft, error) {
	body := CleanReply(markdown)
	if body == "" {
		return types.Draft{}, errors.Validation("draft reply is empty")
	}
	return types.Draft{
		ID:           id,
		OutlineRefID: outlineRefID,
		Title:        Title(body),
		Markdown:     body,
		WordCount:    WordCount(body),
	}, nil
}

// RenderOutline writes an outline back out as markdown. The outline's own
// markdown is returned when it has any.
func RenderOutline(o types.Outline) string {
	if strings.TrimSpace(o.Markdown) != "" {
		return o.Markdown
	}
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

// inlineText concatenates the text of n's inline children.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := c.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.CodeSpan:
			for g := node.FirstChild(); g != nil; g = g.NextSibling() {
				if t, ok := g.(*ast.Text); ok {
					b.Write(t.Segment.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// blockText flattens a block and its descendants into one line.
func blockText(n ast.Node, src []byte) string {
	var parts []string
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch c.(type) {
		case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
			if s := inlineText(c, src); s != "" {
				parts = append(parts, s)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(parts, " ")
}
