package types

import "maps"

// Descriptor is a persona or template loaded from the catalog. It is copied
// into step inputs so that records stay self-describing after the catalog
// changes.
type Descriptor struct {
	ID          string            `json:"id" yaml:"id"`
	Kind        string            `json:"kind,omitempty" yaml:"kind,omitempty"`
	Name        string            `json:"name,omitempty" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt      string            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Attributes = maps.Clone(d.Attributes)
	return &c
}

// Section is one heading of an outline.
type Section struct {
	Heading string `json:"heading"`
	Summary string `json:"summary,omitempty"`
}

// Outline is the document produced by outline sessions.
type Outline struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
	Markdown string    `json:"markdown,omitempty"`
}

// Clone returns a deep copy of o.
func (o *Outline) Clone() *Outline {
	if o == nil {
		return nil
	}
	c := *o
	c.Sections = append([]Section(nil), o.Sections...)
	return &c
}

// Draft is the document produced by draft sessions. OutlineRefID names the
// outline it was written from.
type Draft struct {
	ID           string `json:"id"`
	OutlineRefID string `json:"outlineRefId"`
	Title        string `json:"title,omitempty"`
	Markdown     string `json:"markdown"`
	WordCount    int    `json:"wordCount"`
}

// Clone returns a copy of d.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// Outputs holds the documents a session has produced so far. A nil field
// means the document does not exist yet.
type Outputs struct {
	Outline *Outline `json:"outline,omitempty"`
	Draft   *Draft   `json:"draft,omitempty"`
}

// Clone returns a deep copy of o.
func (o Outputs) Clone() Outputs {
	return Outputs{Outline: o.Outline.Clone(), Draft: o.Draft.Clone()}
}

// StepInput is the structured payload handed to the step executor.
type StepInput struct {
	Idea         string            `json:"idea,omitempty"`
	OutlineID    string            `json:"outlineId,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Persona      *Descriptor       `json:"persona,omitempty"`
	Template     *Descriptor       `json:"template,omitempty"`
	Final        bool              `json:"final,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of in.
func (in StepInput) Clone() StepInput {
	c := in
	c.Persona = in.Persona.Clone()
	c.Template = in.Template.Clone()
	c.Metadata = maps.Clone(in.Metadata)
	return c
}

// StepOutput is what an executor returns for a successful step.
type StepOutput struct {
	Outline *Outline `json:"outline,omitempty"`
	Draft   *Draft   `json:"draft,omitempty"`
	Notes   string   `json:"notes,omitempty"`
}

// Clone returns a deep copy of out.
func (out *StepOutput) Clone() *StepOutput {
	if out == nil {
		return nil
	}
	return &StepOutput{Outline: out.Outline.Clone(), Draft: out.Draft.Clone(), Notes: out.Notes}
}

// Empty reports whether out carries no document.
func (out *StepOutput) Empty() bool {
	return out == nil || (out.Outline == nil && out.Draft == nil)
}

// Markdown returns the markdown of whichever document out carries.
func (out *StepOutput) Markdown() string {
	switch {
	case out == nil:
		return ""
	case out.Draft != nil:
		return out.Draft.Markdown
	case out.Outline != nil:
		return out.Outline.Markdown
	}
	return ""
}
