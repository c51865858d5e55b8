package provider

import (
	"context"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/document"
	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// Executor implements iteration.StepExecutor on top of a Channel.
type Executor struct {
	channel Channel
	timeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepTimeout bounds each model call. A call that times out is a
// provider failure.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.timeout = d }
}

// NewExecutor creates an executor that sends steps through channel.
func NewExecutor(channel Channel, opts ...ExecutorOption) *Executor {
	x := &Executor{channel: channel}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

var _ iteration.StepExecutor = (*Executor)(nil)

// Execute runs one step. Unusable channels and failed calls are reported
// as provider failures; replies that cannot be parsed into the expected
// document are reported as validation errors.
func (x *Executor) Execute(ctx context.Context, step iteration.StepContext) (types.StepOutput, error) {
	log := step.Logger
	if err := x.channel.Usable(); err != nil {
		return types.StepOutput{}, errors.ProviderFailure(err).WithDetail("channel", x.channel.Name())
	}

	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	if err := requireDocuments(step); err != nil {
		return types.StepOutput{}, err
	}
	prompt := BuildPrompt(step)
	log.Debug("model call", "channel", x.channel.Name(), "prompt_chars", len(prompt.System)+len(prompt.User))

	reply, err := x.channel.Complete(ctx, prompt)
	if err != nil {
		return types.StepOutput{}, errors.ProviderFailure(err).WithDetail("channel", x.channel.Name())
	}
	log.Debug("model reply", "channel", x.channel.Name(), "reply_chars", len(reply))

	switch step.Mode {
	case types.ModeOutline:
		outline, err := document.ParseOutline(reply)
		if err != nil {
			return types.StepOutput{}, err
		}
		outline.ID = step.SessionID
		return types.StepOutput{Outline: &outline, Notes: x.channel.Name()}, nil

	case types.ModeDraft:
		ref := step.Outputs.Outline
		draft, err := document.NewDraft(step.SessionID, ref.ID, reply)
		if err != nil {
			return types.StepOutput{}, err
		}
		return types.StepOutput{Draft: &draft, Notes: x.channel.Name()}, nil
	}
	return types.StepOutput{}, errors.Validation("unknown mode %q", step.Mode)
}

// requireDocuments checks that the documents a step builds on are present.
func requireDocuments(step iteration.StepContext) error {
	switch step.Type {
	case types.StepReviseOutline, types.StepGenerateDraft:
		if step.Outputs.Outline == nil {
			return errors.Validation("%s step has no outline", step.Type)
		}
	case types.StepReviseDraft:
		if step.Outputs.Outline == nil || step.Outputs.Draft == nil {
			return errors.Validation("%s step has no draft", step.Type)
		}
	}
	return nil
}
