package iteration

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/logging"
)

// StepContext is everything an executor needs to perform one step.
type StepContext struct {
	SessionID string
	Mode      types.Mode
	StepID    string
	StepIndex int
	Type      types.StepType
	Input     types.StepInput
	// Outputs holds copies of the documents produced so far. Draft sessions
	// always carry the referenced outline here.
	Outputs types.Outputs
	Logger  *logging.Logger
}

// StepExecutor performs the model invocation for a step. Errors should be
// *errors.Fault values coded provider_failure or validation_error; any other
// error is treated as a provider failure.
type StepExecutor interface {
	Execute(ctx context.Context, step StepContext) (types.StepOutput, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step StepContext) (types.StepOutput, error)

// Execute calls f.
func (f StepExecutorFunc) Execute(ctx context.Context, step StepContext) (types.StepOutput, error) {
	return f(ctx, step)
}

// AuditRecorder receives one record per step attempt and one per abort.
// Append failures are reported as warnings; they never change session state.
type AuditRecorder interface {
	Append(ctx context.Context, record types.StepRecord) error
}

// TransitionObserver is an optional interface for recorders that also want
// to hear about status changes.
type TransitionObserver interface {
	Transitioned(ctx context.Context, t types.Transition)
}

// OutlineSource resolves the outline a draft session is written from. It
// must return an error unless the outline's session completed.
type OutlineSource interface {
	CompletedOutline(ctx context.Context, outlineID string) (types.Outline, error)
}

// OutlineSourceFunc adapts a function to OutlineSource.
type OutlineSourceFunc func(ctx context.Context, outlineID string) (types.Outline, error)

// CompletedOutline calls f.
func (f OutlineSourceFunc) CompletedOutline(ctx context.Context, outlineID string) (types.Outline, error) {
	return f(ctx, outlineID)
}

type nopRecorder struct{}

func (nopRecorder) Append(context.Context, types.StepRecord) error { return nil }

// safeExecute runs the executor and turns a panic into an error so a
// misbehaving executor cannot take the engine down.
func safeExecute(ctx context.Context, exec StepExecutor, step StepContext) (out types.StepOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			if step.Logger != nil {
				step.Logger.Error("step executor panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
			err = fmt.Errorf("step executor panicked: %v", r)
		}
	}()
	return exec.Execute(ctx, step)
}
