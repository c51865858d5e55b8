package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/studio"
)

var outlineCmd = &cobra.Command{
	Use:   "outline <idea>",
	Short: "Start an outline session from an idea",
	Long: `Start an outline session and generate the first outline.

The session completes after the first step unless --review is given, in
which case it stays running until 'draftsmith revise --final'.

Examples:
  draftsmith outline "how tides work"
  draftsmith outline "how tides work" --persona mentor --template explainer --review`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOutline,
}

var draftCmd = &cobra.Command{
	Use:   "draft <outline-session-id>",
	Short: "Start a draft session from a completed outline",
	Args:  cobra.ExactArgs(1),
	RunE:  runDraft,
}

var reviseCmd = &cobra.Command{
	Use:   "revise <session-id>",
	Short: "Run the next step of a running session",
	Long: `Run the next step of a running session.

By default the current document is revised. Use --regenerate to retry the
generate step after a failed attempt, and --final to complete the session
with this step.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevise,
}

var abortCmd = &cobra.Command{
	Use:   "abort <session-id> [reason]",
	Short: "Cancel a session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAbort,
}

// startFlags are shared by outline and draft.
type startFlags struct {
	id           string
	persona      string
	template     string
	instructions string
	review       bool
	metadata     map[string]string
}

var (
	outlineFlags startFlags
	draftFlags   startFlags

	reviseInstructions string
	reviseFinal        bool
	reviseRegenerate   bool
	revisePersona      string
	reviseTemplate     string
	reviseMetadata     map[string]string
)

func init() {
	for c, f := range map[*cobra.Command]*startFlags{outlineCmd: &outlineFlags, draftCmd: &draftFlags} {
		c.Flags().StringVar(&f.id, "id", "", "session id (default: generated)")
		c.Flags().StringVarP(&f.persona, "persona", "p", "", "persona id from the catalog")
		c.Flags().StringVarP(&f.template, "template", "t", "", "template id from the catalog")
		c.Flags().StringVarP(&f.instructions, "instructions", "i", "", "extra instructions for the first step")
		c.Flags().BoolVar(&f.review, "review", false, "keep the session running for revisions")
		c.Flags().StringToStringVar(&f.metadata, "meta", nil, "metadata passed to the step (key=value)")
	}

	reviseCmd.Flags().StringVarP(&reviseInstructions, "instructions", "i", "", "what to change")
	reviseCmd.Flags().BoolVar(&reviseFinal, "final", false, "complete the session with this step")
	reviseCmd.Flags().BoolVar(&reviseRegenerate, "regenerate", false, "run the generate step again instead of revising")
	reviseCmd.Flags().StringVarP(&revisePersona, "persona", "p", "", "switch to another persona")
	reviseCmd.Flags().StringVarP(&reviseTemplate, "template", "t", "", "switch to another template")
	reviseCmd.Flags().StringToStringVar(&reviseMetadata, "meta", nil, "metadata passed to the step (key=value)")

	rootCmd.AddCommand(outlineCmd, draftCmd, reviseCmd, abortCmd)
}

func runOutline(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		res := a.studio.StartOutline(cmd.Context(), studio.OutlineRequest{
			SessionID:    outlineFlags.id,
			Idea:         strings.Join(args, " "),
			Instructions: outlineFlags.instructions,
			PersonaID:    outlineFlags.persona,
			TemplateID:   outlineFlags.template,
			AwaitReview:  outlineFlags.review,
			Metadata:     outlineFlags.metadata,
		})
		return reportResult(cmd, res)
	})
}

func runDraft(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		res := a.studio.StartDraft(cmd.Context(), studio.DraftRequest{
			SessionID:    draftFlags.id,
			OutlineID:    args[0],
			Instructions: draftFlags.instructions,
			PersonaID:    draftFlags.persona,
			TemplateID:   draftFlags.template,
			AwaitReview:  draftFlags.review,
			Metadata:     draftFlags.metadata,
		})
		return reportResult(cmd, res)
	})
}

func runRevise(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		step, err := nextStepType(cmd.Context(), a.studio, args[0], reviseRegenerate)
		if err != nil {
			return err
		}
		res := a.studio.Advance(cmd.Context(), args[0], studio.StepRequest{
			Type:         step,
			Instructions: reviseInstructions,
			Final:        reviseFinal,
			PersonaID:    revisePersona,
			TemplateID:   reviseTemplate,
			Metadata:     reviseMetadata,
		})
		return reportResult(cmd, res)
	})
}

// nextStepType picks the step type for a session's mode.
func nextStepType(ctx context.Context, svc *studio.Service, sessionID string, regenerate bool) (types.StepType, error) {
	snap, err := svc.Snapshot(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if regenerate {
		return snap.Mode.GenerateStep(), nil
	}
	return snap.Mode.ReviseStep(), nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		res := a.studio.Abort(cmd.Context(), args[0], strings.Join(args[1:], " "))
		return reportResult(cmd, res)
	})
}

// reportResult prints res and turns a fault into the command's error.
func reportResult(cmd *cobra.Command, res types.TransitionResult) error {
	if jsonOutput(cmd) {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), res)
	}
	if res.Fault != nil {
		return &reportedError{err: res.Fault}
	}
	return nil
}

// reportedError is an error the command already printed.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// Reported reports whether err was already shown to the user.
func Reported(err error) bool {
	var r *reportedError
	return errors.As(err, &r)
}
