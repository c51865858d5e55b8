package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/draftsmith/internal/session"
)

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's state, steps and current document",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var summaryCmd = &cobra.Command{
	Use:   "summary <session-id>",
	Short: "Summarize a completed session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the audit trail of a session",
	Long: `Show every recorded step attempt of a session, including attempts that
were rejected by policy and abort records.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>...",
	Short: "Delete finished sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Remove session locks left by processes that no longer run",
	Args:  cobra.NoArgs,
	RunE:  runSessionsUnlock,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished sessions that have not changed for a while",
	Long: `Delete completed, blocked, failed and cancelled sessions last updated
longer ago than --older-than. Running and locked sessions are kept.`,
	Args: cobra.NoArgs,
	RunE: runSessionsPrune,
}

var (
	showNoDocument bool
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

func init() {
	showCmd.Flags().BoolVar(&showNoDocument, "no-document", false, "omit the document")
	sessionsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "minimum age of pruned sessions")
	sessionsPruneCmd.Flags().BoolVarP(&pruneDryRun, "dry-run", "n", false, "only list what would be deleted")

	sessionsCmd.AddCommand(sessionsDeleteCmd, sessionsUnlockCmd, sessionsPruneCmd)
	rootCmd.AddCommand(showCmd, summaryCmd, historyCmd, sessionsCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		snap, err := a.studio.Snapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		printSnapshot(cmd.OutOrStdout(), snap, !showNoDocument)
		return nil
	})
}

func runSummary(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		summary, err := a.studio.Summary(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		printSummary(cmd.OutOrStdout(), summary)
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		records, err := a.studio.Records(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), records)
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	})
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		infos, err := a.studio.Sessions(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), infos)
		}
		printInfos(cmd.OutOrStdout(), infos)
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		for _, id := range args {
			if err := a.studio.Delete(cmd.Context(), id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		}
		return nil
	})
}

func runSessionsUnlock(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		removed, err := session.CleanupStaleLocks(a.dataDir, a.logger)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No stale locks."))
			return nil
		}
		for _, id := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked %s\n", id)
		}
		return nil
	})
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		res, err := a.studio.Prune(cmd.Context(), pruneOlderThan, pruneDryRun)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), res)
		}
		out := cmd.OutOrStdout()
		verb := "Deleted"
		if pruneDryRun {
			verb = "Would delete"
		}
		for _, id := range res.Removed {
			fmt.Fprintf(out, "%s %s\n", verb, id)
		}
		for id, reason := range res.Skipped {
			fmt.Fprintln(out, warningStyle.Render(fmt.Sprintf("Kept %s: %s", id, reason)))
		}
		if len(res.Removed) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("Nothing to prune."))
		}
		return nil
	})
}
