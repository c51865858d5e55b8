package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/draftsmith/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View debug logs",
	Long: `View and filter the debug log, including rotated backups.

Examples:
  # Show the last 50 entries
  draftsmith logs

  # Show every entry of one session
  draftsmith logs -s tides -n 0

  # Only warnings and errors from the last hour
  draftsmith logs --level warn --since 1h

  # Export draft revisions as CSV
  draftsmith logs --step revise-draft --export revisions.csv --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsSessionID string
	logsTail      int
	logsLevel     string
	logsMode      string
	logsStep      string
	logsSince     string
	logsGrep      string
	logsFormat    string
	logsExport    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsSessionID, "session", "s", "", "only entries of this session")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level ("+strings.ToLower(strings.Join(logging.ValidLevels(), "/"))+")")
	logsCmd.Flags().StringVar(&logsMode, "mode", "", "only entries of outline or draft sessions")
	logsCmd.Flags().StringVar(&logsStep, "step", "", "only entries of this step type")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "only entries newer than this duration (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "only entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "output format ("+strings.Join(logging.ExportFormats(), "/")+")")
	logsCmd.Flags().StringVar(&logsExport, "export", "", "write the entries to this file instead of stdout")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	filter := logging.LogFilter{
		Level:           logsLevel,
		SessionID:       logsSessionID,
		Mode:            logsMode,
		StepType:        logsStep,
		MessageContains: logsGrep,
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since %q: %w", logsSince, err)
		}
		filter.StartTime = time.Now().Add(-d)
	}

	dir := cfg.Logging.LogDir(cfg.Storage.ResolveDataDir())
	entries, err := logging.AggregateLogs(dir)
	if err != nil {
		return fmt.Errorf("read logs in %s: %w", dir, err)
	}
	entries = tailEntries(logging.FilterLogs(entries, filter), logsTail)

	if logsExport != "" {
		if err := logging.ExportLogEntries(entries, logsExport, logsFormat); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", len(entries), logsExport)
		return nil
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No matching log entries."))
		return nil
	}
	return logging.WriteLogEntries(cmd.OutOrStdout(), entries, logsFormat)
}

func tailEntries(entries []logging.LogEntry, n int) []logging.LogEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
