package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/studio"
)

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Run many outline sessions in parallel",
	Long: `Run one outline session per job, at most batch.max_parallel at a time.

The file is either plain text with one idea per line, or YAML:

  - id: tides
    idea: how tides work
    persona: mentor
    template: explainer
    draft: true

With draft set, a draft session is started from the outline once it
completes. Lines starting with # are ignored in plain text files.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

var (
	batchParallel int
	batchDraft    bool
)

func init() {
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "j", 0, "sessions run at once (default: batch.max_parallel)")
	batchCmd.Flags().BoolVar(&batchDraft, "draft", false, "draft every completed outline")
	rootCmd.AddCommand(batchCmd)
}

// batchJob is one entry of a batch file.
type batchJob struct {
	ID       string `yaml:"id"`
	Idea     string `yaml:"idea"`
	Persona  string `yaml:"persona"`
	Template string `yaml:"template"`
	Draft    bool   `yaml:"draft"`
}

// batchOutcome is what one job produced.
type batchOutcome struct {
	Job     batchJob                `json:"job"`
	Outline types.TransitionResult  `json:"outline"`
	Draft   *types.TransitionResult `json:"draft,omitempty"`
}

func (o batchOutcome) failed() bool {
	return o.Outline.Fault != nil || (o.Draft != nil && o.Draft.Fault != nil)
}

func parseBatchFile(path string) ([]batchJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jobs []batchJob
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &jobs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		jobs = parseIdeas(bytes.NewReader(data))
	}
	for i, job := range jobs {
		if strings.TrimSpace(job.Idea) == "" {
			return nil, fmt.Errorf("%s: job %d has no idea", path, i+1)
		}
	}
	return jobs, nil
}

func parseIdeas(r io.Reader) []batchJob {
	var jobs []batchJob
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		jobs = append(jobs, batchJob{Idea: line})
	}
	return jobs
}

func runBatch(cmd *cobra.Command, args []string) error {
	jobs, err := parseBatchFile(args[0])
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("%s holds no jobs", args[0])
	}

	return withApp(cmd, func(a *app) error {
		parallel := batchParallel
		if parallel <= 0 {
			parallel = a.cfg.Batch.MaxParallel
		}
		if !jsonOutput(cmd) {
			defer reportProgress(a.bus, cmd.ErrOrStderr())()
		}

		a.logger.Info("batch started", "jobs", len(jobs), "parallel", parallel)
		outcomes := runJobs(cmd, a.studio, jobs, parallel)

		failed := 0
		for _, o := range outcomes {
			if o.failed() {
				failed++
			}
		}
		a.logger.Info("batch finished", "jobs", len(jobs), "failed", failed)

		if jsonOutput(cmd) {
			if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
				return err
			}
		} else {
			printOutcomes(cmd.OutOrStdout(), outcomes)
		}
		if failed > 0 {
			return &reportedError{err: fmt.Errorf("%d of %d jobs failed", failed, len(jobs))}
		}
		return nil
	})
}

// runJobs runs every job with at most parallel in flight. Job failures are
// reported in the outcomes; they do not stop the other jobs.
func runJobs(cmd *cobra.Command, svc *studio.Service, jobs []batchJob, parallel int) []batchOutcome {
	outcomes := make([]batchOutcome, len(jobs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, job := range jobs {
		g.Go(func() error {
			ctx := cmd.Context()
			out := batchOutcome{Job: job}
			out.Outline = svc.StartOutline(ctx, studio.OutlineRequest{
				SessionID:  job.ID,
				Idea:       job.Idea,
				PersonaID:  job.Persona,
				TemplateID: job.Template,
			})
			if (job.Draft || batchDraft) && out.Outline.Fault == nil && out.Outline.Status == types.StatusCompleted {
				res := svc.StartDraft(ctx, studio.DraftRequest{
					OutlineID:  out.Outline.SessionID,
					PersonaID:  job.Persona,
					TemplateID: job.Template,
				})
				out.Draft = &res
			}
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func printOutcomes(w io.Writer, outcomes []batchOutcome) {
	for _, o := range outcomes {
		line := fmt.Sprintf("%-36s %s", o.Outline.SessionID, statusBadge(o.Outline.Status))
		if o.Outline.Fault != nil {
			line += " " + errorStyle.Render(o.Outline.Fault.Error())
		}
		if o.Draft != nil {
			line += fmt.Sprintf("  draft %s %s", o.Draft.SessionID, statusBadge(o.Draft.Status))
			if o.Draft.Fault != nil {
				line += " " + errorStyle.Render(o.Draft.Fault.Error())
			}
		}
		fmt.Fprintf(w, "%s %s\n", line, mutedStyle.Render(truncate(o.Job.Idea, maxTitleWidth)))
	}
}
