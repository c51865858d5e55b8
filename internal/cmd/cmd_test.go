package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/logging"
	"github.com/Iron-Ham/draftsmith/internal/session"
)

// resetFlags puts every flag of c and its children back to its default so
// that executions do not leak into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, child := range c.Commands() {
		resetFlags(child)
	}
}

// executeCommand runs the root command with args and returns captured output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// setupEnv isolates config and data directories and returns the flags that
// point a command at them.
func setupEnv(t *testing.T) (dataDir string, flags []string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	dataDir = t.TempDir()
	return dataDir, []string{"--data-dir", dataDir, "--provider", "offline"}
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := executeCommand(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func showSnapshot(t *testing.T, flags []string, id string) types.SessionSnapshot {
	t.Helper()
	out := mustRun(t, append([]string{"show", id, "--json"}, flags...)...)
	var snap types.SessionSnapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("show --json output is not a snapshot: %v\n%s", err, out)
	}
	return snap
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "draftsmith" {
		t.Errorf("rootCmd.Use = %q", rootCmd.Use)
	}
	expected := []string{"outline", "draft", "revise", "abort", "show", "summary", "history", "sessions", "batch", "catalog", "logs", "config"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range expected {
		if !have[name] {
			t.Errorf("expected subcommand %q not found", name)
		}
	}
}

func TestOutlineReviseFlow(t *testing.T) {
	dataDir, flags := setupEnv(t)

	out := mustRun(t, append([]string{"outline", "how", "tides", "work", "--id", "tides", "--review"}, flags...)...)
	if !strings.Contains(out, "RUNNING") {
		t.Errorf("outline output:\n%s", out)
	}

	mustRun(t, append([]string{"revise", "tides", "-i", "shorter", "--final"}, flags...)...)

	snap := showSnapshot(t, flags, "tides")
	if snap.CurrentState.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", snap.CurrentState.Status)
	}
	if len(snap.Steps) != 2 || snap.Steps[1].Type != types.StepReviseOutline {
		t.Errorf("steps = %+v", snap.Steps)
	}

	if out := mustRun(t, append([]string{"history", "tides"}, flags...)...); !strings.Contains(out, "revise-outline") {
		t.Errorf("history output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "audit", "tides.jsonl")); err != nil {
		t.Errorf("audit file missing: %v", err)
	}
	if out := mustRun(t, append([]string{"summary", "tides"}, flags...)...); !strings.Contains(out, "sections") {
		t.Errorf("summary output:\n%s", out)
	}
	if out := mustRun(t, append([]string{"sessions"}, flags...)...); !strings.Contains(out, "tides") {
		t.Errorf("sessions output:\n%s", out)
	}
}

func TestDraftAndDelete(t *testing.T) {
	_, flags := setupEnv(t)
	mustRun(t, append([]string{"outline", "bees", "--id", "bees"}, flags...)...)
	mustRun(t, append([]string{"draft", "bees", "--id", "bees-draft"}, flags...)...)

	snap := showSnapshot(t, flags, "bees-draft")
	if snap.Mode != types.ModeDraft || snap.OutlineRefID != "bees" || snap.Outputs.Draft == nil {
		t.Errorf("draft snapshot = %+v", snap)
	}

	mustRun(t, append([]string{"sessions", "delete", "bees-draft"}, flags...)...)
	if _, err := executeCommand(t, append([]string{"show", "bees-draft"}, flags...)...); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("show after delete error = %v", err)
	}
}

func TestFaultsAreReported(t *testing.T) {
	_, flags := setupEnv(t)

	out, err := executeCommand(t, append([]string{"outline", "x", "--persona", "ghost"}, flags...)...)
	if err == nil || !Reported(err) {
		t.Fatalf("error = %v, want a reported fault", err)
	}
	if !strings.Contains(out, string(errors.CodePersonaError)) {
		t.Errorf("output should name the fault code:\n%s", out)
	}

	_, err = executeCommand(t, append([]string{"draft", "missing"}, flags...)...)
	if errors.CodeOf(err) != errors.CodeValidationError {
		t.Errorf("draft from missing outline error = %v", err)
	}
}

func TestAbort(t *testing.T) {
	dataDir, flags := setupEnv(t)
	mustRun(t, append([]string{"outline", "x", "--id", "stop-me", "--review"}, flags...)...)
	mustRun(t, append([]string{"abort", "stop-me", "changed", "my", "mind"}, flags...)...)

	snap := showSnapshot(t, flags, "stop-me")
	if snap.CurrentState.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", snap.CurrentState.Status)
	}
	last := snap.Steps[len(snap.Steps)-1]
	if last.Type != types.StepAbort || last.Note != "changed my mind" {
		t.Errorf("abort record = %+v", last)
	}
	if _, locked := session.IsLocked(session.Dir(dataDir, "stop-me")); locked {
		t.Error("lock left behind")
	}
}

func TestSQLiteBackend(t *testing.T) {
	dataDir, flags := setupEnv(t)
	t.Setenv("DRAFTSMITH_STORAGE_BACKEND", "sqlite")
	t.Setenv("DRAFTSMITH_AUDIT_BACKEND", "sqlite")

	mustRun(t, append([]string{"outline", "owls", "--id", "owls"}, flags...)...)
	if _, err := os.Stat(filepath.Join(dataDir, "draftsmith.db")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "sessions", "owls", session.SnapshotFileName)); err == nil {
		t.Error("sqlite backend must not write snapshot files")
	}
	if snap := showSnapshot(t, flags, "owls"); snap.CurrentState.Status != types.StatusCompleted {
		t.Errorf("status = %s", snap.CurrentState.Status)
	}
	if out := mustRun(t, append([]string{"history", "owls"}, flags...)...); !strings.Contains(out, "generate-outline") {
		t.Errorf("history output:\n%s", out)
	}
}

func TestBatch(t *testing.T) {
	_, flags := setupEnv(t)
	file := filepath.Join(t.TempDir(), "jobs.yaml")
	jobs := "- id: one\n  idea: first idea\n  draft: true\n- id: two\n  idea: second idea\n"
	if err := os.WriteFile(file, []byte(jobs), 0o644); err != nil {
		t.Fatal(err)
	}

	out := mustRun(t, append([]string{"batch", file, "-j", "2", "--json"}, flags...)...)
	var outcomes []batchOutcome
	if err := json.Unmarshal([]byte(out), &outcomes); err != nil {
		t.Fatalf("batch --json output: %v\n%s", err, out)
	}
	if len(outcomes) != 2 || outcomes[0].Draft == nil || outcomes[1].Draft != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Draft.Status != types.StatusCompleted {
		t.Errorf("draft status = %s", outcomes[0].Draft.Status)
	}

	listing := mustRun(t, append([]string{"sessions", "--json"}, flags...)...)
	var infos []session.Info
	if err := json.Unmarshal([]byte(listing), &infos); err != nil || len(infos) != 3 {
		t.Errorf("sessions = %d, %v", len(infos), err)
	}
}

func TestParseBatchFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	jobs, err := parseBatchFile(write("ideas.txt", "# ideas\nbees\n\n  tides  \n"))
	if err != nil || len(jobs) != 2 || jobs[1].Idea != "tides" {
		t.Errorf("text jobs = %+v, %v", jobs, err)
	}
	if _, err := parseBatchFile(write("bad.yaml", "- id: x\n")); err == nil {
		t.Error("a job without an idea should be rejected")
	}
	if _, err := parseBatchFile(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestCatalogCommands(t *testing.T) {
	_, flags := setupEnv(t)
	mustRun(t, append([]string{"catalog", "add", "persona", "mentor", "--prompt", "Explain gently.", "--description", "Patient"}, flags...)...)

	if out := mustRun(t, append([]string{"catalog", "list", "personas", "m*"}, flags...)...); !strings.Contains(out, "mentor") {
		t.Errorf("list output:\n%s", out)
	}
	if out := mustRun(t, append([]string{"catalog", "show", "persona", "mentor"}, flags...)...); !strings.Contains(out, "Explain gently.") {
		t.Errorf("show output:\n%s", out)
	}

	mustRun(t, append([]string{"outline", "x", "--id", "styled", "--persona", "mentor"}, flags...)...)
	if snap := showSnapshot(t, flags, "styled"); snap.PersonaID != "mentor" {
		t.Errorf("persona = %q", snap.PersonaID)
	}
}

func TestLogs(t *testing.T) {
	dataDir, flags := setupEnv(t)
	mustRun(t, append([]string{"outline", "x", "--id", "logged"}, flags...)...)
	mustRun(t, append([]string{"outline", "y", "--id", "other"}, flags...)...)

	out := mustRun(t, append([]string{"logs", "-s", "logged", "-n", "0", "--format", "json"}, flags...)...)
	var entries []struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("logs output: %v\n%s", err, out)
	}
	if len(entries) == 0 {
		t.Fatal("no log entries for the session")
	}
	for _, e := range entries {
		if e.SessionID != "logged" {
			t.Errorf("entry of session %q leaked through the filter", e.SessionID)
		}
	}

	export := filepath.Join(dataDir, "export.csv")
	mustRun(t, append([]string{"logs", "--export", export, "--format", "csv"}, flags...)...)
	if data, err := os.ReadFile(export); err != nil || len(data) == 0 {
		t.Errorf("export = %d bytes, %v", len(data), err)
	}
}

func TestTailEntries(t *testing.T) {
	entries := []logging.LogEntry{{Message: "a"}, {Message: "b"}, {Message: "c"}}
	tests := []struct {
		n    int
		want int
	}{
		{0, 3},
		{2, 2},
		{5, 3},
	}
	for _, tt := range tests {
		got := tailEntries(entries, tt.n)
		if len(got) != tt.want {
			t.Errorf("tailEntries(n=%d) = %d entries, want %d", tt.n, len(got), tt.want)
		}
		if len(got) > 0 && got[len(got)-1].Message != "c" {
			t.Errorf("tailEntries(n=%d) must keep the newest entries", tt.n)
		}
	}
}

func TestSessionsPrune(t *testing.T) {
	_, flags := setupEnv(t)
	mustRun(t, append([]string{"outline", "x", "--id", "recent"}, flags...)...)

	out := mustRun(t, append([]string{"sessions", "prune", "--older-than", "1h"}, flags...)...)
	if !strings.Contains(out, "Nothing to prune") {
		t.Errorf("prune output:\n%s", out)
	}
	out = mustRun(t, append([]string{"sessions", "prune", "--older-than", "0s", "--dry-run"}, flags...)...)
	if !strings.Contains(out, "Would delete recent") {
		t.Errorf("dry run output:\n%s", out)
	}
	showSnapshot(t, flags, "recent")
}
