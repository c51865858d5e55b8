package studio

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/draftsmith/internal/audit"
	"github.com/Iron-Ham/draftsmith/internal/catalog"
	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/logging"
	"github.com/Iron-Ham/draftsmith/internal/provider"
	"github.com/Iron-Ham/draftsmith/internal/session"
)

const outlineReply = "# Tides\n\n## The Moon\n\nGravity.\n\n## The Sun\n\nSpring tides.\n\n## Coastlines\n\nBays.\n"

func descriptors() *catalog.Memory {
	return catalog.NewMemory(
		types.Descriptor{ID: "mentor", Name: "Patient Mentor", Prompt: "Explain gently."},
		types.Descriptor{ID: "explainer", Kind: "template", Prompt: "Open with a question."},
	)
}

func newService(t *testing.T, ch provider.Channel, store session.SnapshotStore, opts ...Option) *Service {
	t.Helper()
	if store == nil {
		store = session.NewMemoryStore()
	}
	return New(provider.NewExecutor(ch), store, descriptors(), opts...)
}

func requireOK(t *testing.T, res types.TransitionResult) {
	t.Helper()
	if res.Fault != nil {
		t.Fatalf("unexpected fault: %v", res.Fault)
	}
}

func TestStartOutline_PersistsSnapshot(t *testing.T) {
	store := session.NewMemoryStore()
	rec := audit.NewMemory()
	svc := newService(t, provider.NewScripted(provider.Reply{Text: outlineReply}), store, WithRecorder(rec))

	res := svc.StartOutline(context.Background(), OutlineRequest{
		SessionID: "tides", Idea: "write about tides", PersonaID: "mentor", TemplateID: "explainer",
	})
	requireOK(t, res)
	if res.Status != types.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}

	snap, err := store.Load(context.Background(), "tides")
	if err != nil {
		t.Fatalf("snapshot not saved: %v", err)
	}
	if snap.PersonaID != "mentor" || snap.TemplateID != "explainer" {
		t.Errorf("descriptors = %q/%q", snap.PersonaID, snap.TemplateID)
	}

	records, err := svc.Records(context.Background(), "tides")
	if err != nil || len(records) != 1 {
		t.Errorf("Records() = %d records, %v", len(records), err)
	}

	summary, err := svc.Summary(context.Background(), "tides")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if s, ok := summary.(types.OutlineSessionSummary); !ok || s.Outline.Title != "Tides" {
		t.Errorf("Summary() = %#v", summary)
	}
}

func TestStartOutline_GeneratesID(t *testing.T) {
	svc := newService(t, provider.Offline(), nil)
	svc.newID = func(hint string) string { return "generated-" + Slug(hint) }

	res := svc.StartOutline(context.Background(), OutlineRequest{Idea: "bees"})
	requireOK(t, res)
	if res.SessionID != "generated-bees" {
		t.Errorf("session id = %q", res.SessionID)
	}
}

func TestStart_DescriptorFaults(t *testing.T) {
	tests := []struct {
		name     string
		req      OutlineRequest
		wantCode errors.Code
	}{
		{"unknown persona", OutlineRequest{Idea: "x", PersonaID: "ghost"}, errors.CodePersonaError},
		{"unknown template", OutlineRequest{Idea: "x", TemplateID: "ghost"}, errors.CodeTemplateError},
		{"template id used as persona", OutlineRequest{Idea: "x", PersonaID: "explainer"}, errors.CodePersonaError},
		{"bad session id", OutlineRequest{SessionID: "a/b", Idea: "x"}, errors.CodeValidationError},
		{"missing idea", OutlineRequest{SessionID: "empty"}, errors.CodeValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := session.NewMemoryStore()
			svc := newService(t, provider.Offline(), store)

			res := svc.StartOutline(context.Background(), tt.req)
			if res.Fault == nil || res.Fault.Code != tt.wantCode {
				t.Fatalf("fault = %v, want %s", res.Fault, tt.wantCode)
			}
			if res.Status != types.StatusPending {
				t.Errorf("status = %s, want pending", res.Status)
			}
			infos, _ := store.List(context.Background())
			if len(infos) != 0 {
				t.Errorf("rejected start must not be saved, got %d sessions", len(infos))
			}
		})
	}
}

func TestStart_ExistingSession(t *testing.T) {
	store := session.NewMemoryStore()
	svc := newService(t, provider.Offline(), store)
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "dup", Idea: "x"}))

	// A fresh service has an empty engine, so only the store knows the id.
	other := newService(t, provider.Offline(), store)
	res := other.StartOutline(context.Background(), OutlineRequest{SessionID: "dup", Idea: "y"})
	if res.Fault == nil || res.Fault.Code != errors.CodeInvalidState || !errors.Is(res.Fault, errors.ErrSessionExists) {
		t.Fatalf("fault = %v, want invalid_state", res.Fault)
	}
}

func TestStartDraft_FromStoredOutline(t *testing.T) {
	store := session.NewMemoryStore()
	ch := provider.NewScripted(
		provider.Reply{Text: outlineReply},
		provider.Reply{Text: "# Tides\n\nThe moon pulls the sea."},
	)
	svc := newService(t, ch, store)
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "outline", Idea: "tides"}))

	res := svc.StartDraft(context.Background(), DraftRequest{SessionID: "draft", OutlineID: "outline"})
	requireOK(t, res)
	if res.Snapshot.OutlineRefID != "outline" {
		t.Errorf("outline ref = %q", res.Snapshot.OutlineRefID)
	}
	if res.Snapshot.Outputs.Draft == nil || res.Snapshot.Outputs.Draft.OutlineRefID != "outline" {
		t.Errorf("draft = %+v", res.Snapshot.Outputs.Draft)
	}
	if !strings.Contains(ch.Prompts()[1].User, "## The Moon") {
		t.Error("draft prompt should carry the stored outline")
	}
}

func TestStartDraft_OutlineNotUsable(t *testing.T) {
	store := session.NewMemoryStore()
	svc := newService(t, provider.Offline(), store)
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "review", Idea: "x", AwaitReview: true}))
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "done", Idea: "x"}))
	requireOK(t, svc.StartDraft(context.Background(), DraftRequest{SessionID: "a-draft", OutlineID: "done"}))

	for _, ref := range []string{"missing", "review", "a-draft"} {
		t.Run(ref, func(t *testing.T) {
			res := svc.StartDraft(context.Background(), DraftRequest{OutlineID: ref})
			if res.Fault == nil || res.Fault.Code != errors.CodeValidationError {
				t.Errorf("fault = %v, want validation_error", res.Fault)
			}
		})
	}
}

func TestAdvance_RestoresFromStore(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	first := newService(t, provider.Offline(), store)
	res := first.StartOutline(context.Background(), OutlineRequest{SessionID: "resume", Idea: "tides", AwaitReview: true})
	requireOK(t, res)
	if res.Status != types.StatusRunning {
		t.Fatalf("status = %s, want running", res.Status)
	}

	// A second process picks the session up from disk.
	second := newService(t, provider.Offline(), store, WithLocker(session.NewLocker(dir, logging.NopLogger())))
	res = second.Advance(context.Background(), "resume", StepRequest{
		Type: types.StepReviseOutline, Instructions: "shorter", Final: true,
	})
	requireOK(t, res)
	if res.Status != types.StatusCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}

	snap, err := store.Load(context.Background(), "resume")
	if err != nil {
		t.Fatal(err)
	}
	if got := []types.StepType{snap.Steps[0].Type, snap.Steps[1].Type}; !cmp.Equal(got, []types.StepType{types.StepGenerateOutline, types.StepReviseOutline}) {
		t.Errorf("stored steps = %v", got)
	}
	if _, ok := session.IsLocked(session.Dir(dir, "resume")); ok {
		t.Error("lock must be released after the step")
	}
}

func TestAdvance_UnknownSession(t *testing.T) {
	svc := newService(t, provider.Offline(), nil)
	res := svc.Advance(context.Background(), "ghost", StepRequest{Type: types.StepReviseOutline})
	if res.Fault == nil || res.Fault.Code != errors.CodeInvalidState {
		t.Errorf("fault = %v, want invalid_state", res.Fault)
	}
}

func TestAdvance_TerminalSession(t *testing.T) {
	store := session.NewMemoryStore()
	svc := newService(t, provider.Offline(), store)
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "done", Idea: "x"}))

	res := svc.Advance(context.Background(), "done", StepRequest{Type: types.StepReviseOutline})
	if res.Fault == nil || !errors.Is(res.Fault, errors.ErrSessionTerminal) {
		t.Errorf("fault = %v, want terminal session", res.Fault)
	}
}

func TestAdvance_LockHeld(t *testing.T) {
	dir := t.TempDir()
	store, _ := session.NewFileStore(dir)
	svc := newService(t, provider.Offline(), store, WithLocker(session.NewLocker(dir, logging.NopLogger())))
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "held", Idea: "x", AwaitReview: true}))

	lock, err := session.AcquireLock(session.Dir(dir, "held"), "held", logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lock.Release() }()

	res := svc.Advance(context.Background(), "held", StepRequest{Type: types.StepReviseOutline})
	if res.Fault == nil || res.Fault.Code != errors.CodeInvalidState {
		t.Errorf("advance: fault = %v, want invalid_state", res.Fault)
	}

	res = svc.Abort(context.Background(), "held", "stop")
	requireOK(t, res)
	if res.Status != types.StatusCancelled {
		t.Errorf("abort: status = %s, want cancelled", res.Status)
	}
}

// gatedChannel lets the first free calls through and then blocks each call
// until release is closed, signalling started when it does.
type gatedChannel struct {
	provider.OfflineChannel
	free    int32
	calls   *atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newGatedChannel(free int32) gatedChannel {
	return gatedChannel{
		free:    free,
		calls:   new(atomic.Int32),
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g gatedChannel) Complete(ctx context.Context, prompt provider.Prompt) (string, error) {
	if g.calls.Add(1) > g.free {
		g.started <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.OfflineChannel.Complete(ctx, prompt)
}

func TestAbort_FromAnotherProcessDuringStep(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	storeA, _ := session.NewFileStore(dir)
	storeB, _ := session.NewFileStore(dir)
	gate := newGatedChannel(1)
	a := newService(t, gate, storeA, WithLocker(session.NewLocker(dir, logging.NopLogger())))
	b := newService(t, provider.Offline(), storeB, WithLocker(session.NewLocker(dir, logging.NopLogger())))

	requireOK(t, a.StartOutline(ctx, OutlineRequest{SessionID: "race", Idea: "tides", AwaitReview: true}))

	done := make(chan types.TransitionResult, 1)
	go func() {
		done <- a.Advance(ctx, "race", StepRequest{Type: types.StepReviseOutline, Instructions: "shorter"})
	}()
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never reached the provider")
	}

	aborted := b.Abort(ctx, "race", "stop")
	requireOK(t, aborted)
	if aborted.Status != types.StatusCancelled {
		t.Fatalf("abort status = %s, want cancelled", aborted.Status)
	}

	close(gate.release)
	var res types.TransitionResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("advance did not return")
	}
	if res.Status != types.StatusCancelled {
		t.Errorf("advance status = %s, want cancelled", res.Status)
	}
	if res.Fault == nil || res.Fault.Code != errors.CodeInvalidState || !errors.Is(res.Fault, errors.ErrSessionTerminal) {
		t.Errorf("advance fault = %v, want invalid_state for a terminal session", res.Fault)
	}
	if res.Record == nil || res.Record.Note != iteration.NoteDiscarded {
		t.Errorf("advance record = %+v, want a discarded step", res.Record)
	}

	stored, err := storeB.Load(ctx, "race")
	if err != nil {
		t.Fatal(err)
	}
	if stored.CurrentState.Status != types.StatusCancelled {
		t.Errorf("stored status = %s, want cancelled", stored.CurrentState.Status)
	}
	var kinds []types.StepType
	for _, r := range stored.Steps {
		kinds = append(kinds, r.Type)
	}
	want := []types.StepType{types.StepGenerateOutline, types.StepAbort, types.StepReviseOutline}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("stored steps (-want +got):\n%s", diff)
	}
	if last := stored.Steps[len(stored.Steps)-1]; last.Note != iteration.NoteDiscarded {
		t.Errorf("last stored step note = %q", last.Note)
	}

	for name, svc := range map[string]*Service{"a": a, "b": b} {
		res := svc.Advance(ctx, "race", StepRequest{Type: types.StepReviseOutline})
		if res.Fault == nil || !errors.Is(res.Fault, errors.ErrSessionTerminal) {
			t.Errorf("%s: advance after abort fault = %v, want terminal session", name, res.Fault)
		}
	}
}

// countingStore counts saves.
type countingStore struct {
	*session.MemoryStore
	saves atomic.Int32
}

func (c *countingStore) Save(ctx context.Context, snap types.SessionSnapshot) error {
	c.saves.Add(1)
	return c.MemoryStore.Save(ctx, snap)
}

func TestRejectedCallsAreNotSaved(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: session.NewMemoryStore()}
	gate := newGatedChannel(1)
	svc := newService(t, gate, store)

	requireOK(t, svc.StartOutline(ctx, OutlineRequest{SessionID: "busy", Idea: "tides", AwaitReview: true}))
	if n := store.saves.Load(); n != 1 {
		t.Fatalf("saves after start = %d, want 1", n)
	}

	done := make(chan types.TransitionResult, 1)
	go func() {
		done <- svc.Advance(ctx, "busy", StepRequest{Type: types.StepReviseOutline, Instructions: "shorter"})
	}()
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never reached the provider")
	}

	res := svc.Advance(ctx, "busy", StepRequest{Type: types.StepReviseOutline})
	if res.Fault == nil || res.Fault.Code != errors.CodeInvalidState {
		t.Fatalf("concurrent advance fault = %v, want invalid_state", res.Fault)
	}
	if n := store.saves.Load(); n != 1 {
		t.Errorf("saves after a busy rejection = %d, want 1", n)
	}

	close(gate.release)
	requireOK(t, <-done)
	requireOK(t, svc.Abort(ctx, "busy", "stop"))
	saved := store.saves.Load()

	tests := []struct {
		name string
		call func() types.TransitionResult
	}{
		{"advance", func() types.TransitionResult {
			return svc.Advance(ctx, "busy", StepRequest{Type: types.StepReviseOutline})
		}},
		{"abort", func() types.TransitionResult { return svc.Abort(ctx, "busy", "again") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := tt.call(); res.Fault == nil || res.Fault.Code != errors.CodeInvalidState {
				t.Errorf("fault = %v, want invalid_state", res.Fault)
			}
			if n := store.saves.Load(); n != saved {
				t.Errorf("saves = %d, want %d", n, saved)
			}
		})
	}
}

func TestSaveFailure(t *testing.T) {
	store := session.NewMemoryStore()
	store.FailSaves(fmt.Errorf("disk full"))
	svc := newService(t, provider.Offline(), store)

	res := svc.StartOutline(context.Background(), OutlineRequest{SessionID: "s", Idea: "x"})
	if res.Fault == nil || res.Fault.Code != errors.CodeStorageError {
		t.Fatalf("fault = %v, want storage_error", res.Fault)
	}
	if !res.Fault.Recoverable {
		t.Error("save failure should be recoverable")
	}
	if res.Status != types.StatusCompleted {
		t.Errorf("the step itself succeeded, status = %s", res.Status)
	}
}

func TestAbortAndDelete(t *testing.T) {
	store := session.NewMemoryStore()
	svc := newService(t, provider.Offline(), store)
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "s", Idea: "x", AwaitReview: true}))

	if err := svc.Delete(context.Background(), "s"); errors.CodeOf(err) != errors.CodeInvalidState {
		t.Errorf("Delete(running) error = %v, want invalid_state", err)
	}

	res := svc.Abort(context.Background(), "s", "changed my mind")
	requireOK(t, res)
	if res.Status != types.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if err := svc.Delete(context.Background(), "s"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Load(context.Background(), "s"); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("deleted session still loads: %v", err)
	}
}

func TestRecords_FallsBackToSnapshot(t *testing.T) {
	svc := newService(t, provider.Offline(), nil)
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "s", Idea: "x"}))

	records, err := svc.Records(context.Background(), "s")
	if err != nil || len(records) != 1 || records[0].Type != types.StepGenerateOutline {
		t.Errorf("Records() = %+v, %v", records, err)
	}
}

func TestSessions(t *testing.T) {
	svc := newService(t, provider.Offline(), nil)
	for _, id := range []string{"a", "b"} {
		requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: id, Idea: id}))
	}
	infos, err := svc.Sessions(context.Background())
	if err != nil || len(infos) != 2 {
		t.Errorf("Sessions() = %v, %v", infos, err)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"How the tides work", "how-tides-work"},
		{"  Write about: Bees & honey!! ", "write-bees-honey"},
		{"The", ""},
		{"naïve café culture", "culture"},
		{"one two three four five six seven eight nine", "one-two-three-four-five-six"},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSessionName(t *testing.T) {
	a, b := SessionName("how tides work"), SessionName("how tides work")
	if !strings.HasPrefix(a, "how-tides-work-") || len(a) != len("how-tides-work-")+6 {
		t.Errorf("SessionName() = %q", a)
	}
	if a == b {
		t.Error("generated names must differ")
	}
	if err := session.ValidateID(SessionName("???")); err != nil {
		t.Errorf("fallback name is not a valid id: %v", err)
	}
	if got := draftHint(a); got != "how-tides-work draft" {
		t.Errorf("draftHint(%q) = %q", a, got)
	}
}

func TestPrune(t *testing.T) {
	store := session.NewMemoryStore()
	old := time.Now().Add(-48 * time.Hour)
	past := newService(t, provider.Offline(), store, WithEngineOptions(iteration.WithClock(func() time.Time { return old })))
	requireOK(t, past.StartOutline(context.Background(), OutlineRequest{SessionID: "old-done", Idea: "x"}))
	requireOK(t, past.StartOutline(context.Background(), OutlineRequest{SessionID: "old-running", Idea: "x", AwaitReview: true}))

	svc := newService(t, provider.Offline(), store)
	requireOK(t, svc.StartOutline(context.Background(), OutlineRequest{SessionID: "fresh", Idea: "x"}))

	dry, err := svc.Prune(context.Background(), 24*time.Hour, true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"old-done"}, dry.Removed); diff != "" {
		t.Errorf("dry run (-want +got):\n%s", diff)
	}
	if _, err := store.Load(context.Background(), "old-done"); err != nil {
		t.Error("dry run must not delete")
	}

	res, err := svc.Prune(context.Background(), 24*time.Hour, false)
	if err != nil || len(res.Removed) != 1 {
		t.Fatalf("Prune() = %+v, %v", res, err)
	}
	infos, _ := store.List(context.Background())
	var left []string
	for _, info := range infos {
		left = append(left, info.ID)
	}
	if len(left) != 2 {
		t.Errorf("remaining sessions = %v, want old-running and fresh", left)
	}
}
