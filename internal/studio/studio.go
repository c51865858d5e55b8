// Package studio is the caller side of the iteration engine. It resolves
// persona and template ids against the catalog, restores sessions from the
// snapshot store before touching them, persists the snapshot after every
// result and holds the session lock while a session is mutated.
package studio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/audit"
	"github.com/Iron-Ham/draftsmith/internal/catalog"
	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration"
	"github.com/Iron-Ham/draftsmith/internal/iteration/materialize"
	"github.com/Iron-Ham/draftsmith/internal/iteration/policy"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/logging"
	"github.com/Iron-Ham/draftsmith/internal/session"
)

// Locker serializes mutations of one session across processes.
type Locker interface {
	Acquire(sessionID string) (release func() error, err error)
}

// AbortLocker is implemented by lockers that also hand out a short-lived
// abort lock, separate from the lock held while a step runs. Aborts take it
// to cancel a session mid-step; the save that ends a step takes it to see
// such an abort.
type AbortLocker interface {
	AcquireAbort(sessionID string) (release func() error, err error)
}

type nopLocker struct{}

func (nopLocker) Acquire(string) (func() error, error) { return func() error { return nil }, nil }

func (nopLocker) AcquireAbort(string) (func() error, error) {
	return func() error { return nil }, nil
}

// abortLockWait bounds how long a save waits for a concurrent abort.
const abortLockWait = 10 * time.Second

const abortLockRetry = 25 * time.Millisecond

// Service runs sessions end to end.
type Service struct {
	engine      *iteration.Engine
	store       session.SnapshotStore
	descriptors catalog.Store
	records     audit.Reader
	locker      Locker
	aborts      AbortLocker
	logger      *logging.Logger
	newID       func(hint string) string

	policy   *policy.Policy
	recorder iteration.AuditRecorder
	extra    []iteration.Option
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the violation policy handed to the engine.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithRecorder sets the audit recorder. When it can also read records back
// it serves Records.
func WithRecorder(r iteration.AuditRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLocker sets the session locker.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithLogger sets the logger shared with the engine.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEngineOptions passes extra options, such as a clock, to the engine.
func WithEngineOptions(opts ...iteration.Option) Option {
	return func(s *Service) { s.extra = append(s.extra, opts...) }
}

// New creates a Service. descriptors may be nil when no catalog is set up;
// persona and template ids are then rejected.
func New(executor iteration.StepExecutor, store session.SnapshotStore, descriptors catalog.Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		descriptors: descriptors,
		locker:      nopLocker{},
		logger:      logging.NopLogger(),
		newID:       SessionName,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.descriptors == nil {
		s.descriptors = catalog.NewMemory()
	}
	if rd, ok := s.recorder.(audit.Reader); ok {
		s.records = rd
	}
	s.aborts = nopLocker{}
	if al, ok := s.locker.(AbortLocker); ok {
		s.aborts = al
	}

	engineOpts := []iteration.Option{
		iteration.WithLogger(s.logger),
		iteration.WithOutlineSource(s),
	}
	if s.policy != nil {
		engineOpts = append(engineOpts, iteration.WithPolicy(s.policy))
	}
	if s.recorder != nil {
		engineOpts = append(engineOpts, iteration.WithRecorder(s.recorder))
	}
	s.engine = iteration.New(executor, append(engineOpts, s.extra...)...)
	return s
}

// OutlineRequest starts an outline session.
type OutlineRequest struct {
	SessionID    string
	Idea         string
	Instructions string
	PersonaID    string
	TemplateID   string
	AwaitReview  bool
	Metadata     map[string]string
}

// DraftRequest starts a draft session from a completed outline session.
type DraftRequest struct {
	SessionID    string
	OutlineID    string
	Instructions string
	PersonaID    string
	TemplateID   string
	AwaitReview  bool
	Metadata     map[string]string
}

// StepRequest advances a session. Empty ids keep the session's persona and
// template.
type StepRequest struct {
	Type         types.StepType
	Instructions string
	Final        bool
	PersonaID    string
	TemplateID   string
	Metadata     map[string]string
}

// StartOutline starts an outline session and runs its first step.
func (s *Service) StartOutline(ctx context.Context, req OutlineRequest) types.TransitionResult {
	return s.start(ctx, req.SessionID, req.Idea, req.PersonaID, req.TemplateID, func(id string, persona, template *types.Descriptor) iteration.StartInput {
		return iteration.StartInput{
			SessionID:    id,
			Mode:         types.ModeOutline,
			Idea:         req.Idea,
			Instructions: req.Instructions,
			Persona:      persona,
			Template:     template,
			AwaitReview:  req.AwaitReview,
			Metadata:     req.Metadata,
		}
	})
}

// StartDraft starts a draft session and runs its first step.
func (s *Service) StartDraft(ctx context.Context, req DraftRequest) types.TransitionResult {
	return s.start(ctx, req.SessionID, draftHint(req.OutlineID), req.PersonaID, req.TemplateID, func(id string, persona, template *types.Descriptor) iteration.StartInput {
		return iteration.StartInput{
			SessionID:    id,
			Mode:         types.ModeDraft,
			OutlineID:    req.OutlineID,
			Instructions: req.Instructions,
			Persona:      persona,
			Template:     template,
			AwaitReview:  req.AwaitReview,
			Metadata:     req.Metadata,
		}
	})
}

func (s *Service) start(ctx context.Context, id, hint, personaID, templateID string, build func(string, *types.Descriptor, *types.Descriptor) iteration.StartInput) types.TransitionResult {
	if id == "" {
		id = s.newID(hint)
	}
	if err := session.ValidateID(id); err != nil {
		return faultResult(id, err, errors.CodeValidationError)
	}
	persona, template, fault := s.resolve(personaID, templateID)
	if fault != nil {
		return faultResult(id, fault, fault.Code)
	}

	release, res, ok := s.lock(id)
	if !ok {
		return res
	}
	defer s.unlock(id, release)

	if _, err := s.store.Load(ctx, id); err == nil {
		return faultResult(id, errors.InvalidState("session %s already exists", id).WithCause(errors.ErrSessionExists), errors.CodeInvalidState)
	} else if !errors.Is(err, errors.ErrSessionNotFound) {
		return faultResult(id, err, errors.CodeStorageError)
	}

	return s.persist(ctx, s.engine.Start(ctx, build(id, persona, template)))
}

// draftHint names a draft after its outline, without the outline's own
// random suffix.
func draftHint(outlineID string) string {
	if i := strings.LastIndexByte(outlineID, '-'); i > 0 && len(outlineID)-i == 7 {
		outlineID = outlineID[:i]
	}
	return outlineID + " draft"
}

// Advance runs the next step of a session.
func (s *Service) Advance(ctx context.Context, sessionID string, req StepRequest) types.TransitionResult {
	var persona, template *types.Descriptor
	if req.PersonaID != "" || req.TemplateID != "" {
		var fault *errors.Fault
		if persona, template, fault = s.resolve(req.PersonaID, req.TemplateID); fault != nil {
			return faultResult(sessionID, fault, fault.Code)
		}
	}

	release, res, ok := s.lock(sessionID)
	if !ok {
		return res
	}
	defer s.unlock(sessionID, release)

	if res, ok := s.ensureLoaded(ctx, sessionID); !ok {
		return res
	}
	return s.persist(ctx, s.engine.Advance(ctx, sessionID, iteration.StepRequest{
		Type:         req.Type,
		Instructions: req.Instructions,
		Final:        req.Final,
		Persona:      persona,
		Template:     template,
		Metadata:     req.Metadata,
	}))
}

// Abort cancels a session. It succeeds while another caller is running a
// step of the session; that step's result is discarded when it is saved.
func (s *Service) Abort(ctx context.Context, sessionID, reason string) types.TransitionResult {
	abortRelease, err := s.acquireAbort(ctx, sessionID)
	if err != nil {
		return faultResult(sessionID, err, errors.CodeStorageError)
	}
	defer s.unlock(sessionID, abortRelease)

	release, err := s.locker.Acquire(sessionID)
	switch {
	case err == nil:
		defer s.unlock(sessionID, release)
	case errors.Is(err, errors.ErrSessionBusy):
		s.logger.WithSession(sessionID).Info("aborting session with a step in flight")
	default:
		return faultResult(sessionID, err, errors.CodeStorageError)
	}

	if res, ok := s.ensureLoaded(ctx, sessionID); !ok {
		return res
	}
	return s.save(ctx, s.engine.Abort(ctx, sessionID, reason))
}

// Snapshot returns the latest snapshot of a session, from the engine when
// it holds the session and from the store otherwise.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (types.SessionSnapshot, error) {
	if snap, err := s.engine.Snapshot(sessionID); err == nil {
		return snap, nil
	}
	return s.store.Load(ctx, sessionID)
}

// Sessions lists stored sessions, newest first.
func (s *Service) Sessions(ctx context.Context) ([]session.Info, error) {
	return s.store.List(ctx)
}

// Records returns the audit trail of a session. Without a readable
// recorder the attempts kept in the snapshot are returned.
func (s *Service) Records(ctx context.Context, sessionID string) ([]types.StepRecord, error) {
	if s.records != nil {
		return s.records.Records(ctx, sessionID)
	}
	snap, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Steps, nil
}

// Summary describes a completed session. The result is a
// types.OutlineSessionSummary or a types.DraftSessionSummary.
func (s *Service) Summary(ctx context.Context, sessionID string) (any, error) {
	snap, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state, _, err := materialize.State(snap)
	if err != nil {
		return nil, err
	}
	if state.Mode == types.ModeDraft {
		return materialize.DraftSummary(state)
	}
	return materialize.OutlineSummary(state)
}

// Delete removes a stored session that is no longer active.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	release, res, ok := s.lock(sessionID)
	if !ok {
		return res.Fault
	}
	defer s.unlock(sessionID, release)

	snap, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if !snap.Terminal() {
		return errors.InvalidState("session %s is %s; abort it first", sessionID, snap.CurrentState.Status)
	}
	_ = s.engine.Forget(sessionID)
	return s.store.Delete(ctx, sessionID)
}

// CompletedOutline resolves the outline of a completed outline session.
func (s *Service) CompletedOutline(ctx context.Context, outlineID string) (types.Outline, error) {
	snap, err := s.Snapshot(ctx, outlineID)
	if err != nil {
		return types.Outline{}, err
	}
	switch {
	case snap.Mode != types.ModeOutline:
		return types.Outline{}, errors.Validation("session %s is a %s session, not an outline", outlineID, snap.Mode)
	case snap.CurrentState.Status != types.StatusCompleted:
		return types.Outline{}, errors.Validation("outline session %s is %s", outlineID, snap.CurrentState.Status)
	case snap.Outputs.Outline == nil:
		return types.Outline{}, errors.Validation("outline session %s has no outline", outlineID)
	}
	return *snap.Outputs.Outline.Clone(), nil
}

var _ iteration.OutlineSource = (*Service)(nil)

func (s *Service) resolve(personaID, templateID string) (*types.Descriptor, *types.Descriptor, *errors.Fault) {
	var persona, template *types.Descriptor
	if personaID = strings.TrimSpace(personaID); personaID != "" {
		d, err := s.descriptors.Persona(personaID)
		if err != nil {
			return nil, nil, errors.FaultOf(err, errors.CodePersonaError).Clone().WithDetail("persona_id", personaID)
		}
		persona = &d
	}
	if templateID = strings.TrimSpace(templateID); templateID != "" {
		d, err := s.descriptors.Template(templateID)
		if err != nil {
			return nil, nil, errors.FaultOf(err, errors.CodeTemplateError).Clone().WithDetail("template_id", templateID)
		}
		template = &d
	}
	return persona, template, nil
}

func (s *Service) lock(sessionID string) (func() error, types.TransitionResult, bool) {
	release, err := s.locker.Acquire(sessionID)
	if err != nil {
		return nil, faultResult(sessionID, err, errors.CodeStorageError), false
	}
	return release, types.TransitionResult{}, true
}

func (s *Service) unlock(sessionID string, release func() error) {
	if err := release(); err != nil {
		s.logger.WithSession(sessionID).Warn("session lock not released", "error", err.Error())
	}
}

// ensureLoaded restores a stored session into the engine unless the engine
// already holds it.
func (s *Service) ensureLoaded(ctx context.Context, sessionID string) (types.TransitionResult, bool) {
	if _, err := s.engine.State(sessionID); err == nil {
		return types.TransitionResult{}, true
	}
	snap, err := s.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errors.ErrSessionNotFound) {
			err = errors.InvalidState("session %s not found", sessionID).WithCause(errors.ErrSessionNotFound)
		}
		return faultResult(sessionID, err, errors.CodeStorageError), false
	}
	if err := s.engine.Restore(snap); err != nil && !errors.Is(err, errors.ErrSessionExists) {
		return faultResult(sessionID, err, errors.CodeStorageError), false
	}
	return types.TransitionResult{}, true
}

// persist saves the snapshot carried by res. It holds the abort lock so an
// abort that landed while the step ran is kept: the stored cancelled
// snapshot wins and the step is appended to it as discarded.
func (s *Service) persist(ctx context.Context, res types.TransitionResult) types.TransitionResult {
	if !savable(res) {
		return res
	}
	release, err := s.acquireAbort(ctx, res.SessionID)
	if err != nil {
		return s.saveFailed(res, err)
	}
	defer s.unlock(res.SessionID, release)

	stored, err := s.store.Load(ctx, res.SessionID)
	switch {
	case err == nil && stored.Terminal() && stored.CurrentState.Status != res.Status:
		merged, mergeErr := discardInto(stored, res)
		if mergeErr != nil {
			return s.saveFailed(res, mergeErr)
		}
		log := s.logger.WithSession(res.SessionID)
		log.Info("step result discarded", "status", string(merged.Status), "step_status", string(res.Status))
		merged = s.save(ctx, merged)
		if err := s.engine.Evict(res.SessionID); err != nil {
			log.Warn("session not evicted from engine", "error", err.Error())
		}
		return merged
	case err != nil && !errors.Is(err, errors.ErrSessionNotFound):
		return s.saveFailed(res, err)
	}
	return s.save(ctx, res)
}

// save writes the snapshot of res. A save failure becomes the result's
// fault when the engine reported none, and a warning otherwise.
func (s *Service) save(ctx context.Context, res types.TransitionResult) types.TransitionResult {
	if !savable(res) {
		return res
	}
	if err := s.store.Save(ctx, res.Snapshot); err != nil {
		return s.saveFailed(res, err)
	}
	if res.Status.Terminal() {
		if err := s.engine.Forget(res.SessionID); err == nil {
			s.logger.WithSession(res.SessionID).Debug("terminal session released from engine", "status", string(res.Status))
		}
	}
	return res
}

func (s *Service) saveFailed(res types.TransitionResult, err error) types.TransitionResult {
	s.logger.WithSession(res.SessionID).Error("snapshot not saved", "error", err.Error())
	fault := errors.FaultOf(err, errors.CodeStorageError).Clone().WithRecoverable(true)
	if res.Fault == nil {
		res.Fault = fault
	} else {
		res.Warnings = append(res.Warnings, fmt.Sprintf("snapshot not saved: %v", err))
	}
	return res
}

// savable reports whether res changed the session. Rejected calls carry a
// snapshot taken at rejection time, possibly while another step ran, and
// must not overwrite the stored one.
func savable(res types.TransitionResult) bool {
	if res.Snapshot.ID == "" || res.Status == types.StatusPending {
		return false
	}
	return res.Record != nil || res.Fault == nil || res.Fault.Code != errors.CodeInvalidState
}

// acquireAbort takes the abort lock, waiting while another caller holds it.
func (s *Service) acquireAbort(ctx context.Context, sessionID string) (func() error, error) {
	deadline := time.Now().Add(abortLockWait)
	for {
		release, err := s.aborts.AcquireAbort(sessionID)
		if err == nil || !errors.Is(err, errors.ErrSessionBusy) || time.Now().After(deadline) {
			return release, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(abortLockRetry):
		}
	}
}

// discardInto appends the step of res to a stored terminal snapshot as a
// discarded attempt and returns the result the caller sees.
func discardInto(stored types.SessionSnapshot, res types.TransitionResult) (types.TransitionResult, error) {
	state, records, err := materialize.State(stored)
	if err != nil {
		return res, err
	}
	out := types.TransitionResult{
		SessionID: stored.ID,
		Status:    state.Status,
		Fault: errors.InvalidState("session %s was %s while the step ran", stored.ID, state.Status).
			WithCause(errors.ErrSessionTerminal),
		Warnings: res.Warnings,
	}
	if res.Record != nil {
		rec := res.Record.Clone()
		rec.Note = iteration.NoteDiscarded
		rec.Violations = nil
		if step, ok := types.StepFromRecord(rec); ok && step.Index == len(state.History) {
			state.History = append(state.History, step)
			state.CurrentStepIndex = step.Index
		} else {
			rec.StepIndex = nil
		}
		records = append(records, rec)
		out.Record = &rec
		out.Fault = out.Fault.WithDetail("step_id", rec.StepID)
	}
	out.Snapshot = materialize.Snapshot(state, records)
	return out, nil
}

func faultResult(sessionID string, err error, fallback errors.Code) types.TransitionResult {
	return types.TransitionResult{
		SessionID: sessionID,
		Status:    types.StatusPending,
		Fault:     errors.FaultOf(err, fallback).Clone(),
	}
}
