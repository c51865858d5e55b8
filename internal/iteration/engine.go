package iteration

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/materialize"
	"github.com/Iron-Ham/draftsmith/internal/iteration/policy"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/logging"
)

// NoteDiscarded marks the record of a step whose result arrived after the
// session was cancelled.
const NoteDiscarded = "discarded: session cancelled"

// StartInput describes a new session.
type StartInput struct {
	// SessionID is optional; a UUID is generated when empty.
	SessionID string
	Mode      types.Mode
	// Idea is required for outline sessions.
	Idea string
	// OutlineID is required for draft sessions and must name a completed
	// outline known to the engine's OutlineSource.
	OutlineID    string
	Instructions string
	Persona      *types.Descriptor
	Template     *types.Descriptor
	// AwaitReview keeps the session running after the first document is
	// generated; it completes on the first successful step marked Final.
	AwaitReview bool
	Metadata    map[string]string
}

// StepRequest asks a running session for its next step.
type StepRequest struct {
	// Type defaults to the step the session expects next.
	Type         types.StepType
	Instructions string
	// Final completes the session when this step succeeds.
	Final bool
	// Persona and Template override the descriptors of the previous step.
	Persona  *types.Descriptor
	Template *types.Descriptor
	Metadata map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the violation policy. The default enforces DefaultLimits.
func WithPolicy(p *policy.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithRecorder sets the audit recorder. The default discards records.
func WithRecorder(r AuditRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithOutlineSource sets how draft sessions resolve their outline.
func WithOutlineSource(s OutlineSource) Option {
	return func(e *Engine) { e.outlines = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator used for session and step ids.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// Engine owns a set of sessions keyed by id. Each session is mutated by one
// operation at a time; different sessions proceed independently and the
// executor is always called without holding any engine lock.
type Engine struct {
	executor StepExecutor
	policy   *policy.Policy
	recorder AuditRecorder
	outlines OutlineSource
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu sync.Mutex
	// audit orders recorder delivery; it is acquired before mu is released.
	audit   sync.Mutex
	state   types.IterationState
	records []types.StepRecord
	busy    bool
}

func (s *session) appendStep(step types.IterationStep) {
	s.state.History = append(s.state.History, step)
	s.state.CurrentStepIndex = step.Index
}

// New creates an Engine that runs steps through executor.
func New(executor StepExecutor, opts ...Option) *Engine {
	e := &Engine{
		executor: executor,
		policy:   policy.New(policy.DefaultLimits()),
		recorder: nopRecorder{},
		logger:   logging.NopLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a session and executes its generate step. A session whose
// input is rejected stays pending and is not registered.
func (e *Engine) Start(ctx context.Context, in StartInput) types.TransitionResult {
	now := e.now()
	id := in.SessionID
	if id == "" {
		id = e.newID()
	}
	state := types.IterationState{
		SessionID:        id,
		Mode:             in.Mode,
		Status:           types.StatusPending,
		CurrentStepIndex: -1,
		PersonaID:        descriptorID(in.Persona),
		TemplateID:       descriptorID(in.Template),
		AwaitReview:      in.AwaitReview,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	log := e.logger.WithSession(id).WithMode(string(in.Mode))

	if fault := e.prepare(ctx, &state, in); fault != nil {
		return e.reject(state, fault, log)
	}

	s := &session{state: state}
	s.mu.Lock()
	e.mu.Lock()
	if _, exists := e.sessions[id]; exists {
		e.mu.Unlock()
		s.mu.Unlock()
		return e.reject(state, errors.InvalidState("session %s already exists", id).WithCause(errors.ErrSessionExists), log)
	}
	e.sessions[id] = s
	e.mu.Unlock()

	next, _ := Transition(s.state.Status, EventBegin)
	s.state.Status = next
	s.busy = true
	log.Info("session started", "persona_id", state.PersonaID, "template_id", state.TemplateID, "outline_ref_id", state.OutlineRefID)

	_, warnings := e.commit(ctx, s, nil, []types.Transition{{
		SessionID: id, Mode: in.Mode, From: types.StatusPending, To: next, At: now,
	}}, log)

	input := types.StepInput{
		Idea:         in.Idea,
		OutlineID:    state.OutlineRefID,
		Instructions: in.Instructions,
		Persona:      in.Persona.Clone(),
		Template:     in.Template.Clone(),
		Metadata:     maps.Clone(in.Metadata),
	}

	s.mu.Lock()
	if s.state.Status != types.StatusRunning {
		// Aborted before the first step was dispatched.
		s.busy = false
		res := e.invalidState(s, "start", errors.ErrSessionTerminal)
		s.mu.Unlock()
		res.Warnings = append(warnings, res.Warnings...)
		return res
	}
	res := e.runStep(ctx, s, in.Mode.GenerateStep(), input, log)
	res.Warnings = append(warnings, res.Warnings...)
	return res
}

// Advance executes the next step of a running session.
func (e *Engine) Advance(ctx context.Context, sessionID string, req StepRequest) types.TransitionResult {
	s, res := e.lookup(sessionID)
	if s == nil {
		return res
	}

	s.mu.Lock()
	if s.busy {
		res := e.invalidState(s, "advance", errors.ErrSessionBusy)
		s.mu.Unlock()
		return res
	}
	if _, ok := Transition(s.state.Status, EventStepSucceeded); !ok {
		res := e.invalidState(s, "advance", errors.ErrSessionTerminal)
		s.mu.Unlock()
		return res
	}

	typ := req.Type
	if typ == "" {
		typ = policy.NextStep(&s.state)
	}
	s.busy = true
	log := e.logger.WithSession(sessionID).WithMode(string(s.state.Mode))
	return e.runStep(ctx, s, typ, nextInput(&s.state, req), log)
}

// Abort cancels a running session. A step already handed to the executor
// runs to completion but its result is discarded.
func (e *Engine) Abort(ctx context.Context, sessionID string, reason string) types.TransitionResult {
	s, res := e.lookup(sessionID)
	if s == nil {
		return res
	}

	s.mu.Lock()
	from := s.state.Status
	next, ok := Transition(from, EventAbort)
	if !ok {
		res := e.invalidState(s, "abort", errors.ErrSessionTerminal)
		s.mu.Unlock()
		return res
	}

	now := e.now()
	if strings.TrimSpace(reason) == "" {
		reason = "aborted by caller"
	}
	s.state.Status = next
	s.state.UpdatedAt = now
	rec := types.StepRecord{
		StepID:    e.newID(),
		SessionID: sessionID,
		Type:      types.StepAbort,
		Timestamp: now,
		Note:      reason,
	}

	log := e.logger.WithSession(sessionID).WithMode(string(s.state.Mode))
	log.Info("session aborted", "reason", reason, "step_in_flight", s.busy)

	snap, warnings := e.commit(ctx, s, &rec, []types.Transition{{
		SessionID: sessionID, Mode: s.state.Mode, From: from, To: next, Record: &rec, At: now,
	}}, log)

	return types.TransitionResult{
		SessionID: sessionID,
		Status:    next,
		Record:    &rec,
		Warnings:  warnings,
		Snapshot:  snap,
	}
}

// Snapshot returns the current snapshot of a session in any status.
func (e *Engine) Snapshot(sessionID string) (types.SessionSnapshot, error) {
	s, res := e.lookup(sessionID)
	if s == nil {
		return types.SessionSnapshot{}, res.Fault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return materialize.Snapshot(s.state, s.records), nil
}

// State returns a copy of a session's engine state.
func (e *Engine) State(sessionID string) (types.IterationState, error) {
	s, res := e.lookup(sessionID)
	if s == nil {
		return types.IterationState{}, res.Fault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

// Restore loads a persisted session into the engine so it can be advanced
// or aborted by a new process.
func (e *Engine) Restore(snap types.SessionSnapshot) error {
	state, records, err := materialize.State(snap)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sessions[state.SessionID]; exists {
		return errors.InvalidState("session %s already exists", state.SessionID).WithCause(errors.ErrSessionExists)
	}
	e.sessions[state.SessionID] = &session{state: state, records: records}
	e.logger.WithSession(state.SessionID).Debug("session restored",
		"status", string(state.Status), "steps", len(records))
	return nil
}

// Sessions returns the ids of every session the engine holds, sorted.
func (e *Engine) Sessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops a terminal session from the engine.
func (e *Engine) Forget(sessionID string) error {
	s, res := e.lookup(sessionID)
	if s == nil {
		return res.Fault
	}
	s.mu.Lock()
	terminal, busy := s.state.Status.Terminal(), s.busy
	s.mu.Unlock()
	if !terminal || busy {
		return errors.InvalidState("session %s is still active", sessionID)
	}

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	return nil
}

// Evict drops a session from the engine whatever its status, so the next
// call restores it from the store. It fails while a step of the session runs.
func (e *Engine) Evict(sessionID string) error {
	s, res := e.lookup(sessionID)
	if s == nil {
		return res.Fault
	}
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		return errors.InvalidState("session %s is busy", sessionID).WithCause(errors.ErrSessionBusy)
	}

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	return nil
}

// runStep executes one attempt. It must be called with s.mu held and
// s.busy set; it returns with s.mu released.
func (e *Engine) runStep(ctx context.Context, s *session, typ types.StepType, input types.StepInput, log *logging.Logger) types.TransitionResult {
	id := s.state.SessionID
	stepID := e.newID()
	attempt := policy.Attempt{StepID: stepID, Type: typ, Input: input}
	log = log.WithStep(string(typ)).With("step_id", stepID)

	if v := e.policy.Precheck(&s.state, attempt); len(v) > 0 {
		s.busy = false
		now := e.now()
		from := s.state.Status
		next, _ := Transition(from, EventPolicyBlocked)
		s.state.Status = next
		s.state.UpdatedAt = now

		rec := types.StepRecord{
			StepID:     stepID,
			SessionID:  id,
			Type:       typ,
			Input:      input.Clone(),
			Timestamp:  now,
			Violations: v.Codes(),
			Note:       v[0].Message,
		}
		log.Warn("step rejected", "violation", string(v[0].Code), "reason", v[0].Message)
		snap, warnings := e.commit(ctx, s, &rec, []types.Transition{{
			SessionID: id, Mode: s.state.Mode, From: from, To: next, Record: &rec, At: now,
		}}, log)
		return types.TransitionResult{SessionID: id, Status: next, Violations: v, Record: &rec, Warnings: warnings, Snapshot: snap}
	}

	idx := len(s.state.History)
	sc := StepContext{
		SessionID: id,
		Mode:      s.state.Mode,
		StepID:    stepID,
		StepIndex: idx,
		Type:      typ,
		Input:     input.Clone(),
		Outputs:   s.state.Outputs.Clone(),
		Logger:    log,
	}
	s.mu.Unlock()

	log.Debug("step dispatched", "step_index", idx)
	started := e.now()
	out, execErr := safeExecute(ctx, e.executor, sc)
	durationMs := e.now().Sub(started).Milliseconds()

	s.mu.Lock()
	s.busy = false

	step := types.IterationStep{
		Index:      idx,
		ID:         stepID,
		Type:       typ,
		Input:      input.Clone(),
		Timestamp:  started,
		DurationMs: durationMs,
	}
	if execErr != nil {
		step.Error = execErr.Error()
	} else {
		step.Output = out.Clone()
	}

	if s.state.Status != types.StatusRunning {
		s.appendStep(step)
		rec := types.RecordFromStep(id, step, nil)
		rec.Note = NoteDiscarded
		status := s.state.Status
		log.Info("step result discarded", "status", string(status), "duration_ms", durationMs)
		snap, warnings := e.commit(ctx, s, &rec, nil, log)
		return types.TransitionResult{
			SessionID: id,
			Status:    status,
			Record:    &rec,
			Fault: errors.InvalidState("session %s was %s while the step ran", id, status).
				WithCause(errors.ErrSessionTerminal).
				WithDetail("step_id", stepID),
			Warnings: warnings,
			Snapshot: snap,
		}
	}

	outcome := policy.Outcome{Err: execErr, DurationMs: durationMs, Output: step.Output}
	v := e.policy.Evaluate(&s.state, attempt, outcome)
	finishes := input.Final || (!s.state.AwaitReview && typ.IsGenerate())
	ev := stepEvent(execErr != nil, v, finishes)

	from := s.state.Status
	next, _ := Transition(from, ev)
	s.appendStep(step)
	if execErr == nil && !v.AnyBlocking() {
		merge(&s.state, step.Output)
	}
	s.state.Status = next
	s.state.UpdatedAt = e.now()
	rec := types.RecordFromStep(id, step, v)

	fault := resultFault(execErr, v, next)
	if fault != nil {
		fault = fault.WithDetail("step_id", stepID)
	}

	switch {
	case execErr != nil:
		log.Warn("step failed", "error", execErr.Error(), "status", string(next), "violations", v.Codes(), "duration_ms", durationMs)
	case len(v) > 0:
		log.Warn("step finished with violations", "status", string(next), "violations", v.Codes(), "duration_ms", durationMs)
	default:
		log.Info("step finished", "status", string(next), "duration_ms", durationMs)
	}

	var transitions []types.Transition
	if next != from {
		transitions = append(transitions, types.Transition{
			SessionID: id, Mode: s.state.Mode, From: from, To: next, Record: &rec, At: s.state.UpdatedAt,
		})
	}
	snap, warnings := e.commit(ctx, s, &rec, transitions, log)

	return types.TransitionResult{
		SessionID:  id,
		Status:     next,
		Violations: v,
		Record:     &rec,
		Fault:      fault,
		Warnings:   warnings,
		Snapshot:   snap,
	}
}

// commit stores rec, releases s.mu and delivers rec and transitions to the
// recorder. Delivery happens under s.audit so records of one session reach
// the recorder in the order they were produced.
func (e *Engine) commit(ctx context.Context, s *session, rec *types.StepRecord, transitions []types.Transition, log *logging.Logger) (types.SessionSnapshot, []string) {
	if rec != nil {
		s.records = append(s.records, rec.Clone())
	}
	snap := materialize.Snapshot(s.state, s.records)

	s.audit.Lock()
	s.mu.Unlock()
	defer s.audit.Unlock()

	// Recording must survive a caller that has already given up.
	sctx := context.WithoutCancel(ctx)

	var warnings []string
	if rec != nil {
		if err := e.recorder.Append(sctx, *rec); err != nil {
			log.Warn("audit append failed", "error", err.Error())
			warnings = append(warnings, fmt.Sprintf("audit record for step %s not written: %v", rec.StepID, err))
		}
	}
	if obs, ok := e.recorder.(TransitionObserver); ok {
		for _, t := range transitions {
			obs.Transitioned(sctx, t)
		}
	}
	return snap, warnings
}

func (e *Engine) prepare(ctx context.Context, state *types.IterationState, in StartInput) *errors.Fault {
	switch in.Mode {
	case types.ModeOutline:
		if strings.TrimSpace(in.Idea) == "" {
			return errors.Validation("outline session needs an idea").WithDetail("field", "idea")
		}
		return nil

	case types.ModeDraft:
		if strings.TrimSpace(in.OutlineID) == "" {
			return errors.Validation("draft session needs an outline reference").WithDetail("field", "outline_id")
		}
		if e.outlines == nil {
			return errors.Validation("outline %s cannot be resolved: no outline source", in.OutlineID).
				WithDetail("outline_id", in.OutlineID)
		}
		outline, err := e.outlines.CompletedOutline(ctx, in.OutlineID)
		if err != nil {
			if errors.CodeOf(err) == errors.CodeStorageError {
				return errors.FaultOf(err, errors.CodeStorageError).Clone()
			}
			return errors.Validation("outline %s is not a completed outline", in.OutlineID).
				WithCause(err).
				WithDetail("outline_id", in.OutlineID)
		}
		if outline.ID == "" {
			outline.ID = in.OutlineID
		}
		state.Outputs.Outline = outline.Clone()
		state.OutlineRefID = outline.ID
		return nil
	}
	return errors.Validation("unknown mode %q", in.Mode).WithDetail("field", "mode")
}

func (e *Engine) reject(state types.IterationState, fault *errors.Fault, log *logging.Logger) types.TransitionResult {
	next, _ := Transition(state.Status, EventReject)
	state.Status = next
	log.Warn("session start rejected", "code", string(fault.Code), "error", fault.Message)
	return types.TransitionResult{
		SessionID: state.SessionID,
		Status:    next,
		Fault:     fault,
		Snapshot:  materialize.Snapshot(state, nil),
	}
}

func (e *Engine) lookup(sessionID string) (*session, types.TransitionResult) {
	e.mu.RLock()
	s := e.sessions[sessionID]
	e.mu.RUnlock()
	if s == nil {
		return nil, types.TransitionResult{
			SessionID: sessionID,
			Fault:     errors.InvalidState("session %s not found", sessionID).WithCause(errors.ErrSessionNotFound),
		}
	}
	return s, types.TransitionResult{}
}

// invalidState builds the rejection for an operation the session's status
// or in-flight step does not allow. s.mu must be held.
func (e *Engine) invalidState(s *session, op string, cause error) types.TransitionResult {
	reason := fmt.Sprintf("session is %s", s.state.Status)
	if s.busy {
		reason = "a step is already in flight"
	}
	return types.TransitionResult{
		SessionID: s.state.SessionID,
		Status:    s.state.Status,
		Fault: errors.InvalidState("cannot %s session %s: %s", op, s.state.SessionID, reason).
			WithCause(cause).
			WithDetail("status", string(s.state.Status)),
		Snapshot: materialize.Snapshot(s.state, s.records),
	}
}

// nextInput builds the input of a follow-up step. Idea and descriptors carry
// over from earlier steps unless the request overrides them.
func nextInput(state *types.IterationState, req StepRequest) types.StepInput {
	in := types.StepInput{
		OutlineID:    state.OutlineRefID,
		Instructions: req.Instructions,
		Final:        req.Final,
		Metadata:     maps.Clone(req.Metadata),
		Persona:      req.Persona.Clone(),
		Template:     req.Template.Clone(),
	}
	if len(state.History) > 0 {
		in.Idea = state.History[0].Input.Idea
		last := state.History[len(state.History)-1].Input
		if in.Persona == nil {
			in.Persona = last.Persona.Clone()
		}
		if in.Template == nil {
			in.Template = last.Template.Clone()
		}
	}
	return in
}

// merge stores a successful output. Draft outputs are only accepted when
// they reference the session's outline.
func merge(state *types.IterationState, out *types.StepOutput) {
	switch state.Mode {
	case types.ModeOutline:
		if out.Outline != nil {
			state.Outputs.Outline = out.Outline.Clone()
		}
	case types.ModeDraft:
		ref := state.Outputs.Outline
		if ref != nil && out.Draft != nil && out.Draft.OutlineRefID == ref.ID {
			state.Outputs.Draft = out.Draft.Clone()
		}
	}
}

// resultFault picks the fault reported for an attempt. An executor failure
// always wins; otherwise a blocking validation finding is reported.
func resultFault(execErr error, v types.Violations, next types.Status) *errors.Fault {
	if execErr != nil {
		var f *errors.Fault
		switch errors.CodeOf(execErr) {
		case errors.CodeValidationError, errors.CodeProviderFailure:
			f = errors.FaultOf(execErr, errors.CodeProviderFailure).Clone()
		default:
			f = errors.ProviderFailure(execErr)
		}
		return f.
			WithRecoverable(!next.Terminal()).
			WithDetail("violations", v.Codes())
	}
	for _, x := range v {
		if x.Code == types.ViolationValidationFailed && x.Blocking {
			return errors.Validation("%s", x.Message).
				WithRecoverable(false).
				WithDetail("violations", v.Codes())
		}
	}
	return nil
}

func descriptorID(d *types.Descriptor) string {
	if d == nil {
		return ""
	}
	return d.ID
}
