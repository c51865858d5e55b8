package audit

import (
	"context"
	"slices"
	"sync"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/event"
	"github.com/Iron-Ham/draftsmith/internal/iteration"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// Reader reads back the records of one session in append order.
type Reader interface {
	Records(ctx context.Context, sessionID string) ([]types.StepRecord, error)
}

// Nop discards every record.
type Nop struct{}

// Append does nothing.
func (Nop) Append(context.Context, types.StepRecord) error { return nil }

// Memory keeps records in memory.
type Memory struct {
	mu          sync.Mutex
	records     []types.StepRecord
	transitions []types.Transition
}

// NewMemory creates an empty Memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Append stores a copy of record.
func (m *Memory) Append(_ context.Context, record types.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record.Clone())
	return nil
}

// Transitioned stores t.
func (m *Memory) Transitioned(_ context.Context, t types.Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
}

// Records returns the records of sessionID. An empty id returns all of them.
func (m *Memory) Records(_ context.Context, sessionID string) ([]types.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.StepRecord
	for _, r := range m.records {
		if sessionID == "" || r.SessionID == sessionID {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Transitions returns every status change seen so far.
func (m *Memory) Transitions() []types.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.transitions)
}

// Multi fans records out to several recorders. Every recorder is called
// even when an earlier one fails; the failures are joined.
type Multi struct {
	recorders []iteration.AuditRecorder
}

// NewMulti combines recorders. Nil recorders are skipped.
func NewMulti(recorders ...iteration.AuditRecorder) *Multi {
	m := &Multi{}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
	return m
}

// Append appends record to every recorder.
func (m *Multi) Append(ctx context.Context, record types.StepRecord) error {
	var errs []error
	for _, r := range m.recorders {
		if err := r.Append(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Transitioned forwards t to the recorders that observe transitions.
func (m *Multi) Transitioned(ctx context.Context, t types.Transition) {
	for _, r := range m.recorders {
		if obs, ok := r.(iteration.TransitionObserver); ok {
			obs.Transitioned(ctx, t)
		}
	}
}

// Records reads from the first recorder that supports reading.
func (m *Multi) Records(ctx context.Context, sessionID string) ([]types.StepRecord, error) {
	for _, r := range m.recorders {
		if rd, ok := r.(Reader); ok {
			return rd.Records(ctx, sessionID)
		}
	}
	return nil, errors.New("no readable audit recorder configured")
}

// BusRecorder publishes records and status changes as events.
type BusRecorder struct {
	bus *event.Bus
}

// NewBusRecorder creates a recorder that publishes on bus.
func NewBusRecorder(bus *event.Bus) *BusRecorder {
	return &BusRecorder{bus: bus}
}

// Append publishes a step.recorded event.
func (b *BusRecorder) Append(_ context.Context, record types.StepRecord) error {
	b.bus.Publish(event.NewStepRecordedEvent(record))
	return nil
}

// Transitioned publishes the event for t.
func (b *BusRecorder) Transitioned(_ context.Context, t types.Transition) {
	b.bus.Publish(event.ForTransition(t))
}

var (
	_ iteration.AuditRecorder      = Nop{}
	_ iteration.AuditRecorder      = (*Memory)(nil)
	_ iteration.TransitionObserver = (*Memory)(nil)
	_ iteration.AuditRecorder      = (*Multi)(nil)
	_ iteration.TransitionObserver = (*Multi)(nil)
	_ iteration.AuditRecorder      = (*BusRecorder)(nil)
	_ iteration.TransitionObserver = (*BusRecorder)(nil)
)
