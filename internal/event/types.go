package event

import (
	"time"

	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// Event type names.
const (
	TypeSessionStarted  = "session.started"
	TypeStepRecorded    = "step.recorded"
	TypeStatusChanged   = "session.status"
	TypeSessionFinished = "session.finished"
	TypeCatalogReloaded = "catalog.reloaded"
)

// Event is implemented by everything published on a Bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string, at time.Time) baseEvent {
	if at.IsZero() {
		at = time.Now()
	}
	return baseEvent{eventType: eventType, timestamp: at}
}

// SessionStartedEvent is published when a session moves from pending to
// running.
type SessionStartedEvent struct {
	baseEvent
	SessionID string
	Mode      types.Mode
}

// NewSessionStartedEvent creates a SessionStartedEvent.
func NewSessionStartedEvent(sessionID string, mode types.Mode, at time.Time) SessionStartedEvent {
	return SessionStartedEvent{
		baseEvent: newBaseEvent(TypeSessionStarted, at),
		SessionID: sessionID,
		Mode:      mode,
	}
}

// StepRecordedEvent carries one audit record.
type StepRecordedEvent struct {
	baseEvent
	Record types.StepRecord
}

// NewStepRecordedEvent creates a StepRecordedEvent. The record is copied.
func NewStepRecordedEvent(record types.StepRecord) StepRecordedEvent {
	return StepRecordedEvent{
		baseEvent: newBaseEvent(TypeStepRecorded, record.Timestamp),
		Record:    record.Clone(),
	}
}

// SessionID returns the session the record belongs to.
func (e StepRecordedEvent) SessionID() string { return e.Record.SessionID }

// StatusChangedEvent is published for status changes that neither start
// nor finish a session, such as running to blocked.
type StatusChangedEvent struct {
	baseEvent
	SessionID string
	Mode      types.Mode
	From      types.Status
	To        types.Status
}

// NewStatusChangedEvent creates a StatusChangedEvent.
func NewStatusChangedEvent(t types.Transition) StatusChangedEvent {
	return StatusChangedEvent{
		baseEvent: newBaseEvent(TypeStatusChanged, t.At),
		SessionID: t.SessionID,
		Mode:      t.Mode,
		From:      t.From,
		To:        t.To,
	}
}

// SessionFinishedEvent is published when a session reaches a terminal
// status. Note carries the abort reason or the last error, if any.
type SessionFinishedEvent struct {
	baseEvent
	SessionID string
	Mode      types.Mode
	Status    types.Status
	Note      string
}

// NewSessionFinishedEvent creates a SessionFinishedEvent.
func NewSessionFinishedEvent(t types.Transition) SessionFinishedEvent {
	e := SessionFinishedEvent{
		baseEvent: newBaseEvent(TypeSessionFinished, t.At),
		SessionID: t.SessionID,
		Mode:      t.Mode,
		Status:    t.To,
	}
	if r := t.Record; r != nil {
		e.Note = r.Note
		if e.Note == "" {
			e.Note = r.Error
		}
	}
	return e
}

// Succeeded reports whether the session completed.
func (e SessionFinishedEvent) Succeeded() bool {
	return e.Status == types.StatusCompleted
}

// CatalogReloadedEvent is published after the catalog re-reads its
// directory. Err is the reload result.
type CatalogReloadedEvent struct {
	baseEvent
	Dir string
	Err error
}

// NewCatalogReloadedEvent creates a CatalogReloadedEvent.
func NewCatalogReloadedEvent(dir string, err error) CatalogReloadedEvent {
	return CatalogReloadedEvent{
		baseEvent: newBaseEvent(TypeCatalogReloaded, time.Time{}),
		Dir:       dir,
		Err:       err,
	}
}

// ForTransition returns the event published for a status change.
func ForTransition(t types.Transition) Event {
	switch {
	case t.From == types.StatusPending && t.To == types.StatusRunning:
		return NewSessionStartedEvent(t.SessionID, t.Mode, t.At)
	case t.To.Terminal():
		return NewSessionFinishedEvent(t)
	default:
		return NewStatusChangedEvent(t)
	}
}
