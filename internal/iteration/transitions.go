package iteration

import "github.com/Iron-Ham/draftsmith/internal/iteration/types"

// Event drives the session state machine.
type Event string

const (
	EventBegin         Event = "begin"
	EventReject        Event = "reject"
	EventStepSucceeded Event = "step_succeeded"
	EventStepFinished  Event = "step_finished"
	EventStepFailed    Event = "step_failed"
	EventStepFatal     Event = "step_fatal"
	EventPolicyBlocked Event = "policy_blocked"
	EventAbort         Event = "abort"
)

// Events returns every event.
func Events() []Event {
	return []Event{
		EventBegin, EventReject,
		EventStepSucceeded, EventStepFinished, EventStepFailed, EventStepFatal,
		EventPolicyBlocked, EventAbort,
	}
}

// allowedTransitions lists the accepted (status, event) pairs. Every pair
// missing from the table is rejected by Transition.
var allowedTransitions = map[types.Status]map[Event]types.Status{
	types.StatusPending: {
		EventBegin:  types.StatusRunning,
		EventReject: types.StatusPending,
	},
	types.StatusRunning: {
		EventStepSucceeded: types.StatusRunning,
		EventStepFinished:  types.StatusCompleted,
		EventStepFailed:    types.StatusRunning,
		EventStepFatal:     types.StatusFailed,
		EventPolicyBlocked: types.StatusBlocked,
		EventAbort:         types.StatusCancelled,
	},
	types.StatusCompleted: {},
	types.StatusBlocked:   {},
	types.StatusFailed:    {},
	types.StatusCancelled: {},
}

// Transition returns the status that follows from on ev. When ok is false
// the pair is rejected and next equals from.
func Transition(from types.Status, ev Event) (next types.Status, ok bool) {
	next, ok = allowedTransitions[from][ev]
	if !ok {
		return from, false
	}
	return next, true
}

// stepEvent picks the event for a finished attempt.
func stepEvent(execFailed bool, v types.Violations, finishes bool) Event {
	if execFailed {
		for _, x := range v {
			if x.Code == types.ViolationProviderFailure && x.Blocking {
				return EventStepFatal
			}
		}
		if v.AnyBlocking() {
			return EventPolicyBlocked
		}
		return EventStepFailed
	}
	if v.AnyBlocking() {
		return EventPolicyBlocked
	}
	if finishes {
		return EventStepFinished
	}
	return EventStepSucceeded
}
