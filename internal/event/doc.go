// Package event provides a synchronous pub-sub bus for session progress.
//
// The iteration engine never publishes directly. An audit.BusRecorder turns
// the records and status changes it is handed into events, so progress
// output, batch summaries and other listeners can follow a session without
// holding a reference to the engine.
//
// # Event Types
//
// Event types follow the pattern "category.action":
//   - session.started: a session left pending
//   - step.recorded: an attempt was written to the audit trail
//   - session.status: any other status change
//   - session.finished: a session reached a terminal status
//   - catalog.reloaded: the persona/template catalog changed on disk
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine, in registration order, and a panicking handler does
// not stop delivery to the others.
//
//	bus := event.NewBus()
//	bus.Subscribe(event.TypeSessionFinished, func(e event.Event) {
//	    done := e.(event.SessionFinishedEvent)
//	    fmt.Println(done.SessionID, done.Status)
//	})
package event
