// Package iteration runs outline and draft sessions.
//
// A session moves through a small state machine:
//
//	pending -> running -> completed | blocked | failed | cancelled
//
// Every terminal status is final; retrying means starting a new session.
// Start and Advance each dispatch one step to a StepExecutor, run the
// violation policy over the attempt, append the attempt to the session's
// history and hand a StepRecord to the AuditRecorder. Abort cancels a
// running session at the next step boundary.
//
// # Concurrency
//
// The Engine keeps one entry per session id. Each entry has its own lock and
// an in-flight flag, so at most one step per session runs at a time and a
// second Advance on a busy session is rejected with invalid_state. The
// executor is called without any lock held; other sessions are never blocked
// by a slow model call.
//
// Audit records for one session reach the recorder in the order they were
// produced, and recording is not cancelled with the caller's context.
//
// # Persistence
//
// The engine performs no I/O. Every TransitionResult carries a
// SessionSnapshot for the caller to save, and Restore loads a saved snapshot
// back into an engine.
package iteration
