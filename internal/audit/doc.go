// Package audit provides the AuditRecorder implementations used by the
// iteration engine: an append-only JSON Lines file per session, an
// in-memory recorder for tests, a recorder that republishes to an event
// bus, and a fan-out recorder that combines them.
//
// The engine serializes appends per session, so records for one session
// arrive in order. Recorders must still tolerate concurrent appends for
// different sessions.
package audit
