// Package session persists session snapshots on the local filesystem and
// guards them with per-session lock files.
//
// Layout under the data directory:
//
//	sessions/{id}/session.json   the latest SessionSnapshot
//	sessions/{id}/session.lock   present while a process mutates the session
//
// Snapshots are written atomically through a temporary file and rename, so
// a reader never sees a partial snapshot. A lock whose owning process is
// gone is stale and is removed by the next acquirer.
package session
