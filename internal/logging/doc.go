// Package logging provides structured logging for draftsmith.
//
// Logs are JSON lines written through log/slog to {dataDir}/logs/debug.log,
// with size-based rotation handled by [RotatingWriter]. When a console
// writer is configured and it is a terminal, records are mirrored there in
// color using tint; otherwise the console copy is JSON as well.
//
// # Context Propagation
//
// Child loggers carry persistent attributes:
//
//	log := logger.WithSession(id).WithMode("outline").WithStep("generate-outline")
//	log.Info("step finished", "duration_ms", 812)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"step finished","session_id":"...","mode":"outline","step_type":"generate-outline","duration_ms":812}
//
// # Aggregation
//
// [AggregateLogs] reads debug.log and its rotated backups, [FilterLogs]
// narrows them by level, time, session, mode or step type, and
// [WriteLogEntries] renders them as json, text or csv.
//
// # Testing
//
// Use [NopLogger] to discard output.
package logging
