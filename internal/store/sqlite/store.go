// Package sqlite stores session snapshots and audit records in a single
// SQLite database through the pure-Go modernc.org/sqlite driver.
//
// Snapshots and records are kept as JSON bodies; the columns next to them
// exist for listing and filtering only.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/materialize"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
	"github.com/Iron-Ham/draftsmith/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id             TEXT PRIMARY KEY,
	mode           TEXT NOT NULL,
	status         TEXT NOT NULL,
	persona_id     TEXT,
	template_id    TEXT,
	outline_ref_id TEXT,
	title          TEXT,
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	body           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON snapshots(updated_at);

CREATE TABLE IF NOT EXISTS audit_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	step_index  INTEGER,
	type        TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_records(session_id, seq);
`

// Store is a SnapshotStore and AuditRecorder backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.StorageError("create database directory", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.StorageError("open database", err)
	}
	// One writer at a time; SQLite would otherwise report SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.StorageError("initialize database", err)
		}
	}
	return nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts snap.
func (s *Store) Save(ctx context.Context, snap types.SessionSnapshot) error {
	if snap.ID == "" {
		return errors.Validation("snapshot has no id")
	}
	body, err := materialize.Encode(snap)
	if err != nil {
		return errors.StorageError("save "+snap.ID, err)
	}
	info := session.InfoFromSnapshot(snap)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, mode, status, persona_id, template_id, outline_ref_id, title, attempts, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			status = excluded.status,
			persona_id = excluded.persona_id,
			template_id = excluded.template_id,
			outline_ref_id = excluded.outline_ref_id,
			title = excluded.title,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		info.ID, string(info.Mode), string(info.Status), info.PersonaID, info.TemplateID, info.OutlineRefID,
		info.Title, info.Attempts, formatTime(info.CreatedAt), formatTime(info.UpdatedAt), string(body))
	if err != nil {
		return errors.StorageError("save "+snap.ID, err)
	}
	return nil
}

// Load returns the snapshot of id.
func (s *Store) Load(ctx context.Context, id string) (types.SessionSnapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SessionSnapshot{}, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	if err != nil {
		return types.SessionSnapshot{}, errors.StorageError("load "+id, err)
	}
	snap, err := materialize.Decode([]byte(body))
	if err != nil {
		return types.SessionSnapshot{}, errors.StorageError("load "+id, err)
	}
	return snap, nil
}

// List summarizes every stored session, newest first.
func (s *Store) List(ctx context.Context) ([]session.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, status, COALESCE(persona_id, ''), COALESCE(template_id, ''),
		       COALESCE(outline_ref_id, ''), COALESCE(title, ''), attempts, created_at, updated_at
		FROM snapshots`)
	if err != nil {
		return nil, errors.StorageError("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []session.Info
	for rows.Next() {
		var (
			info             session.Info
			mode, status     string
			created, updated string
		)
		if err := rows.Scan(&info.ID, &mode, &status, &info.PersonaID, &info.TemplateID,
			&info.OutlineRefID, &info.Title, &info.Attempts, &created, &updated); err != nil {
			return nil, errors.StorageError("list sessions", err)
		}
		info.Mode = types.Mode(mode)
		info.Status = types.Status(status)
		info.CreatedAt = parseTime(created)
		info.UpdatedAt = parseTime(updated)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("list sessions", err)
	}
	session.SortInfos(infos)
	return infos, nil
}

// Delete removes the snapshot of id and its audit records.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError("delete "+id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return errors.StorageError("delete "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_records WHERE session_id = ?`, id); err != nil {
		return errors.StorageError("delete "+id, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.StorageError("delete "+id, err)
	}
	return nil
}

// Append inserts an audit record.
func (s *Store) Append(ctx context.Context, record types.StepRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode audit record %s: %w", record.StepID, err)
	}
	var index sql.NullInt64
	if record.StepIndex != nil {
		index = sql.NullInt64{Int64: int64(*record.StepIndex), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (session_id, step_id, step_index, type, recorded_at, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.StepID, index, string(record.Type), formatTime(record.Timestamp), string(body))
	if err != nil {
		return errors.StorageError("append audit record", err)
	}
	return nil
}

// Records returns the audit records of sessionID in insertion order. An
// empty id returns every record.
func (s *Store) Records(ctx context.Context, sessionID string) ([]types.StepRecord, error) {
	query := `SELECT body FROM audit_records ORDER BY seq`
	var args []any
	if sessionID != "" {
		query = `SELECT body FROM audit_records WHERE session_id = ? ORDER BY seq`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError("read audit records", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.StepRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.StorageError("read audit records", err)
		}
		var r types.StepRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, errors.StorageError("decode audit record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError("read audit records", err)
	}
	if sessionID != "" && len(records) == 0 {
		return nil, fmt.Errorf("%w: no audit records for %s", errors.ErrSessionNotFound, sessionID)
	}
	return records, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ session.SnapshotStore = (*Store)(nil)
