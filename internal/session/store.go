package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/materialize"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// SnapshotStore persists the latest snapshot of each session.
type SnapshotStore interface {
	// Save replaces the stored snapshot of snap.ID.
	Save(ctx context.Context, snap types.SessionSnapshot) error
	// Load returns the snapshot of id, or an error wrapping
	// errors.ErrSessionNotFound.
	Load(ctx context.Context, id string) (types.SessionSnapshot, error)
	// List returns a summary of every stored session, newest first.
	List(ctx context.Context) ([]Info, error)
	// Delete removes the snapshot of id.
	Delete(ctx context.Context, id string) error
}

// Info summarizes a stored session for listings.
type Info struct {
	ID           string       `json:"id"`
	Mode         types.Mode   `json:"mode"`
	Status       types.Status `json:"status"`
	PersonaID    string       `json:"personaId,omitempty"`
	TemplateID   string       `json:"templateId,omitempty"`
	OutlineRefID string       `json:"outlineRefId,omitempty"`
	Title        string       `json:"title,omitempty"`
	Attempts     int          `json:"attempts"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Locked       bool         `json:"locked,omitempty"`
	LockPID      int          `json:"lockPid,omitempty"`
}

// InfoFromSnapshot summarizes snap.
func InfoFromSnapshot(snap types.SessionSnapshot) Info {
	info := Info{
		ID:           snap.ID,
		Mode:         snap.Mode,
		Status:       snap.CurrentState.Status,
		PersonaID:    snap.PersonaID,
		TemplateID:   snap.TemplateID,
		OutlineRefID: snap.OutlineRefID,
		Attempts:     len(snap.Steps),
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
	}
	switch {
	case snap.Outputs.Draft != nil && snap.Outputs.Draft.Title != "":
		info.Title = snap.Outputs.Draft.Title
	case snap.Outputs.Outline != nil:
		info.Title = snap.Outputs.Outline.Title
	}
	return info
}

// SortInfos orders infos newest first, then by id.
func SortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}

// ValidateID rejects ids that cannot be used as a directory name.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.TrimSpace(id) != id {
		return errors.Validation("invalid session id %q", id)
	}
	return nil
}

// SessionsDir returns the directory holding all sessions under dataDir.
func SessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}

// Dir returns the directory of one session.
func Dir(dataDir, sessionID string) string {
	return filepath.Join(SessionsDir(dataDir), sessionID)
}

// SnapshotFileName is the snapshot file inside a session directory.
const SnapshotFileName = "session.json"

// FileStore is a SnapshotStore backed by JSON files.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
}

// NewFileStore creates a store rooted at dataDir. The sessions directory is
// created if missing.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(SessionsDir(dataDir), 0o755); err != nil {
		return nil, errors.StorageError("create sessions directory", err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// DataDir returns the root directory of the store.
func (fs *FileStore) DataDir() string { return fs.dataDir }

// Save writes snap atomically.
func (fs *FileStore) Save(_ context.Context, snap types.SessionSnapshot) error {
	if err := ValidateID(snap.ID); err != nil {
		return err
	}
	data, err := materialize.Encode(snap)
	if err != nil {
		return errors.StorageError("save "+snap.ID, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := Dir(fs.dataDir, snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.StorageError("save "+snap.ID, err)
	}
	if err := atomicWriteFile(filepath.Join(dir, SnapshotFileName), data, 0o644); err != nil {
		return errors.StorageError("save "+snap.ID, err)
	}
	return nil
}

// Load reads the snapshot of id.
func (fs *FileStore) Load(_ context.Context, id string) (types.SessionSnapshot, error) {
	if err := ValidateID(id); err != nil {
		return types.SessionSnapshot{}, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return readSnapshot(filepath.Join(Dir(fs.dataDir, id), SnapshotFileName), id)
}

func readSnapshot(path, id string) (types.SessionSnapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return types.SessionSnapshot{}, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	if err != nil {
		return types.SessionSnapshot{}, errors.StorageError("load "+id, err)
	}
	snap, err := materialize.Decode(data)
	if err != nil {
		return types.SessionSnapshot{}, errors.StorageError("load "+id, err)
	}
	if snap.ID != id {
		return types.SessionSnapshot{}, errors.StorageError("load "+id,
			fmt.Errorf("%w: file holds session %q", errors.ErrSessionCorrupted, snap.ID))
	}
	return snap, nil
}

// List summarizes every readable session. Unreadable session directories
// are skipped.
func (fs *FileStore) List(_ context.Context) ([]Info, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(SessionsDir(fs.dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("list sessions", err)
	}

	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := Dir(fs.dataDir, entry.Name())
		snap, err := readSnapshot(filepath.Join(dir, SnapshotFileName), entry.Name())
		if err != nil {
			continue
		}
		info := InfoFromSnapshot(snap)
		if lock, locked := IsLocked(dir); locked {
			info.Locked = true
			info.LockPID = lock.PID
		}
		infos = append(infos, info)
	}
	SortInfos(infos)
	return infos, nil
}

// Delete removes the session directory of id, lock file included.
func (fs *FileStore) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := Dir(fs.dataDir, id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.StorageError("delete "+id, err)
	}
	return nil
}

// MemoryStore is an in-memory SnapshotStore.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]types.SessionSnapshot
	failSave  error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]types.SessionSnapshot)}
}

// FailSaves makes every following Save return err. A nil err restores
// normal behaviour.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = err
}

// Save stores a copy of snap.
func (m *MemoryStore) Save(_ context.Context, snap types.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return errors.StorageError("save "+snap.ID, m.failSave)
	}
	m.snapshots[snap.ID] = cloneSnapshot(snap)
	return nil
}

// Load returns a copy of the snapshot of id.
func (m *MemoryStore) Load(_ context.Context, id string) (types.SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return types.SessionSnapshot{}, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	return cloneSnapshot(snap), nil
}

// List summarizes every stored session.
func (m *MemoryStore) List(_ context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		infos = append(infos, InfoFromSnapshot(snap))
	}
	SortInfos(infos)
	return infos, nil
}

// Delete removes the snapshot of id.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	delete(m.snapshots, id)
	return nil
}

func cloneSnapshot(snap types.SessionSnapshot) types.SessionSnapshot {
	c := snap
	c.Steps = make([]types.StepRecord, len(snap.Steps))
	for i, r := range snap.Steps {
		c.Steps[i] = r.Clone()
	}
	c.Outputs = snap.Outputs.Clone()
	return c
}

var (
	_ SnapshotStore = (*FileStore)(nil)
	_ SnapshotStore = (*MemoryStore)(nil)
)

// atomicWriteFile writes data to a temporary file in the target directory
// and renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}
