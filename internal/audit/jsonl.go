package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/iteration/types"
)

// maxLineBytes bounds one record line; records carry whole documents.
const maxLineBytes = 16 << 20

// DefaultDir is where the CLI keeps audit files under its data directory.
func DefaultDir(dataDir string) string {
	return filepath.Join(dataDir, "audit")
}

// JSONL appends records to one JSON Lines file per session under a
// directory.
type JSONL struct {
	dir string
	mu  sync.Mutex
}

// NewJSONL creates a recorder writing to dir, creating it if needed.
func NewJSONL(dir string) (*JSONL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.StorageError("create audit directory", err)
	}
	return &JSONL{dir: dir}, nil
}

// Dir returns the directory the recorder writes to.
func (j *JSONL) Dir() string { return j.dir }

// Path returns the file holding the records of sessionID.
func (j *JSONL) Path(sessionID string) string {
	return filepath.Join(j.dir, sessionID+".jsonl")
}

// Append writes record as one line.
func (j *JSONL) Append(_ context.Context, record types.StepRecord) error {
	if record.SessionID == "" || strings.ContainsAny(record.SessionID, `/\`) {
		return errors.Validation("audit record has invalid session id %q", record.SessionID)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode audit record %s: %w", record.StepID, err)
	}
	line = append(line, '\n')
	if len(line) > maxLineBytes {
		return errors.StorageError("append audit record",
			fmt.Errorf("record %s is %d bytes, over the %d byte line limit", record.StepID, len(line), maxLineBytes))
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.Path(record.SessionID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errors.StorageError("open audit log", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return errors.StorageError("append audit record", err)
	}
	if err := f.Close(); err != nil {
		return errors.StorageError("close audit log", err)
	}
	return nil
}

// Records reads the records of sessionID in append order. An empty id
// reads every session, ordered by timestamp.
func (j *JSONL) Records(_ context.Context, sessionID string) ([]types.StepRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if sessionID != "" {
		records, err := readJSONL(j.Path(sessionID))
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no audit log for %s", errors.ErrSessionNotFound, sessionID)
		}
		return records, err
	}

	paths, err := filepath.Glob(filepath.Join(j.dir, "*.jsonl"))
	if err != nil {
		return nil, errors.StorageError("list audit logs", err)
	}
	var all []types.StepRecord
	for _, path := range paths {
		records, err := readJSONL(path)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].Timestamp.Before(all[b].Timestamp) })
	return all, nil
}

func readJSONL(path string) ([]types.StepRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.StorageError("open audit log", err)
	}
	defer func() { _ = f.Close() }()

	var records []types.StepRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var r types.StepRecord
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, errors.StorageError(fmt.Sprintf("read %s line %d", filepath.Base(path), line), err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.StorageError("read audit log", err)
	}
	return records, nil
}

var _ Reader = (*JSONL)(nil)
