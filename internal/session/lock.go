package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/errors"
	"github.com/Iron-Ham/draftsmith/internal/logging"
)

// LockFileName is the lock file inside a session directory. It is held
// for the whole of a step.
const LockFileName = "session.lock"

// AbortLockFileName serializes an abort against the save that ends a step.
// It is only held for a load and a save.
const AbortLockFileName = "abort.lock"

// ErrSessionLocked is returned when another live process holds the lock.
// It wraps errors.ErrSessionBusy, so callers classify it as invalid_state.
var ErrSessionLocked = fmt.Errorf("%w: locked by another process", errors.ErrSessionBusy)

// Lock is an acquired session lock.
type Lock struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	lockFile string
	logger   *logging.Logger
}

// AcquireLock takes the lock of one session directory. A lock left behind
// by a dead process is removed first. logger may be nil.
func AcquireLock(sessionDir, sessionID string, logger *logging.Logger) (*Lock, error) {
	return acquireLockFile(sessionDir, LockFileName, sessionID, logger)
}

func acquireLockFile(sessionDir, name, sessionID string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, errors.StorageError("create session directory", err)
	}
	lockPath := filepath.Join(sessionDir, name)

	if existing, err := ReadLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			logger.Warn("session lock held", "session_id", sessionID, "lock", name, "pid", existing.PID, "host", existing.Hostname)
			return nil, fmt.Errorf("%w: PID %d on %s", ErrSessionLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.StorageError("remove stale lock", err)
		}
		logger.Warn("stale lock cleaned", "session_id", sessionID, "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockFile:  lockPath,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	// O_EXCL loses the race cleanly against a concurrent acquirer.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(lockPath); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrSessionLocked, existing.PID, existing.Hostname)
			}
			return nil, ErrSessionLocked
		}
		return nil, errors.StorageError("create lock file", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(lockPath)
		return nil, errors.StorageError("write lock file", err)
	}

	logger.Debug("session lock acquired", "session_id", sessionID, "lock", name, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it. It is safe
// to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}
	existing, err := ReadLock(l.lockFile)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.lockFile); err != nil && !os.IsNotExist(err) {
		return errors.StorageError("release lock", err)
	}
	if l.logger != nil {
		l.logger.Debug("session lock released", "session_id", l.SessionID)
	}
	return nil
}

// ReadLock reads a lock file.
func ReadLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	lock.lockFile = lockPath
	return &lock, nil
}

// IsLocked reports whether a live process holds the lock of sessionDir.
// A stale lock is returned with false.
func IsLocked(sessionDir string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(sessionDir, LockFileName))
	if err != nil {
		return nil, false
	}
	return lock, isProcessAlive(lock.PID)
}

// CleanStaleLock removes the lock of sessionDir when its owner is gone. It
// reports whether a lock was removed.
func CleanStaleLock(sessionDir string, logger *logging.Logger) (bool, error) {
	lockPath := filepath.Join(sessionDir, LockFileName)
	lock, err := ReadLock(lockPath)
	if err != nil || isProcessAlive(lock.PID) {
		return false, nil
	}
	if err := os.Remove(lockPath); err != nil {
		return false, errors.StorageError("remove stale lock", err)
	}
	if logger != nil {
		logger.Warn("stale lock cleaned", "session_id", lock.SessionID, "old_pid", lock.PID)
	}
	return true, nil
}

// CleanupStaleLocks removes stale locks of every session under dataDir and
// returns the ids it cleaned.
func CleanupStaleLocks(dataDir string, logger *logging.Logger) ([]string, error) {
	entries, err := os.ReadDir(SessionsDir(dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("list sessions", err)
	}
	var cleaned []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if ok, err := CleanStaleLock(Dir(dataDir, entry.Name()), logger); err == nil && ok {
			cleaned = append(cleaned, entry.Name())
		}
	}
	return cleaned, nil
}

// Locker hands out session locks under one data directory.
type Locker struct {
	dataDir string
	logger  *logging.Logger
}

// NewLocker creates a Locker for the sessions under dataDir.
func NewLocker(dataDir string, logger *logging.Logger) *Locker {
	return &Locker{dataDir: dataDir, logger: logger}
}

// Acquire locks sessionID and returns the function that releases it.
func (l *Locker) Acquire(sessionID string) (func() error, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	lock, err := AcquireLock(Dir(l.dataDir, sessionID), sessionID, l.logger)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

// AcquireAbort takes the abort lock of sessionID. It does not conflict with
// the lock held while a step runs.
func (l *Locker) AcquireAbort(sessionID string) (func() error, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	lock, err := acquireLockFile(Dir(l.dataDir, sessionID), AbortLockFileName, sessionID, l.logger)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

// isProcessAlive sends signal 0, which checks for existence only.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
