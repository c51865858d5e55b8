package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/draftsmith/internal/errors"
)

// deadPID is very unlikely to belong to a running process.
const deadPID = 99999999

func writeStaleLock(t *testing.T, sessionDir, sessionID string) {
	t.Helper()
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(Lock{SessionID: sessionID, PID: deadPID, Hostname: "gone", StartedAt: time.Now()})
	if err := os.WriteFile(filepath.Join(sessionDir, LockFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireLock_Release(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s-1")

	lock, err := AcquireLock(dir, "s-1", nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if held, ok := IsLocked(dir); !ok || held.PID != os.Getpid() {
		t.Errorf("IsLocked() = %+v, %v", held, ok)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok := IsLocked(dir); ok {
		t.Error("session should be unlocked after Release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestAcquireLock_AlreadyLocked(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s-1")
	lock, err := AcquireLock(dir, "s-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lock.Release() }()

	_, err = AcquireLock(dir, "s-1", nil)
	if !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("AcquireLock() error = %v, want ErrSessionLocked", err)
	}
	if errors.FaultOf(err, errors.CodeStorageError).Code != errors.CodeInvalidState {
		t.Error("a held lock should classify as invalid_state")
	}
}

func TestAcquireLock_ReplacesStaleLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s-1")
	writeStaleLock(t, dir, "s-1")

	if held, ok := IsLocked(dir); ok || held == nil {
		t.Fatalf("IsLocked() = %+v, %v; want stale lock reported as unlocked", held, ok)
	}

	lock, err := AcquireLock(dir, "s-1", nil)
	if err != nil {
		t.Fatalf("AcquireLock() over stale lock error = %v", err)
	}
	defer func() { _ = lock.Release() }()
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d", lock.PID)
	}
}

func TestRelease_LeavesForeignLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s-1")
	lock, _ := AcquireLock(dir, "s-1", nil)
	writeStaleLock(t, dir, "s-1")

	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Error("Release must not remove a lock owned by another process")
	}
}

func TestCleanupStaleLocks(t *testing.T) {
	dataDir := t.TempDir()
	writeStaleLock(t, Dir(dataDir, "stale-1"), "stale-1")
	writeStaleLock(t, Dir(dataDir, "stale-2"), "stale-2")
	live, err := AcquireLock(Dir(dataDir, "live"), "live", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = live.Release() }()

	cleaned, err := CleanupStaleLocks(dataDir, nil)
	if err != nil {
		t.Fatalf("CleanupStaleLocks() error = %v", err)
	}
	if len(cleaned) != 2 {
		t.Errorf("cleaned = %v, want both stale sessions", cleaned)
	}
	if _, ok := IsLocked(Dir(dataDir, "live")); !ok {
		t.Error("live lock must survive cleanup")
	}
}

func TestLocker(t *testing.T) {
	locker := NewLocker(t.TempDir(), nil)

	release, err := locker.Acquire("s-1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := locker.Acquire("s-1"); !errors.Is(err, errors.ErrSessionBusy) {
		t.Errorf("second Acquire() error = %v, want ErrSessionBusy", err)
	}
	if err := release(); err != nil {
		t.Fatal(err)
	}
	release, err = locker.Acquire("s-1")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = release()

	if _, err := locker.Acquire("../escape"); err == nil {
		t.Error("Acquire() should reject unsafe ids")
	}
}

func TestLocker_AbortLockIsSeparate(t *testing.T) {
	locker := NewLocker(t.TempDir(), nil)

	step, err := locker.Acquire("s-1")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = step() }()

	abort, err := locker.AcquireAbort("s-1")
	if err != nil {
		t.Fatalf("AcquireAbort() with the step lock held error = %v", err)
	}
	if _, err := locker.AcquireAbort("s-1"); !errors.Is(err, errors.ErrSessionBusy) {
		t.Errorf("second AcquireAbort() error = %v, want ErrSessionBusy", err)
	}
	if err := abort(); err != nil {
		t.Fatal(err)
	}
	release, err := locker.AcquireAbort("s-1")
	if err != nil {
		t.Fatalf("AcquireAbort() after release error = %v", err)
	}
	_ = release()
}
