package procctl

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSpawnAndStopLongLivedProcess(t *testing.T) {
	dir := t.TempDir()
	res, err := Spawn(SpawnParams{
		Binary:     "/bin/sleep",
		Args:       []string{"30"},
		WorkingDir: dir,
		LogPath:    filepath.Join(dir, "current.log"),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !IsAlive(res.PID) {
		t.Fatalf("expected pid %d to be alive right after spawn", res.PID)
	}
	if !VerifyOwnership(res.PID, res.Fingerprint) {
		t.Fatalf("expected ownership verification to pass for freshly spawned pid")
	}

	if err := Stop(res.PID, res.Fingerprint, 2*time.Second, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if IsAlive(res.PID) {
		t.Fatalf("expected pid %d to be dead after Stop", res.PID)
	}
}

func TestSpawnReportsImmediateExit(t *testing.T) {
	dir := t.TempDir()
	_, err := Spawn(SpawnParams{
		Binary:     "/bin/true",
		WorkingDir: dir,
		LogPath:    filepath.Join(dir, "current.log"),
	})
	if err == nil {
		t.Fatalf("expected spawn of an immediately-exiting binary to fail the survival check")
	}
}

func TestVerifyOwnershipRejectsEmptyFingerprint(t *testing.T) {
	if VerifyOwnership(1, "") {
		t.Fatalf("expected empty fingerprint to fail verification")
	}
}

func TestVerifyOwnershipRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	res, err := Spawn(SpawnParams{
		Binary:     "/bin/sleep",
		Args:       []string{"30"},
		WorkingDir: dir,
		LogPath:    filepath.Join(dir, "current.log"),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer Stop(res.PID, res.Fingerprint, 2*time.Second, time.Second)

	if VerifyOwnership(res.PID, "999999:1") {
		t.Fatalf("expected mismatched fingerprint to fail verification")
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.lock")

	l1, err := AcquireLock(path, time.Second)
	if err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}
	defer l1.Release()

	if _, err := AcquireLock(path, 100*time.Millisecond); err != ErrBusy {
		t.Fatalf("second AcquireLock: err = %v, want ErrBusy", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := AcquireLock(path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	l2.Release()
}
