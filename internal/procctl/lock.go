package procctl

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock is a non-blocking, bounded-retry advisory exclusive lock on an
// instance's workspace, serializing start/stop/restart across processes.
type Lock struct {
	file *os.File
}

// AcquireLock opens (creating if necessary) path and attempts a
// non-blocking exclusive flock, retrying with a short backoff until
// timeout. Contention surfaces as ErrBusy.
func AcquireLock(path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("procctl: open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	backoff := 10 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: f}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, ErrBusy
		}
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release unlocks and closes the underlying file handle.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
