// Package lock enforces single-instance operation via a PID file and
// flock(2). Keep the lock alive by keeping the file descriptor open.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DefaultFileName is the lock file placed under the user's config
// directory when APP_LOCK_FILE does not name one.
const DefaultFileName = "resilient_circuits_lockfile"

// AcquireTimeout is how long Acquire keeps trying before giving up, so a
// just-exiting previous instance does not cause a spurious failure.
const AcquireTimeout = time.Second

// PIDLock is an acquired single-instance lock.
type PIDLock struct {
	path string
	f    *os.File
}

// DefaultPath resolves the lock file location: $APP_LOCK_FILE when set,
// otherwise ~/.resilient/ next to the default config file.
func DefaultPath() string {
	if p := os.Getenv("APP_LOCK_FILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), DefaultFileName)
	}
	return filepath.Join(home, ".resilient", DefaultFileName)
}

// Acquire takes the lock at lockPath, retrying for up to AcquireTimeout.
// On success the current PID is written into the file.
func Acquire(lockPath string) (*PIDLock, error) {
	deadline := time.Now().Add(AcquireTimeout)
	for {
		l, err := tryAcquire(lockPath)
		if err == nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("another instance appears to be running (lock %s): %w", lockPath, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// tryAcquire attempts one exclusive non-blocking lock.
func tryAcquire(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &PIDLock{path: lockPath, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (l *PIDLock) Path() string { return l.path }

func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
