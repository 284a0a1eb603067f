package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// FileLocker implements domain.Locker with flock(2) on files under dir.
// The kernel drops the lock if the process dies, so stale lock files are harmless.
type FileLocker struct {
	dir string
}

// NewFileLocker creates a locker storing lock files in dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

// Path returns the lock file path for name.
func (l *FileLocker) Path(name string) string {
	return filepath.Join(l.dir, name+".lock")
}

// Lock takes an exclusive non-blocking lock on name.
func (l *FileLocker) Lock(name string) (func() error, error) {
	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := l.Path(name)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLocked, lockPath)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	// Holder PID is informational only.
	_ = lockFile.Truncate(0)
	_, _ = lockFile.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	unlock := func() error {
		defer lockFile.Close()
		return unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
	}
	return unlock, nil
}

// Ensure FileLocker implements domain.Locker.
var _ domain.Locker = (*FileLocker)(nil)
