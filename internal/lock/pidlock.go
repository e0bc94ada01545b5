// Package lock keeps a single stevedore instance per state database.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld means another process owns the lock.
var ErrHeld = errors.New("instance lock is held by another process")

// HeldError names the process that owns the lock, when it could be read.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: %s (pid %d)", e.Path, ErrHeld, e.PID)
	}
	return fmt.Sprintf("%s: %s", e.Path, ErrHeld)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// PathFor is the lock file guarding the state database at statePath.
func PathFor(statePath string) string {
	return statePath + ".lock"
}

// InstanceLock is a PID file held with flock(2) for the life of the
// process. The lock lasts as long as the file descriptor stays open.
type InstanceLock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking and writes the current
// PID into it.
func Acquire(path string) (*InstanceLock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			pid, _ := Holder(path)
			return nil, &HeldError{Path: path, PID: pid}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	l := &InstanceLock{path: path, f: f}
	if err := l.writePID(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func (l *InstanceLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// Holder reads the PID recorded in the lock file at path.
func Holder(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("lock file %s holds no pid: %w", path, err)
	}
	return pid, nil
}

func (l *InstanceLock) Path() string { return l.path }

// Release unlocks and closes the file. It is safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
