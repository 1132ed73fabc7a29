// Package lockfile enforces the single-scheduler-instance invariant (spec.md
// section 6) using an advisory file lock so two scheduler processes can
// never run against the same partition of work concurrently.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// Lock wraps an advisory file lock, writing the holder's pid and start time
// into the file once acquired so an operator inspecting the lock file can
// tell who holds it.
type Lock struct {
	flock *flock.Flock
	path  string
}

// New creates a Lock bound to path. The file is created on first TryLock if
// it doesn't already exist.
func New(path string) *Lock {
	return &Lock{flock: flock.New(path), path: path}
}

// TryLock attempts to acquire the lock without blocking. Returns false if
// another process already holds it.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.flock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return false, fmt.Errorf("try lock %s: %w", l.path, err)
	}
	if !ok {
		return false, nil
	}
	if err := l.writeHolderInfo(); err != nil {
		_ = l.flock.Unlock()
		return false, err
	}
	return true, nil
}

func (l *Lock) writeHolderInfo() error {
	content := fmt.Sprintf("pid=%d started_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write lock holder info: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.flock.Unlock()
}
