package index

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	everrors "github.com/Aman-CERP/evidx/internal/errors"
)

// writerLock makes builds single-writer within the process (mutex) and
// across processes (flock on <data>/.writer.lock).
type writerLock struct {
	mu    sync.Mutex
	path  string
	flock *flock.Flock
}

func newWriterLock(path string) *writerLock {
	return &writerLock{
		path:  path,
		flock: flock.New(path),
	}
}

// TryLock acquires both locks without blocking. Contention is a BusyError.
func (l *writerLock) TryLock() error {
	if !l.mu.TryLock() {
		return everrors.BusyError("this process")
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("creating lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("acquiring writer lock: %w", err)
	}
	if !acquired {
		l.mu.Unlock()
		return everrors.BusyError(l.holder())
	}

	// Best effort: record the holder for the next contender's message.
	_ = os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
	return nil
}

// Unlock releases both locks.
func (l *writerLock) Unlock() error {
	defer l.mu.Unlock()
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing writer lock: %w", err)
	}
	return nil
}

func (l *writerLock) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return "another process"
	}
	return "pid " + string(data)
}
