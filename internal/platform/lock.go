package platform

import (
	"fmt"
	"os"
	"path/filepath"
)

// Lock is a held exclusive lock on a data directory.
type Lock struct {
	f *os.File
}

// AcquireLock takes an exclusive advisory lock on the data directory's
// lock file, so two agents never share one metadata database. Fails
// immediately if another process holds the lock.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, "sourced.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s (is another agent running?): %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := unlockFile(l.f); err != nil {
		l.f.Close()
		return fmt.Errorf("unlock data directory: %w", err)
	}
	return l.f.Close()
}
