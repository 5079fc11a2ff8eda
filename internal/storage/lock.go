package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// lockName is the advisory lock file shared by every process that opens the
// same encrypted store directory.
const lockName = ".lock"

// dirLock is an advisory lock on <dir>/.lock. Record reads and writes hold it
// shared; opening a store and rotating its key hold it exclusively.
type dirLock struct {
	f *os.File
}

func lockDir(dir string, exclusive bool) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	if err := flock(f, exclusive); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	return errors.Join(funlock(l.f), l.f.Close())
}
