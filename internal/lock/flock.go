// Package lock provides a single-instance file lock, used to stop two
// relay servers from being started against the same IO directory.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// Acquire takes an exclusive, non-blocking lock on path, creating it if
// needed. The returned file must be kept open for the lock's lifetime and
// passed to Release.
func Acquire(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another metasmith instance is running (lock: %s)", path)
	}

	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f, nil
}

// Release unlocks and removes the lock file.
func Release(f *os.File) {
	if f == nil {
		return
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	name := f.Name()
	f.Close()
	os.Remove(name)
}
