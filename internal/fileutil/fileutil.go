// Package fileutil implements the two filesystem primitives shared by the
// disk backend and the device-local cache: advisory locks that serialize
// writers across processes, and atomic replace-by-rename writes.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var processLocks sync.Map

// Lock is a held advisory lock. fcntl locks are per process, so Lock also
// holds a process-wide mutex keyed by path to serialize goroutines.
type Lock struct {
	file *os.File
	mu   *sync.Mutex
	once sync.Once
}

// Acquire blocks until the lock file at path is exclusively held.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("fileutil: prepare lock directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	v, _ := processLocks.LoadOrStore(abs, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("fileutil: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("fileutil: lock %s: %w", path, err)
	}
	return &Lock{file: f, mu: mu}, nil
}

// Release drops the lock. Calling it more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		err = unlockFile(l.file)
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
		l.mu.Unlock()
	})
	return err
}

// WriteAtomic replaces dest with payload. The data is written to a temporary
// file in the same directory, synced and renamed over dest, so readers see
// either the old or the new content.
func WriteAtomic(dest string, payload []byte, perm os.FileMode) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(err)
	}
	if err := syncFile(tmp); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return SyncDir(dir)
}

// SyncDir flushes directory metadata so a completed rename survives a crash.
func SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
