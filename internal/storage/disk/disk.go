// Package disk stores objects as files below a root directory. Conditional
// writes are serialized with advisory locks so several maintd processes can
// share one root on a local filesystem.
package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/maintd/internal/fileutil"
	"pkt.systems/maintd/internal/storage"
	"pkt.systems/maintd/internal/svcfields"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	root      string
	objectDir string
	lockDir   string
}

// New prepares the directory layout under cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		lockDir:   filepath.Join(root, "locks"),
	}
	for _, dir := range []string{s.objectDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory the store writes below.
func (s *Store) Root() string {
	return s.root
}

// Close is a no-op; the store holds no long-lived handles.
func (s *Store) Close() error {
	return nil
}

// Ping checks the object directory is still accessible.
func (s *Store) Ping(context.Context) error {
	if _, err := os.Stat(s.objectDir); err != nil {
		return fmt.Errorf("disk: %w", err)
	}
	return nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.EnsureLogger(pslog.LoggerFromContext(ctx)).With("storage_backend", "disk")
}

// GetObject reads the object for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	dataPath, err := s.objectPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	payload, info, err := s.readObject(key, dataPath)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	s.logger(ctx).Trace("disk.get_object.success", "key", key, "etag", info.ETag)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: info}, nil
}

// PutObject writes key under the key's lock, enforcing opts.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	logger.Trace("disk.put_object.begin", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
	dataPath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("disk: read body for %q: %w", key, err)
	}
	lock, err := s.lock(key)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	if opts.ExpectedETag != "" || opts.IfNotExists {
		_, current, err := s.readObject(key, dataPath)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if opts.ExpectedETag != "" {
				logger.Debug("disk.put_object.cas_missing", "key", key, "expected_etag", opts.ExpectedETag)
				return nil, storage.ErrNotFound
			}
		case err != nil:
			return nil, err
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && opts.IfNotExists:
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
	}
	if err := fileutil.WriteAtomic(dataPath, payload, 0o644); err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:         key,
		ETag:        etagOf(payload),
		Size:        int64(len(payload)),
		ContentType: opts.ContentType,
	}
	if fi, err := os.Stat(dataPath); err == nil {
		info.LastModified = fi.ModTime().UTC()
	}
	logger.Debug("disk.put_object.success", "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

// DeleteObject removes key, optionally requiring a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	dataPath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	lock, err := s.lock(key)
	if err != nil {
		return err
	}
	defer lock.Release()
	_, current, err := s.readObject(key, dataPath)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	s.logger(ctx).Debug("disk.delete_object.success", "key", key)
	return nil
}

func (s *Store) readObject(key, dataPath string) ([]byte, *storage.ObjectInfo, error) {
	payload, err := os.ReadFile(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("disk: read object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:         key,
		ETag:        etagOf(payload),
		Size:        int64(len(payload)),
		ContentType: storage.ContentTypeJSON,
	}
	if fi, err := os.Stat(dataPath); err == nil {
		info.LastModified = fi.ModTime().UTC()
	}
	return payload, info, nil
}

func (s *Store) lock(key string) (*fileutil.Lock, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	lock, err := fileutil.Acquire(filepath.Join(s.lockDir, filepath.FromSlash(normalized)+".lock"))
	if err != nil {
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return lock, nil
}

func (s *Store) objectPath(key string) (string, error) {
	normalized, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func normalizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func etagOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
