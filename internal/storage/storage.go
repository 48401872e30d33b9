// Package storage defines the object contract the maintenance-state store is
// persisted through, plus the error classification shared by every backend.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ContentTypeJSON is the content type of the persisted state record.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against another writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrNotImplemented indicates the backend lacks an optional capability.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend is the storage contract used by the state store. Keys are relative
// to the backend's configured prefix.
type Backend interface {
	// GetObject fetches key. Callers must close the returned reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject writes key, honouring opts.ExpectedETag and opts.IfNotExists.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key, optionally requiring a matching ETag.
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult pairs an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls conditional semantics for PutObject.
type PutObjectOptions struct {
	// ExpectedETag requires the current object to carry this ETag.
	ExpectedETag string
	// IfNotExists requires the object to be absent. Ignored when ExpectedETag
	// is set.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ReadAll fetches key and returns its payload and metadata.
func ReadAll(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	payload, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, err
	}
	return payload, res.Info, nil
}
