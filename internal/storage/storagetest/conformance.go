// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"pkt.systems/maintd/internal/storage"
)

// RunConditionalWrites checks create-only writes, ETag-guarded replacement
// and conditional deletes against backend.
func RunConditionalWrites(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	const key = "conformance/state.json"

	if _, err := backend.GetObject(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}
	first, err := backend.PutObject(ctx, key, bytes.NewReader([]byte("v1")), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ETag == "" {
		t.Fatal("expected etag on create")
	}
	if _, err := backend.PutObject(ctx, key, bytes.NewReader([]byte("dup")), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch on duplicate create, got %v", err)
	}
	second, err := backend.PutObject(ctx, key, bytes.NewReader([]byte("v2")), storage.PutObjectOptions{ExpectedETag: first.ETag})
	if err != nil {
		t.Fatalf("cas replace: %v", err)
	}
	if second.ETag == first.ETag {
		t.Fatal("expected etag to change after replace")
	}
	if _, err := backend.PutObject(ctx, key, bytes.NewReader([]byte("stale")), storage.PutObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch for stale etag, got %v", err)
	}

	res, err := backend.GetObject(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	payload, err := io.ReadAll(res.Reader)
	_ = res.Reader.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != "v2" || res.Info.ETag != second.ETag {
		t.Fatalf("unexpected object %q etag=%q", payload, res.Info.ETag)
	}

	if err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch on stale delete, got %v", err)
	}
	if err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: second.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore-not-found delete: %v", err)
	}
	if err := backend.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
