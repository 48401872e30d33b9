package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"pkt.systems/maintd/internal/storage"
	"pkt.systems/maintd/internal/storage/memory"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestReadAll(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	if _, _, err := storage.ReadAll(ctx, store, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	info, err := store.PutObject(ctx, "k", bytes.NewReader([]byte(`{"a":1}`)), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	payload, got, err := storage.ReadAll(ctx, store, "k")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != `{"a":1}` || got.ETag != info.ETag {
		t.Fatalf("unexpected read %q %+v", payload, got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"reset", syscall.ECONNRESET, true},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"op timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("bad request"), false},
	}
	for _, tc := range cases {
		if got := storage.IsNetworkError(tc.err); got != tc.want {
			t.Fatalf("%s: IsNetworkError = %v, want %v", tc.name, got, tc.want)
		}
	}
}
