package aws

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/maintd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected error without bucket")
	}
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error without region")
	}
}

func TestNewBuildsClientWithEndpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	store, err := New(context.Background(), Config{
		Endpoint:       "localhost:9000",
		Region:         "us-east-1",
		Bucket:         "maintd",
		Prefix:         "/ops/",
		Insecure:       true,
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Config().Prefix != "ops" {
		t.Fatalf("expected trimmed prefix, got %q", store.Config().Prefix)
	}
	if got := store.objectKey("maintenance/state.json"); got != "ops/maintenance/state.json" {
		t.Fatalf("unexpected object key %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	notFound := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag"}
	conflict := &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}

	if !isNotFound(fmt.Errorf("wrap: %w", notFound)) {
		t.Fatal("expected NoSuchKey to be not found")
	}
	if isNotFound(precondition) {
		t.Fatal("precondition is not a not-found error")
	}
	if !isPreconditionFailed(precondition) || !isPreconditionFailed(conflict) {
		t.Fatal("expected precondition classification")
	}
	if isPreconditionFailed(errors.New("other")) {
		t.Fatal("plain errors are not precondition failures")
	}
}

func TestWrapErrorTransient(t *testing.T) {
	store := &Store{}
	if !storage.IsTransient(store.wrapError(syscall.ECONNRESET, "aws: put")) {
		t.Fatal("expected connection reset to be transient")
	}
	if storage.IsTransient(store.wrapError(&smithy.GenericAPIError{Code: "AccessDenied"}, "aws: put")) {
		t.Fatal("access denied must not be transient")
	}
}
