// Package correlation carries request correlation identifiers through
// contexts and across the HTTP boundary.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate correlation identifiers.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a context carrying id. Invalid identifiers leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier stored on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation identifier.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Ensure returns ctx with a correlation identifier, generating one when
// missing, together with the identifier in use.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}

// Normalize trims id and checks it is printable ASCII within MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered identifier.
func Generate() string {
	return NewUUID()
}

// NewUUID returns a UUIDv7 string. It panics only if the system random
// source fails.
func NewUUID() string {
	return uuid.Must(uuid.NewV7()).String()
}
