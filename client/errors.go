package client

import (
	"errors"
	"fmt"

	"pkt.systems/maintd/api"
)

var (
	// ErrTimeout means the call hit its deadline. The request was cancelled
	// and any late response is discarded.
	ErrTimeout = errors.New("client: remote call timed out")
	// ErrTransport covers connection failures before a response arrived.
	ErrTransport = errors.New("client: transport error")
	// ErrMalformedResponse means a 2xx response could not be understood.
	ErrMalformedResponse = errors.New("client: malformed response")
	// ErrServerRejected is matched by every *APIError.
	ErrServerRejected = errors.New("client: server rejected request")
)

// Kind classifies remote failures.
type Kind int

const (
	// KindNone is returned for a nil error.
	KindNone Kind = iota
	// KindTimeout maps ErrTimeout.
	KindTimeout
	// KindTransport maps ErrTransport.
	KindTransport
	// KindServerRejected maps *APIError.
	KindServerRejected
	// KindMalformedResponse maps ErrMalformedResponse.
	KindMalformedResponse
	// KindUnknown is anything else, typically a caller bug such as a bad URL.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindServerRejected:
		return "server_rejected"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrServerRejected):
		return KindServerRejected
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindUnknown
	}
}

// APIError describes a non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.Code != "" {
		return fmt.Sprintf("maintd: %s (%s)", e.Response.Code, e.Response.Error)
	}
	if e.Response.Error != "" {
		return fmt.Sprintf("maintd: status %d: %s", e.Status, e.Response.Error)
	}
	return fmt.Sprintf("maintd: status %d", e.Status)
}

// Is lets errors.Is(err, ErrServerRejected) match.
func (e *APIError) Is(target error) bool {
	return target == ErrServerRejected
}

type wrappedError struct {
	kind  error
	cause error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.cause)
}

func (e *wrappedError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func wrap(kind, cause error) error {
	return &wrappedError{kind: kind, cause: cause}
}
