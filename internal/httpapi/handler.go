// Package httpapi serves the maintenance state over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/internal/correlation"
	"pkt.systems/maintd/internal/statestore"
	"pkt.systems/maintd/internal/storage"
	"pkt.systems/maintd/internal/svcfields"
)

const (
	// StatePath is the single resource exposed by the handler.
	StatePath = "/maintenance-state"
	// DefaultJSONMaxBytes caps POST bodies.
	DefaultJSONMaxBytes int64 = 64 << 10

	readyTimeout = 2 * time.Second
)

// StateStore is the authoritative store consulted by the handler.
type StateStore interface {
	Read(ctx context.Context) (api.State, error)
	Write(ctx context.Context, req api.WriteRequest) (api.State, error)
	Ping(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Store         StateStore
	Logger        pslog.Logger
	JSONMaxBytes  int64
	EnableTracing bool
	// ActivityHook runs at the start of every request.
	ActivityHook func()
}

// Handler routes maintenance state requests to the store.
type Handler struct {
	store              StateStore
	logger             pslog.Logger
	jsonMaxBytes       int64
	httpTracingEnabled bool
	activityHook       func()
	metrics            *httpMetrics
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type correlationAppliedKey struct{}

// New returns a Handler. A nil Store panics on first use.
func New(cfg Config) *Handler {
	logger := svcfields.EnsureLogger(cfg.Logger)
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	return &Handler{
		store:              cfg.Store,
		logger:             logger,
		jsonMaxBytes:       maxBytes,
		httpTracingEnabled: cfg.EnableTracing,
		activityHook:       cfg.ActivityHook,
		metrics:            newHTTPMetrics(logger),
	}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(StatePath, h.wrap("maintenance_state", h.handleState))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "maintd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if h.activityHook != nil {
			h.activityHook()
		}
		reqID := newRequestID()
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("maintd.operation", operation),
			attribute.String("maintd.sys", sys),
		)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		if corr := strings.TrimSpace(r.Header.Get(correlation.Header)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		ctx, _ = correlation.Ensure(ctx)
		ctx, logger = applyCorrelation(ctx, logger, span)
		w.Header().Set(correlation.Header, correlation.ID(ctx))

		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		err := fn(rec, r)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("maintd.error_code", httpErr.Code),
					attribute.Int("maintd.error_status", httpErr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, rec, err)
		} else {
			logger.Trace("http.request.complete", "elapsed", time.Since(start), "status", rec.status)
		}
		h.metrics.record(ctx, operation, r.Method, rec.status, time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return h.handleStateGet(w, r)
	case http.MethodPost:
		return h.handleStateSet(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		return httpError{
			Status: http.StatusMethodNotAllowed,
			Code:   "method_not_allowed",
			Detail: "supported methods: GET, HEAD, POST",
		}
	}
}

func (h *Handler) handleStateGet(w http.ResponseWriter, r *http.Request) error {
	state, err := h.store.Read(r.Context())
	if err != nil {
		return convertStoreError(err)
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, api.NewStateResponse(state), nil)
	return nil
}

func (h *Handler) handleStateSet(w http.ResponseWriter, r *http.Request) error {
	var req api.WriteRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	state, err := h.store.Write(r.Context(), req)
	if err != nil {
		return convertStoreError(err)
	}
	pslog.LoggerFromContext(r.Context()).Info("http.maintenance_state.updated",
		"mode", state.Mode,
		"source", state.Source,
		"last_updated_at", state.LastUpdatedAt,
	)
	h.writeJSON(w, http.StatusOK, api.WriteResponse{
		Success:       true,
		LastUpdatedAt: api.FormatTime(state.LastUpdatedAt),
	}, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		return httpError{
			Status: http.StatusServiceUnavailable,
			Code:   "store_unavailable",
			Detail: fmt.Sprintf("backend not reachable: %v", err),
		}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "body_too_large",
				Detail: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		if errors.Is(err, io.EOF) {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "request body required"}
		}
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			Success: false,
			Error:   httpErr.Detail,
			Code:    httpErr.Code,
		}, nil)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		Success: false,
		Error:   "internal server error",
		Code:    "internal_error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func convertStoreError(err error) error {
	switch {
	case errors.Is(err, statestore.ErrInvalidMode):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_mode", Detail: "mode must be \"normal\" or \"maintenance\""}
	case errors.Is(err, statestore.ErrInvalidLease):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_lease", Detail: "leaseExpiry must be null when mode is normal"}
	case errors.Is(err, statestore.ErrInvalidLeaseExpiry):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_lease_expiry", Detail: err.Error()}
	case errors.Is(err, statestore.ErrLeaseTooLong):
		return httpError{Status: http.StatusBadRequest, Code: "lease_too_long", Detail: err.Error()}
	case errors.Is(err, statestore.ErrConflict):
		return httpError{Status: http.StatusConflict, Code: "conflict", Detail: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), storage.IsTransient(err):
		return httpError{Status: http.StatusServiceUnavailable, Code: "store_unavailable", Detail: err.Error()}
	}
	return err
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	if id := correlation.ID(ctx); id != "" {
		if ctx.Value(correlationAppliedKey{}) == nil {
			logger = logger.With("cid", id)
			ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
		} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
			logger = existing
		}
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span != nil {
			span.SetAttributes(attribute.String("maintd.correlation_id", id))
		}
	}
	return ctx, logger
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
