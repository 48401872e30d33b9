// Package statestore owns the authoritative copy of the maintenance state.
// Every write goes through an ETag compare-and-swap on a single object, so
// several maintd servers can share one backend.
package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/internal/clock"
	"pkt.systems/maintd/internal/storage"
	"pkt.systems/maintd/internal/svcfields"
)

// ObjectKey is where the state record lives in the backend.
const ObjectKey = "maintenance/state.json"

// SweeperSource labels reverts performed by SweepExpired.
const SweeperSource = "maintd/sweeper"

const (
	// DefaultMaxLease caps how far in the future a lease may end.
	DefaultMaxLease = 7 * 24 * time.Hour
	// DefaultCASAttempts bounds the compare-and-swap loop of a write.
	DefaultCASAttempts = 8
)

var (
	// ErrInvalidMode rejects modes other than normal and maintenance.
	ErrInvalidMode = errors.New("statestore: invalid mode")
	// ErrInvalidLease rejects a lease combined with normal mode.
	ErrInvalidLease = errors.New("statestore: lease expiry is only valid in maintenance mode")
	// ErrInvalidLeaseExpiry rejects unparseable lease timestamps.
	ErrInvalidLeaseExpiry = errors.New("statestore: invalid lease expiry")
	// ErrLeaseTooLong rejects leases beyond the configured maximum.
	ErrLeaseTooLong = errors.New("statestore: lease exceeds maximum duration")
	// ErrConflict is returned when the CAS loop kept losing to other writers.
	ErrConflict = errors.New("statestore: too many concurrent writers")
)

// Config wires a Store.
type Config struct {
	Backend     storage.Backend
	Clock       clock.Clock
	Logger      pslog.Logger
	MaxLease    time.Duration
	CASAttempts int
}

// Store reads and writes the maintenance state record.
type Store struct {
	backend     storage.Backend
	clock       clock.Clock
	logger      pslog.Logger
	maxLease    time.Duration
	casAttempts int
	metrics     *storeMetrics

	writeMu sync.Mutex
}

type record struct {
	Mode          api.Mode   `json:"mode"`
	LeaseExpiry   *time.Time `json:"lease_expiry,omitempty"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	Source        string     `json:"source,omitempty"`
	Revision      int64      `json:"revision"`
}

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("statestore: backend required")
	}
	if cfg.MaxLease <= 0 {
		cfg.MaxLease = DefaultMaxLease
	}
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = DefaultCASAttempts
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "store.state")
	s := &Store{
		backend:     cfg.Backend,
		clock:       clock.OrReal(cfg.Clock),
		logger:      logger,
		maxLease:    cfg.MaxLease,
		casAttempts: cfg.CASAttempts,
	}
	s.metrics = newStoreMetrics(logger)
	return s, nil
}

// Read returns the current state. A missing record reads as NORMAL with a
// zero LastUpdatedAt.
func (s *Store) Read(ctx context.Context) (api.State, error) {
	rec, _, err := s.load(ctx)
	if err != nil {
		return api.State{}, err
	}
	state := rec.state()
	s.metrics.observeState(state)
	return state, nil
}

// Validate checks req without touching the backend and returns the
// normalized lease expiry.
func (s *Store) Validate(req api.WriteRequest) (time.Time, error) {
	if !req.Mode.Valid() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	lease, err := req.Lease()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidLeaseExpiry, err)
	}
	if req.Mode == api.ModeNormal && !lease.IsZero() {
		return time.Time{}, ErrInvalidLease
	}
	if !lease.IsZero() && lease.Sub(s.clock.Now()) > s.maxLease {
		return time.Time{}, fmt.Errorf("%w (%s)", ErrLeaseTooLong, s.maxLease)
	}
	return lease, nil
}

// Write applies req and returns the stored state, including the assigned
// LastUpdatedAt.
func (s *Store) Write(ctx context.Context, req api.WriteRequest) (api.State, error) {
	lease, err := s.Validate(req)
	if err != nil {
		s.metrics.recordWrite(ctx, "rejected", 0)
		return api.State{}, err
	}
	begin := time.Now()
	state, err := s.commit(ctx, func(api.State) (api.State, bool) {
		return api.State{Mode: req.Mode, LeaseExpiry: lease, Source: req.Source}, true
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.recordWrite(ctx, result, time.Since(begin))
	if err != nil {
		return api.State{}, err
	}
	s.logger.Info("store.state.write",
		"mode", state.Mode,
		"lease_expiry", leaseField(state),
		"source", state.Source,
		"last_updated_at", state.LastUpdatedAt,
	)
	return state, nil
}

// Bootstrap creates the NORMAL record when none exists yet.
func (s *Store) Bootstrap(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, etag, err := s.load(ctx)
	if err != nil {
		return err
	}
	if etag != "" {
		return nil
	}
	rec := record{Mode: api.ModeNormal, LastUpdatedAt: s.clock.Now(), Source: "maintd/bootstrap", Revision: 1}
	if err := s.put(ctx, rec, ""); err != nil && !errors.Is(err, storage.ErrCASMismatch) {
		return err
	}
	s.logger.Debug("store.state.bootstrap", "last_updated_at", rec.LastUpdatedAt)
	return nil
}

// SweepExpired reverts an expired lease to NORMAL. It reports whether this
// call performed the revert.
func (s *Store) SweepExpired(ctx context.Context) (api.State, bool, error) {
	reverted := false
	state, err := s.commit(ctx, func(cur api.State) (api.State, bool) {
		reverted = cur.Expired(s.clock.Now())
		if !reverted {
			return cur, false
		}
		return api.State{Mode: api.ModeNormal, Source: SweeperSource}, true
	})
	if err != nil {
		return api.State{}, false, err
	}
	if reverted {
		s.metrics.recordSweep(ctx)
		s.logger.Info("store.state.sweep.reverted", "last_updated_at", state.LastUpdatedAt)
	}
	return state, reverted, nil
}

// Reset deletes the stored record, including one that no longer decodes.
// Reads then return NORMAL until the next Write or Bootstrap. It reports
// whether a record was removed.
func (s *Store) Reset(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for attempt := 1; attempt <= s.casAttempts; attempt++ {
		_, info, err := storage.ReadAll(ctx, s.backend, ObjectKey)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("statestore: load: %w", err)
		}
		opts := storage.DeleteObjectOptions{}
		if info != nil {
			opts.ExpectedETag = info.ETag
		}
		err = s.backend.DeleteObject(ctx, ObjectKey, opts)
		switch {
		case err == nil:
			s.logger.Warn("store.state.reset", "key", ObjectKey, "attempt", attempt)
			return true, nil
		case errors.Is(err, storage.ErrNotFound):
			return false, nil
		case errors.Is(err, storage.ErrCASMismatch):
			s.logger.Debug("store.state.cas_retry", "attempt", attempt, "error", err)
			continue
		default:
			return false, fmt.Errorf("statestore: delete: %w", err)
		}
	}
	return false, ErrConflict
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// commit runs the CAS loop. mutate receives the current state and returns
// the desired state, or false to leave the record untouched.
func (s *Store) commit(ctx context.Context, mutate func(api.State) (api.State, bool)) (api.State, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for attempt := 1; attempt <= s.casAttempts; attempt++ {
		cur, etag, err := s.load(ctx)
		if err != nil {
			return api.State{}, err
		}
		next, ok := mutate(cur.state())
		if !ok {
			return cur.state(), nil
		}
		rec := record{
			Mode:          next.Mode,
			LastUpdatedAt: s.nextTimestamp(cur.LastUpdatedAt),
			Source:        next.Source,
			Revision:      cur.Revision + 1,
		}
		if next.HasLease() {
			expiry := next.LeaseExpiry.UTC()
			rec.LeaseExpiry = &expiry
		}
		err = s.put(ctx, rec, etag)
		switch {
		case err == nil:
			state := rec.state()
			s.metrics.observeState(state)
			return state, nil
		case errors.Is(err, storage.ErrCASMismatch), errors.Is(err, storage.ErrNotFound):
			s.logger.Debug("store.state.cas_retry", "attempt", attempt, "error", err)
			continue
		default:
			return api.State{}, err
		}
	}
	return api.State{}, ErrConflict
}

// nextTimestamp keeps LastUpdatedAt strictly increasing even if the server
// clock stalls or steps backwards.
func (s *Store) nextTimestamp(prev time.Time) time.Time {
	now := s.clock.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func (s *Store) load(ctx context.Context) (record, string, error) {
	payload, info, err := storage.ReadAll(ctx, s.backend, ObjectKey)
	if errors.Is(err, storage.ErrNotFound) {
		return record{Mode: api.ModeNormal}, "", nil
	}
	if err != nil {
		return record{}, "", fmt.Errorf("statestore: load: %w", err)
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return record{}, "", fmt.Errorf("statestore: decode record: %w", err)
	}
	if !rec.Mode.Valid() {
		return record{}, "", fmt.Errorf("statestore: stored record has invalid mode %q", rec.Mode)
	}
	return rec, info.ETag, nil
}

func (s *Store) put(ctx context.Context, rec record, etag string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("statestore: encode record: %w", err)
	}
	opts := storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if etag != "" {
		opts.ExpectedETag = etag
	} else {
		opts.IfNotExists = true
	}
	if _, err := s.backend.PutObject(ctx, ObjectKey, bytes.NewReader(payload), opts); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("statestore: store: %w", err)
	}
	return nil
}

func (r record) state() api.State {
	state := api.State{Mode: r.Mode, LastUpdatedAt: r.LastUpdatedAt.UTC(), Source: r.Source}
	if r.Mode == api.ModeMaintenance && r.LeaseExpiry != nil {
		state.LeaseExpiry = r.LeaseExpiry.UTC()
	}
	return state
}

func leaseField(s api.State) any {
	if !s.HasLease() {
		return nil
	}
	return s.LeaseExpiry
}
