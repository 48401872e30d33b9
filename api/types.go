// Package api defines the maintenance-state wire contract shared by the
// maintd server, its client and the coordinator.
package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the operational mode of the system.
type Mode string

const (
	// ModeNormal means the system is serving traffic normally.
	ModeNormal Mode = "normal"
	// ModeMaintenance means the system is in maintenance.
	ModeMaintenance Mode = "maintenance"
)

// ErrInvalidMode reports a mode outside normal/maintenance.
var ErrInvalidMode = errors.New("api: invalid mode")

// ErrInvalidTimestamp reports a timestamp that is not RFC 3339.
var ErrInvalidTimestamp = errors.New("api: invalid timestamp")

// ParseMode accepts the wire spelling of a mode, ignoring case and
// surrounding whitespace.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeNormal:
		return ModeNormal, nil
	case ModeMaintenance:
		return ModeMaintenance, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeMaintenance
}

func (m Mode) String() string {
	return string(m)
}

// TimeFormat is the layout used for every timestamp on the wire.
const TimeFormat = time.RFC3339Nano

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a wire timestamp. RFC 3339 without fractional seconds is
// accepted as well.
func ParseTime(raw string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	return t.UTC(), nil
}

// State is a snapshot of the maintenance flag. A zero LeaseExpiry means no
// lease; it is only meaningful in maintenance mode. LastUpdatedAt is assigned
// by the authoritative store and is the only timestamp used for ordering.
type State struct {
	Mode          Mode
	LeaseExpiry   time.Time
	LastUpdatedAt time.Time
	Source        string
}

// NormalState returns the NORMAL state with no lease and no update time.
func NormalState() State {
	return State{Mode: ModeNormal}
}

// HasLease reports whether s is maintenance with a pending auto-revert.
func (s State) HasLease() bool {
	return s.Mode == ModeMaintenance && !s.LeaseExpiry.IsZero()
}

// Remaining returns the time left on the lease at now. It is zero when s
// carries no lease and negative once the lease has passed.
func (s State) Remaining(now time.Time) time.Duration {
	if !s.HasLease() {
		return 0
	}
	return s.LeaseExpiry.Sub(now)
}

// Expired reports whether the lease has run out at now.
func (s State) Expired(now time.Time) bool {
	return s.HasLease() && !now.Before(s.LeaseExpiry)
}

// SameFlag reports whether s and other agree on mode and lease expiry, the
// two fields that decide reconciliation.
func (s State) SameFlag(other State) bool {
	return s.Mode == other.Mode && s.LeaseExpiry.Equal(other.LeaseExpiry)
}

// Equal compares every field.
func (s State) Equal(other State) bool {
	return s.SameFlag(other) && s.LastUpdatedAt.Equal(other.LastUpdatedAt) && s.Source == other.Source
}

// StateResponse models the body of GET /maintenance-state.
type StateResponse struct {
	// Mode is "normal" or "maintenance".
	Mode string `json:"mode"`
	// LeaseExpiry is the auto-revert deadline, or null when no lease is set.
	LeaseExpiry *string `json:"leaseExpiry"`
	// LastUpdatedAt is the store-assigned time of the last successful write.
	LastUpdatedAt string `json:"lastUpdatedAt"`
	// Source labels the last writer for diagnostics.
	Source string `json:"source,omitempty"`
}

// NewStateResponse renders s for the wire.
func NewStateResponse(s State) StateResponse {
	resp := StateResponse{
		Mode:          string(s.Mode),
		LastUpdatedAt: FormatTime(s.LastUpdatedAt),
		Source:        s.Source,
	}
	if s.HasLease() {
		expiry := FormatTime(s.LeaseExpiry)
		resp.LeaseExpiry = &expiry
	}
	return resp
}

// Decode validates the response and converts it into a State.
func (r StateResponse) Decode() (State, error) {
	mode, err := ParseMode(r.Mode)
	if err != nil {
		return State{}, err
	}
	if strings.TrimSpace(r.LastUpdatedAt) == "" {
		return State{}, fmt.Errorf("%w: missing lastUpdatedAt", ErrInvalidTimestamp)
	}
	updated, err := ParseTime(r.LastUpdatedAt)
	if err != nil {
		return State{}, err
	}
	state := State{Mode: mode, LastUpdatedAt: updated, Source: r.Source}
	if r.LeaseExpiry != nil && mode == ModeMaintenance {
		expiry, err := ParseTime(*r.LeaseExpiry)
		if err != nil {
			return State{}, err
		}
		state.LeaseExpiry = expiry
	}
	return state, nil
}

// WriteRequest models the body of POST /maintenance-state.
type WriteRequest struct {
	// Mode is the requested mode.
	Mode Mode `json:"mode"`
	// LeaseExpiry is the auto-revert deadline; null for no lease. Must be null
	// when Mode is normal.
	LeaseExpiry *string `json:"leaseExpiry"`
	// Source labels the writer.
	Source string `json:"source"`
}

// NewWriteRequest builds the request that stores s.
func NewWriteRequest(s State) WriteRequest {
	req := WriteRequest{Mode: s.Mode, Source: s.Source}
	if s.HasLease() {
		expiry := FormatTime(s.LeaseExpiry)
		req.LeaseExpiry = &expiry
	}
	return req
}

// Lease parses the requested lease expiry. The zero time means no lease.
func (r WriteRequest) Lease() (time.Time, error) {
	if r.LeaseExpiry == nil || strings.TrimSpace(*r.LeaseExpiry) == "" {
		return time.Time{}, nil
	}
	return ParseTime(*r.LeaseExpiry)
}

// WriteResponse is returned by a successful POST /maintenance-state.
type WriteResponse struct {
	// Success is always true for 2xx responses.
	Success bool `json:"success"`
	// LastUpdatedAt is the time the store applied the write.
	LastUpdatedAt string `json:"lastUpdatedAt"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Success is always false.
	Success bool `json:"success"`
	// Error is a human readable description.
	Error string `json:"error"`
	// Code is a stable machine readable reason.
	Code string `json:"code,omitempty"`
}
