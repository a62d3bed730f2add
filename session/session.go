// Package session stores server-side session records on whichever backing
// tier is reachable and hides backend unavailability from request handling.
//
// Three concrete Backend variants implement one capability contract: a SQL
// table in PostgreSQL or a key space in Redis (bound strictly as the primary
// tier, or with relaxed addressing as the degraded tier) and a process-local
// MemoryStore (the ephemeral tier). The Adapter selects the tier once at
// startup and on reconnect; callers only ever talk to the Adapter.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/dashgate/internal/util"
)

// DefaultTTL is the session lifetime, matching the session cookie max age.
const DefaultTTL = 30 * 24 * time.Hour

// idBytes is the entropy of a session id before base64url encoding.
const idBytes = 32

var (
	// ErrNotFound is returned by a Backend when no live record exists.
	ErrNotFound = errors.New("session not found")
	// ErrTouchUnsupported is returned by backends that cannot extend expiry
	// in place. The Adapter treats it as a no-op.
	ErrTouchUnsupported = errors.New("session touch unsupported")
	// ErrSessionDegraded means the record could not be made durable; the
	// session only lives for this request (or this process).
	ErrSessionDegraded = errors.New("session store degraded")
	// ErrStoreDisconnected means the write was not attempted because the
	// active tier is waiting for a reconnect.
	ErrStoreDisconnected = fmt.Errorf("%w: store disconnected", ErrSessionDegraded)
)

// Record is the server-side state linking a client to a user. UserID may be
// empty for an anonymous session that a later bearer token backfills.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewRecord returns an anonymous record with a fresh random id.
func NewRecord(now time.Time, ttl time.Duration) (Record, error) {
	id, err := util.RandomToken(idBytes)
	if err != nil {
		return Record{}, fmt.Errorf("generating session id: %w", err)
	}
	return Record{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Tier identifies which fallback level is serving sessions.
type Tier int

const (
	TierPrimary Tier = iota
	TierDegraded
	TierEphemeral
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierDegraded:
		return "degraded"
	case TierEphemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Durable reports whether records on this tier survive a process restart.
func (t Tier) Durable() bool {
	return t != TierEphemeral
}

// State is the process-wide store tier state. Exactly one tier is active.
type State struct {
	Tier      Tier `json:"tier"`
	Connected bool `json:"connected"`
}

// Strategy selects how a Binder addresses its backend.
type Strategy int

const (
	// StrategyStrict binds to the expected schema/table or key space and
	// fails if it is not already provisioned.
	StrategyStrict Strategy = iota
	// StrategyRelaxed binds with relaxed addressing, provisioning what it
	// can on the way.
	StrategyRelaxed
)

func (s Strategy) String() string {
	if s == StrategyStrict {
		return "strict"
	}
	return "relaxed"
}

// Backend is the capability contract every storage variant implements.
type Backend interface {
	// Load returns the record for id, or ErrNotFound.
	Load(ctx context.Context, id string) (Record, error)
	// Save creates or replaces the record.
	Save(ctx context.Context, rec Record) error
	// Touch moves the record's expiry, or returns ErrTouchUnsupported.
	Touch(ctx context.Context, id string, expiresAt time.Time) error
	// Destroy removes the record. Removing an absent record is not an error.
	Destroy(ctx context.Context, id string) error
	// DeleteExpired removes records that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Binder produces a Backend bound with the given strategy.
type Binder interface {
	Bind(ctx context.Context, strategy Strategy) (Backend, error)
}
