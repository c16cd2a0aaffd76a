// Package store defines persistence for the relay and the event journal.
// Implementations include PostgreSQL (source of truth), Redis (shared
// dedupe keys), and in-memory (for testing and single-process runs).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/collateral-bridge/internal/model"
)

// ErrNotFound is returned when a key has never been claimed.
var ErrNotFound = errors.New("store: record not found")

// ClaimResult is the outcome of a dedupe claim.
type ClaimResult int

const (
	// Claimed means the caller owns the key until it settles or releases it.
	Claimed ClaimResult = iota
	// InFlight means another attempt holds the key.
	InFlight
	// Settled means the side effect already happened.
	Settled
)

func (c ClaimResult) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case Settled:
		return "settled"
	}
	return "unknown"
}

// Record is the persisted state of one relay key.
type Record struct {
	Key       string    `json:"key"`
	Settled   bool      `json:"settled"`
	TxHash    string    `json:"tx_hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dedupe guards bridging side effects so each key executes at most once.
// Claim is an atomic check-and-set; a settled key never reverts.
type Dedupe interface {
	// Claim takes the in-flight lock on key for ttl on behalf of owner,
	// unless it is settled or already held.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (ClaimResult, error)

	// MarkSettled records the destination tx hash and drops the lock.
	MarkSettled(ctx context.Context, key, txHash string) error

	// Release drops the lock without settling, so the key may be retried.
	// It is a no-op unless owner still holds the lock: a holder whose lock
	// expired cannot free a lock someone else has since taken.
	Release(ctx context.Context, key, owner string) error

	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
}

// Entry is a journaled event with its append sequence number.
type Entry struct {
	Seq   uint64      `json:"seq"`
	Event model.Event `json:"event"`
}

// Journal is the append-only audit log of ledger events.
type Journal interface {
	// Append stores ev and returns its sequence number. Sequence numbers
	// increase across all chains.
	Append(ctx context.Context, ev model.Event) (uint64, error)

	// Since returns up to limit entries for chain with Seq > afterSeq,
	// oldest first.
	Since(ctx context.Context, chain model.ChainID, afterSeq uint64, limit int) ([]Entry, error)
}
