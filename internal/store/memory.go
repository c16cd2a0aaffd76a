package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/collateral-bridge/internal/model"
)

type memoryRecord struct {
	settled     bool
	txHash      string
	owner       string
	lockedUntil time.Time
	updatedAt   time.Time
}

// MemoryDedupe implements Dedupe with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryDedupe struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]*memoryRecord
}

// NewMemoryDedupe creates an empty dedupe store.
func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{
		now:     time.Now,
		records: make(map[string]*memoryRecord),
	}
}

// SetClock replaces the clock used for lock expiry.
func (s *MemoryDedupe) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryDedupe) Claim(_ context.Context, key, owner string, ttl time.Duration) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r, ok := s.records[key]
	if !ok {
		r = &memoryRecord{}
		s.records[key] = r
	}
	if r.settled {
		return Settled, nil
	}
	if now.Before(r.lockedUntil) {
		return InFlight, nil
	}
	r.owner = owner
	r.lockedUntil = now.Add(ttl)
	r.updatedAt = now
	return Claimed, nil
}

func (s *MemoryDedupe) MarkSettled(_ context.Context, key, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		r = &memoryRecord{}
		s.records[key] = r
	}
	r.settled = true
	r.txHash = txHash
	r.owner = ""
	r.lockedUntil = time.Time{}
	r.updatedAt = s.now()
	return nil
}

func (s *MemoryDedupe) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[key]; ok && !r.settled && r.owner == owner {
		r.owner = ""
		r.lockedUntil = time.Time{}
		r.updatedAt = s.now()
	}
	return nil
}

func (s *MemoryDedupe) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{Key: key, Settled: r.settled, TxHash: r.txHash, UpdatedAt: r.updatedAt}, nil
}

// MemoryJournal implements Journal with an in-memory slice.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(_ context.Context, ev model.Event) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.entries)) + 1
	j.entries = append(j.entries, Entry{Seq: seq, Event: ev})
	return seq, nil
}

func (j *MemoryJournal) Since(_ context.Context, chain model.ChainID, afterSeq uint64, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Entry
	// Seq n lives at index n-1.
	for i := int(min(afterSeq, uint64(len(j.entries)))); i < len(j.entries); i++ {
		if j.entries[i].Event.Chain != chain {
			continue
		}
		out = append(out, j.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Sink adapts a Journal to model.EventSink. Append failures are logged;
// ledger calls have already committed by the time events are forwarded.
func Sink(j Journal) model.EventSink {
	return model.SinkFunc(func(ev model.Event) {
		if _, err := j.Append(context.Background(), ev); err != nil {
			slog.Error("journal append failed", "kind", ev.Kind, "order_id", ev.OrderID.Hex(),
				"tx_hash", ev.TxHash.Hex(), "err", err)
		}
	})
}
