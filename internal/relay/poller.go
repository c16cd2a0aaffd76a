package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/store"
)

// Poller walks the event journal and relays OrderFunded and Liquidated
// events from the collateral chain and RepayApplied events from the credit
// chain through the same dedupe path as manual requests.
type Poller struct {
	svc     *Service
	journal store.Journal
	batch   int
	chains  []model.ChainID

	mu      sync.Mutex
	cursors map[model.ChainID]uint64
}

// NewPoller creates a poller starting at the beginning of the journal.
// It follows the given chains, or both when none are named.
func NewPoller(svc *Service, journal store.Journal, chains ...model.ChainID) *Poller {
	if len(chains) == 0 {
		chains = []model.ChainID{model.ChainA, model.ChainB}
	}
	return &Poller{
		svc:     svc,
		journal: journal,
		batch:   100,
		chains:  chains,
		cursors: make(map[model.ChainID]uint64),
	}
}

// Cursor returns the last journal sequence handled for chain.
func (p *Poller) Cursor(chain model.ChainID) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[chain]
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("relay poll failed", "err", err)
			}
		}
	}
}

// Poll handles every new journal entry it can. A chain's cursor stops at
// the first entry that is not final yet or failed transiently, so that
// entry is retried next time; permanently rejected entries are skipped.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	relayed := 0
	var firstErr error
	for _, id := range p.chains {
		src := p.svc.chainA
		if id == model.ChainB {
			src = p.svc.chainB
		}
		n, err := p.pollChain(ctx, id, src)
		relayed += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return relayed, firstErr
}

func (p *Poller) pollChain(ctx context.Context, id model.ChainID, src Source) (int, error) {
	entries, err := p.journal.Since(ctx, id, p.cursors[id], p.batch)
	if err != nil {
		return 0, err
	}
	relayed := 0
	for _, e := range entries {
		ev := e.Event
		if !relayable(id, ev.Kind) {
			p.cursors[id] = e.Seq
			continue
		}
		final, err := p.svc.final(ctx, src, ev.BlockNumber)
		if err != nil {
			return relayed, err
		}
		if !final {
			return relayed, nil
		}

		err = p.relay(ctx, id, ev)
		switch {
		case err == nil:
			relayed++
		case errors.Is(err, model.ErrInFlight) || model.Retryable(err):
			return relayed, err
		default:
			slog.Error("relay skipped event", "chain", id, "seq", e.Seq, "kind", ev.Kind,
				"order_id", ev.OrderID.Hex(), "tx_hash", ev.TxHash.Hex(), "code", model.CodeOf(err), "err", err)
		}
		p.cursors[id] = e.Seq
	}
	return relayed, nil
}

func relayable(id model.ChainID, kind model.EventKind) bool {
	switch id {
	case model.ChainA:
		return kind == model.EventOrderFunded || kind == model.EventLiquidated
	case model.ChainB:
		return kind == model.EventRepayApplied
	}
	return false
}

func (p *Poller) relay(ctx context.Context, id model.ChainID, ev model.Event) error {
	var err error
	switch {
	case id == model.ChainA && ev.Kind == model.EventOrderFunded:
		_, err = p.svc.Open(ctx, OpenRequest{OrderID: ev.OrderID, TxHash: ev.TxHash})
	case id == model.ChainA && ev.Kind == model.EventLiquidated:
		_, err = p.svc.Liquidate(ctx, LiquidationRequest{OrderID: ev.OrderID, TxHash: ev.TxHash})
	case id == model.ChainB && ev.Kind == model.EventRepayApplied:
		_, err = p.svc.Relay(ctx, RepaymentRequest{OrderID: ev.OrderID, TxHash: ev.TxHash})
	}
	return err
}
