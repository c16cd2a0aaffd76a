package messenger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atmx/collateral-bridge/internal/metrics"
)

// ApplyFunc performs the ledger effect of a payload.
type ApplyFunc func(ctx context.Context, p Payload) error

// Inbox applies each logical event at most once. A payload whose apply
// fails is not recorded, so a later redelivery tries again.
type Inbox struct {
	mu    sync.Mutex
	apply ApplyFunc
	seen  map[string]struct{}
}

// NewInbox wraps apply with (order id, kind) deduplication.
func NewInbox(apply ApplyFunc) *Inbox {
	return &Inbox{apply: apply, seen: make(map[string]struct{})}
}

// Receive implements Handler.
func (in *Inbox) Receive(ctx context.Context, msg Message) error {
	key := msg.Payload.Key()
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.seen[key]; ok {
		slog.Debug("duplicate message ignored", "id", msg.ID, "key", key)
		metrics.MessageDeliveries.WithLabelValues("duplicate").Inc()
		return nil
	}
	if err := in.apply(ctx, msg.Payload); err != nil {
		return err
	}
	in.seen[key] = struct{}{}
	return nil
}

// Seen reports whether the event for key has been applied.
func (in *Inbox) Seen(key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.seen[key]
	return ok
}
