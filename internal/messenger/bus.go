package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/metrics"
	"github.com/atmx/collateral-bridge/internal/model"
)

// DefaultMaxAttempts bounds redelivery of a message whose handler keeps failing.
const DefaultMaxAttempts = 20

// Handler applies a delivered message on the destination ledger.
type Handler interface {
	Receive(ctx context.Context, msg Message) error
}

// Bus is an in-process message transport between endpoint ids. Send only
// enqueues; Pump (or Run) delivers. Faults can be injected to exercise
// the relay path: the bus can be disabled, drop the next n deliveries, or
// deliver everything twice.
type Bus struct {
	mu          sync.Mutex
	fee         *uint256.Int
	handlers    map[uint32]Handler
	queue       []Message
	deadLetters []Message
	collected   *uint256.Int
	maxAttempts int

	disabled  bool
	dropNext  int
	duplicate bool
}

// Option customises a Bus.
type Option func(*Bus)

// WithMaxAttempts sets how often a failing message is redelivered before
// it is moved to the dead-letter list.
func WithMaxAttempts(n int) Option {
	return func(b *Bus) { b.maxAttempts = n }
}

// NewBus creates a bus charging fee wei per message.
func NewBus(fee *uint256.Int, opts ...Option) *Bus {
	b := &Bus{
		fee:         new(uint256.Int),
		handlers:    make(map[uint32]Handler),
		collected:   new(uint256.Int),
		maxAttempts: DefaultMaxAttempts,
	}
	if fee != nil {
		b.fee.Set(fee)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register binds an endpoint id to the handler that receives its messages.
func (b *Bus) Register(eid uint32, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eid] = h
}

// Endpoint returns a Sender whose messages originate from eid.
func (b *Bus) Endpoint(eid uint32) *Endpoint {
	return &Endpoint{bus: b, eid: eid}
}

// SetDisabled turns the channel off or on. While disabled, sends fail and
// queued messages are held.
func (b *Bus) SetDisabled(disabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = disabled
}

// DropNext silently loses the next n deliveries.
func (b *Bus) DropNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropNext = n
}

// SetDuplicate makes every delivery happen twice.
func (b *Bus) SetDuplicate(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicate = on
}

// Pending returns the number of queued messages.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// DeadLetters returns messages that exhausted their delivery attempts.
func (b *Bus) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Collected returns the total messaging fees charged.
func (b *Bus) Collected() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.collected)
}

func (b *Bus) quote(dst uint32) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return nil, model.ErrMessengerOffline
	}
	if _, ok := b.handlers[dst]; !ok {
		return nil, fmt.Errorf("no endpoint %d: %w", dst, model.ErrDeliveryFailed)
	}
	return new(uint256.Int).Set(b.fee), nil
}

func (b *Bus) send(src, dst uint32, p Payload, fee *uint256.Int) (uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return uuid.Nil, model.ErrMessengerOffline
	}
	if _, ok := b.handlers[dst]; !ok {
		return uuid.Nil, fmt.Errorf("no endpoint %d: %w", dst, model.ErrDeliveryFailed)
	}
	if fee == nil {
		fee = new(uint256.Int)
	}
	if fee.Lt(b.fee) {
		return uuid.Nil, fmt.Errorf("message fee %s below quote %s: %w", fee.Dec(), b.fee.Dec(), model.ErrInsufficientFee)
	}
	b.collected.Add(b.collected, b.fee)
	msg := Message{ID: uuid.New(), SrcEID: src, DstEID: dst, Payload: p}
	b.queue = append(b.queue, msg)
	metrics.MessagesSent.WithLabelValues(string(p.Kind)).Inc()
	metrics.PendingMessages.Set(float64(len(b.queue)))
	return msg.ID, nil
}

// Pump attempts delivery of every queued message once and returns how
// many were applied. Messages whose handler fails stay queued, as do any
// later messages for the same order, so per-order order is preserved.
func (b *Bus) Pump(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.disabled {
		b.mu.Unlock()
		return 0, nil
	}
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	var (
		retained []Message
		applied  int
		blocked  = make(map[string]bool)
	)
	for i, msg := range batch {
		if err := ctx.Err(); err != nil {
			retained = append(retained, batch[i:]...)
			b.requeue(retained)
			return applied, err
		}
		order := msg.Payload.OrderID.Hex()
		if blocked[order] {
			retained = append(retained, msg)
			continue
		}

		b.mu.Lock()
		h := b.handlers[msg.DstEID]
		drop := b.dropNext > 0
		if drop {
			b.dropNext--
		}
		dup := b.duplicate
		b.mu.Unlock()

		if drop {
			slog.Warn("message dropped", "id", msg.ID, "kind", msg.Payload.Kind, "order_id", order)
			metrics.MessageDeliveries.WithLabelValues("dropped").Inc()
			continue
		}

		msg.Attempts++
		err := h.Receive(ctx, msg)
		if err == nil && dup {
			err = h.Receive(ctx, msg)
		}
		switch {
		case err == nil:
			applied++
			metrics.MessageDeliveries.WithLabelValues("applied").Inc()
		case msg.Attempts >= b.maxAttempts:
			slog.Error("message dead-lettered", "id", msg.ID, "kind", msg.Payload.Kind, "order_id", order, "error", err)
			metrics.MessageDeliveries.WithLabelValues("failed").Inc()
			b.mu.Lock()
			b.deadLetters = append(b.deadLetters, msg)
			b.mu.Unlock()
		default:
			outcome := "failed"
			if errors.Is(err, model.ErrDeferred) {
				outcome = "deferred"
			}
			slog.Warn("message delivery retained", "id", msg.ID, "kind", msg.Payload.Kind,
				"order_id", order, "attempts", msg.Attempts, "error", err)
			metrics.MessageDeliveries.WithLabelValues(outcome).Inc()
			blocked[order] = true
			retained = append(retained, msg)
		}
	}
	b.requeue(retained)
	return applied, nil
}

// requeue puts retained messages ahead of anything sent during the pump.
func (b *Bus) requeue(msgs []Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(msgs, b.queue...)
	metrics.PendingMessages.Set(float64(len(b.queue)))
}

// Run pumps the queue every interval until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.Pump(ctx); err != nil && ctx.Err() == nil {
				slog.Error("message pump failed", "error", err)
			}
		}
	}
}

// Endpoint sends on behalf of one endpoint id.
type Endpoint struct {
	bus *Bus
	eid uint32
}

// EID returns the endpoint id.
func (e *Endpoint) EID() uint32 { return e.eid }

// Quote returns the fee for sending p to dstEID.
func (e *Endpoint) Quote(dstEID uint32, _ Payload) (*uint256.Int, error) {
	return e.bus.quote(dstEID)
}

// Send enqueues p for dstEID, charging the quoted fee out of fee.
func (e *Endpoint) Send(dstEID uint32, p Payload, fee *uint256.Int) (uuid.UUID, error) {
	return e.bus.send(e.eid, dstEID, p, fee)
}
