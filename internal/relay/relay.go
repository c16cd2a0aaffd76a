// Package relay reconciles the two ledgers when the messenger path is
// unavailable. Each job reads a finalized source transaction, derives the
// settlement from its events, and calls the destination ledger's bridge
// entry point at most once per source transaction.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"github.com/atmx/collateral-bridge/internal/chain"
	"github.com/atmx/collateral-bridge/internal/credit"
	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/metrics"
	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/reserve"
	"github.com/atmx/collateral-bridge/internal/store"
)

// Job kinds, also used as dedupe key prefixes.
const (
	KindOpen        = "open"
	KindRelay       = "relay"
	KindWithdraw    = "withdraw"
	KindLiquidation = "liq"
)

// Defaults.
const (
	DefaultMaxAttempts = 10
	DefaultBackoff     = 2 * time.Second
	DefaultLockTTL     = 5 * time.Minute
)

// Source is a chain the relay reads finalized transactions from.
type Source interface {
	Receipt(ctx context.Context, hash common.Hash) (*chain.Receipt, error)
	Head(ctx context.Context) (uint64, error)
}

// CreditDestination is the bridge surface of the credit ledger.
type CreditDestination interface {
	MirrorOpen(ctx context.Context, orderID common.Hash, reserveID string, borrower common.Address, collateralWei *uint256.Int) (common.Hash, error)
	MarkLiquidated(ctx context.Context, orderID common.Hash) (common.Hash, error)
}

// CollateralDestination is the bridge surface of the collateral ledger.
type CollateralDestination interface {
	MirrorRepayment(ctx context.Context, orderID, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool) (common.Hash, error)
	MirrorAndRelease(ctx context.Context, orderID, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool, receiver common.Address) (common.Hash, error)
	Order(ctx context.Context, orderID common.Hash) (*model.Order, error)
}

// ReserveReader looks up reserve parameters.
type ReserveReader interface {
	Get(id string) (*reserve.Bundle, error)
}

// Service runs relay jobs.
type Service struct {
	chainA     Source
	chainB     Source
	credit     CreditDestination
	collateral CollateralDestination
	reserves   ReserveReader
	dedupe     store.Dedupe

	limiter            *rate.Limiter
	maxAttempts        int
	backoff            time.Duration
	confirmations      uint64
	allowClientAmounts bool
	lockTTL            time.Duration
	sleep              func(ctx context.Context, d time.Duration) error
}

// Option customises a Service.
type Option func(*Service)

// WithMaxAttempts bounds finality polls and destination retries.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the fixed delay between attempts.
func WithBackoff(d time.Duration) Option {
	return func(s *Service) { s.backoff = d }
}

// WithConfirmations sets how many blocks, counting the including block,
// make a transaction final.
func WithConfirmations(n uint64) Option {
	return func(s *Service) {
		if n > 0 {
			s.confirmations = n
		}
	}
}

// WithAllowClientAmounts lets caller-supplied amounts stand in when the
// source transaction carries no authoritative event.
func WithAllowClientAmounts(allow bool) Option {
	return func(s *Service) { s.allowClientAmounts = allow }
}

// WithLimiter paces destination calls.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithLockTTL sets how long an in-flight claim survives a crashed holder.
func WithLockTTL(d time.Duration) Option {
	return func(s *Service) { s.lockTTL = d }
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// New creates a relay service.
func New(chainA, chainB Source, creditDst CreditDestination, collateralDst CollateralDestination,
	reserves ReserveReader, dedupe store.Dedupe, opts ...Option) *Service {
	s := &Service{
		chainA:        chainA,
		chainB:        chainB,
		credit:        creditDst,
		collateral:    collateralDst,
		reserves:      reserves,
		dedupe:        dedupe,
		limiter:       rate.NewLimiter(rate.Inf, 1),
		maxAttempts:   DefaultMaxAttempts,
		backoff:       DefaultBackoff,
		confirmations: 1,
		lockTTL:       DefaultLockTTL,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Key is the dedupe key of a job.
func Key(kind string, sourceTx common.Hash) string {
	return kind + "_" + sourceTx.Hex()
}

// Result is the outcome of a relay job.
type Result struct {
	Key            string         `json:"key"`
	TxHash         common.Hash    `json:"tx_hash"`
	AlreadySettled bool           `json:"already_settled"`
	Amount         *uint256.Int   `json:"amount,omitempty"`
	FullyRepaid    bool           `json:"fully_repaid"`
	Receiver       common.Address `json:"receiver,omitempty"`
}

// OpenRequest mirrors a funded order onto the credit ledger.
type OpenRequest struct {
	OrderID   common.Hash
	TxHash    common.Hash
	ReserveID string
	Borrower  common.Address
}

// RepaymentRequest mirrors a credit-side repayment. The amount fields are
// only consulted when the source transaction has no RepayApplied event.
type RepaymentRequest struct {
	OrderID            common.Hash
	TxHash             common.Hash
	CollateralToUnlock *uint256.Int
	FullyRepaid        bool
	ReserveID          string
	Borrower           common.Address
}

// WithdrawRequest mirrors a repayment and releases the collateral.
type WithdrawRequest struct {
	OrderID              common.Hash
	TxHash               common.Hash
	CollateralToWithdraw *uint256.Int
	FullyRepaid          bool
	ReserveID            string
	Receiver             common.Address
}

// LiquidationRequest closes the position of a liquidated order.
type LiquidationRequest struct {
	OrderID common.Hash
	TxHash  common.Hash
}

// settlement is what a job sends to the destination.
type settlement struct {
	amount   *uint256.Int
	fully    bool
	receiver common.Address
}

// Open relays an OrderFunded event from the collateral ledger.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Result, error) {
	if req.OrderID == (common.Hash{}) || req.TxHash == (common.Hash{}) {
		return nil, fmt.Errorf("order id and tx hash required: %w", model.ErrInvalidInput)
	}
	return s.run(ctx, KindOpen, s.chainA, req.OrderID, req.TxHash,
		func(ctx context.Context, rcpt *chain.Receipt) (*settlement, func(context.Context) (common.Hash, error), error) {
			ev, ok := findEvent(rcpt, model.EventOrderFunded, req.OrderID)
			if !ok || ev.Amount == nil || ev.Amount.IsZero() {
				return nil, nil, fmt.Errorf("order %s: no OrderFunded in %s: %w", req.OrderID.Hex(), req.TxHash.Hex(), model.ErrMissingEvent)
			}
			if req.Borrower != (common.Address{}) && req.Borrower != ev.Account {
				return nil, nil, fmt.Errorf("order %s: borrower %s, funded by %s: %w",
					req.OrderID.Hex(), req.Borrower.Hex(), ev.Account.Hex(), model.ErrInvalidInput)
			}
			st := &settlement{amount: new(uint256.Int).Set(ev.Amount), receiver: ev.Account}
			return st, func(ctx context.Context) (common.Hash, error) {
				return s.credit.MirrorOpen(ctx, req.OrderID, req.ReserveID, ev.Account, st.amount)
			}, nil
		})
}

// Relay relays a RepayApplied event from the credit ledger, unlocking the
// proportional collateral without paying it out.
func (s *Service) Relay(ctx context.Context, req RepaymentRequest) (*Result, error) {
	if req.OrderID == (common.Hash{}) || req.TxHash == (common.Hash{}) {
		return nil, fmt.Errorf("order id and tx hash required: %w", model.ErrInvalidInput)
	}
	return s.run(ctx, KindRelay, s.chainB, req.OrderID, req.TxHash,
		func(ctx context.Context, rcpt *chain.Receipt) (*settlement, func(context.Context) (common.Hash, error), error) {
			st, err := s.repayment(rcpt, req.OrderID, req.CollateralToUnlock, req.FullyRepaid)
			if err != nil {
				return nil, nil, err
			}
			return st, func(ctx context.Context) (common.Hash, error) {
				return s.collateral.MirrorRepayment(ctx, req.OrderID, req.TxHash, st.amount, st.fully)
			}, nil
		})
}

// Withdraw relays a RepayApplied event and pays the unlocked collateral
// to the order owner.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*Result, error) {
	if req.OrderID == (common.Hash{}) || req.TxHash == (common.Hash{}) {
		return nil, fmt.Errorf("order id and tx hash required: %w", model.ErrInvalidInput)
	}
	return s.run(ctx, KindWithdraw, s.chainB, req.OrderID, req.TxHash,
		func(ctx context.Context, rcpt *chain.Receipt) (*settlement, func(context.Context) (common.Hash, error), error) {
			st, err := s.repayment(rcpt, req.OrderID, req.CollateralToWithdraw, req.FullyRepaid)
			if err != nil {
				return nil, nil, err
			}
			o, err := s.collateral.Order(ctx, req.OrderID)
			if err != nil {
				return nil, nil, err
			}
			if req.Receiver != (common.Address{}) && req.Receiver != o.Owner {
				return nil, nil, fmt.Errorf("order %s: receiver %s is not owner %s: %w",
					req.OrderID.Hex(), req.Receiver.Hex(), o.Owner.Hex(), model.ErrInvalidInput)
			}
			st.receiver = o.Owner
			return st, func(ctx context.Context) (common.Hash, error) {
				return s.collateral.MirrorAndRelease(ctx, req.OrderID, req.TxHash, st.amount, st.fully, o.Owner)
			}, nil
		})
}

// Liquidate relays a Liquidated event from the collateral ledger.
func (s *Service) Liquidate(ctx context.Context, req LiquidationRequest) (*Result, error) {
	if req.OrderID == (common.Hash{}) || req.TxHash == (common.Hash{}) {
		return nil, fmt.Errorf("order id and tx hash required: %w", model.ErrInvalidInput)
	}
	return s.run(ctx, KindLiquidation, s.chainA, req.OrderID, req.TxHash,
		func(ctx context.Context, rcpt *chain.Receipt) (*settlement, func(context.Context) (common.Hash, error), error) {
			ev, ok := findEvent(rcpt, model.EventLiquidated, req.OrderID)
			if !ok {
				return nil, nil, fmt.Errorf("order %s: no Liquidated in %s: %w", req.OrderID.Hex(), req.TxHash.Hex(), model.ErrMissingEvent)
			}
			st := &settlement{amount: ev.Amount}
			return st, func(ctx context.Context) (common.Hash, error) {
				return s.credit.MarkLiquidated(ctx, req.OrderID)
			}, nil
		})
}

// Status returns the dedupe record of key.
func (s *Service) Status(ctx context.Context, key string) (*store.Record, error) {
	return s.dedupe.Get(ctx, key)
}

// repayment derives the collateral to unlock from the RepayApplied event
// of rcpt, falling back to the caller's figures only when allowed.
func (s *Service) repayment(rcpt *chain.Receipt, orderID common.Hash, clientAmount *uint256.Int, clientFully bool) (*settlement, error) {
	ev, ok := findEvent(rcpt, model.EventRepayApplied, orderID)
	if !ok {
		if !s.allowClientAmounts || ((clientAmount == nil || clientAmount.IsZero()) && !clientFully) {
			return nil, fmt.Errorf("order %s: no RepayApplied in %s: %w", orderID.Hex(), rcpt.TxHash.Hex(), model.ErrMissingEvent)
		}
		slog.Warn("relaying client-supplied amount", "order_id", orderID.Hex(), "tx_hash", rcpt.TxHash.Hex(),
			"amount_wei", amountString(clientAmount), "fully_repaid", clientFully)
		amount := new(uint256.Int)
		if clientAmount != nil {
			amount.Set(clientAmount)
		}
		return &settlement{amount: amount, fully: clientFully}, nil
	}

	b, err := s.reserves.Get(ev.ReserveID)
	if err != nil {
		return nil, err
	}
	if ev.Amount == nil || ev.CollateralWei == nil || ev.RemainingDebtRay == nil {
		return nil, fmt.Errorf("order %s: incomplete RepayApplied in %s: %w", orderID.Hex(), rcpt.TxHash.Hex(), model.ErrMissingEvent)
	}
	repaidRay, err := fixedpoint.ToRay(ev.Amount, b.Metadata.DebtDecimals)
	if err != nil {
		return nil, err
	}
	unlock, err := credit.UnlockAmount(ev.CollateralWei, repaidRay, ev.RemainingDebtRay)
	if err != nil {
		return nil, err
	}
	if clientAmount != nil && !clientAmount.IsZero() && !clientAmount.Eq(unlock) {
		slog.Warn("client amount differs from event", "order_id", orderID.Hex(), "tx_hash", rcpt.TxHash.Hex(),
			"client_wei", clientAmount.Dec(), "event_wei", unlock.Dec())
	}
	return &settlement{amount: unlock, fully: ev.FullyRepaid}, nil
}

type prepareFunc func(ctx context.Context, rcpt *chain.Receipt) (*settlement, func(context.Context) (common.Hash, error), error)

// run is the shared job pipeline: finality, claim, authoritative read,
// destination call with bounded retry, settle.
func (s *Service) run(ctx context.Context, kind string, src Source, orderID, sourceTx common.Hash, prepare prepareFunc) (res *Result, err error) {
	start := time.Now()
	key := Key(kind, sourceTx)
	outcome := "error"
	defer func() {
		metrics.RelayAttempts.WithLabelValues(kind, outcome).Inc()
		metrics.RelayLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	rcpt, err := s.WaitFinalized(ctx, src, sourceTx)
	if err != nil {
		slog.Error("relay source not final", "kind", kind, "order_id", orderID.Hex(), "tx_hash", sourceTx.Hex(), "err", err)
		return nil, err
	}

	owner := uuid.NewString()
	claim, err := s.dedupe.Claim(ctx, key, owner, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	switch claim {
	case store.Settled:
		outcome = "duplicate"
		metrics.DedupeHits.WithLabelValues(kind).Inc()
		slog.Info("relay already settled", "kind", kind, "order_id", orderID.Hex(), "key", key)
		return &Result{Key: key, AlreadySettled: true}, nil
	case store.InFlight:
		outcome = "in_flight"
		metrics.DedupeHits.WithLabelValues(kind).Inc()
		return nil, fmt.Errorf("%s: %w", key, model.ErrInFlight)
	}

	// From here on the claim is released on every failure.
	settled := false
	defer func() {
		if settled {
			return
		}
		if rerr := s.dedupe.Release(context.WithoutCancel(ctx), key, owner); rerr != nil {
			slog.Error("release relay claim failed", "key", key, "err", rerr)
		}
	}()

	st, call, err := prepare(ctx, rcpt)
	if err != nil {
		slog.Error("relay rejected", "kind", kind, "order_id", orderID.Hex(), "tx_hash", sourceTx.Hex(), "err", err)
		return nil, err
	}

	dstTx, err := s.call(ctx, kind, orderID, call)
	if err != nil {
		return nil, err
	}
	if err := s.dedupe.MarkSettled(ctx, key, dstTx.Hex()); err != nil {
		// The destination call happened; the ledger's source-tx record
		// still blocks a second application.
		slog.Error("mark settled failed", "key", key, "dst_tx", dstTx.Hex(), "err", err)
		return nil, fmt.Errorf("settle %s: %w", key, err)
	}
	settled = true
	outcome = "ok"

	res = &Result{Key: key, TxHash: dstTx, FullyRepaid: st.fully, Receiver: st.receiver}
	if st.amount != nil {
		res.Amount = new(uint256.Int).Set(st.amount)
	}
	slog.Info("relay settled", "kind", kind, "order_id", orderID.Hex(), "source_tx", sourceTx.Hex(),
		"dst_tx", dstTx.Hex(), "amount", amountString(st.amount), "fully_repaid", st.fully)
	return res, nil
}

// call invokes the destination, retrying transient failures. A destination
// that reports the effect as already applied counts as success.
func (s *Service) call(ctx context.Context, kind string, orderID common.Hash, fn func(context.Context) (common.Hash, error)) (common.Hash, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return common.Hash{}, err
		}
		tx, err := fn(ctx)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, model.ErrAlreadyMirrored) || errors.Is(err, model.ErrDuplicateOrder) {
			slog.Info("destination already applied", "kind", kind, "order_id", orderID.Hex(), "code", model.CodeOf(err))
			return common.Hash{}, nil
		}
		if !model.Retryable(err) {
			slog.Error("relay destination rejected", "kind", kind, "order_id", orderID.Hex(), "err", err)
			return common.Hash{}, err
		}
		lastErr = err
		slog.Warn("relay destination call failed", "kind", kind, "order_id", orderID.Hex(),
			"attempt", attempt, "max_attempts", s.maxAttempts, "err", err)
		if attempt < s.maxAttempts {
			if err := s.sleep(ctx, s.backoff); err != nil {
				return common.Hash{}, err
			}
		}
	}
	return common.Hash{}, fmt.Errorf("%s after %d attempts: %w", kind, s.maxAttempts, lastErr)
}

func findEvent(rcpt *chain.Receipt, kind model.EventKind, orderID common.Hash) (model.Event, bool) {
	for _, ev := range rcpt.Events {
		if ev.Kind == kind && ev.OrderID == orderID {
			return ev, true
		}
	}
	return model.Event{}, false
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
