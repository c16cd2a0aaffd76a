// Package collateral is the Chain A ledger: it owns Orders, the locked
// collateral behind each loan. An order is created by its owner, funded
// once, and ends either withdrawn (after the credit side reports it
// repaid) or liquidated by the administrator.
package collateral

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/metrics"
	"github.com/atmx/collateral-bridge/internal/model"
)

// Ledger is the collateral arena. All mutations are serialised by mu and
// validate every precondition before touching state.
type Ledger struct {
	mu      sync.Mutex
	admin   common.Address
	bridge  common.Address
	orders  map[common.Hash]*model.Order
	nonces  map[common.Address]uint64
	salt    [32]byte
	payouts map[common.Address]*uint256.Int
	locked  *uint256.Int
	applied map[common.Hash]struct{} // source txs already mirrored

	sender  messenger.Sender
	peerEID uint32

	sink model.EventSink
	now  func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock sets the ledger clock.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// WithSink sets where ledger events go.
func WithSink(sink model.EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithMessenger sets the channel used by FundOrderWithNotify and the
// credit ledger's endpoint id.
func WithMessenger(sender messenger.Sender, peerEID uint32) Option {
	return func(l *Ledger) {
		l.sender = sender
		l.peerEID = peerEID
	}
}

// NewLedger creates an empty ledger. admin may liquidate and configure;
// bridge is the messenger/relay identity allowed to mirror repayments.
func NewLedger(admin, bridge common.Address, opts ...Option) *Ledger {
	l := &Ledger{
		admin:   admin,
		bridge:  bridge,
		orders:  make(map[common.Hash]*model.Order),
		nonces:  make(map[common.Address]uint64),
		payouts: make(map[common.Address]*uint256.Int),
		locked:  new(uint256.Int),
		applied: make(map[common.Hash]struct{}),
		sink:    model.Discard,
		now:     time.Now,
	}
	if _, err := rand.Read(l.salt[:]); err != nil {
		panic(fmt.Sprintf("collateral: reading salt: %v", err))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admin returns the administrator identity.
func (l *Ledger) Admin() common.Address { return l.admin }

// Bridge returns the identity allowed to mirror repayments.
func (l *Ledger) Bridge() common.Address { return l.bridge }

// SetPeer sets the credit ledger's messenger endpoint id.
func (l *Ledger) SetPeer(caller common.Address, eid uint32) error {
	if caller != l.admin {
		return model.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peerEID = eid
	return nil
}

// CreateOrder allocates a fresh order id for owner. The id hashes the
// owner, a per-owner nonce and a random ledger salt, so it is unique per
// owner and not predictable from outside.
func (l *Ledger) CreateOrder(owner common.Address) common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()

	var id common.Hash
	for {
		nonce := l.nonces[owner]
		l.nonces[owner] = nonce + 1
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], nonce)
		id = crypto.Keccak256Hash(owner.Bytes(), n[:], l.salt[:])
		if _, taken := l.orders[id]; !taken {
			break
		}
	}

	now := l.now().UTC()
	l.orders[id] = &model.Order{
		ID:          id,
		Owner:       owner,
		AmountWei:   new(uint256.Int),
		UnlockedWei: new(uint256.Int),
		CreatedAt:   now,
	}
	l.emit(model.Event{Kind: model.EventOrderCreated, OrderID: id, Account: owner, Timestamp: now})
	observe("create_order", nil)
	slog.Info("order created", "order_id", id.Hex(), "owner", owner.Hex())
	return id
}

// FundOrder locks amount wei against the order.
func (l *Ledger) FundOrder(id common.Hash, caller common.Address, amount *uint256.Int) (err error) {
	defer func() { observe("fund_order", err) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.fundable(id, caller, amount)
	if err != nil {
		return err
	}
	l.fund(o, amount)
	return nil
}

// FundOrderWithNotify funds the order and notifies the credit ledger to
// open the mirrored position. messageFee pays the messenger; the quote is
// checked independently of amount and any excess is returned as refund.
// Nothing is committed if the message cannot be sent.
func (l *Ledger) FundOrderWithNotify(id common.Hash, caller common.Address, amount, messageFee *uint256.Int) (msgID uuid.UUID, refund *uint256.Int, err error) {
	defer func() { observe("fund_order_notify", err) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.fundable(id, caller, amount)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if l.sender == nil {
		return uuid.Nil, nil, model.ErrMessengerOffline
	}
	if messageFee == nil {
		messageFee = new(uint256.Int)
	}

	payload := messenger.Payload{
		Kind:          messenger.KindOrderOpened,
		OrderID:       id,
		Account:       o.Owner,
		CollateralWei: new(uint256.Int).Set(amount),
	}
	quote, err := l.sender.Quote(l.peerEID, payload)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if quote.Gt(messageFee) {
		return uuid.Nil, nil, fmt.Errorf("order %s: message fee %s, quote %s: %w",
			id.Hex(), messageFee.Dec(), quote.Dec(), model.ErrInsufficientFee)
	}
	msgID, err = l.sender.Send(l.peerEID, payload, quote)
	if err != nil {
		return uuid.Nil, nil, err
	}

	l.fund(o, amount)
	slog.Info("order open notified", "order_id", id.Hex(), "message_id", msgID, "dst_eid", l.peerEID)
	return msgID, new(uint256.Int).Sub(messageFee, quote), nil
}

func (l *Ledger) fundable(id common.Hash, caller common.Address, amount *uint256.Int) (*model.Order, error) {
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrUnknownOrder)
	}
	if caller != o.Owner {
		return nil, fmt.Errorf("order %s: caller %s: %w", id.Hex(), caller.Hex(), model.ErrNotOwner)
	}
	if o.Funded || o.Withdrawn || o.Liquidated {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrAlreadyFunded)
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrNoValue)
	}
	return o, nil
}

func (l *Ledger) fund(o *model.Order, amount *uint256.Int) {
	o.AmountWei = new(uint256.Int).Set(amount)
	o.Funded = true
	l.locked.Add(l.locked, amount)
	l.emit(model.Event{
		Kind:      model.EventOrderFunded,
		OrderID:   o.ID,
		Account:   o.Owner,
		Amount:    new(uint256.Int).Set(amount),
		Timestamp: l.now().UTC(),
	})
	slog.Info("order funded", "order_id", o.ID.Hex(), "owner", o.Owner.Hex(), "amount_wei", amount.Dec())
}

// Withdraw returns the locked collateral of a repaid order to its owner.
func (l *Ledger) Withdraw(id common.Hash, caller common.Address) (amount *uint256.Int, err error) {
	defer func() { observe("withdraw", err) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrUnknownOrder)
	}
	if caller != o.Owner {
		return nil, fmt.Errorf("order %s: caller %s: %w", id.Hex(), caller.Hex(), model.ErrNotOwner)
	}
	if o.Liquidated {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrAlreadyLiquidated)
	}
	if !o.Repaid || !o.Funded {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrNotRepaid)
	}

	amount = l.release(o, new(uint256.Int).Set(o.AmountWei), o.Owner)
	return amount, nil
}

// release moves amount out of the order to receiver and closes the order
// once it is empty. Callers have checked amount <= o.AmountWei.
func (l *Ledger) release(o *model.Order, amount *uint256.Int, receiver common.Address) *uint256.Int {
	o.AmountWei.Sub(o.AmountWei, amount)
	if o.UnlockedWei.Gt(amount) {
		o.UnlockedWei.Sub(o.UnlockedWei, amount)
	} else {
		o.UnlockedWei.Clear()
	}
	if o.AmountWei.IsZero() {
		o.Funded = false
		o.Withdrawn = true
		o.UnlockedWei.Clear()
	}
	l.locked.Sub(l.locked, amount)
	l.pay(receiver, amount)
	l.emit(model.Event{
		Kind:      model.EventWithdrawn,
		OrderID:   o.ID,
		Account:   receiver,
		Amount:    new(uint256.Int).Set(amount),
		Timestamp: l.now().UTC(),
	})
	slog.Info("collateral withdrawn", "order_id", o.ID.Hex(), "receiver", receiver.Hex(),
		"amount_wei", amount.Dec(), "remaining_wei", o.AmountWei.Dec())
	return amount
}

// MarkRepaid records that the credit side was fully repaid. Repeating it
// is a no-op.
func (l *Ledger) MarkRepaid(caller common.Address, id common.Hash) (err error) {
	defer func() { observe("mark_repaid", err) }()
	if caller != l.bridge && caller != l.admin {
		return model.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.mirrorable(id)
	if err != nil || o.Repaid {
		return err
	}
	l.markRepaid(o)
	return nil
}

func (l *Ledger) markRepaid(o *model.Order) {
	o.Repaid = true
	o.UnlockedWei = new(uint256.Int).Set(o.AmountWei)
	l.emit(model.Event{
		Kind:        model.EventOrderRepaid,
		OrderID:     o.ID,
		Account:     o.Owner,
		Amount:      new(uint256.Int).Set(o.AmountWei),
		FullyRepaid: true,
		Timestamp:   l.now().UTC(),
	})
	slog.Info("order marked repaid", "order_id", o.ID.Hex())
}

func (l *Ledger) mirrorable(id common.Hash) (*model.Order, error) {
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrUnknownOrder)
	}
	if o.Liquidated {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrAlreadyLiquidated)
	}
	if !o.Funded && !o.Repaid {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrNotFunded)
	}
	return o, nil
}

// MirrorRepayment applies a repayment observed on the credit ledger.
// unlock wei become releasable (capped at the locked amount); a full
// repayment unlocks everything and marks the order repaid. A non-zero
// sourceTx is recorded and a second application of it fails with
// ErrAlreadyMirrored.
func (l *Ledger) MirrorRepayment(caller common.Address, id, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool) (err error) {
	defer func() { observe("mirror_repayment", err) }()
	if caller != l.bridge && caller != l.admin {
		return model.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.mirrorable(id)
	if err != nil {
		return err
	}
	if _, done := l.applied[sourceTx]; done && sourceTx != (common.Hash{}) {
		return fmt.Errorf("order %s: source tx %s: %w", id.Hex(), sourceTx.Hex(), model.ErrAlreadyMirrored)
	}
	if err := l.mirrorRepayment(o, unlock, fullyRepaid); err != nil {
		return err
	}
	if sourceTx != (common.Hash{}) {
		l.applied[sourceTx] = struct{}{}
	}
	return nil
}

func (l *Ledger) mirrorRepayment(o *model.Order, unlock *uint256.Int, fullyRepaid bool) error {
	if o.Repaid {
		return nil
	}
	if fullyRepaid {
		l.markRepaid(o)
		return nil
	}
	if unlock == nil || unlock.IsZero() {
		return fmt.Errorf("order %s: zero unlock: %w", o.ID.Hex(), model.ErrBadAmount)
	}
	next := new(uint256.Int).Add(o.UnlockedWei, unlock)
	if next.Gt(o.AmountWei) {
		next.Set(o.AmountWei)
	}
	o.UnlockedWei = next
	slog.Info("partial repayment mirrored", "order_id", o.ID.Hex(), "unlocked_wei", next.Dec())
	return nil
}

// MirrorAndRelease mirrors a repayment and pays the unlocked collateral
// to receiver in one step. If sourceTx was already mirrored only the
// release happens, bounded by what is still unlocked. It returns the
// amount paid out.
func (l *Ledger) MirrorAndRelease(caller common.Address, id, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool, receiver common.Address) (released *uint256.Int, err error) {
	defer func() { observe("mirror_release", err) }()
	if caller != l.bridge && caller != l.admin {
		return nil, model.ErrUnauthorized
	}
	if receiver == (common.Address{}) {
		return nil, fmt.Errorf("order %s: zero receiver: %w", id.Hex(), model.ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.mirrorable(id)
	if err != nil {
		return nil, err
	}
	_, done := l.applied[sourceTx]
	if !done {
		if err := l.mirrorRepayment(o, unlock, fullyRepaid); err != nil {
			return nil, err
		}
	}

	amount := new(uint256.Int).Set(o.UnlockedWei)
	if !fullyRepaid && unlock != nil && unlock.Lt(amount) {
		amount.Set(unlock)
	}
	if amount.IsZero() || !o.Funded {
		if done || o.Withdrawn {
			return nil, fmt.Errorf("order %s: source tx %s: %w", id.Hex(), sourceTx.Hex(), model.ErrAlreadyMirrored)
		}
		return nil, fmt.Errorf("order %s: nothing unlocked: %w", id.Hex(), model.ErrNoValue)
	}
	if sourceTx != (common.Hash{}) {
		l.applied[sourceTx] = struct{}{}
	}
	return l.release(o, amount, receiver), nil
}

// ReleaseCollateral pays out up to the unlocked allowance to receiver on
// behalf of the bridge.
func (l *Ledger) ReleaseCollateral(caller common.Address, id common.Hash, amount *uint256.Int, receiver common.Address) (err error) {
	defer func() { observe("release_collateral", err) }()
	if caller != l.bridge && caller != l.admin {
		return model.ErrUnauthorized
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("order %s: %w", id.Hex(), model.ErrNoValue)
	}
	if receiver == (common.Address{}) {
		return fmt.Errorf("order %s: zero receiver: %w", id.Hex(), model.ErrInvalidInput)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	o, err := l.mirrorable(id)
	if err != nil {
		return err
	}
	if !o.Funded {
		return fmt.Errorf("order %s: nothing locked: %w", id.Hex(), model.ErrNotFunded)
	}
	if amount.Gt(o.UnlockedWei) {
		return fmt.Errorf("order %s: release %s, unlocked %s: %w",
			id.Hex(), amount.Dec(), o.UnlockedWei.Dec(), model.ErrExceedsUnlocked)
	}
	l.release(o, new(uint256.Int).Set(amount), receiver)
	return nil
}

// AdminLiquidate seizes the collateral of an unrepaid, funded order and
// pays it to payout.
func (l *Ledger) AdminLiquidate(caller common.Address, id common.Hash, payout common.Address) (amount *uint256.Int, err error) {
	defer func() { observe("liquidate", err) }()
	if caller != l.admin {
		return nil, model.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrUnknownOrder)
	}
	if o.Liquidated {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrAlreadyLiquidated)
	}
	if o.Repaid {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrAlreadyRepaid)
	}
	if !o.Funded {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrNotFunded)
	}

	amount = new(uint256.Int).Set(o.AmountWei)
	o.Liquidated = true
	o.Funded = false
	o.AmountWei.Clear()
	o.UnlockedWei.Clear()
	l.locked.Sub(l.locked, amount)
	l.pay(payout, amount)
	l.emit(model.Event{
		Kind:      model.EventLiquidated,
		OrderID:   id,
		Account:   payout,
		Amount:    new(uint256.Int).Set(amount),
		Timestamp: l.now().UTC(),
	})
	slog.Info("order liquidated", "order_id", id.Hex(), "payout", payout.Hex(), "amount_wei", amount.Dec())
	return amount, nil
}

// Order returns a copy of the order.
func (l *Ledger) Order(id common.Hash) (*model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrUnknownOrder)
	}
	return o.Clone(), nil
}

// OrdersByOwner returns copies of owner's orders, oldest first.
func (l *Ledger) OrdersByOwner(owner common.Address) []*model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Order
	for _, o := range l.orders {
		if o.Owner == owner {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PaidOut returns the total wei transferred out of the ledger to addr.
func (l *Ledger) PaidOut(addr common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.payouts[addr]; ok {
		return new(uint256.Int).Set(p)
	}
	return new(uint256.Int)
}

// Locked returns the total collateral currently held.
func (l *Ledger) Locked() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(uint256.Int).Set(l.locked)
}

func (l *Ledger) pay(to common.Address, amount *uint256.Int) {
	p, ok := l.payouts[to]
	if !ok {
		p = new(uint256.Int)
		l.payouts[to] = p
	}
	p.Add(p, amount)
}

func (l *Ledger) emit(ev model.Event) {
	ev.Chain = model.ChainA
	l.sink.Emit(ev)
}

func observe(op string, err error) {
	metrics.LedgerOps.WithLabelValues(string(model.ChainA), op, metrics.Result(err)).Inc()
}
