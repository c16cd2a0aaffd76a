// Package credit is the Chain B ledger: it owns Positions, the mirrored
// side of each collateral order, and issues the reserve's debt asset
// against them. Debt is stored scaled by the reserve's borrow index so
// that interest accrues without touching every position.
package credit

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/metrics"
	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/oracle"
	"github.com/atmx/collateral-bridge/internal/reserve"
)

// market is the running interest state of one reserve.
type market struct {
	index       *uint256.Int // ray, starts at 1
	lastAccrual time.Time
	totalScaled *uint256.Int
	treasuryRay *uint256.Int // reserve-factor share of accrued interest
}

// Ledger is the credit arena.
type Ledger struct {
	mu        sync.Mutex
	admin     common.Address
	bridge    common.Address
	reserves  *reserve.Registry
	gate      *oracle.Gate
	positions map[common.Hash]*model.Position
	markets   map[string]*market
	tokens    map[string]*Token

	sender         messenger.Sender
	ethEID         uint32
	defaultReserve string
	ltvBps         uint64 // 0 = use each reserve's max LTV

	sink model.EventSink
	now  func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock sets the ledger clock used for interest accrual.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// WithSink sets where ledger events go.
func WithSink(sink model.EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithMessenger sets the channel used to notify the collateral ledger of
// full repayments and that ledger's endpoint id.
func WithMessenger(sender messenger.Sender, ethEID uint32) Option {
	return func(l *Ledger) {
		l.sender = sender
		l.ethEID = ethEID
	}
}

// NewLedger creates a credit ledger over reserves, gating borrows with gate.
func NewLedger(admin, bridge common.Address, reserves *reserve.Registry, gate *oracle.Gate, opts ...Option) *Ledger {
	l := &Ledger{
		admin:     admin,
		bridge:    bridge,
		reserves:  reserves,
		gate:      gate,
		positions: make(map[common.Hash]*model.Position),
		markets:   make(map[string]*market),
		tokens:    make(map[string]*Token),
		sink:      model.Discard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admin returns the administrator identity.
func (l *Ledger) Admin() common.Address { return l.admin }

// Bridge returns the messenger/relay identity.
func (l *Ledger) Bridge() common.Address { return l.bridge }

// SetEthEid sets the collateral ledger's messenger endpoint id.
func (l *Ledger) SetEthEid(caller common.Address, eid uint32) error {
	if caller != l.admin {
		return model.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ethEID = eid
	return nil
}

// SetReserveBinding sets the reserve used for mirrored opens that do not
// name one.
func (l *Ledger) SetReserveBinding(caller common.Address, reserveID string) error {
	if caller != l.admin {
		return model.ErrUnauthorized
	}
	if _, err := l.reserves.Get(reserveID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultReserve = reserveID
	return nil
}

// SetLtvBps caps the LTV used by borrows below each reserve's own max.
func (l *Ledger) SetLtvBps(caller common.Address, bps uint64) error {
	if caller != l.admin {
		return model.ErrUnauthorized
	}
	if bps > reserve.MaxLtvCeilingBps {
		return fmt.Errorf("ltv %d above %d: %w", bps, reserve.MaxLtvCeilingBps, model.ErrLtvTooHigh)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ltvBps = bps
	return nil
}

// Token returns the debt token of a reserve.
func (l *Ledger) Token(reserveID string) (*Token, error) {
	b, err := l.reserves.Get(reserveID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token(b), nil
}

// Transfer moves amount of a reserve's debt token from caller to to.
// Borrowers use it to cover the origination fee and accrued interest,
// which Borrow does not mint to them.
func (l *Ledger) Transfer(caller common.Address, reserveID string, to common.Address, amount *uint256.Int) (err error) {
	defer func() { observe("transfer", err) }()
	if to == (common.Address{}) {
		return fmt.Errorf("transfer %s: zero recipient: %w", reserveID, model.ErrInvalidInput)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("transfer %s: %w", reserveID, model.ErrBadAmount)
	}
	b, err := l.reserves.Get(reserveID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.token(b).Transfer(caller, to, amount); err != nil {
		return err
	}
	l.emit(model.Event{
		Kind:      model.EventTransfer,
		Account:   caller,
		ReserveID: b.ID,
		Amount:    new(uint256.Int).Set(amount),
		Timestamp: l.now().UTC(),
	})
	slog.Info("debt token transferred", "reserve_id", b.ID, "from", caller.Hex(), "to", to.Hex(), "amount", amount.Dec())
	return nil
}

// BalanceOf returns addr's balance of a reserve's debt token.
func (l *Ledger) BalanceOf(reserveID string, addr common.Address) (*uint256.Int, error) {
	tok, err := l.Token(reserveID)
	if err != nil {
		return nil, err
	}
	return tok.BalanceOf(addr), nil
}

// token returns the reserve's debt token with its controller synced to
// the bundle, which an admin may have rotated since the last call.
func (l *Ledger) token(b *reserve.Bundle) *Token {
	t, ok := l.tokens[b.ID]
	if !ok {
		t = NewToken(b.ID, b.Metadata.DebtDecimals, b.Metadata.Controller)
		l.tokens[b.ID] = t
	}
	t.setController(b.Metadata.Controller)
	return t
}

func (l *Ledger) market(id string) *market {
	m, ok := l.markets[id]
	if !ok {
		m = &market{
			index:       new(uint256.Int).Set(fixedpoint.RAY),
			lastAccrual: l.now(),
			totalScaled: new(uint256.Int),
			treasuryRay: new(uint256.Int),
		}
		l.markets[id] = m
	}
	return m
}

// MirrorOpen creates the position for a funded collateral order.
func (l *Ledger) MirrorOpen(caller common.Address, id common.Hash, reserveID string, borrower common.Address, collateralWei *uint256.Int) (err error) {
	defer func() { observe("mirror_open", err) }()
	if caller != l.admin && caller != l.bridge {
		return model.ErrUnauthorized
	}
	if collateralWei == nil || collateralWei.IsZero() {
		return fmt.Errorf("order %s: %w", id.Hex(), model.ErrNoValue)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if reserveID == "" {
		reserveID = l.defaultReserve
	}
	b, err := l.reserves.Get(reserveID)
	if err != nil {
		return fmt.Errorf("order %s: %w", id.Hex(), err)
	}
	if !b.Metadata.Active {
		return fmt.Errorf("order %s: reserve %q inactive: %w", id.Hex(), reserveID, model.ErrUnknownReserve)
	}
	if _, exists := l.positions[id]; exists {
		return fmt.Errorf("order %s: %w", id.Hex(), model.ErrDuplicateOrder)
	}

	now := l.now().UTC()
	l.market(b.ID)
	l.positions[id] = &model.Position{
		ID:            id,
		Borrower:      borrower,
		ReserveID:     b.ID,
		CollateralWei: new(uint256.Int).Set(collateralWei),
		ScaledDebt:    new(uint256.Int),
		Open:          true,
		OpenedAt:      now,
	}
	l.emit(model.Event{
		Kind:          model.EventPositionOpened,
		OrderID:       id,
		Account:       borrower,
		ReserveID:     b.ID,
		CollateralWei: new(uint256.Int).Set(collateralWei),
		Timestamp:     now,
	})
	slog.Info("position opened", "order_id", id.Hex(), "reserve_id", b.ID,
		"borrower", borrower.Hex(), "collateral_wei", collateralWei.Dec())
	return nil
}

// BorrowRequest are the inputs of Borrow.
type BorrowRequest struct {
	OrderID       common.Hash
	Amount        *uint256.Int // debt-token base units
	PriceUpdate   []byte
	MaxAgeSeconds uint64 // 0 = the reserve heartbeat
	UpdateFeePaid *uint256.Int
}

// BorrowResult reports a successful borrow.
type BorrowResult struct {
	Amount         *uint256.Int `json:"amount"`
	OriginationFee *uint256.Int `json:"origination_fee"`
	Refund         *uint256.Int `json:"refund"`
	PriceWad       *uint256.Int `json:"price_wad"`
	Debt           *uint256.Int `json:"debt"`
}

// Borrow mints debt against an open position. The price update is
// validated and its fee charged in the same call; any failure leaves the
// ledger unchanged.
func (l *Ledger) Borrow(caller common.Address, req BorrowRequest) (res *BorrowResult, err error) {
	defer func() {
		observe("borrow", err)
		if err != nil {
			metrics.BorrowRejections.WithLabelValues(model.CodeOf(err)).Inc()
		}
	}()
	id := req.OrderID
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, err := l.openPosition(id, caller)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return nil, fmt.Errorf("order %s: zero borrow: %w", id.Hex(), model.ErrBadAmount)
	}
	b, err := l.reserves.Get(pos.ReserveID)
	if err != nil {
		return nil, err
	}
	if !b.Metadata.Active {
		return nil, fmt.Errorf("reserve %q inactive: %w", b.ID, model.ErrUnknownReserve)
	}
	if b.Metadata.Frozen {
		return nil, fmt.Errorf("reserve %q: %w", b.ID, model.ErrReserveFrozen)
	}

	price, err := l.gate.Validate(req.PriceUpdate, oracleParams(b, req.MaxAgeSeconds))
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), err)
	}

	now := l.now()
	m := l.market(b.ID)
	index, treasury, elapsed, err := l.accrued(m, b, now)
	if err != nil {
		return nil, err
	}

	decimals := b.Metadata.DebtDecimals
	fee, err := fixedpoint.ApplyBps(req.Amount, b.Rate.OriginationFeeBps)
	if err != nil {
		return nil, err
	}
	owed := new(uint256.Int).Add(req.Amount, fee)
	owedRay, err := fixedpoint.ToRay(owed, decimals)
	if err != nil {
		return nil, err
	}
	debtRay, err := fixedpoint.RayMulUp(pos.ScaledDebt, index)
	if err != nil {
		return nil, err
	}

	// Collateral is 18-decimal wei and the price is wad, so the product
	// over WAD is USD in wad; the debt asset is pegged 1:1 to USD.
	collateralUsdWad, err := fixedpoint.WadMul(pos.CollateralWei, price.Wad)
	if err != nil {
		return nil, err
	}
	collateralUsdRay, err := fixedpoint.ToRay(collateralUsdWad, fixedpoint.WadDecimals)
	if err != nil {
		return nil, err
	}
	maxDebtRay, err := fixedpoint.ApplyBps(collateralUsdRay, l.effectiveLtv(b))
	if err != nil {
		return nil, err
	}
	nextDebtRay, overflow := new(uint256.Int).AddOverflow(debtRay, owedRay)
	if overflow {
		return nil, model.ErrOverflow
	}
	if nextDebtRay.Gt(maxDebtRay) {
		return nil, fmt.Errorf("order %s: debt %s + borrow %s exceeds max %s (ray usd): %w",
			id.Hex(), debtRay.Dec(), owedRay.Dec(), maxDebtRay.Dec(), model.ErrExceedsLtv)
	}
	if err := l.checkBorrowCap(m, b, index, owedRay); err != nil {
		return nil, err
	}

	increment, err := fixedpoint.RayDivUp(owedRay, index)
	if err != nil {
		return nil, err
	}
	tok := l.token(b)
	credits := []Credit{{To: pos.Borrower, Amount: new(uint256.Int).Set(req.Amount)}}
	if !fee.IsZero() {
		credits = append(credits, Credit{To: b.Metadata.Treasury, Amount: fee})
	}
	if err := tok.CanMint(b.Metadata.Controller, credits...); err != nil {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), err)
	}
	refund, err := l.gate.Settle(price, req.UpdateFeePaid)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), err)
	}
	// Token state only changes under l.mu, so this matches CanMint.
	if err := tok.Mint(b.Metadata.Controller, credits...); err != nil {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), err)
	}

	l.commit(m, index, treasury, elapsed)
	pos.ScaledDebt.Add(pos.ScaledDebt, increment)
	m.totalScaled.Add(m.totalScaled, increment)

	debt, _ := l.debtUnits(pos, b, index)
	l.emit(model.Event{
		Kind:      model.EventBorrowed,
		OrderID:   id,
		Account:   pos.Borrower,
		ReserveID: b.ID,
		Amount:    new(uint256.Int).Set(req.Amount),
		Timestamp: now.UTC(),
	})
	slog.Info("borrowed", "order_id", id.Hex(), "borrower", pos.Borrower.Hex(), "amount", req.Amount.Dec(),
		"origination_fee", fee.Dec(), "price_wad", price.Wad.Dec(), "debt", debt.Dec())
	return &BorrowResult{
		Amount:         new(uint256.Int).Set(req.Amount),
		OriginationFee: fee,
		Refund:         refund,
		PriceWad:       price.Wad,
		Debt:           debt,
	}, nil
}

func oracleParams(b *reserve.Bundle, maxAge uint64) oracle.Params {
	if maxAge == 0 {
		maxAge = b.Oracle.HeartbeatSeconds
	}
	if maxAge == 0 || maxAge > b.Oracle.MaxStalenessSeconds {
		maxAge = b.Oracle.MaxStalenessSeconds
	}
	return oracle.Params{
		ExpectedPriceID:  b.Oracle.PriceID,
		MaxAgeSeconds:    maxAge,
		MaxConfidenceBps: b.Oracle.MaxConfidenceBps,
		MaxDeviationBps:  b.Oracle.MaxDeviationBps,
	}
}

func (l *Ledger) effectiveLtv(b *reserve.Bundle) uint64 {
	if l.ltvBps > 0 && l.ltvBps < b.Risk.MaxLtvBps {
		return l.ltvBps
	}
	return b.Risk.MaxLtvBps
}

func (l *Ledger) checkBorrowCap(m *market, b *reserve.Bundle, index, addRay *uint256.Int) error {
	capUnits := b.Metadata.BorrowCap
	if capUnits == nil || capUnits.IsZero() {
		return nil
	}
	capRay, err := fixedpoint.ToRay(capUnits, b.Metadata.DebtDecimals)
	if err != nil {
		return err
	}
	total, err := fixedpoint.RayMulUp(m.totalScaled, index)
	if err != nil {
		return err
	}
	total.Add(total, addRay)
	if total.Gt(capRay) {
		return fmt.Errorf("reserve %q: total debt %s over cap %s (ray): %w", b.ID, total.Dec(), capRay.Dec(), model.ErrBorrowCapExceeded)
	}
	return nil
}

// RepayResult reports a successful repayment.
type RepayResult struct {
	Amount           *uint256.Int `json:"amount"`
	RemainingDebtRay *uint256.Int `json:"remaining_debt_ray"`
	FullyRepaid      bool         `json:"fully_repaid"`
	UnlockWei        *uint256.Int `json:"unlock_wei"`
	MessageID        uuid.UUID    `json:"message_id,omitempty"`
	Refund           *uint256.Int `json:"refund,omitempty"`
}

// Repay burns amount of the borrower's debt tokens and reduces the
// position's debt. When the debt reaches zero the position closes and, if
// notify is set, the collateral ledger is told to unlock the collateral.
func (l *Ledger) Repay(caller common.Address, id common.Hash, amount *uint256.Int, notify bool, messageFee *uint256.Int) (res *RepayResult, err error) {
	defer func() { observe("repay", err) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, err := l.openPosition(id, caller)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("order %s: zero repay: %w", id.Hex(), model.ErrBadAmount)
	}
	b, err := l.reserves.Get(pos.ReserveID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	m := l.market(b.ID)
	index, treasury, elapsed, err := l.accrued(m, b, now)
	if err != nil {
		return nil, err
	}
	debt, err := l.debtUnits(pos, b, index)
	if err != nil {
		return nil, err
	}
	if amount.Gt(debt) {
		return nil, fmt.Errorf("order %s: repay %s exceeds debt %s: %w", id.Hex(), amount.Dec(), debt.Dec(), model.ErrBadAmount)
	}

	decimals := b.Metadata.DebtDecimals
	repaidRay, err := fixedpoint.ToRay(amount, decimals)
	if err != nil {
		return nil, err
	}
	burnScaled := new(uint256.Int).Set(pos.ScaledDebt)
	if !amount.Eq(debt) {
		// Truncating keeps the rounding remainder on the borrower's side.
		burnScaled, err = fixedpoint.RayDiv(repaidRay, index)
		if err != nil {
			return nil, err
		}
		if burnScaled.Gt(pos.ScaledDebt) {
			burnScaled.Set(pos.ScaledDebt)
		}
	}
	remainingScaled := new(uint256.Int).Sub(pos.ScaledDebt, burnScaled)
	remainingRay, err := fixedpoint.RayMulUp(remainingScaled, index)
	if err != nil {
		return nil, err
	}
	fully := remainingScaled.IsZero()
	basis := new(uint256.Int).Set(pos.CollateralWei)
	unlock, err := UnlockAmount(basis, repaidRay, remainingRay)
	if err != nil {
		return nil, err
	}

	tok := l.token(b)
	if err := tok.CanBurn(b.Metadata.Controller, pos.Borrower, amount); err != nil {
		return nil, fmt.Errorf("order %s: repay %s: %w", id.Hex(), amount.Dec(), err)
	}

	res = &RepayResult{
		Amount:           new(uint256.Int).Set(amount),
		RemainingDebtRay: remainingRay,
		FullyRepaid:      fully,
		UnlockWei:        unlock,
	}
	if notify && fully {
		res.MessageID, res.Refund, err = l.notifyRepaid(pos, unlock, messageFee)
		if err != nil {
			return nil, err
		}
	}

	if err := tok.Burn(b.Metadata.Controller, pos.Borrower, amount); err != nil {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), err)
	}

	l.commit(m, index, treasury, elapsed)
	pos.ScaledDebt = remainingScaled
	if m.totalScaled.Lt(burnScaled) {
		m.totalScaled.Clear()
	} else {
		m.totalScaled.Sub(m.totalScaled, burnScaled)
	}
	if fully {
		pos.FullyRepaid = true
		pos.Open = false
	} else {
		pos.CollateralWei.Sub(pos.CollateralWei, unlock)
	}

	ts := now.UTC()
	l.emit(model.Event{
		Kind:             model.EventRepayApplied,
		OrderID:          id,
		Account:          pos.Borrower,
		ReserveID:        b.ID,
		Amount:           new(uint256.Int).Set(amount),
		CollateralWei:    basis,
		RemainingDebtRay: new(uint256.Int).Set(remainingRay),
		FullyRepaid:      fully,
		Timestamp:        ts,
	})
	l.emit(model.Event{
		Kind:        model.EventRepaid,
		OrderID:     id,
		Account:     pos.Borrower,
		ReserveID:   b.ID,
		Amount:      new(uint256.Int).Set(amount),
		FullyRepaid: fully,
		Timestamp:   ts,
	})
	slog.Info("repaid", "order_id", id.Hex(), "amount", amount.Dec(), "remaining_debt_ray", remainingRay.Dec(),
		"fully_repaid", fully, "unlock_wei", unlock.Dec())
	return res, nil
}

func (l *Ledger) notifyRepaid(pos *model.Position, unlock, fee *uint256.Int) (uuid.UUID, *uint256.Int, error) {
	if l.sender == nil {
		return uuid.Nil, nil, model.ErrMessengerOffline
	}
	if fee == nil {
		fee = new(uint256.Int)
	}
	payload := messenger.Payload{
		Kind:          messenger.KindRepaid,
		OrderID:       pos.ID,
		ReserveID:     pos.ReserveID,
		Account:       pos.Borrower,
		CollateralWei: new(uint256.Int).Set(unlock),
		FullyRepaid:   true,
	}
	quote, err := l.sender.Quote(l.ethEID, payload)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if quote.Gt(fee) {
		return uuid.Nil, nil, fmt.Errorf("order %s: message fee %s, quote %s: %w", pos.ID.Hex(), fee.Dec(), quote.Dec(), model.ErrInsufficientFee)
	}
	msgID, err := l.sender.Send(l.ethEID, payload, quote)
	if err != nil {
		return uuid.Nil, nil, err
	}
	slog.Info("repayment notified", "order_id", pos.ID.Hex(), "message_id", msgID, "dst_eid", l.ethEID)
	return msgID, new(uint256.Int).Sub(fee, quote), nil
}

// UnlockAmount is the collateral released by repaying repaidRay of a debt
// that leaves remainingRay outstanding: collateral * repaid / (repaid +
// remaining), or all of it once nothing remains.
func UnlockAmount(collateralWei, repaidRay, remainingRay *uint256.Int) (*uint256.Int, error) {
	if remainingRay.IsZero() {
		return new(uint256.Int).Set(collateralWei), nil
	}
	total, overflow := new(uint256.Int).AddOverflow(repaidRay, remainingRay)
	if overflow {
		return nil, model.ErrOverflow
	}
	return fixedpoint.MulDiv(collateralWei, repaidRay, total)
}

// MarkLiquidated closes a position whose collateral was seized on the
// collateral ledger. Repeating it is a no-op.
func (l *Ledger) MarkLiquidated(caller common.Address, id common.Hash) (err error) {
	defer func() { observe("mark_liquidated", err) }()
	if caller != l.admin && caller != l.bridge {
		return model.ErrUnauthorized
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id.Hex(), model.ErrBadOrder)
	}
	if pos.Liquidated {
		return nil
	}
	if pos.FullyRepaid {
		return fmt.Errorf("order %s: %w", id.Hex(), model.ErrAlreadyRepaid)
	}
	b, err := l.reserves.Get(pos.ReserveID)
	if err != nil {
		return err
	}
	m := l.market(b.ID)
	index, treasury, elapsed, err := l.accrued(m, b, l.now())
	if err != nil {
		return err
	}
	l.commit(m, index, treasury, elapsed)
	if m.totalScaled.Lt(pos.ScaledDebt) {
		m.totalScaled.Clear()
	} else {
		m.totalScaled.Sub(m.totalScaled, pos.ScaledDebt)
	}
	pos.Liquidated = true
	pos.Open = false
	l.emit(model.Event{
		Kind:      model.EventPositionLiquidated,
		OrderID:   id,
		Account:   pos.Borrower,
		ReserveID: b.ID,
		Timestamp: l.now().UTC(),
	})
	slog.Info("position liquidated", "order_id", id.Hex(), "scaled_debt", pos.ScaledDebt.Dec())
	return nil
}

func (l *Ledger) openPosition(id common.Hash, caller common.Address) (*model.Position, error) {
	pos, ok := l.positions[id]
	if !ok || !pos.Open || pos.Liquidated {
		return nil, fmt.Errorf("order %s: no open position: %w", id.Hex(), model.ErrBadOrder)
	}
	if caller != pos.Borrower {
		return nil, fmt.Errorf("order %s: caller %s is not the borrower: %w", id.Hex(), caller.Hex(), model.ErrBadOrder)
	}
	return pos, nil
}

// Position returns a copy of the position.
func (l *Ledger) Position(id common.Hash) (*model.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrBadOrder)
	}
	return pos.Clone(), nil
}

// PositionsByBorrower returns copies of borrower's positions, oldest first.
func (l *Ledger) PositionsByBorrower(borrower common.Address) []*model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.Position
	for _, p := range l.positions {
		if p.Borrower == borrower {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Debt returns the position's current debt in debt-token units, rounded up.
func (l *Ledger) Debt(id common.Hash) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id.Hex(), model.ErrBadOrder)
	}
	b, err := l.reserves.Get(pos.ReserveID)
	if err != nil {
		return nil, err
	}
	index, _, _, err := l.accrued(l.market(b.ID), b, l.now())
	if err != nil {
		return nil, err
	}
	return l.debtUnits(pos, b, index)
}

func (l *Ledger) debtUnits(pos *model.Position, b *reserve.Bundle, index *uint256.Int) (*uint256.Int, error) {
	debtRay, err := fixedpoint.RayMulUp(pos.ScaledDebt, index)
	if err != nil {
		return nil, err
	}
	return fixedpoint.FromRayUp(debtRay, b.Metadata.DebtDecimals)
}

func (l *Ledger) emit(ev model.Event) {
	ev.Chain = model.ChainB
	l.sink.Emit(ev)
}

func observe(op string, err error) {
	metrics.LedgerOps.WithLabelValues(string(model.ChainB), op, metrics.Result(err)).Inc()
}
