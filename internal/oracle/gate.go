package oracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/model"
)

// Params are the bounds a caller validates an update against.
type Params struct {
	ExpectedPriceID  common.Hash
	MaxAgeSeconds    uint64
	MaxConfidenceBps uint64 // 0 disables the check
	MaxDeviationBps  uint64 // 0 disables the check
}

// Price is a validated update, normalised to wad.
type Price struct {
	FeedID      common.Hash
	Wad         *uint256.Int
	PublishTime time.Time
	Fee         *uint256.Int
}

// Gate validates updates, charges the update fee and remembers the last
// accepted price per feed for the deviation guard.
type Gate struct {
	mu        sync.Mutex
	fee       *uint256.Int
	now       func() time.Time
	last      map[common.Hash]*uint256.Int
	collected *uint256.Int
}

// Option customises a Gate.
type Option func(*Gate)

// WithClock sets the function used to age updates.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.now = clock }
}

// NewGate creates a gate charging feePerUpdate wei per submitted update.
func NewGate(feePerUpdate *uint256.Int, opts ...Option) *Gate {
	g := &Gate{
		fee:       new(uint256.Int),
		now:       time.Now,
		last:      make(map[common.Hash]*uint256.Int),
		collected: new(uint256.Int),
	}
	if feePerUpdate != nil {
		g.fee.Set(feePerUpdate)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// UpdateFee returns the fee owed for one update.
func (g *Gate) UpdateFee() *uint256.Int {
	return new(uint256.Int).Set(g.fee)
}

// Collected returns the total fees charged so far.
func (g *Gate) Collected() *uint256.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(uint256.Int).Set(g.collected)
}

// LastPrice returns the last accepted wad price for a feed, if any.
func (g *Gate) LastPrice(feed common.Hash) (*uint256.Int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.last[feed]
	if !ok {
		return nil, false
	}
	return new(uint256.Int).Set(p), true
}

// Validate parses raw and checks it against p. It does not change gate
// state; call Settle once the triggering operation is ready to commit.
func (g *Gate) Validate(raw []byte, p Params) (*Price, error) {
	u, err := ParseUpdate(raw)
	if err != nil {
		return nil, err
	}
	if u.FeedID != p.ExpectedPriceID {
		return nil, fmt.Errorf("feed %s, expected %s: %w", u.FeedID.Hex(), p.ExpectedPriceID.Hex(), model.ErrPriceIDMismatch)
	}
	now := g.now().Unix()
	if now > u.PublishTime && uint64(now-u.PublishTime) > p.MaxAgeSeconds {
		return nil, fmt.Errorf("price age %ds exceeds %ds: %w", now-u.PublishTime, p.MaxAgeSeconds, model.ErrStalePrice)
	}
	if u.Price <= 0 {
		return nil, fmt.Errorf("price %d: %w", u.Price, model.ErrInvalidPrice)
	}
	price := uint256.NewInt(uint64(u.Price))
	if p.MaxConfidenceBps > 0 {
		// conf/price > maxConfidenceBps/10000
		lhs := new(uint256.Int).Mul(uint256.NewInt(u.Conf), uint256.NewInt(fixedpoint.BpsDenominator))
		rhs := new(uint256.Int).Mul(price, uint256.NewInt(p.MaxConfidenceBps))
		if lhs.Gt(rhs) {
			return nil, fmt.Errorf("confidence %d on price %d exceeds %d bps: %w", u.Conf, u.Price, p.MaxConfidenceBps, model.ErrLowConfidence)
		}
	}
	wad, err := toWad(price, u.Expo)
	if err != nil {
		return nil, err
	}
	if wad.IsZero() {
		return nil, fmt.Errorf("price rounds to zero: %w", model.ErrInvalidPrice)
	}

	if p.MaxDeviationBps > 0 {
		g.mu.Lock()
		last, ok := g.last[u.FeedID]
		g.mu.Unlock()
		if ok && exceedsDeviation(wad, last, p.MaxDeviationBps) {
			return nil, fmt.Errorf("price %s deviates from %s by more than %d bps: %w",
				wad.Dec(), last.Dec(), p.MaxDeviationBps, model.ErrPriceDeviation)
		}
	}

	return &Price{
		FeedID:      u.FeedID,
		Wad:         wad,
		PublishTime: time.Unix(u.PublishTime, 0).UTC(),
		Fee:         g.UpdateFee(),
	}, nil
}

// Settle charges the fee for a validated price and records it as the
// feed's last accepted price. Overpayment is returned as the refund.
func (g *Gate) Settle(price *Price, paid *uint256.Int) (*uint256.Int, error) {
	if paid == nil {
		paid = new(uint256.Int)
	}
	if paid.Lt(price.Fee) {
		return nil, fmt.Errorf("paid %s, fee %s: %w", paid.Dec(), price.Fee.Dec(), model.ErrInsufficientFee)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collected.Add(g.collected, price.Fee)
	g.last[price.FeedID] = new(uint256.Int).Set(price.Wad)
	return new(uint256.Int).Sub(paid, price.Fee), nil
}

// toWad returns price * 10^(18+expo).
func toWad(price *uint256.Int, expo int32) (*uint256.Int, error) {
	shift := int64(fixedpoint.WadDecimals) + int64(expo)
	switch {
	case shift == 0:
		return new(uint256.Int).Set(price), nil
	case shift > 0:
		if shift > 77 {
			return nil, model.ErrOverflow
		}
		scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(shift)))
		z, overflow := new(uint256.Int).MulOverflow(price, scale)
		if overflow {
			return nil, model.ErrOverflow
		}
		return z, nil
	default:
		if -shift > 77 {
			return new(uint256.Int), nil
		}
		scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(-shift)))
		return new(uint256.Int).Div(price, scale), nil
	}
}

func exceedsDeviation(next, last *uint256.Int, maxBps uint64) bool {
	diff := new(uint256.Int)
	if next.Gt(last) {
		diff.Sub(next, last)
	} else {
		diff.Sub(last, next)
	}
	lhs, _ := new(uint256.Int).MulOverflow(diff, uint256.NewInt(fixedpoint.BpsDenominator))
	rhs, _ := new(uint256.Int).MulOverflow(last, uint256.NewInt(maxBps))
	return lhs.Gt(rhs)
}
