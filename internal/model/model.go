// Package model defines the domain types shared by both ledgers, the
// messenger and the mirror relay. Amounts are holiman/uint256 integers in
// base units (wei for collateral, debt-token units for credit) and ray/wad
// fixed point where noted. Never float64 for money.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ChainID names one of the two independent ledgers.
type ChainID string

const (
	ChainA ChainID = "A" // collateral ledger
	ChainB ChainID = "B" // credit ledger
)

// OrderStatus is the derived lifecycle state of an Order.
type OrderStatus string

const (
	StatusCreated    OrderStatus = "created"
	StatusFunded     OrderStatus = "funded"
	StatusRepaid     OrderStatus = "repaid"
	StatusWithdrawn  OrderStatus = "withdrawn"
	StatusLiquidated OrderStatus = "liquidated"
)

// Order is the Chain A record of locked collateral. Orders are never
// deleted; terminal orders stay as audit records.
type Order struct {
	ID          common.Hash    `json:"id"`
	Owner       common.Address `json:"owner"`
	AmountWei   *uint256.Int   `json:"amount_wei"`
	UnlockedWei *uint256.Int   `json:"unlocked_wei"` // released by mirrored repayments
	Funded      bool           `json:"funded"`
	Repaid      bool           `json:"repaid"`
	Liquidated  bool           `json:"liquidated"`
	Withdrawn   bool           `json:"withdrawn"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Status derives the lifecycle state from the flags.
func (o *Order) Status() OrderStatus {
	switch {
	case o.Liquidated:
		return StatusLiquidated
	case o.Withdrawn:
		return StatusWithdrawn
	case o.Repaid:
		return StatusRepaid
	case o.Funded:
		return StatusFunded
	default:
		return StatusCreated
	}
}

// Clone returns a deep copy so callers never alias ledger state.
func (o *Order) Clone() *Order {
	c := *o
	c.AmountWei = cloneInt(o.AmountWei)
	c.UnlockedWei = cloneInt(o.UnlockedWei)
	return &c
}

// Position is the Chain B mirror of an Order, keyed by the same id.
// Real debt = ScaledDebt * borrowIndex (both ray).
type Position struct {
	ID            common.Hash    `json:"id"`
	Borrower      common.Address `json:"borrower"`
	ReserveID     string         `json:"reserve_id"`
	CollateralWei *uint256.Int   `json:"collateral_wei"`
	ScaledDebt    *uint256.Int   `json:"scaled_debt"`
	Open          bool           `json:"open"`
	FullyRepaid   bool           `json:"fully_repaid"`
	Liquidated    bool           `json:"liquidated"`
	OpenedAt      time.Time      `json:"opened_at"`
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.CollateralWei = cloneInt(p.CollateralWei)
	c.ScaledDebt = cloneInt(p.ScaledDebt)
	return &c
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}
