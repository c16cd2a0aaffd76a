package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind names a ledger event.
type EventKind string

const (
	EventOrderCreated       EventKind = "OrderCreated"
	EventOrderFunded        EventKind = "OrderFunded"
	EventOrderRepaid        EventKind = "OrderRepaid"
	EventWithdrawn          EventKind = "Withdrawn"
	EventLiquidated         EventKind = "Liquidated"
	EventPositionOpened     EventKind = "PositionOpened"
	EventBorrowed           EventKind = "Borrowed"
	EventRepaid             EventKind = "Repaid"
	EventRepayApplied       EventKind = "RepayApplied"
	EventPositionLiquidated EventKind = "PositionLiquidated"
	EventTransfer           EventKind = "Transfer"
)

// Event is an immutable ledger log entry. Fields not used by a kind are
// left zero. TxHash and BlockNumber are filled in by the chain that
// executed the call.
type Event struct {
	Kind             EventKind      `json:"kind"`
	Chain            ChainID        `json:"chain"`
	OrderID          common.Hash    `json:"order_id"`
	Account          common.Address `json:"account"`
	ReserveID        string         `json:"reserve_id,omitempty"`
	Amount           *uint256.Int   `json:"amount,omitempty"`
	CollateralWei    *uint256.Int   `json:"collateral_wei,omitempty"`
	RemainingDebtRay *uint256.Int   `json:"remaining_debt_ray,omitempty"`
	FullyRepaid      bool           `json:"fully_repaid"`
	TxHash           common.Hash    `json:"tx_hash"`
	BlockNumber      uint64         `json:"block_number"`
	Timestamp        time.Time      `json:"timestamp"`
}

// EventSink receives events emitted by a ledger.
type EventSink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard EventSink = SinkFunc(func(Event) {})
