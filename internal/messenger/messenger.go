// Package messenger is the cross-chain notification channel between the
// collateral and credit ledgers. Delivery is at-least-once: a message may
// be delayed, dropped or delivered twice, and receivers apply it through
// an Inbox keyed by (order id, kind) so redelivery is a no-op.
package messenger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Kind is the logical event a message carries.
type Kind string

const (
	KindOrderOpened Kind = "OrderOpened" // Chain A funded an order; open the mirror position
	KindRepaid      Kind = "Repaid"      // Chain B debt repaid; unlock collateral
)

// Payload is the body of a cross-chain message.
type Payload struct {
	Kind          Kind           `json:"kind"`
	OrderID       common.Hash    `json:"order_id"`
	ReserveID     string         `json:"reserve_id,omitempty"`
	Account       common.Address `json:"account"`
	CollateralWei *uint256.Int   `json:"collateral_wei"`
	FullyRepaid   bool           `json:"fully_repaid"`
}

// Key is the idempotency key of the logical event.
func (p Payload) Key() string {
	return fmt.Sprintf("%s:%s", p.OrderID.Hex(), p.Kind)
}

// Message is a payload in flight between two endpoints.
type Message struct {
	ID       uuid.UUID `json:"id"`
	SrcEID   uint32    `json:"src_eid"`
	DstEID   uint32    `json:"dst_eid"`
	Payload  Payload   `json:"payload"`
	Attempts int       `json:"attempts"`
}

// Sender is what a ledger needs to notify its peer.
type Sender interface {
	Quote(dstEID uint32, p Payload) (*uint256.Int, error)
	Send(dstEID uint32, p Payload, fee *uint256.Int) (uuid.UUID, error)
}
