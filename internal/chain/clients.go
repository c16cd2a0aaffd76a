package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/collateral"
	"github.com/atmx/collateral-bridge/internal/credit"
	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/model"
)

// CollateralClient submits bridge transactions to a collateral ledger on
// a Local chain. Methods return only once the transaction has succeeded.
type CollateralClient struct {
	chain  *Local
	ledger *collateral.Ledger
	from   common.Address
}

// NewCollateralClient binds a ledger on chain, signing as from.
func NewCollateralClient(chain *Local, ledger *collateral.Ledger, from common.Address) *CollateralClient {
	return &CollateralClient{chain: chain, ledger: ledger, from: from}
}

// MirrorRepayment records a credit-side repayment.
func (c *CollateralClient) MirrorRepayment(_ context.Context, orderID, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool) (common.Hash, error) {
	rcpt, err := c.chain.Submit(c.from, "adminMirrorRepayment", func() error {
		return c.ledger.MirrorRepayment(c.from, orderID, sourceTx, unlock, fullyRepaid)
	})
	return rcpt.TxHash, err
}

// MirrorAndRelease records a repayment and pays the unlocked collateral.
func (c *CollateralClient) MirrorAndRelease(_ context.Context, orderID, sourceTx common.Hash, unlock *uint256.Int, fullyRepaid bool, receiver common.Address) (common.Hash, error) {
	rcpt, err := c.chain.Submit(c.from, "adminMirrorWithdraw", func() error {
		_, err := c.ledger.MirrorAndRelease(c.from, orderID, sourceTx, unlock, fullyRepaid, receiver)
		return err
	})
	return rcpt.TxHash, err
}

// Order reads an order.
func (c *CollateralClient) Order(_ context.Context, orderID common.Hash) (*model.Order, error) {
	return c.ledger.Order(orderID)
}

// CreditClient submits bridge transactions to a credit ledger on a Local
// chain.
type CreditClient struct {
	chain  *Local
	ledger *credit.Ledger
	from   common.Address
}

// NewCreditClient binds a ledger on chain, signing as from.
func NewCreditClient(chain *Local, ledger *credit.Ledger, from common.Address) *CreditClient {
	return &CreditClient{chain: chain, ledger: ledger, from: from}
}

// MirrorOpen opens the position for a funded order.
func (c *CreditClient) MirrorOpen(_ context.Context, orderID common.Hash, reserveID string, borrower common.Address, collateralWei *uint256.Int) (common.Hash, error) {
	rcpt, err := c.chain.Submit(c.from, "adminMirrorOrder", func() error {
		return c.ledger.MirrorOpen(c.from, orderID, reserveID, borrower, collateralWei)
	})
	return rcpt.TxHash, err
}

// MarkLiquidated closes the position of a liquidated order.
func (c *CreditClient) MarkLiquidated(_ context.Context, orderID common.Hash) (common.Hash, error) {
	rcpt, err := c.chain.Submit(c.from, "adminMarkLiquidated", func() error {
		return c.ledger.MarkLiquidated(c.from, orderID)
	})
	return rcpt.TxHash, err
}

// Deliver returns a messenger ApplyFunc that runs apply as a transaction
// from the messenger endpoint, so delivered messages get receipts and
// their events reach the journal.
func (c *Local) Deliver(endpoint common.Address, apply func(messenger.Payload) error) messenger.ApplyFunc {
	return func(_ context.Context, p messenger.Payload) error {
		_, err := c.Submit(endpoint, "lzReceive", func() error { return apply(p) })
		return err
	}
}
