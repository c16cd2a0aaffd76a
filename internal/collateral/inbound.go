package collateral

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/model"
)

// ApplyMessage applies a message delivered from the credit ledger. It runs
// with the bridge's authority.
func (l *Ledger) ApplyMessage(p messenger.Payload) error {
	switch p.Kind {
	case messenger.KindRepaid:
		err := l.MirrorRepayment(l.bridge, p.OrderID, common.Hash{}, p.CollateralWei, p.FullyRepaid)
		if errors.Is(err, model.ErrNotFunded) {
			return fmt.Errorf("%v: %w", err, model.ErrDeferred)
		}
		return err
	default:
		return fmt.Errorf("collateral ledger cannot apply %q: %w", p.Kind, model.ErrInvalidInput)
	}
}
