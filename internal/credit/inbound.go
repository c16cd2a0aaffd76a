package credit

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/model"
)

// ApplyMessage applies a message delivered from the collateral ledger. It
// runs with the bridge's authority; a position the relay already opened
// counts as applied.
func (l *Ledger) ApplyMessage(p messenger.Payload) error {
	switch p.Kind {
	case messenger.KindOrderOpened:
		err := l.MirrorOpen(l.bridge, p.OrderID, p.ReserveID, p.Account, p.CollateralWei)
		if errors.Is(err, model.ErrDuplicateOrder) {
			slog.Info("position already mirrored", "order_id", p.OrderID.Hex())
			return nil
		}
		return err
	default:
		return fmt.Errorf("credit ledger cannot apply %q: %w", p.Kind, model.ErrInvalidInput)
	}
}
