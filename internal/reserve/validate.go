package reserve

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/model"
)

func validateMetadata(m Metadata) error {
	if m.Controller == (common.Address{}) {
		return model.ErrInvalidController
	}
	if m.Treasury == (common.Address{}) {
		return model.ErrInvalidTreasury
	}
	if m.DebtDecimals > fixedpoint.RayDecimals {
		return fmt.Errorf("debt decimals %d: %w", m.DebtDecimals, model.ErrDecimalsTooHigh)
	}
	return nil
}

func validateRisk(r RiskConfig) error {
	if r.MaxLtvBps > MaxLtvCeilingBps {
		return fmt.Errorf("max ltv %d bps above ceiling %d: %w", r.MaxLtvBps, MaxLtvCeilingBps, model.ErrLtvTooHigh)
	}
	if r.MaxLtvBps == 0 || r.MaxLtvBps >= r.LiquidationThresholdBps || r.LiquidationThresholdBps >= fixedpoint.BpsDenominator {
		return fmt.Errorf("need 0 < maxLtv(%d) < liquidationThreshold(%d) < 10000: %w",
			r.MaxLtvBps, r.LiquidationThresholdBps, model.ErrInvalidRisk)
	}
	for name, v := range map[string]uint64{
		"liquidation bonus":        r.LiquidationBonusBps,
		"close factor":             r.CloseFactorBps,
		"reserve factor":           r.ReserveFactorBps,
		"liquidation protocol fee": r.LiquidationProtocolFeeBps,
	} {
		if v > fixedpoint.BpsDenominator {
			return fmt.Errorf("%s %d bps: %w", name, v, model.ErrInvalidRisk)
		}
	}
	return nil
}

func validateRate(r RateConfig) error {
	if r.OptimalUtilizationBps == 0 || r.OptimalUtilizationBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("optimal utilization %d bps: %w", r.OptimalUtilizationBps, model.ErrInvalidRate)
	}
	if r.OriginationFeeBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("origination fee %d bps: %w", r.OriginationFeeBps, model.ErrInvalidRate)
	}
	return nil
}

func validateOracle(o OracleConfig) error {
	if o.PriceID == (common.Hash{}) {
		return fmt.Errorf("price id required: %w", model.ErrInvalidOracle)
	}
	if o.MaxStalenessSeconds == 0 {
		return fmt.Errorf("max staleness required: %w", model.ErrInvalidOracle)
	}
	if o.MaxConfidenceBps > fixedpoint.BpsDenominator || o.MaxDeviationBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("confidence/deviation bounds: %w", model.ErrInvalidOracle)
	}
	return nil
}
