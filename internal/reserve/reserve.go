// Package reserve holds per-market parameters for the credit ledger: the
// debt asset metadata, risk thresholds, the interest curve and the oracle
// binding. Updates replace a whole sub-config and are re-validated; there
// is no partial-field merge.
package reserve

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/model"
)

// MaxLtvCeilingBps is the hard ceiling on any configured max LTV.
const MaxLtvCeilingBps = 9_000

// Metadata describes the debt asset and the reserve's switches.
type Metadata struct {
	Controller   common.Address `json:"controller" yaml:"controller"` // mints/burns the debt asset
	Treasury     common.Address `json:"treasury" yaml:"treasury"`
	DebtDecimals uint8          `json:"debt_decimals" yaml:"debt_decimals"`
	Active       bool           `json:"active" yaml:"active"`
	Frozen       bool           `json:"frozen" yaml:"frozen"`
	BorrowCap    *uint256.Int   `json:"borrow_cap,omitempty" yaml:"borrow_cap"` // debt units, nil or 0 = unlimited
}

// RiskConfig holds the risk thresholds, all in basis points.
type RiskConfig struct {
	MaxLtvBps                 uint64 `json:"max_ltv_bps" yaml:"max_ltv_bps"`
	LiquidationThresholdBps   uint64 `json:"liquidation_threshold_bps" yaml:"liquidation_threshold_bps"`
	LiquidationBonusBps       uint64 `json:"liquidation_bonus_bps" yaml:"liquidation_bonus_bps"`
	CloseFactorBps            uint64 `json:"close_factor_bps" yaml:"close_factor_bps"`
	ReserveFactorBps          uint64 `json:"reserve_factor_bps" yaml:"reserve_factor_bps"`
	LiquidationProtocolFeeBps uint64 `json:"liquidation_protocol_fee_bps" yaml:"liquidation_protocol_fee_bps"`
}

// RateConfig is a kinked utilisation curve plus an origination fee.
type RateConfig struct {
	BaseRateBps           uint64 `json:"base_rate_bps" yaml:"base_rate_bps"`
	Slope1Bps             uint64 `json:"slope1_bps" yaml:"slope1_bps"`
	Slope2Bps             uint64 `json:"slope2_bps" yaml:"slope2_bps"`
	OptimalUtilizationBps uint64 `json:"optimal_utilization_bps" yaml:"optimal_utilization_bps"`
	OriginationFeeBps     uint64 `json:"origination_fee_bps" yaml:"origination_fee_bps"`
}

// OracleConfig binds the reserve to one price feed.
type OracleConfig struct {
	PriceID             common.Hash `json:"price_id" yaml:"price_id"`
	HeartbeatSeconds    uint64      `json:"heartbeat_seconds" yaml:"heartbeat_seconds"`
	MaxStalenessSeconds uint64      `json:"max_staleness_seconds" yaml:"max_staleness_seconds"`
	MaxConfidenceBps    uint64      `json:"max_confidence_bps" yaml:"max_confidence_bps"`
	MaxDeviationBps     uint64      `json:"max_deviation_bps" yaml:"max_deviation_bps"`
}

// Bundle is a complete reserve definition.
type Bundle struct {
	ID       string       `json:"reserve_id" yaml:"reserve_id"`
	Metadata Metadata     `json:"metadata" yaml:"metadata"`
	Risk     RiskConfig   `json:"risk" yaml:"risk"`
	Rate     RateConfig   `json:"interest" yaml:"interest"`
	Oracle   OracleConfig `json:"oracle" yaml:"oracle"`
}

// Clone returns a deep copy.
func (b *Bundle) Clone() *Bundle {
	c := *b
	if b.Metadata.BorrowCap != nil {
		c.Metadata.BorrowCap = new(uint256.Int).Set(b.Metadata.BorrowCap)
	}
	return &c
}

// BorrowRateBps returns the annual borrow rate for the given utilisation.
// Below the kink the rate rises by Slope1 pro rata; above it Slope2 is
// applied to the excess.
func (r RateConfig) BorrowRateBps(utilizationBps uint64) uint64 {
	if utilizationBps > fixedpoint.BpsDenominator {
		utilizationBps = fixedpoint.BpsDenominator
	}
	if r.OptimalUtilizationBps == 0 {
		return r.BaseRateBps
	}
	if utilizationBps <= r.OptimalUtilizationBps {
		return r.BaseRateBps + r.Slope1Bps*utilizationBps/r.OptimalUtilizationBps
	}
	excess := utilizationBps - r.OptimalUtilizationBps
	span := fixedpoint.BpsDenominator - r.OptimalUtilizationBps
	if span == 0 {
		return r.BaseRateBps + r.Slope1Bps
	}
	return r.BaseRateBps + r.Slope1Bps + r.Slope2Bps*excess/span
}

// Registry stores reserve bundles. All mutations are administrator-only.
type Registry struct {
	mu       sync.RWMutex
	admin    common.Address
	reserves map[string]*Bundle
}

// NewRegistry creates an empty registry owned by admin.
func NewRegistry(admin common.Address) *Registry {
	return &Registry{
		admin:    admin,
		reserves: make(map[string]*Bundle),
	}
}

// Admin returns the administrator address.
func (r *Registry) Admin() common.Address { return r.admin }

// Register validates and inserts a new reserve.
func (r *Registry) Register(caller common.Address, b Bundle) error {
	if caller != r.admin {
		return fmt.Errorf("register reserve: %w", model.ErrUnauthorized)
	}
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		return fmt.Errorf("reserve id required: %w", model.ErrInvalidInput)
	}
	if err := validateMetadata(b.Metadata); err != nil {
		return err
	}
	if err := validateRisk(b.Risk); err != nil {
		return err
	}
	if err := validateRate(b.Rate); err != nil {
		return err
	}
	if err := validateOracle(b.Oracle); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.reserves[b.ID]; exists {
		return fmt.Errorf("reserve %s: %w", b.ID, model.ErrReserveExists)
	}
	r.reserves[b.ID] = b.Clone()
	return nil
}

// Get returns a copy of the reserve.
func (r *Registry) Get(id string) (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.reserves[id]
	if !ok {
		return nil, fmt.Errorf("reserve %s: %w", id, model.ErrUnknownReserve)
	}
	return b.Clone(), nil
}

// List returns copies of every reserve.
func (r *Registry) List() []Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bundle, 0, len(r.reserves))
	for _, b := range r.reserves {
		out = append(out, *b.Clone())
	}
	return out
}

// SetMetadata replaces the metadata of a reserve.
func (r *Registry) SetMetadata(caller common.Address, id string, m Metadata) error {
	if err := validateMetadata(m); err != nil {
		return err
	}
	return r.update(caller, id, func(b *Bundle) { b.Metadata = m })
}

// SetRiskConfig replaces the risk config of a reserve.
func (r *Registry) SetRiskConfig(caller common.Address, id string, risk RiskConfig) error {
	if err := validateRisk(risk); err != nil {
		return err
	}
	return r.update(caller, id, func(b *Bundle) { b.Risk = risk })
}

// SetRateConfig replaces the interest config of a reserve.
func (r *Registry) SetRateConfig(caller common.Address, id string, rate RateConfig) error {
	if err := validateRate(rate); err != nil {
		return err
	}
	return r.update(caller, id, func(b *Bundle) { b.Rate = rate })
}

// SetOracleConfig replaces the oracle binding of a reserve.
func (r *Registry) SetOracleConfig(caller common.Address, id string, o OracleConfig) error {
	if err := validateOracle(o); err != nil {
		return err
	}
	return r.update(caller, id, func(b *Bundle) { b.Oracle = o })
}

func (r *Registry) update(caller common.Address, id string, apply func(*Bundle)) error {
	if caller != r.admin {
		return fmt.Errorf("update reserve %s: %w", id, model.ErrUnauthorized)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.reserves[id]
	if !ok {
		return fmt.Errorf("reserve %s: %w", id, model.ErrUnknownReserve)
	}
	next := b.Clone()
	apply(next)
	r.reserves[id] = next.Clone()
	return nil
}
