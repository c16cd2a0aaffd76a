// Package config loads service settings from the environment, optionally
// seeded from a .env file, and reserve bundles from YAML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/atmx/collateral-bridge/internal/reserve"
)

// Config is the service configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogFile     string
	JWTSecret   string

	Relay        RelayConfig
	PollInterval time.Duration
	PumpInterval time.Duration

	ReservesFile string
	ChainAEID    uint32
	ChainBEID    uint32
	Admin        common.Address
	Bridge       common.Address
	MessageFee   *uint256.Int // wei per cross-chain message
	OracleFee    *uint256.Int // wei per price update

	EVM EVMConfig
}

// RelayConfig tunes the mirror relay.
type RelayConfig struct {
	MaxAttempts        int
	Backoff            time.Duration
	Confirmations      uint64
	AllowClientAmounts bool
	RatePerSec         float64
}

// EVMConfig points the relay at a deployed collateral contract. It is
// enabled when RPCURL is set.
type EVMConfig struct {
	RPCURL            string
	SignerKey         string
	CollateralAddress common.Address
}

// Enabled reports whether an EVM collateral chain is configured.
func (c EVMConfig) Enabled() bool { return c.RPCURL != "" }

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c := &Config{
		Port:         getenv("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		LogFile:      os.Getenv("LOG_FILE"),
		JWTSecret:    os.Getenv("RELAY_JWT_SECRET"),
		ReservesFile: os.Getenv("RESERVES_FILE"),
	}

	p := parser{}
	c.Relay.MaxAttempts = p.integer("RELAY_MAX_ATTEMPTS", 10)
	c.Relay.Backoff = p.duration("RELAY_BACKOFF", 2*time.Second)
	c.Relay.Confirmations = p.unsigned("RELAY_CONFIRMATIONS", 1)
	c.Relay.AllowClientAmounts = p.boolean("RELAY_ALLOW_CLIENT_AMOUNTS", false)
	c.Relay.RatePerSec = p.float("RELAY_RATE_PER_SEC", 5)
	c.PollInterval = p.duration("POLL_INTERVAL", 5*time.Second)
	c.PumpInterval = p.duration("PUMP_INTERVAL", time.Second)
	c.ChainAEID = uint32(p.unsigned("CHAIN_A_EID", 40161))
	c.ChainBEID = uint32(p.unsigned("CHAIN_B_EID", 40285))
	c.Admin = p.address("ADMIN_ADDRESS", common.HexToAddress("0x00000000000000000000000000000000000000AD"))
	c.Bridge = p.address("BRIDGE_ADDRESS", common.HexToAddress("0x00000000000000000000000000000000000000B4"))
	c.MessageFee = p.wei("MESSAGE_FEE_WEI", 0)
	c.OracleFee = p.wei("ORACLE_FEE_WEI", 1)
	c.EVM = EVMConfig{
		RPCURL:            strings.TrimSpace(os.Getenv("EVM_RPC_URL")),
		SignerKey:         os.Getenv("EVM_SIGNER_KEY"),
		CollateralAddress: p.address("EVM_COLLATERAL_ADDRESS", common.Address{}),
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	if c.EVM.Enabled() && (c.EVM.SignerKey == "" || c.EVM.CollateralAddress == (common.Address{})) {
		return nil, fmt.Errorf("EVM_RPC_URL requires EVM_SIGNER_KEY and EVM_COLLATERAL_ADDRESS")
	}
	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parser collects every malformed variable instead of stopping at the
// first.
type parser struct {
	errs []error
}

func (p *parser) fail(key, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (p *parser) err() error { return errors.Join(p.errs...) }

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) unsigned(key string, def uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) address(key string, def common.Address) common.Address {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if !common.IsHexAddress(v) {
		p.fail(key, v, errors.New("not a hex address"))
		return def
	}
	return common.HexToAddress(v)
}

func (p *parser) wei(key string, def uint64) *uint256.Int {
	v := os.Getenv(key)
	if v == "" {
		return uint256.NewInt(def)
	}
	n, err := uint256.FromDecimal(v)
	if err != nil {
		p.fail(key, v, err)
		return uint256.NewInt(def)
	}
	return n
}

// reservesFile is the YAML layout of RESERVES_FILE.
type reservesFile struct {
	Reserves []reserve.Bundle `yaml:"reserves"`
	Default  string           `yaml:"default"`
}

// LoadReserves reads reserve bundles from path. The returned id is the
// reserve new positions bind to by default, the first one unless the
// file names another.
func LoadReserves(path string) ([]reserve.Bundle, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read reserves: %w", err)
	}
	var f reservesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parse reserves %s: %w", path, err)
	}
	if len(f.Reserves) == 0 {
		return nil, "", fmt.Errorf("reserves %s: no reserves defined", path)
	}
	def := f.Default
	if def == "" {
		def = f.Reserves[0].ID
	}
	return f.Reserves, def, nil
}

// DefaultReserves is a single USDC reserve on the ETH/USD feed, used when
// no RESERVES_FILE is configured.
func DefaultReserves(controller, treasury common.Address) ([]reserve.Bundle, string) {
	return []reserve.Bundle{{
		ID: "USDC",
		Metadata: reserve.Metadata{
			Controller:   controller,
			Treasury:     treasury,
			DebtDecimals: 6,
			Active:       true,
		},
		Risk: reserve.RiskConfig{
			MaxLtvBps:                 7000,
			LiquidationThresholdBps:   8000,
			LiquidationBonusBps:       500,
			CloseFactorBps:            5000,
			ReserveFactorBps:          1000,
			LiquidationProtocolFeeBps: 100,
		},
		Rate: reserve.RateConfig{
			BaseRateBps:           200,
			Slope1Bps:             400,
			Slope2Bps:             6000,
			OptimalUtilizationBps: 8000,
			OriginationFeeBps:     10,
		},
		Oracle: reserve.OracleConfig{
			PriceID:             common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"),
			HeartbeatSeconds:    60,
			MaxStalenessSeconds: 120,
			MaxConfidenceBps:    100,
			MaxDeviationBps:     2000,
		},
	}}, "USDC"
}
