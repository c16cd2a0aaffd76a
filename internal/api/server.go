// Package api exposes the relay admin surface (/mirror/*) and the ledger
// method surface (/api/v1/...) over HTTP. Every ledger call runs as a
// transaction on its in-process chain so callers get a tx hash that the
// relay can later be pointed at.
//
// Amounts are human decimals (shopspring/decimal) on the way in and out,
// converted exactly to base units; wei-denominated fees are integers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/collateral-bridge/internal/chain"
	"github.com/atmx/collateral-bridge/internal/collateral"
	"github.com/atmx/collateral-bridge/internal/credit"
	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/messenger"
	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/oracle"
	"github.com/atmx/collateral-bridge/internal/relay"
	"github.com/atmx/collateral-bridge/internal/reserve"
	"github.com/atmx/collateral-bridge/internal/store"
)

// Deps are the components the handlers drive.
type Deps struct {
	ChainA     *chain.Local
	ChainB     *chain.Local
	Collateral *collateral.Ledger
	Credit     *credit.Ledger
	Reserves   *reserve.Registry
	Gate       *oracle.Gate
	Bus        *messenger.Bus
	Relay      *relay.Service
	Journal    store.Journal
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
}

// NewServer creates the handlers over d.
func NewServer(d Deps) *Server {
	return &Server{Deps: d}
}

// Routes mounts every handler on r. auth verifies the caller's token;
// it guards every state-changing call, and the relay, messenger and
// liquidation endpoints additionally require the admin as subject.
func (s *Server) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/mirror", func(r chi.Router) {
		r.Use(auth, s.requireAdmin)
		r.Post("/relay", s.MirrorRelay)
		r.Post("/withdraw", s.MirrorWithdraw)
		r.Post("/open", s.MirrorOpen)
		r.Post("/liquidation", s.MirrorLiquidation)
		r.Get("/status/{key}", s.MirrorStatus)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/reserves", s.ListReserves)
		r.Get("/reserves/{reserveID}", s.GetReserve)
		r.Get("/receipts/{chain}/{txHash}", s.GetReceipt)
		r.Get("/events/{chain}", s.ListEvents)
		r.Get("/oracle/{feedID}", s.GetPrice)

		r.Route("/chain-a", func(r chi.Router) {
			r.Get("/orders/{orderID}", s.GetOrder)
			r.Get("/owners/{address}/orders", s.ListOrders)
			r.Group(func(r chi.Router) {
				r.Use(auth)
				r.Post("/orders", s.CreateOrder)
				r.Post("/orders/{orderID}/fund", s.FundOrder)
				r.Post("/orders/{orderID}/fund-notify", s.FundOrderWithNotify)
				r.Post("/orders/{orderID}/withdraw", s.Withdraw)
				r.With(s.requireAdmin).Post("/orders/{orderID}/liquidate", s.Liquidate)
			})
		})

		r.Route("/chain-b", func(r chi.Router) {
			r.Get("/positions/{orderID}", s.GetPosition)
			r.Get("/positions/{orderID}/health", s.GetHealth)
			r.Get("/horders/{orderID}", s.GetPosition)
			r.Get("/borrowers/{address}/positions", s.ListPositions)
			r.Get("/reserves/{reserveID}/balances/{address}", s.GetBalance)
			r.Group(func(r chi.Router) {
				r.Use(auth)
				r.Post("/positions/{orderID}/borrow", s.Borrow)
				r.Post("/positions/{orderID}/repay", s.Repay)
				// Method names used by the credit contract's scripts.
				r.Post("/positions/{orderID}/withdraw-credit", s.Borrow)
				r.Post("/positions/{orderID}/repay-credit", s.Repay)
				r.Post("/reserves/{reserveID}/transfer", s.Transfer)
			})
		})

		r.Route("/messenger", func(r chi.Router) {
			r.Use(auth, s.requireAdmin)
			r.Get("/", s.MessengerStatus)
			r.Post("/pump", s.MessengerPump)
			r.Post("/faults", s.MessengerFaults)
		})
	})
}

// --- Helpers ---

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// writeFailure maps a classified error to its HTTP status.
func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch model.ClassOf(err) {
	case model.ClassAuthorization:
		return http.StatusForbidden
	case model.ClassState:
		return http.StatusConflict
	case model.ClassValidation, model.ClassOracle, model.ClassMath:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%q is not a 32-byte hex hash: %w", s, model.ErrInvalidInput)
	}
	return common.BytesToHash(b), nil
}

// parseOptionalAddress accepts "" as the zero address.
func parseOptionalAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return parseAddress(s)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address: %w", s, model.ErrInvalidInput)
	}
	return common.HexToAddress(s), nil
}

// wei converts an integer wei amount; a nil decimal is zero.
func wei(d *decimal.Decimal) (*uint256.Int, error) {
	if d == nil {
		return new(uint256.Int), nil
	}
	return fixedpoint.FromDecimal(*d, 0)
}

// txInfo is the receipt summary included in ledger responses.
type txInfo struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

func info(r *chain.Receipt) txInfo {
	return txInfo{TxHash: r.TxHash.Hex(), BlockNumber: r.BlockNumber}
}

func eth(x *uint256.Int) decimal.Decimal {
	return fixedpoint.ToDecimal(x, fixedpoint.WadDecimals)
}
