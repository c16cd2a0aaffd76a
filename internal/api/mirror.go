package api

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/collateral-bridge/internal/relay"
	"github.com/atmx/collateral-bridge/internal/store"
)

// MirrorRelayRequest is the JSON body for POST /mirror/relay.
type MirrorRelayRequest struct {
	OrderID            string           `json:"orderId"`
	TxHash             string           `json:"txHash"`
	CollateralToUnlock *decimal.Decimal `json:"collateralToUnlock"` // wei
	FullyRepaid        bool             `json:"fullyRepaid"`
	ReserveID          string           `json:"reserveId"`
	Borrower           string           `json:"borrower"`
}

// MirrorWithdrawRequest is the JSON body for POST /mirror/withdraw.
type MirrorWithdrawRequest struct {
	OrderID              string           `json:"orderId"`
	TxHash               string           `json:"txHash"`
	CollateralToWithdraw *decimal.Decimal `json:"collateralToWithdraw"` // wei
	FullyRepaid          bool             `json:"fullyRepaid"`
	ReserveID            string           `json:"reserveId"`
	Receiver             string           `json:"receiver"`
}

// MirrorOpenRequest is the JSON body for POST /mirror/open.
type MirrorOpenRequest struct {
	OrderID   string `json:"orderId"`
	TxHash    string `json:"txHash"`
	ReserveID string `json:"reserveId"`
	Borrower  string `json:"borrower"`
}

// MirrorLiquidationRequest is the JSON body for POST /mirror/liquidation.
type MirrorLiquidationRequest struct {
	OrderID string `json:"orderId"`
	TxHash  string `json:"txHash"`
}

// MirrorResponse is the body of every successful /mirror call.
type MirrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TxHash  string `json:"txHash,omitempty"`
	Amount  string `json:"amount,omitempty"` // wei
}

func mirrorOK(w http.ResponseWriter, res *relay.Result, message string) {
	resp := MirrorResponse{Success: true, Message: message}
	if !res.AlreadySettled && res.TxHash != (common.Hash{}) {
		resp.TxHash = res.TxHash.Hex()
	}
	if res.Amount != nil {
		resp.Amount = res.Amount.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

// MirrorRelay handles POST /mirror/relay: mirror a credit-side repayment
// onto the collateral ledger.
func (s *Server) MirrorRelay(w http.ResponseWriter, r *http.Request) {
	var req MirrorRelayRequest
	if !decode(w, r, &req) {
		return
	}
	orderID, err := parseHash(req.OrderID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	txHash, err := parseHash(req.TxHash)
	if err != nil {
		writeFailure(w, err)
		return
	}
	borrower, err := parseOptionalAddress(req.Borrower)
	if err != nil {
		writeFailure(w, err)
		return
	}
	unlock, err := wei(req.CollateralToUnlock)
	if err != nil {
		writeFailure(w, err)
		return
	}

	res, err := s.Relay.Relay(r.Context(), relay.RepaymentRequest{
		OrderID:            orderID,
		TxHash:             txHash,
		CollateralToUnlock: unlock,
		FullyRepaid:        req.FullyRepaid,
		ReserveID:          req.ReserveID,
		Borrower:           borrower,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if res.AlreadySettled {
		mirrorOK(w, res, "already relayed")
		return
	}
	mirrorOK(w, res, "repayment mirrored")
}

// MirrorWithdraw handles POST /mirror/withdraw: mirror a repayment and
// release the collateral to the order owner. A transaction that was
// already relayed is rejected.
func (s *Server) MirrorWithdraw(w http.ResponseWriter, r *http.Request) {
	var req MirrorWithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	orderID, err := parseHash(req.OrderID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	txHash, err := parseHash(req.TxHash)
	if err != nil {
		writeFailure(w, err)
		return
	}
	receiver, err := parseOptionalAddress(req.Receiver)
	if err != nil {
		writeFailure(w, err)
		return
	}
	amount, err := wei(req.CollateralToWithdraw)
	if err != nil {
		writeFailure(w, err)
		return
	}

	res, err := s.Relay.Withdraw(r.Context(), relay.WithdrawRequest{
		OrderID:              orderID,
		TxHash:               txHash,
		CollateralToWithdraw: amount,
		FullyRepaid:          req.FullyRepaid,
		ReserveID:            req.ReserveID,
		Receiver:             receiver,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	// A replayed withdraw is a 400 on purpose, unlike the other mirror
	// calls; clients match on this message. Nothing is paid out twice.
	if res.AlreadySettled {
		writeError(w, "Transaction already sent", http.StatusBadRequest)
		return
	}
	mirrorOK(w, res, "collateral released")
}

// MirrorOpen handles POST /mirror/open: open the credit position for a
// funded order.
func (s *Server) MirrorOpen(w http.ResponseWriter, r *http.Request) {
	var req MirrorOpenRequest
	if !decode(w, r, &req) {
		return
	}
	orderID, err := parseHash(req.OrderID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	txHash, err := parseHash(req.TxHash)
	if err != nil {
		writeFailure(w, err)
		return
	}
	borrower, err := parseOptionalAddress(req.Borrower)
	if err != nil {
		writeFailure(w, err)
		return
	}

	res, err := s.Relay.Open(r.Context(), relay.OpenRequest{
		OrderID:   orderID,
		TxHash:    txHash,
		ReserveID: req.ReserveID,
		Borrower:  borrower,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if res.AlreadySettled {
		mirrorOK(w, res, "already opened")
		return
	}
	mirrorOK(w, res, "position opened")
}

// MirrorLiquidation handles POST /mirror/liquidation: close the credit
// position of a liquidated order.
func (s *Server) MirrorLiquidation(w http.ResponseWriter, r *http.Request) {
	var req MirrorLiquidationRequest
	if !decode(w, r, &req) {
		return
	}
	orderID, err := parseHash(req.OrderID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	txHash, err := parseHash(req.TxHash)
	if err != nil {
		writeFailure(w, err)
		return
	}

	res, err := s.Relay.Liquidate(r.Context(), relay.LiquidationRequest{OrderID: orderID, TxHash: txHash})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if res.AlreadySettled {
		mirrorOK(w, res, "already liquidated")
		return
	}
	mirrorOK(w, res, "position liquidated")
}

// MirrorStatus handles GET /mirror/status/{key}.
func (s *Server) MirrorStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Relay.Status(r.Context(), chi.URLParam(r, "key"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "unknown key", http.StatusNotFound)
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
