package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/collateral-bridge/internal/chain"
	"github.com/atmx/collateral-bridge/internal/credit"
	"github.com/atmx/collateral-bridge/internal/fixedpoint"
	"github.com/atmx/collateral-bridge/internal/model"
	"github.com/atmx/collateral-bridge/internal/store"
)

// --- Request/Response types ---

// CreateOrderRequest is the JSON body for POST /chain-a/orders. Like the
// from fields below, Owner may be left empty and defaults to the token
// subject.
type CreateOrderRequest struct {
	Owner string `json:"owner"`
}

// FundRequest is the JSON body for the fund and fund-notify calls.
type FundRequest struct {
	From          string           `json:"from"`
	AmountEth     decimal.Decimal  `json:"amount_eth"`
	MessageFeeWei *decimal.Decimal `json:"message_fee_wei,omitempty"` // fund-notify only
}

// CallerRequest carries only the calling identity.
type CallerRequest struct {
	From string `json:"from"`
}

// LiquidateRequest is the JSON body for POST .../liquidate.
type LiquidateRequest struct {
	From   string `json:"from"`
	Payout string `json:"payout"`
}

// BorrowRequest is the JSON body for POST /chain-b/positions/{id}/borrow.
type BorrowRequest struct {
	From          string           `json:"from"`
	Amount        decimal.Decimal  `json:"amount"` // debt asset units, e.g. "2000.50"
	PriceUpdate   string           `json:"price_update"`
	MaxAgeSeconds uint64           `json:"max_age_seconds"`
	UpdateFeeWei  *decimal.Decimal `json:"update_fee_wei"`
}

// RepayRequest is the JSON body for POST /chain-b/positions/{id}/repay.
type RepayRequest struct {
	From          string           `json:"from"`
	Amount        decimal.Decimal  `json:"amount"`
	Notify        bool             `json:"notify"`
	MessageFeeWei *decimal.Decimal `json:"message_fee_wei,omitempty"`
}

// TransferRequest is the JSON body for POST /chain-b/reserves/{id}/transfer.
type TransferRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderView is the JSON form of an Order.
type OrderView struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	AmountEth   decimal.Decimal   `json:"amount_eth"`
	UnlockedEth decimal.Decimal   `json:"unlocked_eth"`
	Status      model.OrderStatus `json:"status"`
	Funded      bool              `json:"funded"`
	Repaid      bool              `json:"repaid"`
	Liquidated  bool              `json:"liquidated"`
	Withdrawn   bool              `json:"withdrawn"`
	CreatedAt   time.Time         `json:"created_at"`
}

func orderView(o *model.Order) OrderView {
	return OrderView{
		ID:          o.ID.Hex(),
		Owner:       o.Owner.Hex(),
		AmountEth:   eth(o.AmountWei),
		UnlockedEth: eth(o.UnlockedWei),
		Status:      o.Status(),
		Funded:      o.Funded,
		Repaid:      o.Repaid,
		Liquidated:  o.Liquidated,
		Withdrawn:   o.Withdrawn,
		CreatedAt:   o.CreatedAt,
	}
}

// PositionView is the JSON form of a Position.
type PositionView struct {
	ID            string          `json:"id"`
	Borrower      string          `json:"borrower"`
	ReserveID     string          `json:"reserve_id"`
	CollateralEth decimal.Decimal `json:"collateral_eth"`
	Debt          decimal.Decimal `json:"debt"`
	ScaledDebt    string          `json:"scaled_debt_ray"`
	Open          bool            `json:"open"`
	FullyRepaid   bool            `json:"fully_repaid"`
	Liquidated    bool            `json:"liquidated"`
	OpenedAt      time.Time       `json:"opened_at"`
}

func (s *Server) positionView(p *model.Position) (PositionView, error) {
	b, err := s.Reserves.Get(p.ReserveID)
	if err != nil {
		return PositionView{}, err
	}
	debt, err := s.Credit.Debt(p.ID)
	if err != nil {
		return PositionView{}, err
	}
	return PositionView{
		ID:            p.ID.Hex(),
		Borrower:      p.Borrower.Hex(),
		ReserveID:     p.ReserveID,
		CollateralEth: eth(p.CollateralWei),
		Debt:          fixedpoint.ToDecimal(debt, b.Metadata.DebtDecimals),
		ScaledDebt:    p.ScaledDebt.Dec(),
		Open:          p.Open,
		FullyRepaid:   p.FullyRepaid,
		Liquidated:    p.Liquidated,
		OpenedAt:      p.OpenedAt,
	}, nil
}

// --- Chain A handlers ---

// CreateOrder handles POST /api/v1/chain-a/orders (createOrderId).
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	owner, err := callerOf(r, req.Owner)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var id common.Hash
	rcpt, err := s.ChainA.Submit(owner, "createOrderId", func() error {
		id = s.Collateral.CreateOrder(owner)
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": id.Hex(), "tx": info(rcpt)})
}

// GetOrder handles GET /api/v1/chain-a/orders/{orderID} (orders(id)).
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	o, err := s.Collateral.Order(id)
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, orderView(o))
}

// ListOrders handles GET /api/v1/chain-a/owners/{address}/orders.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := []OrderView{}
	for _, o := range s.Collateral.OrdersByOwner(owner) {
		views = append(views, orderView(o))
	}
	writeJSON(w, http.StatusOK, views)
}

// FundOrder handles POST /api/v1/chain-a/orders/{orderID}/fund.
func (s *Server) FundOrder(w http.ResponseWriter, r *http.Request) {
	id, from, amount, _, ok := s.fundArgs(w, r)
	if !ok {
		return
	}
	rcpt, err := s.ChainA.Submit(from, "fundOrder", func() error {
		return s.Collateral.FundOrder(id, from, amount)
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id.Hex(), "amount_eth": eth(amount), "tx": info(rcpt)})
}

// FundOrderWithNotify handles POST /api/v1/chain-a/orders/{orderID}/fund-notify.
func (s *Server) FundOrderWithNotify(w http.ResponseWriter, r *http.Request) {
	id, from, amount, fee, ok := s.fundArgs(w, r)
	if !ok {
		return
	}
	var (
		msgID  string
		refund *uint256.Int
	)
	rcpt, err := s.ChainA.Submit(from, "fundOrderWithNotify", func() error {
		m, rf, err := s.Collateral.FundOrderWithNotify(id, from, amount, fee)
		msgID, refund = m.String(), rf
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   id.Hex(),
		"amount_eth": eth(amount),
		"message_id": msgID,
		"refund_wei": refund.Dec(),
		"tx":         info(rcpt),
	})
}

func (s *Server) fundArgs(w http.ResponseWriter, r *http.Request) (common.Hash, common.Address, *uint256.Int, *uint256.Int, bool) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return common.Hash{}, common.Address{}, nil, nil, false
	}
	var req FundRequest
	if !decode(w, r, &req) {
		return common.Hash{}, common.Address{}, nil, nil, false
	}
	from, err := callerOf(r, req.From)
	if err != nil {
		writeFailure(w, err)
		return common.Hash{}, common.Address{}, nil, nil, false
	}
	amount, err := fixedpoint.FromDecimal(req.AmountEth, fixedpoint.WadDecimals)
	if err != nil {
		writeFailure(w, err)
		return common.Hash{}, common.Address{}, nil, nil, false
	}
	fee, err := wei(req.MessageFeeWei)
	if err != nil {
		writeFailure(w, err)
		return common.Hash{}, common.Address{}, nil, nil, false
	}
	return id, from, amount, fee, true
}

// Withdraw handles POST /api/v1/chain-a/orders/{orderID}/withdraw.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req CallerRequest
	if !decode(w, r, &req) {
		return
	}
	from, err := callerOf(r, req.From)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var amount *uint256.Int
	rcpt, err := s.ChainA.Submit(from, "withdraw", func() error {
		var err error
		amount, err = s.Collateral.Withdraw(id, from)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id.Hex(), "amount_eth": eth(amount), "tx": info(rcpt)})
}

// Liquidate handles POST /api/v1/chain-a/orders/{orderID}/liquidate (adminLiquidate).
func (s *Server) Liquidate(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	from, err := callerOf(r, req.From)
	if err != nil {
		writeFailure(w, err)
		return
	}
	payout, err := parseAddress(req.Payout)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var amount *uint256.Int
	rcpt, err := s.ChainA.Submit(from, "adminLiquidate", func() error {
		var err error
		amount, err = s.Collateral.AdminLiquidate(from, id, payout)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id.Hex(), "amount_eth": eth(amount), "tx": info(rcpt)})
}

// --- Chain B handlers ---

// GetPosition handles GET /api/v1/chain-b/positions/{orderID} (positions(id)).
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	p, err := s.Credit.Position(id)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	view, err := s.positionView(p)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListPositions handles GET /api/v1/chain-b/borrowers/{address}/positions.
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	borrower, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := []PositionView{}
	for _, p := range s.Credit.PositionsByBorrower(borrower) {
		view, err := s.positionView(p)
		if err != nil {
			writeFailure(w, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetHealth handles GET /api/v1/chain-b/positions/{orderID}/health?price_usd=2000.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	price, err := decimal.NewFromString(r.URL.Query().Get("price_usd"))
	if err != nil || !price.IsPositive() {
		writeError(w, "price_usd must be a positive decimal", http.StatusBadRequest)
		return
	}
	priceWad, err := fixedpoint.FromDecimal(price, fixedpoint.WadDecimals)
	if err != nil {
		writeFailure(w, err)
		return
	}
	h, err := s.Credit.Health(id, priceWad)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// Borrow handles POST /api/v1/chain-b/positions/{orderID}/borrow.
func (s *Server) Borrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req BorrowRequest
	if !decode(w, r, &req) {
		return
	}
	from, err := callerOf(r, req.From)
	if err != nil {
		writeFailure(w, err)
		return
	}
	decimals, err := s.debtDecimals(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	amount, err := fixedpoint.FromDecimal(req.Amount, decimals)
	if err != nil {
		writeFailure(w, err)
		return
	}
	update, err := hexutil.Decode(req.PriceUpdate)
	if err != nil {
		writeError(w, "price_update must be 0x-prefixed hex", http.StatusBadRequest)
		return
	}
	fee, err := wei(req.UpdateFeeWei)
	if err != nil {
		writeFailure(w, err)
		return
	}

	var res *credit.BorrowResult
	rcpt, err := s.ChainB.Submit(from, "borrow", func() error {
		var err error
		res, err = s.Credit.Borrow(from, credit.BorrowRequest{
			OrderID:       id,
			Amount:        amount,
			PriceUpdate:   update,
			MaxAgeSeconds: req.MaxAgeSeconds,
			UpdateFeePaid: fee,
		})
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":        id.Hex(),
		"amount":          fixedpoint.ToDecimal(res.Amount, decimals),
		"origination_fee": fixedpoint.ToDecimal(res.OriginationFee, decimals),
		"debt":            fixedpoint.ToDecimal(res.Debt, decimals),
		"price_usd":       fixedpoint.ToDecimal(res.PriceWad, fixedpoint.WadDecimals),
		"refund_wei":      res.Refund.Dec(),
		"tx":              info(rcpt),
	})
}

// Repay handles POST /api/v1/chain-b/positions/{orderID}/repay.
func (s *Server) Repay(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req RepayRequest
	if !decode(w, r, &req) {
		return
	}
	from, err := callerOf(r, req.From)
	if err != nil {
		writeFailure(w, err)
		return
	}
	decimals, err := s.debtDecimals(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	amount, err := fixedpoint.FromDecimal(req.Amount, decimals)
	if err != nil {
		writeFailure(w, err)
		return
	}
	fee, err := wei(req.MessageFeeWei)
	if err != nil {
		writeFailure(w, err)
		return
	}

	var res *credit.RepayResult
	rcpt, err := s.ChainB.Submit(from, "repay", func() error {
		var err error
		res, err = s.Credit.Repay(from, id, amount, req.Notify, fee)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	body := map[string]any{
		"order_id":           id.Hex(),
		"amount":             fixedpoint.ToDecimal(res.Amount, decimals),
		"remaining_debt_ray": res.RemainingDebtRay.Dec(),
		"fully_repaid":       res.FullyRepaid,
		"unlock_eth":         eth(res.UnlockWei),
		"tx":                 info(rcpt),
	}
	if res.Refund != nil {
		body["message_id"] = res.MessageID.String()
		body["refund_wei"] = res.Refund.Dec()
	}
	writeJSON(w, http.StatusOK, body)
}

// Transfer handles POST /api/v1/chain-b/reserves/{reserveID}/transfer. A
// borrower tops up the fee and interest part of a full repayment this way.
func (s *Server) Transfer(w http.ResponseWriter, r *http.Request) {
	reserveID := chi.URLParam(r, "reserveID")
	b, err := s.Reserves.Get(reserveID)
	if err != nil {
		writeError(w, "reserve not found", http.StatusNotFound)
		return
	}
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	from, err := callerOf(r, req.From)
	if err != nil {
		writeFailure(w, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeFailure(w, err)
		return
	}
	amount, err := fixedpoint.FromDecimal(req.Amount, b.Metadata.DebtDecimals)
	if err != nil {
		writeFailure(w, err)
		return
	}
	rcpt, err := s.ChainB.Submit(from, "transfer", func() error {
		return s.Credit.Transfer(from, reserveID, to, amount)
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reserve_id": reserveID,
		"from":       from.Hex(),
		"to":         to.Hex(),
		"amount":     fixedpoint.ToDecimal(amount, b.Metadata.DebtDecimals),
		"tx":         info(rcpt),
	})
}

// GetBalance handles GET /api/v1/chain-b/reserves/{reserveID}/balances/{address}.
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	reserveID := chi.URLParam(r, "reserveID")
	b, err := s.Reserves.Get(reserveID)
	if err != nil {
		writeError(w, "reserve not found", http.StatusNotFound)
		return
	}
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	bal, err := s.Credit.BalanceOf(reserveID, addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reserve_id": reserveID,
		"address":    addr.Hex(),
		"balance":    fixedpoint.ToDecimal(bal, b.Metadata.DebtDecimals),
	})
}

func (s *Server) debtDecimals(id common.Hash) (uint8, error) {
	p, err := s.Credit.Position(id)
	if err != nil {
		return 0, err
	}
	b, err := s.Reserves.Get(p.ReserveID)
	if err != nil {
		return 0, err
	}
	return b.Metadata.DebtDecimals, nil
}

// --- Shared read handlers ---

// ListReserves handles GET /api/v1/reserves.
func (s *Server) ListReserves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Reserves.List())
}

// GetReserve handles GET /api/v1/reserves/{reserveID}, returning the
// bundle and its accrued interest state.
func (s *Server) GetReserve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reserveID")
	b, err := s.Reserves.Get(id)
	if err != nil {
		writeError(w, "reserve not found", http.StatusNotFound)
		return
	}
	state, err := s.Credit.State(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reserve": b, "state": state})
}

// GetPrice handles GET /api/v1/oracle/{feedID}: the last accepted price
// for a feed and the fee charged per update.
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	feed, err := parseHash(chi.URLParam(r, "feedID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	body := map[string]any{
		"feed_id":        feed.Hex(),
		"update_fee_wei": s.Gate.UpdateFee().Dec(),
	}
	if price, ok := s.Gate.LastPrice(feed); ok {
		body["price_usd"] = fixedpoint.ToDecimal(price, fixedpoint.WadDecimals)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) chainByID(id string) (*chain.Local, bool) {
	switch model.ChainID(id) {
	case model.ChainA:
		return s.ChainA, true
	case model.ChainB:
		return s.ChainB, true
	}
	return nil, false
}

// GetReceipt handles GET /api/v1/receipts/{chain}/{txHash}.
func (s *Server) GetReceipt(w http.ResponseWriter, r *http.Request) {
	c, ok := s.chainByID(chi.URLParam(r, "chain"))
	if !ok {
		writeError(w, "chain must be A or B", http.StatusBadRequest)
		return
	}
	hash, err := parseHash(chi.URLParam(r, "txHash"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	rcpt, err := c.Receipt(r.Context(), hash)
	if errors.Is(err, model.ErrTxNotFound) {
		writeError(w, "receipt not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// ListEvents handles GET /api/v1/events/{chain}?after=0&limit=100.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chain")
	if _, ok := s.chainByID(id); !ok {
		writeError(w, "chain must be A or B", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	after, _ := strconv.ParseUint(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := s.Journal.Since(r.Context(), model.ChainID(id), after, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
