package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"presale-settlement/internal/sale"
	"presale-settlement/internal/service"
)

type configView struct {
	StageDuration       string `json:"stage_duration"`
	StageCount          int    `json:"stage_count"`
	InitialPriceCents   uint64 `json:"initial_price_cents"`
	PriceIncrementCents uint64 `json:"price_increment_cents"`
	PriceCeilingCents   uint64 `json:"price_ceiling_cents"`
	SlippageBps         uint16 `json:"slippage_bps"`
	OracleStaleness     string `json:"oracle_staleness"`
}

func newConfigView(cfg sale.Config) configView {
	return configView{
		StageDuration:       cfg.StageDuration.String(),
		StageCount:          cfg.StageCount,
		InitialPriceCents:   cfg.InitialPrice,
		PriceIncrementCents: cfg.PriceIncrement,
		PriceCeilingCents:   cfg.LaunchPriceCeiling,
		SlippageBps:         cfg.SlippageBps,
		OracleStaleness:     cfg.OracleStaleness.String(),
	}
}

type saleResponse struct {
	Now            time.Time  `json:"now"`
	Started        bool       `json:"started"`
	Active         bool       `json:"active"`
	Start          *time.Time `json:"start,omitempty"`
	End            *time.Time `json:"end,omitempty"`
	Stage          *int       `json:"stage,omitempty"`
	UnitPriceCents string     `json:"unit_price_cents,omitempty"`
	TotalSold      string     `json:"total_sold"`
	Stock          string     `json:"stock"`
	Assets         []string   `json:"assets"`
	Config         configView `json:"config"`
}

func (s *Server) getSale(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := saleResponse{
		Now:       status.Now,
		Started:   status.Started,
		Active:    status.Active,
		TotalSold: status.TotalSold.Dec(),
		Stock:     status.Stock.Dec(),
		Config:    newConfigView(status.Config),
	}
	if status.Started {
		start := status.Start
		resp.Start = &start
	}
	if !status.End.IsZero() {
		end := status.End
		resp.End = &end
	}
	if status.Active {
		stage := status.Stage
		resp.Stage = &stage
		resp.UnitPriceCents = status.UnitPrice.Dec()
	}
	for _, a := range s.svc.Engine().Assets() {
		resp.Assets = append(resp.Assets, a.Symbol)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type quoteQuery struct {
	Asset    string `validate:"required,alphanum,max=16"`
	Quantity string `validate:"required,number"`
}

type quoteResponse struct {
	Asset          string    `json:"asset"`
	Quantity       string    `json:"quantity"`
	Stage          int       `json:"stage"`
	UnitPriceCents string    `json:"unit_price_cents"`
	ReferenceRate  string    `json:"reference_rate"`
	PaymentRate    string    `json:"payment_rate"`
	Required       string    `json:"required"`
	LowerBound     string    `json:"lower_bound"`
	At             time.Time `json:"at"`
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	q := quoteQuery{
		Asset:    strings.TrimSpace(r.URL.Query().Get("asset")),
		Quantity: strings.TrimSpace(r.URL.Query().Get("quantity")),
	}
	if err := s.validate.Struct(q); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	quantity, err := parseAmount(q.Quantity)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	quote, err := s.svc.Quote(r.Context(), q.Asset, quantity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, quoteResponse{
		Asset:          quote.Asset,
		Quantity:       quote.Quantity.Dec(),
		Stage:          quote.Stage,
		UnitPriceCents: quote.UnitPrice.Dec(),
		ReferenceRate:  quote.ReferenceRate.Dec(),
		PaymentRate:    quote.PaymentRate.Dec(),
		Required:       quote.Required.Dec(),
		LowerBound:     quote.LowerBound.Dec(),
		At:             quote.At,
	})
}

type purchaseRequest struct {
	Asset    string `json:"asset" validate:"required,alphanum,max=16"`
	Quantity string `json:"quantity" validate:"required,number"`
	Offered  string `json:"offered" validate:"omitempty,number"`
}

type receiptResponse struct {
	ID             string    `json:"id"`
	Buyer          string    `json:"buyer"`
	Asset          string    `json:"asset"`
	Quantity       string    `json:"quantity"`
	Stage          int       `json:"stage"`
	UnitPriceCents string    `json:"unit_price_cents"`
	Required       string    `json:"required"`
	LowerBound     string    `json:"lower_bound"`
	Paid           string    `json:"paid"`
	Refunded       string    `json:"refunded"`
	SettledAt      time.Time `json:"settled_at"`
}

func (s *Server) postPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	quantity, err := parseAmount(req.Quantity)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	offered := new(uint256.Int)
	if req.Offered != "" {
		if offered, err = parseAmount(req.Offered); err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}

	receipt, err := s.svc.Purchase(r.Context(), sale.PurchaseRequest{
		Buyer:    callerFrom(r.Context()),
		Quantity: quantity,
		Asset:    req.Asset,
		Offered:  offered,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, receiptResponse{
		ID:             receipt.ID.String(),
		Buyer:          receipt.Buyer.Hex(),
		Asset:          receipt.Asset,
		Quantity:       receipt.Quantity.Dec(),
		Stage:          receipt.Stage,
		UnitPriceCents: receipt.UnitPrice.Dec(),
		Required:       receipt.Required.Dec(),
		LowerBound:     receipt.LowerBound.Dec(),
		Paid:           receipt.Paid.Dec(),
		Refunded:       receipt.Refunded.Dec(),
		SettledAt:      receipt.At,
	})
}

type approvalRequest struct {
	Asset  string `json:"asset" validate:"required,alphanum,max=16"`
	Amount string `json:"amount" validate:"required,number"`
}

func (s *Server) postApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := s.svc.Approve(r.Context(), callerFrom(r.Context()), req.Asset, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"asset":   strings.ToUpper(req.Asset),
		"spender": s.svc.Engine().Holder().Hex(),
		"amount":  amount.Dec(),
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	caller := callerFrom(r.Context())
	balance, decimals, err := s.svc.Balance(r.Context(), asset, caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset":    strings.ToUpper(asset),
		"account":  caller.Hex(),
		"balance":  balance.Dec(),
		"decimals": decimals,
	})
}

type startRequest struct {
	At *time.Time `json:"at"`
}

func (s *Server) postStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	start, err := s.svc.StartSale(r.Context(), callerFrom(r.Context()), at)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]time.Time{"start": start})
}

type configRequest struct {
	StageDuration       *string `json:"stage_duration" validate:"omitempty"`
	StageCount          *int    `json:"stage_count" validate:"omitempty,min=1"`
	InitialPriceCents   *uint64 `json:"initial_price_cents"`
	PriceIncrementCents *uint64 `json:"price_increment_cents"`
	PriceCeilingCents   *uint64 `json:"price_ceiling_cents"`
	SlippageBps         *uint16 `json:"slippage_bps" validate:"omitempty,max=500"`
	OracleStaleness     *string `json:"oracle_staleness" validate:"omitempty"`
}

func (req configRequest) update() (service.ConfigUpdate, error) {
	u := service.ConfigUpdate{
		StageCount:         req.StageCount,
		InitialPrice:       req.InitialPriceCents,
		PriceIncrement:     req.PriceIncrementCents,
		LaunchPriceCeiling: req.PriceCeilingCents,
		SlippageBps:        req.SlippageBps,
	}
	if req.StageDuration != nil {
		d, err := time.ParseDuration(*req.StageDuration)
		if err != nil {
			return u, fmt.Errorf("stage_duration: %w", err)
		}
		u.StageDuration = &d
	}
	if req.OracleStaleness != nil {
		d, err := time.ParseDuration(*req.OracleStaleness)
		if err != nil {
			return u, fmt.Errorf("oracle_staleness: %w", err)
		}
		u.OracleStaleness = &d
	}
	return u, nil
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !s.decode(w, r, &req) {
		return
	}
	update, err := req.update()
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	applied, err := s.svc.UpdateConfig(callerFrom(r.Context()), update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"applied": applied,
		"config":  newConfigView(s.svc.Engine().Config()),
	})
}

type withdrawRequest struct {
	Asset  string `json:"asset" validate:"required,alphanum,max=16"`
	To     string `json:"to" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,number"`
}

type withdrawAllRequest struct {
	Asset string `json:"asset" validate:"required,alphanum,max=16"`
	To    string `json:"to" validate:"required,eth_addr"`
}

type withdrawalResponse struct {
	ID     string    `json:"id"`
	Asset  string    `json:"asset"`
	To     string    `json:"to"`
	Amount string    `json:"amount"`
	At     time.Time `json:"at"`
}

func (s *Server) postWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.withdraw(w, r, req.Asset, req.To, amount)
}

func (s *Server) postWithdrawAll(w http.ResponseWriter, r *http.Request) {
	var req withdrawAllRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.withdraw(w, r, req.Asset, req.To, nil)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request, asset, to string, amount *uint256.Int) {
	out, err := s.svc.Withdraw(r.Context(), callerFrom(r.Context()), asset, common.HexToAddress(to), amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, withdrawalResponse{
		ID:     out.ID.String(),
		Asset:  out.Asset,
		To:     out.To.Hex(),
		Amount: out.Amount.Dec(),
		At:     out.At,
	})
}

func (s *Server) postBurnUnsold(w http.ResponseWriter, r *http.Request) {
	burned, err := s.svc.BurnUnsold(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"burned": burned.Dec()})
}

type mintRequest struct {
	Asset  string `json:"asset" validate:"required,alphanum,max=16"`
	To     string `json:"to" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,number"`
}

func (s *Server) postMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	to := common.HexToAddress(req.To)
	if err := s.svc.Mint(r.Context(), callerFrom(r.Context()), req.Asset, to, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"asset":  strings.ToUpper(req.Asset),
		"to":     to.Hex(),
		"amount": amount.Dec(),
	})
}

// decode reads a JSON body into dst and validates it. An empty body decodes as {}.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			s.badRequest(w, "invalid payload: "+err.Error())
			return false
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		s.badRequest(w, err.Error())
		return false
	}
	return true
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}
