package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atmx/perp-engine/internal/clearing"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/symbol"
	"github.com/atmx/perp-engine/internal/vamm"
	"github.com/atmx/perp-engine/internal/vault"
)

// Routes registers the market and position endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.HandleCreateMarket)
	r.Route("/markets/{marketID}", func(r chi.Router) {
		r.Get("/", s.GetMarket)
		r.Put("/status", s.HandleSetStatus)
		r.Get("/price", s.GetPrice)
		r.Get("/quote", s.GetQuote)
		r.Get("/history", s.GetMarketHistory)
		r.Get("/funding", s.GetFundingHistory)
		r.Post("/funding", s.HandleSettleFunding)
		r.Post("/repeg", s.HandleRepeg)
		r.Post("/orders", s.HandleOrder)
		r.Post("/liquidations", s.HandleLiquidate)
		r.Get("/positions", s.ListPositions)
		r.Get("/positions/{trader}", s.GetPosition)
		r.Post("/positions/{trader}/close", s.HandleClose)
		r.Post("/positions/{trader}/margin", s.HandleAdjustMargin)
		r.Post("/positions/{trader}/funding", s.HandleSettlePositionFunding)
	})
	r.Get("/portfolio/{trader}", s.GetPortfolio)
}

// StatusRequest is the JSON body for PUT /markets/{marketID}/status.
type StatusRequest struct {
	Status model.MarketStatus `json:"status"`
}

// RepegRequest is the JSON body for POST /markets/{marketID}/repeg.
type RepegRequest struct {
	TargetPrice fixed.Decimal `json:"target_price"`
}

// MarginRequest is the JSON body for POST .../positions/{trader}/margin.
// A negative delta withdraws.
type MarginRequest struct {
	Delta fixed.Decimal `json:"delta"`
}

// LiquidateRequest is the JSON body for POST /markets/{marketID}/liquidations.
type LiquidateRequest struct {
	Trader     string `json:"trader"`
	Liquidator string `json:"liquidator"`
}

// --- Markets ---

// HandleCreateMarket handles POST /api/v1/markets
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.Markets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleSetStatus handles PUT /api/v1/markets/{marketID}/status
func (s *Service) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.SetStatus(r.Context(), chi.URLParam(r, "marketID"), req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	v, err := s.Price(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?direction=long&notional=100
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	notional, err := fixed.NewFromString(r.URL.Query().Get("notional"))
	if err != nil {
		writeErrorMessage(w, "notional must be a decimal", http.StatusBadRequest)
		return
	}
	dir := model.Direction(r.URL.Query().Get("direction"))
	q, err := s.Quote(r.Context(), chi.URLParam(r, "marketID"), dir, notional)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.History(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetFundingHistory handles GET /api/v1/markets/{marketID}/funding
func (s *Service) GetFundingHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.FundingHistory(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []model.FundingRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleSettleFunding handles POST /api/v1/markets/{marketID}/funding
func (s *Service) HandleSettleFunding(w http.ResponseWriter, r *http.Request) {
	res, err := s.SettleFunding(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRepeg handles POST /api/v1/markets/{marketID}/repeg
func (s *Service) HandleRepeg(w http.ResponseWriter, r *http.Request) {
	var req RepegRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Repeg(r.Context(), chi.URLParam(r, "marketID"), req.TargetPrice)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Positions ---

// HandleOrder handles POST /api/v1/markets/{marketID}/orders
func (s *Service) HandleOrder(w http.ResponseWriter, r *http.Request) {
	var order clearing.Order
	if !decode(w, r, &order) {
		return
	}
	res, err := s.Trade(r.Context(), chi.URLParam(r, "marketID"), order)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleClose handles POST /api/v1/markets/{marketID}/positions/{trader}/close
func (s *Service) HandleClose(w http.ResponseWriter, r *http.Request) {
	res, err := s.Close(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "trader"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleAdjustMargin handles POST /api/v1/markets/{marketID}/positions/{trader}/margin
func (s *Service) HandleAdjustMargin(w http.ResponseWriter, r *http.Request) {
	var req MarginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.AdjustMargin(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "trader"), req.Delta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleSettlePositionFunding handles POST /api/v1/markets/{marketID}/positions/{trader}/funding
func (s *Service) HandleSettlePositionFunding(w http.ResponseWriter, r *http.Request) {
	res, err := s.SettlePositionFunding(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "trader"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{trader}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	v, err := s.Position(r.Context(), chi.URLParam(r, "marketID"), chi.URLParam(r, "trader"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListPositions handles GET /api/v1/markets/{marketID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.Positions(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleLiquidate handles POST /api/v1/markets/{marketID}/liquidations
func (s *Service) HandleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.LiquidateTrader(r.Context(), chi.URLParam(r, "marketID"), req.Trader, req.Liquidator)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetPortfolio handles GET /api/v1/portfolio/{trader}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Encoding ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMessage(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code and writes it as JSON.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		writeErrorMessage(w, "internal error", status)
		return
	}
	writeErrorMessage(w, err.Error(), status)
}

func writeErrorMessage(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// StatusFor returns the HTTP status for an action error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, clearing.ErrInvalidOrder),
		errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrInvalidQuote),
		errors.Is(err, vamm.ErrInvalidAmount),
		errors.Is(err, fixed.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, clearing.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrExists),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, clearing.ErrInsufficientMargin),
		errors.Is(err, clearing.ErrMarketPaused),
		errors.Is(err, vamm.ErrTradeTooSmall),
		errors.Is(err, vamm.ErrInsufficientLiquidity),
		errors.Is(err, vamm.ErrRepegBudgetExceeded),
		errors.Is(err, vault.ErrInsufficientFunds),
		errors.Is(err, liquidation.ErrNotLiquidatable),
		errors.Is(err, fixed.ErrOverflow),
		isLimitError(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func isLimitError(err error) bool {
	return errors.Is(err, limits.ErrNotionalTooLarge) ||
		errors.Is(err, limits.ErrOpenInterestExceeded) ||
		errors.Is(err, limits.ErrHoldingExceeded) ||
		errors.Is(err, limits.ErrPriceDivergence)
}
