package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tokendesk/position-engine/internal/lifecycle"
	"github.com/tokendesk/position-engine/internal/model"
	"github.com/tokendesk/position-engine/internal/store"
)

// Handler exposes Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handler set for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the position and limit-order endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/positions", h.ListPositions)
	r.Post("/positions", h.OpenPosition)
	r.Get("/positions/{positionID}", h.GetPosition)
	r.Delete("/positions/{positionID}", h.DeletePosition)
	r.Post("/positions/{positionID}/sell", h.SellPosition)
	r.Put("/positions/{positionID}/rebuy", h.ConfigureRebuy)
	r.Delete("/positions/{positionID}/rebuy", h.CancelRebuy)
	r.Put("/positions/{positionID}/emergency", h.ConfigureEmergency)
	r.Delete("/positions/{positionID}/emergency", h.CancelEmergency)

	r.Get("/limit-orders", h.ListLimitOrders)
	r.Post("/limit-orders", h.CreateLimitOrder)
	r.Get("/limit-orders/{orderID}", h.GetLimitOrder)
	r.Delete("/limit-orders/{orderID}", h.CancelLimitOrder)
}

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.svc.OpenPosition(r.Context(), req)
	if err != nil {
		writeFailure(w, err, p)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPositions handles GET /api/v1/positions
// Filters: ?status=&rebuy_status=&emergency_status=&mint=&limit=
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.svc.ListPositions(r.Context(), store.PositionFilter{
		Status:              model.PositionStatus(q.Get("status")),
		RebuyStatus:         model.RebuyStatus(q.Get("rebuy_status")),
		EmergencySellStatus: model.EmergencyStatus(q.Get("emergency_status")),
		TokenMint:           q.Get("mint"),
		Limit:               limit,
	})
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePosition handles DELETE /api/v1/positions/{positionID}
func (h *Handler) DeletePosition(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeletePosition(r.Context(), chi.URLParam(r, "positionID")); err != nil {
		writeFailure(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SellPosition handles POST /api/v1/positions/{positionID}/sell
func (h *Handler) SellPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.ManualSell(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeFailure(w, err, p)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ConfigureRebuy handles PUT /api/v1/positions/{positionID}/rebuy
func (h *Handler) ConfigureRebuy(w http.ResponseWriter, r *http.Request) {
	var cfg RebuyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.svc.ConfigureRebuy(r.Context(), chi.URLParam(r, "positionID"), cfg)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelRebuy handles DELETE /api/v1/positions/{positionID}/rebuy
func (h *Handler) CancelRebuy(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.CancelRebuy(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ConfigureEmergency handles PUT /api/v1/positions/{positionID}/emergency
func (h *Handler) ConfigureEmergency(w http.ResponseWriter, r *http.Request) {
	var cfg EmergencyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := h.svc.ConfigureEmergency(r.Context(), chi.URLParam(r, "positionID"), cfg)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelEmergency handles DELETE /api/v1/positions/{positionID}/emergency
func (h *Handler) CancelEmergency(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.CancelEmergency(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateLimitOrder handles POST /api/v1/limit-orders
func (h *Handler) CreateLimitOrder(w http.ResponseWriter, r *http.Request) {
	var req LimitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	o, err := h.svc.CreateLimitOrder(r.Context(), req)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListLimitOrders handles GET /api/v1/limit-orders
// Filters: ?status=&mint=&limit=
func (h *Handler) ListLimitOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.svc.ListLimitOrders(r.Context(), store.LimitOrderFilter{
		Status:    model.OrderStatus(q.Get("status")),
		TokenMint: q.Get("mint"),
		Limit:     limit,
	})
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLimitOrder handles GET /api/v1/limit-orders/{orderID}
func (h *Handler) GetLimitOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetLimitOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelLimitOrder handles DELETE /api/v1/limit-orders/{orderID}
func (h *Handler) CancelLimitOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.CancelLimitOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// StatusFor maps a service error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), lifecycle.IsRiskError(err):
		return http.StatusConflict
	case errors.Is(err, ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBuyFailed), errors.Is(err, ErrSellFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// writeFailure writes err with its mapped status. When the command left a
// row behind (a failed buy, a reverted sell) it is included.
func writeFailure(w http.ResponseWriter, err error, p *model.Position) {
	status := StatusFor(err)
	if p == nil {
		writeError(w, err.Error(), status)
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "position": p})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
