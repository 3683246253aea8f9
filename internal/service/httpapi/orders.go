package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultOrdersLimit = 20
	maxOrdersLimit     = 100
)

// GetOrder handles GET /orders/{orderNumber}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.GetOrder(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /orders?email=...&limit=...
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultOrdersLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, r, domain.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxOrdersLimit)
	}

	orders, err := h.checkout.ListOrders(r.Context(), r.URL.Query().Get("email"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}
