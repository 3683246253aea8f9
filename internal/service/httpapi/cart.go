package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type addItemRequest struct {
	ProductRef string `json:"productRef" validate:"required"`
	Quantity   int32  `json:"quantity" validate:"gte=1"`
}

type updateQuantityRequest struct {
	Quantity int32 `json:"quantity" validate:"gte=1"`
}

// ListCart handles GET /cart
func (h *Handler) ListCart(w http.ResponseWriter, r *http.Request) {
	items, err := h.carts.List(r.Context(), cartIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// AddItem обрабатывает POST /cart: 201 для новой позиции, 200 при слиянии.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeRequest(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	item, created, err := h.carts.Add(r.Context(), cartIDFromContext(r.Context()), req.ProductRef, req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, item)
}

// UpdateItem handles PUT /cart/{itemID}
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req updateQuantityRequest
	if err := decodeRequest(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	item, err := h.carts.UpdateQuantity(r.Context(), cartIDFromContext(r.Context()), chi.URLParam(r, "itemID"), req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RemoveItem handles DELETE /cart/{itemID}
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Remove(r.Context(), cartIDFromContext(r.Context()), chi.URLParam(r, "itemID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Item removed from cart"})
}

// ClearCart handles DELETE /cart
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.Clear(r.Context(), cartIDFromContext(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Cart cleared"})
}
