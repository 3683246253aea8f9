package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

// HeaderIdempotencyKey — заголовок ключа идемпотентности оформления.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLength = 255

type checkoutRequest struct {
	CustomerName  string `json:"customerName" validate:"required"`
	CustomerEmail string `json:"customerEmail" validate:"required"`
}

// Checkout handles POST /cart/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	cartID := cartIDFromContext(r.Context())
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" || h.guard == nil {
		status, payload := h.placeOrder(r, cartID, body)
		writeRaw(w, status, payload)
		return
	}
	if len(key) > maxIdempotencyKeyLength {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "idempotency key is too long"})
		return
	}

	logger := h.logger.WithFields(log.Fields{"cart_id": cartID, "idempotency_key": key})
	replay, err := h.guard.Begin(r.Context(), key, idempotency.HashRequest(r.Method, cartID, body))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if replay != nil {
		logger.WithField("status", replay.Status).Info("replaying stored checkout response")
		writeRaw(w, replay.Status, replay.Body)
		return
	}

	status, payload := h.placeOrder(r, cartID, body)
	// Результат сохраняется даже если клиент уже отключился.
	h.guard.Finish(context.WithoutCancel(r.Context()), key, status, payload)
	writeRaw(w, status, payload)
}

// placeOrder выполняет оформление и возвращает статус и готовое тело ответа.
func (h *Handler) placeOrder(r *http.Request, cartID string, body []byte) (int, []byte) {
	var req checkoutRequest
	if err := decodeBody(body, &req); err != nil {
		return h.errorPayload(r, err)
	}

	order, err := h.checkout.Checkout(r.Context(), cartID, domain.Customer{
		Name:  req.CustomerName,
		Email: req.CustomerEmail,
	})
	if err != nil {
		return h.errorPayload(r, err)
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return h.errorPayload(r, err)
	}
	return http.StatusCreated, payload
}

func (h *Handler) errorPayload(r *http.Request, err error) (int, []byte) {
	status, resp := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("checkout failed")
	}
	payload, _ := json.Marshal(resp)
	return status, payload
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
