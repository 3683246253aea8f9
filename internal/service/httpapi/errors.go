package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

type errorResponse struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

// errorStatus сопоставляет ошибку с HTTP-статусом и текстом для клиента.
// Ошибки хранилища не раскрываются наружу.
func errorStatus(err error) (int, errorResponse) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, errorResponse{Message: reqErr.message, Fields: reqErr.fields}
	case errors.Is(err, idempotency.ErrRequestInProgress):
		return http.StatusConflict, errorResponse{Message: err.Error()}
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, errorResponse{Message: err.Error()}
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrEmptyCart):
		return http.StatusBadRequest, errorResponse{Message: clientMessage(err)}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{Message: clientMessage(err)}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, errorResponse{Message: clientMessage(err)}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Message: "request timed out"}
	default:
		return http.StatusInternalServerError, errorResponse{Message: "internal server error"}
	}
}

// clientMessage возвращает текст доменной ошибки без префиксов обёрток.
func clientMessage(err error) string {
	for _, known := range []error{
		domain.ErrEmptyCart,
		domain.ErrCartChanged,
		domain.ErrProductNotFound,
		domain.ErrCartItemNotFound,
		domain.ErrOrderNotFound,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	for current := err; current != nil; current = errors.Unwrap(current) {
		if errors.Unwrap(current) == domain.ErrValidation {
			return current.Error()
		}
	}
	return err.Error()
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	writeJSON(w, status, body)
}
