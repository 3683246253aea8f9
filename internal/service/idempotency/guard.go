package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTTL — сколько хранится ответ для повтора.
const DefaultTTL = 24 * time.Hour

var (
	// ErrRequestInProgress — запрос с тем же ключом ещё обрабатывается.
	ErrRequestInProgress = errors.New("request with the same idempotency key is already processing")
	// ErrKeyReused — ключ использован с другим телом запроса.
	ErrKeyReused = errors.New("idempotency key is already used with different request payload")
)

// Replay — сохранённый ответ предыдущего запроса с тем же ключом.
type Replay struct {
	Status int
	Body   []byte
}

// Guard управляет жизненным циклом ключа идемпотентности вокруг одного запроса.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт Guard. ttl<=0 заменяется на DefaultTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{
		repo:   repo,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// HashRequest строит отпечаток запроса: метод, ключ корзины и тело.
func HashRequest(method, cartID string, body []byte) string {
	payload := make([]byte, 0, len(method)+len(cartID)+2+len(body))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, cartID...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Begin занимает ключ. Если ключ уже завершён, возвращает сохранённый ответ для повтора.
// ErrRequestInProgress и ErrKeyReused сообщают о конфликте ключа.
func (g *Guard) Begin(ctx context.Context, key, requestHash string) (*Replay, error) {
	key = strings.TrimSpace(key)
	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().Add(g.ttl))
	if err == nil {
		return nil, nil
	}

	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return nil, ErrKeyReused
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
	default:
		return nil, fmt.Errorf("create idempotency record: %w", err)
	}

	if record.Key == "" {
		if record, err = g.repo.Get(ctx, key); err != nil {
			return nil, fmt.Errorf("load idempotency record: %w", err)
		}
	}

	switch {
	case record.Status == domain.IdempotencyStatusProcessing:
		return nil, ErrRequestInProgress
	case record.Status.Final():
		return &Replay{Status: record.ReplayStatus(), Body: record.ResponseBody}, nil
	default:
		return nil, fmt.Errorf("unknown idempotency record status %q", record.Status)
	}
}

// Finish сохраняет ответ. Успех и ошибки клиента повторяются по ключу.
// После серверной ошибки или конфликта 409 ключ освобождается: такие ответы временные.
func (g *Guard) Finish(ctx context.Context, key string, status int, body []byte) {
	key = strings.TrimSpace(key)
	entry := g.logger.WithFields(log.Fields{"idempotency_key": key, "status": status})

	var err error
	switch {
	case status >= http.StatusInternalServerError, status == http.StatusConflict:
		err = g.repo.Delete(ctx, key)
	case status >= http.StatusBadRequest:
		err = g.repo.MarkFailed(ctx, key, body, status)
	default:
		err = g.repo.MarkDone(ctx, key, body, status)
	}
	if err != nil {
		entry.WithError(err).Warn("failed to store idempotency outcome")
	}
}
