package idempotency_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestHashRequest_DependsOnAllParts(t *testing.T) {
	base := idempotency.HashRequest(http.MethodPost, "cart-1", []byte(`{"a":1}`))
	assert.Len(t, base, 64)
	assert.Equal(t, base, idempotency.HashRequest(http.MethodPost, "cart-1", []byte(`{"a":1}`)))
	assert.NotEqual(t, base, idempotency.HashRequest(http.MethodPost, "cart-2", []byte(`{"a":1}`)))
	assert.NotEqual(t, base, idempotency.HashRequest(http.MethodPost, "cart-1", []byte(`{"a":2}`)))
}

func TestGuard_ReplaysSuccess(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), 0, nil)

	replay, err := guard.Begin(ctx, "key-1", "hash")
	require.NoError(t, err)
	require.Nil(t, replay)

	_, err = guard.Begin(ctx, "key-1", "hash")
	require.ErrorIs(t, err, idempotency.ErrRequestInProgress)

	guard.Finish(ctx, "key-1", http.StatusCreated, []byte(`{"orderNumber":"ORD-1"}`))

	replay, err = guard.Begin(ctx, "key-1", "hash")
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, http.StatusCreated, replay.Status)
	assert.Equal(t, `{"orderNumber":"ORD-1"}`, string(replay.Body))
}

func TestGuard_HashMismatch(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), 0, nil)

	_, err := guard.Begin(ctx, "key-2", "hash-a")
	require.NoError(t, err)

	_, err = guard.Begin(ctx, "key-2", "hash-b")
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)
}

func TestGuard_ClientErrorIsReplayed(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), 0, nil)

	_, err := guard.Begin(ctx, "key-3", "hash")
	require.NoError(t, err)
	guard.Finish(ctx, "key-3", http.StatusBadRequest, []byte(`{"message":"cart is empty"}`))

	replay, err := guard.Begin(ctx, "key-3", "hash")
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, http.StatusBadRequest, replay.Status)
}

func TestGuard_ServerErrorReleasesKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := idempotency.NewGuard(repo, 0, nil)

	_, err := guard.Begin(ctx, "key-4", "hash")
	require.NoError(t, err)
	guard.Finish(ctx, "key-4", http.StatusInternalServerError, nil)

	_, err = repo.Get(ctx, "key-4")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	replay, err := guard.Begin(ctx, "key-4", "hash")
	require.NoError(t, err)
	assert.Nil(t, replay)
}

func TestGuard_ConflictReleasesKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	guard := idempotency.NewGuard(repo, 0, nil)

	_, err := guard.Begin(ctx, "key-5", "hash")
	require.NoError(t, err)
	guard.Finish(ctx, "key-5", http.StatusConflict, []byte(`{"message":"cart was modified during checkout, retry the request"}`))

	_, err = repo.Get(ctx, "key-5")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	replay, err := guard.Begin(ctx, "key-5", "hash")
	require.NoError(t, err)
	assert.Nil(t, replay, "conflict must not be replayed")
}
