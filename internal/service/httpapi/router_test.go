package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/ordernumber"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type testAPI struct {
	router   http.Handler
	store    *memory.Store
	registry *prometheus.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithCheckoutStore(t, nil)
}

// newTestAPIWithCheckoutStore позволяет подменить фиксацию оформления поверх memory.Store.
func newTestAPIWithCheckoutStore(t *testing.T, wrap func(*memory.Store) domain.CheckoutStore) *testAPI {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	products := memory.NewProductRepository()
	_, err := products.Create(ctx, domain.Product{ID: "widget", Name: "Widget", Price: 1000, ImageRef: "widget.png"})
	require.NoError(t, err)
	_, err = products.Create(ctx, domain.Product{ID: "gadget", Name: "Gadget", Price: 550})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m := metrics.NewStorefrontMetricsWithRegisterer(registry)

	var checkoutStore domain.CheckoutStore = store
	if wrap != nil {
		checkoutStore = wrap(store)
	}

	handler := httpapi.NewHandler(
		cart.NewService(store, products, m, nil),
		checkout.NewService(store, checkoutStore, store, ordernumber.New(), checkout.Options{
			Metrics: m,
			Retry:   checkout.RetryConfig{MaxAttempts: 2},
		}),
		catalog.NewService(products, nil),
		idempotency.NewGuard(memory.NewIdempotencyRepository(), idempotency.DefaultTTL, nil),
		nil,
	)
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler: handler,
		Health:  health.NewHandler("test"),
		Metrics: m,
	})
	return &testAPI{router: router, store: store, registry: registry}
}

func (a *testAPI) do(t *testing.T, method, path, cartID string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if cartID != "" {
		req.Header.Set(httpapi.HeaderCartID, cartID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func addItem(productRef string, qty int) map[string]any {
	return map[string]any{"productRef": productRef, "quantity": qty}
}

func TestCart_AddCreatesThenMerges(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/cart", "cart-1", addItem("widget", 2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.CartLineItem](t, rec)
	assert.Equal(t, "widget", created.ProductRef)
	assert.Equal(t, domain.Money(1000), created.UnitPrice)

	rec = api.do(t, http.MethodPost, "/cart", "cart-1", addItem("widget", 3))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decode[domain.CartLineItem](t, rec)
	assert.Equal(t, created.ID, merged.ID)
	assert.Equal(t, int32(5), merged.Quantity)

	rec = api.do(t, http.MethodGet, "/cart", "cart-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[[]domain.CartLineItem](t, rec)
	require.Len(t, items, 1)
}

func TestCart_RequiresCartID(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/cart", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Message, httpapi.HeaderCartID)
}

func TestCart_AddValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name    string
		body    any
		status  int
		field   string
		message string
	}{
		{name: "zero quantity", body: addItem("widget", 0), status: http.StatusBadRequest, field: "quantity"},
		{name: "negative quantity", body: addItem("widget", -1), status: http.StatusBadRequest, field: "quantity"},
		{name: "missing product", body: map[string]any{"quantity": 1}, status: http.StatusBadRequest, field: "productRef"},
		{name: "malformed json", body: `{"productRef":`, status: http.StatusBadRequest},
		{name: "empty body", body: "", status: http.StatusBadRequest, message: "request body is required"},
		{name: "unknown product", body: addItem("nope", 1), status: http.StatusNotFound, message: "product not found"},
		{name: "over line limit", body: addItem("widget", int(domain.MaxLineQuantity)+1), status: http.StatusBadRequest, message: "quantity exceeds the per-line limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/cart", "cart-v", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			if tt.field != "" {
				assert.Contains(t, body.Fields, tt.field)
			}
			if tt.message != "" {
				assert.Equal(t, tt.message, body.Message)
			}
		})
	}
}

func TestCart_UpdateRemoveClear(t *testing.T) {
	api := newTestAPI(t)

	item := decode[domain.CartLineItem](t, api.do(t, http.MethodPost, "/cart", "cart-1", addItem("widget", 1)))
	api.do(t, http.MethodPost, "/cart", "cart-1", addItem("gadget", 1))

	rec := api.do(t, http.MethodPut, "/cart/"+item.ID, "cart-1", map[string]any{"quantity": 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(7), decode[domain.CartLineItem](t, rec).Quantity)

	rec = api.do(t, http.MethodPut, "/cart/"+item.ID, "cart-1", map[string]any{"quantity": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPut, "/cart/"+item.ID, "cart-2", map[string]any{"quantity": 2})
	require.Equal(t, http.StatusNotFound, rec.Code, "line of another cart must be invisible")

	rec = api.do(t, http.MethodDelete, "/cart/"+item.ID, "cart-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Item removed from cart", decode[errorBody](t, rec).Message)

	rec = api.do(t, http.MethodDelete, "/cart/"+item.ID, "cart-1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "cart item not found", decode[errorBody](t, rec).Message)

	rec = api.do(t, http.MethodDelete, "/cart", "cart-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodDelete, "/cart", "cart-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, "clearing an empty cart succeeds")

	items := decode[[]domain.CartLineItem](t, api.do(t, http.MethodGet, "/cart", "cart-1", nil))
	assert.Empty(t, items)
}

func TestCheckout_PlacesOrderAndDrainsCart(t *testing.T) {
	api := newTestAPI(t)

	api.do(t, http.MethodPost, "/api/cart", "cart-1", addItem("widget", 2))
	api.do(t, http.MethodPost, "/api/cart", "cart-1", addItem("gadget", 3))

	rec := api.do(t, http.MethodPost, "/api/cart/checkout", "cart-1", map[string]any{
		"customerName":  "Alice",
		"customerEmail": "alice@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"totalAmount":36.50`)

	order := decode[domain.Order](t, rec)
	assert.True(t, strings.HasPrefix(order.OrderNumber, "ORD-"))
	assert.Equal(t, domain.Money(3650), order.TotalAmount)
	require.Len(t, order.Items, 2)

	items := decode[[]domain.CartLineItem](t, api.do(t, http.MethodGet, "/cart", "cart-1", nil))
	assert.Empty(t, items)

	rec = api.do(t, http.MethodGet, "/orders/"+order.OrderNumber, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.OrderNumber, decode[domain.Order](t, rec).OrderNumber)

	rec = api.do(t, http.MethodGet, "/orders?email=alice@example.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Order](t, rec), 1)

	rec = api.do(t, http.MethodGet, "/orders/ORD-UNKNOWN", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckout_Errors(t *testing.T) {
	api := newTestAPI(t)
	customer := map[string]any{"customerName": "Alice", "customerEmail": "alice@example.com"}

	rec := api.do(t, http.MethodPost, "/cart/checkout", "cart-empty", customer)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cart is empty", decode[errorBody](t, rec).Message)

	api.do(t, http.MethodPost, "/cart", "cart-1", addItem("widget", 1))

	rec = api.do(t, http.MethodPost, "/cart/checkout", "cart-1", map[string]any{"customerName": "Alice"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Fields, "customerEmail")

	rec = api.do(t, http.MethodPost, "/cart/checkout", "cart-1", map[string]any{"customerName": "  ", "customerEmail": "a@b"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "customer name is required", decode[errorBody](t, rec).Message)

	items := decode[[]domain.CartLineItem](t, api.do(t, http.MethodGet, "/cart", "cart-1", nil))
	assert.Len(t, items, 1, "rejected checkout must leave the cart intact")
}

func TestCheckout_IdempotencyKeyReplaysResponse(t *testing.T) {
	api := newTestAPI(t)
	customer := map[string]any{"customerName": "Alice", "customerEmail": "alice@example.com"}

	api.do(t, http.MethodPost, "/cart", "cart-1", addItem("widget", 1))
	first := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", customer, httpapi.HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	// Новая позиция после оформления не должна попасть в повтор.
	api.do(t, http.MethodPost, "/cart", "cart-1", addItem("gadget", 1))
	second := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", customer, httpapi.HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())

	items := decode[[]domain.CartLineItem](t, api.do(t, http.MethodGet, "/cart", "cart-1", nil))
	assert.Len(t, items, 1, "replay must not check out the cart again")

	other := map[string]any{"customerName": "Bob", "customerEmail": "bob@example.com"}
	rec := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", other, httpapi.HeaderIdempotencyKey, "key-1")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCheckout_IdempotencyReplaysClientError(t *testing.T) {
	api := newTestAPI(t)
	customer := map[string]any{"customerName": "Alice", "customerEmail": "alice@example.com"}

	first := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", customer, httpapi.HeaderIdempotencyKey, "key-empty")
	require.Equal(t, http.StatusBadRequest, first.Code)

	api.do(t, http.MethodPost, "/cart", "cart-1", addItem("widget", 1))
	second := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", customer, httpapi.HeaderIdempotencyKey, "key-empty")
	require.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

type conflictingCheckoutStore struct {
	*memory.Store
	mu       sync.Mutex
	conflict bool
}

func (s *conflictingCheckoutStore) setConflict(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflict = v
}

func (s *conflictingCheckoutStore) CommitCheckout(ctx context.Context, c domain.Cart, order domain.Order, event domain.OutboxMessage) error {
	s.mu.Lock()
	conflict := s.conflict
	s.mu.Unlock()
	if conflict {
		return domain.ErrCartVersionConflict
	}
	return s.Store.CommitCheckout(ctx, c, order, event)
}

func TestCheckout_IdempotencyKeyReleasedAfterConflict(t *testing.T) {
	var faulty *conflictingCheckoutStore
	api := newTestAPIWithCheckoutStore(t, func(store *memory.Store) domain.CheckoutStore {
		faulty = &conflictingCheckoutStore{Store: store, conflict: true}
		return faulty
	})
	customer := map[string]any{"customerName": "Alice", "customerEmail": "alice@example.com"}

	api.do(t, http.MethodPost, "/cart", "cart-1", addItem("widget", 1))
	first := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", customer, httpapi.HeaderIdempotencyKey, "key-conflict")
	require.Equal(t, http.StatusConflict, first.Code, first.Body.String())

	faulty.setConflict(false)
	second := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", customer, httpapi.HeaderIdempotencyKey, "key-conflict")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	order := decode[domain.Order](t, second)
	assert.NotEmpty(t, order.OrderNumber)

	items := decode[[]domain.CartLineItem](t, api.do(t, http.MethodGet, "/cart", "cart-1", nil))
	assert.Empty(t, items)

	third := api.do(t, http.MethodPost, "/cart/checkout", "cart-1", customer, httpapi.HeaderIdempotencyKey, "key-conflict")
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, second.Body.String(), third.Body.String())
}

func TestProducts_CRUD(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/products", "", map[string]any{"name": "Lamp", "price": "19.99", "imageRef": "lamp.png"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	lamp := decode[domain.Product](t, rec)
	require.NotEmpty(t, lamp.ID)
	assert.Equal(t, domain.Money(1999), lamp.Price)

	rec = api.do(t, http.MethodPost, "/products", "", map[string]any{"name": "Bad", "price": "1.999"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/products", "", map[string]any{"price": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Fields, "name")

	rec = api.do(t, http.MethodPut, "/products/"+lamp.ID, "", map[string]any{"name": "Lamp XL", "price": 25})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Lamp XL", decode[domain.Product](t, rec).Name)

	rec = api.do(t, http.MethodGet, "/products", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Product](t, rec), 3)

	rec = api.do(t, http.MethodDelete, "/products/"+lamp.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodGet, "/products/"+lamp.ID, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/cart", nil)
	req.Header.Set("Origin", "http://shop.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://shop.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), httpapi.HeaderCartID)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/health", "/healthz", "/readyz", "/livez"} {
		rec := api.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	api.do(t, http.MethodGet, "/cart", "cart-1", nil)
	count, err := testutil.GatherAndCount(api.registry, "storefront_http_requests_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

type panickingCarts struct{ httpapi.CartService }

func (panickingCarts) List(context.Context, string) ([]domain.CartLineItem, error) {
	panic("boom")
}

func TestRouter_RecoversFromPanic(t *testing.T) {
	handler := httpapi.NewHandler(panickingCarts{}, nil, nil, nil, nil)
	router := httpapi.NewRouter(httpapi.RouterConfig{Handler: handler})

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req.Header.Set(httpapi.HeaderCartID, "cart-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode[errorBody](t, rec).Message)
}
