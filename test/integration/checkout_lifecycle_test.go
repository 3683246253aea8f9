package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/ordernumber"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

// CheckoutLifecycleTestSuite проверяет путь покупателя от корзины до события в Kafka.
type CheckoutLifecycleTestSuite struct {
	suite.Suite
	server *httptest.Server
	store  *memory.Store
	logger *log.Entry
}

type orderView struct {
	OrderNumber   string          `json:"orderNumber"`
	CustomerEmail string          `json:"customerEmail"`
	TotalAmount   json.RawMessage `json:"totalAmount"`
	Items         []struct {
		ProductRef string `json:"productRef"`
		Quantity   int32  `json:"quantity"`
	} `json:"items"`
}

func (s *CheckoutLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel) // Уменьшаем шум в тестах
	s.logger = baseLogger.WithField("component", "integration-test")

	s.store = memory.NewStore()
	products := memory.NewProductRepository()
	m := metrics.NewStorefrontMetricsWithRegisterer(prometheus.NewRegistry())

	handler := httpapi.NewHandler(
		cart.NewService(s.store, products, m, s.logger),
		checkout.NewService(s.store, s.store, s.store, ordernumber.New(), checkout.Options{Logger: s.logger, Metrics: m}),
		catalog.NewService(products, s.logger),
		idempotency.NewGuard(memory.NewIdempotencyRepository(), idempotency.DefaultTTL, s.logger),
		s.logger,
	)
	s.server = httptest.NewServer(httpapi.NewRouter(httpapi.RouterConfig{
		Handler: handler,
		Health:  health.NewHandler("integration"),
		Metrics: m,
		Logger:  s.logger,
	}))
}

func (s *CheckoutLifecycleTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *CheckoutLifecycleTestSuite) TestCartToOrderToEvent() {
	laptop := s.createProduct("Laptop Pro", "1999.00")
	mouse := s.createProduct("Wireless Mouse", "24.50")

	// 1. Собираем корзину: повторное добавление объединяется с позицией.
	s.addItem("cart-1", laptop, 1, http.StatusCreated)
	s.addItem("cart-1", mouse, 1, http.StatusCreated)
	s.addItem("cart-1", mouse, 1, http.StatusOK)

	var items []struct {
		ProductRef string `json:"productRef"`
		Quantity   int32  `json:"quantity"`
	}
	s.decode(s.do(http.MethodGet, "/api/cart", "cart-1", nil, nil), http.StatusOK, &items)
	s.Require().Len(items, 2)

	// 2. Оформляем заказ.
	var order orderView
	resp := s.do(http.MethodPost, "/api/cart/checkout", "cart-1",
		map[string]string{"customerName": "Ada", "customerEmail": "ada@example.com"}, nil)
	s.decode(resp, http.StatusCreated, &order)
	s.Regexp(`^ORD-[0-9A-Z]{26}$`, order.OrderNumber)
	s.JSONEq(`2048.00`, string(order.TotalAmount))
	s.Len(order.Items, 2)

	// 3. Корзина очищена, заказ доступен в журнале.
	s.decode(s.do(http.MethodGet, "/api/cart", "cart-1", nil, nil), http.StatusOK, &items)
	s.Empty(items)

	var stored orderView
	s.decode(s.do(http.MethodGet, "/api/orders/"+order.OrderNumber, "", nil, nil), http.StatusOK, &stored)
	s.Equal(order.OrderNumber, stored.OrderNumber)

	var history []orderView
	s.decode(s.do(http.MethodGet, "/api/orders?email=ada@example.com", "", nil, nil), http.StatusOK, &history)
	s.Require().Len(history, 1)

	// 4. Outbox-воркер доставляет order.created в Kafka.
	producer := mocks.NewSyncProducer(s.T(), nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		if string(key) != order.OrderNumber {
			return fmt.Errorf("unexpected key %s", key)
		}
		value, _ := msg.Value.Encode()
		var envelope kafka.OutboxEnvelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventTypeOrderCreated {
			return fmt.Errorf("unexpected event type %s", envelope.EventType)
		}
		return nil
	})
	publisher := kafka.NewOutboxPublisher(kafka.NewProducerFromSync(producer, s.logger), kafka.TopicOrderEvents)
	outbox.NewWorker(s.store, publisher, outbox.WithLogger(s.logger)).ProcessOnce(context.Background())

	stats, err := s.store.Stats(context.Background())
	s.Require().NoError(err)
	s.Zero(stats.PendingCount)
	s.Require().NoError(producer.Close())
}

func (s *CheckoutLifecycleTestSuite) TestIdempotentCheckoutRetry() {
	widget := s.createProduct("Widget", "10")
	s.addItem("cart-2", widget, 3, http.StatusCreated)

	body := map[string]string{"customerName": "Bob", "customerEmail": "bob@example.com"}
	headers := map[string]string{httpapi.HeaderIdempotencyKey: "retry-1"}

	var first, second orderView
	s.decode(s.do(http.MethodPost, "/cart/checkout", "cart-2", body, headers), http.StatusCreated, &first)
	s.decode(s.do(http.MethodPost, "/cart/checkout", "cart-2", body, headers), http.StatusCreated, &second)
	s.Equal(first.OrderNumber, second.OrderNumber)

	// Тот же ключ с другим телом отклоняется.
	other := map[string]string{"customerName": "Eve", "customerEmail": "eve@example.com"}
	resp := s.do(http.MethodPost, "/cart/checkout", "cart-2", other, headers)
	resp.Body.Close()
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)

	var history []orderView
	s.decode(s.do(http.MethodGet, "/orders?email=bob@example.com", "", nil, nil), http.StatusOK, &history)
	s.Len(history, 1)
}

func (s *CheckoutLifecycleTestSuite) TestConcurrentCheckoutPlacesSingleOrder() {
	widget := s.createProduct("Widget", "10")
	s.addItem("cart-3", widget, 1, http.StatusCreated)

	const attempts = 8
	statuses := make(chan int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := s.do(http.MethodPost, "/cart/checkout", "cart-3", map[string]string{
				"customerName":  "Racer",
				"customerEmail": fmt.Sprintf("racer-%d@example.com", i),
			}, nil)
			resp.Body.Close()
			statuses <- resp.StatusCode
		}(i)
	}
	wg.Wait()
	close(statuses)

	created := 0
	for status := range statuses {
		switch status {
		case http.StatusCreated:
			created++
		case http.StatusBadRequest, http.StatusConflict:
		default:
			s.Failf("unexpected status", "got %d", status)
		}
	}
	s.Equal(1, created, "cart must turn into exactly one order")

	stats, err := s.store.Stats(context.Background())
	s.Require().NoError(err)
	s.Equal(1, stats.PendingCount)
}

func (s *CheckoutLifecycleTestSuite) TestEmptyCartCheckoutRejected() {
	resp := s.do(http.MethodPost, "/cart/checkout", "empty-cart",
		map[string]string{"customerName": "Nobody", "customerEmail": "nobody@example.com"}, nil)
	var errBody struct {
		Message string `json:"message"`
	}
	s.decode(resp, http.StatusBadRequest, &errBody)
	s.Equal("cart is empty", errBody.Message)
}

func (s *CheckoutLifecycleTestSuite) createProduct(name, price string) string {
	var product struct {
		ID string `json:"id"`
	}
	resp := s.do(http.MethodPost, "/products", "", map[string]any{"name": name, "price": json.Number(price)}, nil)
	s.decode(resp, http.StatusCreated, &product)
	s.Require().NotEmpty(product.ID)
	return product.ID
}

func (s *CheckoutLifecycleTestSuite) addItem(cartID, productRef string, qty int, wantStatus int) {
	resp := s.do(http.MethodPost, "/cart", cartID, map[string]any{"productRef": productRef, "quantity": qty}, nil)
	resp.Body.Close()
	s.Require().Equal(wantStatus, resp.StatusCode)
}

func (s *CheckoutLifecycleTestSuite) do(method, path, cartID string, body any, headers map[string]string) *http.Response {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		payload = raw
	}
	req, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(payload))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if cartID != "" {
		req.Header.Set(httpapi.HeaderCartID, cartID)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *CheckoutLifecycleTestSuite) decode(resp *http.Response, wantStatus int, target any) {
	defer resp.Body.Close()
	s.Require().Equal(wantStatus, resp.StatusCode)
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(target))
}

func TestCheckoutLifecycle(t *testing.T) {
	suite.Run(t, new(CheckoutLifecycleTestSuite))
}
