package checkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/ordernumber"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

var alice = domain.Customer{Name: "Alice", Email: "alice@example.com"}

type CheckoutSuite struct {
	suite.Suite

	ctx      context.Context
	store    *memory.Store
	carts    *cart.Service
	checkout *checkout.Service
}

func TestCheckoutSuite(t *testing.T) {
	suite.Run(t, new(CheckoutSuite))
}

func (s *CheckoutSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()

	products := memory.NewProductRepository()
	_, err := products.Create(s.ctx, domain.Product{ID: "widget", Name: "Widget", Price: 1000})
	s.Require().NoError(err)
	_, err = products.Create(s.ctx, domain.Product{ID: "gadget", Name: "Gadget", Price: 550})
	s.Require().NoError(err)

	s.carts = cart.NewService(s.store, products, nil, nil)
	s.checkout = checkout.NewService(s.store, s.store, s.store, ordernumber.New(), checkout.Options{})
}

func (s *CheckoutSuite) TestWidgetAndGadgetTotal() {
	_, _, err := s.carts.Add(s.ctx, "cart-1", "widget", 3)
	s.Require().NoError(err)
	_, _, err = s.carts.Add(s.ctx, "cart-1", "gadget", 1)
	s.Require().NoError(err)
	_, _, err = s.carts.Add(s.ctx, "cart-1", "gadget", 1)
	s.Require().NoError(err)

	order, err := s.checkout.Checkout(s.ctx, "cart-1", domain.Customer{Name: "  Alice ", Email: " alice@example.com "})
	s.Require().NoError(err)
	s.Equal(domain.Money(4100), order.TotalAmount)
	s.Equal("Alice", order.CustomerName)
	s.Equal("alice@example.com", order.CustomerEmail)
	s.Regexp(`^ORD-[0-9A-Z]{26}$`, order.OrderNumber)
	s.Len(order.Items, 2)

	items, err := s.carts.List(s.ctx, "cart-1")
	s.Require().NoError(err)
	s.Empty(items, "cart must be drained after checkout")

	stored, err := s.checkout.GetOrder(s.ctx, order.OrderNumber)
	s.Require().NoError(err)
	s.Equal(order.TotalAmount, stored.TotalAmount)

	pending, err := s.store.PullPending(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(domain.EventTypeOrderCreated, pending[0].EventType)
	s.Equal(order.OrderNumber, pending[0].AggregateID)

	var event domain.OrderCreatedEvent
	s.Require().NoError(json.Unmarshal(pending[0].Payload, &event))
	s.Equal(5, event.ItemCount)
}

func (s *CheckoutSuite) TestThirtySixFifty() {
	_, _, err := s.carts.Add(s.ctx, "cart-1", "widget", 2)
	s.Require().NoError(err)
	_, _, err = s.carts.Add(s.ctx, "cart-1", "gadget", 3)
	s.Require().NoError(err)

	order, err := s.checkout.Checkout(s.ctx, "cart-1", alice)
	s.Require().NoError(err)
	s.Equal("36.50", order.TotalAmount.String())
}

func (s *CheckoutSuite) TestEmptyCart() {
	_, err := s.checkout.Checkout(s.ctx, "cart-empty", alice)
	s.ErrorIs(err, domain.ErrEmptyCart)

	orders, err := s.checkout.ListOrders(s.ctx, alice.Email, 0)
	s.Require().NoError(err)
	s.Empty(orders)
}

func (s *CheckoutSuite) TestCustomerValidation() {
	_, _, err := s.carts.Add(s.ctx, "cart-1", "widget", 1)
	s.Require().NoError(err)

	_, err = s.checkout.Checkout(s.ctx, "cart-1", domain.Customer{Name: "   ", Email: "a@b.c"})
	s.ErrorIs(err, domain.ErrCustomerNameRequired)
	_, err = s.checkout.Checkout(s.ctx, "cart-1", domain.Customer{Name: "Bob", Email: ""})
	s.ErrorIs(err, domain.ErrCustomerEmailRequired)

	// Формат email не проверяется.
	_, err = s.checkout.Checkout(s.ctx, "cart-1", domain.Customer{Name: "Bob", Email: "not-an-email"})
	s.NoError(err)
}

func (s *CheckoutSuite) TestRejectedCheckoutLeavesCartIntact() {
	_, _, err := s.carts.Add(s.ctx, "cart-1", "widget", 1)
	s.Require().NoError(err)

	_, err = s.checkout.Checkout(s.ctx, "cart-1", domain.Customer{Name: "Bob"})
	s.Require().Error(err)

	items, err := s.carts.List(s.ctx, "cart-1")
	s.Require().NoError(err)
	s.Len(items, 1)
}

func (s *CheckoutSuite) TestConcurrentCheckoutsProduceOneOrder() {
	_, _, err := s.carts.Add(s.ctx, "cart-1", "widget", 2)
	s.Require().NoError(err)

	const workers = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		empties   atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.checkout.Checkout(s.ctx, "cart-1", alice)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrEmptyCart), errors.Is(err, domain.ErrCartChanged):
				empties.Add(1)
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(workers-1), empties.Load())

	orders, err := s.checkout.ListOrders(s.ctx, alice.Email, 0)
	s.Require().NoError(err)
	s.Len(orders, 1)
}

func (s *CheckoutSuite) TestOrderNumbersAreUniqueAcrossCarts() {
	const carts = 25
	numbers := make(chan string, carts)
	var wg sync.WaitGroup
	for i := 0; i < carts; i++ {
		cartID := fmt.Sprintf("cart-%d", i)
		_, _, err := s.carts.Add(s.ctx, cartID, "gadget", 1)
		s.Require().NoError(err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := s.checkout.Checkout(s.ctx, cartID, alice)
			if err != nil {
				s.T().Errorf("checkout %s: %v", cartID, err)
				return
			}
			numbers <- order.OrderNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]struct{})
	for n := range numbers {
		_, dup := seen[n]
		s.False(dup, "duplicate order number %s", n)
		seen[n] = struct{}{}
	}
	s.Len(seen, carts)
}

func (s *CheckoutSuite) TestGetUnknownOrder() {
	_, err := s.checkout.GetOrder(s.ctx, "ORD-UNKNOWN")
	s.ErrorIs(err, domain.ErrOrderNotFound)
}

// sequenceNumbers выдаёт номера по списку, затем повторяет последний.
type sequenceNumbers struct {
	mu      sync.Mutex
	numbers []string
}

func (g *sequenceNumbers) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.numbers[0]
	if len(g.numbers) > 1 {
		g.numbers = g.numbers[1:]
	}
	return n, nil
}

func TestCheckout_RegeneratesNumberOnCollision(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Create(ctx, domain.Order{OrderNumber: "ORD-TAKEN", CustomerEmail: "x@y.z"}))

	_, _, err := store.AddItem(ctx, "cart-1", domain.Product{ID: "widget", Name: "Widget", Price: 1000}, 1)
	require.NoError(t, err)

	numbers := &sequenceNumbers{numbers: []string{"ORD-TAKEN", "ORD-FREE"}}
	service := checkout.NewService(store, store, store, numbers, checkout.Options{})

	order, err := service.Checkout(ctx, "cart-1", alice)
	require.NoError(t, err)
	assert.Equal(t, "ORD-FREE", order.OrderNumber)
}

func TestCheckout_ExhaustedNumberCollisionsArePersistenceErrors(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Create(ctx, domain.Order{OrderNumber: "ORD-TAKEN", CustomerEmail: "x@y.z"}))
	_, _, err := store.AddItem(ctx, "cart-1", domain.Product{ID: "widget", Name: "Widget", Price: 1000}, 1)
	require.NoError(t, err)

	service := checkout.NewService(store, store, store, &sequenceNumbers{numbers: []string{"ORD-TAKEN"}}, checkout.Options{
		Retry: checkout.RetryConfig{MaxAttempts: 3},
	})

	_, err = service.Checkout(ctx, "cart-1", alice)
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.ErrorIs(t, err, domain.ErrOrderNumberConflict)

	items, _ := store.ListItems(ctx, "cart-1")
	assert.Len(t, items, 1, "cart must survive a failed checkout")
}

type failingNumbers struct{}

func (failingNumbers) Next() (string, error) {
	return "", errors.New("clock out of range")
}

func TestCheckout_NumberGeneratorFailureKeepsCart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, _, err := store.AddItem(ctx, "cart-1", domain.Product{ID: "widget", Name: "Widget", Price: 1000}, 1)
	require.NoError(t, err)

	service := checkout.NewService(store, store, store, failingNumbers{}, checkout.Options{})

	_, err = service.Checkout(ctx, "cart-1", alice)
	require.ErrorIs(t, err, domain.ErrPersistence)

	items, _ := store.ListItems(ctx, "cart-1")
	assert.Len(t, items, 1)
}

// racingStore меняет корзину между чтением снимка и фиксацией заданное число раз.
type racingStore struct {
	*memory.Store
	races atomic.Int32
}

func (r *racingStore) CommitCheckout(ctx context.Context, snapshot domain.Cart, order domain.Order, event domain.OutboxMessage) error {
	if r.races.Add(-1) >= 0 {
		if _, _, err := r.Store.AddItem(ctx, snapshot.ID, domain.Product{ID: "gadget", Name: "Gadget", Price: 550}, 1); err != nil {
			return err
		}
	}
	return r.Store.CommitCheckout(ctx, snapshot, order, event)
}

func TestCheckout_RetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: memory.NewStore()}
	store.races.Store(2)
	_, _, err := store.AddItem(ctx, "cart-1", domain.Product{ID: "widget", Name: "Widget", Price: 1000}, 1)
	require.NoError(t, err)

	service := checkout.NewService(store, store, store, ordernumber.New(), checkout.Options{})
	order, err := service.Checkout(ctx, "cart-1", alice)
	require.NoError(t, err)
	// Две гонки добавили по одному Gadget; заказ включает их все.
	assert.Equal(t, domain.Money(1000+550*2), order.TotalAmount)
}

func TestCheckout_GivesUpWhenCartKeepsChanging(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: memory.NewStore()}
	store.races.Store(100)
	_, _, err := store.AddItem(ctx, "cart-1", domain.Product{ID: "widget", Name: "Widget", Price: 1000}, 1)
	require.NoError(t, err)

	service := checkout.NewService(store, store, store, ordernumber.New(), checkout.Options{
		Retry: checkout.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond},
	})
	_, err = service.Checkout(ctx, "cart-1", alice)
	require.ErrorIs(t, err, domain.ErrCartChanged)

	orders, err := store.ListByEmail(ctx, alice.Email, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCheckout_CommitSurvivesCancelledRequest(t *testing.T) {
	store := memory.NewStore()
	_, _, err := store.AddItem(context.Background(), "cart-1", domain.Product{ID: "widget", Name: "Widget", Price: 1000}, 1)
	require.NoError(t, err)

	service := checkout.NewService(&cancelOnSnapshot{Store: store}, store, store, ordernumber.New(), checkout.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	_, err = service.Checkout(withCancel(ctx, cancel), "cart-1", alice)
	require.NoError(t, err)

	orders, _ := store.ListByEmail(context.Background(), alice.Email, 0)
	assert.Len(t, orders, 1)
}

type cancelKey struct{}

func withCancel(ctx context.Context, cancel context.CancelFunc) context.Context {
	return context.WithValue(ctx, cancelKey{}, cancel)
}

// cancelOnSnapshot отменяет контекст запроса сразу после чтения снимка.
type cancelOnSnapshot struct {
	*memory.Store
}

func (c *cancelOnSnapshot) Snapshot(ctx context.Context, cartID string) (domain.Cart, error) {
	snapshot, err := c.Store.Snapshot(ctx, cartID)
	if cancel, ok := ctx.Value(cancelKey{}).(context.CancelFunc); ok {
		cancel()
	}
	return snapshot, err
}
