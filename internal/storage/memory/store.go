package memory

import (
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Store — in-memory хранилище корзин, журнала заказов и outbox.
// Один мьютекс на всё состояние делает CommitCheckout атомарным относительно любых мутаций корзины.
type Store struct {
	mu        sync.RWMutex
	carts     map[string]*cartState
	orders    map[string]domain.Order
	outbox    map[string]*outboxRecord
	outboxSeq int64
	now       func() time.Time
}

// NewStore создаёт пустое in-memory хранилище для локальной разработки и тестов.
func NewStore() *Store {
	return &Store{
		carts:  make(map[string]*cartState),
		orders: make(map[string]domain.Order),
		outbox: make(map[string]*outboxRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ domain.CartRepository   = (*Store)(nil)
	_ domain.CheckoutStore    = (*Store)(nil)
	_ domain.OrderRepository  = (*Store)(nil)
	_ domain.OutboxRepository = (*Store)(nil)
)
