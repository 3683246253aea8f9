// Package ordernumber выдаёт номера заказов формата ORD-<ULID>.
package ordernumber

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Prefix добавляется ко всем номерам заказов.
const Prefix = "ORD-"

// Generator генерирует монотонно возрастающие ULID-номера. Безопасен для конкурентного использования.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// Option настраивает Generator.
type Option func(*Generator)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// New создаёт генератор с криптографической энтропией.
func New(opts ...Option) *Generator {
	g := &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// maxOverflowSteps ограничивает сдвиг вперёд при исчерпании энтропии.
const maxOverflowSteps = 1000

// Next возвращает новый номер заказа.
// При исчерпании монотонной энтропии в пределах миллисекунды берётся следующая миллисекунда.
// Любая другая ошибка ulid (например, время вне диапазона) возвращается вызывающему.
func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	for step := 0; ; step++ {
		id, err := ulid.New(ulid.Timestamp(ts), g.entropy)
		if err == nil {
			return Prefix + id.String(), nil
		}
		if !errors.Is(err, ulid.ErrMonotonicOverflow) || step >= maxOverflowSteps {
			return "", fmt.Errorf("generate order number: %w", err)
		}
		ts = ts.Add(time.Millisecond)
	}
}

var _ domain.OrderNumberGenerator = (*Generator)(nil)
