package domain

import (
	"sort"
	"strings"
	"time"
)

// MaxLineQuantity ограничивает количество единиц одного товара в корзине.
const MaxLineQuantity int32 = 10000

// CartLineItem — позиция корзины. Name, UnitPrice и ImageRef фиксируются при добавлении
// и не синхронизируются с каталогом.
type CartLineItem struct {
	ID         string    `json:"id"`
	CartID     string    `json:"-"`
	ProductRef string    `json:"productRef"`
	Name       string    `json:"name"`
	UnitPrice  Money     `json:"unitPrice"`
	Quantity   int32     `json:"quantity"`
	ImageRef   string    `json:"imageRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Cart — снимок корзины: позиции и версия на момент чтения.
// Version меняется при каждой мутации и используется для optimistic locking при оформлении.
type Cart struct {
	ID      string
	Items   []CartLineItem
	Version int64
}

// IsEmpty сообщает, что в корзине нет позиций.
func (c Cart) IsEmpty() bool { return len(c.Items) == 0 }

// Total считает сумму корзины в минимальных единицах.
func (c Cart) Total() (Money, error) {
	var total Money
	for _, item := range c.Items {
		line, err := item.UnitPrice.MulQty(item.Quantity)
		if err != nil {
			return 0, err
		}
		if total, err = total.Add(line); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// NewCartLineItem создаёт позицию со снимком полей товара.
func NewCartLineItem(id, cartID string, product Product, qty int32, now time.Time) CartLineItem {
	return CartLineItem{
		ID:         id,
		CartID:     cartID,
		ProductRef: product.ID,
		Name:       product.Name,
		UnitPrice:  product.Price,
		Quantity:   qty,
		ImageRef:   product.ImageRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ValidateQuantity проверяет количество для add и updateQuantity.
func ValidateQuantity(qty int32) error {
	if qty < 1 {
		return ErrQuantityInvalid
	}
	if qty > MaxLineQuantity {
		return ErrQuantityTooLarge
	}
	return nil
}

// ValidateCartID проверяет ключ владельца корзины.
func ValidateCartID(cartID string) error {
	if strings.TrimSpace(cartID) == "" {
		return ErrCartIDRequired
	}
	return nil
}

// SortLineItems упорядочивает позиции от новых к старым, при равенстве времени по ID.
func SortLineItems(items []CartLineItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}
