package domain

import (
	"strings"
	"time"
)

// OrderItem — позиция заказа, скопированная из корзины по значению.
type OrderItem struct {
	ProductRef string `json:"productRef"`
	Name       string `json:"name"`
	UnitPrice  Money  `json:"unitPrice"`
	Quantity   int32  `json:"quantity"`
	ImageRef   string `json:"imageRef,omitempty"`
}

// Order — неизменяемая запись журнала заказов.
type Order struct {
	OrderNumber   string      `json:"orderNumber"`
	CustomerName  string      `json:"customerName"`
	CustomerEmail string      `json:"customerEmail"`
	Items         []OrderItem `json:"items"`
	TotalAmount   Money       `json:"totalAmount"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Customer — данные покупателя для оформления заказа.
type Customer struct {
	Name  string
	Email string
}

// Normalize обрезает пробелы и проверяет, что имя и email заданы. Формат email не проверяется.
func (c Customer) Normalize() (Customer, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	if c.Name == "" {
		return c, ErrCustomerNameRequired
	}
	if c.Email == "" {
		return c, ErrCustomerEmailRequired
	}
	return c, nil
}

// NewOrderFromCart строит заказ из снимка корзины.
func NewOrderFromCart(orderNumber string, customer Customer, cart Cart, now time.Time) (Order, error) {
	if cart.IsEmpty() {
		return Order{}, ErrEmptyCart
	}
	total, err := cart.Total()
	if err != nil {
		return Order{}, err
	}

	items := make([]OrderItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		items = append(items, OrderItem{
			ProductRef: line.ProductRef,
			Name:       line.Name,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			ImageRef:   line.ImageRef,
		})
	}

	return Order{
		OrderNumber:   orderNumber,
		CustomerName:  customer.Name,
		CustomerEmail: customer.Email,
		Items:         items,
		TotalAmount:   total,
		CreatedAt:     now,
	}, nil
}

// ValidateInvariants проверяет инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.OrderNumber == "" {
		errs = append(errs, ErrOrderNumberEmpty)
	}
	if strings.TrimSpace(o.CustomerName) == "" {
		errs = append(errs, ErrCustomerNameRequired)
	}
	if strings.TrimSpace(o.CustomerEmail) == "" {
		errs = append(errs, ErrCustomerEmailRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalAmount < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	// Сверяем сумму заказа с суммой позиций: quantity * unitPrice.
	var calc Money
	overflow := false
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		line, err := item.UnitPrice.MulQty(item.Quantity)
		if err == nil {
			calc, err = calc.Add(line)
		}
		if err != nil {
			overflow = true
		}
	}
	if overflow {
		errs = append(errs, ErrAmountOverflow)
	} else if calc != o.TotalAmount {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
