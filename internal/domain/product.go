package domain

import (
	"strings"
	"time"
)

// Product — запись каталога. Ядро корзины читает её только в момент добавления позиции.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     Money     `json:"price"`
	ImageRef  string    `json:"imageRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate проверяет обязательные поля товара.
func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrProductNameRequired
	}
	if p.Price < 0 {
		return ErrPriceNegative
	}
	return nil
}
