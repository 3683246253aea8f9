package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OrderCreatedEvent — полезная нагрузка события order.created.
type OrderCreatedEvent struct {
	OrderNumber   string      `json:"orderNumber"`
	CustomerName  string      `json:"customerName"`
	CustomerEmail string      `json:"customerEmail"`
	TotalAmount   Money       `json:"totalAmount"`
	ItemCount     int         `json:"itemCount"`
	Items         []OrderItem `json:"items"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// NewOrderCreatedMessage готовит outbox-сообщение о созданном заказе.
func NewOrderCreatedMessage(order Order) (OutboxMessage, error) {
	var units int
	for _, item := range order.Items {
		units += int(item.Quantity)
	}

	payload, err := json.Marshal(OrderCreatedEvent{
		OrderNumber:   order.OrderNumber,
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		TotalAmount:   order.TotalAmount,
		ItemCount:     units,
		Items:         order.Items,
		CreatedAt:     order.CreatedAt,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal order created event: %w", err)
	}

	return OutboxMessage{
		AggregateType: AggregateTypeOrder,
		AggregateID:   order.OrderNumber,
		EventType:     EventTypeOrderCreated,
		Payload:       payload,
	}, nil
}
