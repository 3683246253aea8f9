package domain

import (
	"errors"
	"fmt"
)

// Базовые классы ошибок. Транспортный слой сопоставляет их с HTTP-статусами через errors.Is.
var (
	// ErrValidation — некорректный или отсутствующий ввод.
	ErrValidation = errors.New("validation error")
	// ErrNotFound — запрошенный товар, позиция корзины или заказ не существуют.
	ErrNotFound = errors.New("not found")
	// ErrEmptyCart — попытка оформить заказ из пустой корзины.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrPersistence — хранилище недоступно или запись не удалась.
	ErrPersistence = errors.New("persistence error")
	// ErrConflict — состояние изменилось конкурентно, запрос можно повторить.
	ErrConflict = errors.New("conflict")
)

var (
	// Ошибка при некорректном количестве товара (< 1).
	ErrQuantityInvalid = validationError("quantity must be at least 1")
	// Ошибка превышения максимального количества в одной позиции.
	ErrQuantityTooLarge = validationError("quantity exceeds the per-line limit")
	// Ошибка отсутствующего имени покупателя.
	ErrCustomerNameRequired = validationError("customer name is required")
	// Ошибка отсутствующего email покупателя.
	ErrCustomerEmailRequired = validationError("customer email is required")
	// Ошибка отсутствующего идентификатора корзины.
	ErrCartIDRequired = validationError("cart id is required")
	// Ошибка отсутствующего идентификатора товара.
	ErrProductRefRequired = validationError("product reference is required")
	// Ошибка отсутствующего названия товара.
	ErrProductNameRequired = validationError("product name is required")
	// Ошибка, если цена отрицательная.
	ErrPriceNegative = validationError("price must be non-negative")
	// Ошибка переполнения суммы заказа.
	ErrAmountOverflow = validationError("order total overflows")

	// ErrProductNotFound возвращается, если товара нет в каталоге.
	ErrProductNotFound = notFoundError("product not found")
	// ErrCartItemNotFound возвращается, если позиции нет в корзине.
	ErrCartItemNotFound = notFoundError("cart item not found")
	// ErrOrderNotFound возвращается, если заказ не найден в журнале.
	ErrOrderNotFound = notFoundError("order not found")

	// ErrCartVersionConflict сигнализирует, что корзина изменилась между чтением и фиксацией.
	ErrCartVersionConflict = conflictError("cart version conflict")
	// ErrCartChanged — корзина менялась во время каждой попытки оформления.
	ErrCartChanged = conflictError("cart was modified during checkout, retry the request")
	// ErrOrderNumberConflict — номер заказа уже занят в журнале.
	ErrOrderNumberConflict = conflictError("order number already exists")
)

// Ошибки инвариантов заказа (используются в ValidateInvariants).
var (
	ErrItemsRequired    = errors.New("order must contain at least one item")
	ErrAmountNegative   = errors.New("total amount must be non-negative")
	ErrItemQtyInvalid   = errors.New("item quantity must be greater than zero")
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	ErrAmountMismatch   = errors.New("order total does not match items sum")
	ErrOrderNumberEmpty = errors.New("order number is required")
)

// Ошибки хранилища идемпотентности.
var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// ErrOutboxPublish — ошибка при публикации или смене статуса сообщения outbox.
var ErrOutboxPublish = errors.New("outbox publish failed")

// kindError привязывает конкретное сообщение к базовому классу ошибки.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

func validationError(msg string) error { return &kindError{kind: ErrValidation, msg: msg} }

func notFoundError(msg string) error { return &kindError{kind: ErrNotFound, msg: msg} }

func conflictError(msg string) error { return &kindError{kind: ErrConflict, msg: msg} }

// NewValidationError создаёт ошибку валидации с произвольным текстом.
func NewValidationError(msg string) error { return validationError(msg) }

// PersistenceError помечает ошибку хранилища классом ErrPersistence, сохраняя причину.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий корзины.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrCartVersionConflict)
}
