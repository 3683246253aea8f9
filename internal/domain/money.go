package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// moneyExp — денежные суммы хранятся в сотых долях (центах).
const moneyExp = -2

// Money — сумма в минимальных денежных единицах. В JSON отображается десятичным числом: 36.50.
type Money int64

// MoneyFromMinor создаёт сумму из минимальных единиц.
func MoneyFromMinor(minor int64) Money { return Money(minor) }

// ParseMoney разбирает десятичную строку. Больше двух знаков после запятой не допускается.
func ParseMoney(value string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, validationError(fmt.Sprintf("invalid amount %q", value))
	}
	return moneyFromDecimal(d)
}

func moneyFromDecimal(d decimal.Decimal) (Money, error) {
	scaled := d.Shift(-moneyExp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, validationError("amount must have at most two fractional digits")
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, ErrAmountOverflow
	}
	return Money(scaled.IntPart()), nil
}

// Minor возвращает сумму в минимальных единицах.
func (m Money) Minor() int64 { return int64(m) }

// Decimal возвращает сумму как decimal.Decimal.
func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), moneyExp) }

func (m Money) String() string { return m.Decimal().StringFixed(-moneyExp) }

// MulQty умножает цену на количество с контролем переполнения.
func (m Money) MulQty(qty int32) (Money, error) {
	if qty == 0 || m == 0 {
		return 0, nil
	}
	q := int64(qty)
	product := int64(m) * q
	if product/q != int64(m) {
		return 0, ErrAmountOverflow
	}
	return Money(product), nil
}

// Add складывает суммы с контролем переполнения.
func (m Money) Add(other Money) (Money, error) {
	sum := int64(m) + int64(other)
	if (other > 0 && sum < int64(m)) || (other < 0 && sum > int64(m)) {
		return 0, ErrAmountOverflow
	}
	return Money(sum), nil
}

// MarshalJSON пишет сумму числом с двумя знаками после запятой.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON принимает число или строку с десятичной суммой.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return validationError(fmt.Sprintf("invalid amount: %s", string(data)))
	}
	parsed, err := moneyFromDecimal(d)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
