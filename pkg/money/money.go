// Package money provides currency-safe arithmetic on receipt amounts held in
// integer minor units.
package money

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Common currency codes (ISO-4217)
const (
	SEK = "SEK" // Swedish Krona
	NOK = "NOK" // Norwegian Krone
	DKK = "DKK" // Danish Krone
	EUR = "EUR" // Euro
)

// DefaultCurrency is used when a receipt carries no currency
const DefaultCurrency = SEK

// Money represents a monetary value with currency.
type Money struct {
	m *money.Money
}

// New creates a Money value from minor units and a currency code
func New(amountMinor int64, currencyCode string) *Money {
	if currencyCode == "" {
		currencyCode = DefaultCurrency
	}
	return &Money{m: money.New(amountMinor, currencyCode)}
}

// NewFromDecimal creates Money from a decimal amount in major units
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	currency := money.GetCurrency(currencyCode)
	if currency == nil {
		currencyCode = DefaultCurrency
		currency = money.GetCurrency(DefaultCurrency)
	}

	multiplier := decimal.New(1, int32(currency.Fraction))
	minor := amount.Mul(multiplier).Round(0).IntPart()

	return New(minor, currencyCode)
}

// NewFromString parses a printed receipt amount such as "24,90", "1 234,50 kr" or "12.5"
func NewFromString(amount string, currencyCode string) (*Money, error) {
	amount = strings.TrimSpace(amount)
	amount = strings.TrimSuffix(amount, "kr")
	amount = strings.ReplaceAll(amount, " ", "")
	amount = strings.ReplaceAll(amount, "\u00a0", "")

	// receipts print a comma as the decimal separator
	if strings.Contains(amount, ",") {
		amount = strings.ReplaceAll(amount, ".", "")
		amount = strings.ReplaceAll(amount, ",", ".")
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}

	return NewFromDecimal(d, currencyCode), nil
}

// Zero returns a zero Money value for the given currency
func Zero(currencyCode string) *Money {
	return New(0, currencyCode)
}

// Amount returns the amount in minor units
func (m *Money) Amount() int64 {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Amount()
}

// Currency returns the ISO-4217 currency code
func (m *Money) Currency() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Currency().Code
}

func (m *Money) IsZero() bool {
	return m == nil || m.m == nil || m.m.IsZero()
}

// Add adds two Money values. Returns error if currencies don't match.
func (m *Money) Add(other *Money) (*Money, error) {
	if m == nil || m.m == nil {
		return other, nil
	}
	if other == nil || other.m == nil {
		return m, nil
	}

	result, err := m.m.Add(other.m)
	if err != nil {
		return nil, err
	}
	return &Money{m: result}, nil
}

// Average splits the amount evenly over n purchases, rounding to the minor unit
func (m *Money) Average(n int) *Money {
	if m == nil || m.m == nil || n <= 0 {
		return Zero(m.Currency())
	}
	avg := decimal.NewFromInt(m.m.Amount()).Div(decimal.NewFromInt(int64(n))).Round(0)
	return &Money{m: money.New(avg.IntPart(), m.Currency())}
}

// PerUnit returns the price of one unit of quantity, zero when quantity is not positive
func (m *Money) PerUnit(quantity decimal.Decimal) *Money {
	if m == nil || m.m == nil || !quantity.IsPositive() {
		return Zero(m.Currency())
	}
	unit := decimal.NewFromInt(m.m.Amount()).Div(quantity).Round(0)
	return &Money{m: money.New(unit.IntPart(), m.Currency())}
}

// Display returns a formatted string for display (e.g., "1 234,50 kr")
func (m *Money) Display() string {
	if m == nil || m.m == nil {
		return New(0, DefaultCurrency).Display()
	}
	return m.m.Display()
}

// String returns the amount as a decimal string (e.g., "1234.5")
func (m *Money) String() string {
	if m == nil || m.m == nil {
		return "0"
	}
	return m.ToDecimal().String()
}

// ToDecimal converts to major units
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil || m.m == nil {
		return decimal.Zero
	}
	currency := m.m.Currency()
	d := decimal.NewFromInt(m.m.Amount())
	divisor := decimal.New(1, int32(currency.Fraction))
	return d.Div(divisor)
}

// ToFloat64 converts to float64 (use with caution for display only)
func (m *Money) ToFloat64() float64 {
	return m.ToDecimal().InexactFloat64()
}

// JSON marshaling
func (m *Money) MarshalJSON() ([]byte, error) {
	if m == nil || m.m == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(map[string]interface{}{
		"amount":   m.Amount(),
		"currency": m.Currency(),
		"display":  m.Display(),
	})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Currency == "" {
		v.Currency = DefaultCurrency
	}
	m.m = money.New(v.Amount, v.Currency)
	return nil
}
