// Package money provides currency-safe arithmetic on integer minor units for
// the statement totals reported after an import.
package money

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Common currency codes (ISO-4217)
const (
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
	BRL = "BRL"
	JPY = "JPY" // no minor unit
	CHF = "CHF"
)

// Money is a monetary value in minor units of one currency.
type Money struct {
	m *money.Money
}

// New creates Money from minor units.
func New(amountMinor int64, currencyCode string) *Money {
	return &Money{m: money.New(amountMinor, normalizeCode(currencyCode))}
}

// NewFromDecimal rounds amount to the currency's minor unit.
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	code := normalizeCode(currencyCode)
	fraction := money.New(0, code).Currency().Fraction
	minor := amount.Shift(int32(fraction)).Round(0).IntPart()
	return &Money{m: money.New(minor, code)}
}

// Zero returns a zero value in currencyCode.
func Zero(currencyCode string) *Money {
	return New(0, currencyCode)
}

// IsKnownCurrency reports whether code is an ISO-4217 code go-money knows.
func IsKnownCurrency(code string) bool {
	code = normalizeCode(code)
	return len(code) == 3 && money.GetCurrency(code) != nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Amount returns the value in minor units.
func (m *Money) Amount() int64 {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Amount()
}

// Currency returns the ISO code.
func (m *Money) Currency() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Currency().Code
}

func (m *Money) IsZero() bool {
	return m == nil || m.m == nil || m.m.IsZero()
}

func (m *Money) IsPositive() bool {
	return m != nil && m.m != nil && m.m.IsPositive()
}

func (m *Money) IsNegative() bool {
	return m != nil && m.m != nil && m.m.IsNegative()
}

// Abs returns the absolute value.
func (m *Money) Abs() *Money {
	if m == nil || m.m == nil {
		return Zero(USD)
	}
	return &Money{m: m.m.Absolute()}
}

// Add adds two values of the same currency.
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

// Subtract returns m - other.
func (m *Money) Subtract(other *Money) (*Money, error) {
	if other == nil || other.m == nil {
		return m, nil
	}
	if m == nil || m.m == nil {
		return &Money{m: other.m.Negative()}, nil
	}
	result, err := m.m.Subtract(other.m)
	if err != nil {
		return nil, err
	}
	return &Money{m: result}, nil
}

// Display formats with the currency symbol, e.g. "€1,234.56".
func (m *Money) Display() string {
	if m == nil || m.m == nil {
		return "$0.00"
	}
	return m.m.Display()
}

// String returns the plain decimal amount, e.g. "1234.56".
func (m *Money) String() string {
	if m == nil || m.m == nil {
		return "0.00"
	}
	return m.ToDecimal().StringFixed(int32(m.m.Currency().Fraction))
}

// ToDecimal converts back to a decimal in major units.
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil || m.m == nil {
		return decimal.Zero
	}
	return decimal.New(m.m.Amount(), -int32(m.m.Currency().Fraction))
}

type jsonMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

func (m *Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonMoney{Amount: m.Amount(), Currency: m.Currency(), Display: m.Display()})
}

// Totals is the income and expense summary of one currency.
type Totals struct {
	Currency string `json:"currency"`
	Income   *Money `json:"income"`
	Expenses *Money `json:"expenses"`
	Count    int    `json:"count"`
}

// NewTotals returns empty totals in currencyCode.
func NewTotals(currencyCode string) *Totals {
	code := normalizeCode(currencyCode)
	return &Totals{Currency: code, Income: Zero(code), Expenses: Zero(code)}
}

// Add books amount on the income side when positive and on the expense side
// when negative. Expenses are kept as a positive magnitude.
func (t *Totals) Add(amount decimal.Decimal) error {
	value := NewFromDecimal(amount, t.Currency)
	var err error
	switch {
	case value.IsPositive():
		t.Income, err = t.Income.Add(value)
	case value.IsNegative():
		t.Expenses, err = t.Expenses.Add(value.Abs())
	}
	if err != nil {
		return err
	}
	t.Count++
	return nil
}

// Net is income minus expenses.
func (t Totals) Net() *Money {
	net, err := t.Income.Subtract(t.Expenses)
	if err != nil {
		return Zero(t.Currency)
	}
	return net
}

func (t Totals) MarshalJSON() ([]byte, error) {
	type alias Totals
	return json.Marshal(struct {
		alias
		Net *Money `json:"net"`
	}{alias: alias(t), Net: t.Net()})
}

// Ledger keeps one Totals per currency.
type Ledger struct {
	byCurrency map[string]*Totals
}

func NewLedger() *Ledger {
	return &Ledger{byCurrency: make(map[string]*Totals)}
}

// Add books amount under currencyCode.
func (l *Ledger) Add(amount decimal.Decimal, currencyCode string) error {
	code := normalizeCode(currencyCode)
	totals, ok := l.byCurrency[code]
	if !ok {
		totals = NewTotals(code)
		l.byCurrency[code] = totals
	}
	return totals.Add(amount)
}

// Totals returns the per-currency totals sorted by currency code.
func (l *Ledger) Totals() []Totals {
	out := make([]Totals, 0, len(l.byCurrency))
	for _, t := range l.byCurrency {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}
