package normalizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// currencySymbols maps symbols and codes found inside amount cells to ISO
// codes. Longer markers first so "R$" is not read as "$".
var currencySymbols = []struct {
	marker string
	code   string
}{
	{"R$", "BRL"},
	{"US$", "USD"},
	{"USD", "USD"},
	{"EUR", "EUR"},
	{"GBP", "GBP"},
	{"BRL", "BRL"},
	{"CHF", "CHF"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"$", "USD"},
}

// ParseAmount parses a money cell into a signed decimal and the currency code
// hinted by any symbol in it. european selects "1.234,56" over "1,234.56" when
// the cell alone is ambiguous.
func ParseAmount(s string, european bool) (decimal.Decimal, string, error) {
	raw := s
	s, currency := stripCurrency(strings.TrimSpace(s))
	if s == "" {
		return decimal.Zero, currency, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	negative := false
	switch {
	case strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"):
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	case strings.HasSuffix(s, "-"):
		negative = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "-"))
	}
	// unicode minus shows up in some exports
	s = strings.Replace(s, "\u2212", "-", 1)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	} else if strings.HasPrefix(s, "+") {
		s = strings.TrimSpace(s[1:])
	}

	number, ok := canonicalNumber(s, european)
	if !ok {
		return decimal.Zero, currency, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	d, err := decimal.NewFromString(number)
	if err != nil {
		return decimal.Zero, currency, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if negative {
		d = d.Neg()
	}
	return d, currency, nil
}

// IsProbableAmount reports whether s is numeric once currency markers, sign
// and thousands separators are removed.
func IsProbableAmount(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	_, _, err := ParseAmount(s, looksEuropean(s))
	return err == nil
}

// NormalizeDebitCredit collapses a debit/credit pair into one signed amount:
// money out is negative, money in is positive, whatever sign the bank used.
func NormalizeDebitCredit(debit, credit decimal.Decimal) decimal.Decimal {
	return credit.Abs().Sub(debit.Abs())
}

func stripCurrency(s string) (string, string) {
	currency := ""
	for _, cs := range currencySymbols {
		if strings.Contains(s, cs.marker) {
			if currency == "" {
				currency = cs.code
			}
			s = strings.ReplaceAll(s, cs.marker, "")
		}
	}
	s = strings.ReplaceAll(s, "\u00a0", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "'", "")
	return s, currency
}

// canonicalNumber rewrites s into "1234.56" form. It accepts digits with
// thousands separators and at most one decimal separator.
func canonicalNumber(s string, european bool) (string, bool) {
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return "", false
		}
	}

	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")

	decimalSep := byte(0)
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			decimalSep = ','
		} else {
			decimalSep = '.'
		}
	case comma >= 0:
		if strings.Count(s, ",") == 1 && (european || len(s)-comma-1 != 3) {
			decimalSep = ','
		}
	case dot >= 0:
		if strings.Count(s, ".") == 1 && (!european || len(s)-dot-1 != 3) {
			decimalSep = '.'
		}
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalSep && i == strings.LastIndexByte(s, decimalSep):
			b.WriteByte('.')
		case c == decimalSep:
			return "", false
		}
	}

	out := b.String()
	if out == "" || out == "." {
		return "", false
	}
	return out, true
}

// looksEuropean guesses the number format of a single cell.
func looksEuropean(s string) bool {
	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	return comma > dot
}
