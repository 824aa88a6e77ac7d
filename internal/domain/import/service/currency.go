package service

import (
	"strings"
	"unicode"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/schema"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/tabular"
	"github.com/FACorreiaa/statement-pipeline/pkg/money"
)

const currencyProbeRows = 20

// detectSourceCurrency looks for the statement currency in the title lines
// above the header, then in the mapped currency column.
func detectSourceCurrency(src *tabular.Source, analysis *schema.Analysis) (string, bool) {
	for i := 0; i < analysis.HeaderRowIndex && i < src.RowCount(); i++ {
		line := strings.TrimSpace(strings.Join(src.Rows[i], " "))
		if line == "" {
			continue
		}
		if code, ok := detectCurrencyFromLine(line); ok {
			return code, true
		}
	}

	col := currencyColumn(schema.HeaderLabels(src, analysis.HeaderRowIndex), analysis.ColumnMapping.Currency)
	if col < 0 {
		return "", false
	}
	end := min(src.RowCount(), analysis.DataStartRowIndex+currencyProbeRows)
	for row := analysis.DataStartRowIndex; row < end; row++ {
		value := src.Cell(row, col)
		if value == "" {
			continue
		}
		if code, ok := normalizeCurrencyCode(value); ok {
			return code, true
		}
		if code, ok := detectCurrencyFromSymbols(value); ok {
			return code, true
		}
	}
	return "", false
}

func currencyColumn(headers []string, label string) int {
	if label == "" {
		return -1
	}
	for i, h := range headers {
		if strings.EqualFold(h, label) {
			return i
		}
	}
	return -1
}

func detectCurrencyFromLine(line string) (string, bool) {
	if code, ok := detectCurrencyFromSymbols(line); ok {
		return code, true
	}
	if containsCurrencyKeyword(strings.ToLower(line)) {
		if code, ok := extractSingleCurrencyToken(line); ok {
			return code, true
		}
	}
	return "", false
}

func normalizeCurrencyCode(value string) (string, bool) {
	cleaned := strings.ToUpper(strings.Trim(strings.TrimSpace(value), "\"'"))
	if cleaned == "" {
		return "", false
	}
	if money.IsKnownCurrency(cleaned) {
		return cleaned, true
	}
	return extractSingleCurrencyToken(cleaned)
}

// extractSingleCurrencyToken accepts a line only when exactly one token in it
// is a known ISO code.
func extractSingleCurrencyToken(value string) (string, bool) {
	tokens := strings.FieldsFunc(strings.ToUpper(value), func(r rune) bool {
		switch r {
		case ';', ',', '\t', '|', '-', ':', '/', '(', ')':
			return true
		}
		return unicode.IsSpace(r)
	})

	found := ""
	for _, token := range tokens {
		token = strings.Trim(token, "\"'")
		if !money.IsKnownCurrency(token) || token == found {
			continue
		}
		if found != "" {
			return "", false
		}
		found = token
	}
	return found, found != ""
}

func containsCurrencyKeyword(lower string) bool {
	for _, kw := range []string{"currency", "moeda", "moneda", "divisa", "devise", "valuta", "währung"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func detectCurrencyFromSymbols(value string) (string, bool) {
	switch {
	case strings.Contains(value, "R$"):
		return "BRL", true
	case strings.Contains(value, "€"):
		return "EUR", true
	case strings.Contains(value, "£"):
		return "GBP", true
	case strings.Contains(value, "¥") || strings.Contains(value, "￥"):
		return "JPY", true
	case strings.Contains(value, "₹"):
		return "INR", true
	case strings.Contains(value, "₺"):
		return "TRY", true
	case strings.Contains(value, "₪"):
		return "ILS", true
	case strings.Contains(value, "$"):
		return "USD", true
	}
	return "", false
}
