// Package sniffer classifies raw statement uploads and probes their layout:
// file type, content hash, delimiter, regional number format and
// header-keyword column hints.
package sniffer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// FileType is the coarse classification of an upload.
type FileType string

const (
	FileTypeCSV     FileType = "csv"
	FileTypeXLSX    FileType = "xlsx"
	FileTypeUnknown FileType = "unknown"
)

// zipMagic is the local-file-header signature every XLSX starts with.
var zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}

var ErrUnsupportedFileType = errors.New("unsupported file type")

// DetectFileType sniffs the leading bytes of data. It never fails; anything it
// cannot classify is FileTypeUnknown.
func DetectFileType(data []byte) FileType {
	if bytes.HasPrefix(data, zipMagic) {
		return FileTypeXLSX
	}
	if bytes.IndexByte(data, ',') >= 0 && bytes.IndexByte(data, '\n') >= 0 && utf8.Valid(data) {
		return FileTypeCSV
	}
	return FileTypeUnknown
}

// ContentHash identifies an upload by name and bytes. It keys the
// file-analysis cache.
func ContentHash(filename string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(filename))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DetectDelimiter picks the delimiter that appears most on the widest of the
// first lines. Comma wins ties and is the default.
func DetectDelimiter(data []byte) rune {
	lines := strings.Split(string(data), "\n")
	best, bestCount := ',', 0
	for i, line := range lines {
		if i > 20 {
			break
		}
		line = cleanLine(line, i == 0)
		if line == "" {
			continue
		}
		d, count := detectDelimiter(line)
		if count > bestCount {
			best, bestCount = d, count
		}
	}
	return best
}

func cleanLine(line string, firstLine bool) string {
	line = strings.TrimRight(line, "\r")
	if firstLine {
		line = strings.TrimPrefix(line, "\uFEFF")
	}
	return strings.TrimSpace(line)
}

func detectDelimiter(line string) (rune, int) {
	delimiters := []rune{',', ';', '\t', '|'}
	bestDelimiter := rune(0)
	bestCount := 0
	for _, d := range delimiters {
		count := strings.Count(line, string(d))
		if count > bestCount {
			bestCount = count
			bestDelimiter = d
		}
	}
	return bestDelimiter, bestCount
}

// RegionalDialect is the inferred number format of a file.
type RegionalDialect struct {
	DecimalSeparator   rune
	ThousandsSeparator rune
	CurrencyHint       string
	Confidence         float64
	IsEuropeanFormat   bool
}

// ProbeDialect votes over the amount cells of sampleRows (column amountIdx)
// and currency markers anywhere in the row.
func ProbeDialect(sampleRows [][]string, amountIdx int) *RegionalDialect {
	dialect := &RegionalDialect{
		DecimalSeparator:   '.',
		ThousandsSeparator: ',',
		Confidence:         0.5,
	}

	europeanHints, usHints := 0, 0
	for _, row := range sampleRows {
		if amountIdx >= 0 && amountIdx < len(row) && row[amountIdx] != "" {
			switch hint := analyzeAmountFormat(row[amountIdx]); {
			case hint > 0:
				europeanHints++
			case hint < 0:
				usHints++
			}
		}

		for _, cell := range row {
			switch {
			case strings.Contains(cell, "€") || strings.Contains(cell, "EUR"):
				dialect.CurrencyHint = "EUR"
				europeanHints++
			case strings.Contains(cell, "R$") || strings.Contains(cell, "BRL"):
				dialect.CurrencyHint = "BRL"
				europeanHints++
			case strings.Contains(cell, "£") || strings.Contains(cell, "GBP"):
				dialect.CurrencyHint = "GBP"
				usHints++
			case strings.Contains(cell, "$"):
				if dialect.CurrencyHint == "" {
					dialect.CurrencyHint = "USD"
				}
				usHints++
			}
		}
	}

	if europeanHints > usHints {
		dialect.DecimalSeparator = ','
		dialect.ThousandsSeparator = '.'
		dialect.IsEuropeanFormat = true
	}

	if total := europeanHints + usHints; total > 0 {
		winning := max(europeanHints, usHints)
		dialect.Confidence = float64(winning) / float64(total)
	}
	return dialect
}

// analyzeAmountFormat returns >0 for European, <0 for US, 0 when ambiguous.
func analyzeAmountFormat(val string) int {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == ',' || r == '.' {
			return r
		}
		return -1
	}, val)
	if cleaned == "" {
		return 0
	}

	comma := strings.LastIndex(cleaned, ",")
	dot := strings.LastIndex(cleaned, ".")

	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			return 1 // 1.234,56
		}
		return -1 // 1,234.56
	case comma >= 0:
		if len(cleaned)-comma-1 <= 2 {
			return 1
		}
	case dot >= 0:
		if len(cleaned)-dot-1 <= 2 {
			return -1
		}
	}
	return 0
}

// ColumnSuggestions holds header-keyword hints as column indices (-1 when
// absent).
type ColumnSuggestions struct {
	DateCol     int
	DescCol     int
	AmountCol   int
	DebitCol    int
	CreditCol   int
	CurrencyCol int
	BalanceCol  int
}

// IsDoubleEntry reports whether separate debit and credit columns were found.
func (s *ColumnSuggestions) IsDoubleEntry() bool {
	return s.DebitCol != -1 && s.CreditCol != -1
}

var columnKeywords = map[string][]string{
	"date":     {"date", "data mov", "data", "fecha", "datum", "booking date", "value date"},
	"desc":     {"description", "descricao", "descripcion", "details", "merchant", "narrative", "memo", "payee"},
	"amount":   {"amount", "valor", "importe", "montante", "betrag"},
	"debit":    {"debit", "debito", "cargo", "withdrawal", "paid out", "money out"},
	"credit":   {"credit", "credito", "abono", "deposit", "paid in", "money in"},
	"currency": {"currency", "moeda", "divisa", "ccy", "waehrung"},
	"balance":  {"balance", "saldo", "running balance"},
}

// SuggestColumns matches header labels against known keywords. Matching is
// fuzzy so that "Débito (EUR)" or "Value Date" still hit.
func SuggestColumns(headers []string) *ColumnSuggestions {
	s := &ColumnSuggestions{
		DateCol: -1, DescCol: -1, AmountCol: -1,
		DebitCol: -1, CreditCol: -1, CurrencyCol: -1, BalanceCol: -1,
	}

	targets := []struct {
		key string
		col *int
	}{
		// balance before amount so "Balance Amount" is not taken as the amount
		{"balance", &s.BalanceCol},
		{"debit", &s.DebitCol},
		{"credit", &s.CreditCol},
		{"currency", &s.CurrencyCol},
		{"date", &s.DateCol},
		{"desc", &s.DescCol},
		{"amount", &s.AmountCol},
	}

	taken := make(map[int]bool)
	for _, target := range targets {
		for i, header := range headers {
			if taken[i] {
				continue
			}
			if MatchesKeyword(header, columnKeywords[target.key]) {
				*target.col = i
				taken[i] = true
				break
			}
		}
	}
	return s
}

// MatchesKeyword reports whether a header label names one of keywords.
func MatchesKeyword(header string, keywords []string) bool {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return false
	}
	for _, kw := range keywords {
		if h == kw || strings.Contains(h, kw) {
			return true
		}
		// fuzzy catches accents and small typos in longer labels
		if len(kw) >= 5 && fuzzy.MatchNormalizedFold(kw, h) && fuzzy.RankMatchNormalizedFold(kw, h) <= len(h)/2 {
			return true
		}
	}
	return false
}

// HeaderNames returns the keyword list for a column kind ("debit", "credit",
// "currency", "balance", "date", "desc", "amount").
func HeaderNames(kind string) []string {
	return columnKeywords[kind]
}
