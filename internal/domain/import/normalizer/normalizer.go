// Package normalizer projects tabular statement rows onto canonical
// transaction fields. It owns the cell parsers (dates, amounts,
// descriptions) the schema detector also uses to classify cells.
package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/sniffer"
)

// ColumnMapping maps each canonical field to a source column label. An empty
// string means the field is absent from the source.
type ColumnMapping struct {
	Date         string `json:"date"`
	Description  string `json:"description"`
	Amount       string `json:"amount"`
	DebitAmount  string `json:"debit_amount"`
	CreditAmount string `json:"credit_amount"`
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
}

// HasDebitCredit reports whether both halves of a debit/credit pair are mapped.
func (m ColumnMapping) HasDebitCredit() bool {
	return m.DebitAmount != "" && m.CreditAmount != ""
}

// MissingRequiredColumnError is returned when a required field cannot be
// resolved to a source column.
type MissingRequiredColumnError struct {
	Field string
	Label string
}

func (e *MissingRequiredColumnError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("required column %q mapped to %q not found in header", e.Field, e.Label)
	}
	return fmt.Sprintf("required column %q is not mapped", e.Field)
}

// ParseError represents a row that could not be normalized
type ParseError struct {
	Row     int    `json:"row"`
	Column  string `json:"column"`
	Message string `json:"message"`
	RawData string `json:"raw_data,omitempty"`
}

func (e ParseError) Error() string {
	return fmt.Sprintf("row %d, column %s: %s", e.Row, e.Column, e.Message)
}

// Row is one normalized statement line.
type Row struct {
	// Index is the position of the row in the input slice.
	Index        int
	Date         time.Time
	Description  string
	Amount       decimal.Decimal
	CurrencyCode string
	Balance      *decimal.Decimal
}

type Options struct {
	// EuropeanFormat forces the number format. Nil probes the rows.
	EuropeanFormat *bool
	// MonthFirst reads ambiguous dates as MM/DD.
	MonthFirst      bool
	DefaultCurrency string
}

type Result struct {
	Rows        []Row
	Errors      []ParseError
	SkippedRows int
	// European is the number format that was applied.
	European bool
}

type columnIndex struct {
	date, desc, amount, debit, credit, currency, balance int
}

// Normalize projects rows through mapping. header names the columns of rows;
// rows hold data only, the caller has already dropped title and header lines.
func Normalize(header []string, rows [][]string, mapping ColumnMapping, opts Options) (*Result, error) {
	idx, err := resolveColumns(header, mapping)
	if err != nil {
		return nil, err
	}

	european := false
	if opts.EuropeanFormat != nil {
		european = *opts.EuropeanFormat
	} else {
		probeCol := idx.amount
		if probeCol < 0 {
			probeCol = idx.debit
		}
		sample := rows
		if len(sample) > 50 {
			sample = sample[:50]
		}
		european = sniffer.ProbeDialect(sample, probeCol).IsEuropeanFormat
	}

	result := &Result{
		Rows:     make([]Row, 0, len(rows)),
		European: european,
	}

	for i, record := range rows {
		row, parseErr := normalizeRow(i, record, idx, european, opts)
		if parseErr != nil {
			result.Errors = append(result.Errors, *parseErr)
			continue
		}
		if row == nil {
			result.SkippedRows++
			continue
		}
		result.Rows = append(result.Rows, *row)
	}
	return result, nil
}

func resolveColumns(header []string, m ColumnMapping) (columnIndex, error) {
	find := func(label string) int {
		if label == "" {
			return -1
		}
		for i, h := range header {
			if strings.TrimSpace(h) == label {
				return i
			}
		}
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(label)) {
				return i
			}
		}
		return -1
	}

	idx := columnIndex{
		date:     find(m.Date),
		desc:     find(m.Description),
		amount:   find(m.Amount),
		debit:    find(m.DebitAmount),
		credit:   find(m.CreditAmount),
		currency: find(m.Currency),
		balance:  find(m.Balance),
	}

	required := []struct {
		field, label string
		col          int
	}{
		{"date", m.Date, idx.date},
		{"description", m.Description, idx.desc},
	}
	for _, r := range required {
		if r.col < 0 {
			return idx, &MissingRequiredColumnError{Field: r.field, Label: r.label}
		}
	}

	if idx.amount < 0 && (idx.debit < 0 || idx.credit < 0) {
		label := m.Amount
		if label == "" && m.HasDebitCredit() {
			label = m.DebitAmount + "/" + m.CreditAmount
		}
		return idx, &MissingRequiredColumnError{Field: "amount", Label: label}
	}
	return idx, nil
}

func normalizeRow(i int, record []string, idx columnIndex, european bool, opts Options) (*Row, *ParseError) {
	get := func(col int) string {
		if col < 0 || col >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[col])
	}

	dateStr := get(idx.date)
	if dateStr == "" {
		// blank lines and footers
		return nil, nil
	}
	date, err := ParseDate(dateStr, opts.MonthFirst)
	if err != nil {
		return nil, &ParseError{Row: i, Column: "date", Message: err.Error(), RawData: dateStr}
	}

	desc := CleanDescription(get(idx.desc))
	if desc == "" {
		return nil, &ParseError{Row: i, Column: "description", Message: "missing description"}
	}

	var (
		amount   decimal.Decimal
		currency string
	)
	if idx.amount >= 0 {
		amountStr := get(idx.amount)
		if amountStr == "" {
			return nil, &ParseError{Row: i, Column: "amount", Message: "missing amount"}
		}
		amount, currency, err = ParseAmount(amountStr, european)
		if err != nil {
			return nil, &ParseError{Row: i, Column: "amount", Message: err.Error(), RawData: amountStr}
		}
	} else {
		debitStr, creditStr := get(idx.debit), get(idx.credit)
		debit, debitCur, debitErr := ParseAmount(debitStr, european)
		credit, creditCur, creditErr := ParseAmount(creditStr, european)
		if debitErr != nil && creditErr != nil {
			return nil, &ParseError{
				Row:     i,
				Column:  "amount",
				Message: "no debit or credit amount",
				RawData: debitStr + "|" + creditStr,
			}
		}
		amount = NormalizeDebitCredit(debit, credit)
		currency = debitCur
		if currency == "" {
			currency = creditCur
		}
	}

	if cell := get(idx.currency); cell != "" {
		code, ok := currencyCode(cell)
		if !ok {
			return nil, &ParseError{Row: i, Column: "currency", Message: "unknown currency", RawData: cell}
		}
		currency = code
	}
	if currency == "" {
		currency = opts.DefaultCurrency
	}

	row := &Row{
		Index:        i,
		Date:         date,
		Description:  desc,
		Amount:       amount,
		CurrencyCode: currency,
	}
	if balanceStr := get(idx.balance); balanceStr != "" {
		if balance, _, err := ParseAmount(balanceStr, european); err == nil {
			row.Balance = &balance
		}
	}
	return row, nil
}

// currencyCode accepts ISO 4217 codes or symbols from a currency column.
func currencyCode(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, cs := range currencySymbols {
		if s == cs.marker {
			return cs.code, true
		}
	}
	if len(s) == 3 && money.GetCurrency(s) != nil {
		return s, true
	}
	return "", false
}
