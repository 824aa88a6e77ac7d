package schema

import (
	"context"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/normalizer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/sniffer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/tabular"
)

const (
	// runLength consecutive matching cells mark where data begins in a column.
	runLength = 2
	// sampleSize rows after the data start are scored per column.
	sampleSize = 10
	// minDescriptionLen is the shortest cell counted as a description.
	minDescriptionLen = 5
)

// HeuristicDetector infers a layout from the shape of the data cells alone.
// It makes no external calls and is deterministic.
type HeuristicDetector struct{}

func NewHeuristicDetector() *HeuristicDetector {
	return &HeuristicDetector{}
}

// DetectSchema finds the first data row as the most common start of a run of
// date-like or amount-like cells across columns, then scores the rows after it
// to pick the date, amount and description columns.
func (d *HeuristicDetector) DetectSchema(_ context.Context, src *tabular.Source) (*Analysis, error) {
	rowCount := src.RowCount()
	if rowCount == 0 {
		return nil, &EmptySourceError{}
	}

	dataStart := inferDataStart(src)
	headerRow := max(dataStart-1, 0)

	labels := HeaderLabels(src, headerRow)
	sample := src.Slice(dataStart, dataStart+sampleSize)

	analysis := &Analysis{
		HeaderRowIndex:    headerRow,
		DataStartRowIndex: dataStart,
	}
	analysis.ColumnMapping = mapColumns(labels, sample)
	return analysis, nil
}

// inferDataStart returns the data start row in raw grid coordinates. Row 0 is
// always read as a header line, so the result is at least 1 when the source
// has a second row.
func inferDataStart(src *tabular.Source) int {
	rowCount := src.RowCount()
	if rowCount == 1 {
		// header only, zero data rows
		return 1
	}

	var candidates []int
	for col := 0; col < src.ColumnCount(); col++ {
		values := src.Column(col)
		dateAt := firstRun(values, normalizer.IsProbableDate)
		amountAt := firstRun(values, normalizer.IsProbableAmount)

		switch {
		case dateAt >= 0 && amountAt >= 0:
			candidates = append(candidates, min(dateAt, amountAt))
		case dateAt >= 0:
			candidates = append(candidates, dateAt)
		case amountAt >= 0:
			candidates = append(candidates, amountAt)
		}
	}

	if len(candidates) == 0 {
		return 1
	}

	start := mode(candidates)
	return min(max(start, 1), rowCount-1)
}

// firstRun returns the first index starting runLength consecutive values
// that satisfy pred, or -1.
func firstRun(values []string, pred func(string) bool) int {
	run := 0
	for i, v := range values {
		if pred(v) {
			run++
			if run == runLength {
				return i - runLength + 1
			}
			continue
		}
		run = 0
	}
	return -1
}

// mode returns the most frequent value. Ties go to the value seen first.
func mode(values []int) int {
	counts := make(map[int]int, len(values))
	best, bestCount := values[0], 0
	for _, v := range values {
		counts[v]++
	}
	for _, v := range values {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

type columnScore struct {
	date, amount, description int
}

func scoreColumns(width int, sample [][]string) []columnScore {
	scores := make([]columnScore, width)
	for _, row := range sample {
		for col := 0; col < width && col < len(row); col++ {
			switch tabular.Classify(row[col]) {
			case tabular.CellDate:
				scores[col].date++
			case tabular.CellNumber:
				scores[col].amount++
			case tabular.CellText:
				if len([]rune(row[col])) >= minDescriptionLen {
					scores[col].description++
				}
			}
		}
	}
	return scores
}

// mapColumns picks date, then amount, then description, never reusing a
// column. Header keywords fill the optional fields and keep running balance
// and debit/credit columns out of the amount slot.
func mapColumns(labels []string, sample [][]string) ColumnMapping {
	var mapping ColumnMapping
	if len(sample) == 0 {
		return mapping
	}

	scores := scoreColumns(len(labels), sample)
	hints := sniffer.SuggestColumns(labels)

	used := make(map[int]bool)
	accept := func(score func(columnScore) int, exclude map[int]bool) int {
		best, bestScore := -1, 0
		for col, s := range scores {
			if used[col] || exclude[col] {
				continue
			}
			if v := score(s); v > bestScore {
				best, bestScore = col, v
			}
		}
		if best < 0 || bestScore*2 < len(sample) {
			return -1
		}
		used[best] = true
		return best
	}

	notAmount := map[int]bool{}
	if hints.BalanceCol >= 0 {
		notAmount[hints.BalanceCol] = true
	}
	if hints.IsDoubleEntry() {
		notAmount[hints.DebitCol] = true
		notAmount[hints.CreditCol] = true
	}

	if col := accept(func(s columnScore) int { return s.date }, nil); col >= 0 {
		mapping.Date = labels[col]
	}
	if col := accept(func(s columnScore) int { return s.amount }, notAmount); col >= 0 {
		mapping.Amount = labels[col]
	}
	if col := accept(func(s columnScore) int { return s.description }, nil); col >= 0 {
		mapping.Description = labels[col]
	}

	label := func(col int) string {
		if col < 0 || used[col] {
			return ""
		}
		return labels[col]
	}
	if hints.IsDoubleEntry() {
		mapping.DebitAmount = label(hints.DebitCol)
		mapping.CreditAmount = label(hints.CreditCol)
	}
	mapping.Currency = label(hints.CurrencyCol)
	mapping.Balance = label(hints.BalanceCol)
	return mapping
}
