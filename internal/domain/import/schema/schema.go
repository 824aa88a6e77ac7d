// Package schema infers where a statement's header and data rows are and which
// columns carry the canonical transaction fields.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/normalizer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/tabular"
)

// ColumnMapping is the field-to-label mapping a detector produces and the
// normalizer consumes.
type ColumnMapping = normalizer.ColumnMapping

// Analysis is the inferred layout of a source.
type Analysis struct {
	ColumnMapping     ColumnMapping `json:"column_mapping"`
	HeaderRowIndex    int           `json:"header_row_index"`
	DataStartRowIndex int           `json:"data_start_row_index"`
}

// Detector infers the layout of a tabular source.
type Detector interface {
	DetectSchema(ctx context.Context, src *tabular.Source) (*Analysis, error)
}

// EmptySourceError is returned for a source with no rows.
type EmptySourceError struct{}

func (EmptySourceError) Error() string { return "source has no rows" }

var ErrInvalidAnalysis = errors.New("invalid schema analysis")

// Validate checks the row indices of a against a source with rowCount rows.
func (a *Analysis) Validate(rowCount int) error {
	switch {
	case a.HeaderRowIndex < 0:
		return fmt.Errorf("%w: negative header row %d", ErrInvalidAnalysis, a.HeaderRowIndex)
	case a.DataStartRowIndex > rowCount:
		return fmt.Errorf("%w: data start %d beyond %d rows", ErrInvalidAnalysis, a.DataStartRowIndex, rowCount)
	case rowCount > 0 && a.DataStartRowIndex <= a.HeaderRowIndex:
		return fmt.Errorf("%w: data start %d not after header %d", ErrInvalidAnalysis, a.DataStartRowIndex, a.HeaderRowIndex)
	}
	return nil
}

// HeaderLabels reconstructs the column labels from the header row. Blank
// labels become "column_<n>" and repeated labels get a numeric suffix, so
// every label is unique and addressable by a ColumnMapping.
func HeaderLabels(src *tabular.Source, headerRow int) []string {
	width := src.ColumnCount()
	labels := make([]string, width)
	seen := make(map[string]int, width)

	for i := 0; i < width; i++ {
		label := src.Cell(headerRow, i)
		if label == "" {
			label = "column_" + strconv.Itoa(i+1)
		}
		key := strings.ToLower(label)
		if n := seen[key]; n > 0 {
			label = label + "_" + strconv.Itoa(n+1)
		}
		seen[key]++
		labels[i] = label
	}
	return labels
}

// DataRows returns the rows an analysis marks as data.
func DataRows(src *tabular.Source, a *Analysis) [][]string {
	return src.Slice(a.DataStartRowIndex, src.RowCount())
}
