// Package tabular turns raw CSV or XLSX bytes into an in-memory grid of cells.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/normalizer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/sniffer"
)

var ErrEmptyFile = errors.New("file is empty")

// CellKind classifies a single cell.
type CellKind int

const (
	CellEmpty CellKind = iota
	CellText
	CellNumber
	CellDate
)

// Source is the raw grid of a statement, title and header lines included.
// Rows may have different lengths.
type Source struct {
	Rows [][]string
}

func (s *Source) RowCount() int { return len(s.Rows) }

// ColumnCount is the width of the widest row.
func (s *Source) ColumnCount() int {
	width := 0
	for _, row := range s.Rows {
		width = max(width, len(row))
	}
	return width
}

// Cell returns the trimmed value at (row, col), or "" when out of range.
func (s *Source) Cell(row, col int) string {
	if row < 0 || row >= len(s.Rows) || col < 0 || col >= len(s.Rows[row]) {
		return ""
	}
	return strings.TrimSpace(s.Rows[row][col])
}

// Column returns every value of column col, top to bottom.
func (s *Source) Column(col int) []string {
	values := make([]string, len(s.Rows))
	for i := range s.Rows {
		values[i] = s.Cell(i, col)
	}
	return values
}

// Slice returns rows [from, to) clamped to the grid.
func (s *Source) Slice(from, to int) [][]string {
	from = min(max(from, 0), len(s.Rows))
	to = min(max(to, from), len(s.Rows))
	return s.Rows[from:to]
}

// Kind classifies the cell at (row, col).
func (s *Source) Kind(row, col int) CellKind {
	return Classify(s.Cell(row, col))
}

// Classify returns the kind of a cell value.
func Classify(v string) CellKind {
	switch {
	case strings.TrimSpace(v) == "":
		return CellEmpty
	case normalizer.IsProbableDate(v):
		return CellDate
	case normalizer.IsProbableAmount(v):
		return CellNumber
	default:
		return CellText
	}
}

// Load parses data according to its detected type.
func Load(data []byte, fileType sniffer.FileType) (*Source, error) {
	switch fileType {
	case sniffer.FileTypeCSV:
		return FromCSV(data)
	case sniffer.FileTypeXLSX:
		return FromXLSX(data)
	default:
		return nil, sniffer.ErrUnsupportedFileType
	}
}

// FromCSV reads a delimited text file. Latin-1 input is decoded and a UTF-8
// BOM is dropped.
func FromCSV(data []byte) (*Source, error) {
	data = normalizeCSVBytes(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffer.DetectDelimiter(data)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		rows = append(rows, trimRow(record))
	}

	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}
	return &Source{Rows: rows}, nil
}

// FromXLSX reads the most likely transaction sheet of a workbook.
func FromXLSX(data []byte) (*Source, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheetName := findTransactionSheet(f.GetSheetList())
	if sheetName == "" {
		return nil, errors.New("no suitable sheet found")
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheetName, err)
	}

	// excelize keeps blank rows inside the used range; csv does not
	grid := make([][]string, 0, len(rows))
	for _, row := range rows {
		row = trimRow(row)
		if isBlank(row) {
			continue
		}
		grid = append(grid, row)
	}

	if len(grid) == 0 {
		return nil, ErrEmptyFile
	}
	return &Source{Rows: grid}, nil
}

func findTransactionSheet(sheets []string) string {
	if len(sheets) == 0 {
		return ""
	}
	preferredNames := []string{
		"transactions", "movimentos", "extrato",
		"statement", "data", "sheet1",
	}
	for _, preferred := range preferredNames {
		for _, sheet := range sheets {
			if strings.EqualFold(sheet, preferred) {
				return sheet
			}
		}
	}
	return sheets[0]
}

func trimRow(row []string) []string {
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	return row
}

func isBlank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}

func normalizeCSVBytes(data []byte) []byte {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}
