package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/tabular"
)

// TextGenerator is a prompt-in, text-out model.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

const llmSampleRows = 20

// LLMDetector asks a language model for the layout and falls back to the
// heuristic detector when the model fails or answers something unusable.
type LLMDetector struct {
	generator TextGenerator
	fallback  Detector
	logger    *slog.Logger
}

func NewLLMDetector(generator TextGenerator, fallback Detector, logger *slog.Logger) *LLMDetector {
	if fallback == nil {
		fallback = NewHeuristicDetector()
	}
	return &LLMDetector{generator: generator, fallback: fallback, logger: logger}
}

type llmAnswer struct {
	ColumnMap map[string]string `json:"column_map"`
	HeaderRow int               `json:"header_row"`
	StartRow  int               `json:"start_row"`
}

func (d *LLMDetector) DetectSchema(ctx context.Context, src *tabular.Source) (*Analysis, error) {
	if src.RowCount() == 0 {
		return nil, &EmptySourceError{}
	}

	analysis, err := d.ask(ctx, src)
	if err != nil {
		d.logger.Warn("llm schema detection failed, using heuristic", slog.Any("error", err))
		return d.fallback.DetectSchema(ctx, src)
	}
	return analysis, nil
}

func (d *LLMDetector) ask(ctx context.Context, src *tabular.Source) (*Analysis, error) {
	sample, err := renderSample(src, llmSampleRows)
	if err != nil {
		return nil, err
	}

	raw, err := d.generator.GenerateText(ctx, buildPrompt(sample))
	if err != nil {
		return nil, fmt.Errorf("failed to generate: %w", err)
	}

	var answer llmAnswer
	if err := json.Unmarshal([]byte(CleanModelJSON(raw)), &answer); err != nil {
		return nil, fmt.Errorf("failed to decode model answer: %w", err)
	}

	analysis := &Analysis{
		HeaderRowIndex:    answer.HeaderRow,
		DataStartRowIndex: answer.StartRow,
		ColumnMapping: ColumnMapping{
			Date:         answer.ColumnMap["date"],
			Description:  answer.ColumnMap["description"],
			Amount:       answer.ColumnMap["amount"],
			DebitAmount:  answer.ColumnMap["debit_amount"],
			CreditAmount: answer.ColumnMap["credit_amount"],
			Currency:     answer.ColumnMap["currency"],
			Balance:      answer.ColumnMap["balance"],
		},
	}
	if err := analysis.Validate(src.RowCount()); err != nil {
		return nil, err
	}

	labels := HeaderLabels(src, analysis.HeaderRowIndex)
	m := analysis.ColumnMapping
	for _, label := range []string{m.Date, m.Description, m.Amount, m.DebitAmount, m.CreditAmount, m.Currency, m.Balance} {
		if label != "" && !slices.Contains(labels, label) {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidAnalysis, label)
		}
	}
	return analysis, nil
}

func renderSample(src *tabular.Source, n int) (string, error) {
	var buf bytes.Buffer
	w := gocsv.DefaultCSVWriter(&buf)
	for i, row := range src.Slice(0, n) {
		// prefix the raw row index so the model answers in our coordinates
		if err := w.Write(append([]string{fmt.Sprint(i)}, row...)); err != nil {
			return "", fmt.Errorf("failed to render sample: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to render sample: %w", err)
	}
	return buf.String(), nil
}

func buildPrompt(sample string) string {
	return `You are given the first rows of a bank statement export as CSV.
The first value of every line is the 0-based row index, not part of the data.
Identify the header row, the first transaction row and the header label of the
columns holding: date, description, amount, debit_amount, credit_amount,
currency, balance. Use "" for columns that do not exist. Use either amount or the
debit_amount/credit_amount pair.

Answer with JSON only, in this shape:
{"column_map": {"date": "", "description": "", "amount": "", "debit_amount": "", "credit_amount": "", "currency": "", "balance": ""}, "header_row": 0, "start_row": 1}

Rows:
` + sample
}

// CleanModelJSON strips markdown fences and any prose around the JSON object
// in a model answer.
func CleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
