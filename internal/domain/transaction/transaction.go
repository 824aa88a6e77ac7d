// Package transaction defines the canonical transaction record shared by the
// import pipeline, the enhancement engine and the job handlers.
package transaction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status tracks how a category or counterparty was assigned.
type Status string

const (
	StatusUncategorized Status = "uncategorized"
	StatusRuleBased     Status = "rule_based"
	StatusAISuggested   Status = "ai_suggested"
	StatusManual        Status = "manual"
)

// Record is a normalized statement line. It is created by the normalizer,
// enhanced by rules, persisted once and afterwards only changed through
// explicit updates.
type Record struct {
	ID                    uuid.UUID
	AccountID             uuid.UUID
	StatementID           uuid.UUID
	Date                  time.Time
	Description           string
	NormalizedDescription string
	Amount                decimal.Decimal
	CurrencyCode          string
	Balance               *decimal.Decimal
	RowIndex              int
	SortIndex             int

	CategoryID            *uuid.UUID
	CounterpartyAccountID *uuid.UUID
	CategorizationStatus  Status
	CounterpartyStatus    Status
}

// NeedsEnhancement reports whether either assignment is still open.
func (r *Record) NeedsEnhancement() bool {
	return r.CategoryID == nil || r.CounterpartyAccountID == nil
}

// Day truncates t to a calendar date in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
