// Package enhancement assigns categories and counterparty accounts to
// transactions with user-defined matching rules.
package enhancement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchType orders rules by precedence: lower values are tried first.
type MatchType int

const (
	MatchExact  MatchType = 1
	MatchPrefix MatchType = 2
	MatchInfix  MatchType = 3
)

func (m MatchType) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchInfix:
		return "infix"
	default:
		return fmt.Sprintf("match_type(%d)", int(m))
	}
}

// ParseMatchType accepts the names used in rule files.
func ParseMatchType(s string) (MatchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "1":
		return MatchExact, nil
	case "prefix", "starts_with", "2":
		return MatchPrefix, nil
	case "infix", "contains", "3":
		return MatchInfix, nil
	}
	return 0, fmt.Errorf("%w: unknown match type %q", ErrInvalidRule, s)
}

// Source records who created a rule.
type Source string

const (
	SourceManual Source = "manual"
	SourceAuto   Source = "auto"
)

var ErrInvalidRule = errors.New("invalid rule")

// Rule assigns a category and/or counterparty to transactions whose
// normalized description matches Pattern. Bounds are inclusive; nil bounds
// do not constrain.
type Rule struct {
	ID                    uuid.UUID
	UserID                uuid.UUID
	Pattern               string
	MatchType             MatchType
	MinAmount             *decimal.Decimal
	MaxAmount             *decimal.Decimal
	StartDate             *time.Time
	EndDate               *time.Time
	CategoryID            *uuid.UUID
	CounterpartyAccountID *uuid.UUID
	Source                Source
	CreatedAt             time.Time
}

// Validate checks the rule's invariants.
func (r *Rule) Validate() error {
	if r.CategoryID == nil && r.CounterpartyAccountID == nil {
		return fmt.Errorf("%w: needs a category or a counterparty account", ErrInvalidRule)
	}
	if r.MatchType < MatchExact || r.MatchType > MatchInfix {
		return fmt.Errorf("%w: match type %d", ErrInvalidRule, r.MatchType)
	}
	if r.MatchType == MatchExact && r.Pattern == "" {
		return fmt.Errorf("%w: exact rule with empty pattern", ErrInvalidRule)
	}
	if r.MinAmount != nil && r.MaxAmount != nil && r.MinAmount.GreaterThan(*r.MaxAmount) {
		return fmt.Errorf("%w: min amount above max amount", ErrInvalidRule)
	}
	if r.StartDate != nil && r.EndDate != nil && r.StartDate.After(*r.EndDate) {
		return fmt.Errorf("%w: start date after end date", ErrInvalidRule)
	}
	if r.Source == "" {
		r.Source = SourceManual
	}
	return nil
}

// MatchesDescription applies the pattern predicate only.
func (r *Rule) MatchesDescription(normalized string) bool {
	switch r.MatchType {
	case MatchExact:
		return normalized == r.Pattern
	case MatchPrefix:
		return strings.HasPrefix(normalized, r.Pattern)
	case MatchInfix:
		return strings.Contains(normalized, r.Pattern)
	}
	return false
}

// InBounds applies the amount and date bounds only.
func (r *Rule) InBounds(amount decimal.Decimal, date time.Time) bool {
	if r.MinAmount != nil && amount.LessThan(*r.MinAmount) {
		return false
	}
	if r.MaxAmount != nil && amount.GreaterThan(*r.MaxAmount) {
		return false
	}
	if r.StartDate != nil && date.Before(*r.StartDate) {
		return false
	}
	if r.EndDate != nil && date.After(*r.EndDate) {
		return false
	}
	return true
}

// HasDateBounds reports whether the rule needs a transaction date to evaluate.
func (r *Rule) HasDateBounds() bool {
	return r.StartDate != nil || r.EndDate != nil
}

// HasAmountBounds reports whether the rule needs an amount to evaluate.
func (r *Rule) HasAmountBounds() bool {
	return r.MinAmount != nil || r.MaxAmount != nil
}
