package enhancement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/normalizer"
)

// RuleService manages a user's rules. Every mutation clears the lookup cache.
type RuleService struct {
	store  RuleStore
	cache  *LookupCache
	logger *slog.Logger
}

func NewRuleService(store RuleStore, cache *LookupCache, logger *slog.Logger) *RuleService {
	return &RuleService{store: store, cache: cache, logger: logger}
}

// CreateRule normalizes the pattern the way descriptions are normalized,
// validates the rule and stores it.
func (s *RuleService) CreateRule(ctx context.Context, rule *Rule) error {
	rule.Pattern = normalizer.NormalizeDescription(rule.Pattern)
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return err
	}
	s.invalidate()

	s.logger.InfoContext(ctx, "Created enhancement rule",
		slog.String("rule_id", rule.ID.String()),
		slog.String("pattern", rule.Pattern),
		slog.String("match_type", rule.MatchType.String()),
		slog.String("source", string(rule.Source)))
	return nil
}

func (s *RuleService) DeleteRule(ctx context.Context, userID, ruleID uuid.UUID) error {
	if err := s.store.DeleteRule(ctx, userID, ruleID); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *RuleService) ListRules(ctx context.Context, userID uuid.UUID) ([]Rule, error) {
	return s.store.ListUserRules(ctx, userID)
}

// Engine compiles the user's current rules.
func (s *RuleService) Engine(ctx context.Context, userID uuid.UUID) (*Engine, error) {
	rules, err := s.store.ListUserRules(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewEngine(rules), nil
}

// LearnFromManualAssignment turns a user's manual categorization into an
// exact rule for the same normalized description. An existing exact rule for
// the description is left alone and returned.
func (s *RuleService) LearnFromManualAssignment(ctx context.Context, userID uuid.UUID, description string, categoryID, counterpartyAccountID *uuid.UUID) (*Rule, error) {
	pattern := normalizer.NormalizeDescription(description)
	if pattern == "" {
		return nil, fmt.Errorf("%w: description %q normalizes to nothing", ErrInvalidRule, description)
	}

	existing, err := s.store.FindRule(ctx, userID, pattern, MatchExact)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	rule := &Rule{
		UserID:                userID,
		Pattern:               pattern,
		MatchType:             MatchExact,
		CategoryID:            categoryID,
		CounterpartyAccountID: counterpartyAccountID,
		Source:                SourceAuto,
	}
	if err := s.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// RuleRow is one line of a rule import file.
type RuleRow struct {
	Pattern        string `csv:"pattern"`
	MatchType      string `csv:"match_type"`
	MinAmount      string `csv:"min_amount"`
	MaxAmount      string `csv:"max_amount"`
	StartDate      string `csv:"start_date"`
	EndDate        string `csv:"end_date"`
	CategoryID     string `csv:"category_id"`
	CounterpartyID string `csv:"counterparty_account_id"`
}

// RuleImportError reports a rejected line of a rule import file. Line 1 is
// the header.
type RuleImportError struct {
	Line int
	Err  error
}

func (e RuleImportError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RuleImportError) Unwrap() error {
	return e.Err
}

// ImportRulesCSV creates a manual rule per valid line. Invalid lines are
// reported and skipped; a store failure aborts the import.
func (s *RuleService) ImportRulesCSV(ctx context.Context, userID uuid.UUID, r io.Reader) (int, []RuleImportError, error) {
	var rows []RuleRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return 0, nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	var (
		created int
		rejects []RuleImportError
	)
	for i, row := range rows {
		line := i + 2

		rule, err := row.toRule(userID)
		if err == nil {
			rule.Pattern = normalizer.NormalizeDescription(rule.Pattern)
			err = rule.Validate()
		}
		if err != nil {
			rejects = append(rejects, RuleImportError{Line: line, Err: err})
			continue
		}
		if err := s.store.CreateRule(ctx, rule); err != nil {
			return created, rejects, fmt.Errorf("failed to import rule on line %d: %w", line, err)
		}
		created++
	}

	if created > 0 {
		s.invalidate()
	}
	s.logger.InfoContext(ctx, "Imported enhancement rules",
		slog.String("user_id", userID.String()),
		slog.Int("created", created),
		slog.Int("rejected", len(rejects)))
	return created, rejects, nil
}

func (row RuleRow) toRule(userID uuid.UUID) (*Rule, error) {
	matchType, err := ParseMatchType(row.MatchType)
	if err != nil {
		return nil, err
	}

	rule := &Rule{
		UserID:    userID,
		Pattern:   row.Pattern,
		MatchType: matchType,
		Source:    SourceManual,
	}
	if rule.MinAmount, err = optionalDecimal(row.MinAmount); err != nil {
		return nil, err
	}
	if rule.MaxAmount, err = optionalDecimal(row.MaxAmount); err != nil {
		return nil, err
	}
	if rule.StartDate, err = optionalDate(row.StartDate); err != nil {
		return nil, err
	}
	if rule.EndDate, err = optionalDate(row.EndDate); err != nil {
		return nil, err
	}
	if rule.CategoryID, err = optionalUUID(row.CategoryID); err != nil {
		return nil, err
	}
	if rule.CounterpartyAccountID, err = optionalUUID(row.CounterpartyID); err != nil {
		return nil, err
	}
	return rule, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidRule, s)
	}
	return &d, nil
}

func optionalDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q", ErrInvalidRule, s)
	}
	return &t, nil
}

func optionalUUID(s string) (*uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: id %q", ErrInvalidRule, s)
	}
	return &id, nil
}

func (s *RuleService) invalidate() {
	if s.cache != nil {
		s.cache.Clear()
	}
}
