package enhancement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/statement-pipeline/pkg/db"
)

// DescriptionAmount is one counterparty lookup input.
type DescriptionAmount struct {
	Description string
	Amount      decimal.Decimal
}

// RuleStore persists rules and resolves batches of descriptions against them.
type RuleStore interface {
	ListUserRules(ctx context.Context, userID uuid.UUID) ([]Rule, error)
	FindRule(ctx context.Context, userID uuid.UUID, pattern string, matchType MatchType) (*Rule, error)
	CreateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, userID, ruleID uuid.UUID) error
	MatchCategories(ctx context.Context, userID uuid.UUID, descriptions []string) (map[string]uuid.UUID, error)
	MatchCounterparties(ctx context.Context, userID uuid.UUID, items []DescriptionAmount) (map[string]uuid.UUID, error)
}

// PostgresRuleStore implements RuleStore on the enhancement_rules table.
type PostgresRuleStore struct {
	db db.Querier
}

func NewPostgresRuleStore(q db.Querier) *PostgresRuleStore {
	return &PostgresRuleStore{db: q}
}

const ruleColumns = `id, user_id, pattern, match_type, min_amount::text, max_amount::text,
		start_date, end_date, category_id, counterparty_account_id, source, created_at`

// ListUserRules returns a user's rules in creation order, which is their
// order within a precedence tier.
func (r *PostgresRuleStore) ListUserRules(ctx context.Context, userID uuid.UUID) ([]Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM enhancement_rules
		WHERE user_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// FindRule returns nil, nil when no rule has this pattern and match type.
func (r *PostgresRuleStore) FindRule(ctx context.Context, userID uuid.UUID, pattern string, matchType MatchType) (*Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM enhancement_rules
		WHERE user_id = $1 AND pattern = $2 AND match_type = $3
		ORDER BY created_at, id
		LIMIT 1
	`

	rule, err := scanRule(r.db.QueryRow(ctx, query, userID, pattern, int(matchType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rule, err
}

func (r *PostgresRuleStore) CreateRule(ctx context.Context, rule *Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}

	query := `
		INSERT INTO enhancement_rules (
			id, user_id, pattern, match_type, min_amount, max_amount,
			start_date, end_date, category_id, counterparty_account_id, source
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.UserID,
		rule.Pattern,
		int(rule.MatchType),
		decimalArg(rule.MinAmount),
		decimalArg(rule.MaxAmount),
		rule.StartDate,
		rule.EndDate,
		rule.CategoryID,
		rule.CounterpartyAccountID,
		string(rule.Source),
	).Scan(&rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// DeleteRule returns pgx.ErrNoRows when the rule does not exist.
func (r *PostgresRuleStore) DeleteRule(ctx context.Context, userID, ruleID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM enhancement_rules WHERE id = $1 AND user_id = $2`, ruleID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// descriptionPredicate is the SQL form of Rule.MatchesDescription.
const descriptionPredicate = `(
			(r.match_type = 1 AND d.description = r.pattern)
			OR (r.match_type = 2 AND left(d.description, length(r.pattern)) = r.pattern)
			OR (r.match_type = 3 AND strpos(d.description, r.pattern) > 0)
		)`

// MatchCategories resolves each description to the category of its first
// matching rule. A description whose first match carries no category gets
// nothing, the same as the import-time engine pass. Rules with amount or
// date bounds need more than a description and are skipped.
func (r *PostgresRuleStore) MatchCategories(ctx context.Context, userID uuid.UUID, descriptions []string) (map[string]uuid.UUID, error) {
	query := `
		SELECT best.description, best.category_id
		FROM (
			SELECT DISTINCT ON (d.description) d.description, r.category_id
			FROM unnest($2::text[]) AS d(description)
			JOIN enhancement_rules r ON r.user_id = $1
			WHERE r.min_amount IS NULL AND r.max_amount IS NULL
			  AND r.start_date IS NULL AND r.end_date IS NULL
			  AND ` + descriptionPredicate + `
			ORDER BY d.description, r.match_type, r.created_at, r.id
		) best
		WHERE best.category_id IS NOT NULL
	`

	rows, err := r.db.Query(ctx, query, userID, descriptions)
	if err != nil {
		return nil, fmt.Errorf("failed to match categories: %w", err)
	}
	defer rows.Close()

	result := make(map[string]uuid.UUID)
	for rows.Next() {
		var (
			desc string
			id   uuid.UUID
		)
		if err := rows.Scan(&desc, &id); err != nil {
			return nil, fmt.Errorf("failed to scan category match: %w", err)
		}
		result[desc] = id
	}
	return result, rows.Err()
}

// MatchCounterparties resolves (description, amount) pairs to the
// counterparty account of their first matching rule, keyed by description.
// A pair whose first match carries no counterparty gets nothing. Amount
// bounds apply; date-bounded rules are skipped.
func (r *PostgresRuleStore) MatchCounterparties(ctx context.Context, userID uuid.UUID, items []DescriptionAmount) (map[string]uuid.UUID, error) {
	descriptions := make([]string, len(items))
	amounts := make([]string, len(items))
	for i, item := range items {
		descriptions[i] = item.Description
		amounts[i] = item.Amount.String()
	}

	query := `
		SELECT best.description, best.counterparty_account_id
		FROM (
			SELECT DISTINCT ON (d.ord) d.ord, d.description, r.counterparty_account_id
			FROM unnest($2::text[], $3::text[]) WITH ORDINALITY AS d(description, amount, ord)
			JOIN enhancement_rules r ON r.user_id = $1
			WHERE r.start_date IS NULL AND r.end_date IS NULL
			  AND (r.min_amount IS NULL OR d.amount::numeric >= r.min_amount)
			  AND (r.max_amount IS NULL OR d.amount::numeric <= r.max_amount)
			  AND ` + descriptionPredicate + `
			ORDER BY d.ord, r.match_type, r.created_at, r.id
		) best
		WHERE best.counterparty_account_id IS NOT NULL
		ORDER BY best.ord
	`

	rows, err := r.db.Query(ctx, query, userID, descriptions, amounts)
	if err != nil {
		return nil, fmt.Errorf("failed to match counterparties: %w", err)
	}
	defer rows.Close()

	result := make(map[string]uuid.UUID)
	for rows.Next() {
		var (
			desc string
			id   uuid.UUID
		)
		if err := rows.Scan(&desc, &id); err != nil {
			return nil, fmt.Errorf("failed to scan counterparty match: %w", err)
		}
		// rows come in input order; the first pair for a description wins
		if _, seen := result[desc]; !seen {
			result[desc] = id
		}
	}
	return result, rows.Err()
}

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		rule      Rule
		matchType int
		minAmount *string
		maxAmount *string
		source    string
	)
	err := row.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Pattern,
		&matchType,
		&minAmount,
		&maxAmount,
		&rule.StartDate,
		&rule.EndDate,
		&rule.CategoryID,
		&rule.CounterpartyAccountID,
		&source,
		&rule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.MatchType = MatchType(matchType)
	rule.Source = Source(source)
	if rule.MinAmount, err = parseDecimal(minAmount); err != nil {
		return nil, err
	}
	if rule.MaxAmount, err = parseDecimal(maxAmount); err != nil {
		return nil, err
	}
	rule.StartDate = utcDay(rule.StartDate)
	rule.EndDate = utcDay(rule.EndDate)
	return &rule, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount bound %q: %w", *s, err)
	}
	return &d, nil
}

func utcDay(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &day
}
