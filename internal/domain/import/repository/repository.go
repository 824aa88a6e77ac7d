// Package repository persists statements, their transactions and the
// file-analysis cache.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/schema"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/transaction"
	"github.com/FACorreiaa/statement-pipeline/pkg/db"
)

// Statement is one imported file.
type Statement struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	AccountID   uuid.UUID
	FileName    string
	ContentHash string
	FileType    string
	RowCount    int
	CreatedAt   time.Time
}

// EnhancementUpdate fills in assignments on a stored transaction. Nil ids
// leave the column alone, and an existing assignment is never overwritten.
type EnhancementUpdate struct {
	TransactionID         uuid.UUID
	CategoryID            *uuid.UUID
	CategorizationStatus  transaction.Status
	CounterpartyAccountID *uuid.UUID
	CounterpartyStatus    transaction.Status
}

// Cursor is the (sort_index, id) position of the last row of a page.
type Cursor struct {
	SortIndex int
	ID        uuid.UUID
}

// DefaultPageSize is used when a listing asks for no limit.
const DefaultPageSize = 1000

// ImportRepository is the persistence the import service needs.
type ImportRepository interface {
	// InTx runs fn with a repository bound to one database transaction.
	InTx(ctx context.Context, fn func(repo ImportRepository) error) error

	// GetFileAnalysis returns nil, nil on a cache miss.
	GetFileAnalysis(ctx context.Context, contentHash string, accountID uuid.UUID) (*schema.Analysis, error)
	SaveFileAnalysis(ctx context.Context, contentHash string, accountID uuid.UUID, analysis *schema.Analysis) error

	CreateStatement(ctx context.Context, stmt *Statement) error
	ListExistingKeys(ctx context.Context, accountID uuid.UUID, from, to time.Time) (dedup.KeySet, error)
	BulkInsertTransactions(ctx context.Context, records []transaction.Record) (int, error)

	// ListUnenhancedTransactions returns transactions still missing a
	// category or a counterparty, ordered by (sort_index, id) and starting
	// after the cursor when one is given. A nil statementID covers the whole
	// account.
	ListUnenhancedTransactions(ctx context.Context, accountID uuid.UUID, statementID *uuid.UUID, after *Cursor, limit int) ([]transaction.Record, error)
	UpdateEnhancements(ctx context.Context, updates []EnhancementUpdate) (int, error)
}

// PostgresImportRepository implements ImportRepository with pgx.
type PostgresImportRepository struct {
	db db.Querier
}

func NewPostgresImportRepository(q db.Querier) *PostgresImportRepository {
	return &PostgresImportRepository{db: q}
}

// WithTx rebinds the repository to tx.
func (r *PostgresImportRepository) WithTx(tx db.Querier) *PostgresImportRepository {
	return &PostgresImportRepository{db: tx}
}

func (r *PostgresImportRepository) InTx(ctx context.Context, fn func(repo ImportRepository) error) error {
	return db.InTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(r.WithTx(tx))
	})
}

func (r *PostgresImportRepository) GetFileAnalysis(ctx context.Context, contentHash string, accountID uuid.UUID) (*schema.Analysis, error) {
	query := `
		SELECT column_mapping, header_row_index, data_start_row_index
		FROM file_analysis_metadata
		WHERE content_hash = $1 AND account_id = $2
	`

	var (
		raw      []byte
		analysis schema.Analysis
	)
	err := r.db.QueryRow(ctx, query, contentHash, accountID).
		Scan(&raw, &analysis.HeaderRowIndex, &analysis.DataStartRowIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file analysis: %w", err)
	}
	if err := json.Unmarshal(raw, &analysis.ColumnMapping); err != nil {
		return nil, fmt.Errorf("failed to decode column mapping: %w", err)
	}
	return &analysis, nil
}

func (r *PostgresImportRepository) SaveFileAnalysis(ctx context.Context, contentHash string, accountID uuid.UUID, analysis *schema.Analysis) error {
	mapping, err := json.Marshal(analysis.ColumnMapping)
	if err != nil {
		return fmt.Errorf("failed to encode column mapping: %w", err)
	}

	query := `
		INSERT INTO file_analysis_metadata (content_hash, account_id, column_mapping, header_row_index, data_start_row_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_hash, account_id) DO UPDATE SET
			column_mapping = EXCLUDED.column_mapping,
			header_row_index = EXCLUDED.header_row_index,
			data_start_row_index = EXCLUDED.data_start_row_index
	`
	if _, err := r.db.Exec(ctx, query, contentHash, accountID, mapping, analysis.HeaderRowIndex, analysis.DataStartRowIndex); err != nil {
		return fmt.Errorf("failed to save file analysis: %w", err)
	}
	return nil
}

func (r *PostgresImportRepository) CreateStatement(ctx context.Context, stmt *Statement) error {
	if stmt.ID == uuid.Nil {
		stmt.ID = uuid.New()
	}

	query := `
		INSERT INTO statements (id, user_id, account_id, file_name, content_hash, file_type, row_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		stmt.ID, stmt.UserID, stmt.AccountID, stmt.FileName, stmt.ContentHash, stmt.FileType, stmt.RowCount,
	).Scan(&stmt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create statement: %w", err)
	}
	return nil
}

// ListExistingKeys loads duplicate keys of the account's stored
// transactions between from and to, inclusive.
func (r *PostgresImportRepository) ListExistingKeys(ctx context.Context, accountID uuid.UUID, from, to time.Time) (dedup.KeySet, error) {
	query := `
		SELECT date, description, amount::text
		FROM transactions
		WHERE account_id = $1 AND date BETWEEN $2 AND $3
	`

	rows, err := r.db.Query(ctx, query, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing transactions: %w", err)
	}
	defer rows.Close()

	keys := dedup.NewKeySet()
	for rows.Next() {
		var (
			date   time.Time
			desc   string
			amount string
		)
		if err := rows.Scan(&date, &desc, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan existing transaction: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored amount %q: %w", amount, err)
		}
		keys.Add(dedup.Key{
			AccountID:   accountID,
			Date:        transaction.Day(date),
			Description: desc,
			Amount:      d.String(),
		})
	}
	return keys, rows.Err()
}

const (
	insertBatchSize    = 500
	transactionColumns = 15
)

// BulkInsertTransactions writes records with multi-row INSERTs of up to
// insertBatchSize rows. Amounts travel as text and are cast server-side so
// no precision is lost.
func (r *PostgresImportRepository) BulkInsertTransactions(ctx context.Context, records []transaction.Record) (int, error) {
	inserted := 0
	for start := 0; start < len(records); start += insertBatchSize {
		batch := records[start:min(start+insertBatchSize, len(records))]

		query, args := buildInsert(batch)
		tag, err := r.db.Exec(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert transactions: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func buildInsert(batch []transaction.Record) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO transactions (
		id, account_id, statement_id, date, description, normalized_description,
		amount, currency_code, balance, row_index, sort_index,
		category_id, counterparty_account_id, categorization_status, counterparty_status
	) VALUES `)

	args := make([]any, 0, len(batch)*transactionColumns)
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * transactionColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d::numeric, $%d, $%d::numeric, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10, n+11, n+12, n+13, n+14, n+15)

		id := rec.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		var balance *string
		if rec.Balance != nil {
			s := rec.Balance.String()
			balance = &s
		}
		args = append(args,
			id,
			rec.AccountID,
			rec.StatementID,
			transaction.Day(rec.Date),
			rec.Description,
			rec.NormalizedDescription,
			rec.Amount.String(),
			rec.CurrencyCode,
			balance,
			rec.RowIndex,
			rec.SortIndex,
			rec.CategoryID,
			rec.CounterpartyAccountID,
			string(statusOrDefault(rec.CategorizationStatus)),
			string(statusOrDefault(rec.CounterpartyStatus)),
		)
	}
	return sb.String(), args
}

func statusOrDefault(s transaction.Status) transaction.Status {
	if s == "" {
		return transaction.StatusUncategorized
	}
	return s
}

func (r *PostgresImportRepository) ListUnenhancedTransactions(ctx context.Context, accountID uuid.UUID, statementID *uuid.UUID, after *Cursor, limit int) ([]transaction.Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var (
		afterSort *int
		afterID   *uuid.UUID
	)
	if after != nil {
		afterSort, afterID = &after.SortIndex, &after.ID
	}

	query := `
		SELECT id, account_id, statement_id, date, description, normalized_description,
		       amount::text, currency_code, balance::text, row_index, sort_index,
		       category_id, counterparty_account_id, categorization_status, counterparty_status
		FROM transactions
		WHERE account_id = $1
		  AND ($2::uuid IS NULL OR statement_id = $2)
		  AND (category_id IS NULL OR counterparty_account_id IS NULL)
		  AND ($3::int IS NULL OR (sort_index, id) > ($3::int, $4::uuid))
		ORDER BY sort_index, id
		LIMIT $5
	`

	rows, err := r.db.Query(ctx, query, accountID, statementID, afterSort, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unenhanced transactions: %w", err)
	}
	defer rows.Close()

	var records []transaction.Record
	for rows.Next() {
		var (
			rec          transaction.Record
			statement    *uuid.UUID
			amount       string
			balance      *string
			catStatus    string
			cpartyStatus string
		)
		err := rows.Scan(
			&rec.ID, &rec.AccountID, &statement, &rec.Date, &rec.Description, &rec.NormalizedDescription,
			&amount, &rec.CurrencyCode, &balance, &rec.RowIndex, &rec.SortIndex,
			&rec.CategoryID, &rec.CounterpartyAccountID, &catStatus, &cpartyStatus,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		if statement != nil {
			rec.StatementID = *statement
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse stored amount %q: %w", amount, err)
		}
		if balance != nil {
			b, err := decimal.NewFromString(*balance)
			if err != nil {
				return nil, fmt.Errorf("failed to parse stored balance %q: %w", *balance, err)
			}
			rec.Balance = &b
		}
		rec.CategorizationStatus = transaction.Status(catStatus)
		rec.CounterpartyStatus = transaction.Status(cpartyStatus)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateEnhancements applies updates one row at a time and returns how
// many rows changed.
func (r *PostgresImportRepository) UpdateEnhancements(ctx context.Context, updates []EnhancementUpdate) (int, error) {
	query := `
		UPDATE transactions SET
			category_id = COALESCE(category_id, $2),
			categorization_status = CASE
				WHEN category_id IS NULL AND $2::uuid IS NOT NULL THEN $3
				ELSE categorization_status END,
			counterparty_account_id = COALESCE(counterparty_account_id, $4),
			counterparty_status = CASE
				WHEN counterparty_account_id IS NULL AND $4::uuid IS NOT NULL THEN $5
				ELSE counterparty_status END
		WHERE id = $1
		  AND ((category_id IS NULL AND $2::uuid IS NOT NULL)
		    OR (counterparty_account_id IS NULL AND $4::uuid IS NOT NULL))
	`

	updated := 0
	for _, u := range updates {
		tag, err := r.db.Exec(ctx, query,
			u.TransactionID,
			u.CategoryID,
			string(statusOrDefault(u.CategorizationStatus)),
			u.CounterpartyAccountID,
			string(statusOrDefault(u.CounterpartyStatus)),
		)
		if err != nil {
			return updated, fmt.Errorf("failed to update transaction %s: %w", u.TransactionID, err)
		}
		updated += int(tag.RowsAffected())
	}
	return updated, nil
}
