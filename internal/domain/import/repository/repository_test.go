package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/schema"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/transaction"
)

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

// ============================================================================
// File analysis cache
// ============================================================================

func TestGetFileAnalysis(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	accountID := uuid.New()
	mapping := []byte(`{"date":"Date","description":"Details","amount":"Amount","debit_amount":"","credit_amount":"","currency":"","balance":""}`)

	mock.ExpectQuery(`FROM file_analysis_metadata`).
		WithArgs("hash-1", accountID).
		WillReturnRows(pgxmock.NewRows([]string{"column_mapping", "header_row_index", "data_start_row_index"}).
			AddRow(mapping, 2, 3))
	mock.ExpectQuery(`FROM file_analysis_metadata`).
		WithArgs("hash-2", accountID).
		WillReturnRows(pgxmock.NewRows([]string{"column_mapping", "header_row_index", "data_start_row_index"}))

	repo := NewPostgresImportRepository(mock)

	got, err := repo.GetFileAnalysis(context.Background(), "hash-1", accountID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Details", got.ColumnMapping.Description)
	assert.Equal(t, 2, got.HeaderRowIndex)
	assert.Equal(t, 3, got.DataStartRowIndex)

	miss, err := repo.GetFileAnalysis(context.Background(), "hash-2", accountID)
	require.NoError(t, err)
	assert.Nil(t, miss)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFileAnalysis(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	accountID := uuid.New()
	analysis := &schema.Analysis{
		ColumnMapping:     schema.ColumnMapping{Date: "Date", Description: "Details", Amount: "Amount"},
		HeaderRowIndex:    0,
		DataStartRowIndex: 1,
	}

	mock.ExpectExec(`ON CONFLICT \(content_hash, account_id\) DO UPDATE`).
		WithArgs("hash", accountID, pgxmock.AnyArg(), 0, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewPostgresImportRepository(mock).SaveFileAnalysis(context.Background(), "hash", accountID, analysis))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// Statements and transactions
// ============================================================================

func TestCreateStatement(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Now()
	stmt := &Statement{UserID: uuid.New(), AccountID: uuid.New(), FileName: "jan.csv", ContentHash: "h", FileType: "csv", RowCount: 4}

	mock.ExpectQuery(`INSERT INTO statements`).
		WithArgs(pgxmock.AnyArg(), stmt.UserID, stmt.AccountID, "jan.csv", "h", "csv", 4).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))

	require.NoError(t, NewPostgresImportRepository(mock).CreateStatement(context.Background(), stmt))
	assert.NotEqual(t, uuid.Nil, stmt.ID)
	assert.Equal(t, created, stmt.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListExistingKeys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	accountID := uuid.New()
	from := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	day := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM transactions`).
		WithArgs(accountID, from, to).
		WillReturnRows(pgxmock.NewRows([]string{"date", "description", "amount"}).
			AddRow(day, "Coffee", "-3.5000"))

	keys, err := NewPostgresImportRepository(mock).ListExistingKeys(context.Background(), accountID, from, to)
	require.NoError(t, err)

	candidate := transaction.Record{AccountID: accountID, Date: day, Description: "Coffee", Amount: decimal.RequireFromString("-3.50")}
	assert.True(t, keys.Contains(dedup.KeyOf(&candidate)), "stored scale does not affect the key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertTransactions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	records := make([]transaction.Record, insertBatchSize+2)
	for i := range records {
		records[i] = transaction.Record{
			AccountID:   uuid.New(),
			StatementID: uuid.New(),
			Date:        time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC),
			Description: "Coffee",
			Amount:      decimal.RequireFromString("-3.50"),
			RowIndex:    i,
			SortIndex:   i,
		}
	}

	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(anyArgs(insertBatchSize * transactionColumns)...).
		WillReturnResult(pgxmock.NewResult("INSERT", insertBatchSize))
	mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs(anyArgs(2 * transactionColumns)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	n, err := NewPostgresImportRepository(mock).BulkInsertTransactions(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, insertBatchSize+2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildInsert(t *testing.T) {
	balance := decimal.RequireFromString("100.10")
	query, args := buildInsert([]transaction.Record{
		{Description: "a", Amount: decimal.RequireFromString("1.50"), Balance: &balance},
		{Description: "b", Amount: decimal.RequireFromString("-2")},
	})

	assert.Contains(t, query, "($16, $17, $18, $19, $20, $21, $22::numeric")
	require.Len(t, args, 2*transactionColumns)
	assert.Equal(t, "1.5", args[6])
	assert.Equal(t, "100.1", *args[8].(*string))
	assert.Nil(t, args[transactionColumns+8].(*string))
	assert.Equal(t, "uncategorized", args[13])
}

func TestListUnenhancedTransactions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	accountID := uuid.New()
	statementID := uuid.New()
	category := uuid.New()
	day := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`category_id IS NULL OR counterparty_account_id IS NULL`).
		WithArgs(accountID, &statementID, (*int)(nil), (*uuid.UUID)(nil), DefaultPageSize).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "statement_id", "date", "description", "normalized_description",
			"amount", "currency_code", "balance", "row_index", "sort_index",
			"category_id", "counterparty_account_id", "categorization_status", "counterparty_status",
		}).AddRow(
			uuid.New(), accountID, &statementID, day, "Coffee Lisboa", "coffee lisboa",
			"-3.5000", "EUR", nil, 1, 0,
			&category, nil, "rule_based", "uncategorized",
		))

	records, err := NewPostgresImportRepository(mock).ListUnenhancedTransactions(context.Background(), accountID, &statementID, nil, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, statementID, records[0].StatementID)
	assert.Equal(t, "-3.5", records[0].Amount.String())
	assert.Nil(t, records[0].Balance)
	assert.Equal(t, transaction.StatusRuleBased, records[0].CategorizationStatus)
	assert.Nil(t, records[0].CounterpartyAccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnenhancedTransactions_AfterCursor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	accountID := uuid.New()
	cursor := Cursor{SortIndex: 41, ID: uuid.New()}
	sortIndex, lastID := cursor.SortIndex, cursor.ID

	mock.ExpectQuery(`\(sort_index, id\) > \(\$3::int, \$4::uuid\)`).
		WithArgs(accountID, (*uuid.UUID)(nil), &sortIndex, &lastID, 2).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "account_id", "statement_id", "date", "description", "normalized_description",
			"amount", "currency_code", "balance", "row_index", "sort_index",
			"category_id", "counterparty_account_id", "categorization_status", "counterparty_status",
		}))

	records, err := NewPostgresImportRepository(mock).ListUnenhancedTransactions(context.Background(), accountID, nil, &cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEnhancementsInTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	category := uuid.New()
	updates := []EnhancementUpdate{
		{TransactionID: uuid.New(), CategoryID: &category, CategorizationStatus: transaction.StatusRuleBased},
		{TransactionID: uuid.New(), CategoryID: &category, CategorizationStatus: transaction.StatusRuleBased},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE transactions SET`).
		WithArgs(updates[0].TransactionID, &category, "rule_based", pgxmock.AnyArg(), "uncategorized").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE transactions SET`).
		WithArgs(updates[1].TransactionID, &category, "rule_based", pgxmock.AnyArg(), "uncategorized").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	var updated int
	err = NewPostgresImportRepository(mock).InTx(context.Background(), func(repo ImportRepository) error {
		var err error
		updated, err = repo.UpdateEnhancements(context.Background(), updates)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated, "an already assigned row is not counted")
	assert.NoError(t, mock.ExpectationsWereMet())
}
