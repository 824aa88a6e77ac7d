package service

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/enhancement"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/normalizer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/schema"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/sniffer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/tabular"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/transaction"
	"github.com/FACorreiaa/statement-pipeline/pkg/storage"
)

// ============================================================================
// Fakes
// ============================================================================

type memoryRepo struct {
	mu         sync.Mutex
	analyses   map[string]*schema.Analysis
	statements []repository.Statement
	txs        []transaction.Record
	saves      int
	listCalls  int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{analyses: make(map[string]*schema.Analysis)}
}

// InTx restores the previous state when fn fails.
func (r *memoryRepo) InTx(_ context.Context, fn func(repo repository.ImportRepository) error) error {
	r.mu.Lock()
	statements := slices.Clone(r.statements)
	txs := slices.Clone(r.txs)
	r.mu.Unlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.statements, r.txs = statements, txs
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) GetFileAnalysis(_ context.Context, hash string, accountID uuid.UUID) (*schema.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.analyses[hash+"|"+accountID.String()]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (r *memoryRepo) SaveFileAnalysis(_ context.Context, hash string, accountID uuid.UUID, a *schema.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.analyses[hash+"|"+accountID.String()] = &cp
	r.saves++
	return nil
}

func (r *memoryRepo) CreateStatement(_ context.Context, stmt *repository.Statement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stmt.ID = uuid.New()
	stmt.CreatedAt = time.Now()
	r.statements = append(r.statements, *stmt)
	return nil
}

func (r *memoryRepo) ListExistingKeys(_ context.Context, accountID uuid.UUID, from, to time.Time) (dedup.KeySet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := dedup.NewKeySet()
	for i := range r.txs {
		day := transaction.Day(r.txs[i].Date)
		if r.txs[i].AccountID == accountID && !day.Before(from) && !day.After(to) {
			keys.Add(dedup.KeyOf(&r.txs[i]))
		}
	}
	return keys, nil
}

func (r *memoryRepo) BulkInsertTransactions(_ context.Context, records []transaction.Record) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, records...)
	return len(records), nil
}

// ListUnenhancedTransactions pages by (sort_index, id) like the SQL version.
func (r *memoryRepo) ListUnenhancedTransactions(_ context.Context, accountID uuid.UUID, statementID *uuid.UUID, after *repository.Cursor, limit int) ([]transaction.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCalls++

	var open []transaction.Record
	for _, tx := range r.txs {
		if tx.AccountID != accountID || !tx.NeedsEnhancement() {
			continue
		}
		if statementID != nil && tx.StatementID != *statementID {
			continue
		}
		open = append(open, tx)
	}
	byPosition := func(sortIndex int, id uuid.UUID, c repository.Cursor) int {
		if sortIndex != c.SortIndex {
			return cmp.Compare(sortIndex, c.SortIndex)
		}
		return bytes.Compare(id[:], c.ID[:])
	}
	slices.SortFunc(open, func(a, b transaction.Record) int {
		return byPosition(a.SortIndex, a.ID, repository.Cursor{SortIndex: b.SortIndex, ID: b.ID})
	})

	var out []transaction.Record
	for _, tx := range open {
		if after != nil && byPosition(tx.SortIndex, tx.ID, *after) <= 0 {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateEnhancements(_ context.Context, updates []repository.EnhancementUpdate) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for _, u := range updates {
		for i := range r.txs {
			tx := &r.txs[i]
			if tx.ID != u.TransactionID {
				continue
			}
			changed := false
			if tx.CategoryID == nil && u.CategoryID != nil {
				tx.CategoryID, tx.CategorizationStatus = u.CategoryID, u.CategorizationStatus
				changed = true
			}
			if tx.CounterpartyAccountID == nil && u.CounterpartyAccountID != nil {
				tx.CounterpartyAccountID, tx.CounterpartyStatus = u.CounterpartyAccountID, u.CounterpartyStatus
				changed = true
			}
			if changed {
				updated++
			}
		}
	}
	return updated, nil
}

func (r *memoryRepo) transactions() []transaction.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.txs)
}

type staticRules []enhancement.Rule

func (s staticRules) Engine(context.Context, uuid.UUID) (*enhancement.Engine, error) {
	return enhancement.NewEngine(s), nil
}

type stubLookup struct {
	categories     map[string]uuid.UUID
	counterparties map[string]uuid.UUID
	err            error
}

func (l *stubLookup) CategorizeBatch(_ context.Context, _ uuid.UUID, descriptions []string) (map[string]uuid.UUID, error) {
	out := map[string]uuid.UUID{}
	for _, d := range descriptions {
		if id, ok := l.categories[d]; ok {
			out[d] = id
		}
	}
	return out, l.err
}

func (l *stubLookup) IdentifyCounterpartyBatch(_ context.Context, _ uuid.UUID, items []enhancement.DescriptionAmount) (map[string]uuid.UUID, error) {
	out := map[string]uuid.UUID{}
	for _, it := range items {
		if id, ok := l.counterparties[it.Description]; ok {
			out[it.Description] = id
		}
	}
	return out, l.err
}

type stubSuggester struct {
	suggestions map[string]Suggestion
	asked       []string
	err         error
}

func (s *stubSuggester) Suggest(_ context.Context, _ uuid.UUID, descriptions []string) (map[string]Suggestion, error) {
	s.asked = append(s.asked, descriptions...)
	return s.suggestions, s.err
}

type countingDetector struct {
	inner schema.Detector
	calls int
}

func (d *countingDetector) DetectSchema(ctx context.Context, src *tabular.Source) (*schema.Analysis, error) {
	d.calls++
	return d.inner.DetectSchema(ctx, src)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	repo     *memoryRepo
	detector *countingDetector
	jobs     *jobs.MemoryStore
	lookup   *stubLookup
	svc      *ImportService
}

func newFixture(rules ...enhancement.Rule) *fixture {
	f := &fixture{
		repo:     newMemoryRepo(),
		detector: &countingDetector{inner: schema.NewHeuristicDetector()},
		jobs:     jobs.NewMemoryStore(0),
		lookup:   &stubLookup{},
	}
	f.svc = NewImportService(f.repo, f.detector, staticRules(rules), f.lookup, f.jobs, discardLogger())
	return f
}

const statementCSV = "Date,Description,Amount\n" +
	"2024-01-15,Coffee Lisboa,-3.50\n" +
	"2024-01-16,Salary ACME,1200.00\n"

// ============================================================================
// Analyze
// ============================================================================

func TestAnalyze_CachesDetection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := AnalyzeRequest{AccountID: uuid.New(), Filename: "jan.csv", Data: []byte(statementCSV)}

	first, err := f.svc.Analyze(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, sniffer.FileTypeCSV, first.FileType)
	assert.Equal(t, 0, first.Analysis.HeaderRowIndex)
	assert.Equal(t, 1, first.Analysis.DataStartRowIndex)
	assert.Equal(t, "Date", first.Analysis.ColumnMapping.Date)
	assert.Equal(t, "Amount", first.Analysis.ColumnMapping.Amount)
	assert.Equal(t, []string{"Date", "Description", "Amount"}, first.Headers)
	assert.Len(t, first.SampleRows, 2)
	assert.Equal(t, 2, first.TotalRows)

	second, err := f.svc.Analyze(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Analysis, second.Analysis)
	assert.Equal(t, 1, f.detector.calls, "the second analysis comes from the cache")
	assert.Equal(t, 1, f.repo.saves)

	other := req
	other.AccountID = uuid.New()
	third, err := f.svc.Analyze(ctx, other)
	require.NoError(t, err)
	assert.False(t, third.Cached, "the cache is per account")
}

func TestAnalyze_SampleIsCapped(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Date,Description,Amount\n")
	for day := 1; day <= 12; day++ {
		fmt.Fprintf(&sb, "2024-02-%02d,Groceries,-%d.00\n", day, day)
	}

	result, err := newFixture().svc.Analyze(context.Background(), AnalyzeRequest{
		AccountID: uuid.New(), Filename: "feb.csv", Data: []byte(sb.String()),
	})
	require.NoError(t, err)
	assert.Len(t, result.SampleRows, sampleRowCount)
	assert.Equal(t, 12, result.TotalRows)
}

func TestAnalyze_RejectsBadInput(t *testing.T) {
	svc := newFixture().svc
	ctx := context.Background()

	_, err := svc.Analyze(ctx, AnalyzeRequest{AccountID: uuid.New(), Filename: "empty.csv"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Analyze(ctx, AnalyzeRequest{AccountID: uuid.New(), Filename: "notes.txt", Data: []byte("just words")})
	assert.ErrorIs(t, err, sniffer.ErrUnsupportedFileType)
}

// ============================================================================
// Persist
// ============================================================================

func TestPersist_ReimportFindsDuplicates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := PersistRequest{
		UserID:    uuid.New(),
		AccountID: uuid.New(),
		Filename:  "jan.csv",
		Data:      []byte(statementCSV),
	}

	first, err := f.svc.Persist(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, first.TransactionsSaved)
	assert.Equal(t, 0, first.DuplicatesFound)
	assert.Empty(t, first.ParseErrors)
	assert.Equal(t, "EUR", first.CurrencyCode)
	require.NotNil(t, first.EnhancementJobID, "unmatched rows queue an enhancement job")

	job, err := f.jobs.GetJob(ctx, *first.EnhancementJobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeBatchEnhancement, job.Type)
	assert.Equal(t, first.StatementID.String(), job.Payload["statement_id"])

	second, err := f.svc.Persist(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.TransactionsSaved)
	assert.Equal(t, 2, second.DuplicatesFound)
	assert.Nil(t, second.EnhancementJobID, "nothing new to enhance")

	stored := f.repo.transactions()
	require.Len(t, stored, 2)
	assert.Equal(t, "coffee lisboa", stored[0].NormalizedDescription)
	assert.Equal(t, 1, stored[0].RowIndex, "row index points into the raw grid")
	assert.Equal(t, first.StatementID, stored[1].StatementID)
	assert.Equal(t, 1, f.detector.calls)
}

func TestAnalyzeThenPersist_DetailsColumn(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	data := []byte("Date,Details,Amount\n" +
		"2023-01-01,Coffee Shop,-3.50\n" +
		"2023-01-02,Grocery Store,-25.00\n")
	accountID := uuid.New()

	analyzed, err := f.svc.Analyze(ctx, AnalyzeRequest{AccountID: accountID, Filename: "statement.csv", Data: data})
	require.NoError(t, err)
	assert.Equal(t, schema.ColumnMapping{Date: "Date", Description: "Details", Amount: "Amount"}, analyzed.Analysis.ColumnMapping)
	assert.Equal(t, 0, analyzed.Analysis.HeaderRowIndex)
	assert.Equal(t, 1, analyzed.Analysis.DataStartRowIndex)

	req := PersistRequest{UserID: uuid.New(), AccountID: accountID, Filename: "statement.csv", Data: data}
	first, err := f.svc.Persist(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, first.TransactionsSaved)
	assert.Equal(t, 0, first.DuplicatesFound)

	second, err := f.svc.Persist(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.TransactionsSaved)
	assert.Equal(t, 2, second.DuplicatesFound)

	stored := f.repo.transactions()
	require.Len(t, stored, 2)
	assert.Equal(t, "-3.5", stored[0].Amount.String())
	assert.Equal(t, "-25", stored[1].Amount.String())
}

func TestPersist_AppliesRulesAndTotals(t *testing.T) {
	category := uuid.New()
	counterparty := uuid.New()
	coffee := enhancement.Rule{
		ID:                    uuid.New(),
		Pattern:               normalizer.NormalizeDescription("Coffee Lisboa"),
		MatchType:             enhancement.MatchExact,
		CategoryID:            &category,
		CounterpartyAccountID: &counterparty,
		Source:                enhancement.SourceManual,
	}
	f := newFixture(coffee)

	result, err := f.svc.Persist(context.Background(), PersistRequest{
		UserID: uuid.New(), AccountID: uuid.New(), Filename: "jan.csv", Data: []byte(statementCSV),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.RuleMatches)

	stored := f.repo.transactions()
	require.Len(t, stored, 2)
	assert.Equal(t, &category, stored[0].CategoryID)
	assert.Equal(t, transaction.StatusRuleBased, stored[0].CategorizationStatus)
	assert.Equal(t, transaction.StatusRuleBased, stored[0].CounterpartyStatus)
	assert.Nil(t, stored[1].CategoryID)
	assert.NotNil(t, result.EnhancementJobID, "the salary row is still open")

	require.Len(t, result.Totals, 1)
	totals := result.Totals[0]
	assert.Equal(t, "EUR", totals.Currency)
	assert.Equal(t, int64(120000), totals.Income.Amount())
	assert.Equal(t, int64(350), totals.Expenses.Amount())
	assert.Equal(t, int64(119650), totals.Net().Amount())
}

func TestPersist_FullyMatchedStatementQueuesNothing(t *testing.T) {
	category := uuid.New()
	counterparty := uuid.New()
	catchAll := enhancement.Rule{
		ID:                    uuid.New(),
		Pattern:               "",
		MatchType:             enhancement.MatchInfix,
		CategoryID:            &category,
		CounterpartyAccountID: &counterparty,
	}
	f := newFixture(catchAll)

	result, err := f.svc.Persist(context.Background(), PersistRequest{
		UserID: uuid.New(), AccountID: uuid.New(), Filename: "jan.csv", Data: []byte(statementCSV),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RuleMatches)
	assert.Nil(t, result.EnhancementJobID)

	pending, err := f.jobs.ListJobs(context.Background(), jobs.StatusPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPersist_ExplicitAnalysisAndCurrency(t *testing.T) {
	f := newFixture()
	data := "Movimentos,,\n" +
		"Data,Descritivo,Valor\n" +
		"15/01/2024,Pingo Doce,\"-12,40\"\n" +
		"16/01/2024,Transferencia,\"1.000,00\"\n" +
		"17/01/2024,,\n"

	european := true
	result, err := f.svc.Persist(context.Background(), PersistRequest{
		UserID:    uuid.New(),
		AccountID: uuid.New(),
		Filename:  "pt.csv",
		Data:      []byte(data),
		Analysis: &schema.Analysis{
			ColumnMapping:     schema.ColumnMapping{Date: "Data", Description: "Descritivo", Amount: "Valor"},
			HeaderRowIndex:    1,
			DataStartRowIndex: 2,
		},
		CurrencyCode:   "chf",
		EuropeanFormat: &european,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TransactionsSaved)
	assert.Equal(t, "CHF", result.CurrencyCode)
	assert.Len(t, result.ParseErrors, 1, "the row without a description is reported")
	assert.Zero(t, f.detector.calls, "an explicit analysis skips detection")

	stored := f.repo.transactions()
	require.Len(t, stored, 2)
	assert.Equal(t, "-12.4", stored[0].Amount.String())
	assert.Equal(t, "1000", stored[1].Amount.String())
	assert.Equal(t, "CHF", stored[0].CurrencyCode)
	assert.Equal(t, 2, stored[0].RowIndex)
}

func TestPersist_RejectsBadRequests(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	base := PersistRequest{UserID: uuid.New(), AccountID: uuid.New(), Filename: "jan.csv", Data: []byte(statementCSV)}

	t.Run("missing account", func(t *testing.T) {
		req := base
		req.AccountID = uuid.Nil
		_, err := f.svc.Persist(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("unknown currency", func(t *testing.T) {
		req := base
		req.CurrencyCode = "ZZZ"
		_, err := f.svc.Persist(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("analysis beyond the file", func(t *testing.T) {
		req := base
		req.Analysis = &schema.Analysis{HeaderRowIndex: 0, DataStartRowIndex: 9}
		_, err := f.svc.Persist(ctx, req)
		assert.ErrorIs(t, err, schema.ErrInvalidAnalysis)
	})

	t.Run("unmapped amount", func(t *testing.T) {
		req := base
		req.Analysis = &schema.Analysis{
			ColumnMapping:     schema.ColumnMapping{Date: "Date", Description: "Description"},
			HeaderRowIndex:    0,
			DataStartRowIndex: 1,
		}
		_, err := f.svc.Persist(ctx, req)
		var missing *normalizer.MissingRequiredColumnError
		assert.True(t, errors.As(err, &missing), "got %v", err)
	})

	assert.Empty(t, f.repo.transactions(), "nothing is stored for rejected requests")
}

func TestPersist_GeneratedStatementIsIdempotent(t *testing.T) {
	faker := gofakeit.New(42)
	var sb strings.Builder
	sb.WriteString("Date,Description,Amount\n")
	start := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		day := start.AddDate(0, 0, faker.Number(0, 27))
		desc := strings.NewReplacer(",", "", "\"", "").Replace(faker.Company() + " " + faker.City())
		fmt.Fprintf(&sb, "%s,%s,%.2f\n", day.Format(time.DateOnly), desc, faker.Price(-300, 300))
	}
	data := []byte(sb.String())

	f := newFixture()
	ctx := context.Background()
	req := PersistRequest{UserID: uuid.New(), AccountID: uuid.New(), Filename: "march.csv", Data: data}

	first, err := f.svc.Persist(ctx, req)
	require.NoError(t, err)
	require.NotZero(t, first.TransactionsSaved)

	second, err := f.svc.Persist(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, second.TransactionsSaved)
	assert.Equal(t, first.TransactionsSaved+first.DuplicatesFound, second.DuplicatesFound)
	assert.Len(t, f.repo.transactions(), first.TransactionsSaved)
}

func TestPersist_ArchivesUpload(t *testing.T) {
	archive, err := storage.NewLocalArchive(t.TempDir())
	require.NoError(t, err)

	f := newFixture()
	f.svc.WithArchive(archive)

	accountID := uuid.New()
	_, err = f.svc.Persist(context.Background(), PersistRequest{
		UserID: uuid.New(), AccountID: accountID, Filename: "jan.csv", Data: []byte(statementCSV),
	})
	require.NoError(t, err)

	files, err := archive.List(context.Background(), accountID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, sniffer.ContentHash("jan.csv", []byte(statementCSV)), files[0].ContentHash)
}

// ============================================================================
// Batch enhancement
// ============================================================================

func TestHandleBatchEnhancement(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID, accountID := uuid.New(), uuid.New()

	persisted, err := f.svc.Persist(ctx, PersistRequest{
		UserID: userID, AccountID: accountID, Filename: "jan.csv", Data: []byte(statementCSV),
	})
	require.NoError(t, err)

	groceries := uuid.New()
	cafe := uuid.New()
	payroll := uuid.New()
	f.lookup.categories = map[string]uuid.UUID{"coffee lisboa": groceries}
	f.lookup.counterparties = map[string]uuid.UUID{"coffee lisboa": cafe}
	suggester := &stubSuggester{suggestions: map[string]Suggestion{
		"salary acme": {CategoryID: &payroll, Confidence: 0.9},
	}}
	f.svc.WithSuggester(suggester, 0)

	job, err := f.jobs.ClaimSinglePendingJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, *persisted.EnhancementJobID, job.ID)

	out, err := f.svc.HandleBatchEnhancement(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 2, out["examined"])
	assert.Equal(t, 1, out["categorized"])
	assert.Equal(t, 1, out["counterparties"])
	assert.Equal(t, 1, out["suggested"])
	assert.Equal(t, 2, out["updated"])
	assert.Equal(t, []string{"salary acme"}, suggester.asked, "only open descriptions are suggested")

	stored := f.repo.transactions()
	assert.Equal(t, &groceries, stored[0].CategoryID)
	assert.Equal(t, transaction.StatusRuleBased, stored[0].CategorizationStatus)
	assert.Equal(t, &cafe, stored[0].CounterpartyAccountID)
	assert.Equal(t, &payroll, stored[1].CategoryID)
	assert.Equal(t, transaction.StatusAISuggested, stored[1].CategorizationStatus)
	assert.Nil(t, stored[1].CounterpartyAccountID)

	got, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "suggestions", got.Progress["stage"])
}

func TestHandleBatchEnhancement_LowConfidenceAndFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	userID, accountID := uuid.New(), uuid.New()

	_, err := f.svc.Persist(ctx, PersistRequest{
		UserID: userID, AccountID: accountID, Filename: "jan.csv", Data: []byte(statementCSV),
	})
	require.NoError(t, err)

	guess := uuid.New()
	f.svc.WithSuggester(&stubSuggester{suggestions: map[string]Suggestion{
		"salary acme":   {CategoryID: &guess, Confidence: 0.2},
		"coffee lisboa": {CategoryID: &guess, Confidence: 0.5},
	}}, 0.6)

	payload := map[string]any{"user_id": userID.String(), "account_id": accountID.String()}
	out, err := f.svc.HandleBatchEnhancement(ctx, &jobs.Job{ID: uuid.New(), Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 0, out["updated"], "suggestions under the threshold are dropped")

	f.svc.WithSuggester(&stubSuggester{err: errors.New("model unavailable")}, 0)
	_, err = f.svc.HandleBatchEnhancement(ctx, &jobs.Job{ID: uuid.New(), Payload: payload})
	assert.NoError(t, err, "a failing suggester does not fail the job")

	f.lookup.err = errors.New("connection reset")
	_, err = f.svc.HandleBatchEnhancement(ctx, &jobs.Job{ID: uuid.New(), Payload: payload})
	assert.Error(t, err)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing user", map[string]any{"account_id": accountID.String()}},
		{"bad account", map[string]any{"user_id": userID.String(), "account_id": "nope"}},
		{"wrong type", map[string]any{"user_id": userID.String(), "account_id": 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.HandleBatchEnhancement(ctx, &jobs.Job{ID: uuid.New(), Payload: tt.payload})
			assert.Error(t, err)
		})
	}
}

func TestHandleBatchEnhancement_PagesPastTheLimit(t *testing.T) {
	merchants := []string{
		"Padaria Central", "Pingo Doce", "Farmacia Sol", "Livraria Bertrand",
		"Cafe Nicola", "Talho Silva", "Mercado Ribeira",
	}
	var sb strings.Builder
	sb.WriteString("Date,Description,Amount\n")
	for i, m := range merchants {
		fmt.Fprintf(&sb, "2024-04-%02d,%s,-%d.00\n", i+1, m, i+1)
	}

	f := newFixture()
	ctx := context.Background()
	userID, accountID := uuid.New(), uuid.New()
	_, err := f.svc.Persist(ctx, PersistRequest{
		UserID: userID, AccountID: accountID, Filename: "apr.csv", Data: []byte(sb.String()),
	})
	require.NoError(t, err)

	category := uuid.New()
	unmatched := normalizer.NormalizeDescription("Pingo Doce")
	f.lookup.categories = map[string]uuid.UUID{}
	for _, m := range merchants {
		if key := normalizer.NormalizeDescription(m); key != unmatched {
			f.lookup.categories[key] = category
		}
	}
	f.svc.WithEnhancementLimit(2)
	f.repo.listCalls = 0

	payload := map[string]any{"user_id": userID.String(), "account_id": accountID.String()}
	out, err := f.svc.HandleBatchEnhancement(ctx, &jobs.Job{ID: uuid.New(), Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 7, out["examined"], "every open row is read, the unmatched one only once")
	assert.Equal(t, 6, out["categorized"])
	assert.Equal(t, 6, out["updated"])
	assert.Equal(t, 4, f.repo.listCalls, "three full pages and one short page")

	for _, tx := range f.repo.transactions() {
		if tx.NormalizedDescription == unmatched {
			assert.Nil(t, tx.CategoryID)
			continue
		}
		assert.Equal(t, &category, tx.CategoryID, tx.Description)
	}
}

func TestImportThenDrain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	category := uuid.New()
	f.lookup.categories = map[string]uuid.UUID{"coffee lisboa": category, "salary acme": category}

	_, err := f.svc.Persist(ctx, PersistRequest{
		UserID: uuid.New(), AccountID: uuid.New(), Filename: "jan.csv", Data: []byte(statementCSV),
	})
	require.NoError(t, err)

	processor := jobs.NewProcessor(f.jobs, discardLogger())
	f.svc.RegisterHandlers(processor)

	attempted, err := processor.DrainJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)

	completed, err := f.jobs.ListJobs(ctx, jobs.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, 2, completed[0].Result["updated"])

	for _, tx := range f.repo.transactions() {
		assert.Equal(t, &category, tx.CategoryID)
	}
}

// ============================================================================
// Currency detection
// ============================================================================

func TestDetectSourceCurrency(t *testing.T) {
	tests := []struct {
		name     string
		rows     [][]string
		analysis schema.Analysis
		want     string
		ok       bool
	}{
		{
			name:     "title line keyword",
			rows:     [][]string{{"Account currency: GBP"}, {"Date", "Amount"}, {"2024-01-01", "1"}},
			analysis: schema.Analysis{HeaderRowIndex: 1, DataStartRowIndex: 2},
			want:     "GBP", ok: true,
		},
		{
			name:     "title line symbol",
			rows:     [][]string{{"Balance R$ 1.200,00"}, {"Date", "Amount"}, {"2024-01-01", "1"}},
			analysis: schema.Analysis{HeaderRowIndex: 1, DataStartRowIndex: 2},
			want:     "BRL", ok: true,
		},
		{
			name: "currency column",
			rows: [][]string{{"Date", "Amount", "Ccy"}, {"2024-01-01", "1", ""}, {"2024-01-02", "2", "usd"}},
			analysis: schema.Analysis{
				ColumnMapping:     schema.ColumnMapping{Currency: "Ccy"},
				HeaderRowIndex:    0,
				DataStartRowIndex: 1,
			},
			want: "USD", ok: true,
		},
		{
			name:     "two codes are ambiguous",
			rows:     [][]string{{"Currency EUR / USD"}, {"Date", "Amount"}},
			analysis: schema.Analysis{HeaderRowIndex: 1, DataStartRowIndex: 2},
		},
		{
			name:     "nothing to go on",
			rows:     [][]string{{"Date", "Amount"}, {"2024-01-01", "1"}},
			analysis: schema.Analysis{HeaderRowIndex: 0, DataStartRowIndex: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := detectSourceCurrency(&tabular.Source{Rows: tt.rows}, &tt.analysis)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
