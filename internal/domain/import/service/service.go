// Package service provides the import orchestration logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/enhancement"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/normalizer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/schema"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/sniffer"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/tabular"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/transaction"
	"github.com/FACorreiaa/statement-pipeline/pkg/metrics"
	"github.com/FACorreiaa/statement-pipeline/pkg/money"
	"github.com/FACorreiaa/statement-pipeline/pkg/storage"
)

const (
	sampleRowCount  = 5
	defaultCurrency = money.EUR
)

var ErrInvalidRequest = errors.New("invalid import request")

// RuleEngines compiles a user's rules for the synchronous pass at import time.
type RuleEngines interface {
	Engine(ctx context.Context, userID uuid.UUID) (*enhancement.Engine, error)
}

// Lookup resolves descriptions against stored rules in bulk.
type Lookup interface {
	CategorizeBatch(ctx context.Context, userID uuid.UUID, descriptions []string) (map[string]uuid.UUID, error)
	IdentifyCounterpartyBatch(ctx context.Context, userID uuid.UUID, items []enhancement.DescriptionAmount) (map[string]uuid.UUID, error)
}

// Suggestion is a proposed assignment for a description no rule matched.
type Suggestion struct {
	CategoryID            *uuid.UUID
	CounterpartyAccountID *uuid.UUID
	Confidence            float64
}

// Suggester proposes assignments, typically backed by a language model.
// Descriptions are normalized; the result is keyed the same way.
type Suggester interface {
	Suggest(ctx context.Context, userID uuid.UUID, descriptions []string) (map[string]Suggestion, error)
}

// AnalyzeRequest identifies an upload to inspect.
type AnalyzeRequest struct {
	AccountID uuid.UUID
	Filename  string
	Data      []byte
}

// AnalyzeResult contains the inferred layout of an upload
type AnalyzeResult struct {
	Analysis    *schema.Analysis
	FileType    sniffer.FileType
	ContentHash string
	// Cached is true when the analysis came from a previous detection.
	Cached     bool
	Headers    []string
	SampleRows [][]string
	TotalRows  int
}

// PersistRequest imports an upload. Analysis may be nil, in which case it
// is resolved the same way Analyze does.
type PersistRequest struct {
	UserID       uuid.UUID
	AccountID    uuid.UUID
	Filename     string
	Data         []byte
	Analysis     *schema.Analysis
	CurrencyCode string
	// EuropeanFormat forces the number format. Nil probes the rows.
	EuropeanFormat *bool
	MonthFirst     bool
}

// PersistResult contains the result of an import operation
type PersistResult struct {
	StatementID       uuid.UUID
	TransactionsSaved int
	DuplicatesFound   int
	RuleMatches       int
	SkippedRows       int
	ParseErrors       []normalizer.ParseError
	CurrencyCode      string
	Totals            []money.Totals
	EnhancementJobID  *uuid.UUID
}

// ImportService orchestrates file analysis and import operations
type ImportService struct {
	repo     repository.ImportRepository
	detector schema.Detector
	rules    RuleEngines
	lookup   Lookup
	jobs     jobs.Store

	suggester       Suggester // optional
	archive         storage.Archive
	defaultCurrency string
	minConfidence   float64
	enhanceLimit    int

	logger *slog.Logger
	tracer trace.Tracer
}

// NewImportService creates a new import service
func NewImportService(
	repo repository.ImportRepository,
	detector schema.Detector,
	rules RuleEngines,
	lookup Lookup,
	jobStore jobs.Store,
	logger *slog.Logger,
) *ImportService {
	return &ImportService{
		repo:            repo,
		detector:        detector,
		rules:           rules,
		lookup:          lookup,
		jobs:            jobStore,
		defaultCurrency: defaultCurrency,
		minConfidence:   0.7,
		logger:          logger,
		tracer:          otel.Tracer("statements.import"),
	}
}

// WithSuggester enables model suggestions for rows no rule matched.
func (s *ImportService) WithSuggester(sg Suggester, minConfidence float64) *ImportService {
	s.suggester = sg
	if minConfidence > 0 {
		s.minConfidence = minConfidence
	}
	return s
}

// WithArchive keeps a copy of every persisted upload.
func (s *ImportService) WithArchive(a storage.Archive) *ImportService {
	s.archive = a
	return s
}

func (s *ImportService) WithDefaultCurrency(code string) *ImportService {
	if money.IsKnownCurrency(code) {
		s.defaultCurrency = strings.ToUpper(strings.TrimSpace(code))
	}
	return s
}

// WithEnhancementLimit sets how many rows a batch_enhancement job reads
// per page. Zero uses repository.DefaultPageSize.
func (s *ImportService) WithEnhancementLimit(n int) *ImportService {
	s.enhanceLimit = n
	return s
}

// Analyze infers the layout of an upload and returns it with a few sample
// rows. A previous analysis of the same content for the account is reused.
func (s *ImportService) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	ctx, span := s.tracer.Start(ctx, "ImportService.Analyze", trace.WithAttributes(
		attribute.String("account.id", req.AccountID.String()),
		attribute.String("file.name", req.Filename),
	))
	defer span.End()

	upload, err := s.load(req.Filename, req.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}

	analysis, cached, err := s.resolveAnalysis(ctx, upload, req.AccountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema detection failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("analysis.cached", cached))

	rows := schema.DataRows(upload.src, analysis)
	sample := rows[:min(sampleRowCount, len(rows))]

	return &AnalyzeResult{
		Analysis:    analysis,
		FileType:    upload.fileType,
		ContentHash: upload.hash,
		Cached:      cached,
		Headers:     schema.HeaderLabels(upload.src, analysis.HeaderRowIndex),
		SampleRows:  sample,
		TotalRows:   len(rows),
	}, nil
}

// Persist normalizes an upload, drops rows already imported for the
// account, applies the user's rules and stores the rest in one database
// transaction. When rows are left without a category or counterparty a
// batch_enhancement job is enqueued for them.
func (s *ImportService) Persist(ctx context.Context, req PersistRequest) (*PersistResult, error) {
	ctx, span := s.tracer.Start(ctx, "ImportService.Persist", trace.WithAttributes(
		attribute.String("account.id", req.AccountID.String()),
		attribute.String("file.name", req.Filename),
	))
	defer span.End()

	result, err := s.persist(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("transactions.saved", result.TransactionsSaved),
		attribute.Int("transactions.duplicates", result.DuplicatesFound),
	)
	return result, nil
}

func (s *ImportService) persist(ctx context.Context, req PersistRequest) (*PersistResult, error) {
	if req.UserID == uuid.Nil || req.AccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: user and account are required", ErrInvalidRequest)
	}

	upload, err := s.load(req.Filename, req.Data)
	if err != nil {
		return nil, err
	}

	analysis := req.Analysis
	if analysis == nil {
		if analysis, _, err = s.resolveAnalysis(ctx, upload, req.AccountID); err != nil {
			return nil, err
		}
	} else if err := analysis.Validate(upload.src.RowCount()); err != nil {
		return nil, err
	}

	currency, err := s.resolveCurrency(req.CurrencyCode, upload.src, analysis)
	if err != nil {
		return nil, err
	}

	header := schema.HeaderLabels(upload.src, analysis.HeaderRowIndex)
	normalized, err := normalizer.Normalize(header, schema.DataRows(upload.src, analysis), analysis.ColumnMapping, normalizer.Options{
		EuropeanFormat:  req.EuropeanFormat,
		MonthFirst:      req.MonthFirst,
		DefaultCurrency: currency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to normalize rows: %w", err)
	}

	engine, err := s.rules.Engine(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	candidates := toRecords(normalized.Rows, req.AccountID, analysis.DataStartRowIndex)
	result := &PersistResult{
		ParseErrors:  normalized.Errors,
		SkippedRows:  normalized.SkippedRows,
		CurrencyCode: currency,
	}

	var saved []transaction.Record
	err = s.repo.InTx(ctx, func(repo repository.ImportRepository) error {
		stmt := &repository.Statement{
			UserID:      req.UserID,
			AccountID:   req.AccountID,
			FileName:    req.Filename,
			ContentHash: upload.hash,
			FileType:    string(upload.fileType),
		}

		var existing dedup.ExistingLookup
		if from, to, ok := dedup.DateRange(candidates); ok {
			keys, err := repo.ListExistingKeys(ctx, req.AccountID, from, to)
			if err != nil {
				return err
			}
			existing = keys
		}
		fresh, duplicates := dedup.Partition(candidates, existing)
		stmt.RowCount = len(fresh)

		if err := repo.CreateStatement(ctx, stmt); err != nil {
			return err
		}
		for i := range fresh {
			fresh[i].StatementID = stmt.ID
			fresh[i].SortIndex = i
		}
		saved = engine.Apply(fresh)

		n, err := repo.BulkInsertTransactions(ctx, saved)
		if err != nil {
			return err
		}
		result.StatementID = stmt.ID
		result.TransactionsSaved = n
		result.DuplicatesFound = len(duplicates)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist statement: %w", err)
	}

	metrics.ImportedTransactions.WithLabelValues("persisted").Add(float64(result.TransactionsSaved))
	metrics.ImportedTransactions.WithLabelValues("duplicate").Add(float64(result.DuplicatesFound))

	ledger := money.NewLedger()
	open := 0
	for i := range saved {
		if saved[i].CategorizationStatus == transaction.StatusRuleBased || saved[i].CounterpartyStatus == transaction.StatusRuleBased {
			result.RuleMatches++
		}
		if saved[i].NeedsEnhancement() {
			open++
		}
		if err := ledger.Add(saved[i].Amount, saved[i].CurrencyCode); err != nil {
			s.logger.Warn("failed to add amount to totals", "error", err)
		}
	}
	result.Totals = ledger.Totals()

	s.archiveUpload(ctx, req, upload)

	if open > 0 && s.jobs != nil {
		jobID, err := s.EnqueueJob(ctx, jobs.TypeBatchEnhancement, map[string]any{
			"user_id":      req.UserID.String(),
			"account_id":   req.AccountID.String(),
			"statement_id": result.StatementID.String(),
		})
		if err != nil {
			// rows stay stored and can be enqueued again by hand
			s.logger.Warn("failed to enqueue enhancement job",
				slog.String("statement_id", result.StatementID.String()),
				slog.Any("error", err),
			)
		} else {
			result.EnhancementJobID = &jobID
		}
	}

	s.logger.Info("statement imported",
		slog.String("statement_id", result.StatementID.String()),
		slog.String("account_id", req.AccountID.String()),
		slog.Int("saved", result.TransactionsSaved),
		slog.Int("duplicates", result.DuplicatesFound),
		slog.Int("rule_matches", result.RuleMatches),
		slog.Int("parse_errors", len(result.ParseErrors)),
	)
	return result, nil
}

// EnqueueJob queues a background job and returns its id.
func (s *ImportService) EnqueueJob(ctx context.Context, jobType jobs.Type, payload map[string]any) (uuid.UUID, error) {
	if s.jobs == nil {
		return uuid.Nil, errors.New("no job store configured")
	}
	job, err := s.jobs.Enqueue(ctx, jobType, payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	s.logger.Debug("job enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(jobType)),
	)
	return job.ID, nil
}

type upload struct {
	src      *tabular.Source
	fileType sniffer.FileType
	hash     string
}

func (s *ImportService) load(filename string, data []byte) (*upload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidRequest)
	}
	fileType := sniffer.DetectFileType(data)
	src, err := tabular.Load(data, fileType)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return &upload{src: src, fileType: fileType, hash: sniffer.ContentHash(filename, data)}, nil
}

// resolveAnalysis returns the cached analysis for the upload when one is
// stored and still valid, or runs the detector and stores its answer.
func (s *ImportService) resolveAnalysis(ctx context.Context, u *upload, accountID uuid.UUID) (*schema.Analysis, bool, error) {
	cached, err := s.repo.GetFileAnalysis(ctx, u.hash, accountID)
	if err != nil {
		s.logger.Warn("failed to read file analysis cache", "error", err)
	}
	if cached != nil {
		if err := cached.Validate(u.src.RowCount()); err == nil {
			metrics.SchemaDetections.WithLabelValues("cache").Inc()
			return cached, true, nil
		}
		s.logger.Warn("discarding invalid cached analysis", slog.String("content_hash", u.hash))
	}

	start := time.Now()
	analysis, err := s.detector.DetectSchema(ctx, u.src)
	if err != nil {
		return nil, false, fmt.Errorf("failed to detect schema: %w", err)
	}
	metrics.SchemaDetections.WithLabelValues("detector").Inc()
	s.logger.Debug("schema detected",
		slog.Int("header_row", analysis.HeaderRowIndex),
		slog.Int("data_start", analysis.DataStartRowIndex),
		slog.Duration("took", time.Since(start)),
	)

	if err := s.repo.SaveFileAnalysis(ctx, u.hash, accountID, analysis); err != nil {
		s.logger.Warn("failed to save file analysis", "error", err)
	}
	return analysis, false, nil
}

func (s *ImportService) resolveCurrency(requested string, src *tabular.Source, analysis *schema.Analysis) (string, error) {
	if requested != "" {
		if !money.IsKnownCurrency(requested) {
			return "", fmt.Errorf("%w: unknown currency %q", ErrInvalidRequest, requested)
		}
		return strings.ToUpper(strings.TrimSpace(requested)), nil
	}
	if code, ok := detectSourceCurrency(src, analysis); ok {
		return code, nil
	}
	return s.defaultCurrency, nil
}

func (s *ImportService) archiveUpload(ctx context.Context, req PersistRequest, u *upload) {
	if s.archive == nil {
		return
	}
	name := req.Filename
	if name == "" {
		name = "statement." + string(u.fileType)
	}
	if _, err := s.archive.Put(ctx, req.AccountID, u.hash, filepath.Base(name), req.Data); err != nil {
		s.logger.Warn("failed to archive upload",
			slog.String("content_hash", u.hash),
			slog.Any("error", err),
		)
	}
}

// toRecords builds unsaved records. RowIndex points into the raw grid.
func toRecords(rows []normalizer.Row, accountID uuid.UUID, dataStart int) []transaction.Record {
	records := make([]transaction.Record, 0, len(rows))
	for i, row := range rows {
		records = append(records, transaction.Record{
			ID:                    uuid.New(),
			AccountID:             accountID,
			Date:                  transaction.Day(row.Date),
			Description:           row.Description,
			NormalizedDescription: normalizer.NormalizeDescription(row.Description),
			Amount:                row.Amount,
			CurrencyCode:          row.CurrencyCode,
			Balance:               row.Balance,
			RowIndex:              dataStart + row.Index,
			SortIndex:             i,
			CategorizationStatus:  transaction.StatusUncategorized,
			CounterpartyStatus:    transaction.StatusUncategorized,
		})
	}
	return records
}
