package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/enhancement"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/transaction"
)

// batchPayload is the argument set of a batch_enhancement job.
type batchPayload struct {
	userID      uuid.UUID
	accountID   uuid.UUID
	statementID *uuid.UUID
}

func parseBatchPayload(payload map[string]any) (*batchPayload, error) {
	get := func(key string) (uuid.UUID, bool, error) {
		raw, ok := payload[key]
		if !ok || raw == nil || raw == "" {
			return uuid.Nil, false, nil
		}
		s, ok := raw.(string)
		if !ok {
			return uuid.Nil, false, fmt.Errorf("payload %s: expected string, got %T", key, raw)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("payload %s: %w", key, err)
		}
		return id, true, nil
	}

	p := &batchPayload{}
	var ok bool
	var err error
	if p.userID, ok, err = get("user_id"); err != nil || !ok {
		return nil, payloadError("user_id", err)
	}
	if p.accountID, ok, err = get("account_id"); err != nil || !ok {
		return nil, payloadError("account_id", err)
	}
	stmt, ok, err := get("statement_id")
	if err != nil {
		return nil, err
	}
	if ok {
		p.statementID = &stmt
	}
	return p, nil
}

func payloadError(key string, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("payload %s is required", key)
}

// RegisterHandlers binds the import job handlers to p.
func (s *ImportService) RegisterHandlers(p *jobs.Processor) {
	p.Register(jobs.TypeBatchEnhancement, jobs.HandlerFunc(s.HandleBatchEnhancement))
}

// enhanceStats counts what one batch_enhancement run did.
type enhanceStats struct {
	examined, categorized, identified, suggested, updated int
}

func (st *enhanceStats) add(o enhanceStats) {
	st.examined += o.examined
	st.categorized += o.categorized
	st.identified += o.identified
	st.suggested += o.suggested
	st.updated += o.updated
}

// HandleBatchEnhancement resolves categories and counterparties for the
// stored rows of an account (optionally one statement) that still miss one.
// Rows are read in (sort_index, id) pages until a short page comes back.
// Rule lookups go first; whatever stays open is offered to the suggester.
// Existing assignments are never overwritten.
func (s *ImportService) HandleBatchEnhancement(ctx context.Context, job *jobs.Job) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "ImportService.HandleBatchEnhancement", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
	))
	defer span.End()

	p, err := parseBatchPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	pageSize := s.enhanceLimit
	if pageSize <= 0 {
		pageSize = repository.DefaultPageSize
	}

	var (
		total enhanceStats
		after *repository.Cursor
		pages int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := s.repo.ListUnenhancedTransactions(ctx, p.accountID, p.statementID, after, pageSize)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			break
		}
		pages++

		st, err := s.enhancePage(ctx, job.ID, p.userID, records, total.examined)
		if err != nil {
			return nil, err
		}
		total.add(st)

		if len(records) < pageSize {
			break
		}
		last := records[len(records)-1]
		after = &repository.Cursor{SortIndex: last.SortIndex, ID: last.ID}
	}
	span.SetAttributes(
		attribute.Int("transactions.examined", total.examined),
		attribute.Int("transactions.pages", pages),
	)

	s.logger.Info("batch enhancement finished",
		slog.String("job_id", job.ID.String()),
		slog.String("account_id", p.accountID.String()),
		slog.Int("pages", pages),
		slog.Int("examined", total.examined),
		slog.Int("categorized", total.categorized),
		slog.Int("counterparties", total.identified),
		slog.Int("suggested", total.suggested),
		slog.Int("updated", total.updated),
	)
	return map[string]any{
		"examined":       total.examined,
		"categorized":    total.categorized,
		"counterparties": total.identified,
		"suggested":      total.suggested,
		"updated":        total.updated,
	}, nil
}

// enhancePage resolves one page of open rows and stores the result in its
// own transaction. seen is the number of rows examined by earlier pages.
func (s *ImportService) enhancePage(ctx context.Context, jobID, userID uuid.UUID, records []transaction.Record, seen int) (enhanceStats, error) {
	st := enhanceStats{examined: len(records)}

	var (
		descriptions []string
		items        []enhancement.DescriptionAmount
	)
	for i := range records {
		if records[i].CategoryID == nil {
			descriptions = append(descriptions, records[i].NormalizedDescription)
		}
		if records[i].CounterpartyAccountID == nil {
			items = append(items, enhancement.DescriptionAmount{
				Description: records[i].NormalizedDescription,
				Amount:      records[i].Amount,
			})
		}
	}

	categories, err := s.lookup.CategorizeBatch(ctx, userID, descriptions)
	if err != nil {
		return st, err
	}
	counterparties, err := s.lookup.IdentifyCounterpartyBatch(ctx, userID, items)
	if err != nil {
		return st, err
	}
	s.reportProgress(ctx, jobID, map[string]any{"examined": seen + len(records), "stage": "rules"})

	updates := make(map[uuid.UUID]*repository.EnhancementUpdate)
	updateFor := func(id uuid.UUID) *repository.EnhancementUpdate {
		u, ok := updates[id]
		if !ok {
			u = &repository.EnhancementUpdate{
				TransactionID:        id,
				CategorizationStatus: transaction.StatusUncategorized,
				CounterpartyStatus:   transaction.StatusUncategorized,
			}
			updates[id] = u
		}
		return u
	}

	var unresolved []string
	seenUnresolved := make(map[string]bool)
	for i := range records {
		rec := &records[i]
		open := false
		if rec.CategoryID == nil {
			if id, ok := categories[rec.NormalizedDescription]; ok {
				u := updateFor(rec.ID)
				u.CategoryID, u.CategorizationStatus = &id, transaction.StatusRuleBased
				st.categorized++
			} else {
				open = true
			}
		}
		if rec.CounterpartyAccountID == nil {
			if id, ok := counterparties[rec.NormalizedDescription]; ok {
				u := updateFor(rec.ID)
				u.CounterpartyAccountID, u.CounterpartyStatus = &id, transaction.StatusRuleBased
				st.identified++
			} else {
				open = true
			}
		}
		if open && rec.NormalizedDescription != "" && !seenUnresolved[rec.NormalizedDescription] {
			seenUnresolved[rec.NormalizedDescription] = true
			unresolved = append(unresolved, rec.NormalizedDescription)
		}
	}

	if s.suggester != nil && len(unresolved) > 0 {
		st.suggested = s.applySuggestions(ctx, userID, records, unresolved, updates, updateFor)
		s.reportProgress(ctx, jobID, map[string]any{"examined": seen + len(records), "stage": "suggestions"})
	}

	batch := make([]repository.EnhancementUpdate, 0, len(updates))
	for i := range records {
		if u, ok := updates[records[i].ID]; ok {
			batch = append(batch, *u)
		}
	}
	if len(batch) == 0 {
		return st, nil
	}

	err = s.repo.InTx(ctx, func(repo repository.ImportRepository) error {
		var err error
		st.updated, err = repo.UpdateEnhancements(ctx, batch)
		return err
	})
	if err != nil {
		return st, fmt.Errorf("failed to store enhancements: %w", err)
	}
	return st, nil
}

// applySuggestions fills the assignments rules left open with suggestions
// at or above the confidence threshold. A failing suggester is logged and
// ignored so the rule results are still stored.
func (s *ImportService) applySuggestions(
	ctx context.Context,
	userID uuid.UUID,
	records []transaction.Record,
	unresolved []string,
	updates map[uuid.UUID]*repository.EnhancementUpdate,
	updateFor func(uuid.UUID) *repository.EnhancementUpdate,
) int {
	suggestions, err := s.suggester.Suggest(ctx, userID, unresolved)
	if err != nil {
		s.logger.Warn("failed to get suggestions", "error", err)
		return 0
	}

	applied := 0
	for i := range records {
		rec := &records[i]
		sg, ok := suggestions[rec.NormalizedDescription]
		if !ok || sg.Confidence < s.minConfidence {
			continue
		}
		pending := updates[rec.ID]
		touched := false
		if rec.CategoryID == nil && sg.CategoryID != nil && (pending == nil || pending.CategoryID == nil) {
			u := updateFor(rec.ID)
			id := *sg.CategoryID
			u.CategoryID, u.CategorizationStatus = &id, transaction.StatusAISuggested
			touched = true
		}
		if rec.CounterpartyAccountID == nil && sg.CounterpartyAccountID != nil && (pending == nil || pending.CounterpartyAccountID == nil) {
			u := updateFor(rec.ID)
			id := *sg.CounterpartyAccountID
			u.CounterpartyAccountID, u.CounterpartyStatus = &id, transaction.StatusAISuggested
			touched = true
		}
		if touched {
			applied++
		}
	}
	return applied
}

func (s *ImportService) reportProgress(ctx context.Context, id uuid.UUID, progress map[string]any) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.UpdateProgress(ctx, id, progress); err != nil {
		s.logger.Debug("failed to update job progress", slog.String("job_id", id.String()), slog.Any("error", err))
	}
}
