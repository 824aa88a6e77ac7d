// Package app wires the pipeline's components from configuration. Both the
// worker and statementctl build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FACorreiaa/statement-pipeline/internal/domain/enhancement"
	importrepo "github.com/FACorreiaa/statement-pipeline/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/import/schema"
	importservice "github.com/FACorreiaa/statement-pipeline/internal/domain/import/service"
	"github.com/FACorreiaa/statement-pipeline/internal/domain/jobs"
	"github.com/FACorreiaa/statement-pipeline/internal/llm"
	"github.com/FACorreiaa/statement-pipeline/pkg/config"
	"github.com/FACorreiaa/statement-pipeline/pkg/cron"
	"github.com/FACorreiaa/statement-pipeline/pkg/db"
	"github.com/FACorreiaa/statement-pipeline/pkg/storage"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	ImportRepo importrepo.ImportRepository
	RuleStore  enhancement.RuleStore
	JobStore   jobs.Store

	// Services
	LookupCache   *enhancement.LookupCache
	RuleService   *enhancement.RuleService
	LookupService *enhancement.LookupService
	ImportService *importservice.ImportService
	Processor     *jobs.Processor
	Scheduler     *cron.Scheduler

	// Gemini is nil unless the llm detector or suggestions are enabled.
	Gemini *llm.Gemini
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	deps.initRepositories()

	if err := deps.initServices(ctx); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	dbCfg := d.Config.Database
	database, err := db.New(db.Config{
		DSN:             dbCfg.DSN(),
		MaxConns:        int32(dbCfg.MaxConns),
		MinConns:        int32(dbCfg.MinConns),
		MaxConnLifetime: dbCfg.MaxConnLifetime,
		MaxConnIdleTime: dbCfg.MaxConnIdleTime,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		d.DB.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

func (d *Dependencies) initRepositories() {
	d.ImportRepo = importrepo.NewPostgresImportRepository(d.DB.Pool)
	d.RuleStore = enhancement.NewPostgresRuleStore(d.DB.Pool)
	d.JobStore = jobs.NewPostgresStore(d.DB.Pool, d.Config.Worker.MaxRetries)

	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initServices(ctx context.Context) error {
	if d.Config.Lookup.CacheEnabled {
		d.LookupCache = enhancement.NewLookupCache()
	}
	d.RuleService = enhancement.NewRuleService(d.RuleStore, d.LookupCache, d.Logger)
	d.LookupService = enhancement.NewLookupService(d.RuleStore, d.LookupCache, d.Config.Lookup.ChunkSize, d.Logger)

	if d.Config.Import.SchemaDetector == "llm" || d.Config.Import.Suggestions {
		gemini, err := llm.NewGemini(ctx, d.Config.Gemini.APIKey, d.Config.Gemini.Model, d.Logger)
		if err != nil {
			return err
		}
		d.Gemini = gemini
	}

	detector := d.schemaDetector()
	d.ImportService = importservice.NewImportService(
		d.ImportRepo,
		detector,
		d.RuleService,
		d.LookupService,
		d.JobStore,
		d.Logger,
	).
		WithDefaultCurrency(d.Config.Import.DefaultCurrency).
		WithEnhancementLimit(d.Config.Import.EnhancementLimit)

	if d.Config.Import.Suggestions {
		suggester := importservice.NewModelSuggester(d.Gemini, d.RuleService, d.Logger)
		d.ImportService.WithSuggester(suggester, d.Config.Import.SuggestionMinConfidence)
	}

	if dir := d.Config.Import.ArchiveDir; dir != "" {
		archive, err := storage.NewLocalArchive(dir)
		if err != nil {
			return fmt.Errorf("failed to init upload archive: %w", err)
		}
		d.ImportService.WithArchive(archive)
	}

	d.Processor = jobs.NewProcessor(d.JobStore, d.Logger)
	d.ImportService.RegisterHandlers(d.Processor)

	d.Scheduler = cron.NewScheduler(d.JobStore, d.Config.Worker.CleanupSchedule, d.Config.Worker.JobRetention, d.Logger)

	d.Logger.Info("services initialized",
		slog.String("schema_detector", d.Config.Import.SchemaDetector),
		slog.Bool("suggestions", d.Config.Import.Suggestions),
		slog.Bool("lookup_cache", d.LookupCache != nil),
	)
	return nil
}

func (d *Dependencies) schemaDetector() schema.Detector {
	heuristic := schema.NewHeuristicDetector()
	if d.Config.Import.SchemaDetector != "llm" {
		return heuristic
	}
	return schema.NewLLMDetector(d.Gemini, heuristic, d.Logger)
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
