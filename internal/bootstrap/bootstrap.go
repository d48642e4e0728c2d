package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/api/option"

	"github.com/kirillkom/quote-pipeline/internal/config"
	"github.com/kirillkom/quote-pipeline/internal/core/policy"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
	"github.com/kirillkom/quote-pipeline/internal/core/usecase"
	"github.com/kirillkom/quote-pipeline/internal/core/workflow"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/gcp"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/llm/vertex"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/ocr/documentai"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/ocr/local"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/policyfile"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/queue/nats"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/storage/fetch"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/storage/gcs"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/quote-pipeline/internal/observability/metrics"
)

type Options struct {
	Service string
	Logger  *slog.Logger
	// WorkerMetrics is set by the worker binary; it also switches on the
	// workflow engine and its OCR and analysis dependencies.
	WorkerMetrics *metrics.WorkerMetrics
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Bus      *nats.Bus
	Settings *postgres.SettingsRepository
	Policies ports.PolicyProvider

	Intake *usecase.IntakeService
	Review *usecase.ReviewService
	Status *usecase.StatusService

	// Engine is nil outside the worker.
	Engine *workflow.Engine

	closers []func() error
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	if err := app.build(ctx, cfg, opts); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, opts Options) error {
	logger := a.Logger

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	quotes := postgres.NewQuoteRepository(db)
	files := postgres.NewFileRepository(db)
	analysis := postgres.NewAnalysisRepository(db)
	checkpoints := postgres.NewCheckpointRepository(db)
	a.Settings = postgres.NewSettingsRepository(db)
	a.Policies = policy.NewProvider(policyfile.New(cfg.PolicyFile), a.Settings)

	creds := gcp.Credentials{
		JSON:        cfg.GoogleCredentialsJSON,
		B64:         cfg.GoogleCredentialsB64,
		ClientEmail: cfg.GoogleClientEmail,
		PrivateKey:  cfg.GooglePrivateKey,
		ProjectID:   cfg.GoogleProjectID,
	}
	googleOpts, err := creds.ClientOptions()
	if err != nil {
		return err
	}

	resilienceCfg := resilience.Config{
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		Jitter:              resilience.DefaultConfig().Jitter,
		BreakerEnabled:      cfg.BreakerEnabled,
		Logger:              logger,
	}
	if opts.WorkerMetrics != nil {
		resilienceCfg.OnRetry = opts.WorkerMetrics.ObserveRetry
	}
	executor := resilience.NewExecutor(resilienceCfg)

	var (
		objects ports.ObjectStorage
		buckets fetch.BucketReader
	)
	switch cfg.StorageBackend {
	case "gcs":
		store, err := gcs.New(ctx, cfg.GCSBucket, cfg.GCSPrefix, googleOpts...)
		if err != nil {
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		objects, buckets = store, store
	case "local", "":
		store, err := localfs.New(cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("init object storage: %w", err)
		}
		objects = store
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	busOpts := nats.Options{
		Prefix:             cfg.NATSSubjectPrefix,
		Source:             opts.Service,
		QueueGroup:         cfg.NATSQueueGroup,
		Concurrency:        cfg.WorkerConcurrency,
		ResilienceExecutor: executor,
		Logger:             logger,
	}
	if opts.WorkerMetrics != nil {
		busOpts.Observer = opts.WorkerMetrics
	}
	bus, err := nats.New(cfg.NATSURL, busOpts)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	a.Bus = bus
	a.closers = append(a.closers, func() error { bus.Close(); return nil })

	a.Intake = usecase.NewIntakeService(quotes, files, objects, bus, cfg.OCRMaxBytes)
	a.Review = usecase.NewReviewService(quotes, analysis, bus)
	a.Status = usecase.NewStatusService(quotes, files, analysis)

	if opts.WorkerMetrics == nil {
		return nil
	}

	ocr, err := a.buildOCR(cfg, executor, googleOpts)
	if err != nil {
		return err
	}
	analyzer, err := a.buildAnalyzer(ctx, cfg, executor, googleOpts)
	if err != nil {
		return err
	}

	steps := usecase.PipelineSteps(
		usecase.NewPrepareJobsStep(quotes, files, analysis),
		usecase.NewOCRStep(files, fetch.New(objects, buckets), ocr, cfg.OCRMaxBytes),
		usecase.NewAnalysisStep(quotes, files, analysis, analyzer, a.Policies),
		usecase.NewPricingStep(quotes, files, analysis, a.Policies, opts.WorkerMetrics),
	)
	registry, err := workflow.NewRegistry(steps...)
	if err != nil {
		return fmt.Errorf("register workflow steps: %w", err)
	}
	a.Engine = workflow.NewEngine(registry, checkpoints, bus, workflow.Options{
		Logger:         logger,
		Observer:       opts.WorkerMetrics,
		Blobs:          objects,
		MaxInlineBytes: cfg.StepMaxInlineBytes,
		StepTimeout:    cfg.StepTimeout,
		RetryBackoff:   cfg.StepRetryBackoff,
		RetryMaxDelay:  cfg.StepRetryMaxBackoff,
	})
	return nil
}

func (a *App) buildOCR(cfg config.Config, executor *resilience.Executor, googleOpts []option.ClientOption) (ports.OCRService, error) {
	switch cfg.OCRBackend {
	case "local":
		return local.NewExtractor(), nil
	case "documentai", "":
		docaiCfg := documentai.Config{
			ProjectID:     cfg.GoogleProjectID,
			Location:      cfg.DocAILocation,
			ProcessorID:   cfg.DocAIProcessorID,
			ClientOptions: googleOpts,
		}
		// Misconfiguration is reported per document as a permanent failure
		// so the affected quotes reach review; it is only logged here.
		if err := docaiCfg.Validate(); err != nil {
			a.Logger.Error("documentai_config_invalid", "error", err)
		}
		docai := documentai.New(docaiCfg, executor)
		a.closers = append(a.closers, docai.Close)
		return docai, nil
	}
	return nil, fmt.Errorf("unknown OCR_BACKEND %q", cfg.OCRBackend)
}

func (a *App) buildAnalyzer(ctx context.Context, cfg config.Config, executor *resilience.Executor, googleOpts []option.ClientOption) (ports.DocumentAnalyzer, error) {
	switch cfg.AnalyzerBackend {
	case "ollama", "":
		return ollama.New(cfg.OllamaURL, cfg.OllamaModel, ollama.Options{
			RequestsPerSecond: cfg.AnalyzerRPS,
			Timeout:           cfg.AnalyzerTimeout,
			Executor:          executor,
		}), nil
	case "vertex":
		analyzer, err := vertex.New(ctx, vertex.Config{
			ProjectID:         cfg.GoogleProjectID,
			Location:          cfg.VertexLocation,
			Model:             cfg.VertexModel,
			RequestsPerSecond: cfg.AnalyzerRPS,
			ClientOptions:     googleOpts,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init vertex analyzer: %w", err)
		}
		a.closers = append(a.closers, analyzer.Close)
		return analyzer, nil
	}
	return nil, fmt.Errorf("unknown ANALYZER_BACKEND %q", cfg.AnalyzerBackend)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("shutdown_close_failed", "error", err)
	}
}
