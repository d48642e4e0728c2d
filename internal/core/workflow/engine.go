package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/resilience"
)

const DefaultMaxInlineBytes = 60 * 1024

// Observer receives step lifecycle notifications, typically for metrics.
type Observer interface {
	StepStarted(stepID string)
	StepRetried(stepID string)
	StepFinished(stepID string, status domain.RunStatus, duration time.Duration)
}

type Options struct {
	Logger   *slog.Logger
	Observer Observer
	// Blobs receives step outputs above MaxInlineBytes. Without it every
	// output is stored inline.
	Blobs          ports.ObjectStorage
	MaxInlineBytes int
	StepTimeout    time.Duration
	RetryBackoff   time.Duration
	RetryMaxDelay  time.Duration
}

type Engine struct {
	registry  *Registry
	store     ports.CheckpointStore
	publisher ports.EventPublisher
	blobs     ports.ObjectStorage
	executor  *resilience.Executor
	observer  Observer
	logger    *slog.Logger

	maxInline   int
	stepTimeout time.Duration
	now         func() time.Time
}

func NewEngine(
	registry *Registry,
	store ports.CheckpointStore,
	publisher ports.EventPublisher,
	opts Options,
) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	maxInline := opts.MaxInlineBytes
	if maxInline <= 0 {
		maxInline = DefaultMaxInlineBytes
	}

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: opts.RetryBackoff,
		RetryMaxBackoff:     opts.RetryMaxDelay,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
		Logger:              logger,
		OnRetry: func(stepID string, _ int, _ error) {
			observer.StepRetried(stepID)
		},
	})

	return &Engine{
		registry:    registry,
		store:       store,
		publisher:   publisher,
		blobs:       opts.Blobs,
		executor:    executor,
		observer:    observer,
		logger:      logger,
		maxInline:   maxInline,
		stepTimeout: opts.StepTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Events lists the event names the engine has steps for.
func (e *Engine) Events() []string {
	return e.registry.Events()
}

// Dispatch runs every step triggered by event. Each step runs independently;
// the returned error joins the failures of all steps.
func (e *Engine) Dispatch(ctx context.Context, event domain.Event) error {
	steps := e.registry.Steps(event.Name)
	if len(steps) == 0 {
		e.logger.Debug("event_without_steps", "event", event.Name, "event_id", event.ID)
		return nil
	}

	var errs []error
	for _, step := range steps {
		if err := e.runStep(ctx, step, event); err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", step.ID, err))
		}
	}
	return errors.Join(errs...)
}

func runID(stepID, eventID string) string {
	return stepID + ":" + eventID
}

func (e *Engine) runStep(ctx context.Context, step Step, event domain.Event) error {
	id := runID(step.ID, event.ID)
	logger := e.logger.With("step", step.ID, "run_id", id, "event", event.Name)

	record, err := e.store.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("load run %s: %w", id, err)
	}
	if record != nil && record.Status != domain.RunRunning {
		logger.Info("step_run_already_finished", "status", record.Status)
		return nil
	}
	if record == nil {
		record = &domain.WorkflowRun{
			ID:        id,
			StepID:    step.ID,
			EventID:   event.ID,
			EventName: event.Name,
			Status:    domain.RunRunning,
			StartedAt: e.now(),
		}
	}

	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	run := &Run{ID: id, StepID: step.ID, Event: event, Logger: logger, engine: e}
	e.observer.StepStarted(step.ID)
	started := time.Now()

	var output any
	execErr := e.executor.ExecuteAttempts(ctx, step.ID, step.Retries+1, func(ctx context.Context) error {
		record.Attempts++
		record.UpdatedAt = e.now()
		if err := e.store.SaveRun(ctx, *record); err != nil {
			return domain.WrapError(domain.ErrTemporary, "save run", err)
		}
		run.Attempt = record.Attempts
		run.Logger = logger.With("attempt", record.Attempts)

		out, err := step.Handler(ctx, run)
		if err != nil {
			run.Logger.Warn("step_attempt_failed", "error", err)
			return err
		}
		output = out
		return nil
	}, classifyStepError)

	if execErr == nil {
		raw, err := json.Marshal(output)
		if err != nil {
			raw = nil
		}
		record.Status = domain.RunCompleted
		record.Output = raw
		record.Error = ""
		record.UpdatedAt = e.now()
		if err := e.store.SaveRun(ctx, *record); err != nil {
			e.observer.StepFinished(step.ID, domain.RunRunning, time.Since(started))
			return fmt.Errorf("save completed run: %w", err)
		}
		e.observer.StepFinished(step.ID, domain.RunCompleted, time.Since(started))
		logger.Info("step_completed", "attempts", record.Attempts, "duration", time.Since(started), "output", string(raw))
		return nil
	}

	// A run interrupted by shutdown stays "running" so a re-delivery resumes
	// it from its checkpoints.
	if errors.Is(execErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		e.observer.StepFinished(step.ID, domain.RunRunning, time.Since(started))
		return execErr
	}

	// Failure bookkeeping must not be cut short by the step deadline.
	failCtx := context.WithoutCancel(ctx)
	if step.OnFailure != nil {
		if err := step.OnFailure(failCtx, run, execErr); err != nil {
			logger.Error("step_on_failure_error", "error", err)
		}
	}
	record.Status = domain.RunFailed
	record.Error = execErr.Error()
	record.UpdatedAt = e.now()
	if err := e.store.SaveRun(failCtx, *record); err != nil {
		logger.Error("save_failed_run_error", "error", err)
	}
	e.observer.StepFinished(step.ID, domain.RunFailed, time.Since(started))
	logger.Error("step_failed", "attempts", record.Attempts, "duration", time.Since(started), "error", execErr)
	return execErr
}

func classifyStepError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if domain.IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false}
	}
	return resilience.ErrorClassification{Retryable: true}
}

type noopObserver struct{}

func (noopObserver) StepStarted(string) {}
func (noopObserver) StepRetried(string) {}
func (noopObserver) StepFinished(string, domain.RunStatus, time.Duration) {}
