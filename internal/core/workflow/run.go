package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// Run is the execution context handed to a step handler.
type Run struct {
	ID      string
	StepID  string
	Event   domain.Event
	Attempt int
	Logger  *slog.Logger

	engine *Engine
}

// Do executes fn once per run under name. When a previous attempt already
// stored an output for name, that output is returned and fn is skipped, so
// committed side effects are not repeated on retry or re-delivery.
func Do[T any](ctx context.Context, run *Run, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	raw, found, err := run.engine.loadCheckpoint(ctx, run.ID, name)
	if err != nil {
		return zero, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	if found {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, domain.Permanent("decode checkpoint "+name, err)
		}
		run.Logger.Debug("checkpoint_replayed", "checkpoint", name)
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return zero, domain.Permanent("encode checkpoint "+name, err)
	}
	if err := run.engine.saveCheckpoint(ctx, run.ID, name, encoded); err != nil {
		return zero, fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return out, nil
}

// SendEvent publishes an event exactly once per run and name. The event ID
// is derived from the run so a republish after a lost checkpoint carries
// the same ID and is deduplicated by the consumer's run key.
func (r *Run) SendEvent(ctx context.Context, eventName string, payload any) (string, error) {
	checkpoint := "send:" + eventName
	return Do(ctx, r, checkpoint, func(ctx context.Context) (string, error) {
		event, err := domain.NewEvent(eventName, payload)
		if err != nil {
			return "", domain.Permanent("build event", err)
		}
		event.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(r.ID+"/"+checkpoint)).String()

		if err := r.engine.publisher.Publish(ctx, event); err != nil {
			return "", fmt.Errorf("publish %s: %w", eventName, err)
		}
		r.Logger.Info("event_sent", "sent_event", eventName, "sent_event_id", event.ID)
		return event.ID, nil
	})
}
