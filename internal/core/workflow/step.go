// Package workflow runs event-triggered steps with per-run idempotency,
// bounded retries and memoized sub-step checkpoints.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Handler executes one step for one event. The returned output is stored
// with the completed run.
type Handler func(ctx context.Context, run *Run) (any, error)

// FailureHandler runs once after the final failed attempt.
type FailureHandler func(ctx context.Context, run *Run, cause error) error

type Step struct {
	ID        string
	Event     string
	Retries   int
	Handler   Handler
	OnFailure FailureHandler
}

// Registry is the fixed set of steps known to an engine, indexed by the
// event name that triggers them.
type Registry struct {
	byEvent map[string][]Step
}

func NewRegistry(steps ...Step) (*Registry, error) {
	reg := &Registry{byEvent: make(map[string][]Step)}
	seen := make(map[string]struct{}, len(steps))

	for i, step := range steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			return nil, fmt.Errorf("workflow: step #%d has empty id", i)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("workflow: duplicate step id %q", id)
		}
		if strings.TrimSpace(step.Event) == "" {
			return nil, fmt.Errorf("workflow: step %q has no trigger event", id)
		}
		if step.Handler == nil {
			return nil, fmt.Errorf("workflow: step %q has nil handler", id)
		}
		if step.Retries < 0 {
			return nil, fmt.Errorf("workflow: step %q has negative retries", id)
		}
		seen[id] = struct{}{}
		step.ID = id
		reg.byEvent[step.Event] = append(reg.byEvent[step.Event], step)
	}
	if len(seen) == 0 {
		return nil, errors.New("workflow: registry has no steps")
	}
	return reg, nil
}

// Steps returns the steps triggered by event, in registration order.
func (r *Registry) Steps(event string) []Step {
	return r.byEvent[event]
}

// Events lists every trigger event, sorted.
func (r *Registry) Events() []string {
	out := make([]string, 0, len(r.byEvent))
	for name := range r.byEvent {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
