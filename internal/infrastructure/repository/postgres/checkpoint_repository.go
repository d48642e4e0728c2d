package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// CheckpointRepository persists workflow runs and their memoized steps.
type CheckpointRepository struct {
	db *sql.DB
}

func NewCheckpointRepository(db *sql.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

func (r *CheckpointRepository) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT run_id, step_id, event_id, event_name, status, attempts, output, error, started_at, updated_at
FROM workflow_runs
WHERE run_id = $1
`, runID)

	var run domain.WorkflowRun
	var status string
	var output []byte
	err := row.Scan(
		&run.ID, &run.StepID, &run.EventID, &run.EventName, &status, &run.Attempts,
		&output, &run.Error, &run.StartedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan workflow run: %w", err)
	}
	run.Status = domain.RunStatus(status)
	if len(output) > 0 {
		run.Output = output
	}
	return &run, nil
}

func (r *CheckpointRepository) SaveRun(ctx context.Context, run domain.WorkflowRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.StartedAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO workflow_runs (
	run_id, step_id, event_id, event_name, status, attempts, output, error, started_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (run_id) DO UPDATE
SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, output = EXCLUDED.output,
	error = EXCLUDED.error, updated_at = EXCLUDED.updated_at
`,
		run.ID, run.StepID, run.EventID, run.EventName, string(run.Status), run.Attempts,
		nullableJSON(run.Output), run.Error, run.StartedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

func (r *CheckpointRepository) GetStep(ctx context.Context, runID, name string) (*domain.StepCheckpoint, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT run_id, step_name, output, blob_key, bytes, created_at
FROM workflow_steps
WHERE run_id = $1 AND step_name = $2
`, runID, name)

	var cp domain.StepCheckpoint
	var output []byte
	if err := row.Scan(&cp.RunID, &cp.Name, &output, &cp.BlobKey, &cp.Bytes, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan workflow step: %w", err)
	}
	if len(output) > 0 {
		cp.Output = output
	}
	return &cp, nil
}

// SaveStep stores a checkpoint once; the first committed output wins.
func (r *CheckpointRepository) SaveStep(ctx context.Context, cp domain.StepCheckpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO workflow_steps (run_id, step_name, output, blob_key, bytes, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (run_id, step_name) DO NOTHING
`, cp.RunID, cp.Name, nullableJSON(cp.Output), cp.BlobKey, cp.Bytes, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workflow step: %w", err)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
