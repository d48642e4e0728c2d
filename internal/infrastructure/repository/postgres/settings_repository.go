package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// SettingsRepository reads and writes app_settings documents. It serves as
// the database policy source.
type SettingsRepository struct {
	db  *sql.DB
	key string
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db, key: domain.PolicySettingsKey}
}

// LoadPolicy returns the stored policy document, or an empty one when the
// key has never been written.
func (r *SettingsRepository) LoadPolicy(ctx context.Context) (domain.PartialPolicy, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT settings FROM app_settings WHERE key = $1`, r.key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PartialPolicy{}, nil
		}
		return nil, fmt.Errorf("load app settings %s: %w", r.key, err)
	}

	partial := domain.PartialPolicy{}
	if len(raw) == 0 {
		return partial, nil
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidConfig, "decode pricing policy", err)
	}
	return partial, nil
}

func (r *SettingsRepository) SavePolicy(ctx context.Context, partial domain.PartialPolicy) error {
	raw, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("marshal pricing policy: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO app_settings (key, settings, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET settings = EXCLUDED.settings, updated_at = EXCLUDED.updated_at
`, r.key, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save app settings %s: %w", r.key, err)
	}
	return nil
}
