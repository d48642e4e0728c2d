// Package policyfile reads a pricing policy document from a YAML (or JSON)
// file. Keys use the same names as the stored JSON policy.
package policyfile

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

// Source re-reads the file on every load so edits apply to the next
// pricing run without a restart. A missing file is an empty document.
type Source struct {
	path string
}

func New(path string) *Source {
	return &Source{path: path}
}

func (s *Source) LoadPolicy(_ context.Context) (domain.PartialPolicy, error) {
	if s.path == "" {
		return domain.PartialPolicy{}, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.PartialPolicy{}, nil
		}
		return nil, fmt.Errorf("read policy file %s: %w", s.path, err)
	}

	partial := domain.PartialPolicy{}
	if err := yaml.Unmarshal(raw, &partial); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidConfig, "decode policy file", err)
	}
	return partial, nil
}
