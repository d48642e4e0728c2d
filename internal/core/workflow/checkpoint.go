package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

const checkpointBlobPrefix = "workflow-steps/"

func (e *Engine) loadCheckpoint(ctx context.Context, runID, name string) ([]byte, bool, error) {
	cp, err := e.store.GetStep(ctx, runID, name)
	if err != nil {
		return nil, false, err
	}
	if cp == nil {
		return nil, false, nil
	}
	if cp.BlobKey == "" {
		return cp.Output, true, nil
	}
	if e.blobs == nil {
		return nil, false, domain.Permanent("load checkpoint blob", fmt.Errorf("no blob storage for %s", cp.BlobKey))
	}

	rc, err := e.blobs.Open(ctx, cp.BlobKey)
	if err != nil {
		return nil, false, fmt.Errorf("open checkpoint blob: %w", err)
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return nil, false, fmt.Errorf("open gzip reader: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint blob: %w", err)
	}
	return raw, true, nil
}

// saveCheckpoint stores small outputs inline; larger ones are gzipped into
// object storage and referenced by key.
func (e *Engine) saveCheckpoint(ctx context.Context, runID, name string, raw []byte) error {
	cp := domain.StepCheckpoint{
		RunID:     runID,
		Name:      name,
		Bytes:     len(raw),
		CreatedAt: e.now(),
	}

	if len(raw) <= e.maxInline || e.blobs == nil {
		cp.Output = raw
		return e.store.SaveStep(ctx, cp)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("compress checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress checkpoint: %w", err)
	}

	key := checkpointKey(runID, name)
	if err := e.blobs.Save(ctx, key, &buf); err != nil {
		return fmt.Errorf("offload checkpoint: %w", err)
	}
	cp.BlobKey = key
	return e.store.SaveStep(ctx, cp)
}

var keyReplacer = strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")

func checkpointKey(runID, name string) string {
	return checkpointBlobPrefix + keyReplacer.Replace(runID) + "/" + keyReplacer.Replace(name) + ".json.gz"
}
