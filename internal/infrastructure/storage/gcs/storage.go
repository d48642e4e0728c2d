// Package gcs stores documents and offloaded checkpoints in a Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

type Storage struct {
	client *storage.Client
	bucket string
	prefix string
}

func New(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*Storage, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, domain.WrapError(domain.ErrInvalidConfig, "gcs storage", errors.New("bucket is required"))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &Storage{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) object(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Save writes the object only if it does not exist yet. An existing object
// is left untouched and reported as success.
func (s *Storage) Save(ctx context.Context, key string, data io.Reader) error {
	name := s.object(key)
	writer := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := io.Copy(writer, data); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, name, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.OpenObject(ctx, s.bucket, s.object(key))
}

// OpenObject reads any object the client can see, not only those under
// this storage's bucket and prefix.
func (s *Storage) OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, domain.Permanent("open gcs object", err)
		}
		return nil, domain.WrapError(domain.ErrTemporary, "open gcs object", err)
	}
	return reader, nil
}

func (s *Storage) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object(key))
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
