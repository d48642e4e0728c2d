// Package fetch downloads uploaded documents by storage URI.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
)

// BucketReader opens objects by bucket and name.
type BucketReader interface {
	OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// Fetcher resolves gs://, http(s)://, file:// and bare storage keys. Any
// source may be left nil, in which case its scheme is rejected.
type Fetcher struct {
	objects    ports.ObjectStorage
	buckets    BucketReader
	httpClient *http.Client
}

func New(objects ports.ObjectStorage, buckets BucketReader) *Fetcher {
	return &Fetcher{
		objects:    objects,
		buckets:    buckets,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *Fetcher) Fetch(ctx context.Context, uri string, limit int64) ([]byte, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, domain.Permanent("fetch", errors.New("storage uri is empty"))
	}

	rc, err := f.open(ctx, uri, limit)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readLimited(rc, limit)
}

func (f *Fetcher) open(ctx context.Context, uri string, limit int64) (io.ReadCloser, error) {
	scheme, rest, hasScheme := strings.Cut(uri, "://")
	if !hasScheme {
		if f.objects == nil {
			return nil, domain.Permanent("fetch", fmt.Errorf("no object storage for key %q", uri))
		}
		return f.objects.Open(ctx, uri)
	}

	switch strings.ToLower(scheme) {
	case "gs":
		bucket, object, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || object == "" {
			return nil, domain.Permanent("fetch", fmt.Errorf("malformed gcs uri %q", uri))
		}
		if f.buckets == nil {
			return nil, domain.Permanent("fetch", fmt.Errorf("gcs is not configured for %q", uri))
		}
		return f.buckets.OpenObject(ctx, bucket, object)
	case "http", "https":
		return f.openHTTP(ctx, uri, limit)
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, domain.Permanent("fetch", err)
		}
		file, err := os.Open(u.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, domain.Permanent("fetch", err)
			}
			return nil, fmt.Errorf("open %s: %w", u.Path, err)
		}
		return file, nil
	}
	return nil, domain.Permanent("fetch", fmt.Errorf("unsupported uri scheme %q", scheme))
}

func (f *Fetcher) openHTTP(ctx context.Context, uri string, limit int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, domain.Permanent("fetch", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "fetch", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		err := fmt.Errorf("GET %s: %s", uri, resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return nil, domain.WrapError(domain.ErrTemporary, "fetch", err)
		}
		return nil, domain.Permanent("fetch", err)
	}
	if limit > 0 && resp.ContentLength > limit {
		resp.Body.Close()
		return nil, tooLarge(resp.ContentLength, limit)
	}
	return resp.Body, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, tooLarge(int64(len(body)), limit)
	}
	return body, nil
}

func tooLarge(size, limit int64) error {
	return domain.WrapError(domain.ErrFileTooLarge, "fetch",
		fmt.Errorf("document has at least %d bytes, limit is %d", size, limit))
}
