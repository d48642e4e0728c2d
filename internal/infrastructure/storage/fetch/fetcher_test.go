package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

type memObjects map[string][]byte

func (m memObjects) Save(_ context.Context, key string, data io.Reader) error {
	b, err := io.ReadAll(data)
	m[key] = b
	return err
}

func (m memObjects) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := m[key]
	if !ok {
		return nil, domain.Permanent("open", os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m memObjects) URI(key string) string { return key }

type fakeBuckets struct {
	bucket, object string
	body           string
}

func (f *fakeBuckets) OpenObject(_ context.Context, bucket, object string) (io.ReadCloser, error) {
	f.bucket, f.object = bucket, object
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestFetchRoutesByScheme(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.pdf")
	if err := os.WriteFile(path, []byte("local"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote"))
	}))
	defer server.Close()

	buckets := &fakeBuckets{body: "cloud"}
	f := New(memObjects{"quotes/1/a.pdf": []byte("stored")}, buckets)

	cases := map[string]string{
		"quotes/1/a.pdf":                  "stored",
		"gs://uploads/quotes/1/b.pdf":     "cloud",
		server.URL + "/doc":                "remote",
		"file://" + filepath.ToSlash(path): "local",
	}
	for uri, want := range cases {
		got, err := f.Fetch(context.Background(), uri, 1024)
		if err != nil {
			t.Fatalf("Fetch(%q) error = %v", uri, err)
		}
		if string(got) != want {
			t.Fatalf("Fetch(%q) = %q, want %q", uri, got, want)
		}
	}
	if buckets.bucket != "uploads" || buckets.object != "quotes/1/b.pdf" {
		t.Fatalf("unexpected gcs target %s/%s", buckets.bucket, buckets.object)
	}
}

func TestFetchEnforcesLimit(t *testing.T) {
	f := New(memObjects{"big": bytes.Repeat([]byte("x"), 11)}, nil)
	if _, err := f.Fetch(context.Background(), "big", 10); !domain.IsKind(err, domain.ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if got, err := f.Fetch(context.Background(), "big", 11); err != nil || len(got) != 11 {
		t.Fatalf("exact limit must pass, got %d bytes, %v", len(got), err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write(bytes.Repeat([]byte("y"), 4096))
	}))
	defer server.Close()
	if _, err := f.Fetch(context.Background(), server.URL, 100); !domain.IsPermanent(err) {
		t.Fatalf("oversized download must be permanent, got %v", err)
	}
}

func TestFetchErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := New(nil, nil)
	if _, err := f.Fetch(context.Background(), server.URL+"/gone", 10); !domain.IsPermanent(err) {
		t.Fatalf("404 must be permanent, got %v", err)
	}
	if _, err := f.Fetch(context.Background(), server.URL+"/busy", 10); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("503 must be temporary, got %v", err)
	}
	for _, uri := range []string{"", "ftp://host/x", "gs://bucket-only", "gs://b/o", "bare-key"} {
		if _, err := f.Fetch(context.Background(), uri, 10); !domain.IsPermanent(err) {
			t.Fatalf("Fetch(%q) must be permanent, got %v", uri, err)
		}
	}
}
