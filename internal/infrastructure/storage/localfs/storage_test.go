package localfs

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

func TestSaveAndOpenNestedKey(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "quotes/7/abc_passport.pdf"
	if err := s.Save(context.Background(), key, strings.NewReader("%PDF-1.7")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rc, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "%PDF-1.7" {
		t.Fatalf("unexpected body %q", body)
	}

	want := "file://" + filepath.ToSlash(filepath.Join(dir, "quotes", "7", "abc_passport.pdf"))
	if got := s.URI(key); got != want {
		t.Fatalf("URI() = %q, want %q", got, want)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Save(context.Background(), "../outside", strings.NewReader("x")); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := s.Open(context.Background(), "missing.pdf"); !domain.IsPermanent(err) {
		t.Fatalf("missing file must be permanent, got %v", err)
	}
}
