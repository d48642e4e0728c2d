// Package local reads the embedded text layer of digital documents. It does
// not rasterize or recognize images.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

const (
	mimePDF  = "application/pdf"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	excerptRunes = 2000
)

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Process(ctx context.Context, content []byte, mimeType string) (domain.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OCRResult{}, err
	}

	var (
		texts []string
		err   error
	)
	switch mt := normalizeMime(mimeType, content); {
	case mt == mimePDF:
		texts, err = pdfPages(content)
	case mt == mimeXLSX:
		texts, err = sheetPages(content)
	case strings.HasPrefix(mt, "text/"):
		texts, err = textPages(content)
	default:
		return domain.OCRResult{}, domain.Permanent("local ocr",
			fmt.Errorf("no text layer reader for %q", mimeType))
	}
	if err != nil {
		return domain.OCRResult{}, err
	}

	result := domain.OCRResult{
		Pages:     make([]domain.OCRPage, 0, len(texts)),
		Languages: map[string]float64{},
	}
	for i, text := range texts {
		text = strings.TrimSpace(text)
		words := len(strings.Fields(text))
		confidence := 0.0
		if words > 0 {
			confidence = 1.0
		}
		result.Pages = append(result.Pages, domain.OCRPage{
			Number:     i + 1,
			Words:      words,
			Confidence: confidence,
			Excerpt:    truncate(text, excerptRunes),
		})
	}
	return result, nil
}

func normalizeMime(declared string, content []byte) string {
	mt := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	switch {
	case bytes.HasPrefix(content, []byte("%PDF-")):
		return mimePDF
	case utf8.Valid(content):
		return "text/plain"
	default:
		return mt
	}
}

func pdfPages(content []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, domain.Permanent("read pdf", err)
	}
	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, domain.Permanent("read pdf page", fmt.Errorf("page %d: %w", i, err))
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func sheetPages(content []byte) ([]string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, domain.Permanent("read xlsx", err)
	}
	defer func() {
		_ = book.Close()
	}()

	var pages []string
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return nil, domain.Permanent("read xlsx sheet", fmt.Errorf("%s: %w", sheet, err))
		}
		var b strings.Builder
		for _, row := range rows {
			b.WriteString(strings.Join(row, " "))
			b.WriteByte('\n')
		}
		pages = append(pages, b.String())
	}
	return pages, nil
}

// textPages splits plain text on form feeds, one page per segment.
func textPages(content []byte) ([]string, error) {
	if !utf8.Valid(content) {
		return nil, domain.Permanent("read text", errors.New("content is not valid UTF-8"))
	}
	text := strings.TrimRight(string(content), "\f")
	if strings.TrimSpace(text) == "" {
		return []string{""}, nil
	}
	return strings.Split(text, "\f"), nil
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
