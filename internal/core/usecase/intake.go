package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
)

type IntakeService struct {
	quotes    ports.QuoteRepository
	files     ports.FileRepository
	storage   ports.ObjectStorage
	publisher ports.EventPublisher
	maxBytes  int64
}

func NewIntakeService(
	quotes ports.QuoteRepository,
	files ports.FileRepository,
	storage ports.ObjectStorage,
	publisher ports.EventPublisher,
	maxBytes int64,
) *IntakeService {
	if maxBytes <= 0 {
		maxBytes = DefaultOCRMaxBytes
	}
	return &IntakeService{
		quotes:    quotes,
		files:     files,
		storage:   storage,
		publisher: publisher,
		maxBytes:  maxBytes,
	}
}

func (s *IntakeService) CreateQuote(ctx context.Context, req domain.QuoteSubmitted) (*domain.Quote, error) {
	normalized, err := normalizeSubmission(req)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	quote := &domain.Quote{
		Status:      domain.QuoteUploading,
		IntendedUse: normalized.IntendedUse,
		Languages:   normalized.Languages,
		Billing:     normalized.Billing,
		Options:     normalized.Options,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.quotes.CreateQuote(ctx, quote); err != nil {
		return nil, fmt.Errorf("create quote: %w", err)
	}

	if err := s.publish(ctx, domain.EventQuoteCreated, domain.QuoteCreated{
		QuoteID: quote.ID,
		Files:   []domain.CreatedFile{},
	}); err != nil {
		return nil, err
	}
	return quote, nil
}

func (s *IntakeService) UploadFile(
	ctx context.Context,
	quoteID int64,
	filename, mimeType string,
	body io.Reader,
) (*domain.QuoteFile, error) {
	if _, err := s.quotes.GetQuote(ctx, quoteID); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", err)
	}
	if int64(len(content)) > s.maxBytes {
		return nil, domain.WrapError(domain.ErrFileTooLarge, "upload file",
			fmt.Errorf("file exceeds %d byte limit", s.maxBytes))
	}
	if len(content) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload file", errors.New("empty file"))
	}

	fileID := uuid.NewString()
	storageKey := fmt.Sprintf("quotes/%d/%s_%s", quoteID, fileID, sanitizeFilename(filename))
	if err := s.storage.Save(ctx, storageKey, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	file := &domain.QuoteFile{
		QuoteID:    quoteID,
		FileID:     fileID,
		StorageURI: s.storage.URI(storageKey),
		Filename:   filename,
		Bytes:      int64(len(content)),
		MimeType:   detectMime(filename, mimeType),
		Status:     domain.FileUploaded,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.files.EnsureFile(ctx, *file); err != nil {
		return nil, fmt.Errorf("create file metadata: %w", err)
	}
	if err := s.files.UpsertOCRJob(ctx, domain.OCRJob{QuoteID: quoteID, FileID: fileID, Status: domain.JobQueued}); err != nil {
		return nil, fmt.Errorf("queue ocr job: %w", err)
	}

	if err := s.publish(ctx, domain.EventFilesUploaded, domain.FilesUploaded{
		QuoteID:    quoteID,
		FileID:     fileID,
		StorageURI: file.StorageURI,
		Filename:   file.Filename,
		Bytes:      file.Bytes,
		Mime:       file.MimeType,
	}); err != nil {
		return nil, err
	}
	return file, nil
}

// Submit stores the customer's final selections and asks for pricing.
func (s *IntakeService) Submit(ctx context.Context, submission domain.QuoteSubmitted) error {
	normalized, err := normalizeSubmission(submission)
	if err != nil {
		return err
	}
	if normalized.QuoteID <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "submit quote", errors.New("quote_id is required"))
	}
	if _, err := s.quotes.GetQuote(ctx, normalized.QuoteID); err != nil {
		return err
	}
	if err := s.quotes.SaveSubmission(ctx, normalized); err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return s.publish(ctx, domain.EventQuoteSubmitted, normalized)
}

func (s *IntakeService) publish(ctx context.Context, name string, payload any) error {
	event, err := domain.NewEvent(name, payload)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func normalizeSubmission(in domain.QuoteSubmitted) (domain.QuoteSubmitted, error) {
	out := in
	if out.IntendedUse == "" {
		out.IntendedUse = domain.UseGeneral
	}
	switch out.IntendedUse {
	case domain.UseGeneral, domain.UseLegal, domain.UseImmigration, domain.UseAcademic, domain.UseInsurance:
	default:
		return out, domain.WrapError(domain.ErrInvalidInput, "validate submission",
			fmt.Errorf("unknown intended_use %q", out.IntendedUse))
	}

	languages := make([]string, 0, len(in.Languages))
	for _, lang := range in.Languages {
		if lang = strings.TrimSpace(lang); lang != "" {
			languages = append(languages, lang)
		}
	}
	out.Languages = languages

	out.Billing.Country = strings.ToUpper(strings.TrimSpace(out.Billing.Country))
	if out.Billing.Country == "" {
		out.Billing.Country = "CA"
	}
	out.Billing.Region = strings.ToUpper(strings.TrimSpace(out.Billing.Region))
	out.Billing.Currency = strings.ToUpper(strings.TrimSpace(out.Billing.Currency))
	switch out.Billing.Currency {
	case "":
		out.Billing.Currency = "CAD"
	case "CAD", "USD":
	default:
		return out, domain.WrapError(domain.ErrInvalidInput, "validate submission",
			fmt.Errorf("unsupported currency %q", out.Billing.Currency))
	}

	switch out.Options.Rush {
	case "", domain.RushOneBusinessDay, domain.RushSameDay:
	default:
		return out, domain.WrapError(domain.ErrInvalidInput, "validate submission",
			fmt.Errorf("unknown rush option %q", out.Options.Rush))
	}
	return out, nil
}

func detectMime(filename, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		if base, _, err := mime.ParseMediaType(byExt); err == nil {
			return base
		}
		return byExt
	}
	return "application/octet-stream"
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == "_" {
		return "document.bin"
	}
	return base
}
