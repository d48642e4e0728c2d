// Package documentai runs uploaded documents through a Google Document AI
// OCR processor.
package documentai

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/resilience"
)

const (
	defaultLocation = "us"
	defaultMime     = "application/octet-stream"
	excerptRunes    = 2000
)

var (
	projectPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{4,29}$`)
	segmentPattern = regexp.MustCompile(`(?i)^[a-z0-9-]+$`)
)

type Config struct {
	ProjectID   string
	Location    string
	ProcessorID string
	// ClientOptions carry credentials; empty means application default credentials.
	ClientOptions []option.ClientOption
}

// Validate rejects identifiers the Document AI endpoint would not accept.
func (c Config) Validate() error {
	location := c.Location
	if location == "" {
		location = defaultLocation
	}
	if !projectPattern.MatchString(c.ProjectID) ||
		!segmentPattern.MatchString(location) ||
		!segmentPattern.MatchString(c.ProcessorID) {
		return domain.WrapError(domain.ErrInvalidConfig, "documentai config",
			errors.New("missing or invalid GOOGLE_PROJECT_ID/DOCAI_LOCATION/DOCAI_PROCESSOR_ID"))
	}
	return nil
}

// processor is the slice of the generated client this package calls.
type processor interface {
	Process(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error)
	Close() error
}

type grpcProcessor struct {
	client *documentai.DocumentProcessorClient
}

func (p grpcProcessor) Process(ctx context.Context, req *documentaipb.ProcessRequest) (*documentaipb.ProcessResponse, error) {
	return p.client.ProcessDocument(ctx, req)
}

func (p grpcProcessor) Close() error {
	return p.client.Close()
}

type dialFunc func(ctx context.Context, location string, opts ...option.ClientOption) (processor, error)

func dialProcessor(ctx context.Context, location string, opts ...option.ClientOption) (processor, error) {
	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	opts = append([]option.ClientOption{option.WithEndpoint(endpoint)}, opts...)
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return grpcProcessor{client: client}, nil
}

// Client is safe for concurrent use. Regional clients are created lazily
// and cached for the life of the process.
type Client struct {
	cfg      Config
	executor *resilience.Executor
	dial     dialFunc

	mu      sync.Mutex
	clients map[string]processor
}

func New(cfg Config, executor *resilience.Executor) *Client {
	if cfg.Location == "" {
		cfg.Location = defaultLocation
	}
	return &Client{
		cfg:      cfg,
		executor: executor,
		dial:     dialProcessor,
		clients:  make(map[string]processor),
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for location, p := range c.clients {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.clients, location)
	}
	return errors.Join(errs...)
}

func (c *Client) processorFor(ctx context.Context) (processor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.clients[c.cfg.Location]; ok {
		return p, nil
	}
	p, err := c.dial(ctx, c.cfg.Location, c.cfg.ClientOptions...)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "documentai dial", err)
	}
	c.clients[c.cfg.Location] = p
	return p, nil
}

func (c *Client) Process(ctx context.Context, content []byte, mimeType string) (domain.OCRResult, error) {
	if err := c.cfg.Validate(); err != nil {
		return domain.OCRResult{}, err
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = defaultMime
	}
	p, err := c.processorFor(ctx)
	if err != nil {
		return domain.OCRResult{}, err
	}

	req := &documentaipb.ProcessRequest{
		Name: fmt.Sprintf("projects/%s/locations/%s/processors/%s", c.cfg.ProjectID, c.cfg.Location, c.cfg.ProcessorID),
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{Content: content, MimeType: mimeType},
		},
	}

	var resp *documentaipb.ProcessResponse
	call := func(callCtx context.Context) error {
		var callErr error
		resp, callErr = p.Process(callCtx, req)
		return callErr
	}
	if c.executor != nil {
		err = c.executor.Execute(ctx, "documentai.process", call, classifyDocumentAIError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.OCRResult{}, wrapProcessError(err)
	}
	return mapDocument(resp.GetDocument()), nil
}

// mapDocument converts a processed document into per-page facts. Words are
// token counts and languages keep the best confidence seen for each code.
func mapDocument(doc *documentaipb.Document) domain.OCRResult {
	result := domain.OCRResult{
		Pages:     make([]domain.OCRPage, 0, len(doc.GetPages())),
		Languages: map[string]float64{},
	}
	text := doc.GetText()
	for i, page := range doc.GetPages() {
		number := int(page.GetPageNumber())
		if number <= 0 {
			number = i + 1
		}
		out := domain.OCRPage{
			Number:     number,
			Words:      len(page.GetTokens()),
			Confidence: float64(page.GetLayout().GetConfidence()),
			Excerpt:    anchorText(text, page.GetLayout().GetTextAnchor(), excerptRunes),
		}
		for _, lang := range page.GetDetectedLanguages() {
			code := strings.TrimSpace(lang.GetLanguageCode())
			if code == "" {
				continue
			}
			score := float64(lang.GetConfidence())
			out.Languages = append(out.Languages, domain.DetectedLanguage{Language: code, Confidence: score})
			if prev, ok := result.Languages[code]; !ok || score > prev {
				result.Languages[code] = score
			}
		}
		result.Pages = append(result.Pages, out)
	}
	return result
}

func anchorText(text string, anchor *documentaipb.Document_TextAnchor, limit int) string {
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := seg.GetStartIndex(), seg.GetEndIndex()
		if start < 0 || end > int64(len(text)) || start >= end {
			continue
		}
		b.WriteString(text[start:end])
	}
	out := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(out) <= limit {
		return out
	}
	runes := []rune(out)
	return string(runes[:limit])
}

var classifyDocumentAIError = resilience.Classifier(resilience.GRPCStatus)

// wrapProcessError makes rejected requests permanent so the quote goes to
// review instead of being retried; every other failure is worth retrying.
func wrapProcessError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if class, ok := resilience.GRPCStatus(err); ok && class == resilience.Rejected {
		return domain.Permanent("documentai process", err)
	}
	return domain.WrapError(domain.ErrTemporary, "documentai process", err)
}
