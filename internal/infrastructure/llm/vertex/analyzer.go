// Package vertex analyzes quotes with a Gemini model on Vertex AI.
package vertex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/resilience"
)

type Config struct {
	ProjectID         string
	Location          string
	Model             string
	RequestsPerSecond float64
	ClientOptions     []option.ClientOption
}

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type Analyzer struct {
	client   *genai.Client
	model    generator
	executor *resilience.Executor
	limiter  *rate.Limiter
}

func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Analyzer, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" || strings.TrimSpace(cfg.Location) == "" {
		return nil, domain.WrapError(domain.ErrInvalidConfig, "vertex config", errors.New("project and location are required"))
	}
	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Location, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(prompt.System)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	a := newAnalyzer(model, executor, cfg.RequestsPerSecond)
	a.client = client
	return a, nil
}

func newAnalyzer(model generator, executor *resilience.Executor, rps float64) *Analyzer {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Analyzer{model: model, executor: executor, limiter: limiter}
}

func (a *Analyzer) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

func (a *Analyzer) Analyze(ctx context.Context, input domain.AnalysisInput) (domain.AnalysisResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return domain.AnalysisResult{}, err
	}

	var resp *genai.GenerateContentResponse
	call := func(callCtx context.Context) error {
		var callErr error
		resp, callErr = a.model.GenerateContent(callCtx, genai.Text(prompt.Build(input)))
		return callErr
	}
	var err error
	if a.executor != nil {
		err = a.executor.Execute(ctx, "vertex.generate", call, classifyVertexError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.AnalysisResult{}, resilience.WrapTemporary("vertex generate", err, classifyVertexError)
	}
	return prompt.Parse(responseText(resp), input)
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

var classifyVertexError = resilience.Classifier(resilience.GRPCStatus)
