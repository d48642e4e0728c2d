package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/llm/prompt"
	"github.com/kirillkom/quote-pipeline/internal/infrastructure/resilience"
)

type Options struct {
	// RequestsPerSecond caps analysis calls; zero disables the limit.
	RequestsPerSecond float64
	Timeout           time.Duration
	Executor          *resilience.Executor
}

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
}

func New(baseURL, model string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.Executor,
		limiter:    limiter,
	}
}

// Analyze asks the model for a strict JSON analysis of the quote's pages.
func (c *Client) Analyze(ctx context.Context, input domain.AnalysisInput) (domain.AnalysisResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.AnalysisResult{}, err
	}
	raw, err := c.generateJSON(ctx, prompt.System, prompt.Build(input))
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	return prompt.Parse(raw, input)
}

func (c *Client) generateJSON(ctx context.Context, system, userPrompt string) (string, error) {
	req := generateRequest{
		Model:  c.model,
		System: system,
		Prompt: userPrompt,
		Format: "json",
	}

	var resp generateResponse
	call := func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/api/generate", req, &resp)
	}
	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama.generate", call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", resilience.WrapTemporary("ollama generate", err, classifyOllamaError)
	}
	return strings.TrimSpace(resp.Response), nil
}
