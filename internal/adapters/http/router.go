package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kirillkom/quote-pipeline/internal/config"
	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/ports"
	"github.com/kirillkom/quote-pipeline/internal/observability/metrics"
)

const (
	backpressureWait  = 100 * time.Millisecond
	maxJSONBodyBytes  = 1 << 20
	multipartOverhead = 1 << 20
)

// PolicySettings reads and replaces the stored pricing policy document.
type PolicySettings interface {
	LoadPolicy(ctx context.Context) (domain.PartialPolicy, error)
	SavePolicy(ctx context.Context, partial domain.PartialPolicy) error
}

type Dependencies struct {
	Intake   ports.QuoteIntake
	Review   ports.ReviewDesk
	Stages   ports.StageReader
	Settings PolicySettings
	Policies ports.PolicyProvider
	// Metrics is optional.
	Metrics *metrics.HTTPServerMetrics
	Service string
}

type Router struct {
	cfg  config.Config
	deps Dependencies
}

func NewRouter(cfg config.Config, deps Dependencies) *Router {
	if deps.Service == "" {
		deps.Service = "quote-api"
	}
	return &Router{cfg: cfg, deps: deps}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, accessLogMiddleware)
	if rt.deps.Metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return rt.deps.Metrics.Middleware(rt.deps.Service, next)
		})
		r.Method(http.MethodGet, "/metrics", rt.deps.Metrics.Handler())
	}
	r.Get("/healthz", rt.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return rateLimitMiddleware(next, rt.cfg.HTTPRateLimitRPS, rt.cfg.HTTPRateLimitBurst)
		})
		r.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.cfg.HTTPMaxInFlight, backpressureWait)
		})

		r.Post("/quotes", rt.createQuote)
		r.Route("/quotes/{quoteID}", func(r chi.Router) {
			r.Post("/files", rt.uploadFile)
			r.Post("/submit", rt.submitQuote)
			r.Post("/hitl-request", rt.requestReview)
			r.Post("/hitl-resolve", rt.resolveReview)
			r.Get("/status", rt.quoteStatus)
		})

		r.Get("/settings/pricing-policy", rt.getPricingPolicy)
		r.Put("/settings/pricing-policy", rt.putPricingPolicy)
	})
	return r
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type quoteRequest struct {
	IntendedUse domain.IntendedUse  `json:"intended_use"`
	Languages   []string            `json:"languages"`
	Billing     domain.Billing      `json:"billing"`
	Options     domain.QuoteOptions `json:"options"`
}

func (q quoteRequest) submission(quoteID int64) domain.QuoteSubmitted {
	return domain.QuoteSubmitted{
		QuoteID:     quoteID,
		IntendedUse: q.IntendedUse,
		Languages:   q.Languages,
		Billing:     q.Billing,
		Options:     q.Options,
	}
}

func (rt *Router) createQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	quote, err := rt.deps.Intake.CreateQuote(r.Context(), req.submission(0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordQuoteCreated(rt.deps.Service, string(quote.IntendedUse))
	}
	writeJSON(w, http.StatusCreated, quote)
}

func (rt *Router) uploadFile(w http.ResponseWriter, r *http.Request) {
	quoteID, ok := quoteIDParam(w, r)
	if !ok {
		return
	}

	if rt.cfg.OCRMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.OCRMaxBytes+multipartOverhead)
	}
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "file is too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	created, err := rt.deps.Intake.UploadFile(
		r.Context(),
		quoteID,
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		file,
	)
	if rt.deps.Metrics != nil {
		var size int64
		if created != nil {
			size = created.Bytes
		}
		rt.deps.Metrics.RecordUpload(rt.deps.Service, size, err)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (rt *Router) submitQuote(w http.ResponseWriter, r *http.Request) {
	quoteID, ok := quoteIDParam(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if err := rt.deps.Intake.Submit(r.Context(), req.submission(quoteID)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"quote_id": quoteID, "status": "submitted"})
}

func (rt *Router) requestReview(w http.ResponseWriter, r *http.Request) {
	quoteID, ok := quoteIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	if err := rt.deps.Review.RequestReview(r.Context(), quoteID, reason); err != nil {
		writeError(w, r, err)
		return
	}
	rt.recordReview("request")
	writeJSON(w, http.StatusAccepted, map[string]any{"quote_id": quoteID, "status": "needs_review"})
}

func (rt *Router) resolveReview(w http.ResponseWriter, r *http.Request) {
	quoteID, ok := quoteIDParam(w, r)
	if !ok {
		return
	}
	var corrections domain.ReviewCorrections
	if !decodeJSON(w, r, &corrections, true) {
		return
	}
	if err := rt.deps.Review.Resolve(r.Context(), quoteID, corrections); err != nil {
		writeError(w, r, err)
		return
	}
	rt.recordReview("resolve")
	writeJSON(w, http.StatusAccepted, map[string]any{"quote_id": quoteID, "status": "resolved"})
}

func (rt *Router) recordReview(action string) {
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordReview(rt.deps.Service, action)
	}
}

func (rt *Router) quoteStatus(w http.ResponseWriter, r *http.Request) {
	quoteID, ok := quoteIDParam(w, r)
	if !ok {
		return
	}
	stage, err := rt.deps.Stages.Stage(r.Context(), quoteID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quote_id": quoteID, "stage": stage})
}

func (rt *Router) getPricingPolicy(w http.ResponseWriter, r *http.Request) {
	stored, err := rt.deps.Settings.LoadPolicy(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	effective, err := rt.deps.Policies.Load(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stored == nil {
		stored = domain.PartialPolicy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": stored, "effective": effective})
}

// putPricingPolicy replaces the stored document. Missing keys fall back to
// defaults, so the response carries the policy that pricing will now use.
func (rt *Router) putPricingPolicy(w http.ResponseWriter, r *http.Request) {
	var partial domain.PartialPolicy
	if !decodeJSON(w, r, &partial, false) {
		return
	}
	if partial == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "policy must be a JSON object"})
		return
	}
	if err := rt.deps.Settings.SavePolicy(r.Context(), partial); err != nil {
		writeError(w, r, err)
		return
	}
	effective, err := rt.deps.Policies.Load(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, effective)
}

func quoteIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "quoteID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quote id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// decodeJSON writes a 400 and returns false when the body is not valid JSON.
// With allowEmpty an empty body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
