package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
	"github.com/kirillkom/quote-pipeline/internal/core/workflow"
)

// memRepo implements the quote, file and analysis repositories in memory.
type memRepo struct {
	mu sync.Mutex

	nextID   int64
	quotes   map[int64]domain.Quote
	files    map[int64][]domain.QuoteFile
	pages    map[int64][]domain.QuotePage
	ocrJobs  map[string]domain.OCRJob
	jobs     map[int64]domain.AnalysisJob
	aPages   map[int64][]domain.AnalysisPage
	pricing  map[int64]domain.QuotePricing
	writes   int
	failNext map[string]error

	beforeSavePricing func()
}

func newMemRepo() *memRepo {
	return &memRepo{
		nextID:   100,
		quotes:   make(map[int64]domain.Quote),
		files:    make(map[int64][]domain.QuoteFile),
		pages:    make(map[int64][]domain.QuotePage),
		ocrJobs:  make(map[string]domain.OCRJob),
		jobs:     make(map[int64]domain.AnalysisJob),
		aPages:   make(map[int64][]domain.AnalysisPage),
		pricing:  make(map[int64]domain.QuotePricing),
		failNext: make(map[string]error),
	}
}

func (r *memRepo) fail(op string) error {
	if err, ok := r.failNext[op]; ok {
		delete(r.failNext, op)
		return err
	}
	return nil
}

func (r *memRepo) seedQuote(q domain.Quote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quotes[q.ID] = q
}

func (r *memRepo) CreateQuote(_ context.Context, quote *domain.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.nextID++
	quote.ID = r.nextID
	r.quotes[quote.ID] = *quote
	return nil
}

func (r *memRepo) GetQuote(_ context.Context, quoteID int64) (*domain.Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetQuote"); err != nil {
		return nil, err
	}
	q, ok := r.quotes[quoteID]
	if !ok {
		return nil, domain.WrapError(domain.ErrQuoteNotFound, "get quote", fmt.Errorf("quote %d", quoteID))
	}
	return &q, nil
}

func (r *memRepo) SaveSubmission(_ context.Context, s domain.QuoteSubmitted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	q := r.quotes[s.QuoteID]
	q.IntendedUse = s.IntendedUse
	q.Languages = s.Languages
	q.Billing = s.Billing
	q.Options = s.Options
	r.quotes[s.QuoteID] = q
	return nil
}

func (r *memRepo) TransitionStatus(_ context.Context, quoteID int64, from []domain.QuoteStatus, to domain.QuoteStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[quoteID]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if q.Status == status {
			r.writes++
			q.Status = to
			r.quotes[quoteID] = q
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) SetStatus(_ context.Context, quoteID int64, status domain.QuoteStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	q := r.quotes[quoteID]
	q.Status = status
	r.quotes[quoteID] = q
	return nil
}

func (r *memRepo) SavePricing(_ context.Context, quoteID int64, p domain.QuotePricing) (bool, error) {
	if r.beforeSavePricing != nil {
		r.beforeSavePricing()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("SavePricing"); err != nil {
		return false, err
	}
	q, ok := r.quotes[quoteID]
	if !ok {
		return false, domain.WrapError(domain.ErrQuoteNotFound, "save pricing", fmt.Errorf("quote %d", quoteID))
	}
	if q.Status == domain.QuoteHITL {
		return false, nil
	}
	r.writes++
	r.pricing[quoteID] = p
	q.BillablePages = p.BillablePages
	q.PerPageRate = p.PerPageRate
	q.CertType = p.CertType
	q.CertPrice = p.CertPrice
	q.Subtotal = p.Subtotal
	q.TaxRate = p.TaxRate
	q.Tax = p.Tax
	q.Total = p.Total
	q.Status = domain.QuoteReady
	r.quotes[quoteID] = q
	return true, nil
}

func (r *memRepo) EnsureFile(_ context.Context, file domain.QuoteFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files[file.QuoteID] {
		if f.FileID == file.FileID {
			return nil
		}
	}
	r.writes++
	r.files[file.QuoteID] = append(r.files[file.QuoteID], file)
	return nil
}

func (r *memRepo) GetFile(_ context.Context, quoteID int64, fileID string) (*domain.QuoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files[quoteID] {
		if f.FileID == fileID {
			out := f
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ListFiles(_ context.Context, quoteID int64) ([]domain.QuoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.QuoteFile(nil), r.files[quoteID]...), nil
}

func (r *memRepo) CompleteFileOCR(_ context.Context, file domain.QuoteFile, pages []domain.QuotePage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("CompleteFileOCR"); err != nil {
		return err
	}
	r.writes++
	replaced := false
	for i, f := range r.files[file.QuoteID] {
		if f.FileID == file.FileID {
			r.files[file.QuoteID][i] = file
			replaced = true
		}
	}
	if !replaced {
		r.files[file.QuoteID] = append(r.files[file.QuoteID], file)
	}
	for _, p := range pages {
		exists := false
		for _, existing := range r.pages[file.QuoteID] {
			if existing.FileID == p.FileID && existing.PageNumber == p.PageNumber {
				exists = true
				break
			}
		}
		if !exists {
			r.pages[file.QuoteID] = append(r.pages[file.QuoteID], p)
		}
	}
	return nil
}

func (r *memRepo) ListPages(_ context.Context, quoteID int64) ([]domain.QuotePage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.QuotePage(nil), r.pages[quoteID]...), nil
}

func (r *memRepo) UpsertOCRJob(_ context.Context, job domain.OCRJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	key := fmt.Sprintf("%d/%s", job.QuoteID, job.FileID)
	if existing, ok := r.ocrJobs[key]; ok && job.Status == domain.JobQueued && existing.Status != domain.JobQueued {
		return nil
	}
	r.ocrJobs[key] = job
	return nil
}

func (r *memRepo) ocrJob(quoteID int64, fileID string) domain.OCRJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ocrJobs[fmt.Sprintf("%d/%s", quoteID, fileID)]
}

func (r *memRepo) EnsureAnalysisJob(_ context.Context, quoteID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[quoteID]; !ok {
		r.writes++
		r.jobs[quoteID] = domain.AnalysisJob{QuoteID: quoteID, Status: domain.JobQueued}
	}
	return nil
}

func (r *memRepo) GetAnalysisJob(_ context.Context, quoteID int64) (*domain.AnalysisJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[quoteID]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (r *memRepo) ClaimAnalysisJob(_ context.Context, quoteID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[quoteID]
	if ok && job.Status != domain.JobQueued && job.Status != domain.JobFailed {
		return false, nil
	}
	r.writes++
	job.QuoteID = quoteID
	job.Status = domain.JobStarted
	r.jobs[quoteID] = job
	return true, nil
}

func (r *memRepo) CompleteAnalysis(_ context.Context, job domain.AnalysisJob, pages []domain.AnalysisPage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.jobs[job.QuoteID] = job
	r.aPages[job.QuoteID] = append([]domain.AnalysisPage(nil), pages...)
	return nil
}

func (r *memRepo) FailAnalysisJob(_ context.Context, quoteID int64, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	job := r.jobs[quoteID]
	job.QuoteID = quoteID
	job.Status = domain.JobFailed
	job.LastError = msg
	job.RetryCount++
	r.jobs[quoteID] = job
	return nil
}

func (r *memRepo) ListAnalysisPages(_ context.Context, quoteID int64) ([]domain.AnalysisPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AnalysisPage(nil), r.aPages[quoteID]...), nil
}

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type checkpointFake struct {
	mu    sync.Mutex
	runs  map[string]domain.WorkflowRun
	steps map[string]domain.StepCheckpoint
}

func newCheckpointFake() *checkpointFake {
	return &checkpointFake{
		runs:  make(map[string]domain.WorkflowRun),
		steps: make(map[string]domain.StepCheckpoint),
	}
}

func (c *checkpointFake) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (c *checkpointFake) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[run.ID] = run
	return nil
}

func (c *checkpointFake) GetStep(_ context.Context, runID, name string) (*domain.StepCheckpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.steps[runID+"|"+name]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (c *checkpointFake) SaveStep(_ context.Context, cp domain.StepCheckpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[cp.RunID+"|"+cp.Name] = cp
	return nil
}

// run returns the stored run of stepID for event.
func (c *checkpointFake) run(stepID string, event domain.Event) domain.WorkflowRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[stepID+":"+event.ID]
}

type busFake struct {
	mu     sync.Mutex
	events []domain.Event
	queue  []domain.Event
}

func (b *busFake) Publish(_ context.Context, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.queue = append(b.queue, event)
	return nil
}

func (b *busFake) named(name string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (b *busFake) pop() (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return domain.Event{}, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

type fetcherFake struct {
	content map[string][]byte
	calls   int
}

func (f *fetcherFake) Fetch(_ context.Context, uri string, limit int64) ([]byte, error) {
	f.calls++
	raw, ok := f.content[uri]
	if !ok {
		return nil, fmt.Errorf("no object at %s", uri)
	}
	if int64(len(raw)) > limit {
		return nil, domain.WrapError(domain.ErrFileTooLarge, "fetch", errors.New("too large"))
	}
	return raw, nil
}

type ocrFake struct {
	results map[string]domain.OCRResult
	errs    []error
	calls   int
}

func (o *ocrFake) Process(_ context.Context, content []byte, _ string) (domain.OCRResult, error) {
	o.calls++
	if len(o.errs) > 0 {
		err := o.errs[0]
		o.errs = o.errs[1:]
		if err != nil {
			return domain.OCRResult{}, err
		}
	}
	res, ok := o.results[string(content)]
	if !ok {
		return domain.OCRResult{}, errors.New("unexpected content")
	}
	return res, nil
}

type analyzerFake struct {
	result domain.AnalysisResult
	err    error
	calls  int
	input  domain.AnalysisInput
}

func (a *analyzerFake) Analyze(_ context.Context, input domain.AnalysisInput) (domain.AnalysisResult, error) {
	a.calls++
	a.input = input
	if a.err != nil {
		return domain.AnalysisResult{}, a.err
	}
	return a.result, nil
}

type policyFake struct {
	policy domain.PricingPolicy
	err    error
	calls  int
}

func (p *policyFake) Load(context.Context) (domain.PricingPolicy, error) {
	p.calls++
	return p.policy, p.err
}

type storageFake struct {
	objects map[string][]byte
}

func (s *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.objects[key] = raw
	return nil
}

func (s *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	raw, ok := s.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *storageFake) URI(key string) string { return "mem://" + key }

type pipeline struct {
	repo     *memRepo
	store    *checkpointFake
	bus      *busFake
	fetcher  *fetcherFake
	ocr      *ocrFake
	analyzer *analyzerFake
	policy   *policyFake
	storage  *storageFake
	engine   *workflow.Engine
	intake   *IntakeService
	review   *ReviewService
	status   *StatusService
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		repo:     newMemRepo(),
		store:    newCheckpointFake(),
		bus:      &busFake{},
		fetcher:  &fetcherFake{content: make(map[string][]byte)},
		ocr:      &ocrFake{results: make(map[string]domain.OCRResult)},
		analyzer: &analyzerFake{},
		policy:   &policyFake{policy: domain.DefaultPolicy()},
		storage:  &storageFake{objects: make(map[string][]byte)},
	}

	steps := PipelineSteps(
		NewPrepareJobsStep(p.repo, p.repo, p.repo),
		NewOCRStep(p.repo, p.fetcher, p.ocr, 1024),
		NewAnalysisStep(p.repo, p.repo, p.repo, p.analyzer, p.policy),
		NewPricingStep(p.repo, p.repo, p.repo, p.policy, nil),
	)
	registry, err := workflow.NewRegistry(steps...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	p.engine = workflow.NewEngine(registry, p.store, p.bus, workflow.Options{
		RetryBackoff:  time.Millisecond,
		RetryMaxDelay: time.Millisecond,
	})
	p.intake = NewIntakeService(p.repo, p.repo, p.storage, p.bus, 1024)
	p.review = NewReviewService(p.repo, p.repo, p.bus)
	p.status = NewStatusService(p.repo, p.repo, p.repo)
	return p
}

// drain dispatches queued events until the bus is quiet and returns the
// dispatch errors keyed by event name.
func (p *pipeline) drain(t *testing.T) map[string][]error {
	t.Helper()
	errs := make(map[string][]error)
	for i := 0; i < 100; i++ {
		event, ok := p.bus.pop()
		if !ok {
			return errs
		}
		if err := p.engine.Dispatch(context.Background(), event); err != nil {
			errs[event.Name] = append(errs[event.Name], err)
		}
	}
	t.Fatalf("event loop did not settle")
	return nil
}

func mustEvent(t *testing.T, name string, payload any) domain.Event {
	t.Helper()
	event, err := domain.NewEvent(name, payload)
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	return event
}

func sortedPageNumbers(pages []domain.QuotePage) []int {
	out := make([]int, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.PageNumber)
	}
	sort.Ints(out)
	return out
}
