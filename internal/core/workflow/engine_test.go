package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

type storeFake struct {
	mu       sync.Mutex
	runs     map[string]domain.WorkflowRun
	steps    map[string]domain.StepCheckpoint
	saveRuns int
}

func newStoreFake() *storeFake {
	return &storeFake{
		runs:  make(map[string]domain.WorkflowRun),
		steps: make(map[string]domain.StepCheckpoint),
	}
}

func (s *storeFake) GetRun(_ context.Context, runID string) (*domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (s *storeFake) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveRuns++
	s.runs[run.ID] = run
	return nil
}

func (s *storeFake) GetStep(_ context.Context, runID, name string) (*domain.StepCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.steps[runID+"|"+name]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *storeFake) SaveStep(_ context.Context, cp domain.StepCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[cp.RunID+"|"+cp.Name] = cp
	return nil
}

type publisherFake struct {
	events []domain.Event
	err    error
}

func (p *publisherFake) Publish(_ context.Context, event domain.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type blobFake struct {
	objects map[string][]byte
}

func (b *blobFake) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[key] = raw
	return nil
}

func (b *blobFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	raw, ok := b.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *blobFake) URI(key string) string { return "mem://" + key }

type observerFake struct {
	started  int
	retried  int
	finished []domain.RunStatus
}

func (o *observerFake) StepStarted(string) { o.started++ }
func (o *observerFake) StepRetried(string) { o.retried++ }
func (o *observerFake) StepFinished(_ string, status domain.RunStatus, _ time.Duration) {
	o.finished = append(o.finished, status)
}

func newTestEngine(t *testing.T, store *storeFake, pub *publisherFake, opts Options, steps ...Step) *Engine {
	t.Helper()
	reg, err := NewRegistry(steps...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxDelay = time.Millisecond
	return NewEngine(reg, store, pub, opts)
}

func testEvent(t *testing.T, name string, payload any) domain.Event {
	t.Helper()
	event, err := domain.NewEvent(name, payload)
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	return event
}

func TestNewRegistryRejectsInvalidSteps(t *testing.T) {
	handler := func(context.Context, *Run) (any, error) { return nil, nil }

	cases := []struct {
		name  string
		steps []Step
		want  string
	}{
		{name: "empty", want: "no steps"},
		{name: "missing id", steps: []Step{{Event: "a", Handler: handler}}, want: "empty id"},
		{name: "duplicate id", steps: []Step{
			{ID: "x", Event: "a", Handler: handler},
			{ID: "x", Event: "b", Handler: handler},
		}, want: "duplicate"},
		{name: "missing event", steps: []Step{{ID: "x", Handler: handler}}, want: "trigger event"},
		{name: "nil handler", steps: []Step{{ID: "x", Event: "a"}}, want: "nil handler"},
		{name: "negative retries", steps: []Step{{ID: "x", Event: "a", Retries: -1, Handler: handler}}, want: "negative"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.steps...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRegistryEventsSorted(t *testing.T) {
	handler := func(context.Context, *Run) (any, error) { return nil, nil }
	reg, err := NewRegistry(
		Step{ID: "b", Event: "quote/submitted", Handler: handler},
		Step{ID: "a", Event: "files/uploaded", Handler: handler},
		Step{ID: "c", Event: "files/uploaded", Handler: handler},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := reg.Events()
	if len(events) != 2 || events[0] != "files/uploaded" || events[1] != "quote/submitted" {
		t.Fatalf("unexpected events: %v", events)
	}
	if steps := reg.Steps("files/uploaded"); len(steps) != 2 || steps[0].ID != "a" || steps[1].ID != "c" {
		t.Fatalf("unexpected steps order: %+v", steps)
	}
}

func TestDispatchRetriesUpToBudget(t *testing.T) {
	store := newStoreFake()
	observer := &observerFake{}
	calls := 0
	var failedWith error

	engine := newTestEngine(t, store, &publisherFake{}, Options{Observer: observer}, Step{
		ID:      "flaky",
		Event:   "test/event",
		Retries: 2,
		Handler: func(context.Context, *Run) (any, error) {
			calls++
			return nil, errors.New("transient")
		},
		OnFailure: func(_ context.Context, _ *Run, cause error) error {
			failedWith = cause
			return nil
		},
	})

	event := testEvent(t, "test/event", map[string]int{"n": 1})
	err := engine.Dispatch(context.Background(), event)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if failedWith == nil || !strings.Contains(failedWith.Error(), "transient") {
		t.Fatalf("expected OnFailure with last error, got %v", failedWith)
	}
	run := store.runs["flaky:"+event.ID]
	if run.Status != domain.RunFailed || run.Attempts != 3 || !strings.Contains(run.Error, "transient") {
		t.Fatalf("unexpected run record: %+v", run)
	}
	if observer.retried != 2 || observer.started != 1 {
		t.Fatalf("unexpected observer counts: %+v", observer)
	}
	if len(observer.finished) != 1 || observer.finished[0] != domain.RunFailed {
		t.Fatalf("unexpected finished statuses: %v", observer.finished)
	}
}

func TestDispatchDoesNotRetryPermanentError(t *testing.T) {
	store := newStoreFake()
	calls := 0
	engine := newTestEngine(t, store, &publisherFake{}, Options{}, Step{
		ID:      "strict",
		Event:   "test/event",
		Retries: 5,
		Handler: func(context.Context, *Run) (any, error) {
			calls++
			return nil, domain.Permanent("validate", errors.New("bad input"))
		},
	})

	err := engine.Dispatch(context.Background(), testEvent(t, "test/event", nil))
	if !domain.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
}

func TestDispatchCompletedRunIsNotExecutedAgain(t *testing.T) {
	store := newStoreFake()
	calls := 0
	engine := newTestEngine(t, store, &publisherFake{}, Options{}, Step{
		ID:    "once",
		Event: "test/event",
		Handler: func(context.Context, *Run) (any, error) {
			calls++
			return map[string]string{"ok": "yes"}, nil
		},
	})

	event := testEvent(t, "test/event", nil)
	for i := 0; i < 3; i++ {
		if err := engine.Dispatch(context.Background(), event); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	run := store.runs["once:"+event.ID]
	if run.Status != domain.RunCompleted || string(run.Output) != `{"ok":"yes"}` {
		t.Fatalf("unexpected run: %+v", run)
	}

	other := testEvent(t, "test/event", nil)
	if err := engine.Dispatch(context.Background(), other); err != nil {
		t.Fatalf("dispatch other: %v", err)
	}
	if calls != 2 {
		t.Fatalf("a distinct event must run the step again, got %d calls", calls)
	}
}

func TestDoReplaysCheckpointOnRetry(t *testing.T) {
	store := newStoreFake()
	sideEffects := 0
	attempts := 0

	engine := newTestEngine(t, store, &publisherFake{}, Options{}, Step{
		ID:      "memo",
		Event:   "test/event",
		Retries: 1,
		Handler: func(ctx context.Context, run *Run) (any, error) {
			attempts++
			value, err := Do(ctx, run, "expensive", func(context.Context) (int, error) {
				sideEffects++
				return 42, nil
			})
			if err != nil {
				return nil, err
			}
			if value != 42 {
				return nil, domain.Permanent("check", errors.New("wrong replay value"))
			}
			if attempts == 1 {
				return nil, errors.New("crash after checkpoint")
			}
			return value, nil
		},
	})

	if err := engine.Dispatch(context.Background(), testEvent(t, "test/event", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if sideEffects != 1 {
		t.Fatalf("expected side effect once, got %d", sideEffects)
	}
}

func TestSendEventPublishesOncePerRun(t *testing.T) {
	store := newStoreFake()
	pub := &publisherFake{}
	attempts := 0

	engine := newTestEngine(t, store, pub, Options{}, Step{
		ID:      "emit",
		Event:   "test/event",
		Retries: 2,
		Handler: func(ctx context.Context, run *Run) (any, error) {
			attempts++
			if _, err := run.SendEvent(ctx, domain.EventQuoteReady, domain.QuoteReadyPayload{QuoteID: 7}); err != nil {
				return nil, err
			}
			if attempts < 3 {
				return nil, errors.New("later failure")
			}
			return nil, nil
		},
	})

	if err := engine.Dispatch(context.Background(), testEvent(t, "test/event", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected exactly one published event, got %d", len(pub.events))
	}
	var payload domain.QuoteReadyPayload
	if err := json.Unmarshal(pub.events[0].Data, &payload); err != nil || payload.QuoteID != 7 {
		t.Fatalf("unexpected payload %s: %v", pub.events[0].Data, err)
	}
}

func TestLargeCheckpointIsOffloaded(t *testing.T) {
	store := newStoreFake()
	blobs := &blobFake{objects: make(map[string][]byte)}
	big := strings.Repeat("x", 2048)
	calls := 0

	engine := newTestEngine(t, store, &publisherFake{}, Options{Blobs: blobs, MaxInlineBytes: 1024}, Step{
		ID:      "big",
		Event:   "test/event",
		Retries: 1,
		Handler: func(ctx context.Context, run *Run) (any, error) {
			out, err := Do(ctx, run, "produce", func(context.Context) (string, error) {
				calls++
				return big, nil
			})
			if err != nil {
				return nil, err
			}
			if out != big {
				return nil, domain.Permanent("check", errors.New("blob replay mismatch"))
			}
			if run.Attempt == 1 {
				return nil, errors.New("retry to force replay")
			}
			return len(out), nil
		},
	})

	event := testEvent(t, "test/event", nil)
	if err := engine.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected producer to run once, got %d", calls)
	}
	cp := store.steps["big:"+event.ID+"|produce"]
	if cp.BlobKey == "" || len(cp.Output) != 0 {
		t.Fatalf("expected offloaded checkpoint, got %+v", cp)
	}
	if cp.Bytes != len(big)+2 {
		t.Fatalf("expected recorded size %d, got %d", len(big)+2, cp.Bytes)
	}
	if _, ok := blobs.objects[cp.BlobKey]; !ok {
		t.Fatalf("blob %s not stored", cp.BlobKey)
	}
	if strings.Contains(cp.BlobKey, ":") {
		t.Fatalf("blob key must not contain ':' got %s", cp.BlobKey)
	}
}

func TestDispatchUnknownEventIsNoop(t *testing.T) {
	engine := newTestEngine(t, newStoreFake(), &publisherFake{}, Options{}, Step{
		ID:      "only",
		Event:   "test/event",
		Handler: func(context.Context, *Run) (any, error) { return nil, nil },
	})
	if err := engine.Dispatch(context.Background(), testEvent(t, "other/event", nil)); err != nil {
		t.Fatalf("expected nil for unknown event, got %v", err)
	}
}

func TestDispatchCancelledRunStaysRunning(t *testing.T) {
	store := newStoreFake()
	ctx, cancel := context.WithCancel(context.Background())
	engine := newTestEngine(t, store, &publisherFake{}, Options{}, Step{
		ID:      "slow",
		Event:   "test/event",
		Retries: 2,
		Handler: func(ctx context.Context, _ *Run) (any, error) {
			cancel()
			return nil, ctx.Err()
		},
		OnFailure: func(context.Context, *Run, error) error {
			t.Fatalf("OnFailure must not run on shutdown")
			return nil
		},
	})

	event := testEvent(t, "test/event", nil)
	if err := engine.Dispatch(ctx, event); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run := store.runs["slow:"+event.ID]; run.Status != domain.RunRunning {
		t.Fatalf("expected run to stay running, got %s", run.Status)
	}
}
