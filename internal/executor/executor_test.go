package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/config"
	"github.com/strataresearch/strata/internal/models"
	"github.com/strataresearch/strata/internal/provider"
)

const validContent = `{"findings":[{"key":"rival-corp","summary":"Direct competitor","confidence":0.8}],` +
	`"citations":[{"url":"https://example.com/a"},{"url":"https://example.com/b"}]}`

// mockGateway replays a scripted sequence of responses and records the
// model requested per call.
type mockGateway struct {
	mu        sync.Mutex
	script    []func(req provider.Request) (*provider.Response, error)
	calls     int
	requested []string
}

func (m *mockGateway) Name() string { return "mock" }

func (m *mockGateway) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.requested = append(m.requested, req.Model)
	m.mu.Unlock()

	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	return m.script[idx](req)
}

func billed(content string, cost float64) func(provider.Request) (*provider.Response, error) {
	return func(req provider.Request) (*provider.Response, error) {
		return &provider.Response{
			Content: content,
			Model:   req.Model,
			Usage:   provider.Usage{InputTokens: 100, OutputTokens: 200, Cost: cost},
		}, nil
	}
}

func failUnbilled(err error) func(provider.Request) (*provider.Response, error) {
	return func(req provider.Request) (*provider.Response, error) {
		return nil, err
	}
}

type recordingLedger struct {
	mu     sync.Mutex
	events []models.CostEvent
}

func (l *recordingLedger) RecordCostEvent(event models.CostEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func testExecutorConfig() config.ExecutorConfig {
	cfg := config.Default().Executor
	cfg.RetryBackoff = 0
	cfg.TaskTimeout = 5 * time.Second
	return cfg
}

func newTestExecutor(gw provider.Gateway, ledger budget.Ledger) *Executor {
	var controller *budget.Controller
	if ledger != nil {
		controller = budget.New(config.Default().Budget, 0, ledger, nil)
	}
	e := New(gw, controller, testExecutorConfig())
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func discoveryTask() models.Task {
	return models.Task{
		ID:    "task-1",
		RunID: "run-1",
		Phase: models.PhaseDiscovery,
		Key:   "acme",
		Query: "Identify competitors for acme.",
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	gw := &mockGateway{script: []func(provider.Request) (*provider.Response, error){
		billed(validContent, 0.01),
	}}
	e := newTestExecutor(gw, nil)

	res := e.Execute(context.Background(), discoveryTask())
	if res.Err != nil {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Task.State != models.TaskStateSucceeded {
		t.Errorf("Expected succeeded state, got %s", res.Task.State)
	}
	if res.Task.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", res.Task.Attempts)
	}
	if gw.requested[0] != "anthropic/claude-3.5-sonnet" {
		t.Errorf("Expected primary model on first attempt, got %s", gw.requested[0])
	}
	if len(res.Output.Findings) != 1 {
		t.Errorf("Expected 1 finding, got %d", len(res.Output.Findings))
	}
}

func TestExecuteFallsBackAfterFailure(t *testing.T) {
	gw := &mockGateway{script: []func(provider.Request) (*provider.Response, error){
		failUnbilled(&provider.Error{Model: "anthropic/claude-3.5-sonnet", Status: 503, Err: errors.New("overloaded")}),
		billed(validContent, 0.01),
	}}
	e := newTestExecutor(gw, nil)

	res := e.Execute(context.Background(), discoveryTask())
	if res.Err != nil {
		t.Fatalf("Expected success on second attempt, got %v", res.Err)
	}
	if res.Task.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", res.Task.Attempts)
	}
	if gw.requested[1] != "openai/gpt-4o-mini" {
		t.Errorf("Expected fallback model on retry, got %s", gw.requested[1])
	}
}

func TestExecuteRetryCeiling(t *testing.T) {
	gw := &mockGateway{script: []func(provider.Request) (*provider.Response, error){
		failUnbilled(&provider.Error{Model: "m", Status: 500, Err: errors.New("boom")}),
	}}
	e := newTestExecutor(gw, nil)

	res := e.Execute(context.Background(), discoveryTask())
	if res.Err == nil {
		t.Fatal("Expected terminal failure")
	}
	if res.Task.State != models.TaskStateFailedTerminal {
		t.Errorf("Expected failed_terminal, got %s", res.Task.State)
	}
	// MaxRetries 2 means an attempt ceiling of 3.
	if gw.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", gw.calls)
	}
	if res.Task.Error == "" {
		t.Error("Expected last error recorded on task")
	}
}

func TestExecuteValidationFailureIsRetried(t *testing.T) {
	gw := &mockGateway{script: []func(provider.Request) (*provider.Response, error){
		billed("I could not produce JSON, sorry.", 0.01),
		billed(validContent, 0.01),
	}}
	e := newTestExecutor(gw, nil)

	res := e.Execute(context.Background(), discoveryTask())
	if res.Err != nil {
		t.Fatalf("Expected success after validation retry, got %v", res.Err)
	}
	if res.Task.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", res.Task.Attempts)
	}
}

// TestCostEventPerBilledAttempt verifies the invariant that every
// attempt that reached the provider emits exactly one cost event, even
// when the response then fails validation.
func TestCostEventPerBilledAttempt(t *testing.T) {
	ledger := &recordingLedger{}
	gw := &mockGateway{script: []func(provider.Request) (*provider.Response, error){
		billed("not json at all", 0.01),
		failUnbilled(&provider.Error{Model: "m", Status: 502, Err: errors.New("bad gateway")}),
		billed(validContent, 0.01),
	}}
	e := newTestExecutor(gw, ledger)

	res := e.Execute(context.Background(), discoveryTask())
	if res.Err != nil {
		t.Fatalf("Expected eventual success, got %v", res.Err)
	}

	// Three attempts, two of which reached the provider and were billed.
	if len(ledger.events) != 2 {
		t.Fatalf("Expected 2 cost events for 2 billed attempts, got %d", len(ledger.events))
	}
	for _, event := range ledger.events {
		if event.Cost != 0.01 {
			t.Errorf("Expected $0.01 per event, got $%.4f", event.Cost)
		}
		if event.TaskID != "task-1" || event.RunID != "run-1" {
			t.Errorf("Expected event attributed to task, got task=%s run=%s", event.TaskID, event.RunID)
		}
	}
	if res.Task.Cost != 0.02 {
		t.Errorf("Expected task cost $0.02, got $%.4f", res.Task.Cost)
	}
}

func TestExecuteCancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &mockGateway{script: []func(provider.Request) (*provider.Response, error){
		func(req provider.Request) (*provider.Response, error) {
			cancel()
			return nil, context.Canceled
		},
	}}
	e := newTestExecutor(gw, nil)

	res := e.Execute(ctx, discoveryTask())
	if res.Err == nil {
		t.Fatal("Expected failure on cancellation")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", res.Err)
	}
	if gw.calls != 1 {
		t.Errorf("Expected no retry after cancellation, got %d calls", gw.calls)
	}
}

func TestExecuteTimeoutIsRetried(t *testing.T) {
	gw := &mockGateway{script: []func(provider.Request) (*provider.Response, error){
		failUnbilled(context.DeadlineExceeded),
		billed(validContent, 0.01),
	}}
	e := newTestExecutor(gw, nil)

	res := e.Execute(context.Background(), discoveryTask())
	if res.Err != nil {
		t.Fatalf("Expected success after timeout retry, got %v", res.Err)
	}
	if gw.calls != 2 {
		t.Errorf("Expected 2 calls, got %d", gw.calls)
	}
}

// ctxProbeGateway blocks until its call context is cancelled or a short
// delay elapses, surfacing whether cancellation reached the wire.
type ctxProbeGateway struct{}

func (g *ctxProbeGateway) Name() string { return "probe" }

func (g *ctxProbeGateway) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
		return &provider.Response{
			Content: validContent,
			Model:   req.Model,
			Usage:   provider.Usage{InputTokens: 10, OutputTokens: 10, Cost: 0.01},
		}, nil
	}
}

func TestExecuteDrainedCallSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(&ctxProbeGateway{}, nil, testExecutorConfig())
	res := e.Execute(ctx, discoveryTask())
	if res.Err != nil {
		t.Fatalf("Expected in-flight attempt to drain, got %v", res.Err)
	}
	if res.Task.State != models.TaskStateSucceeded {
		t.Errorf("Expected succeeded task, got %s", res.Task.State)
	}
}

func TestExecuteCancelCutsCallWithoutDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testExecutorConfig()
	cfg.DrainOnAbort = false
	e := New(&ctxProbeGateway{}, nil, cfg)

	res := e.Execute(ctx, discoveryTask())
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", res.Err)
	}
}
