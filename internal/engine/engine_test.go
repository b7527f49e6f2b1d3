package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/config"
	"github.com/strataresearch/strata/internal/events"
	"github.com/strataresearch/strata/internal/executor"
	"github.com/strataresearch/strata/internal/models"
	"github.com/strataresearch/strata/internal/phase"
	"github.com/strataresearch/strata/internal/provider"
)

const engineContent = `{"findings":[{"key":"insight","summary":"observed","confidence":0.8}],` +
	`"citations":[{"url":"https://example.com/a"},{"url":"https://example.com/b"}]}`

// stubGateway always succeeds at a configurable cost per call and can
// hold calls open until released. gateAfter lets the first N calls
// through ungated.
type stubGateway struct {
	cost      float64
	gate      <-chan struct{}
	gateAfter int

	mu    sync.Mutex
	calls int
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *stubGateway) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()

	if g.gate != nil && n > g.gateAfter {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &provider.Response{
		Content: engineContent,
		Model:   req.Model,
		Usage:   provider.Usage{InputTokens: 100, OutputTokens: 200, Cost: g.cost},
	}, nil
}

func newTestEngine(gw provider.Gateway, monthlySpend float64, cfg config.Config) *Engine {
	publisher := events.NewPublisher()
	controller := budget.New(cfg.Budget, monthlySpend, nil, publisher)
	exec := executor.New(gw, controller, cfg.Executor)
	runner := phase.NewRunner(exec, controller, publisher, nil, cfg)
	return New(runner, controller, publisher, nil, cfg)
}

func testEngineConfig() config.Config {
	cfg := *config.Default()
	cfg.Executor.RetryBackoff = 0
	cfg.Executor.TaskTimeout = 5 * time.Second
	return cfg
}

func waitDone(t *testing.T, handle *Handle) {
	t.Helper()
	select {
	case <-handle.Done:
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for run to finish")
	}
}

func TestRunCompletesAllPhases(t *testing.T) {
	gw := &stubGateway{cost: 0.001}
	eng := newTestEngine(gw, 0, testEngineConfig())

	handle, err := eng.Start(RunConfig{
		Name:     "lifecycle",
		Entities: []string{"acme"},
		Phases:   []string{models.PhaseDiscovery, models.PhaseGrowth},
	})
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	waitDone(t, handle)

	snap, err := eng.GetSnapshot(handle.RunID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.Run.State != models.RunStateCompleted {
		t.Fatalf("Expected completed run, got %s (%s)", snap.Run.State, snap.Run.TerminalReason)
	}
	if len(snap.Outputs) != 2 {
		t.Errorf("Expected 2 phase outputs, got %d", len(snap.Outputs))
	}
	if snap.Run.TotalCost <= 0 {
		t.Errorf("Expected positive total cost, got $%.4f", snap.Run.TotalCost)
	}
	if snap.Run.EndedAt == nil {
		t.Error("Expected ended timestamp on terminal run")
	}
}

func TestStartRequiresEntities(t *testing.T) {
	eng := newTestEngine(&stubGateway{}, 0, testEngineConfig())
	if _, err := eng.Start(RunConfig{Name: "empty"}); err == nil {
		t.Error("Expected error starting a run without entities")
	}
}

func TestStartRefusesWhenBudgetExhausted(t *testing.T) {
	// $19.00 of a $20.00 month leaves less than the $1.50 per-run soft cap.
	eng := newTestEngine(&stubGateway{}, 19.00, testEngineConfig())
	_, err := eng.Start(RunConfig{Name: "broke", Entities: []string{"acme"}})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("Expected ErrBudgetExhausted, got %v", err)
	}
}

func TestSingleActiveRun(t *testing.T) {
	gate := make(chan struct{})
	gw := &stubGateway{cost: 0.001, gate: gate}
	eng := newTestEngine(gw, 0, testEngineConfig())

	handle, err := eng.Start(RunConfig{
		Name:     "first",
		Entities: []string{"acme"},
		Phases:   []string{models.PhaseDiscovery},
	})
	if err != nil {
		t.Fatalf("Failed to start first run: %v", err)
	}

	if _, err := eng.Start(RunConfig{Name: "second", Entities: []string{"acme"}}); !errors.Is(err, ErrRunActive) {
		t.Errorf("Expected ErrRunActive for concurrent run, got %v", err)
	}

	close(gate)
	waitDone(t, handle)

	// With the first run terminal a new run is accepted.
	handle2, err := eng.Start(RunConfig{
		Name:     "third",
		Entities: []string{"acme"},
		Phases:   []string{models.PhaseDiscovery},
	})
	if err != nil {
		t.Fatalf("Expected new run after first finished, got %v", err)
	}
	waitDone(t, handle2)
}

func TestCancelRun(t *testing.T) {
	gate := make(chan struct{})
	gw := &stubGateway{cost: 0.001, gate: gate}
	eng := newTestEngine(gw, 0, testEngineConfig())

	handle, err := eng.Start(RunConfig{
		Name:     "cancel-me",
		Entities: []string{"acme"},
	})
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}

	// Let the first phase get in flight before cancelling, then release
	// the gate so the in-flight call drains.
	time.Sleep(50 * time.Millisecond)
	if err := eng.Cancel(handle.RunID); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	close(gate)
	waitDone(t, handle)

	snap, err := eng.GetSnapshot(handle.RunID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.Run.State != models.RunStateCancelled {
		t.Errorf("Expected cancelled run, got %s", snap.Run.State)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	eng := newTestEngine(&stubGateway{}, 0, testEngineConfig())
	if err := eng.Cancel("no-such-run"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

// TestHardCapAbortsBetweenPhases drives actual spend past the per-run
// hard cap during the first phase; the engine must abort before the
// second phase while preserving the first phase's output.
func TestHardCapAbortsBetweenPhases(t *testing.T) {
	// Each billed call costs $4.00, straight past the $3.00 per-run hard
	// cap. Record never blocks: overrun is caught at the phase boundary.
	gw := &stubGateway{cost: 4.00}
	eng := newTestEngine(gw, 0, testEngineConfig())

	handle, err := eng.Start(RunConfig{
		Name:     "expensive",
		Entities: []string{"acme"},
		Phases:   []string{models.PhaseDiscovery, models.PhaseForces},
	})
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	waitDone(t, handle)

	snap, err := eng.GetSnapshot(handle.RunID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.Run.State != models.RunStateAbortedBudget {
		t.Fatalf("Expected aborted_budget, got %s (%s)", snap.Run.State, snap.Run.TerminalReason)
	}
	if len(snap.Outputs) != 1 {
		t.Errorf("Expected first phase output preserved, got %d outputs", len(snap.Outputs))
	}
	if snap.Run.TotalCost < 4.00 {
		t.Errorf("Expected total cost to reflect the overrun, got $%.4f", snap.Run.TotalCost)
	}
}

func TestSoftCapSetsWarningOnce(t *testing.T) {
	// $2.00 per call crosses the $1.50 per-run soft cap after phase one
	// but stays under the $3.00 hard cap.
	gw := &stubGateway{cost: 2.00}
	cfg := testEngineConfig()
	cfg.Budget.PerRunHardCap = 100.00
	cfg.Budget.MonthlyHardCap = 100.00
	eng := newTestEngine(gw, 0, cfg)

	handle, err := eng.Start(RunConfig{
		Name:     "warned",
		Entities: []string{"acme"},
		Phases:   []string{models.PhaseDiscovery, models.PhaseGrowth},
	})
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	waitDone(t, handle)

	snap, err := eng.GetSnapshot(handle.RunID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.Run.State != models.RunStateCompleted {
		t.Fatalf("Expected completed run under the raised hard cap, got %s", snap.Run.State)
	}
	if !snap.Run.BudgetWarning {
		t.Error("Expected budget warning flagged after soft cap breach")
	}
}

// TestSnapshotReportsMidRunCost holds the second phase open and checks
// that a live snapshot already carries the first phase's recorded spend.
func TestSnapshotReportsMidRunCost(t *testing.T) {
	gate := make(chan struct{})
	gw := &stubGateway{cost: 0.25, gate: gate, gateAfter: 1}
	eng := newTestEngine(gw, 0, testEngineConfig())

	handle, err := eng.Start(RunConfig{
		Name:     "mid-run cost",
		Entities: []string{"acme"},
		Phases:   []string{models.PhaseDiscovery, models.PhaseGrowth},
	})
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}

	// Wait until the second phase is in flight; by then discovery's
	// cost event has been recorded.
	deadline := time.Now().Add(5 * time.Second)
	for gw.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for second phase to start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, err := eng.GetSnapshot(handle.RunID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if snap.Run.State.Terminal() {
		t.Fatalf("Expected live run, got %s", snap.Run.State)
	}
	if snap.Run.TotalCost != 0.25 {
		t.Errorf("Expected mid-run snapshot cost 0.25, got %.4f", snap.Run.TotalCost)
	}

	close(gate)
	waitDone(t, handle)

	snap, err = eng.GetSnapshot(handle.RunID)
	if err != nil {
		t.Fatalf("Failed to get final snapshot: %v", err)
	}
	if snap.Run.TotalCost != 0.75 {
		t.Errorf("Expected final cost 0.75, got %.4f", snap.Run.TotalCost)
	}
}

func TestSnapshotUnknownRun(t *testing.T) {
	eng := newTestEngine(&stubGateway{}, 0, testEngineConfig())
	if _, err := eng.GetSnapshot("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}
