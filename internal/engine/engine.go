// Package engine drives the ordered phase sequence of a research run:
// it owns the run state machine, threads each phase's synthesized
// output into the next, and is the only component with cross-phase
// knowledge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/config"
	"github.com/strataresearch/strata/internal/events"
	"github.com/strataresearch/strata/internal/models"
	"github.com/strataresearch/strata/internal/phase"
	"github.com/strataresearch/strata/internal/store"
)

var (
	// ErrRunActive means a pipeline is already executing; one run at a time.
	ErrRunActive = errors.New("a run is already active")
	// ErrRunNotFound means no such run exists, live or persisted.
	ErrRunNotFound = errors.New("run not found")
	// ErrBudgetExhausted means the hard cap blocks starting a new run.
	ErrBudgetExhausted = errors.New("budget hard cap leaves no room for a run")
)

// RunConfig is the submission payload for a new run.
type RunConfig struct {
	Name        string   `json:"name"`
	Entities    []string `json:"entities"`
	Positioning string   `json:"positioning,omitempty"`
	Phases      []string `json:"phases,omitempty"`
}

// Handle is returned by Start. Done closes when the run reaches a
// terminal state; progress is observed through the status publisher.
type Handle struct {
	RunID string
	Done  <-chan struct{}
}

// Snapshot is the point-in-time view of a run and its synthesized
// outputs so far.
type Snapshot struct {
	Run     models.Run           `json:"run"`
	Outputs []models.PhaseOutput `json:"outputs"`
}

// Engine executes runs one at a time.
type Engine struct {
	runner     *phase.Runner
	controller *budget.Controller
	publisher  *events.Publisher
	store      *store.Store
	cfg        config.Config

	mu      sync.Mutex
	active  *models.Run
	outputs []models.PhaseOutput
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an engine. store may be nil (progress is then observable
// only through the publisher and live snapshots).
func New(runner *phase.Runner, controller *budget.Controller, publisher *events.Publisher, st *store.Store, cfg config.Config) *Engine {
	return &Engine{
		runner:     runner,
		controller: controller,
		publisher:  publisher,
		store:      st,
		cfg:        cfg,
	}
}

// Start begins a run and returns immediately. The caller observes
// progress through the status publisher.
func (e *Engine) Start(rc RunConfig) (*Handle, error) {
	if len(rc.Entities) == 0 {
		return nil, errors.New("at least one entity must be specified")
	}
	phases := rc.Phases
	if len(phases) == 0 {
		phases = models.DefaultPhases
	}

	st := e.controller.Snapshot()
	if st.MonthlyRemaining < e.cfg.Budget.PerRunSoftCap {
		return nil, fmt.Errorf("%w: $%.2f remaining this month", ErrBudgetExhausted, st.MonthlyRemaining)
	}

	run := &models.Run{
		ID:          uuid.New().String(),
		Name:        rc.Name,
		Entities:    rc.Entities,
		Positioning: rc.Positioning,
		Phases:      phases,
		State:       models.RunStatePending,
		StartedAt:   time.Now().UTC(),
	}

	e.mu.Lock()
	if e.active != nil && !e.active.State.Terminal() {
		e.mu.Unlock()
		return nil, ErrRunActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.active = run
	e.outputs = nil
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	e.controller.BeginRun(run.ID)
	e.persistCreate(run)
	e.setState(run, models.RunStatePending, "")

	go e.execute(ctx, run, done)

	return &Handle{RunID: run.ID, Done: done}, nil
}

// Cancel requests cooperative cancellation of a run. In-flight tasks
// finish their current attempt; no new tasks or phases are admitted.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.ID != runID {
		return ErrRunNotFound
	}
	if e.active.State.Terminal() {
		return fmt.Errorf("run %s already %s", runID, e.active.State)
	}
	log.Printf("engine: cancellation requested for run %s", runID)
	e.cancel()
	return nil
}

// GetSnapshot returns a run plus its phase outputs so far. Live state
// is preferred; finished runs come from the store.
func (e *Engine) GetSnapshot(runID string) (*Snapshot, error) {
	e.mu.Lock()
	if e.active != nil && e.active.ID == runID {
		snap := &Snapshot{Run: *e.active}
		snap.Outputs = append(snap.Outputs, e.outputs...)
		e.mu.Unlock()
		// Cost is settled onto the run at finish; until then the
		// controller's per-run spend is the authoritative total.
		if !snap.Run.State.Terminal() {
			snap.Run.TotalCost = e.controller.Snapshot().RunSpend
		}
		return snap, nil
	}
	e.mu.Unlock()

	if e.store == nil {
		return nil, ErrRunNotFound
	}
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	outputs, err := e.store.GetPhaseOutputs(runID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Run: *run, Outputs: outputs}, nil
}

// execute drives the phase sequence to a terminal state. Every terminal
// path preserves whatever outputs were already synthesized.
func (e *Engine) execute(ctx context.Context, run *models.Run, done chan struct{}) {
	defer close(done)

	e.setState(run, models.RunStateInitializing, "")
	log.Printf("engine: run %s starting, %d phases, entities=%v", run.ID, len(run.Phases), run.Entities)

	var input *models.PhaseOutput
	for i, phaseName := range run.Phases {
		if ctx.Err() != nil {
			e.finish(run, models.RunStateCancelled, "cancelled by request")
			return
		}

		st := e.controller.Snapshot()
		if st.HardCapExceeded {
			e.finish(run, models.RunStateAbortedBudget,
				fmt.Sprintf("budget hard cap breached before phase %s", phaseName))
			return
		}
		if st.SoftCapExceeded && !run.BudgetWarning {
			e.markBudgetWarning(run, st)
		}

		e.updatePhase(run, i, models.RunStateRunning)

		res := e.runner.Run(ctx, run, phaseName, input)
		e.recordPhase(run, &res)

		switch {
		case res.State.Usable():
			input = res.Output
		case ctx.Err() != nil:
			e.finish(run, models.RunStateCancelled, "cancelled by request")
			return
		default:
			e.finish(run, models.RunStateFailed,
				fmt.Sprintf("phase %s failed: success threshold not met", phaseName))
			return
		}
	}

	e.finish(run, models.RunStateCompleted, "all phases completed")
}

func (e *Engine) markBudgetWarning(run *models.Run, st budget.Status) {
	e.mu.Lock()
	run.BudgetWarning = true
	e.mu.Unlock()

	msg := "soft cap crossed"
	if len(st.Warnings) > 0 {
		msg = st.Warnings[0]
	}
	e.publisher.Publish(events.Event{
		Kind:    events.KindBudgetWarning,
		RunID:   run.ID,
		Message: msg,
		RunCost: st.RunSpend,
	})
}

func (e *Engine) recordPhase(run *models.Run, res *phase.Result) {
	e.mu.Lock()
	if res.Output != nil {
		e.outputs = append(e.outputs, *res.Output)
	}
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SavePhaseResult(run.ID, res.Phase, res.State, res.Output); err != nil {
			log.Printf("engine: phase result %s/%s not persisted: %v", run.ID, res.Phase, err)
		}
	}
	log.Printf("engine: run %s phase %s %s (%d tasks, %d rejected)",
		run.ID, res.Phase, res.State, len(res.Tasks), res.Rejected)
}

func (e *Engine) updatePhase(run *models.Run, index int, state models.RunState) {
	e.mu.Lock()
	run.CurrentPhase = index
	run.State = state
	e.mu.Unlock()
	e.publishRunState(run)
	e.persistUpdate(run)
}

func (e *Engine) setState(run *models.Run, state models.RunState, reason string) {
	e.mu.Lock()
	run.State = state
	if reason != "" {
		run.TerminalReason = reason
	}
	e.mu.Unlock()
	e.publishRunState(run)
	e.persistUpdate(run)
}

func (e *Engine) finish(run *models.Run, state models.RunState, reason string) {
	total := e.controller.EndRun()
	now := time.Now().UTC()

	e.mu.Lock()
	run.State = state
	run.TerminalReason = reason
	run.TotalCost = total
	run.EndedAt = &now
	e.mu.Unlock()

	e.publishRunState(run)
	e.persistUpdate(run)
	log.Printf("engine: run %s %s (%s), total cost $%.4f", run.ID, state, reason, total)
}

func (e *Engine) publishRunState(run *models.Run) {
	e.mu.Lock()
	event := events.Event{
		Kind:    events.KindRunStateChanged,
		RunID:   run.ID,
		State:   string(run.State),
		Message: run.TerminalReason,
		RunCost: run.TotalCost,
	}
	e.mu.Unlock()
	e.publisher.Publish(event)
}

func (e *Engine) persistCreate(run *models.Run) {
	if e.store == nil {
		return
	}
	if err := e.store.CreateRun(run); err != nil {
		log.Printf("engine: run %s not persisted: %v", run.ID, err)
	}
}

func (e *Engine) persistUpdate(run *models.Run) {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	snapshot := *run
	e.mu.Unlock()
	if err := e.store.UpdateRun(&snapshot); err != nil {
		log.Printf("engine: run %s update not persisted: %v", run.ID, err)
	}
}
