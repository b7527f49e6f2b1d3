// Package phase runs one pipeline phase: it fans tasks out to the
// executor under a bounded worker pool, admission-checks each task
// against the budget, and synthesizes the surviving outputs.
package phase

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/config"
	"github.com/strataresearch/strata/internal/events"
	"github.com/strataresearch/strata/internal/executor"
	"github.com/strataresearch/strata/internal/models"
	"github.com/strataresearch/strata/internal/provider"
)

// TaskSink receives terminal task records. Writes must not block the
// pipeline.
type TaskSink interface {
	SaveTaskResult(task *models.Task) error
}

// Result is the outcome of running one phase.
type Result struct {
	Phase    string
	State    models.PhaseState
	Output   *models.PhaseOutput
	Tasks    []models.Task
	Rejected int
}

// Runner executes phases for a single run. Phases run one at a time;
// only the tasks within a phase execute concurrently.
type Runner struct {
	executor   *executor.Executor
	controller *budget.Controller
	publisher  *events.Publisher
	sink       TaskSink
	cfg        config.Config
}

// NewRunner creates a phase runner. sink may be nil.
func NewRunner(exec *executor.Executor, controller *budget.Controller, publisher *events.Publisher, sink TaskSink, cfg config.Config) *Runner {
	return &Runner{
		executor:   exec,
		controller: controller,
		publisher:  publisher,
		sink:       sink,
		cfg:        cfg,
	}
}

// Run executes one phase to a terminal state. input is the prior
// phase's synthesized output, nil for the first phase. Cancellation is
// checked before each task admission; in-flight tasks drain.
func (r *Runner) Run(ctx context.Context, run *models.Run, phaseName string, input *models.PhaseOutput) Result {
	tasks := r.buildTasks(run, phaseName, input)
	r.publishPhaseState(run.ID, phaseName, string(models.PhaseStateRunning))

	results := make([]executor.Result, len(tasks))
	sem := make(chan struct{}, r.cfg.Pipeline.MaxParallel)
	var wg sync.WaitGroup

	for i := range tasks {
		// Cooperative cancellation: no new tasks after a cancel request,
		// but whatever is already in flight finishes its attempt.
		if ctx.Err() != nil {
			tasks[i].State = models.TaskStateRejected
			tasks[i].Error = "run cancelled before admission"
			results[i] = executor.Result{Task: tasks[i]}
			continue
		}

		estimate := r.estimate(tasks[i])
		switch r.controller.Admit(estimate) {
		case budget.Reject:
			tasks[i].State = models.TaskStateRejected
			tasks[i].Error = fmt.Sprintf("budget rejected, estimated cost $%.4f", estimate)
			results[i] = executor.Result{Task: tasks[i]}
			log.Printf("phase: task %s (%s/%s) rejected by budget", tasks[i].ID, phaseName, tasks[i].Key)
			continue
		case budget.Warn:
			r.publisher.Publish(events.Event{
				Kind:    events.KindBudgetWarning,
				RunID:   run.ID,
				Phase:   phaseName,
				TaskID:  tasks[i].ID,
				Message: fmt.Sprintf("soft cap crossed admitting task %s", tasks[i].Key),
			})
		}

		wg.Add(1)
		go func(idx int, est float64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer r.controller.Release(est)

			results[idx] = r.executor.Execute(ctx, tasks[idx])
		}(i, estimate)
	}

	wg.Wait()

	for i := range results {
		r.finishTask(run.ID, &results[i])
	}

	res := evaluate(phaseName, results, r.cfg.Pipeline.SuccessThreshold)
	if res.State.Usable() {
		outputs := make([]*models.TaskOutput, 0, len(results))
		for i := range results {
			if results[i].Task.State == models.TaskStateSucceeded {
				outputs = append(outputs, results[i].Output)
			}
		}
		res.Output = Synthesize(phaseName, outputs, r.cfg.Pipeline.TopN)
		res.Output.Tasks = len(results) - res.Rejected
		res.Output.Succeeded = countState(results, models.TaskStateSucceeded)
	}

	r.publishPhaseState(run.ID, phaseName, string(res.State))
	return res
}

// buildTasks derives the phase's fan-out: one task per tracked entity
// for discovery, one per fixed analytical dimension otherwise.
func (r *Runner) buildTasks(run *models.Run, phaseName string, input *models.PhaseOutput) []models.Task {
	var keys []string
	if phaseName == models.PhaseDiscovery {
		keys = run.Entities
	} else {
		keys = models.PhaseDimensions[phaseName]
	}

	tasks := make([]models.Task, 0, len(keys))
	for _, key := range keys {
		tasks = append(tasks, models.Task{
			ID:    uuid.New().String(),
			RunID: run.ID,
			Phase: phaseName,
			Key:   key,
			Query: buildQuery(phaseName, key, run.Entities, run.Positioning, input),
			State: models.TaskStateQueued,
		})
	}
	return tasks
}

func (r *Runner) estimate(task models.Task) float64 {
	return provider.EstimateCost(provider.Request{
		Model:     r.cfg.Executor.PrimaryModel,
		Prompt:    task.Query,
		MaxTokens: r.cfg.Executor.MaxTokens,
	})
}

func (r *Runner) finishTask(runID string, res *executor.Result) {
	r.publisher.Publish(events.Event{
		Kind:   events.KindTaskCompleted,
		RunID:  runID,
		Phase:  res.Task.Phase,
		TaskID: res.Task.ID,
		State:  string(res.Task.State),
		Cost:   res.Task.Cost,
	})
	if r.sink != nil {
		if err := r.sink.SaveTaskResult(&res.Task); err != nil {
			log.Printf("phase: task result %s not persisted: %v", res.Task.ID, err)
		}
	}
}

func (r *Runner) publishPhaseState(runID, phaseName, state string) {
	r.publisher.Publish(events.Event{
		Kind:  events.KindPhaseStateChanged,
		RunID: runID,
		Phase: phaseName,
		State: state,
	})
}

// evaluate applies the partial-success policy: completed only when
// every task succeeded; partial when at least one succeeded and the
// success fraction meets the threshold; failed otherwise. Rejected
// tasks are not failures but they do count against the fraction.
func evaluate(phaseName string, results []executor.Result, threshold float64) Result {
	res := Result{Phase: phaseName, Tasks: make([]models.Task, 0, len(results))}
	succeeded := 0
	for i := range results {
		res.Tasks = append(res.Tasks, results[i].Task)
		switch results[i].Task.State {
		case models.TaskStateSucceeded:
			succeeded++
		case models.TaskStateRejected:
			res.Rejected++
		}
	}

	total := len(results)
	switch {
	case total == 0:
		res.State = models.PhaseStateFailed
	case succeeded == total:
		res.State = models.PhaseStateCompleted
	case succeeded > 0 && float64(succeeded)/float64(total) >= threshold:
		res.State = models.PhaseStatePartial
	default:
		res.State = models.PhaseStateFailed
	}
	return res
}

func countState(results []executor.Result, state models.TaskState) int {
	n := 0
	for i := range results {
		if results[i].Task.State == state {
			n++
		}
	}
	return n
}

// buildQuery composes the research prompt for one task. Later phases
// fold the prior phase's top findings in as context.
func buildQuery(phaseName, key string, entities []string, positioning string, input *models.PhaseOutput) string {
	subject := strings.Join(entities, ", ")

	var b strings.Builder
	switch phaseName {
	case models.PhaseDiscovery:
		fmt.Fprintf(&b, "Identify direct and partial competitors for %s. ", key)
		b.WriteString("For each competitor report name, market focus, and why they compete.")
	default:
		title := models.PhaseTitles[phaseName]
		fmt.Fprintf(&b, "Perform the %q dimension of a %s for %s.", key, title, subject)
	}

	if positioning != "" {
		fmt.Fprintf(&b, "\nPositioning context: %s", positioning)
	}

	if input != nil && len(input.Findings) > 0 {
		b.WriteString("\nPrior analysis found: ")
		for i, f := range input.Findings {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s (%.2f)", f.Key, f.Confidence)
		}
		b.WriteString(".")
	}
	return b.String()
}
