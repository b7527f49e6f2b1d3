// Package executor runs one research task against the provider gateway
// with retry, model fallback, and structured-output validation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/config"
	"github.com/strataresearch/strata/internal/models"
	"github.com/strataresearch/strata/internal/provider"
)

// Result is the outcome of executing one task. Failures are encoded in
// the task state and Err; Execute never panics across this boundary.
type Result struct {
	Task   models.Task
	Output *models.TaskOutput
	Err    error
}

// Executor invokes research tasks. It holds no per-task mutable state:
// model routing is resolved per attempt, so concurrent tasks cannot
// interfere with each other's provider selection.
type Executor struct {
	gateway    provider.Gateway
	controller *budget.Controller
	cfg        config.ExecutorConfig
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates an executor. controller may be nil in tests that do not
// exercise cost accounting.
func New(gateway provider.Gateway, controller *budget.Controller, cfg config.ExecutorConfig) *Executor {
	return &Executor{
		gateway:    gateway,
		controller: controller,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

// Execute runs the task to a terminal state. Retryable failures
// (provider errors, timeouts, validation failures) are retried up to
// the attempt ceiling, switching to the fallback model after the first
// failure. Every attempt that reached the provider emits exactly one
// cost event even when validation subsequently fails.
func (e *Executor) Execute(ctx context.Context, task models.Task) Result {
	maxAttempts := e.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				lastErr = err
				break
			}
			backoff := e.cfg.RetryBackoff * time.Duration(attempt)
			if err := e.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		task.Attempts = attempt + 1
		task.State = models.TaskStateInFlight
		model := provider.ModelForAttempt(e.cfg.PrimaryModel, e.cfg.FallbackModel, attempt)

		output, err := e.attempt(ctx, &task, model)
		if err == nil {
			task.State = models.TaskStateSucceeded
			return Result{Task: task, Output: output}
		}

		lastErr = err
		if !retryable(err) {
			break
		}
		task.State = models.TaskStateFailedRetryable
		log.Printf("executor: task %s attempt %d/%d failed: %v", task.ID, task.Attempts, maxAttempts, err)
	}

	task.State = models.TaskStateFailedTerminal
	if lastErr != nil {
		task.Error = lastErr.Error()
	}
	return Result{Task: task, Err: lastErr}
}

// attempt makes one provider call and validates its output. The cost
// event is recorded whenever the call itself completed, billing having
// happened regardless of what validation says afterwards.
func (e *Executor) attempt(ctx context.Context, task *models.Task, model string) (*models.TaskOutput, error) {
	req := provider.Request{
		Model:     model,
		System:    systemPrompt(task.Phase),
		Prompt:    task.Query,
		MaxTokens: e.cfg.MaxTokens,
		CallType:  task.Phase,
	}

	callCtx := ctx
	if e.cfg.DrainOnAbort {
		// A call already on the wire is billed either way, so let it
		// finish its attempt; the retry loop still sees the cancel.
		callCtx = context.WithoutCancel(ctx)
	}
	if e.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.cfg.TaskTimeout)
		defer cancel()
	}

	resp, err := e.gateway.Call(callCtx, req)
	if resp != nil {
		e.recordCost(task, resp)
	}
	if err != nil {
		return nil, err
	}

	output, err := ParseOutput(task.Phase, task.Key, resp.Content)
	if err != nil {
		return nil, err
	}
	if err := Validate(output, e.cfg.MinCitations); err != nil {
		return nil, err
	}
	return output, nil
}

func (e *Executor) recordCost(task *models.Task, resp *provider.Response) {
	task.Cost += resp.Usage.Cost
	if e.controller == nil {
		return
	}
	e.controller.Record(models.CostEvent{
		ID:           uuid.New().String(),
		RunID:        task.RunID,
		TaskID:       task.ID,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         resp.Usage.Cost,
		CallType:     task.Phase,
		Timestamp:    time.Now().UTC(),
	})
}

// retryable reports whether the failure may succeed on another attempt.
// Provider errors, timeouts, and validation failures all qualify;
// context cancellation does not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		return true
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func systemPrompt(phase string) string {
	title := models.PhaseTitles[phase]
	if title == "" {
		title = phase
	}
	return fmt.Sprintf(`You are a market research analyst performing %s.
Respond with valid JSON only, following this shape exactly:
{"findings": [{"key": string, "summary": string, "confidence": number}],
 "citations": [{"url": string, "title": string, "source_type": string}]}
Confidence is in [0,1]. source_type is one of: academic, industry_report, news, blog, unknown.
Return ONLY valid JSON, no additional text or formatting.`, title)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
