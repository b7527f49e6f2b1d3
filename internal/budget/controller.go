// Package budget tracks cumulative spend and is the sole authority for
// admitting or rejecting work against the configured caps.
package budget

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/strataresearch/strata/internal/config"
	"github.com/strataresearch/strata/internal/events"
	"github.com/strataresearch/strata/internal/models"
)

// Decision is the admission verdict for a unit of work.
type Decision int

const (
	// Admit allows the work within all caps.
	Admit Decision = iota
	// Warn admits the work but flags a soft-cap breach.
	Warn
	// Reject refuses the work: a hard cap would be breached.
	Reject
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Warn:
		return "warn"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Ledger receives cost events for persistence. Writes must not block
// the pipeline; implementations log and drop on error.
type Ledger interface {
	RecordCostEvent(event models.CostEvent) error
}

// Status is a consistent snapshot of budget state.
type Status struct {
	MonthlySpend     float64   `json:"monthly_spend"`
	MonthlySoftCap   float64   `json:"monthly_soft_cap"`
	MonthlyHardCap   float64   `json:"monthly_hard_cap"`
	MonthlyRemaining float64   `json:"monthly_remaining"`
	RunSpend         float64   `json:"run_spend"`
	RunReserved      float64   `json:"run_reserved"`
	PerRunSoftCap    float64   `json:"per_run_soft_cap"`
	PerRunHardCap    float64   `json:"per_run_hard_cap"`
	SoftCapExceeded  bool      `json:"soft_cap_exceeded"`
	HardCapExceeded  bool      `json:"hard_cap_exceeded"`
	Warnings         []string  `json:"warnings,omitempty"`
	WindowStart      time.Time `json:"window_start"`
}

// Controller serializes every admission and spend update behind one
// mutex so that two concurrent tasks cannot both be admitted against
// the same remaining budget.
type Controller struct {
	mu sync.Mutex

	caps       config.BudgetConfig
	monthStart time.Time

	monthlySpend float64
	runID        string
	runSpend     float64
	// reserved holds the estimated cost of admitted-but-unsettled
	// tasks. Projections count it so parallel admissions stay honest.
	reserved float64

	ledger    Ledger
	publisher *events.Publisher
	now       func() time.Time
}

// New creates a controller. monthlySpend seeds the rolling monthly
// window, usually from the persisted cost ledger. ledger and publisher
// may be nil.
func New(caps config.BudgetConfig, monthlySpend float64, ledger Ledger, publisher *events.Publisher) *Controller {
	now := time.Now().UTC()
	return &Controller{
		caps:         caps,
		monthStart:   monthStart(now),
		monthlySpend: monthlySpend,
		ledger:       ledger,
		publisher:    publisher,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// BeginRun resets per-run accounting for a new pipeline run.
func (c *Controller) BeginRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = runID
	c.runSpend = 0
	c.reserved = 0
}

// EndRun closes per-run accounting and returns the run's total spend.
func (c *Controller) EndRun() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.runSpend
	c.runID = ""
	c.runSpend = 0
	c.reserved = 0
	return total
}

// Admit decides whether work with the given estimated cost may proceed.
// On Admit or Warn the estimate is reserved against the run budget
// until Release is called for the same amount.
func (c *Controller) Admit(estimate float64) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	projectedRun := c.runSpend + c.reserved + estimate
	projectedMonth := c.monthlySpend + c.reserved + estimate

	if projectedRun > c.caps.PerRunHardCap || projectedMonth > c.caps.MonthlyHardCap {
		return Reject
	}

	c.reserved += estimate

	if projectedRun > c.caps.PerRunSoftCap || projectedMonth > c.caps.MonthlySoftCap {
		return Warn
	}
	return Admit
}

// Release returns a previously admitted estimate to the pool. Callers
// pair it with Admit once the task reaches a terminal state.
func (c *Controller) Release(estimate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved -= estimate
	if c.reserved < 0 {
		c.reserved = 0
	}
}

// Record applies an actual cost event. It always succeeds and may push
// the cumulative totals past the caps: enforcement happens only at
// admission time. The event is forwarded to the ledger and published.
func (c *Controller) Record(event models.CostEvent) {
	c.mu.Lock()
	c.rollover()
	c.monthlySpend += event.Cost
	runSpend := c.runSpend
	if event.RunID != "" && event.RunID == c.runID {
		c.runSpend += event.Cost
		runSpend = c.runSpend
	}
	c.mu.Unlock()

	if c.ledger != nil {
		if err := c.ledger.RecordCostEvent(event); err != nil {
			log.Printf("budget: cost event %s not persisted: %v", event.ID, err)
		}
	}
	if c.publisher != nil {
		c.publisher.Publish(events.Event{
			Kind:    events.KindCostUpdated,
			RunID:   event.RunID,
			TaskID:  event.TaskID,
			Cost:    event.Cost,
			RunCost: runSpend,
		})
	}
}

// Snapshot returns the current budget status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	st := Status{
		MonthlySpend:     c.monthlySpend,
		MonthlySoftCap:   c.caps.MonthlySoftCap,
		MonthlyHardCap:   c.caps.MonthlyHardCap,
		MonthlyRemaining: c.caps.MonthlyHardCap - c.monthlySpend,
		RunSpend:         c.runSpend,
		RunReserved:      c.reserved,
		PerRunSoftCap:    c.caps.PerRunSoftCap,
		PerRunHardCap:    c.caps.PerRunHardCap,
		WindowStart:      c.monthStart,
	}
	st.SoftCapExceeded = c.runSpend > c.caps.PerRunSoftCap || c.monthlySpend > c.caps.MonthlySoftCap
	st.HardCapExceeded = c.runSpend > c.caps.PerRunHardCap || c.monthlySpend > c.caps.MonthlyHardCap

	if c.monthlySpend > c.caps.MonthlySoftCap {
		st.Warnings = append(st.Warnings, fmt.Sprintf("monthly soft cap exceeded: $%.2f / $%.2f", c.monthlySpend, c.caps.MonthlySoftCap))
	}
	if c.caps.MonthlyHardCap > 0 {
		if pct := c.monthlySpend / c.caps.MonthlyHardCap * 100; pct > 80 {
			st.Warnings = append(st.Warnings, fmt.Sprintf("monthly budget at %.1f%% capacity", pct))
		}
	}
	if c.runSpend > c.caps.PerRunSoftCap {
		st.Warnings = append(st.Warnings, fmt.Sprintf("run cost exceeds soft cap: $%.2f / $%.2f", c.runSpend, c.caps.PerRunSoftCap))
	}
	if st.MonthlyRemaining < c.caps.PerRunSoftCap {
		st.Warnings = append(st.Warnings, "insufficient budget remaining for another full run")
	}
	return st
}

// rollover resets monthly accounting when the calendar month changes.
// Caller holds the mutex.
func (c *Controller) rollover() {
	start := monthStart(c.now())
	if start.After(c.monthStart) {
		log.Printf("budget: monthly window rolled over, previous spend $%.4f", c.monthlySpend)
		c.monthStart = start
		c.monthlySpend = 0
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
