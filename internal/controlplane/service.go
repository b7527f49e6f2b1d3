// Package controlplane provides the HTTP API and service layer for Strata.
package controlplane

import (
	"time"

	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/engine"
	"github.com/strataresearch/strata/internal/events"
	"github.com/strataresearch/strata/internal/models"
	"github.com/strataresearch/strata/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	engine     *engine.Engine
	controller *budget.Controller
	publisher  *events.Publisher
	store      *store.Store
}

// NewService creates a new control plane service.
func NewService(eng *engine.Engine, controller *budget.Controller, publisher *events.Publisher, st *store.Store) *Service {
	return &Service{
		engine:     eng,
		controller: controller,
		publisher:  publisher,
		store:      st,
	}
}

// --- Run Operations ---

// SubmitRun starts a new research run.
func (s *Service) SubmitRun(rc engine.RunConfig) (*engine.Handle, error) {
	return s.engine.Start(rc)
}

// CancelRun requests cooperative cancellation.
func (s *Service) CancelRun(runID string) error {
	return s.engine.Cancel(runID)
}

// GetSnapshot returns a run and its synthesized outputs so far.
func (s *Service) GetSnapshot(runID string) (*engine.Snapshot, error) {
	return s.engine.GetSnapshot(runID)
}

// ListRuns returns recent runs, optionally filtered by state.
func (s *Service) ListRuns(state string, limit int) ([]models.Run, error) {
	return s.store.ListRuns(state, limit)
}

// GetTaskResults returns the persisted task records for a run.
func (s *Service) GetTaskResults(runID string) ([]models.Task, error) {
	return s.store.GetTaskResults(runID)
}

// Subscribe opens a status event subscription.
func (s *Service) Subscribe() events.Subscription {
	return s.publisher.Subscribe()
}

// --- Budget Operations ---

// BudgetStatus returns the controller snapshot.
func (s *Service) BudgetStatus() budget.Status {
	return s.controller.Snapshot()
}

// CostBreakdown aggregates the cost ledger over the trailing window.
func (s *Service) CostBreakdown(days int) (*store.CostBreakdown, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return s.store.GetCostBreakdown(since)
}

// --- Phase Metadata ---

// PhaseInfo describes one phase of the pipeline for API consumers.
type PhaseInfo struct {
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Dimensions []string `json:"dimensions,omitempty"`
}

// Phases lists the pipeline's phase sequence and fan-out.
func (s *Service) Phases() []PhaseInfo {
	infos := make([]PhaseInfo, 0, len(models.DefaultPhases))
	for _, name := range models.DefaultPhases {
		infos = append(infos, PhaseInfo{
			Name:       name,
			Title:      models.PhaseTitles[name],
			Dimensions: models.PhaseDimensions[name],
		})
	}
	return infos
}
