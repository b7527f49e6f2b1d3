package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/strataresearch/strata/internal/engine"
	"github.com/strataresearch/strata/internal/models"
)

// Server provides the HTTP API for Strata.
type Server struct {
	service *Service
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
	}
}

// Handler builds the API routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Run endpoints
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)

	// Budget endpoints
	mux.HandleFunc("/budget", s.handleBudget)
	mux.HandleFunc("/budget/breakdown", s.handleBudgetBreakdown)

	// Phase metadata
	mux.HandleFunc("/phases", s.handlePhases)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","ok":true}`))
	})

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /runs/{id}/events streams indefinitely.
	}

	log.Printf("Starting Strata daemon on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleRuns handles POST /runs and GET /runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitRun(w, r)
	case http.MethodGet:
		s.listRuns(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunByID handles /runs/{id}/*
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}

	runID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getRun(w, r, runID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelRun(w, r, runID)
	case action == "tasks" && r.Method == http.MethodGet:
		s.getRunTasks(w, r, runID)
	case action == "events" && r.Method == http.MethodGet:
		s.streamEvents(w, r, runID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Run Handlers ---

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var rc engine.RunConfig
	if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	handle, err := s.service.SubmitRun(rc)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrRunActive):
			status = http.StatusConflict
		case errors.Is(err, engine.ErrBudgetExhausted):
			status = http.StatusPaymentRequired
		default:
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"run_id": handle.RunID})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := s.service.ListRuns(state, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	snap, err := s.service.GetSnapshot(runID)
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if err := s.service.CancelRun(runID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"cancelling"}`))
}

func (s *Server) getRunTasks(w http.ResponseWriter, r *http.Request, runID string) {
	tasks, err := s.service.GetTaskResults(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tasks)
}

// streamEvents writes newline-delimited JSON events for one run until
// the client disconnects. The subscription buffers and drops rather
// than backpressure the pipeline.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.service.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events:
			if !open {
				return
			}
			if event.RunID != runID {
				continue
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- Budget Handlers ---

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.service.BudgetStatus())
}

func (s *Server) handleBudgetBreakdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	breakdown, err := s.service.CostBreakdown(days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(breakdown)
}

// --- Phase Metadata Handler ---

func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"phases": s.service.Phases()})
}
