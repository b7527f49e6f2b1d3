// Package store provides SQLite-backed persistence for Strata: the run
// history, synthesized phase outputs, and the cost ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/strataresearch/strata/internal/models"
	_ "modernc.org/sqlite"
)

// Store provides access to the Strata SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		entities TEXT NOT NULL,
		positioning TEXT,
		phases TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		budget_warning INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		terminal_reason TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS phase_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		state TEXT NOT NULL,
		output TEXT,
		tasks INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS task_results (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		key TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		error TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS cost_events (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		task_id TEXT,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost REAL NOT NULL,
		call_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	CREATE INDEX IF NOT EXISTS idx_phase_results_run_id ON phase_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_task_results_run_id ON task_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_cost_events_run_id ON cost_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_cost_events_timestamp ON cost_events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Run Operations ---

// CreateRun inserts a new run record.
func (s *Store) CreateRun(run *models.Run) error {
	entities, err := json.Marshal(run.Entities)
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	phases, err := json.Marshal(run.Phases)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, name, entities, positioning, phases, state, budget_warning, total_cost, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, string(entities), nullString(run.Positioning), string(phases),
		string(run.State), boolToInt(run.BudgetWarning), run.TotalCost, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun persists the run's current state, cost, and terminal fields.
func (s *Store) UpdateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`UPDATE runs SET state = ?, budget_warning = ?, total_cost = ?, terminal_reason = ?, ended_at = ? WHERE id = ?`,
		string(run.State), boolToInt(run.BudgetWarning), run.TotalCost,
		nullString(run.TerminalReason), run.EndedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if not found.
func (s *Store) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, name, entities, positioning, phases, state, budget_warning, total_cost, terminal_reason, started_at, ended_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by state.
func (s *Store) ListRuns(state string, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, name, entities, positioning, phases, state, budget_warning, total_cost, terminal_reason, started_at, ended_at
		 FROM runs`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var entities, phases string
	var warning int
	var positioning, reason sql.NullString
	var ended sql.NullTime

	err := row.Scan(&run.ID, &run.Name, &entities, &positioning, &phases, &run.State, &warning,
		&run.TotalCost, &reason, &run.StartedAt, &ended)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entities), &run.Entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	if err := json.Unmarshal([]byte(phases), &run.Phases); err != nil {
		return nil, fmt.Errorf("decode phases: %w", err)
	}
	run.BudgetWarning = warning != 0
	if positioning.Valid {
		run.Positioning = positioning.String
	}
	if reason.Valid {
		run.TerminalReason = reason.String
	}
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	return &run, nil
}

// --- Phase Result Operations ---

// SavePhaseResult persists a phase's terminal state and synthesized output.
func (s *Store) SavePhaseResult(runID string, phase string, state models.PhaseState, output *models.PhaseOutput) error {
	var encoded sql.NullString
	tasks, succeeded := 0, 0
	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("encode phase output: %w", err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
		tasks = output.Tasks
		succeeded = output.Succeeded
	}

	_, err := s.db.Exec(
		`INSERT INTO phase_results (run_id, phase, state, output, tasks, succeeded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, phase, string(state), encoded, tasks, succeeded, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert phase result: %w", err)
	}
	return nil
}

// GetPhaseOutputs returns the synthesized outputs for a run, in the
// order the phases completed.
func (s *Store) GetPhaseOutputs(runID string) ([]models.PhaseOutput, error) {
	rows, err := s.db.Query(
		`SELECT output FROM phase_results WHERE run_id = ? AND output IS NOT NULL ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get phase outputs: %w", err)
	}
	defer rows.Close()

	var outputs []models.PhaseOutput
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan phase output: %w", err)
		}
		var output models.PhaseOutput
		if err := json.Unmarshal([]byte(encoded), &output); err != nil {
			return nil, fmt.Errorf("decode phase output: %w", err)
		}
		outputs = append(outputs, output)
	}
	return outputs, rows.Err()
}

// --- Task Result Operations ---

// SaveTaskResult persists a task's terminal record.
func (s *Store) SaveTaskResult(task *models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO task_results (id, run_id, phase, key, state, attempts, cost, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RunID, task.Phase, task.Key, string(task.State),
		task.Attempts, task.Cost, nullString(task.Error), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert task result: %w", err)
	}
	return nil
}

// GetTaskResults returns the task records for a run.
func (s *Store) GetTaskResults(runID string) ([]models.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, phase, key, state, attempts, cost, error
		 FROM task_results WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("get task results: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var task models.Task
		var taskErr sql.NullString
		if err := rows.Scan(&task.ID, &task.RunID, &task.Phase, &task.Key,
			&task.State, &task.Attempts, &task.Cost, &taskErr); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		if taskErr.Valid {
			task.Error = taskErr.String
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// --- Cost Ledger Operations ---

// RecordCostEvent appends a cost event to the ledger.
func (s *Store) RecordCostEvent(event models.CostEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO cost_events (id, run_id, task_id, model, input_tokens, output_tokens, cost, call_type, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, nullString(event.RunID), nullString(event.TaskID), event.Model,
		event.InputTokens, event.OutputTokens, event.Cost, event.CallType, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert cost event: %w", err)
	}
	return nil
}

// SpendSince returns the total recorded cost since the given time.
// Seeds the budget controller's monthly window at daemon start.
func (s *Store) SpendSince(since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(cost), 0) FROM cost_events WHERE timestamp >= ?`, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total, nil
}

// RunSpend returns the total recorded cost for one run.
func (s *Store) RunSpend(runID string) (float64, error) {
	var total float64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(cost), 0) FROM cost_events WHERE run_id = ?`, runID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("run spend: %w", err)
	}
	return total, nil
}

// ModelSpend aggregates ledger spend per model.
type ModelSpend struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// CallTypeSpend aggregates ledger spend per call type (phase).
type CallTypeSpend struct {
	CallType string  `json:"call_type"`
	Calls    int     `json:"calls"`
	Cost     float64 `json:"cost"`
}

// CostBreakdown summarizes ledger spend since the given time.
type CostBreakdown struct {
	TotalCalls int             `json:"total_calls"`
	TotalCost  float64         `json:"total_cost"`
	ByModel    []ModelSpend    `json:"by_model"`
	ByCallType []CallTypeSpend `json:"by_call_type"`
}

// GetCostBreakdown aggregates the cost ledger for analysis.
func (s *Store) GetCostBreakdown(since time.Time) (*CostBreakdown, error) {
	breakdown := &CostBreakdown{}

	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(cost), 0) FROM cost_events WHERE timestamp >= ?`, since,
	).Scan(&breakdown.TotalCalls, &breakdown.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("cost summary: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT model, COUNT(*), SUM(cost), SUM(input_tokens), SUM(output_tokens)
		 FROM cost_events WHERE timestamp >= ?
		 GROUP BY model ORDER BY SUM(cost) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("cost by model: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m ModelSpend
		if err := rows.Scan(&m.Model, &m.Calls, &m.Cost, &m.InputTokens, &m.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan model spend: %w", err)
		}
		breakdown.ByModel = append(breakdown.ByModel, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.db.Query(
		`SELECT call_type, COUNT(*), SUM(cost)
		 FROM cost_events WHERE timestamp >= ?
		 GROUP BY call_type ORDER BY SUM(cost) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("cost by call type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var c CallTypeSpend
		if err := typeRows.Scan(&c.CallType, &c.Calls, &c.Cost); err != nil {
			return nil, fmt.Errorf("scan call type spend: %w", err)
		}
		breakdown.ByCallType = append(breakdown.ByCallType, c)
	}
	return breakdown, typeRows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
