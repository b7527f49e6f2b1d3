package tui

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/engine"
	"github.com/strataresearch/strata/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the strata daemon API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// GetSnapshot fetches the current run record plus synthesized phase outputs.
func (c *Client) GetSnapshot(runID string) (*engine.Snapshot, error) {
	var snap engine.Snapshot
	if err := c.get("/runs/"+runID, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetTasks fetches the per-task records for a run.
func (c *Client) GetTasks(runID string) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.get("/runs/"+runID+"/tasks", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetBudget fetches the current budget snapshot.
func (c *Client) GetBudget() (*budget.Status, error) {
	var status budget.Status
	if err := c.get("/budget", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
