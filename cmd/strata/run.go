package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/strataresearch/strata/internal/engine"
	"github.com/strataresearch/strata/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage research runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new research run",
	RunE:  runRunStart,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research runs",
	RunE:  runRunList,
}

var runShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its synthesized outputs",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Request cooperative cancellation of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCancel,
}

var runTasksCmd = &cobra.Command{
	Use:   "tasks [run-id]",
	Short: "Show the task records for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunTasks,
}

var (
	runName        string
	runEntities    string
	runPositioning string
	runState       string
	runLimit       int
)

func init() {
	runCmd.AddCommand(runStartCmd, runListCmd, runShowCmd, runCancelCmd, runTasksCmd)

	runStartCmd.Flags().StringVar(&runName, "name", "", "Run name (required)")
	runStartCmd.Flags().StringVar(&runEntities, "entities", "", "Comma-separated tracked entities (required)")
	runStartCmd.Flags().StringVar(&runPositioning, "positioning", "", "Positioning context folded into every research query")
	runStartCmd.MarkFlagRequired("name")
	runStartCmd.MarkFlagRequired("entities")

	runListCmd.Flags().StringVar(&runState, "state", "", "Filter by state (pending, running, completed, failed, aborted_budget, cancelled)")
	runListCmd.Flags().IntVar(&runLimit, "limit", 20, "Maximum runs to list")
}

func runRunStart(cmd *cobra.Command, args []string) error {
	entities := []string{}
	for _, e := range strings.Split(runEntities, ",") {
		if trimmed := strings.TrimSpace(e); trimmed != "" {
			entities = append(entities, trimmed)
		}
	}

	body, err := apiPost("/runs", engine.RunConfig{
		Name:        runName,
		Entities:    entities,
		Positioning: runPositioning,
	})
	if err != nil {
		return err
	}

	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return err
	}

	fmt.Printf("Run started: %s\n", resp.RunID)
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/runs?limit=%d", runLimit)
	if runState != "" {
		path += "&state=" + runState
	}

	body, err := apiGet(path)
	if err != nil {
		return err
	}

	var runs []models.Run
	if err := json.Unmarshal(body, &runs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tCOST\tSTARTED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\n",
			shortID(run.ID), run.Name, run.State, run.TotalCost,
			run.StartedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runRunShow(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/runs/" + args[0])
	if err != nil {
		return err
	}

	var snap engine.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return err
	}

	fmt.Printf("Run:     %s (%s)\n", snap.Run.ID, snap.Run.Name)
	fmt.Printf("State:   %s\n", snap.Run.State)
	if snap.Run.Positioning != "" {
		fmt.Printf("Context: %s\n", truncate(snap.Run.Positioning, 70))
	}
	fmt.Printf("Cost:    $%.4f\n", snap.Run.TotalCost)
	if snap.Run.BudgetWarning {
		fmt.Println("Budget:  soft cap crossed")
	}
	if snap.Run.TerminalReason != "" {
		fmt.Printf("Reason:  %s\n", snap.Run.TerminalReason)
	}

	for _, output := range snap.Outputs {
		fmt.Printf("\n%s (%d/%d tasks succeeded, %d citations)\n",
			output.Phase, output.Succeeded, output.Tasks, len(output.Citations))
		for _, f := range output.Findings {
			fmt.Printf("  %-30s %.2f  %s\n", f.Key, f.Confidence, truncate(f.Summary, 60))
		}
	}
	return nil
}

func runRunCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/runs/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Println("Cancellation requested")
	return nil
}

func runRunTasks(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/runs/" + args[0] + "/tasks")
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tKEY\tSTATE\tATTEMPTS\tCOST")
	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.4f\n",
			task.Phase, task.Key, task.State, task.Attempts, task.Cost)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
