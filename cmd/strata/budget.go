package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/store"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect budget status and spend",
	RunE:  runBudgetStatus,
}

var budgetBreakdownCmd = &cobra.Command{
	Use:   "breakdown",
	Short: "Show spend broken down by model and call type",
	RunE:  runBudgetBreakdown,
}

var breakdownDays int

func init() {
	budgetCmd.AddCommand(budgetBreakdownCmd)
	budgetBreakdownCmd.Flags().IntVar(&breakdownDays, "days", 30, "Window in days")
}

func runBudgetStatus(cmd *cobra.Command, args []string) error {
	body, err := apiGet("/budget")
	if err != nil {
		return err
	}

	var status budget.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Monthly spend\t$%.4f / $%.2f (hard $%.2f)\n",
		status.MonthlySpend, status.MonthlySoftCap, status.MonthlyHardCap)
	fmt.Fprintf(w, "Remaining\t$%.4f\n", status.MonthlyRemaining)
	fmt.Fprintf(w, "Run spend\t$%.4f / $%.2f (hard $%.2f)\n",
		status.RunSpend, status.PerRunSoftCap, status.PerRunHardCap)
	if status.RunReserved > 0 {
		fmt.Fprintf(w, "Reserved\t$%.4f\n", status.RunReserved)
	}
	w.Flush()

	for _, warning := range status.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	return nil
}

func runBudgetBreakdown(cmd *cobra.Command, args []string) error {
	body, err := apiGet(fmt.Sprintf("/budget/breakdown?days=%d", breakdownDays))
	if err != nil {
		return err
	}

	var breakdown store.CostBreakdown
	if err := json.Unmarshal(body, &breakdown); err != nil {
		return err
	}

	fmt.Printf("Spend over last %d days: $%.4f across %d calls\n\n",
		breakdownDays, breakdown.TotalCost, breakdown.TotalCalls)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tCALLS\tTOKENS IN\tTOKENS OUT\tSPEND")
	for _, m := range breakdown.ByModel {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.4f\n",
			m.Model, m.Calls, m.InputTokens, m.OutputTokens, m.Cost)
	}
	fmt.Fprintln(w, "\nCALL TYPE\tCALLS\tSPEND")
	for _, c := range breakdown.ByCallType {
		fmt.Fprintf(w, "%s\t%d\t$%.4f\n", c.CallType, c.Calls, c.Cost)
	}
	return w.Flush()
}
