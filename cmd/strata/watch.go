package main

import (
	"github.com/spf13/cobra"
	"github.com/strataresearch/strata/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Open the live dashboard for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.New(apiAddr, args[0]).Run()
	},
}
