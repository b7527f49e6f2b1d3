package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/strataresearch/strata/internal/budget"
	"github.com/strataresearch/strata/internal/config"
	"github.com/strataresearch/strata/internal/controlplane"
	"github.com/strataresearch/strata/internal/engine"
	"github.com/strataresearch/strata/internal/events"
	"github.com/strataresearch/strata/internal/executor"
	"github.com/strataresearch/strata/internal/phase"
	"github.com/strataresearch/strata/internal/provider/openrouter"
	"github.com/strataresearch/strata/internal/store"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Strata daemon",
	Long:  `Starts the Strata daemon which runs the research pipeline and serves the HTTP API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "strata.yaml", "Path to configuration file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Strata daemon...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	// Seed the monthly budget window from the persisted ledger
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthlySpend, err := s.SpendSince(monthStart)
	if err != nil {
		return err
	}
	log.Printf("Monthly spend so far: $%.4f", monthlySpend)

	// Wire the pipeline
	publisher := events.NewPublisher()
	controller := budget.New(cfg.Budget, monthlySpend, s, publisher)

	gateway, err := openrouter.New(cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return err
	}
	exec := executor.New(gateway, controller, cfg.Executor)
	runner := phase.NewRunner(exec, controller, publisher, s, *cfg)
	eng := engine.New(runner, controller, publisher, s, *cfg)

	// Create service and server
	service := controlplane.NewService(eng, controller, publisher, s)
	server := controlplane.NewServer(service, cfg.ListenAddr)

	// Handle shutdown signals
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
