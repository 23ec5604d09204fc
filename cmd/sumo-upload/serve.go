package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/equinor/fmu-sumo-uploader/pkg/api"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve [casepath]",
	Short: "Serve the upload ledger over HTTP",
	Long: `Start a read-only HTTP API listing the uploads recorded in the ledger.
A relative SQLite ledger path is resolved against casepath, which defaults to
the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	casePath := "."
	if len(args) == 1 {
		casePath = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Ledger.Enabled {
		return fmt.Errorf("ledger is disabled (set ledger.enabled)")
	}

	if cmd.Flags().Changed("listen") {
		cfg.API.Listen = serveListen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openLedger(ctx, cfg, casePath)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close ledger")
		}
	}()

	srv := api.NewServer(log, &cfg.API, store)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()
	log.Info("Received shutdown signal")

	return srv.Stop()
}
