package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/equinor/fmu-sumo-uploader/pkg/caseunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/registrar"
	"github.com/equinor/fmu-sumo-uploader/pkg/transfer"
)

var (
	uploadMode       string
	uploadThreads    int
	metadataPath     string
	tolerateFailures bool
	registerCase     bool
	useManifest      bool
	summaryFile      string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <casepath> <searchpath> <env>",
	Short: "Upload result files of a case",
	Long: `Register the case found at casepath and upload every file matched by
searchpath to the Sumo environment env. searchpath is a glob relative to
casepath and may contain one "**" segment.

With --manifest, searchpath is the directory holding the export manifest and
only files exported since the last upload are sent.`,
	Args: cobra.ExactArgs(3),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadMode, "mode", "",
		"copy keeps local files, move deletes them after upload (default from config)")
	uploadCmd.Flags().IntVar(&uploadThreads, "threads", 0,
		"number of concurrent file uploads (default from config)")
	uploadCmd.Flags().StringVar(&metadataPath, "metadata-path", "",
		"case metadata path relative to casepath (default from config)")
	uploadCmd.Flags().BoolVar(&tolerateFailures, "tolerate-failures", false,
		"exit successfully even if some files failed")
	uploadCmd.Flags().BoolVar(&registerCase, "register", true,
		"register the case object; when false the case must already exist")
	uploadCmd.Flags().BoolVar(&useManifest, "manifest", false,
		"select files from the export manifest in searchpath")
	uploadCmd.Flags().StringVar(&summaryFile, "summary-file", "",
		"write the upload summary to this file (markdown for .md, JSON otherwise)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	casePath, searchPath, env := args[0], args[1], args[2]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	applyUploadFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating options: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	conn, err := connect(ctx, cfg, env)
	if err != nil {
		return fmt.Errorf("connecting to sumo: %w", err)
	}

	policy := retryPolicy(cfg)

	store, err := transfer.NewStore(cfg.Transfer, conn)
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}

	xfer := transfer.New(log, store, policy, transfer.NewDerivers(cfg.Transfer.Derive)...)
	reg := registrar.New(log, conn, policy)

	ledgerStore, err := openLedger(ctx, cfg, casePath)
	if err != nil {
		return err
	}

	opts := caseunit.Options{
		Env:              env,
		Mode:             cfg.Upload.Mode,
		RegisterEnsemble: cfg.Upload.RegisterEnsemble,
		UploadsLogName:   cfg.Upload.UploadsLogName,
	}

	if ledgerStore != nil {
		opts.Ledger = ledgerStore

		defer func() {
			if err := ledgerStore.Stop(); err != nil {
				log.WithError(err).Warn("Failed to close ledger")
			}
		}()
	}

	if cfg.Upload.Parameters.Enabled {
		opts.ParametersPath = cfg.Upload.Parameters.Path
	}

	c, err := caseunit.Load(log, reg, xfer, casePath, cfg.Upload.MetadataPath, opts)
	if err != nil {
		return err
	}

	if registerCase {
		if _, err := c.Register(ctx); err != nil {
			return err
		}
	} else {
		c.Attach("")
	}

	sel := caseunit.Glob(searchPath)
	if useManifest {
		sel = caseunit.Manifest(filepath.Join(searchPath, cfg.Upload.ManifestName))
	}

	if _, err := c.AddFiles(sel); err != nil {
		return fmt.Errorf("selecting files: %w", err)
	}

	log.WithFields(logrus.Fields{
		"case":    c.ID(),
		"env":     env,
		"mode":    cfg.Upload.Mode,
		"threads": cfg.Upload.Threads,
		"backend": store.Name(),
	}).Info("Starting upload")

	summary, uploadErr := c.Upload(ctx, cfg.Upload.Threads)

	if summaryFile != "" {
		if err := summary.WriteFile(summaryFile); err != nil {
			log.WithError(err).Warn("Failed to write summary file")
		} else {
			log.WithField("path", summaryFile).Info("Summary written")
		}
	}

	if uploadErr != nil {
		return uploadErr
	}

	if !summary.OK() && !cfg.Upload.TolerateFailures {
		return fmt.Errorf("%d of %d files failed to upload", summary.Failed, summary.Total)
	}

	if summary.Total == 0 {
		log.Warn("No files matched")
	}

	return nil
}

// applyUploadFlags lets explicitly set flags override the configuration.
func applyUploadFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("mode") {
		cfg.Upload.Mode = uploadMode
	}

	if flags.Changed("threads") {
		cfg.Upload.Threads = uploadThreads
	}

	if flags.Changed("metadata-path") {
		cfg.Upload.MetadataPath = metadataPath
	}

	if flags.Changed("tolerate-failures") {
		cfg.Upload.TolerateFailures = tolerateFailures
	}
}
