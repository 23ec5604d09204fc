package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/equinor/fmu-sumo-uploader/pkg/caseunit"
	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/ledger"
)

var errAborted = errors.New("aborted")

var (
	forceForget  bool
	ledgerMDPath string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the local record of completed uploads",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list <casepath> <env>",
	Short: "List files recorded as uploaded",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerList,
}

var ledgerForgetCmd = &cobra.Command{
	Use:   "forget <casepath> <env> [key...]",
	Short: "Forget recorded uploads so the next run sends them again",
	Long: `Remove ledger entries of a case. Without keys every entry of the case
in env is removed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runLedgerForget,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerListCmd, ledgerForgetCmd)

	ledgerCmd.PersistentFlags().StringVar(&ledgerMDPath, "metadata-path", config.DefaultMetadataPath,
		"case metadata path relative to casepath")
	ledgerForgetCmd.Flags().BoolVarP(&forceForget, "force", "f", false, "Skip confirmation prompt")
}

// openCaseLedger returns the ledger and the case uuid of casepath.
func openCaseLedger(ctx context.Context, casePath string) (ledger.Store, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}

	if !cfg.Ledger.Enabled {
		return nil, "", fmt.Errorf("ledger is disabled (set ledger.enabled)")
	}

	c, err := caseunit.Load(log, nil, nil, casePath, ledgerMDPath, caseunit.Options{})
	if err != nil {
		return nil, "", err
	}

	store, err := openLedger(ctx, cfg, casePath)
	if err != nil {
		return nil, "", err
	}

	return store, c.ID(), nil
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, caseID, err := openCaseLedger(ctx, args[0])
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	entries, err := store.List(ctx, args[1], caseID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tOBJECT ID\tSIZE\tUPLOADED")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Key, e.ObjectID, units.HumanSize(float64(e.Bytes)),
			units.HumanDuration(time.Since(e.UploadedAt))+" ago")
	}

	return w.Flush()
}

func runLedgerForget(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	env := args[1]

	store, caseID, err := openCaseLedger(ctx, args[0])
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	keys := args[2:]
	if len(keys) == 0 {
		entries, err := store.List(ctx, env, caseID)
		if err != nil {
			return err
		}

		for _, e := range entries {
			keys = append(keys, e.Key)
		}
	}

	if len(keys) == 0 {
		log.Info("Nothing to forget")

		return nil
	}

	if !forceForget {
		fmt.Printf("Forget %d ledger entries of case %s in %s? [y/N]: ", len(keys), caseID, env)

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if r := strings.TrimSpace(strings.ToLower(response)); r != "y" && r != "yes" {
			return errAborted
		}
	}

	for _, key := range keys {
		if err := store.Forget(ctx, env, caseID, key); err != nil {
			return err
		}
	}

	log.WithField("count", len(keys)).Info("Ledger entries forgotten")

	return nil
}
