package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "sumo-upload",
	Short: "Upload FMU case results to Sumo",
	Long: `sumo-upload registers an FMU case in Sumo and uploads its exported
result files, each paired with the metadata sidecar written at export time.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := resolveLogLevel(logLevel, cmd.Flags().Changed("log-level"), cfgFile)
		if err != nil {
			return err
		}

		log.SetLevel(level)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sumo-upload %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+"), overrides global.log_level")

	rootCmd.AddCommand(versionCmd)
}

// resolveLogLevel returns the --log-level flag when it was given, and
// otherwise global.log_level from the config at cfgPath (or its
// SUMO_UPLOAD_ environment override). A config that does not load leaves
// the flag default in place; the subcommand reports that error.
func resolveLogLevel(flagValue string, flagSet bool, cfgPath string) (logrus.Level, error) {
	name := flagValue

	if !flagSet {
		if cfg, err := config.Load(cfgPath); err == nil && cfg.Global.LogLevel != "" {
			name = cfg.Global.LogLevel
		}
	}

	level, err := logrus.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	return level, nil
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}
