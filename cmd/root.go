package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Persistent CLI flags
	verbosity int    // -v occurrences; warn by default, info at -v, debug at -vv
	dataDir   string // Root of the per-mode data tables
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "virtac",
	Short: "Virtual accelerator for the storage ring control system",
	Long: "Serves the storage ring's PV interface backed by a simulated machine,\n" +
		"so the control-system applications can run against it unchanged.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch {
		case verbosity >= 2:
			logrus.SetLevel(logrus.DebugLevel)
		case verbosity == 1:
			logrus.SetLevel(logrus.InfoLevel)
		default:
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up the persistent flags and subcommands
func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase output verbosity (repeatable)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "Directory holding modes.yaml and the per-mode data tables")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
}
