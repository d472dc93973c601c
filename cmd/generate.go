package cmd

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/virtac-project/virtac/vac"
	"github.com/virtac-project/virtac/vac/ca/memca"
	"github.com/virtac-project/virtac/vac/lattice"
	"github.com/virtac-project/virtac/vac/regen"
)

var genFilenames regen.Filenames

var generateCmd = &cobra.Command{
	Use:   "generate <mode>",
	Short: "Regenerate the per-mode data tables",
	Long: "Builds the lattice and its PV set in process, then writes the limits,\n" +
		"feedback, mirror, tune feedback and alignment tables under the mode's\n" +
		"data directory. Run it after a lattice change to refresh the tables.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(args[0])
	},
}

func init() {
	defaults := regen.DefaultFilenames()
	generateCmd.Flags().StringVar(&genFilenames.Feedback, "feedback-file", defaults.Feedback, "Output filename for the feedback table")
	generateCmd.Flags().StringVar(&genFilenames.Limits, "limits-file", defaults.Limits, "Output filename for the limits table")
	generateCmd.Flags().StringVar(&genFilenames.Mirror, "mirror-file", defaults.Mirror, "Output filename for the mirror table")
	generateCmd.Flags().StringVar(&genFilenames.Tune, "tune-file", defaults.Tune, "Output filename for the tune feedback table")
	generateCmd.Flags().StringVar(&genFilenames.Alignment, "bba-file", defaults.Alignment, "Output filename for the alignment table")
}

func runGenerate(modeArg string) error {
	reg, err := vac.LoadModeRegistry(filepath.Join(dataDir, "modes.yaml"))
	if err != nil {
		return err
	}
	info, err := vac.ResolveMode(modeArg, nil, reg)
	if err != nil {
		return err
	}
	lat, err := lattice.LoadDir(dataDir, info.Name)
	if err != nil {
		return err
	}

	// Build the PV set in process so the generators have live records to
	// fetch metadata and values from.
	cs := memca.New()
	modeDir := filepath.Join(dataDir, info.Name)
	engine := lattice.NewEngine(lat, lattice.NewLinearOptics(lattice.DefaultLinearConfig()), nil)
	if err := engine.RecalcOnce(); err != nil {
		return err
	}
	if _, err := vac.NewServer(vac.ServerConfig{
		Mode:      info.Name,
		LimitsCSV: filepath.Join(modeDir, "limits.csv"),
	}, lat, cs, cs); err != nil {
		return err
	}

	return regen.WriteAll(context.Background(), dataDir, lat, cs, genFilenames)
}
