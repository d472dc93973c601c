package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/virtac-project/virtac/vac"
	"github.com/virtac-project/virtac/vac/ca/memca"
	"github.com/virtac-project/virtac/vac/lattice"
)

var (
	// serve flags
	disableEmittance    bool
	disableChromaticity bool
	disableRadiation    bool
	disableTuneFB       bool
	linoptFunction      string
)

var serveCmd = &cobra.Command{
	Use:   "serve [mode]",
	Short: "Start the virtual accelerator",
	Long: "Builds the lattice for the given ring mode and serves its PV interface.\n" +
		"Without an argument the mode comes from $RINGMODE, then the live machine's\n" +
		"mode PV, then the registry default.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arg := ""
		if len(args) == 1 {
			arg = args[0]
		}
		return runServe(arg)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&disableEmittance, "disable-emittance", "e", false,
		"Disable emittance calculations and their PVs")
	serveCmd.Flags().BoolVarP(&disableChromaticity, "disable-chromaticity", "c", false,
		"Disable chromaticity calculations")
	serveCmd.Flags().BoolVarP(&disableRadiation, "disable-radiation", "r", false,
		"Disable radiation effects in the optics calculations")
	serveCmd.Flags().BoolVarP(&disableTuneFB, "disable-tfb", "t", false,
		"Do not attach the tune feedback offset records")
	serveCmd.Flags().StringVar(&linoptFunction, "linopt-function", "",
		"Linear optics function (linopt2, linopt4, linopt6); overrides the mode's setting")
}

func runServe(modeArg string) error {
	reg, err := vac.LoadModeRegistry(filepath.Join(dataDir, "modes.yaml"))
	if err != nil {
		return err
	}
	cs := memca.New()
	info, err := vac.ResolveMode(modeArg, cs, reg)
	if err != nil {
		return err
	}

	linopt := info.Linopt
	if linoptFunction != "" {
		linopt = linoptFunction
	}
	if linopt == "" {
		linopt = lattice.DefaultLinearConfig().Linopt
	}
	if err := validateSimParams(linopt, disableEmittance, disableRadiation); err != nil {
		return err
	}
	configureCA()

	lat, err := lattice.LoadDir(dataDir, info.Name)
	if err != nil {
		return err
	}

	optCfg := lattice.DefaultLinearConfig()
	optCfg.Linopt = linopt
	optCfg.DisableEmittance = disableEmittance
	optCfg.DisableChromaticity = disableChromaticity
	optCfg.DisableRadiation = disableRadiation
	engine := lattice.NewEngine(lat, lattice.NewLinearOptics(optCfg), nil)
	if err := engine.RecalcOnce(); err != nil {
		return fmt.Errorf("initial recalculation: %w", err)
	}

	modeDir := filepath.Join(dataDir, info.Name)
	server, err := vac.NewServer(vac.ServerConfig{
		Mode:                info.Name,
		LimitsCSV:           filepath.Join(modeDir, "limits.csv"),
		AlignmentCSV:        filepath.Join(modeDir, "bba.csv"),
		FeedbackCSV:         filepath.Join(modeDir, "feedback.csv"),
		MirrorCSV:           filepath.Join(modeDir, "mirrored.csv"),
		TuneCSV:             filepath.Join(modeDir, "tunefb.csv"),
		Linopt:              linopt,
		DisableEmittance:    disableEmittance,
		DisableChromaticity: disableChromaticity,
		DisableRadiation:    disableRadiation,
		DisableTuneFeedback: disableTuneFB,
	}, lat, cs, cs)
	if err != nil {
		return err
	}
	engine.SetOnUpdate(server.UpdatePVs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	engine.Start(ctx)

	logrus.Infof("virtual accelerator serving mode %s", info.Name)
	<-ctx.Done()
	logrus.Info("shutting down")
	return nil
}

// validateSimParams rejects flag combinations the optics calculations cannot
// honour: linopt6 needs radiation enabled, linopt2 and linopt4 need it
// disabled, and the emittance calculation depends on radiation.
func validateSimParams(linopt string, emittanceOff, radiationOff bool) error {
	switch linopt {
	case "linopt2", "linopt4":
		if !radiationOff {
			return fmt.Errorf("%s requires radiation to be disabled, pass --disable-radiation", linopt)
		}
	case "linopt6":
		if radiationOff {
			return fmt.Errorf("linopt6 cannot be used with radiation disabled")
		}
	default:
		return fmt.Errorf("unknown linear optics function %q, use linopt2, linopt4 or linopt6", linopt)
	}
	if radiationOff && !emittanceOff {
		return fmt.Errorf("emittance calculations require radiation, pass --disable-emittance as well")
	}
	return nil
}

// configureCA warns when the channel access environment would put the served
// PVs on the live machine's ports, where they would clash with the real IOCs.
func configureCA() {
	ports := []string{
		"EPICS_CA_REPEATER_PORT",
		"EPICS_CAS_SERVER_PORT",
		"EPICS_CA_SERVER_PORT",
		"EPICS_CAS_BEACON_PORT",
	}
	allUnset := true
	for _, name := range ports {
		value, set := os.LookupEnv(name)
		if set {
			allUnset = false
		}
		if value == "5064" || value == "5065" {
			logrus.Warnf("%s is set to the production port %s, served PVs may clash with the live machine", name, value)
		}
	}
	if allUnset {
		logrus.Warn("no channel access ports configured, served PVs may clash with the live machine")
	}
	if addr, set := os.LookupEnv("EPICS_CAS_INTF_ADDR_LIST"); set {
		logrus.Warnf("EPICS_CAS_INTF_ADDR_LIST is already set to %q and will not be changed", addr)
	}
}
