package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtac-project/virtac/vac"
	"github.com/virtac-project/virtac/vac/ca/memca"
	"github.com/virtac-project/virtac/vac/lattice"
)

const bundledData = "../data"

// The bundled data tables must come up through the full startup path for
// every registered mode.
func TestBundledData_EveryModeServes(t *testing.T) {
	reg, err := vac.LoadModeRegistry(filepath.Join(bundledData, "modes.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, reg.Names())

	for _, mode := range reg.Names() {
		t.Run(mode, func(t *testing.T) {
			info, ok := reg.Lookup(mode)
			require.True(t, ok)

			lat, err := lattice.LoadDir(bundledData, mode)
			require.NoError(t, err)
			assert.Equal(t, info.Symmetry, lat.Symmetry())
			assert.Positive(t, lat.Circumference())

			engine := lattice.NewEngine(lat, lattice.NewLinearOptics(lattice.DefaultLinearConfig()), nil)
			require.NoError(t, engine.RecalcOnce())

			cs := memca.New()
			modeDir := filepath.Join(bundledData, mode)
			server, err := vac.NewServer(vac.ServerConfig{
				Mode:         mode,
				LimitsCSV:    filepath.Join(modeDir, "limits.csv"),
				AlignmentCSV: filepath.Join(modeDir, "bba.csv"),
				FeedbackCSV:  filepath.Join(modeDir, "feedback.csv"),
				MirrorCSV:    filepath.Join(modeDir, "mirrored.csv"),
				TuneCSV:      filepath.Join(modeDir, "tunefb.csv"),
				Linopt:       info.Linopt,
			}, lat, cs, cs)
			require.NoError(t, err)

			st := server.Stats()
			assert.NotZero(t, st.KindCounts["SetpointPV"])
			assert.NotZero(t, st.KindCounts["RefreshPV"])

			// A quadrupole write must flow through to the lattice and its
			// readback.
			require.NoError(t, cs.Put("SR01C-PC-Q1D-01:SETI", 1.21))
			rb, err := cs.Get("SR01C-PC-Q1D-01:I")
			require.NoError(t, err)
			assert.Equal(t, 1.21, rb)
		})
	}
}
