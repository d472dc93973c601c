package regen

import (
	"github.com/virtac-project/virtac/vac"
	"github.com/virtac-project/virtac/vac/lattice"
)

// GenerateMirrorTable produces mirrored.csv: the tune and emittance mirror
// records the facility applications expect, plus the collated BPM waveforms.
// Initial values are snapshotted from the lattice.
func GenerateMirrorTable(lat lattice.Lattice) (*Table, error) {
	t := NewTable("output_type", "mirror_type", "in_pv", "out_pv", "value", "scan")

	tuneX, err := lat.GetValue(lattice.FieldTuneX)
	if err != nil {
		return nil, err
	}
	tuneY, err := lat.GetValue(lattice.FieldTuneY)
	if err != nil {
		return nil, err
	}
	emitX, err := lat.GetValue(lattice.FieldEmittanceX)
	if err != nil {
		return nil, err
	}
	emitY, err := lat.GetValue(lattice.FieldEmittanceY)
	if err != nil {
		return nil, err
	}

	// The tune feedback application reads the tune from the multibunch
	// feedback processors under a different name than the measurement PV.
	t.Append("ai", "basic",
		"SR23C-DI-TMBF-01:X:TUNE:TUNE", "SR23C-DI-TMBF-01:TUNE:TUNE",
		formatFloat(tuneX), "1 second")
	t.Append("ai", "basic",
		"SR23C-DI-TMBF-02:Y:TUNE:TUNE", "SR23C-DI-TMBF-02:TUNE:TUNE",
		formatFloat(tuneY), "1 second")

	t.Append("ai", "basic",
		"SR-DI-EMIT-01:HEMIT", "SR-DI-EMIT-01:HEMIT_MEAN",
		formatFloat(emitX), "1 second")
	t.Append("ai", "basic",
		"SR-DI-EMIT-01:VEMIT", "SR-DI-EMIT-01:VEMIT_MEAN",
		formatFloat(emitY), "1 second")
	t.Append("ai", "summate",
		"SR-DI-EMIT-01:HEMIT, SR-DI-EMIT-01:VEMIT", "SR-DI-EMIT-01:EMITTANCE",
		formatFloat(emitX+emitY), "1 second")

	enabledPVs, err := lat.ElementPVNames(lattice.FamilyBPM, "enabled", lattice.Readback)
	if err != nil {
		return nil, err
	}
	xPVs, err := lat.ElementPVNames(lattice.FamilyBPM, lattice.FieldX, lattice.Readback)
	if err != nil {
		return nil, err
	}
	yPVs, err := lat.ElementPVNames(lattice.FamilyBPM, lattice.FieldY, lattice.Readback)
	if err != nil {
		return nil, err
	}

	zeros := vac.FormatWave(make([]float64, len(enabledPVs)))
	t.Append("wfmi", "collate",
		joinPVs(enabledPVs), "SR-DI-EBPM-01:ENABLED:INTERIM", zeros, "I/O Intr")
	t.Append("wfmi", "inverse",
		"SR-DI-EBPM-01:ENABLED:INTERIM", "SR-DI-EBPM-01:ENABLED", zeros, "I/O Intr")
	t.Append("wfmi", "collate", joinPVs(xPVs), "SR-DI-EBPM-01:SA:X", zeros, "I/O Intr")
	t.Append("wfmi", "collate", joinPVs(yPVs), "SR-DI-EBPM-01:SA:Y", zeros, "I/O Intr")

	return t, nil
}

func joinPVs(pvs []string) string {
	out := ""
	for i, pv := range pvs {
		if i > 0 {
			out += ", "
		}
		out += pv
	}
	return out
}
