package regen

import (
	"fmt"
	"strconv"

	"github.com/virtac-project/virtac/vac"
	"github.com/virtac-project/virtac/vac/lattice"
)

// bpmOffsetSuffixes are the per-BPM configuration records written during
// beam-based alignment, keyed by their lattice field name.
var bpmOffsetSuffixes = []struct {
	field  string
	suffix string
}{
	{"golden_offset_x", ":CF:GOLDEN_X_S"},
	{"golden_offset_y", ":CF:GOLDEN_Y_S"},
	{"bcd_offset_x", ":CF:BCD_X_S"},
	{"bcd_offset_y", ":CF:BCD_Y_S"},
	{"bba_offset_x", ":CF:BBA_X_S"},
	{"bba_offset_y", ":CF:BBA_Y_S"},
}

// fofbExciteWaveLen is the length of the per-cell FOFB excitation waveforms.
const fofbExciteWaveLen = 18

// GenerateAlignmentTable produces bba.csv: the offset records beam-based
// alignment writes per BPM, and the per-cell fast-orbit-feedback excitation
// records.
func GenerateAlignmentTable(lat lattice.Lattice) (*Table, error) {
	t := NewTable("index", "field", "pv", "value", "record_type")

	for _, elem := range lat.ElementsByFamily(lattice.FamilyBPM) {
		device, err := elem.DeviceName("enabled")
		if err != nil {
			return nil, err
		}
		for _, off := range bpmOffsetSuffixes {
			t.Append(strconv.Itoa(elem.Index()), off.field, device+off.suffix, "0", "ao")
		}
	}

	zeros := vac.FormatWave(make([]float64, fofbExciteWaveLen))
	for cell := 1; cell <= lat.Symmetry(); cell++ {
		padded := fmt.Sprintf("%02d", cell)
		stem := fmt.Sprintf("SR%sA-CS-FOFB-01", padded)
		index := strconv.Itoa(cell)
		t.Append(index, "cell_"+padded+"_excite_start_times", stem+":EXCITE:START_TIMES", zeros, "wfmi")
		t.Append(index, "cell_"+padded+"_excite_amps", stem+":EXCITE:AMPS", zeros, "wfmi")
		t.Append(index, "cell_"+padded+"_excite_deltas", stem+":EXCITE:DELTAS", zeros, "wfmi")
		t.Append(index, "cell_"+padded+"_excite_ticks", stem+":EXCITE:TICKS", zeros, "wfmi")
		t.Append(index, "cell_"+padded+"_excite_prime", stem+":EXCITE:PRIME", "0", "ao")
	}
	return t, nil
}
