package regen

import (
	"fmt"
	"strconv"

	"github.com/virtac-project/virtac/vac/lattice"
)

// TuneQuadFamilies are the quadrupole families driven by the tune feedback
// system.
var TuneQuadFamilies = []string{"Q1D", "Q2D", "Q3D", "Q3B", "Q2B", "Q1B"}

// GenerateFeedbackTable produces feedback.csv: the records the orbit and tune
// feedback systems read from, plus a few special-cased machine status rows.
func GenerateFeedbackTable(lat lattice.Lattice) (*Table, error) {
	t := NewTable("index", "field", "pv", "value", "record_type")

	// Lattice-level rows the feedback systems expect; none of these have a
	// simulated effect.
	t.Append("0", "beam_current", "SR-DI-DCCT-01:SIGNAL", "300", "ai")
	t.Append("0", "feedback_status", "CS-CS-MSTAT-01:FBSTAT", "2", "ai")
	t.Append("0", "fofb_status", "SR01A-CS-FOFB-01:RUN", "0", "ao")
	t.Append("0", "feedback_heart", "CS-CS-MSTAT-01:FBHEART", "10", "ao")

	for _, elem := range lat.ElementsByFamily("HSTR") {
		if err := appendCorrectorRows(t, elem, lattice.FieldXKick); err != nil {
			return nil, err
		}
	}
	for _, elem := range lat.ElementsByFamily("VSTR") {
		if err := appendCorrectorRows(t, elem, lattice.FieldYKick); err != nil {
			return nil, err
		}
	}
	// Offset records for the tune feedback quadrupoles.
	for _, elem := range tuneQuadElements(lat) {
		device, err := elem.DeviceName(lattice.FieldB1)
		if err != nil {
			return nil, err
		}
		t.Append(strconv.Itoa(elem.Index()), "offset", device+":OFFSET1", "0", "ai")
	}

	// BPM identifiers for the x axis of the beam position plot, derived from
	// the naming convention SRnnC-DI-EBPM-mm: cell number plus a decimal
	// position within the cell.
	bpmPVs, err := lat.ElementPVNames(lattice.FamilyBPM, lattice.FieldX, lattice.Readback)
	if err != nil {
		return nil, err
	}
	ids := "["
	for i, pv := range bpmPVs {
		cell, inCell, err := parseBPMName(pv)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			ids += " "
		}
		ids += fmt.Sprintf("%.1f", float64(cell)+0.1*float64(inCell))
	}
	ids += "]"
	t.Append("0", "bpm_id", "SR-DI-EBPM-01:BPMID", ids, "wfmi")

	return t, nil
}

func appendCorrectorRows(t *Table, elem lattice.Element, field string) error {
	device, err := elem.DeviceName(field)
	if err != nil {
		return err
	}
	index := strconv.Itoa(elem.Index())
	t.Append(index, "error_sum", device+":ERCSUM", "0", "ai")
	t.Append(index, "state", device+":STATE", "2", "ai")
	return nil
}

func tuneQuadElements(lat lattice.Lattice) []lattice.Element {
	seen := make(map[int]bool)
	var out []lattice.Element
	for _, family := range TuneQuadFamilies {
		for _, elem := range lat.ElementsByFamily(family) {
			if !seen[elem.Index()] {
				seen[elem.Index()] = true
				out = append(out, elem)
			}
		}
	}
	return out
}

// parseBPMName extracts the cell and in-cell numbers from a BPM PV named
// after the SRnnC-DI-EBPM-mm convention.
func parseBPMName(pv string) (cell, inCell int, err error) {
	if len(pv) < 16 {
		return 0, 0, fmt.Errorf("regen: BPM PV %q too short for naming convention", pv)
	}
	cell, err = strconv.Atoi(pv[2:4])
	if err != nil {
		return 0, 0, fmt.Errorf("regen: BPM PV %q: bad cell number: %w", pv, err)
	}
	inCell, err = strconv.Atoi(pv[14:16])
	if err != nil {
		return 0, 0, fmt.Errorf("regen: BPM PV %q: bad device number: %w", pv, err)
	}
	return cell, inCell, nil
}
