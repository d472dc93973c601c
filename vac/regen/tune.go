package regen

import (
	"fmt"
	"strings"

	"github.com/virtac-project/virtac/vac/lattice"
)

// GenerateTuneTable produces tunefb.csv: for every tune feedback quadrupole,
// the setpoint PV, the offset PV added to each write, and the delta PV the
// tune feedback application drives the offset through.
func GenerateTuneTable(lat lattice.Lattice) (*Table, error) {
	t := NewTable("set_pv", "offset_pv", "delta_pv")
	for _, elem := range tuneQuadElements(lat) {
		pv, err := elem.PVName(lattice.FieldB1, lattice.Setpoint)
		if err != nil {
			return nil, err
		}
		delta, err := tuneDeltaPV(pv)
		if err != nil {
			return nil, err
		}
		device, _, ok := strings.Cut(pv, ":")
		if !ok {
			return nil, fmt.Errorf("regen: setpoint PV %q has no device prefix", pv)
		}
		t.Append(pv, device+":OFFSET1", delta)
	}
	return t, nil
}

// tuneDeltaPV derives the tune feedback delta PV from a quadrupole setpoint
// PV named after the SRnnC-PC-Qmm-kk convention: the cell number, family and
// device number are spliced into the feedback controller's namespace.
func tuneDeltaPV(pv string) (string, error) {
	if len(pv) < 15 {
		return "", fmt.Errorf("regen: setpoint PV %q too short for naming convention", pv)
	}
	return "SR-CS-TFB-01:" + pv[2:4] + pv[9:12] + pv[13:15] + ":I", nil
}
