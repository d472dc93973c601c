// Loaders for the per-mode CSV tables consumed at startup. The regeneration
// tool in vac/regen writes the same formats.

package vac

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MirrorType names the supported mirroring behaviors of mirrored.csv rows.
type MirrorType string

const (
	MirrorBasic   MirrorType = "basic"
	MirrorInverse MirrorType = "inverse"
	MirrorSummate MirrorType = "summate"
	MirrorCollate MirrorType = "collate"
)

var mirrorTypes = []MirrorType{MirrorBasic, MirrorInverse, MirrorSummate, MirrorCollate}

// ParseMirrorType validates a mirror_type cell.
func ParseMirrorType(s string) (MirrorType, error) {
	for _, mt := range mirrorTypes {
		if s == string(mt) {
			return mt, nil
		}
	}
	return "", fmt.Errorf("mirror type %q is not valid, please use one of %v", s, mirrorTypes)
}

// LimitsRow carries the control metadata for one PV, as strings straight from
// limits.csv; empty cells mean "unset".
type LimitsRow struct {
	PV        string
	Upper     string
	Lower     string
	Precision string
	DriveHigh string
	DriveLow  string
	Scan      string
}

// LoadLimits reads limits.csv into a map keyed by PV name. A missing file is
// returned as-is so the caller can degrade with a warning.
func LoadLimits(path string) (map[string]LimitsRow, error) {
	rows, err := readTable(path, []string{"pv", "upper", "lower", "precision", "drive_high", "drive_low", "scan"})
	if err != nil {
		return nil, err
	}
	limits := make(map[string]LimitsRow, len(rows))
	for _, row := range rows {
		limits[row["pv"]] = LimitsRow{
			PV:        row["pv"],
			Upper:     row["upper"],
			Lower:     row["lower"],
			Precision: row["precision"],
			DriveHigh: row["drive_high"],
			DriveLow:  row["drive_low"],
			Scan:      row["scan"],
		}
	}
	return limits, nil
}

// RecordRow is one row of feedback.csv or bba.csv: a standalone record
// attached to an element (or to the lattice, index 0).
type RecordRow struct {
	Index      int
	Field      string
	PV         string
	Value      string
	RecordType RecordType
}

// LoadRecordRows reads a feedback- or alignment-style table.
func LoadRecordRows(path string) ([]RecordRow, error) {
	rows, err := readTable(path, []string{"index", "field", "pv", "value", "record_type"})
	if err != nil {
		return nil, err
	}
	out := make([]RecordRow, 0, len(rows))
	for _, row := range rows {
		index, err := strconv.Atoi(row["index"])
		if err != nil {
			return nil, fmt.Errorf("%s: bad index for %s: %w", path, row["pv"], err)
		}
		rt, err := ParseRecordType(row["record_type"])
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, row["pv"], err)
		}
		out = append(out, RecordRow{
			Index:      index,
			Field:      row["field"],
			PV:         row["pv"],
			Value:      row["value"],
			RecordType: rt,
		})
	}
	return out, nil
}

// MirrorRow is one row of mirrored.csv.
type MirrorRow struct {
	OutputType RecordType
	MirrorType MirrorType
	InPVs      []string
	OutPV      string
	Value      string
	Scan       string
}

// LoadMirrorRows reads mirrored.csv, validating input arities per mirror
// type: basic takes exactly one input, summate and collate at least two.
func LoadMirrorRows(path string) ([]MirrorRow, error) {
	rows, err := readTable(path, []string{"output_type", "mirror_type", "in_pv", "out_pv", "value", "scan"})
	if err != nil {
		return nil, err
	}
	out := make([]MirrorRow, 0, len(rows))
	for _, row := range rows {
		rt, err := ParseRecordType(row["output_type"])
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, row["out_pv"], err)
		}
		mt, err := ParseMirrorType(row["mirror_type"])
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, row["out_pv"], err)
		}
		inPVs := strings.Split(row["in_pv"], ", ")
		if len(inPVs) > 1 && mt == MirrorBasic {
			return nil, fmt.Errorf("%s: %s: basic mirror type takes only one input PV", path, row["out_pv"])
		}
		if len(inPVs) < 2 && (mt == MirrorCollate || mt == MirrorSummate) {
			return nil, fmt.Errorf("%s: %s: collation and summation mirror types take at least two input PVs", path, row["out_pv"])
		}
		out = append(out, MirrorRow{
			OutputType: rt,
			MirrorType: mt,
			InPVs:      inPVs,
			OutPV:      row["out_pv"],
			Value:      row["value"],
			Scan:       row["scan"],
		})
	}
	return out, nil
}

// TuneRow is one row of tunefb.csv: the quadrupole setpoint PV, the offset PV
// it reads from, and the externally owned delta PV feeding the offset.
type TuneRow struct {
	SetPV    string
	OffsetPV string
	DeltaPV  string
}

// LoadTuneRows reads tunefb.csv.
func LoadTuneRows(path string) ([]TuneRow, error) {
	rows, err := readTable(path, []string{"set_pv", "offset_pv", "delta_pv"})
	if err != nil {
		return nil, err
	}
	out := make([]TuneRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, TuneRow{SetPV: row["set_pv"], OffsetPV: row["offset_pv"], DeltaPV: row["delta_pv"]})
	}
	return out, nil
}

// ParseInitialValue parses a value cell: either a scalar or a waveform
// literal like "[5 1 3]".
func ParseInitialValue(s string) (scalar float64, wave []float64, isWave bool, err error) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		fields := strings.Fields(strings.Trim(s, "[]"))
		wave = make([]float64, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return 0, nil, false, fmt.Errorf("invalid waveform literal %q: %w", s, err)
			}
			wave = append(wave, v)
		}
		return 0, wave, true, nil
	}
	scalar, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, nil, false, fmt.Errorf("invalid initial value %q: %w", s, err)
	}
	return scalar, nil, false, nil
}

// FormatWave renders a waveform as the "[v1 v2 ...]" literal used in the
// tables.
func FormatWave(wave []float64) string {
	parts := make([]string, len(wave))
	for i, v := range wave {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// floatPtr parses an optional numeric cell; empty and "None" mean unset.
func floatPtr(s string) (*float64, error) {
	if s == "" || s == "None" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// intPtr parses an optional integer cell; empty and "None" mean unset.
func intPtr(s string) (*int, error) {
	if s == "" || s == "None" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// readTable reads a CSV file with a header row into one map per data row,
// requiring at least the named columns.
func readTable(path string, required []string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: missing header row", path)
	}
	header := records[0]
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[col] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, col)
		}
	}
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for col, i := range index {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
