package lattice

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// Static is the CSV-backed Lattice implementation. Setpoints and readings
// share one value table guarded by a single lock; SetValue marks the machine
// dirty for the recalculation engine while SetReading (the physics write path)
// does not, so applying results cannot re-trigger a recalculation.
type Static struct {
	mode     string
	symmetry int

	elements []*element
	byName   map[string]*element
	families map[string][]*element

	latFields map[string]*fieldState
	latOrder  []string

	mu       sync.RWMutex
	onChange func()
}

type fieldState struct {
	device     string
	readbackPV string
	setpointPV string // empty for read-only fields
	value      float64
}

type element struct {
	lat      *Static
	index    int
	name     string
	typ      string
	length   float64
	s        float64 // start position around the ring
	cell     int
	families []string
	fields   map[string]*fieldState
	order    []string
}

// NewStatic returns an empty lattice for mode.
func NewStatic(mode string, symmetry int) *Static {
	return &Static{
		mode:      mode,
		symmetry:  symmetry,
		byName:    make(map[string]*element),
		families:  make(map[string][]*element),
		latFields: make(map[string]*fieldState),
	}
}

// DeviceSpec describes one field of an element (or of the lattice): its
// device stem, PV names and initial setpoint.
type DeviceSpec struct {
	Field      string
	Device     string
	ReadbackPV string
	SetpointPV string // empty = read-only field
	Value      float64
}

// ElementSpec describes one element to append to the ring.
type ElementSpec struct {
	Name     string
	Type     string
	Length   float64
	Cell     int
	Families []string
	Devices  []DeviceSpec
}

// AddElement appends an element to the ring, assigning the next index and the
// running s position.
func (l *Static) AddElement(spec ElementSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("lattice: element needs a name")
	}
	if _, ok := l.byName[spec.Name]; ok {
		return fmt.Errorf("lattice: duplicate element %q", spec.Name)
	}
	var s float64
	if n := len(l.elements); n > 0 {
		last := l.elements[n-1]
		s = last.s + last.length
	}
	e := &element{
		lat:      l,
		index:    len(l.elements) + 1,
		name:     spec.Name,
		typ:      spec.Type,
		length:   spec.Length,
		s:        s,
		cell:     spec.Cell,
		families: append([]string(nil), spec.Families...),
		fields:   make(map[string]*fieldState),
	}
	for _, d := range spec.Devices {
		if _, ok := e.fields[d.Field]; ok {
			return fmt.Errorf("lattice: element %q has duplicate field %q", spec.Name, d.Field)
		}
		e.fields[d.Field] = &fieldState{
			device:     d.Device,
			readbackPV: d.ReadbackPV,
			setpointPV: d.SetpointPV,
			value:      d.Value,
		}
		e.order = append(e.order, d.Field)
	}
	l.elements = append(l.elements, e)
	l.byName[spec.Name] = e
	for _, fam := range e.families {
		l.families[fam] = append(l.families[fam], e)
	}
	return nil
}

// AddLatticeField registers a ring-wide field such as tune_x.
func (l *Static) AddLatticeField(d DeviceSpec) error {
	if _, ok := l.latFields[d.Field]; ok {
		return fmt.Errorf("lattice: duplicate lattice field %q", d.Field)
	}
	l.latFields[d.Field] = &fieldState{
		device:     d.Device,
		readbackPV: d.ReadbackPV,
		setpointPV: d.SetpointPV,
		value:      d.Value,
	}
	l.latOrder = append(l.latOrder, d.Field)
	return nil
}

// SetOnChange installs the dirty-machine notification used by the
// recalculation engine. Must be set before the first SetValue.
func (l *Static) SetOnChange(fn func()) {
	l.onChange = fn
}

func (l *Static) Mode() string  { return l.mode }
func (l *Static) Symmetry() int { return l.symmetry }

// Circumference is the summed length of all elements.
func (l *Static) Circumference() float64 {
	var c float64
	for _, e := range l.elements {
		c += e.length
	}
	return c
}

func (l *Static) Fields() []string {
	return append([]string(nil), l.latOrder...)
}

func (l *Static) PVName(field string, h Handle) (string, error) {
	f, ok := l.latFields[field]
	if !ok {
		return "", fmt.Errorf("%w: lattice field %q", ErrUnknownField, field)
	}
	return f.pvName(field, h)
}

func (f *fieldState) pvName(field string, h Handle) (string, error) {
	switch h {
	case Readback:
		if f.readbackPV == "" {
			return "", fmt.Errorf("%w: %s %s", ErrNoPV, field, h)
		}
		return f.readbackPV, nil
	case Setpoint:
		if f.setpointPV == "" {
			return "", fmt.Errorf("%w: %s %s", ErrNoPV, field, h)
		}
		return f.setpointPV, nil
	}
	return "", fmt.Errorf("%w: %s %q", ErrNoPV, field, h)
}

func (l *Static) GetValue(field string) (float64, error) {
	f, ok := l.latFields[field]
	if !ok {
		return 0, fmt.Errorf("%w: lattice field %q", ErrUnknownField, field)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return f.value, nil
}

func (l *Static) SetValue(field string, value float64) error {
	f, ok := l.latFields[field]
	if !ok {
		return fmt.Errorf("%w: lattice field %q", ErrUnknownField, field)
	}
	l.mu.Lock()
	f.value = value
	l.mu.Unlock()
	if l.onChange != nil {
		l.onChange()
	}
	return nil
}

func (l *Static) Elements() []Element {
	out := make([]Element, len(l.elements))
	for i, e := range l.elements {
		out[i] = e
	}
	return out
}

func (l *Static) Element(index int) (Element, error) {
	if index < 1 || index > len(l.elements) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoElement, index, len(l.elements))
	}
	return l.elements[index-1], nil
}

func (l *Static) ElementsByFamily(family string) []Element {
	members := l.families[family]
	out := make([]Element, len(members))
	for i, e := range members {
		out[i] = e
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

func (l *Static) ElementPVNames(family, field string, h Handle) ([]string, error) {
	members := l.ElementsByFamily(family)
	if len(members) == 0 {
		return nil, fmt.Errorf("lattice: no elements in family %q", family)
	}
	names := make([]string, 0, len(members))
	for _, e := range members {
		name, err := e.PVName(field, h)
		if err != nil {
			return nil, fmt.Errorf("family %q element %s: %w", family, e.Name(), err)
		}
		names = append(names, name)
	}
	return names, nil
}

// SPositions returns the start positions of a family's members in ring order.
func (l *Static) SPositions(family string) []float64 {
	members := l.families[family]
	sorted := append([]*element(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })
	out := make([]float64, len(sorted))
	for i, e := range sorted {
		out[i] = e.s
	}
	return out
}

// SetReading writes a derived value without marking the machine dirty.
// Element index 0 addresses the lattice itself.
func (l *Static) SetReading(index int, field string, value float64) error {
	var f *fieldState
	if index == 0 {
		f = l.latFields[field]
	} else {
		if index < 1 || index > len(l.elements) {
			return fmt.Errorf("%w: index %d", ErrNoElement, index)
		}
		f = l.elements[index-1].fields[field]
	}
	if f == nil {
		return fmt.Errorf("%w: %q at index %d", ErrUnknownField, field, index)
	}
	l.mu.Lock()
	f.value = value
	l.mu.Unlock()
	return nil
}

func (e *element) Index() int         { return e.index }
func (e *element) Name() string       { return e.name }
func (e *element) Type() string       { return e.typ }
func (e *element) Families() []string { return append([]string(nil), e.families...) }

func (e *element) Fields() []string {
	return append([]string(nil), e.order...)
}

func (e *element) PVName(field string, h Handle) (string, error) {
	f, ok := e.fields[field]
	if !ok {
		return "", fmt.Errorf("%w: element %s field %q", ErrUnknownField, e.name, field)
	}
	return f.pvName(field, h)
}

func (e *element) DeviceName(field string) (string, error) {
	f, ok := e.fields[field]
	if !ok {
		return "", fmt.Errorf("%w: element %s field %q", ErrUnknownField, e.name, field)
	}
	if f.device == "" {
		return "", fmt.Errorf("lattice: element %s field %q has no device", e.name, field)
	}
	return f.device, nil
}

func (e *element) GetValue(field string) (float64, error) {
	f, ok := e.fields[field]
	if !ok {
		return 0, fmt.Errorf("%w: element %s field %q", ErrUnknownField, e.name, field)
	}
	e.lat.mu.RLock()
	defer e.lat.mu.RUnlock()
	return f.value, nil
}

func (e *element) SetValue(field string, value float64) error {
	f, ok := e.fields[field]
	if !ok {
		return fmt.Errorf("%w: element %s field %q", ErrUnknownField, e.name, field)
	}
	e.lat.mu.Lock()
	f.value = value
	e.lat.mu.Unlock()
	if e.lat.onChange != nil {
		e.lat.onChange()
	}
	return nil
}

// LoadDir builds a Static lattice from the data tables under dir/mode:
// elements.csv, devices.csv and families.csv. Device rows with an empty
// element column attach to the lattice itself.
func LoadDir(dir, mode string) (*Static, error) {
	modeDir := filepath.Join(dir, mode)

	elemRows, err := readTable(filepath.Join(modeDir, "elements.csv"),
		[]string{"index", "name", "type", "length", "cell"})
	if err != nil {
		return nil, err
	}
	devRows, err := readTable(filepath.Join(modeDir, "devices.csv"),
		[]string{"element", "field", "device", "rb_pv", "sp_pv", "value"})
	if err != nil {
		return nil, err
	}
	famRows, err := readTable(filepath.Join(modeDir, "families.csv"),
		[]string{"family", "element"})
	if err != nil {
		return nil, err
	}

	devices := make(map[string][]DeviceSpec)
	var latDevices []DeviceSpec
	for _, row := range devRows {
		value, err := strconv.ParseFloat(row["value"], 64)
		if err != nil {
			return nil, fmt.Errorf("devices.csv: bad value for %s.%s: %w", row["element"], row["field"], err)
		}
		d := DeviceSpec{
			Field:      row["field"],
			Device:     row["device"],
			ReadbackPV: row["rb_pv"],
			SetpointPV: row["sp_pv"],
			Value:      value,
		}
		if row["element"] == "" {
			latDevices = append(latDevices, d)
		} else {
			devices[row["element"]] = append(devices[row["element"]], d)
		}
	}

	families := make(map[string][]string)
	for _, row := range famRows {
		families[row["element"]] = append(families[row["element"]], row["family"])
	}

	symmetry := 0
	lat := NewStatic(mode, symmetry)
	for i, row := range elemRows {
		// Indices are assigned from row order; the index column must agree so
		// the tables cannot silently describe a reordered ring.
		idx, err := strconv.Atoi(row["index"])
		if err != nil {
			return nil, fmt.Errorf("elements.csv: bad index for %s: %w", row["name"], err)
		}
		if idx != i+1 {
			return nil, fmt.Errorf("elements.csv: element %s has index %d, want %d from row order", row["name"], idx, i+1)
		}
		length, err := strconv.ParseFloat(row["length"], 64)
		if err != nil {
			return nil, fmt.Errorf("elements.csv: bad length for %s: %w", row["name"], err)
		}
		cell, err := strconv.Atoi(row["cell"])
		if err != nil {
			return nil, fmt.Errorf("elements.csv: bad cell for %s: %w", row["name"], err)
		}
		if cell > lat.symmetry {
			lat.symmetry = cell
		}
		spec := ElementSpec{
			Name:     row["name"],
			Type:     row["type"],
			Length:   length,
			Cell:     cell,
			Families: families[row["name"]],
			Devices:  devices[row["name"]],
		}
		if err := lat.AddElement(spec); err != nil {
			return nil, err
		}
	}
	for _, d := range latDevices {
		if err := lat.AddLatticeField(d); err != nil {
			return nil, err
		}
	}
	return lat, nil
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
