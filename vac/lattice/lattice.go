// Package lattice holds the facility side of the accelerator abstraction: the
// contract the PV layer programs against, a CSV-backed lattice built from the
// per-mode data tables, and the recalculation engine boundary behind which the
// physics code sits.
//
// All values crossing this boundary are engineering units read from or written
// to the simulated data source; unit conversion and live-machine access belong
// to the external frameworks.
package lattice

import "errors"

// Handle selects between the two PVs a field may expose.
type Handle string

const (
	// Readback is the read-only PV reflecting the applied value.
	Readback Handle = "readback"
	// Setpoint is the writable PV driving the field.
	Setpoint Handle = "setpoint"
)

var (
	// ErrUnknownField reports a field name the item does not carry.
	ErrUnknownField = errors.New("lattice: unknown field")
	// ErrNoPV reports a field with no PV for the requested handle, e.g. a
	// read-only field asked for its setpoint.
	ErrNoPV = errors.New("lattice: no PV for handle")
	// ErrNoElement reports an element index outside the ring.
	ErrNoElement = errors.New("lattice: no such element")
)

// Item is anything with gettable and settable fields: an element, or the
// lattice itself for ring-wide fields such as the tunes.
type Item interface {
	// GetValue returns the simulated value of field in engineering units.
	GetValue(field string) (float64, error)
	// SetValue writes a setpoint to the simulation in engineering units.
	// Derived readings refresh once the next recalculation completes.
	SetValue(field string, value float64) error
}

// Element is one entry of the ring.
type Element interface {
	Item
	// Index is the 1-based position in the ring.
	Index() int
	Name() string
	// Type is the element class, e.g. "BPM", "QUADRUPOLE", "RFCAVITY".
	Type() string
	Families() []string
	// Fields lists the simulated fields in a stable order.
	Fields() []string
	// PVName returns the control-system name for field under the handle.
	PVName(field string, h Handle) (string, error)
	// DeviceName returns the hardware device stem for field, used to derive
	// auxiliary PV names (":OFFSET1", ":ERCSUM", ...).
	DeviceName(field string) (string, error)
}

// Lattice is the ordered ring plus its ring-wide fields.
type Lattice interface {
	Item
	Mode() string
	Symmetry() int
	Fields() []string
	PVName(field string, h Handle) (string, error)
	Elements() []Element
	// Element returns the element at the 1-based index.
	Element(index int) (Element, error)
	ElementsByFamily(family string) []Element
	// ElementPVNames collects the PV names for field across a family, in ring
	// order.
	ElementPVNames(family, field string, h Handle) ([]string, error)
}
