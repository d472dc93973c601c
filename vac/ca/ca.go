// Package ca defines the contracts through which the virtual accelerator
// talks to the control system.
//
// Two collaborators are specified here and supplied externally:
//   - Builder: the IOC toolkit side, which creates the records this process
//     serves to the control-system network.
//   - Client: the channel-access client side, used to read, write and monitor
//     PVs owned by other IOCs (or by this one, in-process).
//
// The in-memory implementation in ca/memca satisfies both and backs the tests
// and the bundled serve/generate commands. A real channel-access or PV-access
// binding implements the same two interfaces out of tree.
package ca

import "fmt"

// WriteFunc is invoked when a client writes to an output record. Scalar
// records deliver a single-element slice; waveform records deliver the full
// array.
type WriteFunc func(value []float64)

// MonitorFunc is invoked on every value change of a monitored PV.
type MonitorFunc func(value []float64)

// Subscription is a live monitor that can be cancelled.
type Subscription interface {
	Close()
}

// EnumState pairs an enum value with its display label (mbbi records).
type EnumState struct {
	Value int
	Label string
}

// RecordOptions carries the record fields configured at creation time.
// Pointer fields are left unset when the facility data has no value for them.
type RecordOptions struct {
	Precision *int
	Upper     *float64 // display limit HOPR
	Lower     *float64 // display limit LOPR
	DriveHigh *float64 // drive limit DRVH, clamps writes
	DriveLow  *float64 // drive limit DRVL, clamps writes

	Scan         string // "I/O Intr", "Passive", "1 second", ...
	PINI         bool   // process once on initialisation
	AlwaysUpdate bool   // fire the write callback even when the value is unchanged

	InitialValue float64
	InitialWave  []float64
	States       []EnumState
}

// Record is a handle on one served record.
//
// Get/Set address scalar records, GetWave/SetWave waveform records; the
// off-kind accessors operate on element zero or a single-element slice so
// callers that treat values uniformly do not need to branch.
type Record interface {
	Name() string

	// Get returns the stored value.
	Get() float64
	GetWave() []float64

	// Set stores a value from the IOC side and notifies monitors. It does not
	// run the record's write callback; that path belongs to client writes and
	// Process.
	Set(value float64)
	SetWave(value []float64)

	// Process re-runs the record's write callback with the stored value, as a
	// write to the PROC field would.
	Process() error
}

// Builder creates the records served by this IOC.
type Builder interface {
	AIn(name string, opts RecordOptions) (Record, error)
	AOut(name string, onWrite WriteFunc, opts RecordOptions) (Record, error)
	WaveformIn(name string, opts RecordOptions) (Record, error)
	WaveformOut(name string, onWrite WriteFunc, opts RecordOptions) (Record, error)
	MBBIn(name string, opts RecordOptions) (Record, error)
}

// Meta is the control metadata attached to a live PV, as fetched for the
// regeneration tool.
type Meta struct {
	UpperCtrlLimit float64
	LowerCtrlLimit float64
	Precision      int
	UpperDispLimit float64
	LowerDispLimit float64
}

// Client reads, writes and monitors PVs over channel access.
type Client interface {
	Get(name string) (float64, error)
	GetWave(name string) ([]float64, error)
	// GetString returns the value rendered as a string; enum records return
	// their state label.
	GetString(name string) (string, error)
	GetMeta(name string) (Meta, error)
	Put(name string, value float64) error
	Monitor(name string, fn MonitorFunc) (Subscription, error)
}

// ErrNotFound reports a PV name with no record behind it.
type ErrNotFound struct {
	Name string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("ca: no such PV %q", e.Name)
}
