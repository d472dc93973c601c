// PV wrappers linking the served records to the lattice abstraction. Each
// kind owns one record and knows how to keep it, the simulation and any
// monitored peers consistent.

package vac

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/virtac-project/virtac/vac/ca"
	"github.com/virtac-project/virtac/vac/lattice"
)

// PV is the common handle the server keeps for every record it owns.
type PV interface {
	Name() string
	Record() ca.Record
	Get() float64
	Set(value float64)
}

// Monitorable is implemented by the PV kinds driven by channel-access
// monitors; the server toggles them as a group.
type Monitorable interface {
	EnableMonitoring() error
	DisableMonitoring()
}

type basePV struct {
	name string
	rec  ca.Record
}

func (p *basePV) Name() string      { return p.name }
func (p *basePV) Record() ca.Record { return p.rec }
func (p *basePV) Get() float64      { return p.rec.Get() }

func (p *basePV) Set(value float64) {
	logrus.Debugf("PV %s set to %v", p.name, value)
	p.rec.Set(value)
}

// BasicPV is a bare record with no lattice or monitor wiring, e.g. the
// emittance measurement status record.
type BasicPV struct {
	basePV
}

// NewBasicPV creates the record for name and wraps it.
func NewBasicPV(b ca.Builder, name string, spec RecordSpec) (*BasicPV, error) {
	rec, err := createRecord(b, name, spec, nil)
	if err != nil {
		return nil, err
	}
	return &BasicPV{basePV{name: name, rec: rec}}, nil
}

// ReadbackPV reads a value from the simulation and publishes it on its
// record.
type ReadbackPV struct {
	basePV
	items []lattice.Item
	field string
}

// NewReadbackPV creates a readback record bound to the given lattice items
// and field. Only the first item is read; extra items exist for PVs shared
// across elements.
func NewReadbackPV(b ca.Builder, name string, spec RecordSpec, items []lattice.Item, field string) (*ReadbackPV, error) {
	rec, err := createRecord(b, name, spec, nil)
	if err != nil {
		return nil, err
	}
	return &ReadbackPV{basePV: basePV{name: name, rec: rec}, items: items, field: field}, nil
}

// AppendItem binds an additional lattice item to this PV.
func (p *ReadbackPV) AppendItem(item lattice.Item) {
	p.items = append(p.items, item)
}

// UpdateFromSim refreshes the record from the simulation.
func (p *ReadbackPV) UpdateFromSim() error {
	logrus.Debugf("updating PV %s from simulation", p.name)
	value, err := p.items[0].GetValue(p.field)
	if err != nil {
		return fmt.Errorf("PV %s is missing an expected lattice field: %w", p.name, err)
	}
	p.Set(value)
	return nil
}

// SetpointPV drives the simulation from client writes. Every setpoint has an
// associated readback PV; hardware ramping is not simulated, the readback
// simply follows the applied value. An optional offset PV contributes an
// additive term to the value applied to the lattice.
type SetpointPV struct {
	basePV
	readback *ReadbackPV
	items    []lattice.Item
	field    string

	mu     sync.Mutex
	offset PV
}

// NewSetpointPV creates the output record and registers the write callback.
func NewSetpointPV(b ca.Builder, name string, spec RecordSpec, readback *ReadbackPV, items []lattice.Item, field string) (*SetpointPV, error) {
	p := &SetpointPV{
		readback: readback,
		items:    items,
		field:    field,
	}
	rec, err := createRecord(b, name, spec, p.onWrite)
	if err != nil {
		return nil, err
	}
	p.basePV = basePV{name: name, rec: rec}
	return p, nil
}

// AppendItem binds an additional lattice item, updated from the same record.
// Used for the RF cavities, which all share one frequency PV.
func (p *SetpointPV) AppendItem(item lattice.Item) {
	p.items = append(p.items, item)
}

// AttachOffsetRecord installs an offset PV after construction, for offsets
// created later in the startup sequence.
func (p *SetpointPV) AttachOffsetRecord(offset PV) {
	logrus.Debugf("attaching offset record %s to PV %s", offset.Name(), p.name)
	p.mu.Lock()
	p.offset = offset
	p.mu.Unlock()
}

func (p *SetpointPV) onWrite(value []float64) {
	if len(value) == 0 {
		return
	}
	p.Apply(value[0])
}

// Apply pushes value (plus any offset) into the lattice items and reflects
// the applied value on the readback PV.
func (p *SetpointPV) Apply(value float64) {
	logrus.Debugf("PV %s changed to %v", p.name, value)
	p.mu.Lock()
	offset := p.offset
	p.mu.Unlock()
	if offset != nil {
		value += offset.Get()
		logrus.Debugf("PV %s applying offset, new value %v", p.name, value)
	}
	for _, item := range p.items {
		if err := item.SetValue(p.field, value); err != nil {
			countWriteFailure(p.name)
			logrus.Errorf("PV %s failed to set field %s: %v", p.name, p.field, err)
		}
	}
	// The readback takes the applied value directly rather than waiting for a
	// recalculation; faster and identical since ramping is not simulated.
	p.readback.Set(value)
}

// monitorCore owns the channel-access subscriptions shared by the mirror PV
// kinds. fn receives the new value and the index of the input that produced
// it.
type monitorCore struct {
	name   string
	client ca.Client
	inputs []string
	fn     func(value []float64, index int)

	mu   sync.Mutex
	subs []ca.Subscription
}

// EnableMonitoring creates one subscription per input.
func (m *monitorCore) EnableMonitoring() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs) > 0 {
		logrus.Warnf("PV %s is already monitoring, not creating duplicate subscriptions", m.name)
		return nil
	}
	logrus.Debugf("enabling monitoring for PV %s", m.name)
	for i, input := range m.inputs {
		index := i
		sub, err := m.client.Monitor(input, func(value []float64) {
			countMonitorCallback(m.name)
			m.fn(value, index)
		})
		if err != nil {
			return fmt.Errorf("PV %s monitoring %s: %w", m.name, input, err)
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

// DisableMonitoring closes all subscriptions.
func (m *monitorCore) DisableMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	logrus.Debugf("disabling monitoring for PV %s", m.name)
	for _, sub := range m.subs {
		sub.Close()
	}
	m.subs = nil
}

// MirrorPV copies a single monitored PV onto its own record.
type MirrorPV struct {
	basePV
	monitorCore
	waveform bool
}

// NewMirrorPV creates the output record and starts monitoring input.
func NewMirrorPV(b ca.Builder, c ca.Client, name string, spec RecordSpec, input string) (*MirrorPV, error) {
	rec, err := createRecord(b, name, spec, nil)
	if err != nil {
		return nil, err
	}
	p := &MirrorPV{
		basePV:   basePV{name: name, rec: rec},
		waveform: spec.Type == WaveformIn || spec.Type == WaveformOut,
	}
	p.monitorCore = monitorCore{name: name, client: c, inputs: []string{input}, fn: p.callback}
	return p, p.EnableMonitoring()
}

func (p *MirrorPV) callback(value []float64, _ int) {
	if p.waveform {
		p.rec.SetWave(value)
	} else if len(value) > 0 {
		p.Set(value[0])
	}
}

// InversionPV inverts booleans from its input PVs into its own waveform
// record: a single waveform input is inverted wholesale, a list of scalar
// inputs is inverted per index.
type InversionPV struct {
	basePV
	monitorCore
}

// NewInversionPV creates the record and starts monitoring the input PVs.
func NewInversionPV(b ca.Builder, c ca.Client, name string, spec RecordSpec, inputs []PV) (*InversionPV, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("inversion PV %s was not provided with any PVs to invert", name)
	}
	rec, err := createRecord(b, name, spec, nil)
	if err != nil {
		return nil, err
	}
	p := &InversionPV{basePV: basePV{name: name, rec: rec}}
	p.monitorCore = monitorCore{name: name, client: c, inputs: pvNames(inputs), fn: p.callback}
	return p, p.EnableMonitoring()
}

func (p *InversionPV) callback(value []float64, index int) {
	if len(p.inputs) == 1 {
		inverted := make([]float64, len(value))
		for i, v := range value {
			inverted[i] = invertBool(v)
		}
		p.rec.SetWave(inverted)
		return
	}
	wave := p.waveOfLen(len(p.inputs))
	if len(value) > 0 {
		wave[index] = invertBool(value[0])
	}
	p.rec.SetWave(wave)
	logrus.Debugf("inversion PV %s new data: %v", p.basePV.name, wave)
}

func invertBool(v float64) float64 {
	if v != 0 {
		return 0
	}
	return 1
}

func (p *basePV) waveOfLen(n int) []float64 {
	wave := p.rec.GetWave()
	if len(wave) < n {
		wave = append(wave, make([]float64, n-len(wave))...)
	}
	return wave
}

// SummationPV sums the values of its input PVs into its own record.
type SummationPV struct {
	basePV
	monitorCore
	sumInputs []PV
}

// NewSummationPV creates the record and starts monitoring the input PVs.
func NewSummationPV(b ca.Builder, c ca.Client, name string, spec RecordSpec, inputs []PV) (*SummationPV, error) {
	rec, err := createRecord(b, name, spec, nil)
	if err != nil {
		return nil, err
	}
	p := &SummationPV{basePV: basePV{name: name, rec: rec}, sumInputs: inputs}
	p.monitorCore = monitorCore{name: name, client: c, inputs: pvNames(inputs), fn: p.callback}
	return p, p.EnableMonitoring()
}

func (p *SummationPV) callback(_ []float64, _ int) {
	values := make([]float64, len(p.sumInputs))
	for i, in := range p.sumInputs {
		values[i] = in.Get()
	}
	sum := floats.Sum(values)
	p.rec.Set(sum)
	logrus.Debugf("summation PV %s new value: %v", p.basePV.name, sum)
}

// CollationPV collects the values of its input PVs into one waveform record,
// updating the element matching the input that changed.
type CollationPV struct {
	basePV
	monitorCore
}

// NewCollationPV creates the record and starts monitoring the input PVs.
func NewCollationPV(b ca.Builder, c ca.Client, name string, spec RecordSpec, inputs []PV) (*CollationPV, error) {
	rec, err := createRecord(b, name, spec, nil)
	if err != nil {
		return nil, err
	}
	p := &CollationPV{basePV: basePV{name: name, rec: rec}}
	p.monitorCore = monitorCore{name: name, client: c, inputs: pvNames(inputs), fn: p.callback}
	return p, p.EnableMonitoring()
}

func (p *CollationPV) callback(value []float64, index int) {
	wave := p.waveOfLen(len(p.inputs))
	if len(value) > 0 {
		wave[index] = value[0]
	}
	p.rec.SetWave(wave)
}

// RefreshPV monitors an externally owned delta PV, stores its value and
// forces a third record to process. It adopts the record of the PV it
// replaces and serves as the offset source for that setpoint: the tune
// feedback path.
type RefreshPV struct {
	basePV
	monitorCore
	refresh ca.Record
}

// NewRefreshPV builds a RefreshPV over the record adopted from replaced,
// monitoring deltaPV and processing refresh's record on every change.
func NewRefreshPV(c ca.Client, name, deltaPV string, refresh *SetpointPV, replaced PV) (*RefreshPV, error) {
	p := &RefreshPV{
		basePV:  basePV{name: name, rec: replaced.Record()},
		refresh: refresh.Record(),
	}
	p.monitorCore = monitorCore{name: name, client: c, inputs: []string{deltaPV}, fn: p.callback}
	return p, p.EnableMonitoring()
}

func (p *RefreshPV) callback(value []float64, _ int) {
	if len(value) == 0 {
		return
	}
	logrus.Debugf("refresh PV %s storing %v and processing %s", p.basePV.name, value[0], p.refresh.Name())
	p.rec.Set(value[0])
	if err := p.refresh.Process(); err != nil {
		logrus.Errorf("refresh PV %s: %v", p.basePV.name, err)
	}
}

func pvNames(pvs []PV) []string {
	names := make([]string, len(pvs))
	for i, p := range pvs {
		names[i] = p.Name()
	}
	return names
}
