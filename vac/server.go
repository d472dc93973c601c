package vac

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virtac-project/virtac/vac/ca"
	"github.com/virtac-project/virtac/vac/lattice"
)

// ServerConfig selects the data tables and simulation toggles for one server
// instance. Empty CSV paths skip the corresponding record family.
type ServerConfig struct {
	Mode string

	LimitsCSV    string
	AlignmentCSV string // beam-based-alignment records
	FeedbackCSV  string
	MirrorCSV    string
	TuneCSV      string

	Linopt              string
	DisableEmittance    bool
	DisableChromaticity bool
	DisableRadiation    bool
	DisableTuneFeedback bool
}

// Server builds and owns the PV interface to the virtual accelerator: one
// record per simulated field plus the auxiliary record families loaded from
// the data tables. It lets the simulated machine be addressed over channel
// access in the same manner as the live one.
type Server struct {
	cfg     ServerConfig
	lat     lattice.Lattice
	builder ca.Builder
	client  ca.Client

	// pvs holds every PV by record name; readbacks is the subset refreshed
	// from the simulation after each recalculation, i.e. the readback PVs
	// with no setpoint partner.
	pvs       map[string]PV
	readbacks map[string]*ReadbackPV

	mu         sync.Mutex
	monitoring bool
}

// NewServer creates all PVs for the configured mode. The builder receives
// the records; the client backs the monitor-driven PV kinds.
func NewServer(cfg ServerConfig, lat lattice.Lattice, builder ca.Builder, client ca.Client) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		lat:        lat,
		builder:    builder,
		client:     client,
		pvs:        make(map[string]PV),
		readbacks:  make(map[string]*ReadbackPV),
		monitoring: true,
	}

	logrus.Info("starting PV creation")
	limits, err := s.loadLimits()
	if err != nil {
		return nil, err
	}
	if err := s.createElementPVs(limits); err != nil {
		return nil, err
	}
	if err := s.createLatticePVs(limits); err != nil {
		return nil, err
	}
	if cfg.AlignmentCSV != "" {
		if err := s.createRecordRows(cfg.AlignmentCSV); err != nil {
			return nil, err
		}
	}
	if cfg.FeedbackCSV != "" {
		if err := s.createFeedbackRecords(cfg.FeedbackCSV); err != nil {
			return nil, err
		}
	}
	if cfg.MirrorCSV != "" {
		if err := s.createMirrorRecords(cfg.MirrorCSV); err != nil {
			return nil, err
		}
	}
	if cfg.TuneCSV != "" && !cfg.DisableTuneFeedback {
		if err := s.setupTuneFeedback(cfg.TuneCSV); err != nil {
			return nil, err
		}
	}
	s.LogStats()
	return s, nil
}

// Lattice returns the lattice the server was built over.
func (s *Server) Lattice() lattice.Lattice { return s.lat }

// PV looks up a PV by record name.
func (s *Server) PV(name string) (PV, bool) {
	pv, ok := s.pvs[name]
	return pv, ok
}

func (s *Server) loadLimits() (map[string]LimitsRow, error) {
	if s.cfg.LimitsCSV == "" {
		return map[string]LimitsRow{}, nil
	}
	limits, err := LoadLimits(s.cfg.LimitsCSV)
	if errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("could not find limits file at %s, limits data will not be used", s.cfg.LimitsCSV)
		return map[string]LimitsRow{}, nil
	}
	if err != nil {
		return nil, err
	}
	return limits, nil
}

// specWithLimits builds a RecordSpec from the limits table entry for name,
// falling back to defaultScan when the table has no row.
func specWithLimits(t RecordType, limits map[string]LimitsRow, name, defaultScan string) (RecordSpec, error) {
	spec := NewRecordSpec(t)
	spec.Scan = defaultScan
	row, ok := limits[name]
	if !ok {
		return spec, nil
	}
	var err error
	if spec.Upper, err = floatPtr(row.Upper); err != nil {
		return spec, fmt.Errorf("limits for %s: bad upper %q", name, row.Upper)
	}
	if spec.Lower, err = floatPtr(row.Lower); err != nil {
		return spec, fmt.Errorf("limits for %s: bad lower %q", name, row.Lower)
	}
	if spec.Precision, err = intPtr(row.Precision); err != nil {
		return spec, fmt.Errorf("limits for %s: bad precision %q", name, row.Precision)
	}
	if spec.DriveHigh, err = floatPtr(row.DriveHigh); err != nil {
		return spec, fmt.Errorf("limits for %s: bad drive_high %q", name, row.DriveHigh)
	}
	if spec.DriveLow, err = floatPtr(row.DriveLow); err != nil {
		return spec, fmt.Errorf("limits for %s: bad drive_low %q", name, row.DriveLow)
	}
	if row.Scan != "" {
		spec.Scan = row.Scan
	}
	return spec, nil
}

// createElementPVs creates a readback PV for every simulated field of every
// element, and a setpoint PV for the fields that have one. The RF cavities
// are the exception to one-PV-per-field: they all drive their frequency from
// a single shared setpoint, the master oscillator.
func (s *Server) createElementPVs(limits map[string]LimitsRow) error {
	var rfSetpoint *SetpointPV
	for _, element := range s.lat.Elements() {
		if strings.EqualFold(element.Type(), lattice.TypeRFCavity) && rfSetpoint != nil {
			rfSetpoint.AppendItem(element)
			continue
		}
		for _, field := range element.Fields() {
			value, err := element.GetValue(field)
			if err != nil {
				return err
			}
			rbName, err := element.PVName(field, lattice.Readback)
			if err != nil {
				// Fields without a readback PV are internal to the simulation.
				continue
			}
			if _, ok := s.pvs[rbName]; ok {
				logrus.Warnf("PV %s already exists, skipping duplicate", rbName)
				continue
			}

			rbSpec, err := specWithLimits(AI, limits, rbName, "I/O Intr")
			if err != nil {
				return err
			}
			rbSpec.InitialValue = value
			readback, err := NewReadbackPV(s.builder, rbName, rbSpec, []lattice.Item{element}, field)
			if err != nil {
				return err
			}
			s.pvs[rbName] = readback

			// Readbacks without a setpoint partner refresh from the
			// simulation after recalculation; the others follow their
			// setpoint directly.
			spName, err := element.PVName(field, lattice.Setpoint)
			if errors.Is(err, lattice.ErrNoPV) {
				s.readbacks[rbName] = readback
				continue
			} else if err != nil {
				return err
			}

			spSpec, err := specWithLimits(AO, limits, spName, "Passive")
			if err != nil {
				return err
			}
			spSpec.InitialValue = value
			spSpec.AlwaysUpdate = true
			setpoint, err := NewSetpointPV(s.builder, spName, spSpec, readback, []lattice.Item{element}, field)
			if err != nil {
				return err
			}
			s.pvs[spName] = setpoint

			if strings.EqualFold(element.Type(), lattice.TypeRFCavity) {
				rfSetpoint = setpoint
			}
		}
	}
	return nil
}

// createLatticePVs creates a readback PV for every ring-wide field. They all
// refresh from the simulation; fields without a PV name have no record.
func (s *Server) createLatticePVs(limits map[string]LimitsRow) error {
	for _, field := range s.lat.Fields() {
		if s.cfg.DisableEmittance && (field == lattice.FieldEmittanceX || field == lattice.FieldEmittanceY) {
			continue
		}
		rbName, err := s.lat.PVName(field, lattice.Readback)
		if errors.Is(err, lattice.ErrNoPV) {
			continue
		} else if err != nil {
			return err
		}
		value, err := s.lat.GetValue(field)
		if err != nil {
			return err
		}
		spec, err := specWithLimits(AI, limits, rbName, "I/O Intr")
		if err != nil {
			return err
		}
		spec.InitialValue = value
		readback, err := NewReadbackPV(s.builder, rbName, spec, []lattice.Item{s.lat}, field)
		if err != nil {
			return err
		}
		s.pvs[rbName] = readback
		s.readbacks[rbName] = readback
	}
	return nil
}

// createRecordRows creates standalone records from a feedback- or
// alignment-style table. Limits and precision are not set; these records are
// not intended to be driven by users.
func (s *Server) createRecordRows(path string) error {
	rows, err := LoadRecordRows(path)
	if err != nil {
		return err
	}
	for _, row := range rows {
		scalar, wave, isWave, err := ParseInitialValue(row.Value)
		if err != nil {
			return fmt.Errorf("%s: invalid initial value for %s record %s: %w", path, row.RecordType, row.PV, err)
		}
		spec := NewRecordSpec(row.RecordType)
		if isWave {
			spec.InitialWave = wave
		} else {
			spec.InitialValue = scalar
		}

		var item lattice.Item = s.lat
		if row.Index > 0 {
			element, err := s.lat.Element(row.Index)
			if err != nil {
				return fmt.Errorf("%s: record %s: %w", path, row.PV, err)
			}
			item = element
		}
		pv, err := NewReadbackPV(s.builder, row.PV, spec, []lattice.Item{item}, row.Field)
		if err != nil {
			return err
		}
		s.pvs[row.PV] = pv
	}
	return nil
}

// createFeedbackRecords creates the feedback records plus the emittance
// measurement status record, which reports one hard-coded healthy state.
func (s *Server) createFeedbackRecords(path string) error {
	if err := s.createRecordRows(path); err != nil {
		return err
	}
	if s.cfg.DisableEmittance {
		return nil
	}
	name := "SR-DI-EMIT-01:STATUS"
	spec := NewRecordSpec(MBBI)
	spec.States = []ca.EnumState{{Value: 0, Label: "Successful"}}
	pv, err := NewBasicPV(s.builder, name, spec)
	if err != nil {
		return err
	}
	s.pvs[name] = pv
	return nil
}

// createMirrorRecords creates the mirror record family: records fed by
// monitors on other PVs rather than by the simulation.
func (s *Server) createMirrorRecords(path string) error {
	rows, err := LoadMirrorRows(path)
	if err != nil {
		return err
	}
	for _, row := range rows {
		inputs := make([]PV, 0, len(row.InPVs))
		for _, name := range row.InPVs {
			input, ok := s.pvs[name]
			if !ok {
				logrus.Errorf("PV %s does not exist within the virtual accelerator", name)
				continue
			}
			inputs = append(inputs, input)
		}

		scalar, wave, isWave, err := ParseInitialValue(row.Value)
		if err != nil {
			return fmt.Errorf("%s: invalid initial value for %s record %s: %w", path, row.OutputType, row.OutPV, err)
		}
		spec := NewRecordSpec(row.OutputType)
		spec.Scan = row.Scan
		if isWave {
			spec.InitialWave = wave
		} else {
			spec.InitialValue = scalar
		}

		var pv PV
		switch row.MirrorType {
		case MirrorBasic:
			pv, err = NewMirrorPV(s.builder, s.client, row.OutPV, spec, row.InPVs[0])
		case MirrorInverse:
			pv, err = NewInversionPV(s.builder, s.client, row.OutPV, spec, inputs)
		case MirrorSummate:
			pv, err = NewSummationPV(s.builder, s.client, row.OutPV, spec, inputs)
		case MirrorCollate:
			pv, err = NewCollationPV(s.builder, s.client, row.OutPV, spec, inputs)
		}
		if err != nil {
			return err
		}
		s.pvs[row.OutPV] = pv
	}
	return nil
}

// setupTuneFeedback rebuilds the offset PVs named in the tune table as
// refresh PVs: each monitors its delta PV in the tune feedback IOC and, on
// change, stores the delta and forces the quadrupole setpoint to reprocess
// with the new offset. This sits on the receiving end of the live tune
// feedback system; it does not perform tune feedback itself.
func (s *Server) setupTuneFeedback(path string) error {
	rows, err := LoadTuneRows(path)
	if err != nil {
		return err
	}
	for _, row := range rows {
		setpoint, ok := s.pvs[row.SetPV].(*SetpointPV)
		if !ok {
			return fmt.Errorf("tune feedback set PV %s is not a setpoint PV", row.SetPV)
		}
		replaced, ok := s.pvs[row.OffsetPV]
		if !ok {
			return fmt.Errorf("tune feedback offset PV %s does not exist", row.OffsetPV)
		}
		refresh, err := NewRefreshPV(s.client, row.OffsetPV, row.DeltaPV, setpoint, replaced)
		if err != nil {
			return err
		}
		setpoint.AttachOffsetRecord(refresh)
		s.pvs[row.OffsetPV] = refresh
	}
	return nil
}

// UpdatePVs refreshes every readback PV without a setpoint partner from the
// simulation. It is the callback handed to the recalculation engine.
func (s *Server) UpdatePVs() {
	logrus.Info("updating output PVs")
	start := time.Now()
	for _, pv := range s.readbacks {
		if err := pv.UpdateFromSim(); err != nil {
			logrus.Errorf("updating %s: %v", pv.Name(), err)
		}
	}
	measureUpdate(time.Since(start))
	logrus.Debug("finished updating output PVs")
}

// EnableMonitoring re-enables monitoring for all monitor-driven PVs,
// restoring tune feedback and the mirror records.
func (s *Server) EnableMonitoring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitoring {
		logrus.Warn("PV monitoring is already enabled, nothing to do")
		return
	}
	logrus.Info("enabling PV monitoring")
	for _, pv := range s.pvs {
		if m, ok := pv.(Monitorable); ok {
			if err := m.EnableMonitoring(); err != nil {
				logrus.Errorf("enabling monitoring: %v", err)
			}
		}
	}
	s.monitoring = true
}

// DisableMonitoring closes the subscriptions of all monitor-driven PVs,
// pausing tune feedback and the mirror records.
func (s *Server) DisableMonitoring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.monitoring {
		logrus.Warn("PV monitoring is already disabled, nothing to do")
		return
	}
	logrus.Info("disabling PV monitoring")
	for _, pv := range s.pvs {
		if m, ok := pv.(Monitorable); ok {
			m.DisableMonitoring()
		}
	}
	s.monitoring = false
}

// Stats summarises the server's PV population and toggles.
type Stats struct {
	Mode              string
	TotalPVs          int
	KindCounts        map[string]int
	SimulationUpdated int
	Monitoring        bool
	TuneFeedback      bool
	Emittance         bool
	Chromaticity      bool
	Radiation         bool
	Linopt            string
}

// Stats returns the current summary.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	monitoring := s.monitoring
	s.mu.Unlock()
	counts := make(map[string]int)
	for _, pv := range s.pvs {
		counts[strings.TrimPrefix(fmt.Sprintf("%T", pv), "*vac.")]++
	}
	return Stats{
		Mode:              s.cfg.Mode,
		TotalPVs:          len(s.pvs),
		KindCounts:        counts,
		SimulationUpdated: len(s.readbacks),
		Monitoring:        monitoring,
		TuneFeedback:      !s.cfg.DisableTuneFeedback,
		Emittance:         !s.cfg.DisableEmittance,
		Chromaticity:      !s.cfg.DisableChromaticity,
		Radiation:         !s.cfg.DisableRadiation,
		Linopt:            s.cfg.Linopt,
	}
}

// LogStats logs the summary at info level.
func (s *Server) LogStats() {
	st := s.Stats()
	logrus.Infof("virtual accelerator stats for mode %s:", st.Mode)
	logrus.Infof("  linear optics function is %s", st.Linopt)
	logrus.Infof("  tune feedback is %s", onOff(st.TuneFeedback))
	logrus.Infof("  emittance calculations are %s", onOff(st.Emittance))
	logrus.Infof("  chromaticity calculations are %s", onOff(st.Chromaticity))
	logrus.Infof("  radiation calculations are %s", onOff(st.Radiation))
	logrus.Infof("  PV monitoring is %s", onOff(st.Monitoring))
	logrus.Infof("  total PVs: %d", st.TotalPVs)
	for kind, count := range st.KindCounts {
		logrus.Infof("    %s: %d", kind, count)
	}
	logrus.Infof("  PVs to update after recalculation: %d", st.SimulationUpdated)
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
