package vac

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/virtac-project/virtac/vac/ca"
)

// RecordType names the supported record kinds, matching the record_type
// column of the data tables.
type RecordType string

const (
	AI          RecordType = "ai"
	AO          RecordType = "ao"
	WaveformOut RecordType = "wfmo"
	WaveformIn  RecordType = "wfmi"
	MBBI        RecordType = "mbbi"
)

// recordTypes lists the accepted values for error messages.
var recordTypes = []RecordType{AI, AO, WaveformOut, WaveformIn, MBBI}

// ParseRecordType validates a record_type cell. The legacy "wfm" spelling
// found in older tables maps to an input waveform.
func ParseRecordType(s string) (RecordType, error) {
	if s == "wfm" {
		return WaveformIn, nil
	}
	for _, rt := range recordTypes {
		if s == string(rt) {
			return rt, nil
		}
	}
	return "", fmt.Errorf("record type %q not supported, use one of %v", s, recordTypes)
}

// RecordSpec holds everything needed to create one record.
type RecordSpec struct {
	Type RecordType

	Upper     *float64
	Lower     *float64
	Precision *int
	DriveHigh *float64
	DriveLow  *float64
	States    []ca.EnumState

	Scan         string // defaults to "I/O Intr"
	PINI         bool
	AlwaysUpdate bool

	InitialValue float64
	InitialWave  []float64
}

// NewRecordSpec returns a RecordSpec with the standing defaults: interrupt
// scanning and processing on initialisation.
func NewRecordSpec(t RecordType) RecordSpec {
	return RecordSpec{Type: t, Scan: "I/O Intr", PINI: true}
}

func (s RecordSpec) options() ca.RecordOptions {
	return ca.RecordOptions{
		Precision:    s.Precision,
		Upper:        s.Upper,
		Lower:        s.Lower,
		DriveHigh:    s.DriveHigh,
		DriveLow:     s.DriveLow,
		Scan:         s.Scan,
		PINI:         s.PINI,
		AlwaysUpdate: s.AlwaysUpdate,
		InitialValue: s.InitialValue,
		InitialWave:  s.InitialWave,
		States:       s.States,
	}
}

// createRecord dispatches a RecordSpec onto the IOC builder. onWrite is only
// meaningful for the output kinds and must be nil otherwise.
func createRecord(b ca.Builder, name string, spec RecordSpec, onWrite ca.WriteFunc) (ca.Record, error) {
	logrus.Debugf("creating record %s (%s)", name, spec.Type)
	switch spec.Type {
	case AI:
		return b.AIn(name, spec.options())
	case AO:
		return b.AOut(name, onWrite, spec.options())
	case WaveformIn:
		return b.WaveformIn(name, spec.options())
	case WaveformOut:
		return b.WaveformOut(name, onWrite, spec.options())
	case MBBI:
		return b.MBBIn(name, spec.options())
	}
	return nil, fmt.Errorf("record type %q not supported, use one of %v", spec.Type, recordTypes)
}
