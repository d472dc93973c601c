package vac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtac-project/virtac/vac/ca"
	"github.com/virtac-project/virtac/vac/ca/memca"
	"github.com/virtac-project/virtac/vac/lattice"
)

// newServerRing builds a minimal ring exercising every record family: two
// BPMs, a corrector, a tune quadrupole and the RF straight with its harmonic
// cavity.
func newServerRing(t *testing.T) *lattice.Static {
	t.Helper()
	lat := lattice.NewStatic("TEST", 1)
	add := func(spec lattice.ElementSpec) {
		require.NoError(t, lat.AddElement(spec))
	}
	add(lattice.ElementSpec{Name: "CAV1", Type: lattice.TypeRFCavity, Length: 0.5, Cell: 1,
		Devices: []lattice.DeviceSpec{
			{Field: lattice.FieldRF, Device: "RF", ReadbackPV: "RF:FREQ", SetpointPV: "RF:FREQ_SET", Value: 500},
		}})
	add(lattice.ElementSpec{Name: "CAV2", Type: lattice.TypeRFCavity, Length: 0.3, Cell: 1,
		Devices: []lattice.DeviceSpec{
			{Field: lattice.FieldRF, Value: 500},
		}})
	add(lattice.ElementSpec{Name: "BPM1", Type: lattice.TypeBPM, Length: 0, Cell: 1, Families: []string{lattice.FamilyBPM},
		Devices: []lattice.DeviceSpec{
			{Field: lattice.FieldX, Device: "BPM1", ReadbackPV: "BPM1:X"},
			{Field: "enabled", Device: "BPM1", ReadbackPV: "BPM1:ENABLED", Value: 1},
		}})
	add(lattice.ElementSpec{Name: "HSTR1", Type: "HSTR", Length: 0.2, Cell: 1, Families: []string{lattice.FamilyHSTR},
		Devices: []lattice.DeviceSpec{
			{Field: lattice.FieldXKick, Device: "HSTR1", ReadbackPV: "HSTR1:I", SetpointPV: "HSTR1:SETI"},
		}})
	add(lattice.ElementSpec{Name: "BPM2", Type: lattice.TypeBPM, Length: 0, Cell: 1, Families: []string{lattice.FamilyBPM},
		Devices: []lattice.DeviceSpec{
			{Field: lattice.FieldX, Device: "BPM2", ReadbackPV: "BPM2:X"},
			{Field: "enabled", Device: "BPM2", ReadbackPV: "BPM2:ENABLED", Value: 1},
		}})
	add(lattice.ElementSpec{Name: "Q1", Type: "QUADRUPOLE", Length: 0.4, Cell: 1, Families: []string{"Q1D"},
		Devices: []lattice.DeviceSpec{
			{Field: lattice.FieldB1, Device: "Q1", ReadbackPV: "Q1:I", SetpointPV: "Q1:SETI", Value: 1.2},
		}})
	for _, d := range []lattice.DeviceSpec{
		{Field: lattice.FieldTuneX, ReadbackPV: "TUNE:X", Value: 0.27},
		{Field: lattice.FieldEmittanceX, ReadbackPV: "EMIT:H", Value: 2.7e-9},
		{Field: lattice.FieldEmittanceY, ReadbackPV: "EMIT:V", Value: 8e-12},
	} {
		require.NoError(t, lat.AddLatticeField(d))
	}
	return lat
}

func writeServerTables(t *testing.T) ServerConfig {
	t.Helper()
	dir := t.TempDir()
	return ServerConfig{
		Mode: "TEST",
		LimitsCSV: writeFile(t, dir, "limits.csv",
			"pv,upper,lower,precision,drive_high,drive_low,scan\n"+
				"Q1:SETI,2,-2,3,2,-2,Passive\n"),
		FeedbackCSV: writeFile(t, dir, "feedback.csv",
			"index,field,pv,value,record_type\n"+
				"0,beam_current,SR-DI-DCCT-01:SIGNAL,300,ai\n"+
				"6,offset,Q1:OFFSET1,0,ai\n"+
				"0,bpm_id,SR-DI-EBPM-01:BPMID,[1.1 1.2],wfm\n"),
		MirrorCSV: writeFile(t, dir, "mirrored.csv",
			"output_type,mirror_type,in_pv,out_pv,value,scan\n"+
				"ai,basic,TUNE:X,TUNE:MIRROR,0.27,1 second\n"+
				"ai,summate,\"EMIT:H, EMIT:V\",EMIT:SUM,0,1 second\n"+
				"wfmi,collate,\"BPM1:ENABLED, BPM2:ENABLED\",ENABLED:INTERIM,[0 0],I/O Intr\n"+
				"wfmi,inverse,ENABLED:INTERIM,ENABLED:INVERTED,[0 0],I/O Intr\n"),
		TuneCSV: writeFile(t, dir, "tunefb.csv",
			"set_pv,offset_pv,delta_pv\n"+
				"Q1:SETI,Q1:OFFSET1,TFB:DELTA\n"),
		Linopt: "linopt6",
	}
}

func newTestServer(t *testing.T) (*Server, *lattice.Static, *memca.Server) {
	t.Helper()
	lat := newServerRing(t)
	cs := memca.New()
	server, err := NewServer(writeServerTables(t), lat, cs, cs)
	require.NoError(t, err)
	return server, lat, cs
}

func TestNewServer_CreatesElementAndLatticePVs(t *testing.T) {
	server, _, cs := newTestServer(t)

	for _, name := range []string{
		"RF:FREQ", "RF:FREQ_SET",
		"BPM1:X", "BPM2:X", "BPM1:ENABLED",
		"HSTR1:I", "HSTR1:SETI",
		"Q1:I", "Q1:SETI",
		"TUNE:X", "EMIT:H", "EMIT:V",
		"SR-DI-DCCT-01:SIGNAL", "SR-DI-EMIT-01:STATUS",
	} {
		_, ok := server.PV(name)
		assert.True(t, ok, "missing PV %s", name)
	}

	v, err := cs.Get("Q1:I")
	require.NoError(t, err)
	assert.Equal(t, 1.2, v)

	status, err := cs.GetString("SR-DI-EMIT-01:STATUS")
	require.NoError(t, err)
	assert.Equal(t, "Successful", status)
}

func TestNewServer_SetpointWriteDrivesLatticeAndReadback(t *testing.T) {
	server, lat, cs := newTestServer(t)
	assert.Same(t, lat, server.Lattice())

	require.NoError(t, cs.Put("HSTR1:SETI", 1e-3))
	hstr := server.Lattice().ElementsByFamily(lattice.FamilyHSTR)[0]
	kick, err := hstr.GetValue(lattice.FieldXKick)
	require.NoError(t, err)
	assert.Equal(t, 1e-3, kick)

	rb, err := cs.Get("HSTR1:I")
	require.NoError(t, err)
	assert.Equal(t, 1e-3, rb)
}

func TestNewServer_LimitsClampSetpointWrites(t *testing.T) {
	_, lat, cs := newTestServer(t)

	require.NoError(t, cs.Put("Q1:SETI", 5))
	q, err := lat.Element(6)
	require.NoError(t, err)
	b1, err := q.GetValue(lattice.FieldB1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, b1)
}

func TestNewServer_RFCavitiesShareOneSetpoint(t *testing.T) {
	server, lat, cs := newTestServer(t)

	// The harmonic cavity has no records of its own.
	_, ok := server.PV("CAV2:FREQ")
	assert.False(t, ok)

	require.NoError(t, cs.Put("RF:FREQ_SET", 501))
	for _, index := range []int{1, 2} {
		cav, err := lat.Element(index)
		require.NoError(t, err)
		f, err := cav.GetValue(lattice.FieldRF)
		require.NoError(t, err)
		assert.Equal(t, 501.0, f, "cavity %d", index)
	}
}

func TestUpdatePVs_RefreshesSimulationReadbacks(t *testing.T) {
	server, lat, cs := newTestServer(t)

	require.NoError(t, lat.SetReading(3, lattice.FieldX, 1.5))
	require.NoError(t, lat.SetReading(0, lattice.FieldTuneX, 0.31))
	server.UpdatePVs()

	x, err := cs.Get("BPM1:X")
	require.NoError(t, err)
	assert.Equal(t, 1.5, x)
	tune, err := cs.Get("TUNE:X")
	require.NoError(t, err)
	assert.Equal(t, 0.31, tune)

	// Readbacks with a setpoint partner follow their setpoint, not the
	// update pass.
	require.NoError(t, lat.SetReading(6, lattice.FieldB1, 9))
	server.UpdatePVs()
	b1, err := cs.Get("Q1:I")
	require.NoError(t, err)
	assert.Equal(t, 1.2, b1)
}

func TestNewServer_MirrorRecordsFollowTheirInputs(t *testing.T) {
	server, _, cs := newTestServer(t)

	// basic mirror picked up the tune on the initial monitor delivery
	v, err := cs.Get("TUNE:MIRROR")
	require.NoError(t, err)
	assert.Equal(t, 0.27, v)

	sum, err := cs.Get("EMIT:SUM")
	require.NoError(t, err)
	assert.InDelta(t, 2.708e-9, sum, 1e-15)

	wave, err := cs.GetWave("ENABLED:INTERIM")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, wave)
	wave, err = cs.GetWave("ENABLED:INVERTED")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, wave)

	// Mirrors track later changes too.
	if pv, ok := server.PV("BPM2:ENABLED"); assert.True(t, ok) {
		pv.Set(0)
	}
	wave, err = cs.GetWave("ENABLED:INVERTED")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, wave)
}

func TestNewServer_TuneFeedbackDeltaReprocessesSetpoint(t *testing.T) {
	_, lat, cs := newTestServer(t)

	// The tune feedback IOC publishes a delta for the quadrupole.
	delta, err := cs.AIn("TFB:DELTA", ca.RecordOptions{})
	require.NoError(t, err)
	delta.Set(0.1)

	q, err := lat.Element(6)
	require.NoError(t, err)
	b1, err := q.GetValue(lattice.FieldB1)
	require.NoError(t, err)
	assert.InDelta(t, 1.3, b1, 1e-12)

	offset, err := cs.Get("Q1:OFFSET1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, offset)
}

func TestNewServer_DisableEmittanceSkipsEmittanceRecords(t *testing.T) {
	lat := newServerRing(t)
	cs := memca.New()
	cfg := writeServerTables(t)
	cfg.MirrorCSV = ""
	cfg.DisableEmittance = true
	server, err := NewServer(cfg, lat, cs, cs)
	require.NoError(t, err)

	for _, name := range []string{"EMIT:H", "EMIT:V", "SR-DI-EMIT-01:STATUS"} {
		_, ok := server.PV(name)
		assert.False(t, ok, "unexpected PV %s", name)
	}
}

func TestNewServer_DisableTuneFeedbackLeavesOffsetsStatic(t *testing.T) {
	lat := newServerRing(t)
	cs := memca.New()
	cfg := writeServerTables(t)
	cfg.DisableTuneFeedback = true
	_, err := NewServer(cfg, lat, cs, cs)
	require.NoError(t, err)

	delta, err := cs.AIn("TFB:DELTA", ca.RecordOptions{})
	require.NoError(t, err)
	delta.Set(0.1)

	q, err := lat.Element(6)
	require.NoError(t, err)
	b1, err := q.GetValue(lattice.FieldB1)
	require.NoError(t, err)
	assert.Equal(t, 1.2, b1)
}

func TestDisableMonitoring_PausesMirrorsUntilReenabled(t *testing.T) {
	server, _, cs := newTestServer(t)

	server.DisableMonitoring()
	if pv, ok := server.PV("TUNE:X"); assert.True(t, ok) {
		pv.Set(0.5)
	}
	v, err := cs.Get("TUNE:MIRROR")
	require.NoError(t, err)
	assert.Equal(t, 0.27, v)

	server.EnableMonitoring()
	v, err = cs.Get("TUNE:MIRROR")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
}

func TestStats_CountsPVKinds(t *testing.T) {
	server, _, _ := newTestServer(t)
	st := server.Stats()

	assert.Equal(t, "TEST", st.Mode)
	assert.True(t, st.Monitoring)
	assert.True(t, st.TuneFeedback)
	assert.NotZero(t, st.KindCounts["SetpointPV"])
	assert.NotZero(t, st.KindCounts["ReadbackPV"])
	assert.NotZero(t, st.KindCounts["MirrorPV"])
	assert.NotZero(t, st.KindCounts["RefreshPV"])
	total := 0
	for _, n := range st.KindCounts {
		total += n
	}
	assert.Equal(t, st.TotalPVs, total)
}

func TestNewServer_MissingLimitsFileDegradesGracefully(t *testing.T) {
	lat := newServerRing(t)
	cs := memca.New()
	cfg := writeServerTables(t)
	cfg.LimitsCSV = cfg.LimitsCSV + ".gone"
	_, err := NewServer(cfg, lat, cs, cs)
	assert.NoError(t, err)
}
