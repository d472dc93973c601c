package lattice

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T) *Static {
	t.Helper()
	lat := NewStatic("TEST", 2)
	require.NoError(t, lat.AddElement(ElementSpec{
		Name: "BPM1", Type: TypeBPM, Length: 0, Cell: 1, Families: []string{FamilyBPM},
		Devices: []DeviceSpec{
			{Field: FieldX, Device: "BPM1", ReadbackPV: "BPM1:X"},
			{Field: "enabled", Device: "BPM1", ReadbackPV: "BPM1:ENABLED", Value: 1},
		},
	}))
	require.NoError(t, lat.AddElement(ElementSpec{
		Name: "HSTR1", Type: "HSTR", Length: 0.2, Cell: 1, Families: []string{FamilyHSTR},
		Devices: []DeviceSpec{
			{Field: FieldXKick, Device: "HSTR1", ReadbackPV: "HSTR1:I", SetpointPV: "HSTR1:SETI"},
		},
	}))
	require.NoError(t, lat.AddElement(ElementSpec{
		Name: "Q1", Type: "QUADRUPOLE", Length: 0.4, Cell: 2, Families: []string{"Q1D"},
		Devices: []DeviceSpec{
			{Field: FieldB1, Device: "Q1", ReadbackPV: "Q1:I", SetpointPV: "Q1:SETI", Value: 1.2},
		},
	}))
	require.NoError(t, lat.AddLatticeField(DeviceSpec{
		Field: FieldTuneX, Device: "TMBF1", ReadbackPV: "TMBF1:TUNE", Value: 0.27,
	}))
	return lat
}

func TestAddElement_AssignsIndexAndPosition(t *testing.T) {
	lat := newTestRing(t)
	elems := lat.Elements()
	require.Len(t, elems, 3)
	assert.Equal(t, 1, elems[0].Index())
	assert.Equal(t, 3, elems[2].Index())
	assert.InDelta(t, 0.6, lat.Circumference(), 1e-12)
	// HSTR1 starts after the zero-length BPM, Q1 after the HSTR.
	assert.Equal(t, []float64{0.2}, lat.SPositions("Q1D"))
}

func TestAddElement_DuplicateName_Fails(t *testing.T) {
	lat := newTestRing(t)
	err := lat.AddElement(ElementSpec{Name: "Q1"})
	assert.ErrorContains(t, err, "duplicate element")
}

func TestElement_IndexOutOfRange_Fails(t *testing.T) {
	lat := newTestRing(t)
	_, err := lat.Element(0)
	assert.ErrorIs(t, err, ErrNoElement)
	_, err = lat.Element(4)
	assert.ErrorIs(t, err, ErrNoElement)
	e, err := lat.Element(2)
	require.NoError(t, err)
	assert.Equal(t, "HSTR1", e.Name())
}

func TestPVName_ReadOnlyField_HasNoSetpoint(t *testing.T) {
	lat := newTestRing(t)
	bpm, err := lat.Element(1)
	require.NoError(t, err)

	name, err := bpm.PVName(FieldX, Readback)
	require.NoError(t, err)
	assert.Equal(t, "BPM1:X", name)

	_, err = bpm.PVName(FieldX, Setpoint)
	assert.ErrorIs(t, err, ErrNoPV)

	_, err = bpm.PVName("nope", Readback)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestSetValue_FiresChangeNotification(t *testing.T) {
	lat := newTestRing(t)
	changes := 0
	lat.SetOnChange(func() { changes++ })

	q, err := lat.Element(3)
	require.NoError(t, err)
	require.NoError(t, q.SetValue(FieldB1, 1.3))
	assert.Equal(t, 1, changes)

	v, err := q.GetValue(FieldB1)
	require.NoError(t, err)
	assert.Equal(t, 1.3, v)
}

func TestSetReading_DoesNotFireChangeNotification(t *testing.T) {
	lat := newTestRing(t)
	changes := 0
	lat.SetOnChange(func() { changes++ })

	require.NoError(t, lat.SetReading(1, FieldX, 0.5))
	require.NoError(t, lat.SetReading(0, FieldTuneX, 0.31))
	assert.Equal(t, 0, changes)

	bpm, err := lat.Element(1)
	require.NoError(t, err)
	v, err := bpm.GetValue(FieldX)
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	tune, err := lat.GetValue(FieldTuneX)
	require.NoError(t, err)
	assert.Equal(t, 0.31, tune)
}

func TestElementPVNames_CollectsInRingOrder(t *testing.T) {
	lat := newTestRing(t)
	names, err := lat.ElementPVNames(FamilyBPM, FieldX, Readback)
	require.NoError(t, err)
	assert.Equal(t, []string{"BPM1:X"}, names)

	_, err = lat.ElementPVNames("NOFAM", FieldX, Readback)
	assert.ErrorContains(t, err, "no elements in family")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDir_BuildsLatticeFromTables(t *testing.T) {
	dir := t.TempDir()
	modeDir := filepath.Join(dir, "TEST")
	require.NoError(t, os.MkdirAll(modeDir, 0o755))

	writeFile(t, filepath.Join(modeDir, "elements.csv"),
		"index,name,type,length,cell\n"+
			"1,BPM1,BPM,0,1\n"+
			"2,Q1,QUADRUPOLE,0.4,2\n")
	writeFile(t, filepath.Join(modeDir, "devices.csv"),
		"element,field,device,rb_pv,sp_pv,value\n"+
			"BPM1,x,BPM1,BPM1:X,,0\n"+
			"Q1,b1,Q1,Q1:I,Q1:SETI,1.2\n"+
			",tune_x,TMBF1,TMBF1:TUNE,,0.27\n")
	writeFile(t, filepath.Join(modeDir, "families.csv"),
		"family,element\nBPM,BPM1\nQ1D,Q1\n")

	lat, err := LoadDir(dir, "TEST")
	require.NoError(t, err)

	assert.Equal(t, "TEST", lat.Mode())
	assert.Equal(t, 2, lat.Symmetry())
	assert.Len(t, lat.Elements(), 2)
	assert.Len(t, lat.ElementsByFamily("Q1D"), 1)

	q, err := lat.Element(2)
	require.NoError(t, err)
	v, err := q.GetValue(FieldB1)
	require.NoError(t, err)
	assert.Equal(t, 1.2, v)

	tune, err := lat.GetValue(FieldTuneX)
	require.NoError(t, err)
	assert.Equal(t, 0.27, tune)
}

func TestLoadDir_IndexOutOfOrder_Fails(t *testing.T) {
	dir := t.TempDir()
	modeDir := filepath.Join(dir, "TEST")
	require.NoError(t, os.MkdirAll(modeDir, 0o755))

	writeFile(t, filepath.Join(modeDir, "elements.csv"),
		"index,name,type,length,cell\n"+
			"2,BPM1,BPM,0,1\n"+
			"1,Q1,QUADRUPOLE,0.4,1\n")
	writeFile(t, filepath.Join(modeDir, "devices.csv"),
		"element,field,device,rb_pv,sp_pv,value\n")
	writeFile(t, filepath.Join(modeDir, "families.csv"),
		"family,element\n")

	_, err := LoadDir(dir, "TEST")
	assert.ErrorContains(t, err, "has index 2, want 1")
}

func TestLoadDir_MissingTable_Fails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "TEST"), 0o755))
	_, err := LoadDir(dir, "TEST")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadDir_MissingColumn_Fails(t *testing.T) {
	dir := t.TempDir()
	modeDir := filepath.Join(dir, "TEST")
	require.NoError(t, os.MkdirAll(modeDir, 0o755))
	writeFile(t, filepath.Join(modeDir, "elements.csv"), "index,name,type,length\n")
	_, err := LoadDir(dir, "TEST")
	assert.ErrorContains(t, err, `missing column "cell"`)
}
