package vac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseRecordType_AcceptsLegacyWaveformSpelling(t *testing.T) {
	rt, err := ParseRecordType("wfm")
	require.NoError(t, err)
	assert.Equal(t, WaveformIn, rt)
}

func TestParseRecordType_Invalid_Fails(t *testing.T) {
	_, err := ParseRecordType("calc")
	assert.ErrorContains(t, err, `record type "calc" not supported`)
}

func TestParseMirrorType_Invalid_Fails(t *testing.T) {
	_, err := ParseMirrorType("average")
	assert.ErrorContains(t, err, "not valid")
}

func TestParseInitialValue_Scalar(t *testing.T) {
	scalar, wave, isWave, err := ParseInitialValue("3.5")
	require.NoError(t, err)
	assert.False(t, isWave)
	assert.Nil(t, wave)
	assert.Equal(t, 3.5, scalar)
}

func TestParseInitialValue_WaveformLiteral(t *testing.T) {
	_, wave, isWave, err := ParseInitialValue("[5 1 3]")
	require.NoError(t, err)
	assert.True(t, isWave)
	assert.Equal(t, []float64{5, 1, 3}, wave)
}

func TestParseInitialValue_Invalid_Fails(t *testing.T) {
	_, _, _, err := ParseInitialValue("five")
	assert.ErrorContains(t, err, "invalid initial value")
	_, _, _, err = ParseInitialValue("[1 two]")
	assert.ErrorContains(t, err, "invalid waveform literal")
}

func TestFormatWave_RoundTrips(t *testing.T) {
	s := FormatWave([]float64{1.1, 2.2, 3})
	assert.Equal(t, "[1.1 2.2 3]", s)
	_, wave, isWave, err := ParseInitialValue(s)
	require.NoError(t, err)
	assert.True(t, isWave)
	assert.Equal(t, []float64{1.1, 2.2, 3}, wave)
}

func TestFloatPtr_NoneAndEmpty_MeanUnset(t *testing.T) {
	for _, cell := range []string{"", "None"} {
		p, err := floatPtr(cell)
		require.NoError(t, err)
		assert.Nil(t, p)
	}
	p, err := floatPtr("2.5")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2.5, *p)
}

func TestLoadLimits_MissingFile_ReturnsNotExist(t *testing.T) {
	_, err := LoadLimits(filepath.Join(t.TempDir(), "limits.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadLimits_KeysRowsByPV(t *testing.T) {
	path := writeFile(t, t.TempDir(), "limits.csv",
		"pv,upper,lower,precision,drive_high,drive_low,scan\n"+
			"TEST:SP,200,-200,4,200,-200,I/O Intr\n"+
			"TEST:EMIT,1e-06,0,12,None,None,1 second\n")
	limits, err := LoadLimits(path)
	require.NoError(t, err)
	require.Len(t, limits, 2)
	assert.Equal(t, "4", limits["TEST:SP"].Precision)
	assert.Equal(t, "1 second", limits["TEST:EMIT"].Scan)
	assert.Equal(t, "None", limits["TEST:EMIT"].DriveHigh)
}

func TestLoadRecordRows_ParsesTypesAndIndexes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "feedback.csv",
		"index,field,pv,value,record_type\n"+
			"0,beam_current,SR-DI-DCCT-01:SIGNAL,300,ai\n"+
			"3,state,HSTR1:STATE,2,ao\n"+
			"0,bpm_id,SR-DI-EBPM-01:BPMID,[1.1 1.2],wfm\n")
	rows, err := LoadRecordRows(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, AO, rows[1].RecordType)
	assert.Equal(t, WaveformIn, rows[2].RecordType)
}

func TestLoadRecordRows_BadIndex_Fails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "feedback.csv",
		"index,field,pv,value,record_type\nx,f,PV,0,ai\n")
	_, err := LoadRecordRows(path)
	assert.ErrorContains(t, err, "bad index")
}

func TestLoadMirrorRows_SplitsInputList(t *testing.T) {
	path := writeFile(t, t.TempDir(), "mirrored.csv",
		"output_type,mirror_type,in_pv,out_pv,value,scan\n"+
			"ai,summate,\"IN:A, IN:B\",OUT:SUM,0,1 second\n")
	rows, err := LoadMirrorRows(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"IN:A", "IN:B"}, rows[0].InPVs)
	assert.Equal(t, MirrorSummate, rows[0].MirrorType)
}

func TestLoadMirrorRows_ArityValidation(t *testing.T) {
	dir := t.TempDir()

	path := writeFile(t, dir, "basic.csv",
		"output_type,mirror_type,in_pv,out_pv,value,scan\n"+
			"ai,basic,\"IN:A, IN:B\",OUT:PV,0,I/O Intr\n")
	_, err := LoadMirrorRows(path)
	assert.ErrorContains(t, err, "basic mirror type takes only one input PV")

	path = writeFile(t, dir, "collate.csv",
		"output_type,mirror_type,in_pv,out_pv,value,scan\n"+
			"wfmi,collate,IN:A,OUT:PV,[0],I/O Intr\n")
	_, err = LoadMirrorRows(path)
	assert.ErrorContains(t, err, "at least two input PVs")
}

func TestLoadTuneRows(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tunefb.csv",
		"set_pv,offset_pv,delta_pv\n"+
			"Q1:SETI,Q1:OFFSET1,SR-CS-TFB-01:01Q1D01:I\n")
	rows, err := LoadTuneRows(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, TuneRow{SetPV: "Q1:SETI", OffsetPV: "Q1:OFFSET1", DeltaPV: "SR-CS-TFB-01:01Q1D01:I"}, rows[0])
}
