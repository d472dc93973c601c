package lattice

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Element fields and types the physics model works in terms of. These are the
// facility naming conventions; the data tables use the same strings.
const (
	FieldX     = "x"
	FieldY     = "y"
	FieldXKick = "x_kick"
	FieldYKick = "y_kick"
	FieldB1    = "b1"
	FieldRF    = "f"

	FieldTuneX      = "tune_x"
	FieldTuneY      = "tune_y"
	FieldEmittanceX = "emittance_x"
	FieldEmittanceY = "emittance_y"

	TypeBPM      = "BPM"
	TypeRFCavity = "RFCAVITY"

	FamilyBPM  = "BPM"
	FamilyHSTR = "HSTR"
	FamilyVSTR = "VSTR"
)

// LinearConfig parameterizes the first-order optics model.
type LinearConfig struct {
	Linopt              string // linopt2, linopt4 or linopt6
	DisableEmittance    bool
	DisableChromaticity bool
	DisableRadiation    bool

	BaseTuneX float64 // fractional tunes of the unperturbed ring
	BaseTuneY float64
	BetaX     float64 // mean beta functions, metres
	BetaY     float64

	EmittanceX float64 // equilibrium emittances, metre radian
	EmittanceY float64
}

// DefaultLinearConfig returns the stock parameter set for the storage ring
// modes shipped in data/.
func DefaultLinearConfig() LinearConfig {
	return LinearConfig{
		Linopt:     "linopt6",
		BaseTuneX:  0.27,
		BaseTuneY:  0.29,
		BetaX:      10.0,
		BetaY:      12.0,
		EmittanceX: 2.7e-9,
		EmittanceY: 8.0e-12,
	}
}

// LinearOptics is the bundled Physics implementation: closed-orbit response
// to corrector kicks via an analytic response matrix, tune shifts from
// quadrupole strength deviations, and static equilibrium emittances. It is a
// first-order stand-in for the external tracking engine, enough to keep every
// PV live and consistent.
type LinearOptics struct {
	cfg LinearConfig

	mu       sync.Mutex
	prepared bool
	respX    *mat.Dense // BPM x response to HSTR kicks
	respY    *mat.Dense // BPM y response to VSTR kicks
	quadRef  []float64  // b1 reference values captured on first pass
	quadSens []float64  // tune sensitivity per quadrupole
}

// NewLinearOptics returns a LinearOptics for cfg. The geometry-dependent
// matrices are built lazily on the first Recalculate.
func NewLinearOptics(cfg LinearConfig) *LinearOptics {
	return &LinearOptics{cfg: cfg}
}

// responseMatrix builds the closed-orbit response of the monitor positions to
// unit kicks: R[i][j] = sqrt(beta)*cos(pi*nu - |phi_i - phi_j|) / (2*sin(pi*nu))
// with phases advancing uniformly with s.
func responseMatrix(monitors, kickers []float64, circumference, tune, beta float64) (*mat.Dense, error) {
	sinPiNu := math.Sin(math.Pi * tune)
	if math.Abs(sinPiNu) < 1e-9 {
		return nil, fmt.Errorf("lattice: integer tune %v has no closed orbit", tune)
	}
	r := mat.NewDense(len(monitors), len(kickers), nil)
	for i, sm := range monitors {
		for j, sk := range kickers {
			dphi := 2 * math.Pi * tune * math.Abs(sm-sk) / circumference
			r.Set(i, j, beta*math.Cos(math.Pi*tune-dphi)/(2*sinPiNu))
		}
	}
	return r, nil
}

func (lo *LinearOptics) prepare(lat *Static) error {
	c := lat.Circumference()
	if c <= 0 {
		return fmt.Errorf("lattice: zero circumference")
	}
	// A plane with no monitors or no correctors has no response matrix; the
	// orbit there stays flat.
	bpms := lat.SPositions(FamilyBPM)
	var err error
	if hstrs := lat.SPositions(FamilyHSTR); len(bpms) > 0 && len(hstrs) > 0 {
		if lo.respX, err = responseMatrix(bpms, hstrs, c, lo.cfg.BaseTuneX, lo.cfg.BetaX); err != nil {
			return err
		}
	}
	if vstrs := lat.SPositions(FamilyVSTR); len(bpms) > 0 && len(vstrs) > 0 {
		if lo.respY, err = responseMatrix(bpms, vstrs, c, lo.cfg.BaseTuneY, lo.cfg.BetaY); err != nil {
			return err
		}
	}

	// Quadrupole reference strengths: deviations from the values the ring was
	// loaded with shift the tunes by beta*L*dk/(4*pi).
	for _, e := range lat.Elements() {
		b1, err := e.GetValue(FieldB1)
		if err != nil {
			continue
		}
		lo.quadRef = append(lo.quadRef, b1)
		lo.quadSens = append(lo.quadSens, lo.cfg.BetaX*elementLength(e)/(4*math.Pi))
	}
	lo.prepared = true
	return nil
}

func elementLength(e Element) float64 {
	if se, ok := e.(*element); ok {
		return se.length
	}
	return 0
}

// Recalculate implements Physics.
func (lo *LinearOptics) Recalculate(lat *Static) error {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	if !lo.prepared {
		if err := lo.prepare(lat); err != nil {
			return err
		}
	}

	if err := lo.updateOrbit(lat); err != nil {
		return err
	}
	if err := lo.updateTunes(lat); err != nil {
		return err
	}
	if !lo.cfg.DisableEmittance && !lo.cfg.DisableRadiation {
		setIfPresent(lat, FieldEmittanceX, lo.cfg.EmittanceX)
		setIfPresent(lat, FieldEmittanceY, lo.cfg.EmittanceY)
	}
	return nil
}

func (lo *LinearOptics) updateOrbit(lat *Static) error {
	bpms := lat.ElementsByFamily(FamilyBPM)
	orbitX := planeOrbit(lo.respX, familyValues(lat, FamilyHSTR, FieldXKick), len(bpms))
	orbitY := planeOrbit(lo.respY, familyValues(lat, FamilyVSTR, FieldYKick), len(bpms))

	for i, e := range bpms {
		if err := lat.SetReading(e.Index(), FieldX, orbitX[i]); err != nil {
			return err
		}
		if err := lat.SetReading(e.Index(), FieldY, orbitY[i]); err != nil {
			return err
		}
	}
	return nil
}

// planeOrbit multiplies the response matrix into the kick vector. A plane
// without a response matrix reads zero at every monitor.
func planeOrbit(resp *mat.Dense, kicks []float64, monitors int) []float64 {
	out := make([]float64, monitors)
	if resp == nil {
		return out
	}
	var orbit mat.VecDense
	orbit.MulVec(resp, mat.NewVecDense(len(kicks), kicks))
	for i := range out {
		out[i] = orbit.AtVec(i)
	}
	return out
}

func (lo *LinearOptics) updateTunes(lat *Static) error {
	tuneX := lo.cfg.BaseTuneX
	tuneY := lo.cfg.BaseTuneY
	i := 0
	for _, e := range lat.Elements() {
		b1, err := e.GetValue(FieldB1)
		if err != nil {
			continue
		}
		dk := b1 - lo.quadRef[i]
		tuneX += lo.quadSens[i] * dk
		tuneY -= lo.quadSens[i] * dk
		i++
	}
	setIfPresent(lat, FieldTuneX, tuneX)
	setIfPresent(lat, FieldTuneY, tuneY)
	return nil
}

func familyValues(lat *Static, family, field string) []float64 {
	members := lat.ElementsByFamily(family)
	out := make([]float64, len(members))
	for i, e := range members {
		v, err := e.GetValue(field)
		if err == nil {
			out[i] = v
		}
	}
	return out
}

func setIfPresent(lat *Static, field string, value float64) {
	if _, err := lat.GetValue(field); err != nil {
		return
	}
	_ = lat.SetReading(0, field, value)
}
