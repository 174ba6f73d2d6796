package sp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// Thermodynamic constants shared by the conversion formulas.
const (
	RD   = 287.04  // gas constant for dry air [J/kg/K]
	RV   = 461.5   // gas constant for water vapour [J/kg/K]
	CP   = 1004.7  // specific heat of dry air [J/kg/K]
	RLv  = 2.53e6  // latent heat of vaporization [J/kg]
	Grav = 9.81    // gravitational acceleration [m/s2]
	P0   = 1.0e5   // reference surface pressure [Pa]
)

// Exner returns the Exner function (p/p0)^(rd/cp).
func Exner(p float64) float64 { return math.Pow(p/P0, RD/CP) }

// IExner returns the inverse Exner function.
func IExner(p float64) float64 { return math.Pow(p/P0, -RD/CP) }

// Column is one GCM column state, ordered model top first. Ph holds the
// half-level pressures and is one entry longer than the full-level arrays;
// its last entry is the surface pressure.
type Column struct {
	U, V, T, SH, QL, QI, Pf []float64
	Ph                      []float64
	A                       []float64 // cloud fraction, optional
}

// check validates that the column arrays agree in length.
func (c *Column) check() error {
	n := len(c.T)
	if n == 0 {
		return fmt.Errorf("empty column")
	}
	for name, v := range map[string][]float64{"U": c.U, "V": c.V, "SH": c.SH, "QL": c.QL, "QI": c.QI, "Pfull": c.Pf} {
		if len(v) != n {
			return fmt.Errorf("column field %s has %d levels, want %d", name, len(v), n)
		}
	}
	if len(c.Ph) != n+1 {
		return fmt.Errorf("column has %d half levels, want %d", len(c.Ph), n+1)
	}
	return nil
}

// Heights integrates the hydrostatic relation over the column and returns
// the half-level and full-level heights, ordered like the column (model top
// first, 0 at the ground for the last half level).
func (c *Column) Heights() (zf, zh []float64) {
	n := len(c.T)
	// virtual temperature; ice and liquid water load the column without
	// contributing to vapour pressure
	eps := RV/RD - 1
	zh = make([]float64, n+1)
	dz := make([]float64, n)
	for i := 0; i < n; i++ {
		tv := c.T[i] * (1 + eps*c.SH[i] - (c.QL[i] + c.QI[i]))
		dp := c.Ph[i+1] - c.Ph[i]
		dz[i] = RD * tv / (Grav * c.Pf[i]) * dp
	}
	// accumulate thickness from the ground up; zh ends with 0 at the surface
	for i := n - 1; i >= 0; i-- {
		zh[i] = zh[i+1] + dz[i]
	}
	zf = make([]float64, n)
	for i := 0; i < n; i++ {
		zf[i] = 0.5 * (zh[i] + zh[i+1])
	}
	return zf, zh
}

// LESProfiles is the GCM column converted to LES prognostic variables on the
// LES vertical grid (surface first, ascending).
type LESProfiles struct {
	U, V, Thl, Qt, Ql []float64
	Ps                float64   // surface pressure
	Zf                []float64 // GCM full-level heights, for reuse when upscaling
}

// ConvertProfiles converts a GCM column state to the liquid water potential
// temperature / total water variables the LES integrates, interpolated onto
// lesHeights (ascending).
func ConvertProfiles(c *Column, lesHeights []float64) (*LESProfiles, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	n := len(c.T)
	zf, _ := c.Heights()

	thl := make([]float64, n)
	qt := make([]float64, n)
	for i := 0; i < n; i++ {
		thl[i] = (c.T[i] - RLv*(c.QL[i]+c.QI[i])/CP) * IExner(c.Pf[i])
		qt[i] = c.SH[i] + c.QL[i] + c.QI[i]
	}

	// interpolation wants ascending support points; GCM columns are
	// ordered top first, so reverse
	zasc := reversed(zf)
	out := &LESProfiles{
		U:   InterpProfile(lesHeights, zasc, reversed(c.U)),
		V:   InterpProfile(lesHeights, zasc, reversed(c.V)),
		Thl: InterpProfile(lesHeights, zasc, reversed(thl)),
		Qt:  InterpProfile(lesHeights, zasc, reversed(qt)),
		Ql:  InterpProfile(lesHeights, zasc, reversed(c.QL)),
		Ps:  c.Ph[n],
		Zf:  zf,
	}
	return out, nil
}

// SurfaceFluxes is the LES surface forcing derived from the GCM surface
// state.
type SurfaceFluxes struct {
	Z0M, Z0H float64
	Wthl     float64 // kinematic liquid water potential temperature flux
	Wqt      float64 // kinematic total water flux
}

// ConvertSurfaceFluxes converts GCM surface fluxes (positive downward) to
// the kinematic, upward-positive fluxes the LES lower boundary expects.
// ps and ts are the surface pressure and lowest-level temperature.
func ConvertSurfaceFluxes(z0m, z0h, qlFlux, qiFlux, shFlux, tsFlux, ps, ts float64) SurfaceFluxes {
	rho := ps / (RD * ts)
	return SurfaceFluxes{
		Z0M:  z0m,
		Z0H:  z0h,
		Wqt:  -(qlFlux + qiFlux + shFlux) / rho,
		Wthl: -tsFlux * IExner(ps) / (CP * rho), // sensible heat only
	}
}

// InterpProfile linearly interpolates (srcX, srcY) onto dstX. srcX must be
// strictly ascending; outside its range the nearest endpoint value is used,
// so a constant profile stays constant. A single support point broadcasts.
func InterpProfile(dstX, srcX, srcY []float64) []float64 {
	out := make([]float64, len(dstX))
	if len(srcX) == 1 {
		for i := range out {
			out[i] = srcY[0]
		}
		return out
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(srcX, srcY); err != nil {
		// support points are produced by Heights and are strictly
		// monotone for any physical column; a violation is a bug
		panic(fmt.Sprintf("interp fit: %v", err))
	}
	for i, x := range dstX {
		out[i] = pl.Predict(x)
	}
	return out
}

func reversed(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[len(v)-1-i] = x
	}
	return out
}
