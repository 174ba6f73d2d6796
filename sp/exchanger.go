package sp

import (
	"context"
	"fmt"

	"github.com/ctessum/sparse"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/ipelupessy/sp-coupler/sp/grid"
)

// StatsRecorder receives per-exchange coupling statistics. The NetCDF writer
// in sp/output implements it; a nil recorder disables output.
type StatsRecorder interface {
	Record(step int, time float64, region int, profiles map[string][]float64, scalars map[string]float64) error
}

// Exchanger is the scheduler's view of the field exchange; the concrete
// FieldExchanger is swapped for an instrumented fake in scheduler tests.
type Exchanger interface {
	Exchange(ctx context.Context, step int, now float64) error
}

// FieldExchanger marshals physical fields between the GCM grid and each LES
// instance's sub-region: downscaling GCM columns into LES boundary forcing,
// and upscaling LES slab averages into GCM forcing tendencies. Given
// identical GCM state and region definitions its output is bit-for-bit
// reproducible: iteration orders are fixed and all reductions are
// area-weighted means over sorted cell sets.
type FieldExchanger struct {
	GCM     *ProcessGroup
	LES     []*ProcessGroup
	Regions []grid.Region

	CoupleSurface bool
	TimeStep      float64   // GCM step, the relaxation time for forcings
	LESHeights    []float64 // LES full-level heights, ascending
	QtForcing     string    // moisture policy, QtForcingSP when empty
	Factor        float64   // LES relaxation strength, 1 when zero

	Recorder StatsRecorder

	calls int
}

// Calls reports how many exchanges have run.
func (x *FieldExchanger) Calls() int { return x.calls }

// lesPullVars are the slab-averaged profiles pulled from each LES instance,
// plus its surface pressure.
var lesPullVars = append(append([]string{}, ResponseVars...), "ps")

// Exchange runs one full coupling exchange for step: for every region, pull
// the GCM column state, project it onto the region's LES instance, push the
// LES forcing, then pull the LES response and merge it back into the GCM
// forcing for exactly that region's cells. Cells outside every region are
// never touched.
func (x *FieldExchanger) Exchange(ctx context.Context, step int, now float64) error {
	x.calls++
	for i := range x.Regions {
		if err := x.exchangeRegion(ctx, step, now, i); err != nil {
			return err
		}
	}
	logrus.Debugf("exchange %d complete at t=%gs over %d regions", step, now, len(x.Regions))
	return nil
}

func (x *FieldExchanger) exchangeRegion(ctx context.Context, step int, now float64, i int) error {
	region := &x.Regions[i]
	les := x.LES[i]

	names := ProfileVars
	if x.CoupleSurface {
		names = append(append([]string{}, ProfileVars...), SurfaceVars...)
	}
	gfs, err := x.GCM.GetFields(ctx, names, region.Cells)
	if err != nil {
		return err
	}
	col, surf, err := x.regionMean(gfs, region)
	if err != nil {
		return WrapError(CategoryCoupling, "exchanger", x.GCM.Name(), err)
	}
	target, err := ConvertProfiles(col, x.LESHeights)
	if err != nil {
		return WrapError(CategoryCoupling, "exchanger", les.Name(), err)
	}

	pullVars := lesPullVars
	if x.QtForcing == QtForcingVariance {
		pullVars = append(append([]string{}, lesPullVars...), "qt_std", "qsat")
	}
	lfs, err := les.GetFields(ctx, pullVars, nil)
	if err != nil {
		return err
	}
	forcing, stats, err := x.lesForcing(step, now, target, surf, col, lfs)
	if err != nil {
		return WrapError(CategoryCoupling, "exchanger", les.Name(), err)
	}
	if err := les.SetFields(ctx, forcing); err != nil {
		return err
	}

	tendencies, err := x.gcmTendencies(step, now, col, target, lfs, region)
	if err != nil {
		return WrapError(CategoryCoupling, "exchanger", les.Name(), err)
	}
	if err := x.GCM.SetFields(ctx, tendencies); err != nil {
		return err
	}

	if x.Recorder != nil {
		profiles := map[string][]float64{
			"thl_gcm": target.Thl,
			"qt_gcm":  target.Qt,
			"u_gcm":   target.U,
			"v_gcm":   target.V,
		}
		// the LES slab state, rain water included, goes into the record
		// alongside the downscaled targets
		for name, key := range map[string]string{
			"thl": "thl_les", "qt": "qt_les", "ql": "ql_les", "qr": "qr_les",
		} {
			p, err := lfs.Profile(name)
			if err != nil {
				return WrapError(CategoryCoupling, "exchanger", les.Name(), err)
			}
			profiles[key] = p
		}
		if err := x.Recorder.Record(step, now, i, profiles, stats); err != nil {
			return WrapError(CategoryCoupling, "output", les.Name(), err)
		}
	}
	return nil
}

// regionMean reduces the per-cell GCM arrays to one area-weighted mean
// column (and mean surface values when surface coupling is on).
func (x *FieldExchanger) regionMean(gfs *FieldSet, region *grid.Region) (*Column, map[string]float64, error) {
	mean := func(name string) ([]float64, error) {
		a, err := gfs.Get(name)
		if err != nil {
			return nil, err
		}
		return MeanProfile(a, region.Weights)
	}
	col := &Column{}
	for name, dst := range map[string]*[]float64{
		"U": &col.U, "V": &col.V, "T": &col.T, "SH": &col.SH,
		"QL": &col.QL, "QI": &col.QI, "Pfull": &col.Pf, "Phalf": &col.Ph,
		"A": &col.A,
	} {
		v, err := mean(name)
		if err != nil {
			return nil, nil, err
		}
		*dst = v
	}

	surf := map[string]float64{}
	if x.CoupleSurface {
		for _, name := range SurfaceVars {
			a, err := gfs.Get(name)
			if err != nil {
				return nil, nil, err
			}
			v, err := MeanScalar(a, region.Weights)
			if err != nil {
				return nil, nil, err
			}
			surf[name] = v
		}
	}
	return col, surf, nil
}

// lesForcing builds the relaxation tendencies pushed into one LES instance,
// and the scalar statistics recorded for it.
func (x *FieldExchanger) lesForcing(step int, now float64, target *LESProfiles,
	surf map[string]float64, col *Column, lfs *FieldSet) (*FieldSet, map[string]float64, error) {

	state := map[string][]float64{}
	for _, name := range []string{"u", "v", "thl", "qt", "ql"} {
		p, err := lfs.Profile(name)
		if err != nil {
			return nil, nil, err
		}
		if len(p) != len(x.LESHeights) {
			return nil, nil, fmt.Errorf("LES profile %s has %d levels, want %d", name, len(p), len(x.LESHeights))
		}
		state[name] = p
	}
	ps, err := lfs.Scalar("ps")
	if err != nil {
		return nil, nil, err
	}

	fac := x.Factor
	if fac == 0 {
		fac = 1
	}
	out := NewFieldSet(step, now)
	out.Set("f_u", DenseProfile(tendency(target.U, state["u"], fac, x.TimeStep)))
	out.Set("f_v", DenseProfile(tendency(target.V, state["v"], fac, x.TimeStep)))
	out.Set("f_thl", DenseProfile(tendency(target.Thl, state["thl"], fac, x.TimeStep)))
	out.Set("f_qt", DenseProfile(tendency(target.Qt, state["qt"], fac, x.TimeStep)))
	out.Set("f_ql", DenseProfile(tendency(target.Ql, state["ql"], fac, x.TimeStep)))
	out.Set("f_ps", DenseScalar(fac*(target.Ps-ps)/x.TimeStep))
	out.Set("ql_ref", DenseProfile(target.Ql))

	if x.QtForcing == QtForcingVariance {
		qtStd, err := lfs.Profile("qt_std")
		if err != nil {
			return nil, nil, err
		}
		qsat, err := lfs.Profile("qsat")
		if err != nil {
			return nil, nil, err
		}
		alpha := VarianceNudgeFactors(state["qt"], qtStd, qsat, target.Ql, x.TimeStep)
		out.Set("qt_alpha", DenseProfile(alpha))
	}

	stats := map[string]float64{"ps_gcm": target.Ps, "ps_les": ps}
	if x.CoupleSurface {
		n := len(col.T)
		fl := ConvertSurfaceFluxes(surf["Z0M"], surf["Z0H"],
			surf["QLflux"], surf["QIflux"], surf["SHflux"], surf["TSflux"],
			col.Ph[n], col.T[n-1])
		out.Set("z0m", DenseScalar(fl.Z0M))
		out.Set("z0h", DenseScalar(fl.Z0H))
		out.Set("wthl", DenseScalar(fl.Wthl))
		out.Set("wqt", DenseScalar(fl.Wqt))
		stats["wthl"] = fl.Wthl
		stats["wqt"] = fl.Wqt
	}
	return out, stats, nil
}

// gcmTendencies upscales one LES instance's slab averages back onto the GCM
// column and builds the forcing tendencies for the region's cells. Levels
// above the LES domain top are left unforced.
func (x *FieldExchanger) gcmTendencies(step int, now float64, col *Column,
	target *LESProfiles, lfs *FieldSet, region *grid.Region) (*FieldSet, error) {

	h := x.LESHeights
	zf := target.Zf // GCM full-level heights, top first
	n := len(zf)

	pull := func(name string) ([]float64, error) { return lfs.Profile(name) }
	thl, err := pull("thl")
	if err != nil {
		return nil, err
	}
	qt, err := pull("qt")
	if err != nil {
		return nil, err
	}
	ql, err := pull("ql")
	if err != nil {
		return nil, err
	}
	qlIce, err := pull("ql_ice")
	if err != nil {
		return nil, err
	}
	u, err := pull("u")
	if err != nil {
		return nil, err
	}
	v, err := pull("v")
	if err != nil {
		return nil, err
	}
	cf, err := pull("A")
	if err != nil {
		return nil, err
	}

	// real temperature from the LES thl and ql, using GCM pressures
	// interpolated onto the LES heights
	zasc := reversed(zf)
	pf := InterpProfile(h, zasc, reversed(col.Pf))
	t := make([]float64, len(h))
	for i := range h {
		t[i] = thl[i]*Exner(pf[i]) + RLv*ql[i]/CP
	}
	qlWater := make([]float64, len(h))
	for i := range h {
		qlWater[i] = ql[i] - qlIce[i]
	}

	// interpolate the LES state up to the GCM levels (zf is top first;
	// interpolate on the ascending copy, then restore ordering)
	up := func(p []float64) []float64 { return reversed(InterpProfile(zasc, h, p)) }
	tU, qtU, qlU, qlIceU, uU, vU, cfU := up(t), up(qt), up(qlWater), up(qlIce), up(u), up(v), up(cf)

	lesTop := h[len(h)-1]
	f := func(targetV, stateV []float64) []float64 {
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			if zf[i] >= lesTop {
				continue // unforced above the LES domain
			}
			out[i] = (targetV[i] - stateV[i]) / x.TimeStep
		}
		return out
	}

	// vapour only: the LES total water includes the condensed phases
	shU := make([]float64, n)
	for i := 0; i < n; i++ {
		shU[i] = qtU[i] - qlU[i] - qlIceU[i]
	}

	out := NewFieldSet(step, now)
	out.Cells = region.Cells
	out.Set("f_U", DenseProfile(f(uU, col.U)))
	out.Set("f_V", DenseProfile(f(vU, col.V)))
	out.Set("f_T", DenseProfile(f(tU, col.T)))
	out.Set("f_SH", DenseProfile(f(shU, col.SH)))
	out.Set("f_QL", DenseProfile(f(qlU, col.QL)))
	out.Set("f_QI", DenseProfile(f(qlIceU, col.QI)))
	out.Set("f_A", DenseProfile(f(cfU, colA(col, n))))
	return out, nil
}

// colA returns the GCM cloud fraction profile, zero when the model did not
// provide one.
func colA(col *Column, n int) []float64 {
	if len(col.A) == n {
		return col.A
	}
	return make([]float64, n)
}

// tendency is the relaxation forcing pulling state toward target over one
// model step, scaled by fac. The GCM-side tendencies always relax at full
// strength; fac applies to the LES forcings only.
func tendency(target, state []float64, fac, dt float64) []float64 {
	out := make([]float64, len(target))
	for i := range out {
		out[i] = fac * (target[i] - state[i]) / dt
	}
	return out
}

// MeanProfile reduces a [cells, levels] array (or a [cells] array, giving a
// one-entry result) to its area-weighted mean over the cell dimension.
func MeanProfile(a *sparse.DenseArray, weights []float64) ([]float64, error) {
	switch len(a.Shape) {
	case 1:
		v, err := MeanScalar(a, weights)
		if err != nil {
			return nil, err
		}
		return []float64{v}, nil
	case 2:
	default:
		return nil, fmt.Errorf("array shape %v not reducible", a.Shape)
	}
	ncells, nlev := a.Shape[0], a.Shape[1]
	if ncells != len(weights) {
		return nil, fmt.Errorf("array has %d cells, want %d", ncells, len(weights))
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return nil, fmt.Errorf("region has no area")
	}
	out := make([]float64, nlev)
	for c := 0; c < ncells; c++ {
		w := weights[c] / total
		row := a.Elements[c*nlev : (c+1)*nlev]
		floats.AddScaled(out, w, row)
	}
	return out, nil
}

// MeanScalar reduces a [cells] array to its area-weighted mean.
func MeanScalar(a *sparse.DenseArray, weights []float64) (float64, error) {
	if len(a.Shape) != 1 || a.Shape[0] != len(weights) {
		return 0, fmt.Errorf("array shape %v does not match %d weights", a.Shape, len(weights))
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return 0, fmt.Errorf("region has no area")
	}
	return floats.Dot(a.Elements, weights) / total, nil
}
