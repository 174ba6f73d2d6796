// Package synth provides deterministic in-process model engines: an
// analytic column GCM and a relaxing slab LES. The memory channel serves
// them directly, which makes dry runs and end-to-end tests possible without
// any model binary or MPI runtime. All state is a pure function of
// (seed, step), so identically configured runs reproduce bit for bit.
package synth

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"

	"github.com/ipelupessy/sp-coupler/sp"
)

func init() {
	sp.RegisterEngine(sp.RoleGCM, NewGCM)
	sp.RegisterEngine(sp.RoleLES, NewLES)
}

// GCM is a synthetic global model: smooth analytic profiles with a small
// deterministic per-cell perturbation, plus storage for the forcing
// tendencies pushed back by the coupler.
type GCM struct {
	nlat, nlon, nlev int
	dt               float64
	seed             int64

	step int
	time float64

	// forcing tendencies per cell, keyed by variable name
	tendencies map[string]map[int][]float64
}

// NewGCM builds the synthetic GCM for spec.
func NewGCM(spec sp.GroupSpec) (sp.Engine, error) {
	if spec.NLat < 1 || spec.NLon < 1 || spec.Levels < 2 {
		return nil, fmt.Errorf("synthetic gcm: bad grid %dx%dx%d", spec.NLat, spec.NLon, spec.Levels)
	}
	return &GCM{
		nlat:       spec.NLat,
		nlon:       spec.NLon,
		nlev:       spec.Levels,
		dt:         spec.TimeStep,
		seed:       spec.Seed,
		tendencies: make(map[string]map[int][]float64),
	}, nil
}

// Step implements sp.Engine.
func (g *GCM) Step(n int) (float64, error) {
	g.step += n
	g.time += float64(n) * g.dt
	return g.time, nil
}

// Time implements sp.Engine.
func (g *GCM) Time() float64 { return g.time }

// perturb is a tiny deterministic per-cell, per-level offset derived from
// the seed, standing in for spatial variability.
func (g *GCM) perturb(cell, level int) float64 {
	x := float64(g.seed%1000)/1000 + float64(cell)*0.618 + float64(level)*0.414
	return 1e-3 * math.Sin(2*math.Pi*x)
}

// halfPressure returns the half-level pressures for one column, top first,
// ending at the surface.
func (g *GCM) halfPressure(i int) float64 {
	// pressure of half level i on a uniform sigma ladder, with a small
	// nonzero top so the Exner function stays finite
	return 1e3 + (sp.P0-1e3)*float64(i)/float64(g.nlev)
}

// sample evaluates one profile variable at (cell, level).
func (g *GCM) sample(name string, cell, level int) (float64, error) {
	ph0 := g.halfPressure(level)
	ph1 := g.halfPressure(level + 1)
	pf := 0.5 * (ph0 + ph1)
	sigma := pf / sp.P0
	switch name {
	case "U":
		return 10*math.Sin(float64(cell)) + g.perturb(cell, level), nil
	case "V":
		return 2*math.Cos(float64(cell)) + g.perturb(cell, level), nil
	case "T":
		return 210 + 78*sigma + g.perturb(cell, level), nil
	case "SH":
		return 0.012 * sigma * sigma, nil
	case "QL":
		return 2e-5 * sigma, nil
	case "QI":
		return 5e-6 * (1 - sigma), nil
	case "Pfull":
		return pf, nil
	case "Phalf":
		return ph0, nil
	case "A":
		return 0.2 * sigma * (1 - sigma), nil
	}
	return 0, fmt.Errorf("synthetic gcm: unknown profile variable %q", name)
}

// surface evaluates one surface variable at cell.
func (g *GCM) surface(name string, cell int) (float64, error) {
	switch name {
	case "Z0M":
		return 0.1, nil
	case "Z0H":
		return 0.01, nil
	case "QLflux":
		return 0, nil
	case "QIflux":
		return 0, nil
	case "SHflux":
		return -3e-5 + 1e-7*g.perturb(cell, 0), nil
	case "TLflux":
		return -40, nil
	case "TSflux":
		return -60, nil
	}
	return 0, fmt.Errorf("synthetic gcm: unknown surface variable %q", name)
}

func (g *GCM) isSurface(name string) bool {
	for _, s := range sp.SurfaceVars {
		if s == name {
			return true
		}
	}
	return false
}

// GetFields implements sp.Engine. Profile variables come back with shape
// [cells, levels] (Phalf one level longer); surface variables with shape
// [cells].
func (g *GCM) GetFields(names []string, cells []int) (*sp.FieldSet, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("synthetic gcm: no cells requested")
	}
	for _, c := range cells {
		if c < 0 || c >= g.nlat*g.nlon {
			return nil, fmt.Errorf("synthetic gcm: cell %d out of range", c)
		}
	}
	fs := sp.NewFieldSet(g.step, g.time)
	fs.Cells = append([]int(nil), cells...)
	for _, name := range names {
		if g.isSurface(name) {
			a := sparse.ZerosDense(len(cells))
			for i, c := range cells {
				v, err := g.surface(name, c)
				if err != nil {
					return nil, err
				}
				a.Elements[i] = v
			}
			fs.Set(name, a)
			continue
		}
		nlev := g.nlev
		if name == "Phalf" {
			nlev++
		}
		a := sparse.ZerosDense(len(cells), nlev)
		for i, c := range cells {
			for l := 0; l < nlev; l++ {
				v, err := g.sample(name, c, l)
				if err != nil {
					return nil, err
				}
				a.Elements[i*nlev+l] = v
			}
		}
		fs.Set(name, a)
	}
	return fs, nil
}

// SetFields implements sp.Engine: forcing tendencies are stored per cell.
func (g *GCM) SetFields(fs *sp.FieldSet) error {
	if fs == nil {
		return fmt.Errorf("synthetic gcm: nil field set")
	}
	for _, name := range fs.Names() {
		a := fs.Data[name]
		byCell, ok := g.tendencies[name]
		if !ok {
			byCell = make(map[int][]float64)
			g.tendencies[name] = byCell
		}
		for _, c := range fs.Cells {
			byCell[c] = append([]float64(nil), a.Elements...)
		}
	}
	return nil
}

// Forcing returns the stored tendency profile for (name, cell), or nil.
// Used by tests to check that unmapped cells stay untouched.
func (g *GCM) Forcing(name string, cell int) []float64 {
	return g.tendencies[name][cell]
}

// Close implements sp.Engine.
func (g *GCM) Close() error { return nil }

// LES is a synthetic large-eddy instance: slab-averaged profiles relaxed
// toward whatever forcing the coupler pushes in.
type LES struct {
	nlev int
	dz   float64
	dt   float64
	seed int64

	step int
	time float64

	state map[string][]float64
	ps    float64
}

// NewLES builds the synthetic LES for spec.
func NewLES(spec sp.GroupSpec) (sp.Engine, error) {
	if spec.Levels < 2 || spec.LESDz <= 0 {
		return nil, fmt.Errorf("synthetic les: bad vertical grid (%d levels, dz %g)", spec.Levels, spec.LESDz)
	}
	l := &LES{
		nlev:  spec.Levels,
		dz:    spec.LESDz,
		dt:    spec.TimeStep,
		seed:  spec.Seed,
		state: make(map[string][]float64),
		ps:    sp.P0,
	}
	for _, name := range []string{"u", "v", "thl", "qt", "ql", "ql_ice", "qr", "A", "qt_std", "qsat"} {
		l.state[name] = l.initial(name)
	}
	return l, nil
}

func (l *LES) initial(name string) []float64 {
	p := make([]float64, l.nlev)
	for i := range p {
		z := (float64(i) + 0.5) * l.dz
		off := 1e-4 * math.Sin(float64(l.seed%997)+z)
		switch name {
		case "u":
			p[i] = 5 + off
		case "v":
			p[i] = 1 + off
		case "thl":
			p[i] = 288 + 0.004*z + off
		case "qt":
			p[i] = math.Max(0, 0.009-1e-6*z)
		case "ql":
			p[i] = 1e-5
		case "ql_ice":
			p[i] = 2e-6
		case "qr":
			p[i] = 0
		case "A":
			p[i] = 0.1
		case "qt_std":
			p[i] = 5e-4
		case "qsat":
			p[i] = math.Max(0, 0.0095-1e-6*z)
		}
	}
	return p
}

// Step implements sp.Engine: the slab relaxes along the stored tendencies.
func (l *LES) Step(n int) (float64, error) {
	for ; n > 0; n-- {
		for name, f := range map[string]string{"u": "f_u", "v": "f_v", "thl": "f_thl", "qt": "f_qt", "ql": "f_ql"} {
			t, ok := l.state[f]
			if !ok {
				continue
			}
			s := l.state[name]
			for i := range s {
				s[i] += t[i] * l.dt
			}
		}
		if f, ok := l.state["f_ps"]; ok && len(f) == 1 {
			l.ps += f[0] * l.dt
		}
		l.step++
		l.time += l.dt
	}
	return l.time, nil
}

// Time implements sp.Engine.
func (l *LES) Time() float64 { return l.time }

// GetFields implements sp.Engine: profiles with shape [levels], plus the
// scalar surface pressure as "ps".
func (l *LES) GetFields(names []string, cells []int) (*sp.FieldSet, error) {
	fs := sp.NewFieldSet(l.step, l.time)
	for _, name := range names {
		if name == "ps" {
			fs.Set("ps", sp.DenseScalar(l.ps))
			continue
		}
		p, ok := l.state[name]
		if !ok {
			return nil, fmt.Errorf("synthetic les: unknown variable %q", name)
		}
		fs.Set(name, sp.DenseProfile(p))
	}
	return fs, nil
}

// SetFields implements sp.Engine: forcing profiles and surface values are
// stored and applied on the next steps.
func (l *LES) SetFields(fs *sp.FieldSet) error {
	if fs == nil {
		return fmt.Errorf("synthetic les: nil field set")
	}
	for _, name := range fs.Names() {
		a := fs.Data[name]
		l.state[name] = append([]float64(nil), a.Elements...)
	}
	return nil
}

// Close implements sp.Engine.
func (l *LES) Close() error { return nil }
