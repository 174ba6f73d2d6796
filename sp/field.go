package sp

import (
	"fmt"
	"sort"

	"github.com/ctessum/sparse"
)

// Coupling variable names. Profile variables live on the GCM's vertical
// levels, ordered model top first with the surface last, matching the
// OpenIFS convention. Surface variables are per-column scalars.
var (
	// ProfileVars are the GCM state profiles pulled every exchange.
	ProfileVars = []string{"U", "V", "T", "SH", "QL", "QI", "Pfull", "Phalf", "A"}

	// SurfaceVars are the GCM surface fields pulled when surface coupling
	// is enabled. GCM fluxes are positive downward.
	SurfaceVars = []string{"Z0M", "Z0H", "QLflux", "QIflux", "SHflux", "TLflux", "TSflux"}

	// ResponseVars are the slab-averaged LES profiles pulled back into the
	// GCM forcing. LES profiles are ordered surface first, ascending.
	ResponseVars = []string{"u", "v", "thl", "qt", "ql", "ql_ice", "qr", "A"}
)

// FieldSet is a named set of numeric fields sampled at one simulated time.
// It is exchanged by value: produced, transferred, consumed and discarded
// every coupling cycle. Cells, when set, lists the GCM grid cells the arrays
// refer to (first array dimension); an empty Cells means the arrays are
// whole-instance profiles or scalars.
type FieldSet struct {
	Step  int
	Time  float64
	Cells []int
	Data  map[string]*sparse.DenseArray
}

// NewFieldSet returns an empty FieldSet stamped with step and time.
func NewFieldSet(step int, time float64) *FieldSet {
	return &FieldSet{Step: step, Time: time, Data: make(map[string]*sparse.DenseArray)}
}

// Set stores a field under name, replacing any previous value.
func (fs *FieldSet) Set(name string, a *sparse.DenseArray) {
	if fs.Data == nil {
		fs.Data = make(map[string]*sparse.DenseArray)
	}
	fs.Data[name] = a
}

// Get returns the named field or an error naming what is missing.
func (fs *FieldSet) Get(name string) (*sparse.DenseArray, error) {
	a, ok := fs.Data[name]
	if !ok {
		return nil, fmt.Errorf("field %q not present in field set for step %d", name, fs.Step)
	}
	return a, nil
}

// Profile returns the named field as a flat []float64, checking that it is
// one-dimensional.
func (fs *FieldSet) Profile(name string) ([]float64, error) {
	a, err := fs.Get(name)
	if err != nil {
		return nil, err
	}
	if len(a.Shape) != 1 {
		return nil, fmt.Errorf("field %q has shape %v, want a 1-d profile", name, a.Shape)
	}
	return a.Elements, nil
}

// Scalar returns the named field as a single value.
func (fs *FieldSet) Scalar(name string) (float64, error) {
	a, err := fs.Get(name)
	if err != nil {
		return 0, err
	}
	if len(a.Elements) != 1 {
		return 0, fmt.Errorf("field %q has %d elements, want a scalar", name, len(a.Elements))
	}
	return a.Elements[0], nil
}

// Names returns the field names in sorted order, so iteration over a
// FieldSet is deterministic.
func (fs *FieldSet) Names() []string {
	names := make([]string, 0, len(fs.Data))
	for n := range fs.Data {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies the field set, including array contents.
func (fs *FieldSet) Clone() *FieldSet {
	out := NewFieldSet(fs.Step, fs.Time)
	out.Cells = append([]int(nil), fs.Cells...)
	for name, a := range fs.Data {
		c := sparse.ZerosDense(a.Shape...)
		copy(c.Elements, a.Elements)
		out.Data[name] = c
	}
	return out
}

// DenseProfile wraps a []float64 into a one-dimensional DenseArray.
func DenseProfile(v []float64) *sparse.DenseArray {
	a := sparse.ZerosDense(len(v))
	copy(a.Elements, v)
	return a
}

// DenseScalar wraps a single value into a DenseArray of length one.
func DenseScalar(v float64) *sparse.DenseArray {
	a := sparse.ZerosDense(1)
	a.Elements[0] = v
	return a
}
