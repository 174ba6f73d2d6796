// Package output writes per-exchange coupling statistics to a NetCDF file in
// the run's output directory, one record per coupling step.
package output

import (
	"fmt"
	"os"
	"sort"

	"github.com/ctessum/cdf"
)

// StatsFile is the file name created inside the output directory.
const StatsFile = "spcpl.nc"

// Writer accumulates per-exchange statistics and writes them out as one
// NetCDF file on Close. Variables are laid out (time, region, level) for
// profiles and (time, region) for scalars; the variable set is fixed by
// whatever the exchanger records on the first step.
type Writer struct {
	path    string
	nRegion int
	nLevel  int

	steps    []int
	times    []float64
	profiles map[string][]float64 // flattened [time][region][level]
	scalars  map[string][]float64 // flattened [time][region]
}

// NewWriter prepares a writer for nRegion regions with nLevel-level
// profiles, writing to path on Close.
func NewWriter(path string, nRegion, nLevel int) (*Writer, error) {
	if nRegion < 1 || nLevel < 1 {
		return nil, fmt.Errorf("stats writer needs at least one region and level, got %d/%d", nRegion, nLevel)
	}
	return &Writer{
		path:     path,
		nRegion:  nRegion,
		nLevel:   nLevel,
		profiles: make(map[string][]float64),
		scalars:  make(map[string][]float64),
	}, nil
}

// Record stores one region's statistics for a coupling step. Steps must
// arrive in nondecreasing order; a new step opens a new record.
func (w *Writer) Record(step int, time float64, region int, profiles map[string][]float64, scalars map[string]float64) error {
	if region < 0 || region >= w.nRegion {
		return fmt.Errorf("region %d out of range [0,%d)", region, w.nRegion)
	}
	if len(w.steps) == 0 || w.steps[len(w.steps)-1] != step {
		if len(w.steps) > 0 && w.steps[len(w.steps)-1] > step {
			return fmt.Errorf("step %d recorded after step %d", step, w.steps[len(w.steps)-1])
		}
		w.steps = append(w.steps, step)
		w.times = append(w.times, time)
		for name := range w.profiles {
			w.profiles[name] = append(w.profiles[name], make([]float64, w.nRegion*w.nLevel)...)
		}
		for name := range w.scalars {
			w.scalars[name] = append(w.scalars[name], make([]float64, w.nRegion)...)
		}
	}
	t := len(w.steps) - 1

	for name, p := range profiles {
		if len(p) != w.nLevel {
			return fmt.Errorf("profile %s has %d levels, want %d", name, len(p), w.nLevel)
		}
		buf, ok := w.profiles[name]
		if !ok {
			buf = make([]float64, len(w.steps)*w.nRegion*w.nLevel)
			w.profiles[name] = buf
		}
		copy(buf[(t*w.nRegion+region)*w.nLevel:], p)
	}
	for name, v := range scalars {
		buf, ok := w.scalars[name]
		if !ok {
			buf = make([]float64, len(w.steps)*w.nRegion)
			w.scalars[name] = buf
		}
		buf[t*w.nRegion+region] = v
	}
	return nil
}

// Steps reports how many coupling steps have been recorded.
func (w *Writer) Steps() int { return len(w.steps) }

// Close writes the accumulated statistics to the NetCDF file. A run that
// never exchanged writes nothing.
func (w *Writer) Close() error {
	if len(w.steps) == 0 {
		return nil
	}
	nt := len(w.steps)

	h := cdf.NewHeader(
		[]string{"time", "region", "level"},
		[]int{nt, w.nRegion, w.nLevel},
	)
	h.AddAttribute("", "comment", "superparametrization coupling statistics")
	h.AddAttribute("", "regions", []int32{int32(w.nRegion)})

	h.AddVariable("time", []string{"time"}, []float32{0})
	h.AddAttribute("time", "units", "model seconds")
	h.AddVariable("step", []string{"time"}, []int32{0})

	// sorted names give a stable variable order across runs
	profNames := sortedKeys(w.profiles)
	scalNames := sortedKeys(w.scalars)
	for _, name := range profNames {
		h.AddVariable(name, []string{"time", "region", "level"}, []float32{0})
	}
	for _, name := range scalNames {
		h.AddVariable(name, []string{"time", "region"}, []float32{0})
	}
	h.Define()

	ff, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("coupling statistics: %w", err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("coupling statistics %s: %w", w.path, err)
	}

	times32 := make([]float32, nt)
	steps32 := make([]int32, nt)
	for i := range w.steps {
		times32[i] = float32(w.times[i])
		steps32[i] = int32(w.steps[i])
	}
	if err := writeVar(f, "time", times32); err != nil {
		return err
	}
	if _, err := f.Writer("step", nil, nil).Write(steps32); err != nil {
		return fmt.Errorf("coupling statistics: writing step: %w", err)
	}
	for _, name := range profNames {
		if err := writeVar(f, name, toFloat32(w.profiles[name], nt*w.nRegion*w.nLevel)); err != nil {
			return err
		}
	}
	for _, name := range scalNames {
		if err := writeVar(f, name, toFloat32(w.scalars[name], nt*w.nRegion)); err != nil {
			return err
		}
	}
	return cdf.UpdateNumRecs(ff)
}

func writeVar(f *cdf.File, name string, data []float32) error {
	wr := f.Writer(name, nil, nil)
	if _, err := wr.Write(data); err != nil {
		return fmt.Errorf("coupling statistics: writing %s: %w", name, err)
	}
	return nil
}

// toFloat32 converts, padding with zeros when a variable first appeared
// after the initial step.
func toFloat32(v []float64, n int) []float32 {
	out := make([]float32, n)
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func sortedKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
