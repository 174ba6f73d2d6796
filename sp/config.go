package sp

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/geom"
	"gopkg.in/yaml.v3"
)

// ChannelKind selects the coupling-channel transport used to talk to the
// model process groups.
type ChannelKind string

const (
	// ChannelMemory runs every model instance in-process, the analog of
	// partitioning the ranks of a single pre-launched MPI job.
	ChannelMemory ChannelKind = "memory"

	// ChannelMPI spawns each process group on demand through the MPI
	// runtime's dynamic process management.
	ChannelMPI ChannelKind = "mpi"
)

// SimulationConfig holds the immutable parameters of one coupled run.
// It is created once at startup from the command line and never mutated.
type SimulationConfig struct {
	Steps    int // total coupled steps
	GCMProcs int // GCM process-group rank count
	NumLES   int // number of LES instances
	LESProcs int // ranks per LES instance

	GCMDir    string // GCM input directory
	GCMExp    string // GCM experiment tag
	LESDir    string // LES input directory
	OutputDir string // run output directory

	CoupleSurface    bool        // exchange surface fluxes every coupling step
	Channel          ChannelKind // transport selection
	CouplingInterval int         // steps between exchanges (default 1)

	SpinupDuration float64 // uncoupled GCM warm-up, model seconds (0 = none)
	SpinupSteps    int     // uncoupled GCM warm-up, steps (0 = none)

	Polygon []geom.Point // ordered lon/lat vertices, closed implicitly

	Seed            int64         // master seed for the synthetic engines
	ChannelTimeout  time.Duration // deadline for one channel operation
	ShutdownTimeout time.Duration // grace before a hard kill

	// QtForcing selects the moisture forcing policy applied to the LES
	// instances ("sp" relaxation, or "variance" nudging).
	QtForcing string

	// ForcingFactor scales the relaxation forcings pushed into the LES
	// instances. Zero means the full strength of 1.
	ForcingFactor float64
}

// Default operational settings; everything else must be given explicitly.
const (
	DefaultCouplingInterval = 1
	DefaultChannelTimeout   = 5 * time.Minute
	DefaultShutdownTimeout  = 30 * time.Second
)

// Validate reports the first invalid parameter as a configuration error.
// It runs before any process group is spawned.
func (c *SimulationConfig) Validate() error {
	const component = "config"
	switch {
	case c.Steps <= 0:
		return Errorf(CategoryConfig, component, "", "steps must be positive, got %d", c.Steps)
	case c.GCMProcs < 1:
		return Errorf(CategoryConfig, component, "", "gcmprocs must be at least 1, got %d", c.GCMProcs)
	case c.NumLES < 0:
		return Errorf(CategoryConfig, component, "", "numles must not be negative, got %d", c.NumLES)
	case c.NumLES > 0 && c.LESProcs < 1:
		return Errorf(CategoryConfig, component, "", "lesprocs must be at least 1, got %d", c.LESProcs)
	case c.SpinupDuration < 0:
		return Errorf(CategoryConfig, component, "", "spinup duration must not be negative, got %g", c.SpinupDuration)
	case c.SpinupSteps < 0:
		return Errorf(CategoryConfig, component, "", "spinup step count must not be negative, got %d", c.SpinupSteps)
	case c.CouplingInterval < 1:
		return Errorf(CategoryConfig, component, "", "coupling interval must be at least 1, got %d", c.CouplingInterval)
	case c.ForcingFactor < 0:
		return Errorf(CategoryConfig, component, "", "forcing factor must not be negative, got %g", c.ForcingFactor)
	}
	if c.Channel != ChannelMemory && c.Channel != ChannelMPI {
		return Errorf(CategoryConfig, component, "", "unknown channel kind %q (want %q or %q)",
			c.Channel, ChannelMemory, ChannelMPI)
	}
	if c.QtForcing != "" && c.QtForcing != QtForcingSP && c.QtForcing != QtForcingVariance {
		return Errorf(CategoryConfig, component, "", "unknown qt forcing policy %q (want %q or %q)",
			c.QtForcing, QtForcingSP, QtForcingVariance)
	}
	dirs := []struct{ name, path string }{
		{"gcmdir", c.GCMDir},
		{"lesdir", c.LESDir},
		{"odir", c.OutputDir},
	}
	for _, d := range dirs {
		if d.path == "" {
			return Errorf(CategoryConfig, component, "", "%s must be set", d.name)
		}
		if _, err := os.Stat(d.path); err != nil {
			return Errorf(CategoryConfig, component, "", "%s: %v", d.name, err)
		}
	}
	if c.GCMExp == "" {
		return Errorf(CategoryConfig, component, "", "gcmexp must be set")
	}
	if c.NumLES > 0 && len(c.Polygon) < 3 {
		return Errorf(CategoryConfig, component, "",
			"polygon needs at least 3 vertices, got %d", len(c.Polygon))
	}
	return nil
}

// Experiment describes the GCM experiment the run couples against: grid
// shape, model time step and the vertical layout of the LES instances. It is
// read from <gcmdir>/<exp>.yaml.
type Experiment struct {
	Name      string  `yaml:"name"`
	NLat      int     `yaml:"nlat"`
	NLon      int     `yaml:"nlon"`
	Levels    int     `yaml:"levels"`
	TimeStep  float64 `yaml:"timestep_seconds"`
	LESLevels int     `yaml:"les_levels"`
	LESDz     float64 `yaml:"les_dz"`
}

// LoadExperiment reads and validates the experiment manifest for exp in dir.
func LoadExperiment(dir, exp string) (*Experiment, error) {
	const component = "config"
	path := filepath.Join(dir, exp+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Errorf(CategoryConfig, component, "", "experiment manifest: %v", err)
	}
	var e Experiment
	if err := yaml.Unmarshal(raw, &e); err != nil {
		return nil, Errorf(CategoryConfig, component, "", "experiment manifest %s: %v", path, err)
	}
	if e.Name == "" {
		e.Name = exp
	}
	if err := e.validate(path); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Experiment) validate(path string) error {
	check := func(ok bool, what string, v interface{}) error {
		if ok {
			return nil
		}
		return Errorf(CategoryConfig, "config", "", "experiment manifest %s: %s %v out of range", path, what, v)
	}
	if err := check(e.NLat > 0, "nlat", e.NLat); err != nil {
		return err
	}
	if err := check(e.NLon > 0, "nlon", e.NLon); err != nil {
		return err
	}
	if err := check(e.Levels > 1, "levels", e.Levels); err != nil {
		return err
	}
	if err := check(e.TimeStep > 0, "timestep_seconds", e.TimeStep); err != nil {
		return err
	}
	if err := check(e.LESLevels > 1, "les_levels", e.LESLevels); err != nil {
		return err
	}
	return check(e.LESDz > 0, "les_dz", e.LESDz)
}

// LESHeights returns the full-level heights of the LES vertical grid,
// ascending from the surface.
func (e *Experiment) LESHeights() []float64 {
	h := make([]float64, e.LESLevels)
	for i := range h {
		h[i] = (float64(i) + 0.5) * e.LESDz
	}
	return h
}

func (e *Experiment) String() string {
	return fmt.Sprintf("%s (%dx%d grid, %d levels, dt=%gs)", e.Name, e.NLat, e.NLon, e.Levels, e.TimeStep)
}
