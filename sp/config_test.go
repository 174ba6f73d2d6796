package sp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a config that passes Validate, with all directories
// under t.TempDir().
func validConfig(t *testing.T) *SimulationConfig {
	t.Helper()
	dir := t.TempDir()
	return &SimulationConfig{
		Steps:            5,
		GCMProcs:         1,
		NumLES:           2,
		LESProcs:         1,
		GCMDir:           dir,
		GCMExp:           "t21",
		LESDir:           dir,
		OutputDir:        dir,
		Channel:          ChannelMemory,
		CouplingInterval: 1,
		Polygon:          []geom.Point{{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 20, Y: 20}, {X: 0, Y: 20}},
		Seed:             42,
		ChannelTimeout:   DefaultChannelTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

func TestSimulationConfig_Validate_OK(t *testing.T) {
	assert.NoError(t, validConfig(t).Validate())
}

func TestSimulationConfig_Validate_RejectsBadParameters(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SimulationConfig)
	}{
		{"zero steps", func(c *SimulationConfig) { c.Steps = 0 }},
		{"no gcm ranks", func(c *SimulationConfig) { c.GCMProcs = 0 }},
		{"negative les count", func(c *SimulationConfig) { c.NumLES = -1 }},
		{"no les ranks", func(c *SimulationConfig) { c.LESProcs = 0 }},
		{"negative spinup", func(c *SimulationConfig) { c.SpinupDuration = -1 }},
		{"negative spinup steps", func(c *SimulationConfig) { c.SpinupSteps = -1 }},
		{"zero interval", func(c *SimulationConfig) { c.CouplingInterval = 0 }},
		{"unknown channel", func(c *SimulationConfig) { c.Channel = "pigeon" }},
		{"unknown qt policy", func(c *SimulationConfig) { c.QtForcing = "psychic" }},
		{"negative forcing factor", func(c *SimulationConfig) { c.ForcingFactor = -0.5 }},
		{"missing gcmdir", func(c *SimulationConfig) { c.GCMDir = "" }},
		{"nonexistent gcmdir", func(c *SimulationConfig) { c.GCMDir = filepath.Join(c.GCMDir, "nope") }},
		{"missing experiment", func(c *SimulationConfig) { c.GCMExp = "" }},
		{"degenerate polygon", func(c *SimulationConfig) { c.Polygon = c.Polygon[:2] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, CategoryConfig, CategoryOf(err))
		})
	}
}

func TestSimulationConfig_Validate_PolygonOptionalWithoutLES(t *testing.T) {
	cfg := validConfig(t)
	cfg.NumLES = 0
	cfg.Polygon = nil
	assert.NoError(t, cfg.Validate())
}

func writeManifest(t *testing.T, dir, exp, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, exp+".yaml"), []byte(body), 0o644))
}

func TestLoadExperiment(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "t21", `
name: t21-test
nlat: 32
nlon: 64
levels: 40
timestep_seconds: 900
les_levels: 80
les_dz: 40
`)
	e, err := LoadExperiment(dir, "t21")
	require.NoError(t, err)
	assert.Equal(t, "t21-test", e.Name)
	assert.Equal(t, 32, e.NLat)
	assert.Equal(t, 64, e.NLon)
	assert.Equal(t, 40, e.Levels)
	assert.Equal(t, 900.0, e.TimeStep)
	assert.Equal(t, 80, e.LESLevels)
	assert.Equal(t, 40.0, e.LESDz)
}

func TestLoadExperiment_NameDefaultsToTag(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "t21", `
nlat: 4
nlon: 8
levels: 10
timestep_seconds: 450
les_levels: 16
les_dz: 25
`)
	e, err := LoadExperiment(dir, "t21")
	require.NoError(t, err)
	assert.Equal(t, "t21", e.Name)
}

func TestLoadExperiment_Missing(t *testing.T) {
	_, err := LoadExperiment(t.TempDir(), "nope")
	require.Error(t, err)
	assert.Equal(t, CategoryConfig, CategoryOf(err))
}

func TestLoadExperiment_RejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad", `
nlat: 4
nlon: 8
levels: 10
timestep_seconds: 0
les_levels: 16
les_dz: 25
`)
	_, err := LoadExperiment(dir, "bad")
	require.Error(t, err)
	assert.Equal(t, CategoryConfig, CategoryOf(err))
}

func TestExperiment_LESHeights(t *testing.T) {
	e := &Experiment{LESLevels: 4, LESDz: 50}
	assert.Equal(t, []float64{25, 75, 125, 175}, e.LESHeights())
}

func TestDeriveSeed(t *testing.T) {
	// per-group seeds differ but are stable across calls
	a := DeriveSeed(42, "gcm")
	b := DeriveSeed(42, "les-0")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, DeriveSeed(42, "gcm"))
	assert.NotEqual(t, a, DeriveSeed(43, "gcm"))
}
