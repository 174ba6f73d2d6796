package cmd

// Optional TOML run configuration: the same parameters as the run flags, so
// a prepared run directory can carry its settings in one file. Explicitly
// set flags always win over file values.

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// RunConfig mirrors the run command's flag surface.
type RunConfig struct {
	Steps       int       `toml:"steps"`
	Poly        []float64 `toml:"poly"`
	GCMProcs    int       `toml:"gcmprocs"`
	NumLES      int       `toml:"numles"`
	LESProcs    int       `toml:"lesprocs"`
	GCMDir      string    `toml:"gcmdir"`
	GCMExp      string    `toml:"gcmexp"`
	LESDir      string    `toml:"lesdir"`
	OutputDir   string    `toml:"odir"`
	CplSurf     bool      `toml:"cplsurf"`
	Channel     string    `toml:"channel"`
	Spinup      float64   `toml:"spinup"`
	SpinupSteps int       `toml:"spinup_steps"`
	Interval    int       `toml:"interval"`
	Seed        int64     `toml:"seed"`
	QtForcing   string    `toml:"qt_forcing"`
	Factor      float64   `toml:"factor"`
}

// applyConfigFile loads path and copies its values into every run flag the
// user did not set explicitly.
func applyConfigFile(cmd *cobra.Command, path string) error {
	var rc RunConfig
	if _, err := toml.DecodeFile(path, &rc); err != nil {
		return fmt.Errorf("run configuration %s: %w", path, err)
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if !flags.Changed(name) {
			apply()
		}
	}
	set("steps", func() {
		if rc.Steps != 0 {
			steps = rc.Steps
		}
	})
	set("poly", func() {
		if len(rc.Poly) > 0 {
			poly = rc.Poly
		}
	})
	set("gcmprocs", func() {
		if rc.GCMProcs != 0 {
			gcmProcs = rc.GCMProcs
		}
	})
	set("numles", func() {
		if rc.NumLES != 0 {
			numLES = rc.NumLES
		}
	})
	set("lesprocs", func() {
		if rc.LESProcs != 0 {
			lesProcs = rc.LESProcs
		}
	})
	set("gcmdir", func() {
		if rc.GCMDir != "" {
			gcmDir = rc.GCMDir
		}
	})
	set("gcmexp", func() {
		if rc.GCMExp != "" {
			gcmExp = rc.GCMExp
		}
	})
	set("lesdir", func() {
		if rc.LESDir != "" {
			lesDir = rc.LESDir
		}
	})
	set("odir", func() {
		if rc.OutputDir != "" {
			outputDir = rc.OutputDir
		}
	})
	set("cplsurf", func() { cplSurf = cplSurf || rc.CplSurf })
	set("channel", func() {
		if rc.Channel != "" {
			channel = rc.Channel
		}
	})
	set("spinup", func() {
		if rc.Spinup != 0 {
			spinup = rc.Spinup
		}
	})
	set("spinup_steps", func() {
		if rc.SpinupSteps != 0 {
			spinupSteps = rc.SpinupSteps
		}
	})
	set("interval", func() {
		if rc.Interval != 0 {
			interval = rc.Interval
		}
	})
	set("seed", func() {
		if rc.Seed != 0 {
			seed = rc.Seed
		}
	})
	set("qt_forcing", func() {
		if rc.QtForcing != "" {
			qtForcing = rc.QtForcing
		}
	})
	set("factor", func() {
		if rc.Factor != 0 {
			factor = rc.Factor
		}
	})
	return nil
}
