package sp

import (
	"context"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ipelupessy/sp-coupler/sp/grid"
	"github.com/ipelupessy/sp-coupler/sp/output"
)

// Run executes one complete coupled run: validate, select the transport,
// map the polygon onto the GCM grid, spawn the process groups and drive the
// coupled loop. It returns nil only when every configured step completed.
//
// Ordering matters for failure reporting: configuration and transport
// problems surface before any mapping work, and mapping problems surface
// before any process is spawned.
func Run(ctx context.Context, cfg *SimulationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	factory, err := NewFactory(cfg)
	if err != nil {
		return err
	}
	exp, err := LoadExperiment(cfg.GCMDir, cfg.GCMExp)
	if err != nil {
		return err
	}
	logrus.Infof("experiment %v", exp)

	regions, err := MapRegions(cfg, exp)
	if err != nil {
		return err
	}

	groups, err := LaunchAll(ctx, factory, GroupSpecs(cfg, exp, regions))
	if err != nil {
		return err
	}
	gcm, les := groups[0], groups[1:]

	writer, err := output.NewWriter(filepath.Join(cfg.OutputDir, output.StatsFile), maxInt(1, len(regions)), exp.LESLevels)
	if err != nil {
		errs := append([]error{WrapError(CategoryConfig, "output", "", err)}, ShutdownAll(ctx, groups)...)
		return Aggregate(errs...)
	}

	ex := &FieldExchanger{
		GCM:           gcm,
		LES:           les,
		Regions:       regions,
		CoupleSurface: cfg.CoupleSurface,
		TimeStep:      exp.TimeStep,
		LESHeights:    exp.LESHeights(),
		QtForcing:     cfg.QtForcing,
		Factor:        cfg.ForcingFactor,
		Recorder:      writer,
	}
	sched := NewScheduler(cfg, exp.TimeStep, gcm, les, ex)

	runErr := sched.Run(ctx)
	if err := writer.Close(); err != nil {
		runErr = Aggregate(runErr, WrapError(CategoryCoupling, "output", "", err))
	}
	if runErr == nil {
		logrus.Infof("run finished: %d steps, %d exchanges", cfg.Steps, ex.Calls())
	}
	return runErr
}

// MapRegions converts the run polygon into one region per LES instance.
// Mapping failures are fatal before any spawn.
func MapRegions(cfg *SimulationConfig, exp *Experiment) ([]grid.Region, error) {
	if cfg.NumLES == 0 {
		return nil, nil
	}
	g, err := grid.New(exp.NLat, exp.NLon)
	if err != nil {
		return nil, WrapError(CategoryMapping, "mapper", "", err)
	}
	poly, err := grid.ClosePolygon(cfg.Polygon)
	if err != nil {
		return nil, WrapError(CategoryMapping, "mapper", "", err)
	}
	regions, err := grid.Map(g, poly, cfg.NumLES, grid.StripTiling{})
	if err != nil {
		return nil, WrapError(CategoryMapping, "mapper", "", err)
	}
	for _, r := range regions {
		logrus.Infof("region %d: %d cells", r.Index, len(r.Cells))
	}
	return regions, nil
}

// GroupSpecs lays out the process groups of one run: the GCM first, then
// one LES group per region, each bound to its own data directory,
// experiment tag and derived seed.
func GroupSpecs(cfg *SimulationConfig, exp *Experiment, regions []grid.Region) []GroupSpec {
	specs := make([]GroupSpec, 0, len(regions)+1)
	gcm := GroupSpec{
		Role:       RoleGCM,
		Ranks:      cfg.GCMProcs,
		Dir:        cfg.GCMDir,
		Experiment: cfg.GCMExp,
		OutputDir:  cfg.OutputDir,
		NLat:       exp.NLat,
		NLon:       exp.NLon,
		Levels:     exp.Levels,
		TimeStep:   exp.TimeStep,
		LESDz:      exp.LESDz,
	}
	gcm.Seed = DeriveSeed(cfg.Seed, gcm.Name())
	specs = append(specs, gcm)

	for _, r := range regions {
		s := GroupSpec{
			Role:       RoleLES,
			Index:      r.Index,
			Ranks:      cfg.LESProcs,
			Dir:        cfg.LESDir,
			Experiment: cfg.GCMExp,
			OutputDir:  cfg.OutputDir,
			NLat:       exp.NLat,
			NLon:       exp.NLon,
			Levels:     exp.LESLevels,
			TimeStep:   exp.TimeStep,
			LESDz:      exp.LESDz,
			Cells:      r.Cells,
		}
		s.Seed = DeriveSeed(cfg.Seed, s.Name())
		specs = append(specs, s)
	}
	return specs
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
