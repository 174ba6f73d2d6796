package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/ctessum/geom"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ipelupessy/sp-coupler/sp"
	_ "github.com/ipelupessy/sp-coupler/sp/engines/synth"
)

// Version of the command, set at build time.
var Version = "development"

var (
	// CLI flags for the coupled run
	steps       int       // total coupled steps
	poly        []float64 // polygon vertices as flat lon lat pairs
	gcmProcs    int       // GCM process-group rank count
	numLES      int       // number of LES instances
	lesProcs    int       // ranks per LES instance
	gcmDir      string    // GCM input directory
	gcmExp      string    // GCM experiment tag
	lesDir      string    // LES input directory
	outputDir   string    // run output directory
	cplSurf     bool      // couple surface fields every step
	channel     string    // channel implementation
	spinup      float64   // uncoupled warm-up duration, model seconds
	spinupSteps int       // uncoupled warm-up step count
	interval    int       // coupling interval in steps
	timeout     time.Duration
	seed        int64
	logLevel    string
	configFile  string // optional TOML run configuration
	qtForcing   string
	factor      float64 // LES relaxation forcing strength
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "sp-coupler",
	Short: "Couples a global circulation model to superparametrizing LES instances",
}

// runCmd executes one coupled run using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one coupled GCM/LES simulation",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		logrus.SetLevel(level)

		if configFile != "" {
			if err := applyConfigFile(cmd, configFile); err != nil {
				return err
			}
		}

		cfg, err := buildConfig()
		if err != nil {
			return err
		}

		// a run-level interrupt abandons the loop and shuts every
		// process group down before exiting non-zero
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		start := time.Now()
		if err := sp.Run(ctx, cfg); err != nil {
			return err
		}
		logrus.Infof("completed %d coupled steps in %v", cfg.Steps, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sp-coupler ver. %s\n", Version)
	},
}

// buildConfig converts the flag values into an immutable SimulationConfig.
func buildConfig() (*sp.SimulationConfig, error) {
	if len(poly)%2 != 0 {
		return nil, fmt.Errorf("--poly needs lon lat pairs, got %d values", len(poly))
	}
	vertices := make([]geom.Point, len(poly)/2)
	for i := range vertices {
		vertices[i] = geom.Point{X: poly[2*i], Y: poly[2*i+1]}
	}
	return &sp.SimulationConfig{
		Steps:            steps,
		GCMProcs:         gcmProcs,
		NumLES:           numLES,
		LESProcs:         lesProcs,
		GCMDir:           gcmDir,
		GCMExp:           gcmExp,
		LESDir:           lesDir,
		OutputDir:        outputDir,
		CoupleSurface:    cplSurf,
		Channel:          sp.ChannelKind(channel),
		CouplingInterval: interval,
		SpinupDuration:   spinup,
		SpinupSteps:      spinupSteps,
		Polygon:          vertices,
		Seed:             seed,
		ChannelTimeout:   timeout,
		ShutdownTimeout:  sp.DefaultShutdownTimeout,
		QtForcing:        qtForcing,
		ForcingFactor:    factor,
	}, nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	f := runCmd.Flags()
	f.IntVar(&steps, "steps", 0, "Total coupled steps")
	f.Float64SliceVar(&poly, "poly", nil, "Polygon vertices as flat lon,lat pairs, closed implicitly")
	f.IntVar(&gcmProcs, "gcmprocs", 1, "GCM process-group rank count")
	f.IntVar(&numLES, "numles", 0, "Number of LES instances")
	f.IntVar(&lesProcs, "lesprocs", 1, "Ranks per LES instance")
	f.StringVar(&gcmDir, "gcmdir", "", "GCM input directory")
	f.StringVar(&gcmExp, "gcmexp", "", "GCM experiment tag")
	f.StringVar(&lesDir, "lesdir", "", "LES input directory")
	f.StringVar(&outputDir, "odir", "", "Output directory")
	f.BoolVar(&cplSurf, "cplsurf", false, "Couple surface fields every step")
	f.StringVar(&channel, "channel", string(sp.ChannelMPI), "Channel implementation (mpi, memory)")
	f.Float64Var(&spinup, "spinup", 0, "Uncoupled GCM warm-up duration in model seconds")
	f.IntVar(&spinupSteps, "spinup_steps", 0, "Uncoupled GCM warm-up step count")
	f.IntVar(&interval, "interval", sp.DefaultCouplingInterval, "Steps between coupling exchanges")
	f.DurationVar(&timeout, "timeout", sp.DefaultChannelTimeout, "Deadline for one channel operation")
	f.Int64Var(&seed, "seed", 42, "Master seed for the synthetic engines")
	f.StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	f.StringVar(&configFile, "config", "", "Optional TOML run configuration; flags override it")
	f.StringVar(&qtForcing, "qt_forcing", "sp", "Moisture forcing policy (sp, variance)")
	f.Float64Var(&factor, "factor", 1, "Relaxation strength of the LES forcings")

	// RunE failures are reported once, through the logger
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}
