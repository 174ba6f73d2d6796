package sp

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"
)

// State is the scheduler's lifecycle state.
type State int

const (
	Uninitialized State = iota
	SpinningUp
	Coupled
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SpinningUp:
		return "spinning-up"
	case Coupled:
		return "coupled"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Scheduler drives the shared time-stepping loop: it advances the GCM and
// every LES instance in lockstep and invokes the field exchanger at the
// coupling interval. It is the sole mutator of the Clock; the exchange for a
// step never begins before the GCM and all LES instances have completed that
// step and reached the same simulated time.
type Scheduler struct {
	Config *SimulationConfig

	GCM       *ProcessGroup
	LES       []*ProcessGroup
	Exchanger Exchanger
	Clock     *Clock

	// TimeStep is the GCM model step in seconds, taken from the
	// experiment manifest.
	TimeStep float64

	// lesOffset is the simulated time at which the LES instances joined
	// the run. They sit out the spin-up, so their local clocks lag the
	// shared clock by exactly this amount.
	lesOffset float64

	state State
}

// NewScheduler wires a scheduler over spawned groups.
func NewScheduler(cfg *SimulationConfig, timeStep float64, gcm *ProcessGroup, les []*ProcessGroup, ex Exchanger) *Scheduler {
	return &Scheduler{
		Config:    cfg,
		GCM:       gcm,
		LES:       les,
		Exchanger: ex,
		Clock:     &Clock{},
		TimeStep:  timeStep,
		state:     Uninitialized,
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State { return s.state }

// Run executes the whole coupled run: spin-up (when configured), then the
// coupled loop. On any unrecoverable failure, or when ctx is canceled, it
// drives an orderly shutdown of every remaining process group before
// propagating a single aggregated error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.state = SpinningUp
	if err := s.spinup(ctx); err != nil {
		return s.fail(err)
	}

	s.state = Coupled
	logrus.Infof("entering coupled phase: %d steps, interval %d, surface coupling %v",
		s.Config.Steps, s.Config.CouplingInterval, s.Config.CoupleSurface)
	for k := 1; k <= s.Config.Steps; k++ {
		if err := ctx.Err(); err != nil {
			return s.fail(WrapError(CategoryCoupling, "scheduler", "", err))
		}
		if err := s.stepAll(ctx, k); err != nil {
			return s.fail(err)
		}
		s.Clock.Advance(s.TimeStep)
		if err := s.barrier(ctx); err != nil {
			return s.fail(err)
		}
		if k%s.Config.CouplingInterval == 0 {
			if err := s.Exchanger.Exchange(ctx, k, s.Clock.Now()); err != nil {
				return s.fail(err)
			}
		}
		logrus.Infof("step %d/%d complete, t=%gs", k, s.Config.Steps, s.Clock.Now())
	}

	s.state = Finished
	errs := ShutdownAll(ctx, s.groups())
	if err := Aggregate(errs...); err != nil {
		return WrapError(CategoryChannel, "scheduler", "", err)
	}
	return nil
}

// spinup advances the GCM alone, without any field exchange, until the
// configured step count or duration is reached, whichever comes first. The
// LES instances stay idle.
func (s *Scheduler) spinup(ctx context.Context) error {
	if s.Config.SpinupSteps == 0 && s.Config.SpinupDuration == 0 {
		return nil
	}
	start := s.Clock.Now()
	for i := 0; ; i++ {
		if s.Config.SpinupSteps > 0 && i >= s.Config.SpinupSteps {
			break
		}
		if s.Config.SpinupDuration > 0 && s.Clock.Now()-start >= s.Config.SpinupDuration {
			break
		}
		if err := ctx.Err(); err != nil {
			return WrapError(CategoryCoupling, "scheduler", "", err)
		}
		if _, err := s.GCM.Step(ctx, 1); err != nil {
			return err
		}
		s.Clock.Advance(s.TimeStep)
	}
	s.lesOffset = s.Clock.Now()
	logrus.Infof("spin-up complete at t=%gs", s.Clock.Now())
	return nil
}

// stepAll advances the GCM and every LES instance one step, logically
// concurrently: the instances are causally independent until the exchange,
// so they run in parallel goroutines joined before the exchange may begin.
func (s *Scheduler) stepAll(ctx context.Context, k int) error {
	groups := s.groups()
	errs := make([]error, len(groups))
	done := make(chan int, len(groups))
	for i, g := range groups {
		go func(i int, g *ProcessGroup) {
			_, errs[i] = g.Step(ctx, 1)
			done <- i
		}(i, g)
	}
	for range groups {
		<-done
	}
	if err := Aggregate(errs...); err != nil {
		return WrapError(CategoryCoupling, "scheduler", "", err)
	}
	return nil
}

// barrier verifies that every process group reached the clock's simulated
// time before an exchange proceeds. Drift means a group skipped or repeated
// a step, which would silently corrupt the coupling. LES groups are checked
// against the clock minus their spin-up lag.
func (s *Scheduler) barrier(ctx context.Context) error {
	for _, g := range s.groups() {
		want := s.Clock.Now()
		if g.Spec.Role == RoleLES {
			want -= s.lesOffset
		}
		got, err := g.Time(ctx)
		if err != nil {
			return err
		}
		if math.Abs(got-want) > TimeTolerance {
			return Errorf(CategoryCoupling, "scheduler", g.Name(),
				"clock drift: group at t=%gs, run at t=%gs", got, want)
		}
	}
	return nil
}

// fail transitions to Failed and shuts every group down before returning
// the aggregated error. Shutdown runs on a fresh context so a canceled run
// still tears down cleanly, with the configured grace period.
func (s *Scheduler) fail(cause error) error {
	s.state = Failed
	timeout := s.Config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logrus.Errorf("run failed, shutting down %d process groups: %v", len(s.groups()), cause)
	errs := append([]error{cause}, ShutdownAll(ctx, s.groups())...)
	return Aggregate(errs...)
}

func (s *Scheduler) groups() []*ProcessGroup {
	groups := make([]*ProcessGroup, 0, len(s.LES)+1)
	groups = append(groups, s.GCM)
	return append(groups, s.LES...)
}
