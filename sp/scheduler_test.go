package sp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingExchanger notes the step and time of every exchange, optionally
// failing at one step.
type recordingExchanger struct {
	steps  []int
	times  []float64
	failAt int
}

func (x *recordingExchanger) Exchange(ctx context.Context, step int, now float64) error {
	if x.failAt != 0 && step == x.failAt {
		return errors.New("exchange exploded")
	}
	x.steps = append(x.steps, step)
	x.times = append(x.times, now)
	return nil
}

// testScheduler wires a scheduler over one stub GCM and nLES stub LES
// groups, all stepping dt model seconds.
func testScheduler(cfg *SimulationConfig, dt float64, nLES int, ex Exchanger) (*Scheduler, *stubEngine, []*stubEngine) {
	gcmEng := &stubEngine{dt: dt}
	gcm := stubGroup(RoleGCM, 0, gcmEng)
	var les []*ProcessGroup
	var lesEng []*stubEngine
	for i := 0; i < nLES; i++ {
		e := &stubEngine{dt: dt}
		lesEng = append(lesEng, e)
		les = append(les, stubGroup(RoleLES, i, e))
	}
	return NewScheduler(cfg, dt, gcm, les, ex), gcmEng, lesEng
}

func TestScheduler_RunToCompletion(t *testing.T) {
	cfg := &SimulationConfig{Steps: 4, CouplingInterval: 2, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{}
	s, gcmEng, lesEng := testScheduler(cfg, 450, 2, ex)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, Finished, s.State())

	// every group stepped every coupled step
	assert.Equal(t, 4, gcmEng.stepCount())
	for _, e := range lesEng {
		assert.Equal(t, 4, e.stepCount())
	}
	// exchanges ran only on interval boundaries, after the step completed
	assert.Equal(t, []int{2, 4}, ex.steps)
	assert.Equal(t, []float64{900, 1800}, ex.times)
	assert.InDelta(t, 1800, s.Clock.Now(), 1e-9)

	// the run shut everything down
	assert.True(t, s.GCM.Terminated())
	for _, g := range s.LES {
		assert.True(t, g.Terminated())
	}
}

// joinCheckingExchanger snapshots every engine's step counter at the moment
// each exchange begins.
type joinCheckingExchanger struct {
	engines []*stubEngine
	counts  [][]int
}

func (x *joinCheckingExchanger) Exchange(ctx context.Context, step int, now float64) error {
	snap := make([]int, len(x.engines))
	for i, e := range x.engines {
		snap[i] = e.stepCount()
	}
	x.counts = append(x.counts, snap)
	return nil
}

func TestScheduler_ExchangeWaitsForSlowestGroup(t *testing.T) {
	cfg := &SimulationConfig{Steps: 3, CouplingInterval: 1, ShutdownTimeout: DefaultShutdownTimeout}
	gcmEng := &stubEngine{dt: 100}
	fast := &stubEngine{dt: 100}
	slow := &stubEngine{dt: 100, stepDelay: 50 * time.Millisecond}
	ex := &joinCheckingExchanger{engines: []*stubEngine{gcmEng, fast, slow}}

	s := NewScheduler(cfg, 100,
		stubGroup(RoleGCM, 0, gcmEng),
		[]*ProcessGroup{stubGroup(RoleLES, 0, fast), stubGroup(RoleLES, 1, slow)}, ex)
	require.NoError(t, s.Run(context.Background()))

	// at every exchange the slow instance had already finished the step,
	// and no instance had run ahead
	require.Len(t, ex.counts, 3)
	for k, snap := range ex.counts {
		for _, n := range snap {
			assert.Equal(t, k+1, n, "exchange %d", k+1)
		}
	}
}

func TestScheduler_SpinupStepsGCMOnly(t *testing.T) {
	cfg := &SimulationConfig{Steps: 2, CouplingInterval: 1, SpinupSteps: 3, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{}
	s, gcmEng, lesEng := testScheduler(cfg, 100, 1, ex)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, Finished, s.State())

	// the GCM ran the warm-up alone
	assert.Equal(t, 5, gcmEng.stepCount())
	assert.Equal(t, 2, lesEng[0].stepCount())

	// exchanges happen on the shared clock, past the warm-up
	assert.Equal(t, []int{1, 2}, ex.steps)
	assert.Equal(t, []float64{400, 500}, ex.times)
}

func TestScheduler_SpinupDurationBound(t *testing.T) {
	// 250 model seconds of warm-up at dt=100 takes 3 steps
	cfg := &SimulationConfig{Steps: 1, CouplingInterval: 1, SpinupDuration: 250, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{}
	s, gcmEng, _ := testScheduler(cfg, 100, 1, ex)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 4, gcmEng.stepCount())
}

func TestScheduler_SpinupWhicheverBoundFirst(t *testing.T) {
	// the step bound (2) is reached before the duration bound (10 steps)
	cfg := &SimulationConfig{Steps: 1, CouplingInterval: 1,
		SpinupSteps: 2, SpinupDuration: 1000, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{}
	s, gcmEng, _ := testScheduler(cfg, 100, 1, ex)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, gcmEng.stepCount())
}

func TestScheduler_StepFailureFailsFast(t *testing.T) {
	cfg := &SimulationConfig{Steps: 10, CouplingInterval: 1, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{}
	s, _, lesEng := testScheduler(cfg, 100, 2, ex)
	lesEng[1].stepErr = errors.New("segfault in rank 3")

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, s.State())
	assert.Contains(t, err.Error(), "segfault in rank 3")

	// nothing was exchanged and every group is down
	assert.Empty(t, ex.steps)
	assert.True(t, s.GCM.Terminated())
	for _, g := range s.LES {
		assert.True(t, g.Terminated())
	}
}

func TestScheduler_ExchangeFailureFailsFast(t *testing.T) {
	cfg := &SimulationConfig{Steps: 10, CouplingInterval: 1, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{failAt: 2}
	s, gcmEng, _ := testScheduler(cfg, 100, 1, ex)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, []int{1}, ex.steps)
	assert.Equal(t, 2, gcmEng.stepCount())
}

func TestScheduler_ClockDriftDetected(t *testing.T) {
	cfg := &SimulationConfig{Steps: 3, CouplingInterval: 1, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{}
	s, _, lesEng := testScheduler(cfg, 100, 1, ex)
	// this instance quietly runs a double-length step
	lesEng[0].dt = 200

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, CategoryCoupling, CategoryOf(err))
	assert.Contains(t, err.Error(), "clock drift")
	assert.Equal(t, Failed, s.State())
	assert.Empty(t, ex.steps)
}

func TestScheduler_Cancellation(t *testing.T) {
	cfg := &SimulationConfig{Steps: 1000, CouplingInterval: 1, ShutdownTimeout: DefaultShutdownTimeout}
	ex := &recordingExchanger{}
	s, _, _ := testScheduler(cfg, 100, 1, ex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, Failed, s.State())
	assert.True(t, s.GCM.Terminated())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "spinning-up", SpinningUp.String())
	assert.Equal(t, "coupled", Coupled.String())
	assert.Equal(t, "finished", Finished.String())
	assert.Equal(t, "failed", Failed.String())
}
