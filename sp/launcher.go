package sp

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Group roles.
const (
	RoleGCM = "gcm"
	RoleLES = "les"
)

// GroupState tracks a process group's lifecycle.
type GroupState int

const (
	GroupRunning GroupState = iota
	GroupTerminated
)

// GroupSpec describes one process group to spawn.
type GroupSpec struct {
	Role       string
	Index      int // LES instance index; 0 for the GCM
	Ranks      int
	Dir        string // instance data directory
	Experiment string // experiment tag
	OutputDir  string
	Seed       int64

	// Grid shape and stepping, from the experiment manifest.
	NLat, NLon int
	Levels     int
	TimeStep   float64
	LESDz      float64

	// Cells is the GCM cell set owned by a LES group's region.
	Cells []int
}

// Name returns the group's log/report name.
func (s GroupSpec) Name() string {
	if s.Role == RoleGCM {
		return RoleGCM
	}
	return fmt.Sprintf("%s-%d", s.Role, s.Index)
}

// ProcessGroup is the orchestrator's handle to one set of cooperating ranks
// running a model instance. It owns its channel exclusively; neither is
// shared between groups or reused after termination.
type ProcessGroup struct {
	Spec GroupSpec

	ch Channel

	mu    sync.Mutex
	state GroupState
}

// NewProcessGroup binds a spawned channel to its spec.
func NewProcessGroup(spec GroupSpec, ch Channel) *ProcessGroup {
	return &ProcessGroup{Spec: spec, ch: ch}
}

// Name returns the group's log/report name.
func (g *ProcessGroup) Name() string { return g.Spec.Name() }

// Terminated reports whether the group has been shut down.
func (g *ProcessGroup) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == GroupTerminated
}

func (g *ProcessGroup) call(ctx context.Context, req Request) (Response, error) {
	if g.Terminated() {
		return Response{}, Errorf(CategoryChannel, "channel", g.Name(), "group already terminated")
	}
	resp, err := g.ch.Call(ctx, req)
	if err != nil {
		return Response{}, WrapError(CategoryChannel, "channel", g.Name(), err)
	}
	if resp.Err != "" {
		return Response{}, Errorf(CategoryChannel, "channel", g.Name(), "%v failed remotely: %s", req.Op, resp.Err)
	}
	return resp, nil
}

// Step advances the group n model steps and returns its simulated time.
func (g *ProcessGroup) Step(ctx context.Context, n int) (float64, error) {
	resp, err := g.call(ctx, Request{Op: OpStep, N: n})
	return resp.Time, err
}

// GetFields pulls named fields from the group.
func (g *ProcessGroup) GetFields(ctx context.Context, names []string, cells []int) (*FieldSet, error) {
	resp, err := g.call(ctx, Request{Op: OpGetFields, Names: names, Cells: cells})
	if err != nil {
		return nil, err
	}
	if resp.Fields == nil {
		return nil, Errorf(CategoryChannel, "channel", g.Name(), "get-fields returned no payload")
	}
	return resp.Fields, nil
}

// SetFields pushes forcing fields into the group.
func (g *ProcessGroup) SetFields(ctx context.Context, fs *FieldSet) error {
	_, err := g.call(ctx, Request{Op: OpSetFields, Fields: fs})
	return err
}

// Time queries the group's simulated time.
func (g *ProcessGroup) Time(ctx context.Context) (float64, error) {
	resp, err := g.call(ctx, Request{Op: OpTime})
	return resp.Time, err
}

// Shutdown stops the group: cooperative first, then the channel's hard
// teardown. Idempotent; the group is unusable afterwards.
func (g *ProcessGroup) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.state == GroupTerminated {
		g.mu.Unlock()
		return nil
	}
	g.state = GroupTerminated
	g.mu.Unlock()

	_, coopErr := g.ch.Call(ctx, Request{Op: OpShutdown})
	closeErr := g.ch.Close()
	if coopErr != nil {
		// the hard teardown already ran; report only a failed kill
		logrus.Warnf("group %s did not stop cooperatively: %v", g.Name(), coopErr)
	}
	return WrapError(CategoryChannel, "shutdown", g.Name(), closeErr)
}

// ProcessGroupFactory creates process groups. Two implementations exist: the
// static in-process partition and dynamic MPI spawn. The choice is made by
// configuration, never hard-wired to one spawn path.
type ProcessGroupFactory interface {
	Kind() ChannelKind
	Spawn(ctx context.Context, spec GroupSpec) (*ProcessGroup, error)
}

// NewFactory builds the factory selected by cfg.Channel. It validates the
// transport before any mapping or spawning work happens, so an unsupported
// channel is reported first.
func NewFactory(cfg *SimulationConfig) (ProcessGroupFactory, error) {
	switch cfg.Channel {
	case ChannelMemory:
		return &StaticFactory{Timeout: cfg.ChannelTimeout}, nil
	case ChannelMPI:
		return NewSpawnFactory(cfg.ChannelTimeout)
	default:
		return nil, Errorf(CategoryConfig, "launcher", "", "unknown channel kind %q", cfg.Channel)
	}
}

// StaticFactory runs every model instance in-process, served over memory
// channels: the analog of partitioning the ranks of one pre-launched job by
// role. Engine implementations are looked up in the role registry.
type StaticFactory struct {
	Timeout time.Duration
}

// Kind implements ProcessGroupFactory.
func (f *StaticFactory) Kind() ChannelKind { return ChannelMemory }

// Spawn implements ProcessGroupFactory.
func (f *StaticFactory) Spawn(ctx context.Context, spec GroupSpec) (*ProcessGroup, error) {
	construct, err := engineFor(spec.Role)
	if err != nil {
		return nil, WrapError(CategorySpawn, "launcher", spec.Name(), err)
	}
	engine, err := construct(spec)
	if err != nil {
		return nil, WrapError(CategorySpawn, "launcher", spec.Name(), err)
	}
	return NewProcessGroup(spec, ServeEngine(engine, f.Timeout)), nil
}

// SpawnFactory creates process groups through the MPI runtime's dynamic
// process management. Runtimes without a working mpiexec (some vendor MPIs
// reject dynamic spawn outright) are reported at construction, not left to
// hang at first use.
type SpawnFactory struct {
	Mpiexec string
	Timeout time.Duration
}

// NewSpawnFactory checks for the MPI launcher.
func NewSpawnFactory(timeout time.Duration) (*SpawnFactory, error) {
	path, err := exec.LookPath("mpiexec")
	if err != nil {
		return nil, Errorf(CategorySpawn, "launcher", "",
			"dynamic process spawning unsupported on this runtime: %v", err)
	}
	return &SpawnFactory{Mpiexec: path, Timeout: timeout}, nil
}

// Kind implements ProcessGroupFactory.
func (f *SpawnFactory) Kind() ChannelKind { return ChannelMPI }

// Spawn implements ProcessGroupFactory. The group binary is expected at
// <dir>/bin/<role>, taking its experiment tag and output directory as
// arguments and speaking the gob frame protocol on its standard streams.
func (f *SpawnFactory) Spawn(ctx context.Context, spec GroupSpec) (*ProcessGroup, error) {
	binary := filepath.Join(spec.Dir, "bin", spec.Role)
	argv := SpawnCommand(f.Mpiexec, spec.Ranks, binary,
		"--exp", spec.Experiment, "--odir", spec.OutputDir)
	ch, err := StartExecChannel(argv, f.Timeout)
	if err != nil {
		return nil, WrapError(CategorySpawn, "launcher", spec.Name(), err)
	}
	return NewProcessGroup(spec, ch), nil
}

// LaunchAll spawns the GCM group and one group per LES region. If any spawn
// fails it tears down every group already spawned and returns one aggregated
// error: partial successful spawns never survive.
func LaunchAll(ctx context.Context, f ProcessGroupFactory, specs []GroupSpec) ([]*ProcessGroup, error) {
	groups := make([]*ProcessGroup, 0, len(specs))
	for _, spec := range specs {
		logrus.Infof("spawning group %s (%d ranks, %s channel)", spec.Name(), spec.Ranks, f.Kind())
		g, err := f.Spawn(ctx, spec)
		if err != nil {
			errs := []error{WrapError(CategorySpawn, "launcher", spec.Name(), err)}
			errs = append(errs, ShutdownAll(ctx, groups)...)
			return nil, Aggregate(errs...)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// ShutdownAll stops every group, collecting failures.
func ShutdownAll(ctx context.Context, groups []*ProcessGroup) []error {
	var errs []error
	for _, g := range groups {
		if err := g.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
