package sp

import (
	"fmt"
	"sort"
)

// Engine is the in-process face of one model instance: an opaque simulation
// kernel exposing step / get-state / set-state. The memory channel serves an
// Engine directly; the exec channel speaks the same operations to a spawned
// process group instead.
type Engine interface {
	// Step advances the instance n model steps and returns its new
	// simulated time.
	Step(n int) (float64, error)
	// Time returns the instance's simulated time.
	Time() float64
	// GetFields samples the named fields; cells restricts GCM-gridded
	// fields to the given cell indices (nil for whole-instance profiles).
	GetFields(names []string, cells []int) (*FieldSet, error)
	// SetFields applies forcing fields.
	SetFields(fs *FieldSet) error
	// Close releases the instance's resources.
	Close() error
}

// EngineConstructor builds an Engine for one process group. Implementations
// register themselves by role via RegisterEngine, following the pattern of
// sub-packages setting package-level factories in their init functions.
type EngineConstructor func(spec GroupSpec) (Engine, error)

var engineConstructors = map[string]EngineConstructor{}

// RegisterEngine binds an engine constructor to a role ("gcm" or "les").
// Later registrations replace earlier ones.
func RegisterEngine(role string, c EngineConstructor) {
	engineConstructors[role] = c
}

// engineFor looks up the constructor registered for role.
func engineFor(role string) (EngineConstructor, error) {
	c, ok := engineConstructors[role]
	if !ok {
		return nil, fmt.Errorf("no engine registered for role %q (registered: %v)", role, registeredRoles())
	}
	return c, nil
}

func registeredRoles() []string {
	roles := make([]string, 0, len(engineConstructors))
	for r := range engineConstructors {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// apply executes one channel request against an engine. Shared by the
// memory channel and by any worker binary serving an engine behind the exec
// channel.
func apply(e Engine, req Request) Response {
	var resp Response
	switch req.Op {
	case OpStep:
		t, err := e.Step(req.N)
		resp.Time = t
		if err != nil {
			resp.Err = err.Error()
		}
	case OpGetFields:
		fs, err := e.GetFields(req.Names, req.Cells)
		resp.Fields = fs
		resp.Time = e.Time()
		if err != nil {
			resp.Err = err.Error()
		}
	case OpSetFields:
		if err := e.SetFields(req.Fields); err != nil {
			resp.Err = err.Error()
		}
		resp.Time = e.Time()
	case OpTime:
		resp.Time = e.Time()
	case OpShutdown:
		if err := e.Close(); err != nil {
			resp.Err = err.Error()
		}
		resp.Time = e.Time()
	default:
		resp.Err = fmt.Sprintf("unknown channel op %v", req.Op)
	}
	return resp
}
