package sp

import (
	"fmt"
	"sync"
	"time"
)

// stubEngine is a minimal in-process Engine for channel, launcher and
// scheduler tests. It counts steps, tracks simulated time and records every
// field set pushed into it.
type stubEngine struct {
	dt        float64
	stepDelay time.Duration
	stepErr   error

	mu       sync.Mutex
	steps    int
	time     float64
	closed   bool
	fields   *FieldSet // returned by GetFields, nil means empty
	setCalls []*FieldSet
}

func (e *stubEngine) Step(n int) (float64, error) {
	if e.stepDelay > 0 {
		time.Sleep(e.stepDelay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stepErr != nil {
		return e.time, e.stepErr
	}
	e.steps += n
	e.time += float64(n) * e.dt
	return e.time, nil
}

func (e *stubEngine) Time() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.time
}

func (e *stubEngine) GetFields(names []string, cells []int) (*FieldSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fields == nil {
		return NewFieldSet(e.steps, e.time), nil
	}
	return e.fields, nil
}

func (e *stubEngine) SetFields(fs *FieldSet) error {
	if fs == nil {
		return fmt.Errorf("nil field set")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setCalls = append(e.setCalls, fs)
	return nil
}

func (e *stubEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *stubEngine) stepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps
}

func (e *stubEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// stubGroup serves a stubEngine over a memory channel and wraps it in a
// process group with the given role.
func stubGroup(role string, index int, e *stubEngine) *ProcessGroup {
	spec := GroupSpec{Role: role, Index: index, Ranks: 1}
	return NewProcessGroup(spec, ServeEngine(e, time.Second))
}
