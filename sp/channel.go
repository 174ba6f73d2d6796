package sp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Op identifies one coupling-channel operation.
type Op int

const (
	// OpStep advances the model instance by Request.N model steps.
	OpStep Op = iota
	// OpGetFields pulls named fields, optionally restricted to GCM cells.
	OpGetFields
	// OpSetFields pushes forcing fields into the model instance.
	OpSetFields
	// OpTime queries the instance's simulated time.
	OpTime
	// OpShutdown requests a cooperative stop.
	OpShutdown
)

func (o Op) String() string {
	switch o {
	case OpStep:
		return "step"
	case OpGetFields:
		return "get-fields"
	case OpSetFields:
		return "set-fields"
	case OpTime:
		return "time"
	case OpShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Request is one channel message from the orchestrator to a process group.
type Request struct {
	Op     Op
	N      int       // OpStep: number of steps
	Names  []string  // OpGetFields: field names
	Cells  []int     // OpGetFields: GCM cell restriction (nil = whole instance)
	Fields *FieldSet // OpSetFields payload
}

// Response is the process group's reply. Err carries a remote failure as
// text so the same struct crosses process boundaries.
type Response struct {
	Time   float64
	Fields *FieldSet
	Err    string
}

// Channel is the reliable field transport between the orchestrator and one
// process group. Call blocks until the group acknowledges or the deadline
// expires; a missed deadline is a fatal failure of that group, never a
// silent stall. Implementations must be interchangeable: the scheduler and
// the field exchanger never know which transport is in use.
type Channel interface {
	Call(ctx context.Context, req Request) (Response, error)
	Close() error
}

// ErrChannelClosed is returned by Call after the remote side has gone away.
var ErrChannelClosed = errors.New("coupling channel closed")

// callDeadline derives the per-operation context. A zero timeout disables
// the deadline (tests drive cancellation through ctx instead).
func callDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
