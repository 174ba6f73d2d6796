package sp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemChannel_StepAndTime(t *testing.T) {
	e := &stubEngine{dt: 450}
	ch := ServeEngine(e, time.Second)
	defer ch.Close()

	resp, err := ch.Call(context.Background(), Request{Op: OpStep, N: 2})
	require.NoError(t, err)
	assert.Equal(t, 900.0, resp.Time)

	resp, err = ch.Call(context.Background(), Request{Op: OpTime})
	require.NoError(t, err)
	assert.Equal(t, 900.0, resp.Time)
	assert.Equal(t, 2, e.stepCount())
}

func TestMemChannel_ResponsesAreIsolated(t *testing.T) {
	e := &stubEngine{dt: 1}
	e.fields = NewFieldSet(0, 0)
	e.fields.Set("u", DenseProfile([]float64{1, 2, 3}))
	ch := ServeEngine(e, time.Second)
	defer ch.Close()

	// GIVEN a response pulled over the channel
	resp, err := ch.Call(context.Background(), Request{Op: OpGetFields, Names: []string{"u"}})
	require.NoError(t, err)
	u, err := resp.Fields.Profile("u")
	require.NoError(t, err)

	// WHEN the caller scribbles over the received array
	u[0] = -999

	// THEN the engine's state is untouched
	resp2, err := ch.Call(context.Background(), Request{Op: OpGetFields, Names: []string{"u"}})
	require.NoError(t, err)
	u2, err := resp2.Fields.Profile("u")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, u2)
}

func TestMemChannel_DeadlineMiss(t *testing.T) {
	e := &stubEngine{dt: 1, stepDelay: 200 * time.Millisecond}
	ch := ServeEngine(e, 10*time.Millisecond)
	defer ch.Close()

	_, err := ch.Call(context.Background(), Request{Op: OpStep, N: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemChannel_CallAfterClose(t *testing.T) {
	e := &stubEngine{dt: 1}
	ch := ServeEngine(e, time.Second)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close()) // idempotent

	_, err := ch.Call(context.Background(), Request{Op: OpTime})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestMemChannel_ShutdownStopsEngine(t *testing.T) {
	e := &stubEngine{dt: 1}
	ch := ServeEngine(e, time.Second)

	_, err := ch.Call(context.Background(), Request{Op: OpShutdown})
	require.NoError(t, err)
	assert.True(t, e.isClosed())

	_, err = ch.Call(context.Background(), Request{Op: OpTime})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestApply_RemoteErrorAsText(t *testing.T) {
	e := &stubEngine{dt: 1, stepErr: errors.New("model blew up")}
	resp := apply(e, Request{Op: OpStep, N: 1})
	assert.Equal(t, "model blew up", resp.Err)

	resp = apply(e, Request{Op: Op(99)})
	assert.Contains(t, resp.Err, "unknown channel op")
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "step", OpStep.String())
	assert.Equal(t, "get-fields", OpGetFields.String())
	assert.Equal(t, "set-fields", OpSetFields.String())
	assert.Equal(t, "time", OpTime.String())
	assert.Equal(t, "shutdown", OpShutdown.String())
}

func TestSpawnCommand(t *testing.T) {
	argv := SpawnCommand("/usr/bin/mpiexec", 4, "/data/les/bin/les", "--exp", "t21")
	assert.Equal(t, []string{"/usr/bin/mpiexec", "-n", "4", "/data/les/bin/les", "--exp", "t21"}, argv)
}

func TestStartExecChannel_EmptyCommand(t *testing.T) {
	_, err := StartExecChannel(nil, time.Second)
	assert.Error(t, err)
}
