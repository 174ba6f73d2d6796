package sp

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stdioGroup re-runs this test binary as a spawned process group. The mode
// picks the group's behavior in TestStdioProcessGroup.
func stdioGroup(t *testing.T, mode string, timeout time.Duration) *ExecChannel {
	t.Helper()
	t.Setenv("SP_STDIO_MODE", mode)
	argv := []string{os.Args[0], "-test.run=TestStdioProcessGroup"}
	ch, err := StartExecChannel(argv, timeout)
	require.NoError(t, err)
	return ch
}

// TestStdioProcessGroup is the body of the process groups spawned by the
// ExecChannel tests: it serves a stub engine over gob frames on its standard
// streams. Without SP_STDIO_MODE in the environment it is skipped.
func TestStdioProcessGroup(t *testing.T) {
	mode := os.Getenv("SP_STDIO_MODE")
	if mode == "" {
		t.Skip("runs only as a spawned process group")
	}
	e := &stubEngine{dt: 450}
	dec := gob.NewDecoder(os.Stdin)
	enc := gob.NewEncoder(os.Stdout)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			os.Exit(0)
		}
		switch mode {
		case "exit":
			os.Exit(0)
		case "garbage":
			fmt.Print("this is not a frame")
			time.Sleep(time.Minute) // killed by Close
		case "stall":
			time.Sleep(time.Minute) // killed by Close
		}
		resp := apply(e, req)
		if err := enc.Encode(&resp); err != nil {
			os.Exit(0)
		}
		if req.Op == OpShutdown {
			os.Exit(0)
		}
	}
}

func TestExecChannel_StepRoundTrip(t *testing.T) {
	ch := stdioGroup(t, "serve", 5*time.Second)
	defer ch.Close()

	resp, err := ch.Call(context.Background(), Request{Op: OpStep, N: 2})
	require.NoError(t, err)
	assert.Equal(t, 900.0, resp.Time)

	resp, err = ch.Call(context.Background(), Request{Op: OpTime})
	require.NoError(t, err)
	assert.Equal(t, 900.0, resp.Time)

	// cooperative shutdown, then Close only reaps
	_, err = ch.Call(context.Background(), Request{Op: OpShutdown})
	require.NoError(t, err)
	assert.NoError(t, ch.Close())
}

func TestExecChannel_FieldFramesCrossTheProcessBoundary(t *testing.T) {
	ch := stdioGroup(t, "serve", 5*time.Second)
	defer ch.Close()

	forcing := NewFieldSet(1, 450)
	forcing.Set("f_u", DenseProfile([]float64{0.1, 0.2}))
	forcing.Set("f_ps", DenseScalar(-0.3))
	resp, err := ch.Call(context.Background(), Request{Op: OpSetFields, Fields: forcing})
	require.NoError(t, err)
	assert.Empty(t, resp.Err)

	resp, err = ch.Call(context.Background(), Request{Op: OpGetFields})
	require.NoError(t, err)
	require.NotNil(t, resp.Fields)
	assert.Equal(t, 0, resp.Fields.Step)
}

func TestExecChannel_ProcessExitFailsTheCall(t *testing.T) {
	ch := stdioGroup(t, "exit", 5*time.Second)
	defer ch.Close()

	_, err := ch.Call(context.Background(), Request{Op: OpStep, N: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestExecChannel_CorruptFrameFailsTheCall(t *testing.T) {
	ch := stdioGroup(t, "garbage", 5*time.Second)
	defer ch.Close()

	_, err := ch.Call(context.Background(), Request{Op: OpTime})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestExecChannel_DeadlineMiss(t *testing.T) {
	ch := stdioGroup(t, "stall", 50*time.Millisecond)
	defer ch.Close()

	_, err := ch.Call(context.Background(), Request{Op: OpStep, N: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecChannel_CloseKillsAndReaps(t *testing.T) {
	ch := stdioGroup(t, "serve", 5*time.Second)
	assert.Same(t, os.Stderr, ch.cmd.Stderr)

	_, err := ch.Call(context.Background(), Request{Op: OpTime})
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close()) // idempotent
	assert.NotNil(t, ch.cmd.ProcessState, "spawned group was reaped")
}
