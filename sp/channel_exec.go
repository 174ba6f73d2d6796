package sp

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// ExecChannel talks to a dynamically spawned process group over its standard
// streams: gob-encoded Request/Response frames, one call in flight at a
// time. The group is started with `mpiexec -n <ranks>` so the spawned side
// owns its own rank set.
type ExecChannel struct {
	cmd     *exec.Cmd
	enc     *gob.Encoder
	timeout time.Duration

	mu     sync.Mutex // one in-flight call
	resps  chan execResult
	exited chan error

	closeOnce sync.Once
	closeErr  error
}

type execResult struct {
	resp Response
	err  error
}

// SpawnCommand assembles the argv that launches one process group through
// the MPI runtime.
func SpawnCommand(mpiexec string, ranks int, binary string, args ...string) []string {
	argv := []string{mpiexec, "-n", strconv.Itoa(ranks), binary}
	return append(argv, args...)
}

// StartExecChannel spawns argv and wires the frame codec to its pipes. A
// spawn that fails to start is reported immediately; it never hangs.
func StartExecChannel(argv []string, timeout time.Duration) (*ExecChannel, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty spawn command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	// stdout carries the frame stream; model diagnostics pass through to
	// the orchestrator's stderr so a dying group is not silent
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	ch := &ExecChannel{
		cmd:     cmd,
		enc:     gob.NewEncoder(stdin),
		timeout: timeout,
		resps:   make(chan execResult, 1),
		exited:  make(chan error, 1),
	}
	go ch.readLoop(stdout)
	go func() { ch.exited <- cmd.Wait() }()
	return ch, nil
}

// readLoop decodes responses until the remote side closes its stream.
func (ch *ExecChannel) readLoop(r io.Reader) {
	dec := gob.NewDecoder(r)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			if err != io.EOF {
				err = fmt.Errorf("decode response: %w", err)
			} else {
				err = ErrChannelClosed
			}
			ch.resps <- execResult{err: err}
			return
		}
		ch.resps <- execResult{resp: resp}
	}
}

// Call implements Channel.
func (ch *ExecChannel) Call(ctx context.Context, req Request) (Response, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ctx, cancel := callDeadline(ctx, ch.timeout)
	defer cancel()

	if err := ch.enc.Encode(&req); err != nil {
		return Response{}, fmt.Errorf("encode %v request: %w", req.Op, err)
	}
	select {
	case res := <-ch.resps:
		return res.resp, res.err
	case err := <-ch.exited:
		ch.exited <- err // keep for Close
		return Response{}, fmt.Errorf("process group exited during %v: %w", req.Op, Aggregate(err, ErrChannelClosed))
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%v deadline: %w", req.Op, ctx.Err())
	}
}

// Close kills the spawned group if it is still running and reaps it. Safe to
// call after a cooperative shutdown.
func (ch *ExecChannel) Close() error {
	ch.closeOnce.Do(func() {
		if ch.cmd.Process != nil {
			ch.cmd.Process.Kill()
		}
		select {
		case <-ch.exited:
		case <-time.After(ch.killWait()):
			ch.closeErr = fmt.Errorf("process group did not exit after kill")
		}
	})
	return ch.closeErr
}

func (ch *ExecChannel) killWait() time.Duration {
	if ch.timeout > 0 {
		return ch.timeout
	}
	return 10 * time.Second
}
