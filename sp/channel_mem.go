package sp

import (
	"context"
	"sync"
	"time"
)

// MemChannel serves an in-process Engine from a dedicated goroutine, the
// static-partition analog of a sub-communicator inside one pre-launched MPI
// job. Field sets cross the channel by value (cloned), so neither side can
// mutate the other's arrays after an exchange.
type MemChannel struct {
	timeout time.Duration
	reqs    chan memCall

	closeOnce sync.Once
	done      chan struct{}
}

type memCall struct {
	req   Request
	reply chan Response
}

// ServeEngine starts a goroutine serving e and returns the channel bound to
// it. The goroutine exits on OpShutdown or Close.
func ServeEngine(e Engine, timeout time.Duration) *MemChannel {
	ch := &MemChannel{
		timeout: timeout,
		reqs:    make(chan memCall),
		done:    make(chan struct{}),
	}
	go ch.serve(e)
	return ch
}

func (ch *MemChannel) serve(e Engine) {
	for {
		select {
		case call := <-ch.reqs:
			resp := apply(e, call.req)
			if resp.Fields != nil {
				resp.Fields = resp.Fields.Clone()
			}
			call.reply <- resp
			if call.req.Op == OpShutdown {
				ch.Close()
				return
			}
		case <-ch.done:
			e.Close()
			return
		}
	}
}

// Call implements Channel. A deadline miss reports a channel failure for
// the served group.
func (ch *MemChannel) Call(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := callDeadline(ctx, ch.timeout)
	defer cancel()

	if req.Fields != nil {
		req.Fields = req.Fields.Clone()
	}
	call := memCall{req: req, reply: make(chan Response, 1)}
	select {
	case ch.reqs <- call:
	case <-ch.done:
		return Response{}, ErrChannelClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	select {
	case resp := <-call.reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Close stops the serving goroutine. Safe to call more than once.
func (ch *MemChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.done) })
	return nil
}
