// internal/iotask/iotask.go
package iotask

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"comsrv/internal/comerr"
)

// Handler is the actor interface hosted by a Task. Handle owns the
// hardware handle exclusively: it runs on a single goroutine, one
// request at a time, in mailbox order.
type Handler[Req, Resp any] interface {
	// Handle processes one request. The context is the caller's and
	// fires on dispatch timeout or client disconnect; the handler must
	// abandon the transaction at its next suspension point.
	Handle(ctx context.Context, req Req) (Resp, error)

	// Disconnect closes the hardware handle. Called once when the task
	// shuts down.
	Disconnect(ctx context.Context)
}

type result[Resp any] struct {
	resp Resp
	err  error
}

type message[Req, Resp any] struct {
	ctx    context.Context
	req    Req
	answer chan result[Resp]
}

// Task hosts a Handler on its own goroutine and serializes requests
// into it through a FIFO mailbox. A Task survives transport errors; it
// terminates on Drop or when the handler panics.
type Task[Req, Resp any] struct {
	mailbox  chan message[Req, Resp]
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   *zap.Logger
}

const mailboxDepth = 32

// New spawns the actor goroutine for handler. The task is ready to
// receive before New returns.
func New[Req, Resp any](handler Handler[Req, Resp], logger *zap.Logger) *Task[Req, Resp] {
	t := &Task[Req, Resp]{
		mailbox: make(chan message[Req, Resp], mailboxDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go t.run(handler)
	return t
}

func (t *Task[Req, Resp]) run(handler Handler[Req, Resp]) {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			t.drain()
			t.disconnect(handler)
			return
		case msg := <-t.mailbox:
			resp, err, panicked := t.handle(handler, msg)
			msg.answer <- result[Resp]{resp: resp, err: err}
			if panicked {
				// The handler state is suspect; terminate so the next
				// request re-spawns a fresh actor.
				t.drain()
				t.disconnect(handler)
				return
			}
		}
	}
}

// handle invokes the handler, converting panics into internal errors.
func (t *Task[Req, Resp]) handle(handler Handler[Req, Resp], msg message[Req, Resp]) (resp Resp, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = comerr.Internalf("actor panic: %v", r)
			t.logger.Error("Actor panicked",
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)
		}
	}()
	if ctxErr := msg.ctx.Err(); ctxErr != nil {
		return resp, comerr.Timeout(), false
	}
	resp, err = handler.Handle(msg.ctx, msg.req)
	return resp, err, false
}

// drain fails all queued requests with Disconnected.
func (t *Task[Req, Resp]) drain() {
	for {
		select {
		case msg := <-t.mailbox:
			msg.answer <- result[Resp]{err: comerr.Disconnected()}
		default:
			return
		}
	}
}

func (t *Task[Req, Resp]) disconnect(handler Handler[Req, Resp]) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Actor panicked during disconnect", zap.Any("panic", r))
		}
	}()
	handler.Disconnect(context.Background())
}

// Send enqueues one request and waits for its reply or for ctx. The
// answer channel is buffered, so an abandoned request cannot block the
// actor or leak its mailbox slot.
func (t *Task[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	msg := message[Req, Resp]{
		ctx:    ctx,
		req:    req,
		answer: make(chan result[Resp], 1),
	}
	select {
	case t.mailbox <- msg:
	case <-t.stop:
		return zero, comerr.Disconnected()
	case <-t.done:
		return zero, comerr.Disconnected()
	case <-ctx.Done():
		return zero, comerr.Timeout()
	}
	select {
	case res := <-msg.answer:
		return res.resp, res.err
	case <-t.done:
		return zero, comerr.Disconnected()
	case <-ctx.Done():
		return zero, comerr.Timeout()
	}
}

// Drop signals graceful shutdown. Pending requests fail with
// Disconnected; the hardware handle is closed.
func (t *Task[Req, Resp]) Drop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Alive reports whether the actor goroutine is still running.
func (t *Task[Req, Resp]) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed once the actor goroutine has exited.
func (t *Task[Req, Resp]) Done() <-chan struct{} {
	return t.done
}
