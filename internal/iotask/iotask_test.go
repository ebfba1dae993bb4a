package iotask

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/comerr"
)

// echoHandler replies with the request and records ordering.
type echoHandler struct {
	handled      []int
	disconnected atomic.Bool
	block        chan struct{}
	panicOn      int
}

func (h *echoHandler) Handle(ctx context.Context, req int) (int, error) {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return 0, comerr.Timeout()
		}
	}
	if h.panicOn != 0 && req == h.panicOn {
		panic("boom")
	}
	h.handled = append(h.handled, req)
	return req * 2, nil
}

func (h *echoHandler) Disconnect(ctx context.Context) {
	h.disconnected.Store(true)
}

func TestSendFIFO(t *testing.T) {
	h := &echoHandler{}
	task := New[int, int](h, zap.NewNop())
	defer task.Drop()

	for i := 1; i <= 5; i++ {
		resp, err := task.Send(context.Background(), i)
		if err != nil {
			t.Fatalf("Send(%d) failed: %v", i, err)
		}
		if resp != i*2 {
			t.Errorf("Send(%d) = %d, want %d", i, resp, i*2)
		}
	}
	for i, v := range h.handled {
		if v != i+1 {
			t.Errorf("handled[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestDropDisconnectsHandler(t *testing.T) {
	h := &echoHandler{}
	task := New[int, int](h, zap.NewNop())

	if !task.Alive() {
		t.Fatal("task should be alive before Drop")
	}
	task.Drop()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit after Drop")
	}
	if task.Alive() {
		t.Error("task should not be alive after Drop")
	}
	if !h.disconnected.Load() {
		t.Error("handler was not disconnected")
	}

	if _, err := task.Send(context.Background(), 1); !comerr.Is(err, comerr.KindDisconnected) {
		t.Errorf("Send after Drop = %v, want Disconnected", err)
	}
}

func TestPanicBecomesInternalAndKillsTask(t *testing.T) {
	h := &echoHandler{panicOn: 7}
	task := New[int, int](h, zap.NewNop())

	if _, err := task.Send(context.Background(), 7); !comerr.Is(err, comerr.KindInternal) {
		t.Errorf("panicking request = %v, want Internal", err)
	}
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task should terminate after a panic")
	}
	if !h.disconnected.Load() {
		t.Error("handler should be disconnected after a panic")
	}
}

func TestCancellationReleasesCaller(t *testing.T) {
	h := &echoHandler{block: make(chan struct{})}
	task := New[int, int](h, zap.NewNop())
	defer close(h.block)
	defer task.Drop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := task.Send(ctx, 1)
	if !comerr.Is(err, comerr.KindTimeout) {
		t.Errorf("cancelled Send = %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestStaleRequestSkipped(t *testing.T) {
	// A request whose context died while queued must not reach the
	// handler with a live transaction.
	h := &echoHandler{}
	task := New[int, int](h, zap.NewNop())
	defer task.Drop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := task.Send(ctx, 1); !comerr.Is(err, comerr.KindTimeout) {
		t.Errorf("Send with dead context = %v, want Timeout", err)
	}
}
