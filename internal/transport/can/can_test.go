package can

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/bus"
	"comsrv/internal/comerr"
	"comsrv/internal/protocol"
)

func loopbackActor(t *testing.T) (*Instrument, *bus.Bus) {
	t.Helper()
	b := bus.New(zap.NewNop())
	inst := New(address.CanAddress{Backend: address.CanLoopback}, b, zap.NewNop())
	t.Cleanup(inst.Drop)
	return inst, b
}

func send(t *testing.T, inst *Instrument, req protocol.CanRequest) protocol.CanResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := inst.Send(ctx, Request{Req: req})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return resp
}

func dataFrame(id uint32) protocol.CanMessage {
	return protocol.CanMessage{
		Data: &protocol.DataFrame{ID: id, Data: protocol.ByteArray{1, 2}},
	}
}

func TestLoopbackNotificationFanOut(t *testing.T) {
	inst, b := loopbackActor(t)
	subA, cancelA := b.Subscribe()
	subB, cancelB := b.Subscribe()
	defer cancelA()
	defer cancelB()

	listen := true
	resp := send(t, inst, protocol.CanRequest{ListenRaw: &listen})
	if resp.Started == nil || *resp.Started != "can::loopback" {
		t.Fatalf("ListenRaw reply = %+v", resp)
	}

	for id := uint32(1); id <= 3; id++ {
		if resp := send(t, inst, protocol.CanRequest{TxRaw: ptr(dataFrame(id))}); !resp.Ok {
			t.Fatalf("TxRaw reply = %+v", resp)
		}
	}

	for _, sub := range []<-chan bus.Notification{subA, subB} {
		for id := uint32(1); id <= 3; id++ {
			select {
			case n := <-sub:
				if n.Source != "can::loopback" {
					t.Errorf("notification source = %q", n.Source)
				}
				can := n.Response.Can
				if can == nil || can.Response.Raw == nil {
					t.Fatalf("notification payload = %+v", n.Response)
				}
				if got := can.Response.Raw.ID(); got != id {
					t.Errorf("frame %d arrived with id %d", id, got)
				}
			case <-time.After(time.Second):
				t.Fatal("notification not delivered")
			}
		}
	}
}

func TestStopListening(t *testing.T) {
	inst, b := loopbackActor(t)
	sub, cancel := b.Subscribe()
	defer cancel()

	listen := true
	send(t, inst, protocol.CanRequest{ListenRaw: &listen})
	resp := send(t, inst, protocol.CanRequest{StopAll: true})
	if resp.Stopped == nil {
		t.Fatalf("StopAll reply = %+v", resp)
	}
	send(t, inst, protocol.CanRequest{TxRaw: ptr(dataFrame(1))})
	select {
	case <-sub:
		t.Error("received notification after StopAll")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIdBoundaryValidation(t *testing.T) {
	inst, _ := loopbackActor(t)
	ctx := context.Background()

	cases := []struct {
		id    uint32
		ext   bool
		valid bool
	}{
		{0x7FF, false, true},
		{0x800, false, false},
		{0x1FFFFFFF, true, true},
		{0x20000000, true, false},
	}
	for _, c := range cases {
		msg := protocol.CanMessage{Data: &protocol.DataFrame{ID: c.id, ExtID: c.ext}}
		_, err := inst.Send(ctx, Request{Req: protocol.CanRequest{TxRaw: &msg}})
		if c.valid && err != nil {
			t.Errorf("id 0x%x ext=%v rejected: %v", c.id, c.ext, err)
		}
		if !c.valid && !comerr.Is(err, comerr.KindArgument) {
			t.Errorf("id 0x%x ext=%v = %v, want Argument", c.id, c.ext, err)
		}
	}

	long := protocol.CanMessage{Data: &protocol.DataFrame{ID: 1, Data: make(protocol.ByteArray, 9)}}
	if _, err := inst.Send(ctx, Request{Req: protocol.CanRequest{TxRaw: &long}}); !comerr.Is(err, comerr.KindArgument) {
		t.Errorf("9-byte payload = %v, want Argument", err)
	}
}

func ptr(m protocol.CanMessage) *protocol.CanMessage { return &m }
