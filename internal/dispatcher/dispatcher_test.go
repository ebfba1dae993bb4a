package dispatcher

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/bus"
	"comsrv/internal/inventory"
	"comsrv/internal/lock"
	"comsrv/internal/protocol"
)

type fixture struct {
	dispatcher *Dispatcher
	inventory  *inventory.Inventory
	bus        *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	inv := inventory.New(logger)
	locks := lock.NewManager(logger)
	b := bus.New(logger)
	d := New(inv, locks, b, logger, Options{
		RequestTimeout: 2 * time.Second,
		DropGrace:      500 * time.Millisecond,
	})
	t.Cleanup(func() { inv.DropAll(time.Second) })
	return &fixture{dispatcher: d, inventory: inv, bus: b}
}

// byteSink accepts connections and consumes whatever arrives.
func byteSink(t *testing.T) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 1024)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func writeRequest(addr string, payload []byte) protocol.Request {
	data := protocol.ByteArray(payload)
	return protocol.Request{Bytes: &protocol.BytesEnvelope{
		Instrument: "tcp::" + addr,
		Request:    protocol.ByteStreamRequest{Write: &data},
	}}
}

func TestWriteRoundTrip(t *testing.T) {
	f := newFixture(t)
	addr, stop := byteSink(t)
	defer stop()

	resp := f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{1, 2, 3, 4}))
	if resp.Bytes == nil || !resp.Bytes.Done {
		t.Fatalf("write reply = %+v", resp)
	}
	if got := f.inventory.List(); len(got) != 1 {
		t.Errorf("inventory = %v, want one entry", got)
	}
}

func TestReopenAfterRemoteRestart(t *testing.T) {
	f := newFixture(t)

	// Reserve a port, then shut the listener so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	resp := f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{1}))
	if resp.Error == nil || resp.Error.Kind != "Transport" {
		t.Fatalf("write to dead remote = %+v, want Transport error", resp)
	}

	// Bring the remote back; the actor must re-open and succeed.
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("re-listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				buf := make([]byte, 64)
				for {
					if _, err := conn.Read(buf); err != nil {
						conn.Close()
						return
					}
				}
			}(conn)
		}
	}()

	resp = f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{2}))
	if resp.Error != nil {
		t.Fatalf("write after remote restart = %+v, want Done", resp)
	}
	if resp.Bytes == nil || !resp.Bytes.Done {
		t.Fatalf("write reply = %+v", resp)
	}
}

func TestLockExclusion(t *testing.T) {
	f := newFixture(t)
	addr, stop := byteSink(t)
	defer stop()
	instrument := "tcp::" + addr

	resp := f.dispatcher.Handle(context.Background(), protocol.Request{
		Lock: &protocol.LockRequest{
			Addr:    instrument,
			Timeout: protocol.Duration{Micros: 200000},
		},
	})
	if resp.Locked == nil {
		t.Fatalf("lock reply = %+v", resp)
	}
	lockID := resp.Locked.LockID

	// Without the lock id the request is rejected.
	resp = f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{1}))
	if resp.Error == nil || resp.Error.Kind != "LockedByOther" {
		t.Fatalf("unlocked write = %+v, want LockedByOther", resp)
	}

	// With the lock id it passes.
	req := writeRequest(addr, []byte{1})
	req.Bytes.Lock = &lockID
	resp = f.dispatcher.Handle(context.Background(), req)
	if resp.Bytes == nil || !resp.Bytes.Done {
		t.Fatalf("locked write = %+v", resp)
	}

	// A second lock attempt while the lease is active fails fast.
	resp = f.dispatcher.Handle(context.Background(), protocol.Request{
		Lock: &protocol.LockRequest{Addr: instrument, Timeout: protocol.Duration{Seconds: 1}},
	})
	if resp.Error == nil || resp.Error.Kind != "LockedByOther" {
		t.Fatalf("second lock = %+v, want LockedByOther", resp)
	}

	// After the lease expires the handle is free again.
	time.Sleep(250 * time.Millisecond)
	resp = f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{2}))
	if resp.Bytes == nil || !resp.Bytes.Done {
		t.Fatalf("write after expiry = %+v", resp)
	}
}

func TestStationsShareActor(t *testing.T) {
	f := newFixture(t)
	// Dials happen lazily, so no listener is needed to observe the
	// inventory collapse.
	for _, station := range []int{5, 9} {
		f.dispatcher.Handle(context.Background(), protocol.Request{
			ModBus: &protocol.ModBusEnvelope{
				Instrument: fmt.Sprintf("modbus::tcp::127.0.0.1:1502::%d", station),
				Request:    protocol.ModBusRequest{ReadCoil: &protocol.RegisterRange{Addr: 0, Cnt: 1}},
			},
		})
	}
	if n := f.inventory.Len(); n != 1 {
		t.Errorf("inventory holds %d actors, want 1", n)
	}
}

func TestTypeMismatchRejected(t *testing.T) {
	f := newFixture(t)
	addr, stop := byteSink(t)
	defer stop()

	// Open the endpoint as a plain TCP byte stream first.
	resp := f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{1}))
	if resp.Bytes == nil {
		t.Fatalf("priming write = %+v", resp)
	}

	// The same socket addressed as a Modbus gateway must be rejected.
	resp = f.dispatcher.Handle(context.Background(), protocol.Request{
		ModBus: &protocol.ModBusEnvelope{
			Instrument: "modbus::tcp::" + addr,
			Request:    protocol.ModBusRequest{ReadCoil: &protocol.RegisterRange{Addr: 0, Cnt: 1}},
		},
	})
	if resp.Error == nil || resp.Error.Kind != "InvalidRequest" {
		t.Fatalf("mismatched request = %+v, want InvalidRequest", resp)
	}
}

func TestDropRemovesInstrument(t *testing.T) {
	f := newFixture(t)
	addr, stop := byteSink(t)
	defer stop()
	instrument := "tcp::" + addr

	f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{1}))
	if got := f.inventory.List(); len(got) != 1 {
		t.Fatalf("inventory = %v", got)
	}

	resp := f.dispatcher.Handle(context.Background(), protocol.Request{
		Drop: &protocol.DropRequest{Addr: instrument},
	})
	if !resp.Done {
		t.Fatalf("drop reply = %+v", resp)
	}
	resp = f.dispatcher.Handle(context.Background(), protocol.Request{ListInstruments: true})
	if resp.Instruments == nil || len(*resp.Instruments) != 0 {
		t.Errorf("instruments after drop = %+v", resp.Instruments)
	}

	// Re-referencing the address spawns a fresh actor.
	f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{2}))
	if got := f.inventory.List(); len(got) != 1 {
		t.Errorf("inventory after respawn = %v", got)
	}
}

func TestInvalidAddress(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), protocol.Request{
		Bytes: &protocol.BytesEnvelope{
			Instrument: "serial::/dev/ttyUSB0",
			Request:    protocol.ByteStreamRequest{ReadAll: true},
		},
	})
	if resp.Error == nil || resp.Error.Kind != "InvalidAddress" {
		t.Errorf("malformed address = %+v, want InvalidAddress", resp)
	}
}

func TestVersion(t *testing.T) {
	f := newFixture(t)
	resp := f.dispatcher.Handle(context.Background(), protocol.Request{Version: true})
	if resp.Version == nil || resp.Version.Major != VersionMajor {
		t.Errorf("version reply = %+v", resp)
	}
}

func TestShutdownDropsEverything(t *testing.T) {
	f := newFixture(t)
	addr, stop := byteSink(t)
	defer stop()

	f.dispatcher.Handle(context.Background(), writeRequest(addr, []byte{1}))

	shutdownCalled := make(chan struct{})
	f.dispatcher.opts.OnShutdown = func() { close(shutdownCalled) }

	resp := f.dispatcher.Handle(context.Background(), protocol.Request{Shutdown: true})
	if !resp.Done {
		t.Fatalf("shutdown reply = %+v", resp)
	}
	select {
	case <-shutdownCalled:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
	select {
	case <-f.dispatcher.ShuttingDown():
	default:
		t.Error("ShuttingDown channel should be closed")
	}
	if n := f.inventory.Len(); n != 0 {
		t.Errorf("inventory holds %d actors after shutdown", n)
	}
	// A repeated shutdown is idempotent.
	if resp := f.dispatcher.Handle(context.Background(), protocol.Request{Shutdown: true}); !resp.Done {
		t.Errorf("second shutdown reply = %+v", resp)
	}
}
