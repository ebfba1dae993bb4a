package inventory

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/address"
)

// fakeInstrument implements Instrument without hardware.
type fakeInstrument struct {
	addr  address.Address
	done  chan struct{}
	once  sync.Once
	hangs bool
}

func newFake(addr address.Address) *fakeInstrument {
	return &fakeInstrument{addr: addr, done: make(chan struct{})}
}

func (f *fakeInstrument) Address() address.Address { return f.addr }

func (f *fakeInstrument) Drop() {
	if f.hangs {
		return
	}
	f.kill()
}

func (f *fakeInstrument) kill() {
	f.once.Do(func() { close(f.done) })
}

func (f *fakeInstrument) Alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeInstrument) Done() <-chan struct{} { return f.done }

func mustParse(t *testing.T, s string) address.Address {
	t.Helper()
	addr, err := address.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", s, err)
	}
	return addr
}

func TestGetOrSpawnDeduplicates(t *testing.T) {
	inv := New(zap.NewNop())
	addr := mustParse(t, "tcp::127.0.0.1:9000")

	spawns := 0
	factory := func() (Instrument, error) {
		spawns++
		return newFake(addr), nil
	}
	first, err := inv.GetOrSpawn(addr, factory)
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	second, err := inv.GetOrSpawn(addr, factory)
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	if first != second {
		t.Error("same address must resolve to the same actor")
	}
	if spawns != 1 {
		t.Errorf("spawned %d actors, want 1", spawns)
	}
}

func TestHandleIdCollapse(t *testing.T) {
	// Two addresses differing only in configuration must share one
	// actor.
	inv := New(zap.NewNop())
	a := mustParse(t, "modbus::tcp::1.2.3.4:502::5")
	b := mustParse(t, "modbus::tcp::1.2.3.4:502::9")

	inst1, _ := inv.GetOrSpawn(a, func() (Instrument, error) { return newFake(a), nil })
	inst2, _ := inv.GetOrSpawn(b, func() (Instrument, error) { return newFake(b), nil })
	if inst1 != inst2 {
		t.Error("addresses with equal HandleId must share one actor")
	}
	if inv.Len() != 1 {
		t.Errorf("inventory holds %d entries, want 1", inv.Len())
	}
}

func TestDeadActorRespawned(t *testing.T) {
	inv := New(zap.NewNop())
	addr := mustParse(t, "tcp::127.0.0.1:9000")

	first := newFake(addr)
	inv.GetOrSpawn(addr, func() (Instrument, error) { return first, nil })
	first.kill()

	second, err := inv.GetOrSpawn(addr, func() (Instrument, error) { return newFake(addr), nil })
	if err != nil {
		t.Fatalf("GetOrSpawn failed: %v", err)
	}
	if second == Instrument(first) {
		t.Error("dead actor must be replaced")
	}
}

func TestDropIsIdempotent(t *testing.T) {
	inv := New(zap.NewNop())
	addr := mustParse(t, "tcp::127.0.0.1:9000")
	fake := newFake(addr)
	inv.GetOrSpawn(addr, func() (Instrument, error) { return fake, nil })

	inv.Drop(addr.HandleID(), time.Second)
	if fake.Alive() {
		t.Error("actor should be stopped after Drop")
	}
	if got := inv.List(); len(got) != 0 {
		t.Errorf("List after Drop = %v", got)
	}
	// Missing entry is a no-op.
	inv.Drop(addr.HandleID(), time.Second)
	inv.Drop(address.HandleId("nonexistent"), time.Second)
}

func TestDropGraceBoundsWait(t *testing.T) {
	inv := New(zap.NewNop())
	addr := mustParse(t, "tcp::127.0.0.1:9000")
	fake := newFake(addr)
	fake.hangs = true
	inv.GetOrSpawn(addr, func() (Instrument, error) { return fake, nil })

	start := time.Now()
	inv.Drop(addr.HandleID(), 30*time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Drop waited %v despite grace period", elapsed)
	}
}

func TestDropAllAndList(t *testing.T) {
	inv := New(zap.NewNop())
	addrs := []string{
		"tcp::127.0.0.1:9000",
		"serial::/dev/ttyUSB0::9600::8N1",
		"can::loopback",
	}
	for _, s := range addrs {
		addr := mustParse(t, s)
		inv.GetOrSpawn(addr, func() (Instrument, error) { return newFake(addr), nil })
	}
	if got := inv.List(); len(got) != 3 {
		t.Fatalf("List = %v, want 3 entries", got)
	}
	inv.DropAll(time.Second)
	if got := inv.List(); len(got) != 0 {
		t.Errorf("List after DropAll = %v", got)
	}
}

func TestConcurrentGetOrSpawn(t *testing.T) {
	inv := New(zap.NewNop())
	addr := mustParse(t, "tcp::127.0.0.1:9000")

	var mu sync.Mutex
	spawns := 0
	var wg sync.WaitGroup
	results := make([]Instrument, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := inv.GetOrSpawn(addr, func() (Instrument, error) {
				mu.Lock()
				spawns++
				mu.Unlock()
				return newFake(addr), nil
			})
			if err != nil {
				t.Errorf("GetOrSpawn failed: %v", err)
			}
			results[i] = inst
		}(i)
	}
	wg.Wait()
	if spawns != 1 {
		t.Errorf("spawned %d actors under contention, want 1", spawns)
	}
	for _, inst := range results[1:] {
		if inst != results[0] {
			t.Error("contending callers got different actors")
		}
	}
}
