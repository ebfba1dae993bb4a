// internal/inventory/inventory.go
package inventory

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/address"
)

// Instrument is one live actor as seen by the inventory: addressable,
// droppable, and observable for liveness. Instruments are referred to
// only through this interface and their mailboxes; there are no
// back-pointers from actors into the registry.
type Instrument interface {
	// Address returns the address the actor was spawned for.
	Address() address.Address
	// Drop signals graceful shutdown.
	Drop()
	// Alive reports whether the actor goroutine still runs.
	Alive() bool
	// Done is closed once the actor goroutine has exited.
	Done() <-chan struct{}
}

type entry struct {
	addr address.Address
	inst Instrument
}

// Inventory is the process-wide registry of live actors keyed by
// HandleId. All mutations happen under a short mutex; spawning is
// synchronous so the returned actor is ready to receive.
type Inventory struct {
	mu      sync.Mutex
	entries map[address.HandleId]entry
	logger  *zap.Logger
}

// New creates an empty inventory. Inventories are plain values; tests
// construct as many as they need.
func New(logger *zap.Logger) *Inventory {
	return &Inventory{
		entries: make(map[address.HandleId]entry),
		logger:  logger.With(zap.String("component", "inventory")),
	}
}

// GetOrSpawn returns the live actor for addr, spawning one via the
// factory if none exists. Dead entries (terminated actors) are replaced.
// The double check against Alive happens under the same lock as the
// insert, so concurrent callers cannot spawn duplicates.
func (i *Inventory) GetOrSpawn(addr address.Address, spawn func() (Instrument, error)) (Instrument, error) {
	id := addr.HandleID()
	i.mu.Lock()
	defer i.mu.Unlock()

	if e, ok := i.entries[id]; ok && e.inst.Alive() {
		return e.inst, nil
	}
	inst, err := spawn()
	if err != nil {
		return nil, err
	}
	i.logger.Debug("Spawned instrument", zap.String("address", addr.String()))
	i.entries[id] = entry{addr: addr, inst: inst}
	return inst, nil
}

// Get returns the live actor for the handle, or nil.
func (i *Inventory) Get(id address.HandleId) Instrument {
	i.mu.Lock()
	defer i.mu.Unlock()
	if e, ok := i.entries[id]; ok && e.inst.Alive() {
		return e.inst
	}
	return nil
}

// Drop removes the actor for the handle and signals shutdown, waiting
// until the actor exits or the grace period elapses. Dropping a missing
// entry is a no-op.
func (i *Inventory) Drop(id address.HandleId, grace time.Duration) {
	i.mu.Lock()
	e, ok := i.entries[id]
	if ok {
		delete(i.entries, id)
	}
	i.mu.Unlock()
	if !ok {
		return
	}
	i.logger.Debug("Dropping instrument", zap.String("address", e.addr.String()))
	e.inst.Drop()
	select {
	case <-e.inst.Done():
	case <-time.After(grace):
		i.logger.Warn("Instrument did not exit within grace period",
			zap.String("address", e.addr.String()),
		)
	}
}

// DropAll signals shutdown to every actor, then waits for all of them
// within one shared grace period.
func (i *Inventory) DropAll(grace time.Duration) {
	i.mu.Lock()
	dropped := make([]entry, 0, len(i.entries))
	for _, e := range i.entries {
		dropped = append(dropped, e)
	}
	i.entries = make(map[address.HandleId]entry)
	i.mu.Unlock()

	i.logger.Debug("Dropping all instruments", zap.Int("count", len(dropped)))
	for _, e := range dropped {
		e.inst.Drop()
	}
	deadline := time.After(grace)
	for _, e := range dropped {
		select {
		case <-e.inst.Done():
		case <-deadline:
			return
		}
	}
}

// List returns a sorted snapshot of the known instrument addresses.
func (i *Inventory) List() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.entries))
	for _, e := range i.entries {
		if e.inst.Alive() {
			out = append(out, e.addr.String())
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live entries.
func (i *Inventory) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, e := range i.entries {
		if e.inst.Alive() {
			n++
		}
	}
	return n
}
