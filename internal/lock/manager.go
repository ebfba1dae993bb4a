// internal/lock/manager.go
package lock

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
)

type lease struct {
	id       uuid.UUID
	deadline time.Time
}

func (l lease) expired(now time.Time) bool {
	return !now.Before(l.deadline)
}

// Manager serializes cross-client access to handles with timed leases.
// At most one non-expired lease exists per HandleId. Deadlines use
// time.Time's monotonic clock reading, so wall-clock jumps cannot
// extend or shorten a lease. Contention is fail-fast: a request that
// meets a foreign lease is rejected, not queued.
type Manager struct {
	mu     sync.Mutex
	leases map[address.HandleId]lease
	logger *zap.Logger
}

// NewManager creates an empty lease table.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		leases: make(map[address.HandleId]lease),
		logger: logger.With(zap.String("component", "lock")),
	}
}

// Lock acquires a lease on the handle for the given duration and
// returns its fresh id. Expired leases are reclaimed opportunistically;
// an active foreign lease fails with LockedByOther.
func (m *Manager) Lock(id address.HandleId, timeout time.Duration) (uuid.UUID, error) {
	if timeout <= 0 {
		return uuid.Nil, comerr.Argumentf("lock timeout must be positive")
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[id]; ok && !cur.expired(now) {
		return uuid.Nil, comerr.LockedByOther()
	}
	l := lease{id: uuid.New(), deadline: now.Add(timeout)}
	m.leases[id] = l
	m.logger.Debug("Lease acquired",
		zap.String("handle", id.String()),
		zap.String("lock_id", l.id.String()),
		zap.Duration("timeout", timeout),
	)
	return l.id, nil
}

// Unlock releases the lease iff lockID matches the current one.
// Mismatches are reported as argument errors; unlocking an absent or
// expired lease is a no-op.
func (m *Manager) Unlock(id address.HandleId, lockID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[id]
	if !ok || cur.expired(time.Now()) {
		delete(m.leases, id)
		return nil
	}
	if cur.id != lockID {
		return comerr.Argumentf("lock id %s does not match the current lease", lockID)
	}
	delete(m.leases, id)
	m.logger.Debug("Lease released", zap.String("handle", id.String()))
	return nil
}

// Release drops whatever lease is identified by lockID, regardless of
// the handle it covers. Used when an instrument is dropped together
// with its lock.
func (m *Manager) Release(lockID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for handle, cur := range m.leases {
		if cur.id == lockID {
			delete(m.leases, handle)
			return
		}
	}
}

// Check decides whether a request may proceed: allowed when no lease
// exists, the lease is expired, or the presented id matches.
func (m *Manager) Check(id address.HandleId, presented *uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[id]
	if !ok {
		return true
	}
	if cur.expired(time.Now()) {
		delete(m.leases, id)
		return true
	}
	return presented != nil && *presented == cur.id
}
