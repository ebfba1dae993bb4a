package lock

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comsrv/internal/address"
	"comsrv/internal/comerr"
)

const handle = address.HandleId("/dev/ttyUSB0")

func TestLockExclusion(t *testing.T) {
	m := NewManager(zap.NewNop())

	id, err := m.Lock(handle, time.Minute)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := m.Lock(handle, time.Minute); !comerr.Is(err, comerr.KindLockedByOther) {
		t.Errorf("second Lock = %v, want LockedByOther", err)
	}

	if m.Check(handle, nil) {
		t.Error("Check without lock id should block")
	}
	if !m.Check(handle, &id) {
		t.Error("Check with matching lock id should pass")
	}
	other := uuid.New()
	if m.Check(handle, &other) {
		t.Error("Check with foreign lock id should block")
	}
	if m.Check(address.HandleId("other"), nil) {
		// Unrelated handles are not affected.
	}
}

func TestUnlock(t *testing.T) {
	m := NewManager(zap.NewNop())

	id, _ := m.Lock(handle, time.Minute)
	if err := m.Unlock(handle, uuid.New()); !comerr.Is(err, comerr.KindArgument) {
		t.Errorf("Unlock with wrong id = %v, want Argument", err)
	}
	if err := m.Unlock(handle, id); err != nil {
		t.Errorf("Unlock failed: %v", err)
	}
	if !m.Check(handle, nil) {
		t.Error("handle should be free after Unlock")
	}
	// Idempotent on missing lease.
	if err := m.Unlock(handle, id); err != nil {
		t.Errorf("Unlock on free handle = %v", err)
	}
}

func TestLeaseExpiry(t *testing.T) {
	m := NewManager(zap.NewNop())

	if _, err := m.Lock(handle, 20*time.Millisecond); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if m.Check(handle, nil) {
		t.Fatal("lease should be active")
	}
	time.Sleep(30 * time.Millisecond)
	if !m.Check(handle, nil) {
		t.Error("expired lease should not block")
	}
	// A new lock is grantable and gets a fresh id.
	id2, err := m.Lock(handle, time.Minute)
	if err != nil {
		t.Errorf("Lock after expiry failed: %v", err)
	}
	if id2 == uuid.Nil {
		t.Error("lock id must not be nil")
	}
}

func TestLeaseIdsNeverReused(t *testing.T) {
	m := NewManager(zap.NewNop())
	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 10; i++ {
		id, err := m.Lock(handle, time.Minute)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("lock id %s reused", id)
		}
		seen[id] = true
		if err := m.Unlock(handle, id); err != nil {
			t.Fatalf("Unlock failed: %v", err)
		}
	}
}

func TestRelease(t *testing.T) {
	m := NewManager(zap.NewNop())
	id, _ := m.Lock(handle, time.Minute)
	m.Release(id)
	if !m.Check(handle, nil) {
		t.Error("handle should be free after Release")
	}
}

func TestInvalidTimeout(t *testing.T) {
	m := NewManager(zap.NewNop())
	if _, err := m.Lock(handle, 0); !comerr.Is(err, comerr.KindArgument) {
		t.Errorf("Lock with zero timeout = %v, want Argument", err)
	}
}
