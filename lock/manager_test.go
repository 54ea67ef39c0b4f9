package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sharedcode/txcore"
)

func Test_TryAcquire_SharedLocksCompose(t *testing.T) {
	m := NewManager()
	a, b := txcore.NewUUID(), txcore.NewUUID()

	if !m.TryAcquire(a, "k1", txcore.Shared) {
		t.Fatal("expected A to acquire shared lock")
	}
	if !m.TryAcquire(b, "k1", txcore.Shared) {
		t.Fatal("expected B to acquire shared lock alongside A")
	}
	stats := m.GetStats()
	if stats.SharedLocks != 1 {
		t.Fatalf("expected 1 shared lock entry, got %d", stats.SharedLocks)
	}
	if len(stats.RecordsLocked[0].Holders) != 2 {
		t.Fatalf("expected 2 holders, got %d", len(stats.RecordsLocked[0].Holders))
	}
}

func Test_TryAcquire_ExclusiveExcludesOthers(t *testing.T) {
	m := NewManager()
	a, c := txcore.NewUUID(), txcore.NewUUID()

	if !m.TryAcquire(a, "k1", txcore.Shared) {
		t.Fatal("expected A to acquire shared lock")
	}
	if m.TryAcquire(c, "k1", txcore.Exclusive) {
		t.Fatal("expected C's exclusive attempt to fail while A holds shared")
	}
}

func Test_AcquireLock_TimesOut(t *testing.T) {
	m := NewManager()
	a, c := txcore.NewUUID(), txcore.NewUUID()
	m.TryAcquire(a, "k1", txcore.Shared)

	start := time.Now()
	err := m.AcquireLock(context.Background(), c, "k1", txcore.Exclusive, 50*time.Millisecond)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var txErr txcore.Error
	if !asTxError(err, &txErr) || txErr.Code != txcore.ConcurrencyError {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("returned too quickly: %v", elapsed)
	}
}

func Test_UpgradeSafety(t *testing.T) {
	m := NewManager()
	a, b := txcore.NewUUID(), txcore.NewUUID()
	m.TryAcquire(a, "k1", txcore.Shared)

	if m.TryAcquire(a, "k1", txcore.Exclusive) == false {
		t.Fatal("expected sole holder to upgrade successfully")
	}
	m.ReleaseLock(a, "k1")

	m.TryAcquire(a, "k1", txcore.Shared)
	m.TryAcquire(b, "k1", txcore.Shared)
	if m.TryAcquire(a, "k1", txcore.Exclusive) {
		t.Fatal("expected upgrade to fail when another holder is present")
	}
}

func Test_ReleaseAllLocks(t *testing.T) {
	m := NewManager()
	a := txcore.NewUUID()
	m.TryAcquire(a, "k1", txcore.Shared)
	m.TryAcquire(a, "k2", txcore.Exclusive)

	if !m.HoldsLocks(a) {
		t.Fatal("expected A to hold locks")
	}
	n := m.ReleaseAllLocks(a)
	if n != 2 {
		t.Fatalf("expected 2 released, got %d", n)
	}
	if m.HoldsLocks(a) {
		t.Fatal("expected A to hold no locks after release")
	}
	if m.GetStats().TotalLocks != 0 {
		t.Fatal("expected lock table empty after releasing the only holder")
	}
}

func Test_ReleaseLock_UnknownHolderReturnsFalse(t *testing.T) {
	m := NewManager()
	a, b := txcore.NewUUID(), txcore.NewUUID()
	m.TryAcquire(a, "k1", txcore.Shared)
	if m.ReleaseLock(b, "k1") {
		t.Fatal("expected release by non-holder to return false")
	}
}

func Test_ConcurrentSharedAcquisitions(t *testing.T) {
	m := NewManager()
	const n = 50
	var wg sync.WaitGroup
	ids := make([]txcore.UUID, n)
	for i := range ids {
		ids[i] = txcore.NewUUID()
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id txcore.UUID) {
			defer wg.Done()
			m.TryAcquire(id, "hot-key", txcore.Shared)
		}(ids[i])
	}
	wg.Wait()
	stats := m.GetStats()
	if stats.TotalLocks != 1 || stats.UniqueHolders != n {
		t.Fatalf("expected 1 lock with %d holders, got %d locks / %d holders", n, stats.TotalLocks, stats.UniqueHolders)
	}
}

func asTxError(err error, out *txcore.Error) bool {
	te, ok := err.(txcore.Error)
	if ok {
		*out = te
	}
	return ok
}
