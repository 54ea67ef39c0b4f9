package manager

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/txcore"
	"github.com/sharedcode/txcore/transaction"
)

// Test_Commit_FirstCommitterWins: two transactions both write k1 and begin while both
// are ACTIVE. The one that commits first wins the key; the other's later commit fails
// with a write conflict on k1 and leaves it ABORTED with its locks released.
func Test_Commit_FirstCommitterWins(t *testing.T) {
	m := New()
	a, err := m.Begin(transaction.Options{IsolationLevel: txcore.ReadCommitted})
	if err != nil {
		t.Fatalf("Begin A error: %v", err)
	}
	b, err := m.Begin(transaction.Options{IsolationLevel: txcore.ReadCommitted})
	if err != nil {
		t.Fatalf("Begin B error: %v", err)
	}

	// Both write sets are populated directly (bypassing the manager's own locking)
	// to simulate a store that collects writes optimistically and only locks/
	// validates at commit time.
	if _, err := a.AddOperation(txcore.OpSet, "k1", nil, "a-value", nil); err != nil {
		t.Fatalf("A AddOperation error: %v", err)
	}
	if _, err := b.AddOperation(txcore.OpSet, "k1", nil, "b-value", nil); err != nil {
		t.Fatalf("B AddOperation error: %v", err)
	}

	if err := m.Commit(context.Background(), a.ID()); err != nil {
		t.Fatalf("expected A's commit to succeed as the first committer: %v", err)
	}
	if a.State() != txcore.Committed {
		t.Fatalf("expected A to be COMMITTED, got %s", a.State())
	}

	if err := m.Commit(context.Background(), b.ID()); err == nil {
		t.Fatal("expected B's commit to fail with a write conflict on k1 now that A has committed")
	}
	if b.State() != txcore.Aborted {
		t.Fatalf("expected B to be ABORTED after a failed commit, got %s", b.State())
	}
	if m.locks.HoldsLocks(b.ID()) {
		t.Fatal("expected B's locks to be released after a failed commit")
	}

	stats := m.GetStats()
	if stats.Committed != 1 || stats.Aborted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func Test_Commit_UnknownTransactionFails(t *testing.T) {
	m := New()
	if err := m.Commit(context.Background(), txcore.NewUUID()); err == nil {
		t.Fatal("expected commit of an unregistered transaction to fail")
	}
}

func Test_Cleanup_ZeroMaxAgeSweepsAllTerminal(t *testing.T) {
	m := New()
	a, _ := m.Begin(transaction.Options{})
	b, _ := m.Begin(transaction.Options{})
	m.Abort(a.ID(), "done")
	// b stays ACTIVE.

	removed := m.Cleanup(0)
	if removed != 1 {
		t.Fatalf("expected 1 terminal transaction removed, got %d", removed)
	}
	if _, ok := m.Get(a.ID()); ok {
		t.Fatal("expected aborted transaction to be removed")
	}
	if _, ok := m.Get(b.ID()); !ok {
		t.Fatal("expected active transaction to remain")
	}
}

func Test_Cleanup_RespectsMaxAge(t *testing.T) {
	m := New()
	a, _ := m.Begin(transaction.Options{})
	m.Abort(a.ID(), "done")

	if removed := m.Cleanup(time.Hour); removed != 0 {
		t.Fatalf("expected nothing removed under a long maxAge, got %d", removed)
	}
	if _, ok := m.Get(a.ID()); !ok {
		t.Fatal("expected recently-aborted transaction to remain")
	}
}

func Test_StateMonotonicity_CommitThenAbortIsRejected(t *testing.T) {
	m := New()
	tx, _ := m.Begin(transaction.Options{})
	if err := m.Commit(context.Background(), tx.ID()); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if tx.State() != txcore.Committed {
		t.Fatalf("expected COMMITTED, got %s", tx.State())
	}
	// Aborting an already-committed transaction is a documented no-op, not a second
	// state transition.
	m.Abort(tx.ID(), "too late")
	if tx.State() != txcore.Committed {
		t.Fatalf("expected state to remain COMMITTED, got %s", tx.State())
	}
}

func Test_GetActiveTransactions(t *testing.T) {
	m := New()
	a, _ := m.Begin(transaction.Options{})
	b, _ := m.Begin(transaction.Options{})
	m.Commit(context.Background(), a.ID())

	active := m.GetActiveTransactions()
	if len(active) != 1 || active[0].ID() != b.ID() {
		t.Fatalf("expected only B active, got %+v", active)
	}
}

func Test_GetTransactionDetails(t *testing.T) {
	m := New()
	tx, _ := m.Begin(transaction.Options{})
	m.Write(context.Background(), tx.ID(), "k1", nil, "v1", nil)

	details, ok := m.GetTransactionDetails(tx.ID())
	if !ok {
		t.Fatal("expected transaction details to be found")
	}
	if details.WriteSetSize != 1 || details.OperationCount != 1 {
		t.Fatalf("unexpected details: %+v", details)
	}
}

func Test_GetTransactionDetails_UnknownReturnsFalse(t *testing.T) {
	m := New()
	if _, ok := m.GetTransactionDetails(txcore.NewUUID()); ok {
		t.Fatal("expected unknown transaction to return false")
	}
}

func Test_GetSystemHealth(t *testing.T) {
	m := New()
	a, _ := m.Begin(transaction.Options{})
	b, _ := m.Begin(transaction.Options{})
	m.Commit(context.Background(), a.ID())
	m.Abort(b.ID(), "done")

	health := m.GetSystemHealth()
	if health.TotalTransactions != 2 || health.CommittedTransactions != 1 || health.AbortedTransactions != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.CommitRate != 0.5 {
		t.Fatalf("expected a 0.5 commit rate, got %v", health.CommitRate)
	}
}

func Test_GetStats_TracksDuration(t *testing.T) {
	m := New()
	tx, _ := m.Begin(transaction.Options{})
	if err := m.Commit(context.Background(), tx.ID()); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	stats := m.GetStats()
	if stats.TotalDuration <= 0 {
		t.Fatalf("expected a positive total duration, got %v", stats.TotalDuration)
	}
	if stats.AverageDuration != stats.TotalDuration {
		t.Fatalf("expected average to equal total for a single terminated transaction, got %v vs %v", stats.AverageDuration, stats.TotalDuration)
	}
}

func Test_DetectDeadlocks_ReportsBlockedWaiters(t *testing.T) {
	m := New()
	a, _ := m.Begin(transaction.Options{})
	b, _ := m.Begin(transaction.Options{})

	if _, err := m.Write(context.Background(), a.ID(), "k1", nil, "v1", nil); err != nil {
		t.Fatalf("A write error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		m.Write(ctx, b.ID(), "k1", nil, "v2", nil)
	}()

	// Give B's goroutine time to start blocking on k1's lock; B records no operation
	// until the lock is granted.
	time.Sleep(30 * time.Millisecond)

	findings, err := m.DetectDeadlocks(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("DetectDeadlocks error: %v", err)
	}
	// B waiting on A (who holds k1 and isn't waiting on anything) is not a cycle; this
	// just exercises that the waiter bookkeeping and detector wiring don't error and
	// don't spuriously report a cycle.
	for _, f := range findings {
		if f.Kind == "lock-cycle" {
			t.Fatalf("did not expect a lock-cycle finding for a simple non-cyclic wait: %+v", f)
		}
	}
	<-done
}

func Test_ResetStats(t *testing.T) {
	m := New()
	tx, _ := m.Begin(transaction.Options{})
	m.Commit(context.Background(), tx.ID())
	if m.GetStats().Committed != 1 {
		t.Fatal("expected 1 committed before reset")
	}
	m.ResetStats()
	stats := m.GetStats()
	if stats.Committed != 0 || stats.TotalStarted != 0 {
		t.Fatalf("expected zeroed stats after reset, got %+v", stats)
	}
	if _, ok := m.Get(tx.ID()); !ok {
		t.Fatal("expected ResetStats to leave the registry untouched")
	}
}
