package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/txcore"
)

func Test_Lifecycle_PendingToActiveToCommitted(t *testing.T) {
	tx := New(Options{})
	if tx.State() != txcore.Pending {
		t.Fatalf("expected PENDING, got %s", tx.State())
	}
	if err := tx.Begin(); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if tx.State() != txcore.Active {
		t.Fatalf("expected ACTIVE, got %s", tx.State())
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if tx.State() != txcore.Committed {
		t.Fatalf("expected COMMITTED, got %s", tx.State())
	}
	if tx.EndTime().Before(tx.StartTime()) {
		t.Fatal("expected endTime >= startTime")
	}
}

func Test_Begin_TwiceFails(t *testing.T) {
	tx := New(Options{})
	if err := tx.Begin(); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := tx.Begin(); err == nil {
		t.Fatal("expected second Begin to fail")
	}
}

func Test_Abort_IsIdempotentOnTerminalState(t *testing.T) {
	tx := New(Options{})
	tx.Begin()
	tx.Abort("first")
	if tx.AbortReason() != "first" {
		t.Fatalf("expected abort reason 'first', got %q", tx.AbortReason())
	}
	tx.Abort("second")
	if tx.AbortReason() != "first" {
		t.Fatal("expected second abort to be a no-op")
	}
	if err := tx.Commit(context.Background()); err == nil {
		t.Fatal("expected commit on aborted transaction to fail")
	}
}

func Test_AddOperation_ReadOnlyRejectsWrites(t *testing.T) {
	tx := New(Options{ReadOnly: true})
	tx.Begin()
	if _, err := tx.AddOperation(txcore.OpRead, "k1", nil, "v1", nil); err != nil {
		t.Fatalf("expected read to succeed on read-only tx: %v", err)
	}
	if _, err := tx.AddOperation(txcore.OpSet, "k1", nil, "v2", nil); err == nil {
		t.Fatal("expected write on read-only tx to fail")
	}
}

func Test_AddOperation_UpdatesReadAndWriteSets(t *testing.T) {
	tx := New(Options{})
	tx.Begin()
	tx.AddOperation(txcore.OpRead, "k1", nil, nil, nil)
	tx.AddOperation(txcore.OpSet, "k2", nil, "v", nil)

	rs, ws := tx.ReadSet(), tx.WriteSet()
	if _, ok := rs["k1"]; !ok {
		t.Fatal("expected k1 in read set")
	}
	if _, ok := ws["k2"]; !ok {
		t.Fatal("expected k2 in write set")
	}
	if _, ok := ws["k1"]; ok {
		t.Fatal("did not expect k1 in write set")
	}
}

func Test_AddOperation_TimesOut(t *testing.T) {
	tx := New(Options{Timeout: 10 * time.Millisecond})
	tx.Begin()
	time.Sleep(20 * time.Millisecond)
	if _, err := tx.AddOperation(txcore.OpSet, "k1", nil, "v", nil); err == nil {
		t.Fatal("expected timeout error")
	}
}

func Test_Commit_ValidationCallbackFailureDoesNotAbort(t *testing.T) {
	tx := New(Options{
		ValidationCallback: func(ctx context.Context, tx *Transaction) error {
			return errValidation
		},
	})
	tx.Begin()
	if err := tx.Commit(context.Background()); err == nil {
		t.Fatal("expected validation failure to propagate")
	}
	// Commit reports the error but does not itself transition state; the caller
	// decides whether and how to abort.
	if tx.State() != txcore.Active {
		t.Fatalf("expected transaction to remain ACTIVE after a reported validation error, got %s", tx.State())
	}
}

var errValidation = txcore.Error{Code: txcore.ValidationError, Op: "validation", Err: errBoom{}}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func Test_GetRollbackOperations_DeleteRoundTrips(t *testing.T) {
	tx := New(Options{})
	tx.Begin()
	tx.AddOperation(txcore.OpDelete, "u1", map[string]string{"name": "x"}, nil, nil)

	rollbacks, err := tx.GetRollbackOperations()
	if err != nil {
		t.Fatalf("GetRollbackOperations error: %v", err)
	}
	if len(rollbacks) != 1 {
		t.Fatalf("expected 1 rollback op, got %d", len(rollbacks))
	}
	rb := rollbacks[0]
	if rb.Type != txcore.OpSet || rb.Key != "u1" {
		t.Fatalf("unexpected rollback op: %+v", rb)
	}

	// Feeding the rollback's SET back through the same synthesis should produce a
	// DELETE restoring the original state.
	tx2 := New(Options{})
	tx2.Begin()
	tx2.AddOperation(txcore.OpSet, rb.Key, rb.OldValue, rb.NewValue, nil)
	again, err := tx2.GetRollbackOperations()
	if err != nil {
		t.Fatalf("second GetRollbackOperations error: %v", err)
	}
	if again[0].Type != txcore.OpDelete {
		t.Fatalf("expected DELETE when re-synthesizing, got %s", again[0].Type)
	}
}

func Test_GetRollbackOperations_SetWithOldValue(t *testing.T) {
	tx := New(Options{})
	tx.Begin()
	tx.AddOperation(txcore.OpSet, "k1", "old", "new", nil)
	rollbacks, _ := tx.GetRollbackOperations()
	if rollbacks[0].Type != txcore.OpSet || rollbacks[0].OldValue != "new" || rollbacks[0].NewValue != "old" {
		t.Fatalf("expected swapped SET rollback, got %+v", rollbacks[0])
	}
}

func Test_GetRollbackOperations_SetWithNoOldValueBecomesDelete(t *testing.T) {
	tx := New(Options{})
	tx.Begin()
	tx.AddOperation(txcore.OpSet, "k1", nil, "new", nil)
	rollbacks, _ := tx.GetRollbackOperations()
	if rollbacks[0].Type != txcore.OpDelete {
		t.Fatalf("expected DELETE rollback for a SET with no prior value, got %s", rollbacks[0].Type)
	}
}

func Test_GetRollbackOperations_BatchFailsCleanly(t *testing.T) {
	tx := New(Options{})
	tx.Begin()
	tx.AddOperation(txcore.OpBatch, "k1", nil, "new", nil)
	if _, err := tx.GetRollbackOperations(); err == nil {
		t.Fatal("expected batch operations to fail rollback synthesis")
	}
}

func Test_GetRollbackOperations_ReverseOrder(t *testing.T) {
	tx := New(Options{})
	tx.Begin()
	tx.AddOperation(txcore.OpSet, "k1", nil, "v1", nil)
	tx.AddOperation(txcore.OpSet, "k2", nil, "v2", nil)
	rollbacks, _ := tx.GetRollbackOperations()
	if rollbacks[0].Key != "k2" || rollbacks[1].Key != "k1" {
		t.Fatalf("expected reverse order, got %+v", rollbacks)
	}
}

func Test_GetDuration(t *testing.T) {
	tx := New(Options{})
	if tx.GetDuration() != nil {
		t.Fatal("expected nil duration before Begin")
	}
	tx.Begin()
	if tx.GetDuration() == nil {
		t.Fatal("expected non-nil duration after Begin")
	}
	tx.Abort("done")
	d := tx.GetDuration()
	if d == nil || *d < 0 {
		t.Fatal("expected non-negative duration after termination")
	}
}
