// Package transaction is the transaction lifecycle component: the state machine, the
// operation log, the derived read/write sets, the snapshot map and rollback
// synthesis. Grounded on the teacher's common/twophasecommittransaction.go
// state machine (phaseDone, Begin/Phase1Commit/Phase2Commit/Rollback, HasBegun), here
// collapsed to a simpler PENDING/ACTIVE/COMMITTED/ABORTED lifecycle since this core
// has no distributed two-phase protocol to drive.
package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/txcore"
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// ValidationCallback is invoked by Commit just before the transaction is marked
// COMMITTED. A non-nil error aborts the commit.
type ValidationCallback func(ctx context.Context, tx *Transaction) error

// Operation is an immutable log entry. READ operations only ever populate the owning
// transaction's read set; every other type only ever populates its write set.
type Operation struct {
	ID        txcore.UUID
	Type      txcore.OperationType
	Key       string
	OldValue  interface{}
	NewValue  interface{}
	Metadata  map[string]interface{}
	Timestamp time.Time
}

// Options configures a new transaction. A zero Options value yields a generated ID,
// a 60s timeout and a read-write transaction. IsolationLevel is used as given, so its
// zero value is READ_UNCOMMITTED; no READ_COMMITTED default is applied.
type Options struct {
	ID                 txcore.UUID // zero value means "generate one"
	IsolationLevel     txcore.IsolationLevel
	Timeout            time.Duration
	ReadOnly           bool
	ValidationCallback ValidationCallback
}

// Transaction is a single logical unit of reads/writes, owned by whichever caller
// began it. Every exported method is safe to call from a single goroutine at a time;
// concurrent readers (the isolation validator, the deadlock detector) only ever call
// the read-only accessors below.
type Transaction struct {
	mu sync.Mutex

	id             txcore.UUID
	state          txcore.TransactionState
	isolationLevel txcore.IsolationLevel
	timeout        time.Duration
	readOnly       bool

	startTime time.Time
	endTime   time.Time
	hasEnded  bool

	abortReason string

	operations []Operation
	readSet    map[string]struct{}
	writeSet   map[string]struct{}
	snapshot   map[string]interface{}

	validationCallback ValidationCallback

	nextOpSeq int
}

// New creates a PENDING transaction. Call Begin to activate it.
func New(opts Options) *Transaction {
	id := opts.ID
	if id.IsNil() {
		id = txcore.NewUUID()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transaction{
		id:                 id,
		state:              txcore.Pending,
		isolationLevel:     opts.IsolationLevel,
		timeout:            timeout,
		readOnly:           opts.ReadOnly,
		readSet:            make(map[string]struct{}),
		writeSet:           make(map[string]struct{}),
		snapshot:           make(map[string]interface{}),
		validationCallback: opts.ValidationCallback,
	}
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() txcore.UUID { return t.id }

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() txcore.TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsolationLevel returns the configured isolation level.
func (t *Transaction) IsolationLevel() txcore.IsolationLevel { return t.isolationLevel }

// Timeout returns the configured wall-clock timeout.
func (t *Transaction) Timeout() time.Duration { return t.timeout }

// ReadOnly reports whether the transaction rejects non-read operations.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// StartTime returns when Begin succeeded, or the zero time if it hasn't yet.
func (t *Transaction) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// EndTime returns when Commit/Abort succeeded, or the zero time if still ACTIVE.
func (t *Transaction) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}

// AbortReason returns the reason recorded by Abort, if any.
func (t *Transaction) AbortReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

// GetDuration returns endTime-startTime if the transaction has ended, Now()-startTime
// if it's still active, and nil if it never began.
func (t *Transaction) GetDuration() *time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime.IsZero() {
		return nil
	}
	end := txcore.Now()
	if t.hasEnded {
		end = t.endTime
	}
	d := end.Sub(t.startTime)
	return &d
}

// Operations returns a copy of the recorded operation log, in call order.
func (t *Transaction) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.operations))
	copy(out, t.operations)
	return out
}

// ReadSet returns a copy of the current read set.
func (t *Transaction) ReadSet() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySet(t.readSet)
}

// WriteSet returns a copy of the current write set.
func (t *Transaction) WriteSet() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySet(t.writeSet)
}

func copySet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Snapshot returns the transaction's raw snapshot map (expected values plus any
// ":range"/":query"/":predicate"/":index_range" metadata entries). Callers (the
// isolation validator) must not mutate the returned map.
func (t *Transaction) Snapshot() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// SetSnapshot records the expected value observed at key when the transaction's
// snapshot was taken.
func (t *Transaction) SetSnapshot(key string, expectedValue interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot[key] = expectedValue
}

// SetSnapshotRange, SetSnapshotQuery, SetSnapshotPredicate and SetSnapshotIndexRange
// attach the optional range/query/predicate/index_range metadata entries the key
// relationship analyzer consults for phantom-read detection.
func (t *Transaction) SetSnapshotRange(key string, v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot[key+":range"] = v
}

func (t *Transaction) SetSnapshotQuery(key string, v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot[key+":query"] = v
}

func (t *Transaction) SetSnapshotPredicate(key string, v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot[key+":predicate"] = v
}

func (t *Transaction) SetSnapshotIndexRange(key string, v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot[key+":index_range"] = v
}

// Begin transitions PENDING -> ACTIVE and stamps startTime. Legal only from PENDING.
func (t *Transaction) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txcore.Pending {
		return txcore.NewTransactionError(t.id, "begin", fmt.Errorf("cannot begin transaction in state %s", t.state))
	}
	t.state = txcore.Active
	t.startTime = txcore.Now()
	return nil
}

// AddOperation appends an operation to the log and updates the read or write set.
// Legal only while ACTIVE; rejects writes on a read-only transaction and enforces the
// transaction's wall-clock timeout lazily.
func (t *Transaction) AddOperation(opType txcore.OperationType, key string, oldValue, newValue interface{}, metadata map[string]interface{}) (Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != txcore.Active {
		return Operation{}, txcore.NewTransactionError(t.id, "write", fmt.Errorf("transaction is not active (state=%s)", t.state))
	}
	if t.readOnly && opType != txcore.OpRead {
		return Operation{}, txcore.NewTransactionError(t.id, "write", fmt.Errorf("transaction is read-only"))
	}
	if txcore.Now().Sub(t.startTime) > t.timeout {
		return Operation{}, txcore.NewTransactionError(t.id, "timeout", fmt.Errorf("transaction exceeded timeout %v", t.timeout))
	}

	t.nextOpSeq++
	op := Operation{
		ID:        txcore.NewUUID(),
		Type:      opType,
		Key:       key,
		OldValue:  oldValue,
		NewValue:  newValue,
		Metadata:  metadata,
		Timestamp: txcore.Now(),
	}
	t.operations = append(t.operations, op)

	if opType == txcore.OpRead {
		t.readSet[key] = struct{}{}
	} else {
		t.writeSet[key] = struct{}{}
	}
	return op, nil
}

// Commit runs the validation callback (if any) and, on success, transitions to
// COMMITTED. A non-nil validation error is wrapped as a txcore.ValidationError; this
// method does not abort itself on validation failure, it only reports the error — the
// caller (the transaction manager) decides whether and how to abort.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	cb := t.validationCallback
	state := t.state
	t.mu.Unlock()

	if state != txcore.Active {
		return txcore.NewTransactionError(t.id, "commit", fmt.Errorf("cannot commit transaction in state %s", state))
	}

	if cb != nil {
		if err := cb(ctx, t); err != nil {
			return txcore.NewValidationError(t.id, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txcore.Active {
		return txcore.NewTransactionError(t.id, "commit", fmt.Errorf("cannot commit transaction in state %s", t.state))
	}
	t.state = txcore.Committed
	t.endTime = txcore.Now()
	t.hasEnded = true
	return nil
}

// Abort transitions the transaction to ABORTED and records reason. Idempotent for
// transactions already in a terminal state: a second abort is a no-op.
func (t *Transaction) Abort(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == txcore.Committed || t.state == txcore.Aborted {
		return
	}
	t.state = txcore.Aborted
	t.endTime = txcore.Now()
	t.hasEnded = true
	t.abortReason = reason
}

// GetRollbackOperations synthesizes the inverse of every non-READ operation, in
// reverse log order:
//
//	SET with no old value  -> DELETE
//	SET with an old value  -> SET swapping old/new
//	DELETE                 -> SET restoring the old value
//
// BATCH entries are opaque for rollback and cause this to fail cleanly.
func (t *Transaction) GetRollbackOperations() ([]Operation, error) {
	t.mu.Lock()
	ops := make([]Operation, len(t.operations))
	copy(ops, t.operations)
	t.mu.Unlock()

	var rollbacks []Operation
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.Type {
		case txcore.OpRead:
			continue
		case txcore.OpSet:
			if op.OldValue == nil {
				rollbacks = append(rollbacks, Operation{
					ID: txcore.NewUUID(), Type: txcore.OpDelete, Key: op.Key,
					OldValue: op.NewValue, Timestamp: txcore.Now(),
				})
			} else {
				rollbacks = append(rollbacks, Operation{
					ID: txcore.NewUUID(), Type: txcore.OpSet, Key: op.Key,
					OldValue: op.NewValue, NewValue: op.OldValue, Timestamp: txcore.Now(),
				})
			}
		case txcore.OpDelete:
			rollbacks = append(rollbacks, Operation{
				ID: txcore.NewUUID(), Type: txcore.OpSet, Key: op.Key,
				OldValue: nil, NewValue: op.OldValue, Timestamp: txcore.Now(),
			})
		default:
			return nil, txcore.NewTransactionError(t.id, "rollback", fmt.Errorf("unknown operation type %s at key %q", op.Type, op.Key))
		}
	}
	return rollbacks, nil
}
