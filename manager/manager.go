// Package manager is the transaction manager: the owning registry that ties the lock
// manager, the transaction lifecycle, the isolation validator and the deadlock
// detector together into the single entry point a host process drives. Grounded on
// the teacher's in_memory/transaction_manager.go
// registry-plus-lock-manager shape, generalized from SOP's two-phase-commit-across-
// storage-backends orchestration to this core's single in-memory commit path: acquire
// every write lock, validate isolation, mark committed, always release.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sharedcode/txcore"
	"github.com/sharedcode/txcore/deadlock"
	"github.com/sharedcode/txcore/isolation"
	"github.com/sharedcode/txcore/lock"
	"github.com/sharedcode/txcore/transaction"
)

// DefaultCleanupMaxAge is used by Cleanup when the caller passes a negative maxAge.
const DefaultCleanupMaxAge = 1 * time.Hour

// Manager owns the transaction registry and the lock table shared by every
// transaction it begins. All exported methods are safe for concurrent use.
type Manager struct {
	locks *lock.Manager

	mu           sync.Mutex
	transactions map[txcore.UUID]*transaction.Transaction

	statsMu sync.Mutex
	stats   Stats
}

// New creates an empty transaction manager.
func New() *Manager {
	return &Manager{
		locks:        lock.NewManager(),
		transactions: make(map[txcore.UUID]*transaction.Transaction),
	}
}

// Locks exposes the underlying lock manager, e.g. for a host process that wants to
// report GetStats() directly.
func (m *Manager) Locks() *lock.Manager { return m.locks }

// Begin creates and activates a new transaction, registering it with the manager.
func (m *Manager) Begin(opts transaction.Options) (*transaction.Transaction, error) {
	tx := transaction.New(opts)
	if err := tx.Begin(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.transactions[tx.ID()] = tx
	m.mu.Unlock()

	m.statsMu.Lock()
	m.stats.TotalStarted++
	m.statsMu.Unlock()
	return tx, nil
}

// Get returns the transaction registered under id, if any.
func (m *Manager) Get(id txcore.UUID) (*transaction.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	return tx, ok
}

// registrySnapshot returns the current set of registered transactions, for the
// isolation validator and the deadlock detector.
func (m *Manager) registrySnapshot() []*transaction.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transaction.Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		out = append(out, tx)
	}
	return out
}

// Read acquires a shared lock on key (blocking up to tx's timeout) and records a READ
// operation against currentValue, the value the caller observed in its own store —
// this core validates and orders operations but owns no storage of its own.
func (m *Manager) Read(ctx context.Context, txID txcore.UUID, key string, currentValue interface{}) (transaction.Operation, error) {
	tx, ok := m.Get(txID)
	if !ok {
		return transaction.Operation{}, txcore.NewTransactionError(txID, "read", fmt.Errorf("unknown transaction"))
	}
	if err := m.acquire(ctx, tx, key, txcore.Shared); err != nil {
		return transaction.Operation{}, err
	}
	return tx.AddOperation(txcore.OpRead, key, nil, currentValue, nil)
}

// Write acquires an exclusive lock on key and records a SET or DELETE operation.
// newValue == nil means a DELETE; oldValue is whatever the caller's store held before
// this write, required for rollback synthesis.
func (m *Manager) Write(ctx context.Context, txID txcore.UUID, key string, oldValue, newValue interface{}, metadata map[string]interface{}) (transaction.Operation, error) {
	tx, ok := m.Get(txID)
	if !ok {
		return transaction.Operation{}, txcore.NewTransactionError(txID, "write", fmt.Errorf("unknown transaction"))
	}
	if err := m.acquire(ctx, tx, key, txcore.Exclusive); err != nil {
		return transaction.Operation{}, err
	}
	opType := txcore.OpSet
	if newValue == nil {
		opType = txcore.OpDelete
	}
	return tx.AddOperation(opType, key, oldValue, newValue, metadata)
}

func (m *Manager) acquire(ctx context.Context, tx *transaction.Transaction, key string, lockType txcore.LockType) error {
	return m.locks.AcquireLock(ctx, tx.ID(), key, lockType, tx.Timeout())
}

// Commit acquires an exclusive lock on every key in the transaction's write set (in a
// deterministic order, to avoid manager-induced lock-ordering deadlocks), runs the
// isolation validator, and on success marks the transaction COMMITTED. Every exit path
// — success, a validation failure, or a lock-acquisition failure — releases every lock
// the transaction holds and, on failure, aborts the transaction before returning the
// error.
func (m *Manager) Commit(ctx context.Context, txID txcore.UUID) error {
	tx, ok := m.Get(txID)
	if !ok {
		return txcore.NewTransactionError(txID, "commit", fmt.Errorf("unknown transaction"))
	}
	defer m.locks.ReleaseAllLocks(txID)

	if state := tx.State(); state != txcore.Active {
		return txcore.NewTransactionError(txID, "commit", fmt.Errorf("cannot commit transaction in state %s", state))
	}

	writeSet := tx.WriteSet()
	keys := make([]string, 0, len(writeSet))
	for k := range writeSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := m.locks.AcquireLock(ctx, txID, k, txcore.Exclusive, tx.Timeout()); err != nil {
			tx.Abort(err.Error())
			m.recordAbort(tx)
			return err
		}
	}

	if err := isolation.Validate(tx, m.registrySnapshot()); err != nil {
		tx.Abort(err.Error())
		m.recordAbort(tx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		tx.Abort(err.Error())
		m.recordAbort(tx)
		return err
	}

	m.statsMu.Lock()
	m.stats.Committed++
	m.statsMu.Unlock()
	m.recordDuration(tx)
	return nil
}

// Abort releases every lock the transaction holds and transitions it to ABORTED.
// Aborting an already COMMITTED or ABORTED transaction changes neither its state nor
// the manager's statistics.
func (m *Manager) Abort(txID txcore.UUID, reason string) error {
	tx, ok := m.Get(txID)
	if !ok {
		return txcore.NewTransactionError(txID, "abort", fmt.Errorf("unknown transaction"))
	}
	state := tx.State()
	tx.Abort(reason)
	m.locks.ReleaseAllLocks(txID)
	if state != txcore.Committed && state != txcore.Aborted {
		m.recordAbort(tx)
	}
	return nil
}

func (m *Manager) recordAbort(tx *transaction.Transaction) {
	m.statsMu.Lock()
	m.stats.Aborted++
	m.statsMu.Unlock()
	m.recordDuration(tx)
}

// ValidateTransactionIsolation runs the isolation validator against the current
// registry without acquiring locks or changing the transaction's state — a read-only
// pre-check a caller can use before attempting Commit.
func (m *Manager) ValidateTransactionIsolation(txID txcore.UUID) error {
	tx, ok := m.Get(txID)
	if !ok {
		return txcore.NewTransactionError(txID, "validate", fmt.Errorf("unknown transaction"))
	}
	return isolation.Validate(tx, m.registrySnapshot())
}

// DetectDeadlocks runs the deadlock detector against the manager's currently ACTIVE
// transactions and lock table.
func (m *Manager) DetectDeadlocks(ctx context.Context, timeoutThreshold time.Duration) ([]deadlock.Finding, error) {
	findings, err := deadlock.Detect(ctx, m.GetActiveTransactions(), m.locks.HoldersOf, m.locks.HoldsLocks, timeoutThreshold)
	if err != nil {
		return nil, err
	}
	if len(findings) > 0 {
		m.statsMu.Lock()
		m.stats.DeadlocksDetected += len(findings)
		m.statsMu.Unlock()
	}
	return findings, nil
}

// GetActiveTransactions returns every transaction currently in the ACTIVE state.
func (m *Manager) GetActiveTransactions() []*transaction.Transaction {
	all := m.registrySnapshot()
	out := make([]*transaction.Transaction, 0, len(all))
	for _, tx := range all {
		if tx.State() == txcore.Active {
			out = append(out, tx)
		}
	}
	return out
}

// Cleanup removes COMMITTED/ABORTED transactions whose EndTime is older than maxAge
// from the registry, returning the count removed. A zero maxAge is an unconditional
// sweep that removes every terminal transaction regardless of age.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	if maxAge < 0 {
		maxAge = DefaultCleanupMaxAge
	}
	now := txcore.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, tx := range m.transactions {
		state := tx.State()
		if state != txcore.Committed && state != txcore.Aborted {
			continue
		}
		if maxAge == 0 || now.Sub(tx.EndTime()) >= maxAge {
			delete(m.transactions, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes the manager's lifetime counters. Duration figures accumulate
// GetDuration() at the moment each transaction terminates: totalDuration sums every
// terminated transaction's duration; averageDuration divides it by committed+aborted.
type Stats struct {
	TotalStarted      int
	Committed         int
	Aborted           int
	DeadlocksDetected int
	TotalDuration     time.Duration
	AverageDuration   time.Duration
}

// GetStats returns a copy of the manager's lifetime counters.
func (m *Manager) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// recordDuration folds a just-terminated transaction's duration into the running
// total and recomputes the average.
func (m *Manager) recordDuration(tx *transaction.Transaction) {
	d := tx.GetDuration()
	if d == nil {
		return
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.TotalDuration += *d
	if n := m.stats.Committed + m.stats.Aborted; n > 0 {
		m.stats.AverageDuration = m.stats.TotalDuration / time.Duration(n)
	}
}

// ResetStats zeroes the manager's lifetime counters without touching the transaction
// registry or lock table.
func (m *Manager) ResetStats() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats = Stats{}
}

// TransactionDetails is a read-only snapshot of a single transaction's state, for
// diagnostics.
type TransactionDetails struct {
	ID             txcore.UUID
	State          txcore.TransactionState
	IsolationLevel txcore.IsolationLevel
	StartTime      time.Time
	EndTime        time.Time
	Duration       *time.Duration
	AbortReason    string
	ReadSetSize    int
	WriteSetSize   int
	OperationCount int
}

// GetTransactionDetails returns a diagnostic snapshot of the named transaction.
func (m *Manager) GetTransactionDetails(txID txcore.UUID) (TransactionDetails, bool) {
	tx, ok := m.Get(txID)
	if !ok {
		return TransactionDetails{}, false
	}
	return TransactionDetails{
		ID:             tx.ID(),
		State:          tx.State(),
		IsolationLevel: tx.IsolationLevel(),
		StartTime:      tx.StartTime(),
		EndTime:        tx.EndTime(),
		Duration:       tx.GetDuration(),
		AbortReason:    tx.AbortReason(),
		ReadSetSize:    len(tx.ReadSet()),
		WriteSetSize:   len(tx.WriteSet()),
		OperationCount: len(tx.Operations()),
	}, true
}

// SystemHealth is a point-in-time summary of the whole concurrency core, for a host
// process's health-check endpoint: commit rate, average duration, presence of
// deadlocks, suspected count, timeout victim count, total locks, lock utilization.
type SystemHealth struct {
	TotalTransactions     int
	ActiveTransactions    int
	CommittedTransactions int
	AbortedTransactions   int
	LocksHeld             int
	DeadlocksDetected     int

	CommitRate      float64 // committed / (committed+aborted), 0 when neither has happened
	AverageDuration time.Duration
	HasDeadlocks    bool
	SuspectedCount  int
	TimeoutVictims  int
	LockUtilization float64 // uniqueHolders/totalLocks, 0 when totalLocks is 0
}

// GetSystemHealth aggregates the registry, the lock table and an on-demand deadlock
// scan into a single snapshot. Deadlock detection is advisory and non-blocking, so
// running it here on every health check is within its contract.
func (m *Manager) GetSystemHealth() SystemHealth {
	all := m.registrySnapshot()
	h := SystemHealth{TotalTransactions: len(all)}
	for _, tx := range all {
		switch tx.State() {
		case txcore.Active:
			h.ActiveTransactions++
		case txcore.Committed:
			h.CommittedTransactions++
		case txcore.Aborted:
			h.AbortedTransactions++
		}
	}

	lockStats := m.locks.GetStats()
	h.LocksHeld = lockStats.TotalLocks
	if lockStats.TotalLocks != 0 {
		h.LockUtilization = float64(lockStats.UniqueHolders) / float64(lockStats.TotalLocks)
	}

	if findings, err := m.DetectDeadlocks(context.Background(), 0); err == nil {
		for _, f := range findings {
			switch f.Kind {
			case deadlock.KindLockCycle, deadlock.KindResourceCycle:
				h.HasDeadlocks = true
			case deadlock.KindIsolationSuspicion:
				h.SuspectedCount++
			case deadlock.KindTimeout:
				h.TimeoutVictims++
			}
		}
	}

	stats := m.GetStats()
	h.DeadlocksDetected = stats.DeadlocksDetected
	h.AverageDuration = stats.AverageDuration
	if n := stats.Committed + stats.Aborted; n > 0 {
		h.CommitRate = float64(stats.Committed) / float64(n)
	}
	return h
}
