// Package lock is the lock manager: per-key shared/exclusive locks with holder sets,
// upgrade rules and timeout-based acquisition. Grounded on the teacher's
// redis/locker.go lock-key protocol (lock, confirm, unlock-if-owner) adapted to an
// in-memory holder set guarded by a single mutex so that ReleaseAllLocks can observe
// and mutate every lock a transaction holds atomically, which rules out the teacher's
// per-shard locking.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sharedcode/txcore"
)

// pollInterval is the cooperative retry granularity for AcquireLock.
const pollInterval = 10 * time.Millisecond

// DefaultAcquireTimeout is used by AcquireLock when the caller passes a non-positive
// timeout.
const DefaultAcquireTimeout = 30 * time.Second

type entry struct {
	lockType txcore.LockType
	holders  map[txcore.UUID]struct{}
}

// Manager owns the mapping from record key to lock entry. All exported methods are
// safe for concurrent use; non-blocking methods (TryAcquire, ReleaseLock,
// ReleaseAllLocks, HoldsLocks, GetStats) run under a single mutex. TryAcquire and
// ReleaseLock are constant-time modulo hash lookup; ReleaseAllLocks, HoldsLocks and
// GetStats scan the whole lock table.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// TryAcquire is the total, synchronous acquisition primitive. It creates a new lock if
// none exists; grants compatible re-entry for a transaction that already holds the
// lock; upgrades SHARED to EXCLUSIVE only when the caller is the sole holder; and
// otherwise returns false without mutating any state.
func (m *Manager) TryAcquire(txID txcore.UUID, key string, lockType txcore.LockType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tryAcquireLocked(txID, key, lockType)
}

func (m *Manager) tryAcquireLocked(txID txcore.UUID, key string, lockType txcore.LockType) bool {
	e, exists := m.locks[key]
	if !exists {
		m.locks[key] = &entry{
			lockType: lockType,
			holders:  map[txcore.UUID]struct{}{txID: {}},
		}
		return true
	}

	_, alreadyHolds := e.holders[txID]

	if alreadyHolds {
		if e.lockType == lockType {
			return true
		}
		// SHARED -> EXCLUSIVE upgrade: succeeds only if txID is the unique holder.
		if lockType == txcore.Exclusive && e.lockType == txcore.Shared {
			if len(e.holders) == 1 {
				e.lockType = txcore.Exclusive
				return true
			}
			return false
		}
		// EXCLUSIVE -> SHARED "downgrade" is a trivial compatible re-entry: the
		// caller already has exclusive access, which is at least as strong.
		return true
	}

	if e.lockType == txcore.Shared && lockType == txcore.Shared {
		e.holders[txID] = struct{}{}
		return true
	}

	return false
}

// AcquireLock polls TryAcquire at ~10ms intervals until it succeeds, the timeout
// elapses, or ctx is done. On timeout it returns a txcore.ConcurrencyError naming the
// contended resource.
func (m *Manager) AcquireLock(ctx context.Context, txID txcore.UUID, key string, lockType txcore.LockType, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := txcore.Now().Add(timeout)
	for {
		if m.TryAcquire(txID, key, lockType) {
			return nil
		}
		if ctx.Err() != nil {
			return txcore.NewConcurrencyError(txID, "lock", key, ctx.Err())
		}
		if txcore.Now().After(deadline) {
			return txcore.NewConcurrencyError(txID, "lock", key, errLockTimeout(key, timeout))
		}
		txcore.Sleep(ctx, pollInterval)
	}
}

// ReleaseLock removes txID from key's holder set, destroying the entry once it's
// empty. Returns false if txID did not hold the lock.
func (m *Manager) ReleaseLock(txID txcore.UUID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.locks[key]
	if !exists {
		return false
	}
	if _, ok := e.holders[txID]; !ok {
		return false
	}
	delete(e.holders, txID)
	if len(e.holders) == 0 {
		delete(m.locks, key)
	}
	return true
}

// ReleaseAllLocks removes txID from every lock it holds, atomically with respect to
// other lock-manager operations, and returns the count of locks released.
func (m *Manager) ReleaseAllLocks(txID txcore.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key, e := range m.locks {
		if _, ok := e.holders[txID]; ok {
			delete(e.holders, txID)
			count++
			if len(e.holders) == 0 {
				delete(m.locks, key)
			}
		}
	}
	return count
}

// HoldsLocks reports whether txID currently holds at least one lock.
func (m *Manager) HoldsLocks(txID txcore.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.locks {
		if _, ok := e.holders[txID]; ok {
			return true
		}
	}
	return false
}

// RecordLock describes a single locked record for Stats.RecordsLocked.
type RecordLock struct {
	RecordKey string
	Type      txcore.LockType
	Holders   []txcore.UUID
}

// Stats summarizes the manager's current lock table.
type Stats struct {
	TotalLocks     int
	SharedLocks    int
	ExclusiveLocks int
	UniqueHolders  int
	RecordsLocked  []RecordLock
}

// GetStats snapshots the current lock table.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{}
	holderSet := make(map[txcore.UUID]struct{})
	keys := make([]string, 0, len(m.locks))
	for k := range m.locks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		e := m.locks[k]
		stats.TotalLocks++
		if e.lockType == txcore.Shared {
			stats.SharedLocks++
		} else {
			stats.ExclusiveLocks++
		}
		holders := make([]txcore.UUID, 0, len(e.holders))
		for h := range e.holders {
			holders = append(holders, h)
			holderSet[h] = struct{}{}
		}
		sort.Slice(holders, func(i, j int) bool { return holders[i].String() < holders[j].String() })
		stats.RecordsLocked = append(stats.RecordsLocked, RecordLock{RecordKey: k, Type: e.lockType, Holders: holders})
	}
	stats.UniqueHolders = len(holderSet)
	return stats
}

// HoldersOf returns the current holder set of key, or nil if unlocked. Used by the
// deadlock detector to build the resource-allocation graph.
func (m *Manager) HoldersOf(key string) []txcore.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.locks[key]
	if !exists {
		return nil
	}
	holders := make([]txcore.UUID, 0, len(e.holders))
	for h := range e.holders {
		holders = append(holders, h)
	}
	return holders
}

func errLockTimeout(key string, timeout time.Duration) error {
	return &lockTimeoutError{key: key, timeout: timeout}
}

type lockTimeoutError struct {
	key     string
	timeout time.Duration
}

func (e *lockTimeoutError) Error() string {
	return "lock acquisition on " + e.key + " timed out after " + e.timeout.String()
}
