// Package isolation is the isolation validator: pre-commit checks appropriate to a
// transaction's configured isolation level, called by the transaction manager just
// before marking a transaction COMMITTED while holding all its write locks. Grounded
// on the lock-then-validate commit shape of the teacher's
// common/twophasecommittransaction.go phase1Commit (lock, then check for conflicting
// concurrent work before finalizing), generalized from 2PC-across-storage-backends to
// four classical isolation levels.
package isolation

import (
	"fmt"

	"github.com/sharedcode/txcore"
	"github.com/sharedcode/txcore/keyrel"
	"github.com/sharedcode/txcore/transaction"
)

// Validate runs the checks appropriate to tx's isolation level against the supplied
// registry snapshot (every other transaction known to the manager, in any state).
// Returns a txcore.Error naming the specific violated clause on failure, nil
// otherwise.
func Validate(tx *transaction.Transaction, registry []*transaction.Transaction) error {
	switch tx.IsolationLevel() {
	case txcore.ReadUncommitted:
		return nil
	case txcore.ReadCommitted:
		return checkWriteConflicts(tx, registry)
	case txcore.RepeatableRead:
		return checkRepeatableRead(tx, registry)
	case txcore.Serializable:
		return checkSerializable(tx, registry)
	default:
		return txcore.NewTransactionError(tx.ID(), "unknown-isolation-level",
			fmt.Errorf("unknown isolation level %d", tx.IsolationLevel()))
	}
}

// checkWriteConflicts is the READ_COMMITTED check: first-committer-wins. A commit
// fails if some other transaction already committed a write to one of this
// transaction's keys while this transaction was running — the peer that commits first
// wins the key, and every later committer sees the conflict.
func checkWriteConflicts(tx *transaction.Transaction, registry []*transaction.Transaction) error {
	writeSet := tx.WriteSet()
	selfStart := tx.StartTime()
	for _, other := range registry {
		if other.ID() == tx.ID() || other.State() != txcore.Committed {
			continue
		}
		if !other.EndTime().After(selfStart) {
			continue // other committed before this transaction began: no overlap
		}
		otherWrites := other.WriteSet()
		for k := range writeSet {
			if _, ok := otherWrites[k]; ok {
				return txcore.NewTransactionError(tx.ID(), "write-conflict",
					fmt.Errorf("key %q was already committed by transaction %s", k, other.ID()))
			}
		}
	}
	return nil
}

// checkRepeatableRead performs the READ_COMMITTED check, then the repeatable-read
// check over the read set, then the phantom-read check over every snapshot entry.
func checkRepeatableRead(tx *transaction.Transaction, registry []*transaction.Transaction) error {
	if err := checkWriteConflicts(tx, registry); err != nil {
		return err
	}

	readSet := tx.ReadSet()
	for k := range readSet {
		if hasReadSetConflict(tx, k, registry) {
			return txcore.NewTransactionError(tx.ID(), "repeatable-read-violation",
				fmt.Errorf("key %q was committed by a transaction that started after this one began", k))
		}
	}

	for k, v := range snapshotEntries(tx) {
		if err := checkPhantomRead(tx, k, v, registry); err != nil {
			return err
		}
	}
	return nil
}

// checkSerializable performs the REPEATABLE_READ checks, then checks both directions
// of rw/wr conflict against time-overlapping ACTIVE peers.
func checkSerializable(tx *transaction.Transaction, registry []*transaction.Transaction) error {
	if err := checkRepeatableRead(tx, registry); err != nil {
		return err
	}

	readSet := tx.ReadSet()
	writeSet := tx.WriteSet()

	for _, other := range registry {
		if other.ID() == tx.ID() || other.State() != txcore.Active || !overlaps(tx, other) {
			continue
		}
		otherWrites := other.WriteSet()
		for k := range readSet {
			if _, ok := otherWrites[k]; ok {
				return txcore.NewTransactionError(tx.ID(), "serialization-conflict",
					fmt.Errorf("key %q read by this transaction is in the write set of concurrent transaction %s", k, other.ID()))
			}
		}
		otherReads := other.ReadSet()
		for k := range writeSet {
			if _, ok := otherReads[k]; ok {
				return txcore.NewTransactionError(tx.ID(), "serialization-conflict",
					fmt.Errorf("key %q written by this transaction is in the read set of concurrent transaction %s", k, other.ID()))
			}
		}
	}
	return nil
}

// hasReadSetConflict flags a COMMITTED transaction u != self with k in its write set
// and whose startTime is after self's. u.endTime is compared against "now" rather
// than self's own lifetime — see DESIGN.md for why that clause is kept this way
// rather than tightened to "committed during self's lifetime".
func hasReadSetConflict(tx *transaction.Transaction, key string, registry []*transaction.Transaction) bool {
	for _, other := range registry {
		if other.ID() == tx.ID() || other.State() != txcore.Committed {
			continue
		}
		otherWrites := other.WriteSet()
		if _, ok := otherWrites[key]; !ok {
			continue
		}
		if other.StartTime().After(tx.StartTime()) && other.EndTime().Before(txcore.Now()) {
			return true
		}
	}
	return false
}

// checkPhantomRead fails if the read-set conflict applies to snapshotKey, if a
// concurrent ACTIVE peer wrote a key that could affect the snapshot, or if a
// serialization anomaly (write-skew or a dependency cycle) exists against a
// concurrent peer.
func checkPhantomRead(tx *transaction.Transaction, snapshotKey string, expectedValue interface{}, registry []*transaction.Transaction) error {
	if hasReadSetConflict(tx, snapshotKey, registry) {
		return txcore.NewTransactionError(tx.ID(), "phantom-read",
			fmt.Errorf("snapshot key %q was committed by a transaction that started after this one began", snapshotKey))
	}

	for _, other := range registry {
		if other.ID() == tx.ID() || other.State() != txcore.Active || !overlaps(tx, other) {
			continue
		}
		for _, op := range other.Operations() {
			if op.Type == txcore.OpRead {
				continue
			}
			if op.Key == snapshotKey || keyrel.IsKeyInSnapshotRange(tx.Snapshot(), op.Key, snapshotKey, expectedValue) {
				return txcore.NewTransactionError(tx.ID(), "phantom-read",
					fmt.Errorf("transaction %s wrote key %q which could affect snapshot key %q", other.ID(), op.Key, snapshotKey))
			}
		}
		if hasSerializationAnomaly(tx, snapshotKey, other) {
			return txcore.NewTransactionError(tx.ID(), "phantom-read",
				fmt.Errorf("serialization anomaly against concurrent transaction %s at snapshot key %q", other.ID(), snapshotKey))
		}
	}
	return nil
}

// hasSerializationAnomaly detects write-skew (both transactions read data related to
// the snapshot key, both write, and their write sets are disjoint) and dependency
// cycles (each transaction reads a key the other writes) against a single concurrent
// peer.
func hasSerializationAnomaly(tx *transaction.Transaction, snapshotKey string, other *transaction.Transaction) bool {
	selfReads := tx.ReadSet()
	selfWrites := tx.WriteSet()
	otherReads := other.ReadSet()
	otherWrites := other.WriteSet()

	if len(selfWrites) > 0 && len(otherWrites) > 0 && disjoint(selfWrites, otherWrites) {
		if anyRelatedTo(selfReads, snapshotKey) && anyRelatedTo(otherReads, snapshotKey) {
			return true
		}
	}

	selfReadsOtherWrites := false
	for k := range selfReads {
		if _, ok := otherWrites[k]; ok {
			selfReadsOtherWrites = true
			break
		}
	}
	otherReadsSelfWrites := false
	for k := range otherReads {
		if _, ok := selfWrites[k]; ok {
			otherReadsSelfWrites = true
			break
		}
	}
	return selfReadsOtherWrites && otherReadsSelfWrites
}

func anyRelatedTo(keys map[string]struct{}, target string) bool {
	for k := range keys {
		if keyrel.AreKeysRelated(k, target) {
			return true
		}
	}
	return false
}

func disjoint(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return false
		}
	}
	return true
}

// overlaps reports whether two transactions' lifetimes overlap in time, treating an
// unset endTime as "now".
func overlaps(a, b *transaction.Transaction) bool {
	aEnd := a.EndTime()
	if aEnd.IsZero() {
		aEnd = txcore.Now()
	}
	bEnd := b.EndTime()
	if bEnd.IsZero() {
		bEnd = txcore.Now()
	}
	return a.StartTime().Before(bEnd) && b.StartTime().Before(aEnd)
}

// snapshotEntries returns the plain expected-value entries of tx's snapshot, skipping
// the ":range"/":query"/":predicate"/":index_range" metadata entries.
func snapshotEntries(tx *transaction.Transaction) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range tx.Snapshot() {
		if isMetadataKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isMetadataKey(k string) bool {
	for _, suffix := range []string{":range", ":query", ":predicate", ":index_range"} {
		if len(k) > len(suffix) && k[len(k)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}
