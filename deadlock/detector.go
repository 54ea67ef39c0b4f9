// Package deadlock is the deadlock detector: given the list of ACTIVE transactions
// and a way to look up who currently holds any given key, it
// reports every deadlock it can find by four independent routes — a wait-for-graph
// cycle search, a resource-allocation-graph cycle search, isolation-retry suspicion
// between pairs of transactions, and simple wall-clock timeout starvation — then
// deduplicates the combined findings. Grounded on the DFS-based resource-allocation
// cycle search in ADVOCATE's analysis/scenarios/resourceDeadlock.go, and on the
// teacher's task_runner.go/retry.go idiom of running independent detection passes
// concurrently and merging their results.
package deadlock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/txcore"
	"github.com/sharedcode/txcore/transaction"
)

// Kind identifies which detection route produced a Finding.
type Kind string

const (
	KindLockCycle          Kind = "lock-cycle"
	KindResourceCycle      Kind = "resource-cycle"
	KindIsolationSuspicion Kind = "isolation-suspicion"
	KindTimeout            Kind = "timeout"
)

// Waiter describes a transaction blocked on a key: it has an operation recorded
// against Key but currently holds no lock at all. This definition is preserved
// literally: a lock-free transaction counts as waiting on every key it has touched,
// and a transaction holding any lock is never counted as waiting, even on a key it is
// blocked on — see DESIGN.md.
type Waiter struct {
	TransactionID txcore.UUID
	Key           string
}

// HolderLookup resolves the current holder set of a lock key. lock.Manager.HoldersOf
// satisfies this signature.
type HolderLookup func(key string) []txcore.UUID

// HoldsAnyLock reports whether a transaction currently holds at least one lock.
// lock.Manager.HoldsLocks satisfies this signature.
type HoldsAnyLock func(txID txcore.UUID) bool

// Finding is a single detected (or suspected) deadlock, deduplicated by Signature.
type Finding struct {
	Kind           Kind
	TransactionIDs []txcore.UUID
	Resources      []string
	Conflict       string // isolation-suspicion classification, empty for other kinds
	Signature      string
}

// Conflict classifications for KindIsolationSuspicion findings.
const (
	ConflictBidirectional = "bidirectional-dependency"
	ConflictTx1DependsTx2 = "tx1-depends-on-tx2"
	ConflictTx2DependsTx1 = "tx2-depends-on-tx1"
	ConflictUnknown       = "unknown"
)

// DefaultTimeoutThreshold flags a transaction as a starvation victim once it has run
// this long without terminating.
const DefaultTimeoutThreshold = 10 * time.Second

// Detect derives the waiting set from active (a transaction is "waiting" on a key if
// it has that key in its read or write set and holds no lock at all), then runs all
// four detection routes (the two graph searches, which share no state, run
// concurrently as separate errgroup goroutines; the isolation-suspicion and timeout
// passes run inline after them) and returns the deduplicated union. With fewer than two
// active transactions, returns no findings.
func Detect(ctx context.Context, active []*transaction.Transaction, holdersOf HolderLookup, holdsAnyLock HoldsAnyLock, timeoutThreshold time.Duration) ([]Finding, error) {
	if len(active) < 2 {
		return nil, nil
	}
	if timeoutThreshold <= 0 {
		timeoutThreshold = DefaultTimeoutThreshold
	}

	waiters := deriveWaiters(active, holdsAnyLock)

	var waitForFindings, resourceFindings []Finding
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() error {
		waitForFindings = findWaitForCycles(waiters, holdersOf)
		return nil
	})
	eg.Go(func() error {
		resourceFindings = findResourceAllocationCycles(waiters, holdersOf)
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	findings := make([]Finding, 0, len(waitForFindings)+len(resourceFindings))
	findings = append(findings, waitForFindings...)
	findings = append(findings, resourceFindings...)
	findings = append(findings, findIsolationSuspicions(active)...)
	findings = append(findings, findTimeoutVictims(active, timeoutThreshold)...)

	return dedupe(findings), nil
}

// deriveWaiters implements the wait-for predicate literally: a transaction "waits"
// for every key in its combined read/write set, provided it currently holds no lock
// at all. A transaction that holds some unrelated lock while genuinely blocked on
// another key is therefore not reported as waiting; the choice to preserve rather
// than refine this is recorded in DESIGN.md.
func deriveWaiters(active []*transaction.Transaction, holdsAnyLock HoldsAnyLock) []Waiter {
	var waiters []Waiter
	for _, tx := range active {
		if holdsAnyLock(tx.ID()) {
			continue
		}
		keys := make(map[string]struct{})
		for k := range tx.ReadSet() {
			keys[k] = struct{}{}
		}
		for k := range tx.WriteSet() {
			keys[k] = struct{}{}
		}
		for k := range keys {
			waiters = append(waiters, Waiter{TransactionID: tx.ID(), Key: k})
		}
	}
	return waiters
}

// --- wait-for graph ---

// findWaitForCycles builds a directed graph where an edge a -> b means "a is waiting
// on a lock currently held by b" and reports the cycle closed by each back edge met
// during a DFS; simple cycles reachable only through already-finished nodes are not
// enumerated.
func findWaitForCycles(waiters []Waiter, holdersOf HolderLookup) []Finding {
	type edge struct {
		to       txcore.UUID
		resource string
	}
	adjacency := make(map[txcore.UUID][]edge)
	for _, w := range waiters {
		for _, holder := range holdersOf(w.Key) {
			if holder == w.TransactionID {
				continue
			}
			adjacency[w.TransactionID] = append(adjacency[w.TransactionID], edge{to: holder, resource: w.Key})
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[txcore.UUID]int)
	var path []txcore.UUID
	pathResources := make(map[[2]txcore.UUID]string)
	var findings []Finding

	var visit func(node txcore.UUID)
	visit = func(node txcore.UUID) {
		color[node] = gray
		path = append(path, node)
		for _, e := range adjacency[node] {
			pathResources[[2]txcore.UUID{node, e.to}] = e.resource
			switch color[e.to] {
			case white:
				visit(e.to)
			case gray:
				findings = append(findings, buildCycleFinding(KindLockCycle, path, e.to, pathResources))
			}
		}
		path = path[:len(path)-1]
		color[node] = black
	}

	nodes := make([]txcore.UUID, 0, len(adjacency))
	for n := range adjacency {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })
	for _, n := range nodes {
		if color[n] == white {
			visit(n)
		}
	}
	return findings
}

// buildCycleFinding extracts the cycle suffix of path starting at cycleStart and
// collects the resources labelling its edges.
func buildCycleFinding(kind Kind, path []txcore.UUID, cycleStart txcore.UUID, edgeResources map[[2]txcore.UUID]string) Finding {
	start := 0
	for i, n := range path {
		if n == cycleStart {
			start = i
			break
		}
	}
	cycle := append([]txcore.UUID{}, path[start:]...)

	resourceSet := make(map[string]struct{})
	for i := 0; i < len(cycle); i++ {
		from := cycle[i]
		to := cycle[(i+1)%len(cycle)]
		if r, ok := edgeResources[[2]txcore.UUID{from, to}]; ok {
			resourceSet[r] = struct{}{}
		}
	}
	resources := make([]string, 0, len(resourceSet))
	for r := range resourceSet {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	return Finding{Kind: kind, TransactionIDs: cycle, Resources: resources, Signature: signature(kind, cycle, resources)}
}

// --- resource-allocation graph ---

// findResourceAllocationCycles models the classic bipartite resource-allocation graph
// (request edges tx->resource, assignment edges resource->tx) and reports any cycle
// found, independent of the wait-for-graph construction above — a different
// representation of largely the same data, kept separate so the two routes can
// corroborate (or fail to corroborate) each other.
func findResourceAllocationCycles(waiters []Waiter, holdersOf HolderLookup) []Finding {
	type node struct {
		isResource bool
		tx         txcore.UUID
		resource   string
	}
	key := func(n node) string {
		if n.isResource {
			return "r:" + n.resource
		}
		return "t:" + n.tx.String()
	}

	adjacency := make(map[string][]node)

	addEdge := func(from, to node) {
		adjacency[key(from)] = append(adjacency[key(from)], to)
	}

	for _, w := range waiters {
		reqNode := node{isResource: false, tx: w.TransactionID}
		resNode := node{isResource: true, resource: w.Key}
		addEdge(reqNode, resNode)
		for _, holder := range holdersOf(w.Key) {
			if holder == w.TransactionID {
				continue
			}
			addEdge(resNode, node{isResource: false, tx: holder})
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var path []string
	var findings []Finding

	var visit func(k string)
	visit = func(k string) {
		color[k] = gray
		path = append(path, k)
		for _, next := range adjacency[k] {
			nk := key(next)
			switch color[nk] {
			case white:
				visit(nk)
			case gray:
				findings = append(findings, buildResourceCycleFinding(path, nk))
			}
		}
		path = path[:len(path)-1]
		color[k] = black
	}

	keys := make([]string, 0, len(adjacency))
	for k := range adjacency {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if color[k] == white {
			visit(k)
		}
	}
	return findings
}

func buildResourceCycleFinding(path []string, cycleStart string) Finding {
	start := 0
	for i, k := range path {
		if k == cycleStart {
			start = i
			break
		}
	}
	cycle := path[start:]

	txSet := make(map[txcore.UUID]struct{})
	resourceSet := make(map[string]struct{})
	for _, k := range cycle {
		if strings.HasPrefix(k, "t:") {
			id, err := txcore.ParseUUID(strings.TrimPrefix(k, "t:"))
			if err == nil {
				txSet[id] = struct{}{}
			}
		} else {
			resourceSet[strings.TrimPrefix(k, "r:")] = struct{}{}
		}
	}
	txIDs := make([]txcore.UUID, 0, len(txSet))
	for id := range txSet {
		txIDs = append(txIDs, id)
	}
	sort.Slice(txIDs, func(i, j int) bool { return txIDs[i].String() < txIDs[j].String() })
	resources := make([]string, 0, len(resourceSet))
	for r := range resourceSet {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	return Finding{Kind: KindResourceCycle, TransactionIDs: txIDs, Resources: resources, Signature: signature(KindResourceCycle, txIDs, resources)}
}

// --- isolation suspicion ---

// findIsolationSuspicions flags pairs of ACTIVE transactions where at least one is at
// RepeatableRead or stricter and either reads the other's writeSet — not a lock-table
// deadlock, but a pair likely to fail isolation validation against each other. The
// emitted Conflict field classifies which direction(s) hold, so a caller can tell a
// one-way read-after-write suspicion from a genuine bidirectional dependency cycle.
func findIsolationSuspicions(registry []*transaction.Transaction) []Finding {
	var findings []Finding
	for i := 0; i < len(registry); i++ {
		a := registry[i]
		if a.State() != txcore.Active {
			continue
		}
		for j := i + 1; j < len(registry); j++ {
			b := registry[j]
			if b.State() != txcore.Active {
				continue
			}
			if a.IsolationLevel() < txcore.RepeatableRead && b.IsolationLevel() < txcore.RepeatableRead {
				continue
			}
			aReadsB := readsOthersWrites(a, b)
			bReadsA := readsOthersWrites(b, a)
			if !aReadsB && !bReadsA {
				continue
			}
			ids := []txcore.UUID{a.ID(), b.ID()}
			sort.Slice(ids, func(x, y int) bool { return ids[x].String() < ids[y].String() })
			findings = append(findings, Finding{
				Kind:           KindIsolationSuspicion,
				TransactionIDs: ids,
				Conflict:       classifyConflict(a, b, aReadsB, bReadsA, ids),
				Signature:      signature(KindIsolationSuspicion, ids, nil),
			})
		}
	}
	return findings
}

// readsOthersWrites reports whether reader's read set intersects writer's write set.
func readsOthersWrites(reader, writer *transaction.Transaction) bool {
	writes := writer.WriteSet()
	for k := range reader.ReadSet() {
		if _, ok := writes[k]; ok {
			return true
		}
	}
	return false
}

// classifyConflict labels a pair's dependency direction relative to the order ids
// were sorted into (ids[0] is "tx1", ids[1] is "tx2").
func classifyConflict(a, b *transaction.Transaction, aReadsB, bReadsA bool, ids []txcore.UUID) string {
	if aReadsB && bReadsA {
		return ConflictBidirectional
	}
	// Exactly one direction holds. Figure out which transaction is "tx1" (ids[0]).
	var dependent, depender *transaction.Transaction
	if aReadsB {
		dependent, depender = a, b // dependent reads depender's writes
	} else {
		dependent, depender = b, a
	}
	switch {
	case dependent.ID() == ids[0] && depender.ID() == ids[1]:
		return ConflictTx1DependsTx2
	case dependent.ID() == ids[1] && depender.ID() == ids[0]:
		return ConflictTx2DependsTx1
	default:
		return ConflictUnknown
	}
}

// --- timeout starvation ---

// findTimeoutVictims flags any ACTIVE transaction that has run longer than threshold
// without terminating, as a fallback when no cycle is detectable: absent a provable
// cycle, a transaction that has exceeded its wall-clock budget is reported as a
// likely deadlock victim.
func findTimeoutVictims(registry []*transaction.Transaction, threshold time.Duration) []Finding {
	var findings []Finding
	for _, tx := range registry {
		if tx.State() != txcore.Active {
			continue
		}
		d := tx.GetDuration()
		if d == nil || *d < threshold {
			continue
		}
		ids := []txcore.UUID{tx.ID()}
		findings = append(findings, Finding{
			Kind:           KindTimeout,
			TransactionIDs: ids,
			Signature:      signature(KindTimeout, ids, nil),
		})
	}
	return findings
}

// --- shared helpers ---

func signature(kind Kind, ids []txcore.UUID, resources []string) string {
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	sort.Strings(idStrs)
	res := append([]string{}, resources...)
	sort.Strings(res)
	return fmt.Sprintf("%s:%s:%s", kind, strings.Join(idStrs, ","), strings.Join(res, ","))
}

// dedupe removes findings sharing the same signature, keeping the first occurrence.
func dedupe(findings []Finding) []Finding {
	seen := make(map[string]struct{}, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.Signature]; ok {
			continue
		}
		seen[f.Signature] = struct{}{}
		out = append(out, f)
	}
	return out
}
