package epoxy

import (
	"context"
	"sort"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/log"
)

// maxRecoveryPasses bounds strongly-connected-component recomputation during
// recovery to the instances reachable within this replica's local log,
// rather than looping until global convergence — see the Epoxy
// dependency-cycle open question in DESIGN.md.
const maxRecoveryPasses = 16

// logSnapshot is an immutable copy of the entries relevant to one execution
// pass, so SCC computation and sorting never race with concurrent message
// handlers holding r.mu.
type logSnapshot map[InstanceID]*LogEntry

// executeReady runs Tarjan SCC ordering over every Committed instance whose
// entire dependency set is itself Committed or Executed, executing each SCC
// ascending by (seq, replica_id) as the design specifies. Instances with a
// not-yet-committed dependency are left for a later call (they become
// eligible once that dependency commits).
func (r *Replica) executeReady(ctx context.Context) error {
	for pass := 0; pass < maxRecoveryPasses; pass++ {
		r.mu.Lock()
		snap, ready := r.readyComponentRoots()
		r.mu.Unlock()
		if len(ready) == 0 {
			return nil
		}

		sccs := tarjanSCCs(snap, ready)
		orderSCCsAscending(snap, sccs)

		for _, scc := range sccs {
			sort.Slice(scc, func(i, j int) bool {
				return instanceLess(scc[i], snap[scc[i]], scc[j], snap[scc[j]])
			})
			for _, id := range scc {
				if err := r.executeInstance(ctx, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func instanceLess(aID InstanceID, a *LogEntry, bID InstanceID, b *LogEntry) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return aID.ReplicaID < bID.ReplicaID
}

// readyComponentRoots snapshots the log and returns every Committed instance
// whose dependencies are all Committed or Executed, matching "SCC ordering
// on the dep graph restricted to committed instances". Caller holds r.mu.
func (r *Replica) readyComponentRoots() (logSnapshot, []InstanceID) {
	snap := make(logSnapshot, len(r.log))
	for id, entry := range r.log {
		cp := *entry
		cp.Deps = cloneDeps(entry.Deps)
		snap[id] = &cp
	}

	var ready []InstanceID
	for id, entry := range snap {
		if entry.State != StateCommitted {
			continue
		}
		allDepsReady := true
		for dep := range entry.Deps {
			depEntry, ok := snap[dep]
			if !ok || (depEntry.State != StateCommitted && depEntry.State != StateExecuted) {
				allDepsReady = false
				break
			}
		}
		if allDepsReady {
			ready = append(ready, id)
		}
	}
	return snap, ready
}

func (r *Replica) executeInstance(ctx context.Context, id InstanceID) error {
	r.mu.Lock()
	entry, ok := r.log[id]
	if !ok || entry.State == StateExecuted {
		r.mu.Unlock()
		return nil
	}
	cmds := entry.Commands
	r.mu.Unlock()

	err := kv.Run(ctx, r.db, true, func(txn *kv.Txn) error {
		for _, c := range cmds {
			if err := applyCommand(txn, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if entry2, ok := r.log[id]; ok {
		entry2.State = StateExecuted
	}
	r.mu.Unlock()

	log.WithReplicaID(r.ID).Debug().Msg("executed epoxy instance")
	return nil
}

func applyCommand(txn *kv.Txn, c Command) error {
	switch c.Kind {
	case CommandSet:
		return txn.Set(kv.RawKey(c.Key), c.Value)
	case CommandDelete:
		return txn.Delete(kv.RawKey(c.Key))
	case CommandReserveKey:
		// First writer wins: two interfering ReserveKey proposals execute in
		// the same SCC's topological order, but only the one that observes
		// no existing reservation should claim the key. Without this guard
		// the later-executed proposal would silently overwrite the earlier
		// one's winning datacenter.
		k := kv.KeyReservationKey{NamespaceID: c.NamespaceID, Name: c.Name, ActorKeyStr: c.ActorKey}
		if txn.Exists(k) {
			return nil
		}
		dcBuf := [2]byte{byte(c.Datacenter >> 8), byte(c.Datacenter)}
		return txn.Set(k, dcBuf[:])
	default:
		return nil
	}
}

// tarjanSCCs computes strongly connected components restricted to the
// roots set (and whatever the roots transitively depend on within snap),
// using each node's Deps as outgoing edges.
func tarjanSCCs(snap logSnapshot, roots []InstanceID) [][]InstanceID {
	st := &tarjanState{
		index:   make(map[InstanceID]int),
		low:     make(map[InstanceID]int),
		onStack: make(map[InstanceID]bool),
		snap:    snap,
	}
	for _, id := range roots {
		if _, seen := st.index[id]; !seen {
			st.strongConnect(id)
		}
	}
	return st.sccs
}

type tarjanState struct {
	index   map[InstanceID]int
	low     map[InstanceID]int
	onStack map[InstanceID]bool
	stack   []InstanceID
	counter int
	sccs    [][]InstanceID
	snap    logSnapshot
}

func (st *tarjanState) strongConnect(v InstanceID) {
	st.index[v] = st.counter
	st.low[v] = st.counter
	st.counter++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	entry := st.snap[v]
	if entry != nil {
		for w := range entry.Deps {
			if _, ok := st.snap[w]; !ok {
				continue // dependency outside the ready set; not yet executable
			}
			if _, seen := st.index[w]; !seen {
				st.strongConnect(w)
				if st.low[w] < st.low[v] {
					st.low[v] = st.low[w]
				}
			} else if st.onStack[w] {
				if st.index[w] < st.low[v] {
					st.low[v] = st.index[w]
				}
			}
		}
	}

	if st.low[v] == st.index[v] {
		var scc []InstanceID
		for {
			n := len(st.stack) - 1
			w := st.stack[n]
			st.stack = st.stack[:n]
			st.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		st.sccs = append(st.sccs, scc)
	}
}

// orderSCCsAscending sorts the component list by each component's minimum
// (seq, replica_id), so SCCs execute in the order the design specifies even
// though instances within one SCC are mutually dependent.
func orderSCCsAscending(snap logSnapshot, sccs [][]InstanceID) {
	minOf := func(scc []InstanceID) (InstanceID, *LogEntry) {
		var best InstanceID
		var bestEntry *LogEntry
		for _, id := range scc {
			e := snap[id]
			if bestEntry == nil || instanceLess(id, e, best, bestEntry) {
				best, bestEntry = id, e
			}
		}
		return best, bestEntry
	}
	sort.Slice(sccs, func(i, j int) bool {
		idI, eI := minOf(sccs[i])
		idJ, eJ := minOf(sccs[j])
		return instanceLess(idI, eI, idJ, eJ)
	})
}
