package runner

import (
	"context"
	"time"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/types"
)

// maxAllocScan bounds a single best-fit allocation scan, mirroring the
// teacher's scheduler treating "list all nodes" as bounded by cluster size.
const maxAllocScan = 32

// staleRunnerThreshold is how long since last_ping_ts a runner is still
// considered eligible for allocation; stale runners are skipped but not
// evicted (Pinger.Evict is called only when a runner session stops).
const staleRunnerThreshold = 30 * time.Second

// Allocator implements pkg/pegboard/actor.RunnerAllocator against the
// allocation index, atomically reserving one slot on the best-fit runner.
type Allocator struct {
	Store *Store
}

// Allocate scans the (namespace, runnerNameSelector) allocation index for
// the best-fit eligible runner (most free slots, most recent ping) and
// atomically increments its used-slot count.
func (a *Allocator) Allocate(ctx context.Context, namespaceID, runnerNameSelector string) (types.RunnerID, bool, error) {
	candidates, err := a.Store.ScanEligible(ctx, namespaceID, runnerNameSelector, maxAllocScan)
	if err != nil {
		return 0, false, err
	}

	for _, c := range candidates {
		id := types.RunnerID(c.RunnerID)
		r, found, err := a.Store.Load(ctx, id)
		if err != nil {
			return 0, false, err
		}
		if !found || r.Stopped || r.Draining {
			continue
		}
		if time.Since(r.LastPingTS) > staleRunnerThreshold {
			continue
		}
		if r.RemainingSlots() == 0 {
			continue
		}

		reserved, err := a.reserveSlot(ctx, r)
		if err != nil {
			return 0, false, err
		}
		if reserved {
			return id, true, nil
		}
	}

	return 0, false, nil
}

// reserveSlot performs a compare-and-swap increment of used_slots via
// kv.Txn.AtomicOp, so two concurrent allocations racing the same candidate
// never both believe they won the same slot.
func (a *Allocator) reserveSlot(ctx context.Context, r *types.Runner) (bool, error) {
	reserved := false
	err := kv.Run(ctx, a.Store.db, true, func(txn *kv.Txn) error {
		key := kv.RunnerKey{RunnerID: uint64(r.RunnerID)}
		data, ok := txn.Get(key)
		if !ok {
			return perr.RunnerNotFound(r.RunnerID.String())
		}
		var current types.Runner
		if err := decodeRunner(data, &current); err != nil {
			return err
		}
		if current.Stopped || current.Draining || current.RemainingSlots() == 0 {
			return nil
		}
		current.UsedSlots++
		encoded, err := encodeRunner(&current)
		if err != nil {
			return err
		}
		if err := txn.AtomicOp(key, data, encoded); err != nil {
			return nil // lost the race to a concurrent allocator; caller tries the next candidate
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// Release frees one previously-reserved slot, performed on actor destroy.
func (a *Allocator) Release(ctx context.Context, runnerID types.RunnerID) error {
	return kv.Run(ctx, a.Store.db, true, func(txn *kv.Txn) error {
		key := kv.RunnerKey{RunnerID: uint64(runnerID)}
		data, ok := txn.Get(key)
		if !ok {
			return nil
		}
		var r types.Runner
		if err := decodeRunner(data, &r); err != nil {
			return err
		}
		if r.UsedSlots > 0 {
			r.UsedSlots--
		}
		encoded, err := encodeRunner(&r)
		if err != nil {
			return err
		}
		return txn.Set(key, encoded)
	})
}
