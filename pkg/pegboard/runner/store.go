// Package runner implements the per-runner workflow: ping tracking,
// eviction-by-identity, version draining, and the allocation index that lets
// the actor workflow pick an eligible runner with a single range scan. It is
// grounded on the teacher's pkg/scheduler, generalizing "fewest containers"
// node selection to "most free slots, most recent ping" runner selection.
package runner

import (
	"context"
	"encoding/json"
	"math"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/types"
)

// Store persists Runner records and the allocation index.
type Store struct {
	db *kv.DB
}

// NewStore constructs a Store backed by db.
func NewStore(db *kv.DB) *Store { return &Store{db: db} }

// Save writes a runner's full workflow record.
func (s *Store) Save(ctx context.Context, r *types.Runner) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		return txn.Set(kv.RunnerKey{RunnerID: uint64(r.RunnerID)}, data)
	})
}

// Load reads a runner record by ID.
func (s *Store) Load(ctx context.Context, id types.RunnerID) (*types.Runner, bool, error) {
	var r types.Runner
	var found bool
	err := kv.Run(ctx, s.db, false, func(txn *kv.Txn) error {
		data, ok := txn.Get(kv.RunnerKey{RunnerID: uint64(id)})
		if !ok {
			return nil
		}
		found = true
		return json.Unmarshal(data, &r)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &r, true, nil
}

func encodeRunner(r *types.Runner) ([]byte, error) { return json.Marshal(r) }

func decodeRunner(data []byte, r *types.Runner) error { return json.Unmarshal(data, r) }

// remainingComplement encodes "most free slots first" as an ascending sort
// key: MaxUint32 minus the remaining slot count.
func remainingComplement(remaining uint32) uint32 {
	return math.MaxUint32 - remaining
}

func allocIndexKey(r *types.Runner, lastPingUnixNano uint64) kv.RunnerAllocIndexKey {
	return kv.RunnerAllocIndexKey{
		NamespaceID:              r.NamespaceID,
		RunnerName:               r.Name,
		Version:                  r.Version,
		RemainingSlotsComplement: remainingComplement(r.RemainingSlots()),
		LastPingUnixNano:         math.MaxUint64 - lastPingUnixNano, // most recent ping sorts first
		RunnerID:                 uint64(r.RunnerID),
	}
}

// IndexUpsert (re)places r's allocation-index entry under its current
// slot/ping coordinates, pointing at its workflow ID.
func (s *Store) IndexUpsert(ctx context.Context, r *types.Runner, lastPingUnixNano uint64, workflowID string) error {
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		return txn.Set(allocIndexKey(r, lastPingUnixNano), []byte(workflowID))
	})
}

// IndexRemove deletes a runner's allocation-index entry at a known
// coordinate, used on eviction.
func (s *Store) IndexRemove(ctx context.Context, r *types.Runner, lastPingUnixNano uint64) error {
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		return txn.Delete(allocIndexKey(r, lastPingUnixNano))
	})
}

// AllocCandidate is one entry surfaced by a best-fit allocation-index scan.
type AllocCandidate struct {
	RunnerID   uint64
	Version    uint32
	WorkflowID string
}

// ScanEligible returns up to limit candidates for (namespaceID, runnerName)
// in best-fit order: most free slots, then most recent ping, then runner_id.
func (s *Store) ScanEligible(ctx context.Context, namespaceID, runnerName string, limit int) ([]AllocCandidate, error) {
	var out []AllocCandidate
	err := kv.Run(ctx, s.db, false, func(txn *kv.Txn) error {
		prefix := kv.RunnerAllocIndexPrefix(namespaceID, runnerName)
		for _, e := range txn.GetRange(prefix, limit) {
			version, runnerID, ok := decodeAllocIndexTail(e.Key, len(prefix))
			if !ok {
				continue
			}
			out = append(out, AllocCandidate{RunnerID: runnerID, Version: version, WorkflowID: string(e.Value)})
		}
		return nil
	})
	return out, err
}

// decodeAllocIndexTail extracts the version and runner_id fields packed
// after the (namespace, runner_name) prefix in a RunnerAllocIndexKey.
func decodeAllocIndexTail(key []byte, prefixLen int) (version uint32, runnerID uint64, ok bool) {
	rest := key[prefixLen:]
	if len(rest) != 4+4+8+8 {
		return 0, 0, false
	}
	version = uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3])
	runnerID = 0
	for _, b := range rest[16:24] {
		runnerID = runnerID<<8 | uint64(b)
	}
	return version, runnerID, true
}
