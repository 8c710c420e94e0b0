package workflow

import (
	"context"
	"encoding/json"

	"github.com/pegboardhq/engine/pkg/kv"
)

// historyKey addresses the single JSON-encoded History blob for a workflow
// instance. Histories are small (one record per lifecycle step) so a
// read-modify-write per append is cheap relative to the KV façade's own
// retry budget.
type historyKey struct {
	workflowID string
}

func (k historyKey) Pack() []byte {
	return append([]byte{0xF0}, []byte(k.workflowID)...)
}

// KVStore persists workflow histories in the platform's tuple-packed KV.
type KVStore struct {
	db *kv.DB
}

// NewKVStore constructs a Store backed by db.
func NewKVStore(db *kv.DB) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Load(ctx context.Context, workflowID string) (History, error) {
	var h History
	err := kv.Run(ctx, s.db, false, func(txn *kv.Txn) error {
		raw, ok := txn.Get(historyKey{workflowID})
		if !ok {
			h = nil
			return nil
		}
		return json.Unmarshal(raw, &h)
	})
	return h, err
}

func (s *KVStore) AppendEvent(ctx context.Context, workflowID string, ev Event) error {
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		var h History
		if raw, ok := txn.Get(historyKey{workflowID}); ok {
			if err := json.Unmarshal(raw, &h); err != nil {
				return err
			}
		}
		h = append(h, ev)
		encoded, err := json.Marshal(h)
		if err != nil {
			return err
		}
		return txn.Set(historyKey{workflowID}, encoded)
	})
}

// MemStore is an in-memory Store with no cross-process durability, used by
// tests; the engine in cmd/engine persists histories with KVStore.
type MemStore struct {
	histories map[string]History
}

func NewMemStore() *MemStore {
	return &MemStore{histories: make(map[string]History)}
}

func (s *MemStore) Load(ctx context.Context, workflowID string) (History, error) {
	h := s.histories[workflowID]
	out := make(History, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemStore) AppendEvent(ctx context.Context, workflowID string, ev Event) error {
	s.histories[workflowID] = append(s.histories[workflowID], ev)
	return nil
}
