// Package tunnel multiplexes gateway<->runner request traffic over
// pkg/pubsub subjects, generalizing the teacher's single-subject
// pkg/events.Broker into one subject per runner and one per gateway
// instance, per spec §4.F.
package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/types"
)

// RequestSlot is the tunnel-side, shared, bounded-lifetime reference to one
// in-flight gateway<->runner request. Ownership per §3: the tunnel holds
// these, garbage collected on runner eviction, timeout, or explicit close.
type RequestSlot struct {
	RequestID    uint32
	GatewayID    uint32
	ReplySubject string
	Hibernatable bool

	mu         sync.Mutex
	lastPingTS time.Time
	nextIndex  uint64
	closed     bool
}

func newRequestSlot(requestID, gatewayID uint32, replySubject string) *RequestSlot {
	return &RequestSlot{
		RequestID:    requestID,
		GatewayID:    gatewayID,
		ReplySubject: replySubject,
		lastPingTS:   time.Now(),
	}
}

// Touch refreshes the slot's last-activity timestamp.
func (s *RequestSlot) Touch() {
	s.mu.Lock()
	s.lastPingTS = time.Now()
	s.mu.Unlock()
}

// NextIndex returns the next monotonically-increasing WS message index for
// this slot, used to order ToServerTunnelMessage WebSocketMessage frames.
func (s *RequestSlot) NextIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIndex++
	return s.nextIndex
}

func (s *RequestSlot) idle(threshold time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && now.Sub(s.lastPingTS) > threshold
}

// SlotRegistry tracks live RequestSlots for one runner connection. Reads and
// writes on the hot path (per-request task groups) touch only their own
// slot's mutex, never a registry-wide lock, per §5's "no shared locking on
// the hot path" requirement; the registry map itself is guarded separately,
// read-locked per frame by Get and write-locked only at slot open, close
// and GC.
type SlotRegistry struct {
	mu    sync.RWMutex
	slots map[uint32]*RequestSlot
}

// NewSlotRegistry constructs an empty registry.
func NewSlotRegistry() *SlotRegistry {
	return &SlotRegistry{slots: make(map[uint32]*RequestSlot)}
}

// Open creates and registers a new slot.
func (r *SlotRegistry) Open(requestID, gatewayID uint32, replySubject string) *RequestSlot {
	slot := newRequestSlot(requestID, gatewayID, replySubject)
	r.mu.Lock()
	r.slots[requestID] = slot
	r.mu.Unlock()
	return slot
}

// Get returns the slot for requestID, if still open.
func (r *SlotRegistry) Get(requestID uint32) (*RequestSlot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[requestID]
	return s, ok
}

// Close removes a slot from the registry.
func (r *SlotRegistry) Close(requestID uint32) {
	r.mu.Lock()
	if s, ok := r.slots[requestID]; ok {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	delete(r.slots, requestID)
	r.mu.Unlock()
}

// GC closes every slot idle for longer than threshold, returning their IDs.
func (r *SlotRegistry) GC(threshold time.Duration) []uint32 {
	now := time.Now()
	var stale []uint32
	r.mu.Lock()
	for id, s := range r.slots {
		if s.idle(threshold, now) {
			stale = append(stale, id)
			delete(r.slots, id)
		}
	}
	r.mu.Unlock()
	return stale
}

// HibernationStore persists HibernatingRequest entries so a restarted actor
// can replay a pending request to its new runner, per spec §4.F.
type HibernationStore struct {
	db *kv.DB
}

// NewHibernationStore constructs a HibernationStore backed by db.
func NewHibernationStore(db *kv.DB) *HibernationStore { return &HibernationStore{db: db} }

// Put writes or refreshes a hibernating request entry.
func (h *HibernationStore) Put(ctx context.Context, hr types.HibernatingRequest) error {
	data, err := json.Marshal(hr)
	if err != nil {
		return err
	}
	return kv.Run(ctx, h.db, true, func(txn *kv.Txn) error {
		key := kv.HibernatingRequestKey{ActorID: uint64(hr.ActorID), RequestID: hr.RequestID}
		return txn.Set(key, data)
	})
}

// Delete removes a hibernating request entry, performed on close.
func (h *HibernationStore) Delete(ctx context.Context, actorID types.ActorID, requestID uint32) error {
	return kv.Run(ctx, h.db, true, func(txn *kv.Txn) error {
		return txn.Delete(kv.HibernatingRequestKey{ActorID: uint64(actorID), RequestID: requestID})
	})
}

// ListForActor returns every hibernating request pending for actorID. The
// actor workflow does not call it; no request is replayed on Ready.
func (h *HibernationStore) ListForActor(ctx context.Context, actorID types.ActorID) ([]types.HibernatingRequest, error) {
	var out []types.HibernatingRequest
	err := kv.Run(ctx, h.db, false, func(txn *kv.Txn) error {
		prefix := kv.HibernatingRequestPrefix(uint64(actorID))
		for _, e := range txn.GetRange(prefix, 0) {
			var hr types.HibernatingRequest
			if err := json.Unmarshal(e.Value, &hr); err != nil {
				return err
			}
			out = append(out, hr)
		}
		return nil
	})
	return out, err
}
