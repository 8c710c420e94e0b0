// Package actor implements the per-actor durable workflow: validate, reserve
// key, allocate a runner, start, serve, and eventually terminate/destroy, per
// the spec's nine-step state machine. It is grounded on the teacher's
// pkg/scheduler for placement concerns and pkg/workflow for durability.
package actor

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/types"
)

// actorCodec version-prefixes every persisted actor record so the on-disk
// schema can move forward without a separate migration pass; see
// kv.Backfill for how an upgrade hop gets applied in place.
var actorCodec = kv.NewCodec[types.Actor]()

// Store persists Actor records and the active-index pointer to workflow IDs.
type Store struct {
	db *kv.DB
}

// NewStore constructs a Store backed by db.
func NewStore(db *kv.DB) *Store { return &Store{db: db} }

// Save writes the actor's full record.
func (s *Store) Save(ctx context.Context, a *types.Actor) error {
	data, err := actorCodec.Encode(*a)
	if err != nil {
		return err
	}
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		return txn.Set(kv.ActorKey{ActorID: uint64(a.ActorID)}, data)
	})
}

// Load reads an actor record by ID.
func (s *Store) Load(ctx context.Context, id types.ActorID) (*types.Actor, bool, error) {
	var a types.Actor
	var found bool
	err := kv.Run(ctx, s.db, false, func(txn *kv.Txn) error {
		data, ok := txn.Get(kv.ActorKey{ActorID: uint64(id)})
		if !ok {
			return nil
		}
		found = true
		decoded, decodeErr := actorCodec.Decode(data)
		if decodeErr != nil {
			return decodeErr
		}
		a = decoded
		return nil
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &a, true, nil
}

// Codec exposes the actor record codec for callers (e.g. the backfill CLI)
// that need to rewrite every entry under SubspaceActor in place.
func Codec() kv.Codec[types.Actor] { return actorCodec }

// IndexActive records the (namespace, name, key) -> actor_id pointer used
// for duplicate-key detection, actor lookup by key, and active-actor
// listing.
func (s *Store) IndexActive(ctx context.Context, namespaceID, name, actorKeyStr string, actorID types.ActorID) error {
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], uint64(actorID))
		return txn.Set(kv.ActorActiveIndexKey{NamespaceID: namespaceID, Name: name, ActorKeyStr: actorKeyStr}, idBuf[:])
	})
}

// LookupActive returns the actor ID indexed under (namespace, name, key), if
// any — used to detect a duplicate key and to serve `get_for_key`.
func (s *Store) LookupActive(ctx context.Context, namespaceID, name, actorKeyStr string) (types.ActorID, bool, error) {
	var actorID types.ActorID
	var found bool
	err := kv.Run(ctx, s.db, false, func(txn *kv.Txn) error {
		data, ok := txn.Get(kv.ActorActiveIndexKey{NamespaceID: namespaceID, Name: name, ActorKeyStr: actorKeyStr})
		if ok && len(data) == 8 {
			actorID = types.ActorID(binary.BigEndian.Uint64(data))
			found = true
		}
		return nil
	})
	return actorID, found, err
}

// RemoveActive deletes the active-index pointer, performed on destroy.
func (s *Store) RemoveActive(ctx context.Context, namespaceID, name, actorKeyStr string) error {
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		return txn.Delete(kv.ActorActiveIndexKey{NamespaceID: namespaceID, Name: name, ActorKeyStr: actorKeyStr})
	})
}

func listIndexKey(a *types.Actor) kv.ActorListIndexKey {
	return kv.ActorListIndexKey{
		NamespaceID:        a.NamespaceID,
		CreateTSComplement: math.MaxUint64 - uint64(a.CreateTS.UnixNano()),
		ActorID:            uint64(a.ActorID),
	}
}

// IndexList records a's creation-time entry in its namespace's list index,
// called once at actor creation (the index never moves afterward: an
// actor's create_ts is immutable, so there is nothing to update).
func (s *Store) IndexList(ctx context.Context, a *types.Actor) error {
	return kv.Run(ctx, s.db, true, func(txn *kv.Txn) error {
		return txn.Set(listIndexKey(a), []byte{})
	})
}

// ListPage scans one namespace's actors newest-first (descending create_ts),
// starting strictly after cursor (the create_ts, as RFC3339Nano, of the last
// actor returned on the previous page; "" for the first page), and returns
// up to limit actor IDs plus the cursor for the next page ("" when exhausted).
//
// The index's sort key is complement = MaxUint64 - create_ts_unix_nano, so
// ascending complement order is descending create_ts order; "strictly older
// than cursor" becomes "strictly greater complement than cursor's complement".
func (s *Store) ListPage(ctx context.Context, namespaceID, cursor string, limit int) ([]types.ActorID, string, error) {
	var afterComplement uint64
	hasCursor := cursor != ""
	if hasCursor {
		ts, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", err
		}
		afterComplement = math.MaxUint64 - uint64(ts.UnixNano())
	}

	var ids []types.ActorID
	var lastComplement uint64
	var haveMore bool
	err := kv.Run(ctx, s.db, false, func(txn *kv.Txn) error {
		prefix := kv.ActorListIndexPrefix(namespaceID)
		for _, e := range txn.GetRange(prefix, 0) {
			complement, actorID, ok := decodeActorListKey(e.Key, len(prefix))
			if !ok {
				continue
			}
			if hasCursor && complement <= afterComplement {
				continue
			}
			if len(ids) >= limit {
				haveMore = true
				break
			}
			ids = append(ids, types.ActorID(actorID))
			lastComplement = complement
		}
		return nil
	})
	if err != nil || !haveMore {
		return ids, "", err
	}
	nextCursor := time.Unix(0, int64(math.MaxUint64-lastComplement)).UTC().Format(time.RFC3339Nano)
	return ids, nextCursor, nil
}

func decodeActorListKey(key []byte, prefixLen int) (complement uint64, actorID uint64, ok bool) {
	tail := key[prefixLen:]
	if len(tail) != 16 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(tail[0:8]), binary.BigEndian.Uint64(tail[8:16]), true
}
