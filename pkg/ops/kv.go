package ops

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/types"
)

// maxKvListLimit bounds kv_list's page size the same way the actor input
// cap bounds a single record, so one request can't force an unbounded scan.
const maxKvListLimit = 1000

// KV implements the actor-owned (tunneled, platform-opaque) key/value
// surface: kv_get and kv_list, both base64-encoded per spec §4.H.
type KV struct {
	db *kv.DB
}

// NewKV constructs a KV surface backed by db.
func NewKV(db *kv.DB) *KV { return &KV{db: db} }

// KvEntry is one base64-encoded key/value pair.
type KvEntry struct {
	KeyB64   string
	ValueB64 string
}

// Get returns the base64-encoded value for actorID's key, or a
// perr.KvKeyNotFound (404) error when no matching entry exists.
func (k *KV) Get(ctx context.Context, actorID types.ActorID, key string) (string, error) {
	var value []byte
	var found bool
	err := kv.Run(ctx, k.db, false, func(txn *kv.Txn) error {
		v, ok := txn.Get(kv.ActorKVKey{ActorID: uint64(actorID), Key: key})
		value, found = v, ok
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", perr.KvKeyNotFound(key)
	}
	return base64.StdEncoding.EncodeToString(value), nil
}

// List returns up to limit entries under actorID's KV namespace matching
// prefix, ascending by key unless reverse is set.
//
// Filtering happens after decoding each stored key's string component
// rather than as a raw-byte range prefix: ActorKVKey length-prefixes the
// string key (4 big-endian bytes then the bytes themselves), so a caller's
// plain-text prefix does not correspond to a byte-range prefix of the
// packed key.
func (k *KV) List(ctx context.Context, actorID types.ActorID, prefix string, limit int, reverse bool) ([]KvEntry, error) {
	if limit <= 0 || limit > maxKvListLimit {
		limit = maxKvListLimit
	}

	actorPrefix := kv.ActorKVPrefix(uint64(actorID))
	var entries []KvEntry
	err := kv.Run(ctx, k.db, false, func(txn *kv.Txn) error {
		for _, e := range txn.GetRange(actorPrefix, 0) {
			key, ok := decodeActorKVKey(e.Key, len(actorPrefix))
			if !ok || !strings.HasPrefix(key, prefix) {
				continue
			}
			entries = append(entries, KvEntry{
				KeyB64:   base64.StdEncoding.EncodeToString([]byte(key)),
				ValueB64: base64.StdEncoding.EncodeToString(e.Value),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The packed key sorts by key length first, so order by the key itself.
	sort.SliceStable(entries, func(i, j int) bool {
		a, _ := base64.StdEncoding.DecodeString(entries[i].KeyB64)
		b, _ := base64.StdEncoding.DecodeString(entries[j].KeyB64)
		return string(a) < string(b)
	})

	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func decodeActorKVKey(key []byte, prefixLen int) (string, bool) {
	tail := key[prefixLen:]
	if len(tail) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(tail[:4])
	tail = tail[4:]
	if uint32(len(tail)) < n {
		return "", false
	}
	return string(tail[:n]), true
}

// Put writes a value to actorID's KV namespace, used by the ops KV
// handler's PUT.
func (k *KV) Put(ctx context.Context, actorID types.ActorID, key string, value []byte) error {
	return kv.Run(ctx, k.db, true, func(txn *kv.Txn) error {
		return txn.Set(kv.ActorKVKey{ActorID: uint64(actorID), Key: key}, value)
	})
}

// Delete removes one key from actorID's KV namespace.
func (k *KV) Delete(ctx context.Context, actorID types.ActorID, key string) error {
	return kv.Run(ctx, k.db, true, func(txn *kv.Txn) error {
		return txn.Delete(kv.ActorKVKey{ActorID: uint64(actorID), Key: key})
	})
}
