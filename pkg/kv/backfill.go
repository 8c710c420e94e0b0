package kv

import (
	"context"
	"fmt"
)

// Backfill walks every key under prefix and rewrites it through decode+encode
// with upgrade, used to migrate a subspace to the current schema version in
// place ahead of a version that drops old-version support. Mirrors the
// one-shot bootstrap/backfill step of the original engine.
func Backfill[T any](ctx context.Context, db *DB, prefix []byte, codec Codec[T]) (int, error) {
	var rewritten int
	err := Run(ctx, db, true, func(txn *Txn) error {
		entries := txn.GetRange(prefix, 0)
		for _, e := range entries {
			if len(e.Value) == 0 {
				continue
			}
			if e.Value[0] == CurrentSchemaVersion {
				continue
			}
			v, err := codec.Decode(e.Value)
			if err != nil {
				return fmt.Errorf("kv: backfill decode %x: %w", e.Key, err)
			}
			encoded, err := codec.Encode(v)
			if err != nil {
				return fmt.Errorf("kv: backfill encode %x: %w", e.Key, err)
			}
			if err := txn.Set(RawKey(e.Key), encoded); err != nil {
				return err
			}
			rewritten++
		}
		return nil
	})
	return rewritten, err
}
