package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	key := ActorKey{ActorID: 42}

	err := Run(context.Background(), db, true, func(txn *Txn) error {
		return txn.Set(key, []byte("hello"))
	})
	require.NoError(t, err)

	var got []byte
	err = Run(context.Background(), db, false, func(txn *Txn) error {
		v, ok := txn.Get(key)
		if !ok {
			t.Fatal("expected key to exist")
		}
		got = v
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestExistsAndDelete(t *testing.T) {
	db := openTestDB(t)
	key := RunnerKey{RunnerID: 7}

	err := Run(context.Background(), db, true, func(txn *Txn) error {
		return txn.Set(key, []byte("v"))
	})
	require.NoError(t, err)

	err = Run(context.Background(), db, false, func(txn *Txn) error {
		assert.True(t, txn.Exists(key))
		return nil
	})
	require.NoError(t, err)

	err = Run(context.Background(), db, true, func(txn *Txn) error {
		return txn.Delete(key)
	})
	require.NoError(t, err)

	err = Run(context.Background(), db, false, func(txn *Txn) error {
		assert.False(t, txn.Exists(key))
		return nil
	})
	require.NoError(t, err)
}

func TestAtomicOpConflict(t *testing.T) {
	db := openTestDB(t)
	key := ActorKey{ActorID: 1}

	err := Run(context.Background(), db, true, func(txn *Txn) error {
		return txn.Set(key, []byte("v1"))
	})
	require.NoError(t, err)

	var atomicErr error
	err = db.bolt.Update(func(tx *bolt.Tx) error {
		txn := &Txn{tx: tx}
		atomicErr = txn.AtomicOp(key, []byte("wrong-expected"), []byte("v2"))
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, atomicErr, ErrRetryableConflict)

	err = db.bolt.Update(func(tx *bolt.Tx) error {
		txn := &Txn{tx: tx}
		return txn.AtomicOp(key, []byte("v1"), []byte("v2"))
	})
	require.NoError(t, err)

	err = Run(context.Background(), db, false, func(txn *Txn) error {
		v, _ := txn.Get(key)
		assert.Equal(t, []byte("v2"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestGetRangePrefixScan(t *testing.T) {
	db := openTestDB(t)

	err := Run(context.Background(), db, true, func(txn *Txn) error {
		for i := 0; i < 5; i++ {
			k := ActorActiveIndexKey{NamespaceID: "ns", Name: "svc", ActorKeyStr: string(rune('a' + i))}
			if err := txn.Set(k, []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = Run(context.Background(), db, false, func(txn *Txn) error {
		entries := txn.GetRange(ActorActiveIndexPrefix("ns", "svc"), 0)
		assert.Len(t, entries, 5)
		return nil
	})
	require.NoError(t, err)
}

func TestCodecRoundTrip(t *testing.T) {
	type v1 struct {
		Name string `json:"name"`
	}
	codec := NewCodec[v1]()

	encoded, err := codec.Encode(v1{Name: "actor"})
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, encoded[0])

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "actor", decoded.Name)
}

func TestCodecUpgradeChain(t *testing.T) {
	type shape struct {
		Name string `json:"name"`
	}
	codec := Codec[shape]{
		Upgrade: func(v shape, fromVersion byte) shape {
			if fromVersion == 0 && v.Name == "" {
				v.Name = "unknown"
			}
			return v
		},
	}

	raw := append([]byte{0}, []byte(`{}`)...)
	decoded, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "unknown", decoded.Name)
}
