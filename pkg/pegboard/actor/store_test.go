package actor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := &types.Actor{
		ActorID:     types.NewActorID(1, 1),
		NamespaceID: "ns1",
		Name:        "my-actor",
		Key:         "k1",
		State:       types.ActorStateValidated,
		CreateTS:    time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, a))

	loaded, found, err := store.Load(ctx, a.ActorID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, a.NamespaceID, loaded.NamespaceID)
	assert.Equal(t, a.Name, loaded.Name)
	assert.Equal(t, a.Key, loaded.Key)
	assert.Equal(t, a.State, loaded.State)
}

func TestStoreLoadMissing(t *testing.T) {
	store := openTestStore(t)
	_, found, err := store.Load(context.Background(), types.NewActorID(99, 1))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreSavePersistsSchemaVersionByte(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	a := &types.Actor{ActorID: types.NewActorID(2, 1), NamespaceID: "ns1", Name: "a"}
	require.NoError(t, store.Save(ctx, a))

	err := kv.Run(ctx, store.db, false, func(txn *kv.Txn) error {
		data, ok := txn.Get(kv.ActorKey{ActorID: uint64(a.ActorID)})
		require.True(t, ok)
		require.NotEmpty(t, data)
		assert.Equal(t, kv.CurrentSchemaVersion, data[0])
		return nil
	})
	require.NoError(t, err)
}

func TestActiveIndexLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	actorID := types.NewActorID(3, 1)

	require.NoError(t, store.IndexActive(ctx, "ns1", "my-actor", "k1", actorID))

	got, found, err := store.LookupActive(ctx, "ns1", "my-actor", "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, actorID, got)

	require.NoError(t, store.RemoveActive(ctx, "ns1", "my-actor", "k1"))
	_, found, err = store.LookupActive(ctx, "ns1", "my-actor", "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListPagePaginatesNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	var ids []types.ActorID
	for i := 0; i < 3; i++ {
		a := &types.Actor{
			ActorID:     types.NewActorID(uint64(10+i), 1),
			NamespaceID: "ns1",
			CreateTS:    base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.IndexList(ctx, a))
		ids = append(ids, a.ActorID)
	}

	page, cursor, err := store.ListPage(ctx, "ns1", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0])
	assert.Equal(t, ids[1], page[1])
	assert.NotEmpty(t, cursor)

	rest, cursor2, err := store.ListPage(ctx, "ns1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0])
	assert.Empty(t, cursor2)
}
