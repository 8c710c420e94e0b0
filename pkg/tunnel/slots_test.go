package tunnel

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

func TestSlotRegistryGCRemovesOnlyIdleSlots(t *testing.T) {
	reg := NewSlotRegistry()
	fresh := reg.Open(1, 100, "_reply.1")
	stale := reg.Open(2, 100, "_reply.2")

	// Move the stale slot's last activity an hour back; the fresh slot was
	// just opened, so only the stale one exceeds the one-minute threshold.
	stale.mu.Lock()
	stale.lastPingTS = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	removed := reg.GC(time.Minute)
	assert.Equal(t, []uint32{2}, removed)

	_, freshStillThere := reg.Get(1)
	assert.True(t, freshStillThere)
	_, staleGone := reg.Get(2)
	assert.False(t, staleGone)
}

func TestHibernationStorePersistsAndListsByActor(t *testing.T) {
	db, err := kv.Open(filepath.Join(t.TempDir(), "hiber.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewHibernationStore(db)
	ctx := context.Background()
	actorID := types.ActorID(55)

	require.NoError(t, store.Put(ctx, types.HibernatingRequest{ActorID: actorID, RequestID: 1, GatewayID: 7, LastPingTS: time.Now()}))
	require.NoError(t, store.Put(ctx, types.HibernatingRequest{ActorID: actorID, RequestID: 2, GatewayID: 7, LastPingTS: time.Now()}))

	list, err := store.ListForActor(ctx, actorID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, store.Delete(ctx, actorID, 1))
	list, err = store.ListForActor(ctx, actorID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint32(2), list[0].RequestID)
}
