package ops

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/pegboard/actor"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/types"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeCreator struct {
	actors   *actor.Store
	conflict *types.Actor
}

func (f *fakeCreator) Create(ctx context.Context, namespaceID string, req CreateRequest) (*types.Actor, error) {
	if f.conflict != nil {
		return nil, perr.DuplicateKey(req.Key, f.conflict.ActorID.String())
	}
	a := &types.Actor{
		ActorID:     types.NewActorID(1, 1),
		NamespaceID: namespaceID,
		Name:        req.Name,
		Key:         req.Key,
		State:       types.ActorStateValidated,
		CreateTS:    time.Now(),
	}
	return a, f.actors.Save(ctx, a)
}

func TestGetOrCreateFastPathHit(t *testing.T) {
	db := openTestDB(t)
	store := actor.NewStore(db)
	ctx := context.Background()

	existing := &types.Actor{ActorID: types.NewActorID(7, 1), NamespaceID: "ns", Name: "worker", Key: "k1", CreateTS: time.Now()}
	require.NoError(t, store.Save(ctx, existing))
	require.NoError(t, store.IndexActive(ctx, "ns", "worker", "k1", existing.ActorID))

	o := New(store, &fakeCreator{actors: store})
	res, err := o.GetOrCreate(ctx, "ns", CreateRequest{Name: "worker", Key: "k1"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, existing.ActorID, res.Actor.ActorID)
}

func TestGetOrCreateCreatesWhenAbsent(t *testing.T) {
	db := openTestDB(t)
	store := actor.NewStore(db)
	ctx := context.Background()

	o := New(store, &fakeCreator{actors: store})
	res, err := o.GetOrCreate(ctx, "ns", CreateRequest{Name: "worker", Key: "new-key"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "worker", res.Actor.Name)
}

func TestGetOrCreateRecoversFromDuplicateKeyConflict(t *testing.T) {
	db := openTestDB(t)
	store := actor.NewStore(db)
	ctx := context.Background()

	winner := &types.Actor{ActorID: types.NewActorID(9, 1), NamespaceID: "ns", Name: "worker", Key: "k2", CreateTS: time.Now()}
	require.NoError(t, store.Save(ctx, winner))

	o := New(store, &fakeCreator{actors: store, conflict: winner})
	res, err := o.GetOrCreate(ctx, "ns", CreateRequest{Name: "worker", Key: "k2"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, winner.ActorID, res.Actor.ActorID)
}

func TestKvGetNotFound(t *testing.T) {
	db := openTestDB(t)
	k := NewKV(db)
	_, err := k.Get(context.Background(), types.NewActorID(1, 1), "missing")
	perrErr, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, "kv_key_not_found", perrErr.Code)
}

func TestKvPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	k := NewKV(db)
	actorID := types.NewActorID(2, 1)
	ctx := context.Background()

	require.NoError(t, k.Put(ctx, actorID, "hello", []byte("world")))
	v, err := k.Get(ctx, actorID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "d29ybGQ=", v)
}

func TestKvListPrefixFilter(t *testing.T) {
	db := openTestDB(t)
	k := NewKV(db)
	actorID := types.NewActorID(3, 1)
	ctx := context.Background()

	require.NoError(t, k.Put(ctx, actorID, "users/1", []byte("a")))
	require.NoError(t, k.Put(ctx, actorID, "users/2", []byte("b")))
	require.NoError(t, k.Put(ctx, actorID, "orders/1", []byte("c")))

	entries, err := k.List(ctx, actorID, "users/", 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestKvListDoesNotLeakOtherActorsKeys(t *testing.T) {
	db := openTestDB(t)
	k := NewKV(db)
	ctx := context.Background()

	a1 := types.NewActorID(4, 1)
	a2 := types.NewActorID(5, 1)
	require.NoError(t, k.Put(ctx, a1, "shared", []byte("one")))
	require.NoError(t, k.Put(ctx, a2, "shared", []byte("two")))

	entries, err := k.List(ctx, a1, "", 10, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestListFiltersByNameKeyAndDestroyed(t *testing.T) {
	db := openTestDB(t)
	store := actor.NewStore(db)
	ctx := context.Background()
	o := New(store, &fakeCreator{actors: store})

	base := time.Now()
	actors := []*types.Actor{
		{ActorID: types.NewActorID(1, 1), NamespaceID: "ns", Name: "worker", Key: "a", State: types.ActorStateRunning, CreateTS: base},
		{ActorID: types.NewActorID(2, 1), NamespaceID: "ns", Name: "worker", Key: "b", State: types.ActorStateDestroyed, CreateTS: base.Add(time.Second)},
		{ActorID: types.NewActorID(3, 1), NamespaceID: "ns", Name: "other", Key: "a", State: types.ActorStateRunning, CreateTS: base.Add(2 * time.Second)},
	}
	for _, a := range actors {
		require.NoError(t, store.Save(ctx, a))
		require.NoError(t, store.IndexList(ctx, a))
	}

	res, err := o.List(ctx, "ns", ListRequest{Name: "worker"})
	require.NoError(t, err)
	require.Len(t, res.Actors, 1)
	assert.Equal(t, actors[0].ActorID, res.Actors[0].ActorID)

	res, err = o.List(ctx, "ns", ListRequest{Name: "worker", IncludeDestroyed: true})
	require.NoError(t, err)
	assert.Len(t, res.Actors, 2)
}

func TestTracingUpdateTriState(t *testing.T) {
	db := openTestDB(t)
	tr := NewTracing(db)
	ctx := context.Background()

	cfg, err := tr.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaultSamplerRatio, cfg.SamplerRatio)

	filter := "debug"
	cfg, err = tr.Update(ctx, TracingConfigUpdate{FilterSet: true, Filter: &filter})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Filter)
	assert.Equal(t, defaultSamplerRatio, cfg.SamplerRatio)

	ratio := 0.5
	cfg, err = tr.Update(ctx, TracingConfigUpdate{SamplerRatioSet: true, SamplerRatio: &ratio})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Filter, "unset fields must be left untouched")
	assert.Equal(t, 0.5, cfg.SamplerRatio)

	cfg, err = tr.Update(ctx, TracingConfigUpdate{FilterSet: true, Filter: nil})
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Filter, "nil with FilterSet resets to default")
	assert.Equal(t, 0.5, cfg.SamplerRatio)
}

func TestTracingConfigUpdateUnmarshalDistinguishesAbsentFromNull(t *testing.T) {
	var upd TracingConfigUpdate
	require.NoError(t, upd.UnmarshalJSON([]byte(`{"filter":null}`)))
	assert.True(t, upd.FilterSet)
	assert.Nil(t, upd.Filter)
	assert.False(t, upd.SamplerRatioSet)

	var upd2 TracingConfigUpdate
	require.NoError(t, upd2.UnmarshalJSON([]byte(`{"sampler_ratio":0.25}`)))
	assert.False(t, upd2.FilterSet)
	require.True(t, upd2.SamplerRatioSet)
	require.NotNil(t, upd2.SamplerRatio)
	assert.Equal(t, 0.25, *upd2.SamplerRatio)
}

func TestRunnerConfigsUpsertListDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rc := NewRunnerConfigs(db, noopDeleter{}, "https://dc1.example.com", nil)

	require.NoError(t, rc.Upsert(ctx, "ns", "worker", types.RunnerConfig{NamespaceID: "ns", Name: "worker", Kind: types.RunnerConfigNormal}))
	cfgs, err := rc.List(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, cfgs, 1)

	require.NoError(t, rc.Delete(ctx, "ns", "worker"))
	cfgs, err = rc.List(ctx, "ns")
	require.NoError(t, err)
	assert.Empty(t, cfgs)
}

type noopDeleter struct{}

func (noopDeleter) DeleteRunnerConfig(ctx context.Context, datacenterURL, namespaceID, name string) error {
	return nil
}

func TestHealthFanoutReportsLocalHealthyWithoutNetworkHop(t *testing.T) {
	h := NewHealth(1, nil)
	results := h.Fanout(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, uint16(1), results[0].Datacenter)
	assert.True(t, results[0].Healthy)
}
