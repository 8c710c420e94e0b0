package runner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/types"
	"github.com/pegboardhq/engine/pkg/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestAllocatorPicksMostFreeSlotsAndReservesAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pinger := &Pinger{Store: store, Bus: pubsub.NewBus()}

	busy := &types.Runner{RunnerID: 1, NamespaceID: "ns", Name: "web", TotalSlots: 10, UsedSlots: 9}
	free := &types.Runner{RunnerID: 2, NamespaceID: "ns", Name: "web", TotalSlots: 10, UsedSlots: 1}
	require.NoError(t, store.Save(ctx, busy))
	require.NoError(t, store.Save(ctx, free))
	now := time.Now()
	require.NoError(t, pinger.UpdatePing(ctx, busy, now))
	require.NoError(t, pinger.UpdatePing(ctx, free, now))

	alloc := &Allocator{Store: store}
	picked, ok, err := alloc.Allocate(ctx, "ns", "web")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.RunnerID(2), picked, "allocation must prefer the runner with more free slots")

	reloaded, found, err := store.Load(ctx, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint32(2), reloaded.UsedSlots, "reserving a slot must increment used_slots")
}

func TestAllocatorReturnsNotFoundWhenAllRunnersFull(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pinger := &Pinger{Store: store, Bus: pubsub.NewBus()}

	full := &types.Runner{RunnerID: 9, NamespaceID: "ns", Name: "web", TotalSlots: 4, UsedSlots: 4}
	require.NoError(t, store.Save(ctx, full))
	require.NoError(t, pinger.UpdatePing(ctx, full, time.Now()))

	alloc := &Allocator{Store: store}
	_, ok, err := alloc.Allocate(ctx, "ns", "web")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestErrorTrackerClearsOnlyAfterConsecutiveSuccesses(t *testing.T) {
	db, err := kv.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tracker := NewErrorTracker(db)
	tracker.ReportError("ns", "web", assertErr("boom"))
	tracker.flush("ns", "web")

	active, found, err := tracker.GetError(context.Background(), "ns", "web")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "boom", active.Message)

	tracker.ReportSuccess("ns", "web")
	tracker.ReportSuccess("ns", "web")
	tracker.flush("ns", "web")
	_, found, err = tracker.GetError(context.Background(), "ns", "web")
	require.NoError(t, err)
	assert.True(t, found, "active_error must persist until consecutiveSuccessThreshold successes")

	tracker.ReportSuccess("ns", "web")
	tracker.flush("ns", "web")
	_, found, err = tracker.GetError(context.Background(), "ns", "web")
	require.NoError(t, err)
	assert.False(t, found, "active_error must clear after the third consecutive success")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeStopTransport struct{ stopped []types.RunnerID }

func (f *fakeStopTransport) SendStop(_ context.Context, id types.RunnerID, _ bool) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func TestRunnerWorkflowEvictsOnStopSignal(t *testing.T) {
	store := newTestStore(t)
	bus := pubsub.NewBus()
	pinger := &Pinger{Store: store, Bus: bus}
	signals := workflow.NewSignalBox()
	transport := &fakeStopTransport{}
	wfID := "runner-wf-1"

	w := &Workflow{
		Input:     Input{RunnerID: 7, NamespaceID: "ns", Name: "web", Version: 1, TotalSlots: 10},
		Store:     store,
		Pinger:    pinger,
		Transport: transport,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wctx, err := workflow.NewContext(ctx, workflow.NewMemStore(), signals, wfID)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(wctx) }()

	data, _ := json.Marshal(sessionEvent{Kind: "stop", ResetActorRescheduling: false})
	assert.Eventually(t, func() bool {
		return signals.Deliver(wfID, "runner."+types.RunnerID(7).String()+".event", data) > 0
	}, time.Second, 5*time.Millisecond, "workflow must be listening for the session event")

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("workflow did not terminate on stop")
	}

	assert.Equal(t, []types.RunnerID{7}, transport.stopped)

	r, found, err := store.Load(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, r.Stopped)
}
