package epoxy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/workflow"
)

// fakeTransport records UpdateConfig pushes in-process, standing in for
// HTTPTransport in tests that don't need a real listener.
type fakeTransport struct {
	pushed []ClusterConfig
}

func (f *fakeTransport) UpdateConfig(_ context.Context, _ string, cfg ClusterConfig) error {
	f.pushed = append(f.pushed, cfg)
	return nil
}

func (f *fakeTransport) PreAccept(context.Context, string, PreAcceptRequest) (PreAcceptReply, error) {
	return PreAcceptReply{}, nil
}

func (f *fakeTransport) Accept(context.Context, string, AcceptRequest) (AcceptReply, error) {
	return AcceptReply{}, nil
}

func (f *fakeTransport) Commit(context.Context, string, CommitRequest) error { return nil }

func TestCoordinatorStatusChangeIncrementsEpochOnActivation(t *testing.T) {
	r := newTestReplica(t)
	r.HandleUpdateConfig(ClusterConfig{
		CoordinatorReplicaID: 1,
		Epoch:                1,
		Replicas: []ReplicaInfo{
			{ReplicaID: 1, URL: "http://self", Status: ReplicaActive},
			{ReplicaID: 2, URL: "http://peer", Status: ReplicaJoining},
		},
	})

	transport := &fakeTransport{}
	bus := pubsub.NewBus()
	changeSub := bus.Subscribe(ConfigChangeSubject, 4)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	signals := workflow.NewSignalBox()
	store := workflow.NewMemStore()
	wctx, err := workflow.NewContext(ctx, store, signals, "epoxy-coordinator-1")
	require.NoError(t, err)

	wf := &CoordinatorWorkflow{Self: r, Transport: transport, Bus: bus}
	go func() { _ = wf.Run(wctx) }()

	require.NoError(t, SignalReconfigure(signals, "epoxy-coordinator-1", 2, ReplicaActive, "http://peer"))

	select {
	case msg := <-changeSub.Messages:
		var cfg ClusterConfig
		require.NoError(t, json.Unmarshal(msg.Data, &cfg))
		assert.Equal(t, uint64(2), cfg.Epoch, "activating a joining replica must increment the epoch")
		info, ok := cfg.find(2)
		require.True(t, ok)
		assert.Equal(t, ReplicaActive, info.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for config change publication")
	}

	require.Len(t, transport.pushed, 1, "fan-out must push to every non-self replica")
	assert.Equal(t, uint64(2), transport.pushed[0].Epoch)
}

func TestCoordinatorURLOnlyUpdateDoesNotBumpEpoch(t *testing.T) {
	r := newTestReplica(t)
	r.HandleUpdateConfig(ClusterConfig{
		Epoch: 5,
		Replicas: []ReplicaInfo{
			{ReplicaID: 1, URL: "http://self", Status: ReplicaActive},
			{ReplicaID: 2, URL: "http://old-peer", Status: ReplicaActive},
		},
	})

	transport := &fakeTransport{}
	wf := &CoordinatorWorkflow{Self: r, Transport: transport}

	err := wf.apply(context.Background(), reconfigureCmd{
		Kind: "status_change", ReplicaID: 2, Status: ReplicaActive, URL: "http://new-peer",
	})
	require.NoError(t, err)

	got := r.Config()
	assert.Equal(t, uint64(5), got.Epoch, "status unchanged, only the URL moved: epoch must not bump")
	info, ok := got.find(2)
	require.True(t, ok)
	assert.Equal(t, "http://new-peer", info.URL)
}
