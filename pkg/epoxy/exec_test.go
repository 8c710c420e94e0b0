package epoxy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegboardhq/engine/pkg/kv"
)

func newTestReplica(t *testing.T) *Replica {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "epoxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewReplica(1, db)
}

func TestExecuteReadySingleInstance(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	inst := InstanceID{ReplicaID: 1, Slot: 1}
	err := r.HandleCommit(ctx, CommitRequest{
		Instance: inst,
		Ballot:   Ballot{Epoch: 1, Number: 1, ReplicaID: 1},
		Commands: []Command{{Kind: CommandSet, Key: []byte("k1"), Value: []byte("v1")}},
		Seq:      1,
		Deps:     nil,
	})
	require.NoError(t, err)

	assert.Equal(t, StateExecuted, r.log[inst].State)

	val, found, err := r.HandleKvGet(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v1"), val)
}

func TestExecuteReadyRespectsDependencyOrder(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	first := InstanceID{ReplicaID: 1, Slot: 1}
	second := InstanceID{ReplicaID: 1, Slot: 2}

	// Commit "second" first, with a dependency on "first" which hasn't
	// committed yet — it must not execute until "first" does.
	err := r.HandleCommit(ctx, CommitRequest{
		Instance: second,
		Ballot:   Ballot{Epoch: 1, Number: 1, ReplicaID: 1},
		Commands: []Command{{Kind: CommandSet, Key: []byte("k"), Value: []byte("from-second")}},
		Seq:      2,
		Deps:     map[InstanceID]struct{}{first: {}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, r.log[second].State, "must wait for its dependency before executing")

	err = r.HandleCommit(ctx, CommitRequest{
		Instance: first,
		Ballot:   Ballot{Epoch: 1, Number: 1, ReplicaID: 1},
		Commands: []Command{{Kind: CommandSet, Key: []byte("k"), Value: []byte("from-first")}},
		Seq:      1,
		Deps:     nil,
	})
	require.NoError(t, err)

	assert.Equal(t, StateExecuted, r.log[first].State)
	assert.Equal(t, StateExecuted, r.log[second].State, "committing the dependency must unblock execution of its dependent")

	val, _, err := r.HandleKvGet(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-second"), val, "lower-seq instance executes first, so the later instance's write wins")
}

func TestExecuteReadyHandlesDependencyCycle(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	a := InstanceID{ReplicaID: 1, Slot: 1}
	b := InstanceID{ReplicaID: 1, Slot: 2}

	r.mu.Lock()
	r.log[a] = &LogEntry{
		Commands: []Command{{Kind: CommandSet, Key: []byte("ka"), Value: []byte("va")}},
		Seq:      1,
		Deps:     map[InstanceID]struct{}{b: {}},
		State:    StateCommitted,
	}
	r.log[b] = &LogEntry{
		Commands: []Command{{Kind: CommandSet, Key: []byte("kb"), Value: []byte("vb")}},
		Seq:      2,
		Deps:     map[InstanceID]struct{}{a: {}},
		State:    StateCommitted,
	}
	r.mu.Unlock()

	err := r.executeReady(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateExecuted, r.log[a].State, "mutually dependent instances form one SCC and must execute together")
	assert.Equal(t, StateExecuted, r.log[b].State)
}

func TestExecuteReadyReserveKeyFirstWriterWins(t *testing.T) {
	r := newTestReplica(t)
	ctx := context.Background()

	first := InstanceID{ReplicaID: 1, Slot: 1}
	second := InstanceID{ReplicaID: 1, Slot: 2}

	// Two interfering ReserveKey proposals for the same (ns, name, key),
	// racing for different datacenters. "second" depends on "first", so
	// "first" (the lower Seq) executes first and is the true first writer.
	err := r.HandleCommit(ctx, CommitRequest{
		Instance: second,
		Ballot:   Ballot{Epoch: 1, Number: 1, ReplicaID: 1},
		Commands: []Command{{Kind: CommandReserveKey, NamespaceID: "ns", Name: "worker", ActorKey: "k", Datacenter: 2}},
		Seq:      2,
		Deps:     map[InstanceID]struct{}{first: {}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, r.log[second].State)

	err = r.HandleCommit(ctx, CommitRequest{
		Instance: first,
		Ballot:   Ballot{Epoch: 1, Number: 1, ReplicaID: 1},
		Commands: []Command{{Kind: CommandReserveKey, NamespaceID: "ns", Name: "worker", ActorKey: "k", Datacenter: 1}},
		Seq:      1,
		Deps:     nil,
	})
	require.NoError(t, err)

	assert.Equal(t, StateExecuted, r.log[first].State)
	assert.Equal(t, StateExecuted, r.log[second].State)

	rawKey := kv.KeyReservationKey{NamespaceID: "ns", Name: "worker", ActorKeyStr: "k"}.Pack()
	val, found, err := r.HandleKvGet(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, found)
	owner := uint16(val[0])<<8 | uint16(val[1])
	assert.Equal(t, uint16(1), owner, "the first-executed (lower-seq) proposal must win the reservation")
}

func TestHandlePreAcceptRejectsStaleBallot(t *testing.T) {
	r := newTestReplica(t)
	inst := InstanceID{ReplicaID: 1, Slot: 1}

	high := Ballot{Epoch: 1, Number: 5, ReplicaID: 1}
	reply := r.HandlePreAccept(PreAcceptRequest{Instance: inst, Ballot: high, Commands: nil, Seq: 1})
	assert.True(t, reply.Accepted)

	low := Ballot{Epoch: 1, Number: 1, ReplicaID: 1}
	reply2 := r.HandlePreAccept(PreAcceptRequest{Instance: inst, Ballot: low, Commands: nil, Seq: 1})
	assert.False(t, reply2.Accepted, "a ballot not strictly greater than the stored one must be rejected")
	assert.Equal(t, high, reply2.RejectedBy)
}

func TestHandlePreAcceptMergesInterferingDeps(t *testing.T) {
	r := newTestReplica(t)

	first := InstanceID{ReplicaID: 1, Slot: 1}
	reply := r.HandlePreAccept(PreAcceptRequest{
		Instance: first,
		Ballot:   Ballot{Epoch: 1, Number: 1, ReplicaID: 1},
		Commands: []Command{{Kind: CommandSet, Key: []byte("shared")}},
		Seq:      1,
	})
	require.True(t, reply.Accepted)

	second := InstanceID{ReplicaID: 1, Slot: 2}
	reply2 := r.HandlePreAccept(PreAcceptRequest{
		Instance: second,
		Ballot:   Ballot{Epoch: 1, Number: 1, ReplicaID: 1},
		Commands: []Command{{Kind: CommandSet, Key: []byte("shared")}},
		Seq:      1,
	})
	require.True(t, reply2.Accepted)
	_, hasFirst := reply2.Deps[first]
	assert.True(t, hasFirst, "an interfering command on the same key must be added as a dependency")
	assert.True(t, reply2.Changed, "an augmented proposal must report Changed")
}
