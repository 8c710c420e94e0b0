package epoxy

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegboardhq/engine/pkg/kv"
)

// threeReplicaCluster wires three Replicas behind real HTTP servers using
// HTTPTransport and Handler, so Propose exercises the actual wire contract
// rather than an in-process fake.
type threeReplicaCluster struct {
	replicas  [3]*Replica
	servers   [3]*httptest.Server
	transport *HTTPTransport
}

func newThreeReplicaCluster(t *testing.T) *threeReplicaCluster {
	t.Helper()
	c := &threeReplicaCluster{transport: NewHTTPTransport()}

	for i := range c.replicas {
		db, err := kv.Open(filepath.Join(t.TempDir(), "epoxy.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		r := NewReplica(uint32(i+1), db)
		c.replicas[i] = r
		c.servers[i] = httptest.NewServer(Handler(r))
		t.Cleanup(c.servers[i].Close)
	}

	cfg := ClusterConfig{Epoch: 1}
	for i, r := range c.replicas {
		cfg.Replicas = append(cfg.Replicas, ReplicaInfo{
			ReplicaID: r.ID, URL: c.servers[i].URL, Status: ReplicaActive,
		})
	}
	for _, r := range c.replicas {
		r.HandleUpdateConfig(cfg)
	}
	return c
}

func (c *threeReplicaCluster) proposerFor(i int) *Proposer {
	return &Proposer{Self: c.replicas[i], Transport: c.transport}
}

func TestProposeCommitsAcrossQuorumAndExecutesOnAllReplicas(t *testing.T) {
	c := newThreeReplicaCluster(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := c.proposerFor(0)
	instance, err := p.Propose(ctx, []Command{{Kind: CommandSet, Key: []byte("x"), Value: []byte("1")}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		val, found, err := c.replicas[2].HandleKvGet(ctx, []byte("x"))
		return err == nil && found && string(val) == "1"
	}, 2*time.Second, 10*time.Millisecond, "commit must propagate execution to every replica, not just the proposer")

	assert.Equal(t, StateExecuted, c.replicas[0].log[instance].State)
}
