package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/types"
)

func TestTunnelRegistrySendActorStartNoSession(t *testing.T) {
	reg := newTunnelRegistry(nil, nil)
	runnerID := types.NewRunnerID(1, 1)

	err := reg.SendActorStart(context.Background(), runnerID, &types.Actor{})
	assert.Error(t, err)
	_, ok := perr.As(err)
	assert.True(t, ok, "expected a typed perr error")
}

func TestTunnelRegistrySendActorStopNoSession(t *testing.T) {
	reg := newTunnelRegistry(nil, nil)
	runnerID := types.NewRunnerID(2, 1)

	err := reg.SendActorStop(context.Background(), runnerID, types.NewActorID(1, 1))
	assert.Error(t, err)
}

func TestTunnelRegistryGetMissing(t *testing.T) {
	reg := newTunnelRegistry(nil, nil)
	_, ok := reg.get(types.NewRunnerID(99, 1))
	assert.False(t, ok)
}
