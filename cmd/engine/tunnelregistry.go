package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/tunnel"
	"github.com/pegboardhq/engine/pkg/types"
)

// tunnelRegistry tracks each connected runner's live tunnel session and
// implements actor.RunnerTransport over it, so a workflow instance can
// address a runner by ID without knowing which goroutine owns its socket.
type tunnelRegistry struct {
	bus      *pubsub.Bus
	hiber    *tunnel.HibernationStore
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[types.RunnerID]*tunnel.Session
}

func newTunnelRegistry(bus *pubsub.Bus, hiber *tunnel.HibernationStore) *tunnelRegistry {
	return &tunnelRegistry{
		bus:      bus,
		hiber:    hiber,
		sessions: make(map[types.RunnerID]*tunnel.Session),
	}
}

// Connect upgrades req to a WebSocket and runs the runner's session until it
// disconnects, per spec §4.G's "runner_connect" route.
func (t *tunnelRegistry) Connect(w http.ResponseWriter, req *http.Request, runnerID types.RunnerID) {
	conn, err := t.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.WithRunnerID(runnerID.String()).Warn().Msg("runner tunnel upgrade failed")
		return
	}

	sess := tunnel.NewSession(conn, runnerID, t.bus, t.hiber)
	t.mu.Lock()
	t.sessions[runnerID] = sess
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.sessions, runnerID)
		t.mu.Unlock()
	}()

	if err := sess.Run(req.Context()); err != nil {
		log.WithRunnerID(runnerID.String()).Warn().Msg("runner tunnel session ended")
	}
}

func (t *tunnelRegistry) SendActorStart(ctx context.Context, runnerID types.RunnerID, a *types.Actor) error {
	sess, ok := t.get(runnerID)
	if !ok {
		return perr.RunnerConnectionLost(runnerID.String())
	}
	return sess.SendActorStart(ctx, runnerID, a)
}

func (t *tunnelRegistry) SendActorStop(ctx context.Context, runnerID types.RunnerID, actorID types.ActorID) error {
	sess, ok := t.get(runnerID)
	if !ok {
		return perr.RunnerConnectionLost(runnerID.String())
	}
	return sess.SendActorStop(ctx, runnerID, actorID)
}

func (t *tunnelRegistry) get(runnerID types.RunnerID) (*tunnel.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[runnerID]
	return sess, ok
}
