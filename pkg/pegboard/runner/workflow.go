package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/types"
	"github.com/pegboardhq/engine/pkg/workflow"
)

// listenForever stands in for an unbounded wait, same rationale as
// pkg/pegboard/actor: workflow.Listen requires a finite timeout.
const listenForever = 24 * time.Hour

// Transport delivers session-control frames to a connected runner over its
// tunnel WebSocket.
type Transport interface {
	SendStop(ctx context.Context, runnerID types.RunnerID, resetActorRescheduling bool) error
}

// Input is a runner session's registration request, taken from its
// ToServerInit frame.
type Input struct {
	RunnerID    types.RunnerID
	NamespaceID string
	Name        string
	Key         string
	Version     uint32
	TotalSlots  uint32
}

// Workflow runs one runner session's durable lifecycle: register, serve
// pings until stopped or evicted, then tear down the allocation index.
type Workflow struct {
	Input     Input
	Store     *Store
	Pinger    *Pinger
	Transport Transport
}

// sessionEvent is the single signal payload shape for a runner session:
// either a ping refresh or a stop command, matching the actor workflow's
// one-signal-with-a-kind-field convention.
type sessionEvent struct {
	Kind                   string `json:"kind"` // "ping" | "stop"
	ResetActorRescheduling bool   `json:"reset_actor_rescheduling"`
}

// Run implements workflow.Workflow.
func (w *Workflow) Run(wctx *workflow.Context) error {
	logger := log.WithRunnerID(w.Input.RunnerID.String())

	r, err := workflow.Activity(wctx, "register", func(ctx context.Context) (*types.Runner, error) {
		r := &types.Runner{
			RunnerID:    w.Input.RunnerID,
			NamespaceID: w.Input.NamespaceID,
			Name:        w.Input.Name,
			Key:         w.Input.Key,
			Version:     w.Input.Version,
			TotalSlots:  w.Input.TotalSlots,
			LastPingTS:  time.Now(),
		}
		if err := w.Store.Save(ctx, r); err != nil {
			return nil, err
		}
		return r, w.Pinger.UpdatePing(ctx, r, r.LastPingTS)
	})
	if err != nil {
		return err
	}

	eventSignal := "runner." + w.Input.RunnerID.String() + ".event"

	for {
		raw, err := workflow.Listen(wctx, eventSignal, listenForever)
		if err == workflow.ErrListenTimeout {
			continue
		}
		if err != nil {
			return err
		}

		var ev sessionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}

		switch ev.Kind {
		case "stop":
			logger.Info().Msg("runner session stopping")
			_, err := workflow.Activity(wctx, "teardown", func(ctx context.Context) (struct{}, error) {
				r.Stopped = true
				if err := w.Store.Save(ctx, r); err != nil {
					return struct{}{}, err
				}
				if err := w.Pinger.Evict(ctx, r); err != nil {
					return struct{}{}, err
				}
				if w.Transport != nil {
					_ = w.Transport.SendStop(ctx, r.RunnerID, ev.ResetActorRescheduling)
				}
				return struct{}{}, nil
			})
			return err

		default: // "ping"
			if _, err := workflow.Activity(wctx, "ping", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, w.Pinger.UpdatePing(ctx, r, time.Now())
			}); err != nil {
				return err
			}
		}
	}
}
