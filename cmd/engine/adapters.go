package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pegboardhq/engine/pkg/guard"
	"github.com/pegboardhq/engine/pkg/ops"
	"github.com/pegboardhq/engine/pkg/pegboard/actor"
	"github.com/pegboardhq/engine/pkg/pegboard/runner"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/types"
	"github.com/pegboardhq/engine/pkg/workflow"
)

// workflowCreator implements ops.Creator over the actor package's durable
// workflow: it writes the initial actor record synchronously (the part
// ops.Creator's contract requires callers to observe), then spawns the rest
// of the lifecycle (key reservation, allocation, start) as a background
// workflow instance, matching the teacher's fire-and-track pattern for
// long-running service starts.
type workflowCreator struct {
	engine      *workflow.Engine
	actors      *actor.Store
	keyReserver actor.KeyReserver
	allocator   *runner.Allocator
	bus         *pubsub.Bus
	transport   actor.RunnerTransport
	forwarder   actor.DatacenterForwarder
	datacenter  uint16
}

// Create writes the actor's initial record synchronously (the part
// ops.Creator's contract requires callers to observe) and spawns the rest
// of the lifecycle as a background workflow. When the request carries a
// key, it also waits up to ops.ActorTimeout on the workflow's reserveKey
// step: this is what lets a caller who set forward_request or
// datacenter_name see the owning datacenter's actual decision (a forwarded
// actor, or a conflict) instead of always getting back this DC's
// (possibly wrong) stub.
func (c *workflowCreator) Create(ctx context.Context, namespaceID string, req ops.CreateRequest) (*types.Actor, error) {
	actorID := types.NewActorID(randomHigh48(), c.datacenter)
	a := &types.Actor{
		ActorID:            actorID,
		NamespaceID:        namespaceID,
		Name:               req.Name,
		Key:                req.Key,
		RunnerNameSelector: req.RunnerNameSelector,
		CrashPolicy:        req.CrashPolicy,
		State:              types.ActorStateValidated,
		Input:              req.Input,
		CreateTS:           time.Now(),
	}
	if err := c.actors.Save(ctx, a); err != nil {
		return nil, err
	}
	if err := c.actors.IndexList(ctx, a); err != nil {
		return nil, err
	}
	if a.Key != "" {
		if err := c.actors.IndexActive(ctx, a.NamespaceID, a.Name, a.Key, a.ActorID); err != nil {
			return nil, err
		}
	}

	var reservation *pubsub.Subscription
	if req.Key != "" && c.bus != nil {
		reservation = c.bus.Subscribe(pubsub.ActorReservationSubject(actorID.String()), 1)
		defer reservation.Unsubscribe()
	}

	wf := &actor.Workflow{
		Input: actor.Input{
			ActorID:            actorID,
			NamespaceID:        namespaceID,
			Name:               req.Name,
			Key:                req.Key,
			RunnerNameSelector: req.RunnerNameSelector,
			CrashPolicy:        req.CrashPolicy,
			ActorInput:         req.Input,
			Datacenter:         c.datacenter,
			ForwardRequest:     req.ForwardRequest,
			DatacenterNameHint: req.DatacenterNameHint,
		},
		Store:     c.actors,
		Keys:      c.keyReserver,
		Runners:   c.allocator,
		Transport: c.transport,
		Bus:       c.bus,
		Signals:   c.engine.Signals(),
		Forwarder: c.forwarder,
	}
	c.engine.Spawn(context.Background(), actor.WorkflowID(actorID), wf)

	if reservation == nil {
		return a, nil
	}

	select {
	case msg := <-reservation.Messages:
		var outcome actor.ReservationOutcome
		if err := json.Unmarshal(msg.Data, &outcome); err != nil {
			return a, nil
		}
		if outcome.ForwardedActor != nil {
			return outcome.ForwardedActor, nil
		}
		if outcome.Error != nil {
			return nil, outcome.Error
		}
		return a, nil
	case <-time.After(ops.ActorTimeout):
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func randomHigh48() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[2:])
	return binary.BigEndian.Uint64(buf[:]) & 0xFFFFFFFFFFFF
}

// localActorResolver implements guard.ActorResolver against the local
// actor store, reporting an actor ready once its stored state is Running;
// it never forwards cross-DC (every
// actor this process knows about is, by construction, local to its own
// datacenter label).
type localActorResolver struct {
	actors *actor.Store
	own    uint16
	bus    *pubsub.Bus
}

func (r *localActorResolver) Resolve(ctx context.Context, actorID types.ActorID) (uint16, bool, error) {
	a, found, err := r.actors.Load(ctx, actorID)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return actorID.Datacenter(), false, nil
	}
	return actorID.Datacenter(), a.State == types.ActorStateRunning, nil
}

// httpRunnerConfigDeleter implements ops.RunnerConfigDeleter by calling the
// peer datacenter's own ops HTTP surface with a plain DELETE against the
// peer's URL, the same plain-HTTP-to-peer shape as pkg/epoxy's HTTPTransport.
type httpRunnerConfigDeleter struct {
	client *http.Client
}

func (d *httpRunnerConfigDeleter) DeleteRunnerConfig(ctx context.Context, datacenterURL, namespaceID, name string) error {
	url := fmt.Sprintf("%s/ops/runner-configs/%s/%s", datacenterURL, namespaceID, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("runner config delete on %s returned status %d", datacenterURL, resp.StatusCode)
	}
	return nil
}

// httpActorForwarder implements actor.DatacenterForwarder by PUTting the
// create request to the owning datacenter's own /actors surface, mirroring
// httpRunnerConfigDeleter's plain HTTP-to-peer pattern.
type httpActorForwarder struct {
	client   *http.Client
	peerURLs map[uint16]string
}

type forwardActorBody struct {
	Name               string            `json:"name"`
	Key                string            `json:"key"`
	RunnerNameSelector string            `json:"runner_name_selector"`
	CrashPolicy        types.CrashPolicy `json:"crash_policy"`
	Input              []byte            `json:"input"`
}

func (f *httpActorForwarder) ForwardCreate(ctx context.Context, owner uint16, req actor.ForwardCreateRequest) (*types.Actor, error) {
	url, ok := f.peerURLs[owner]
	if !ok {
		return nil, perr.DatacenterNotFound(owner)
	}

	body, err := json.Marshal(forwardActorBody{
		Name:               req.Name,
		Key:                req.Key,
		RunnerNameSelector: req.RunnerNameSelector,
		CrashPolicy:        req.CrashPolicy,
		Input:              req.ActorInput,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/actors?namespace=%s", url, req.NamespaceID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if perrErr, parseErr := perr.Parse(respBody); parseErr == nil {
			return nil, perrErr
		}
		return nil, fmt.Errorf("forward create to datacenter %d returned status %d", owner, resp.StatusCode)
	}

	var result struct {
		Actor *types.Actor
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}
	return result.Actor, nil
}

var _ guard.ActorResolver = (*localActorResolver)(nil)
var _ actor.DatacenterForwarder = (*httpActorForwarder)(nil)
