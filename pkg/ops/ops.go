// Package ops implements the typed, idempotent operation surface consumed
// by the (out of scope) external HTTP façade: get_or_create, kv_get/list,
// list, runner_configs, health, and tracing config. It is the thin call
// layer the teacher's cmd/warren wires directly into its HTTP handlers,
// generalized here to the spec's actor/runner domain.
package ops

import (
	"context"
	"time"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/pegboard/actor"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/types"
)

// CreateRequest is the input to Creator.Create, mirroring the actor
// workflow's own Input shape minus the fields ops derives itself
// (datacenter, actor ID). ForwardRequest and DatacenterNameHint carry the
// get_or_create caller's cross-DC intent straight through to the workflow's
// reserveKey step.
type CreateRequest struct {
	Name               string
	Key                string
	RunnerNameSelector string
	CrashPolicy        types.CrashPolicy
	Input              []byte
	ForwardRequest     bool
	DatacenterNameHint string
}

// Creator starts a new actor workflow and returns once its record has been
// durably written (State >= Validated), without waiting for it to reach
// Running — mirrors the teacher's fire-and-track pattern for long workflows.
type Creator interface {
	Create(ctx context.Context, namespaceID string, req CreateRequest) (*types.Actor, error)
}

// Ops bundles the stores and collaborators every operation needs.
type Ops struct {
	Actors  *actor.Store
	Creator Creator
}

// New constructs an Ops surface.
func New(actors *actor.Store, creator Creator) *Ops {
	return &Ops{Actors: actors, Creator: creator}
}

// GetForKey resolves an existing actor by (namespace, name, key) using the
// local active-key index. Callers needing cross-DC key ownership (the
// global-consistent half of the spec's description) go through the actor
// workflow's own KeyReserver, which is Epoxy-backed; this path only serves
// already-resolved local lookups, which is what get_or_create's fast path
// needs once an actor is known to live in this datacenter.
func (o *Ops) GetForKey(ctx context.Context, namespaceID, name, key string) (*types.Actor, bool, error) {
	id, found, err := o.Actors.LookupActive(ctx, namespaceID, name, key)
	if err != nil || !found {
		return nil, false, err
	}
	a, found, err := o.Actors.Load(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	return a, true, nil
}

// GetOrCreateResult is get_or_create's typed response.
type GetOrCreateResult struct {
	Actor   *types.Actor
	Created bool
}

// GetOrCreate implements the spec's idempotent get-or-create: it first
// returns an existing actor found by a local GetForKey lookup, otherwise
// calls Create, and on a DuplicateKey conflict
// (another in-flight request for the same key won the reservation first)
// extracts existing_actor_id from the error's metadata and fetches that
// actor instead of failing the caller.
func (o *Ops) GetOrCreate(ctx context.Context, namespaceID string, req CreateRequest) (GetOrCreateResult, error) {
	if req.Key != "" {
		if existing, found, err := o.GetForKey(ctx, namespaceID, req.Name, req.Key); err != nil {
			return GetOrCreateResult{}, err
		} else if found {
			return GetOrCreateResult{Actor: existing, Created: false}, nil
		}
	}

	created, err := o.Creator.Create(ctx, namespaceID, req)
	if err == nil {
		return GetOrCreateResult{Actor: created, Created: true}, nil
	}

	perrErr, ok := perr.As(err)
	if !ok || perrErr.Code != "duplicate_key" {
		return GetOrCreateResult{}, err
	}

	existingIDStr, ok := perr.Meta[string](perrErr, "existing_actor_id")
	if !ok {
		return GetOrCreateResult{}, err
	}
	existingID, ok := types.ParseActorID(existingIDStr)
	if !ok {
		return GetOrCreateResult{}, err
	}

	a, found, loadErr := o.Actors.Load(ctx, existingID)
	if loadErr != nil {
		return GetOrCreateResult{}, loadErr
	}
	if !found {
		log.Error("ops: get_or_create lost the race against a duplicate-key conflict for an actor that no longer exists")
		return GetOrCreateResult{}, err
	}
	return GetOrCreateResult{Actor: a, Created: false}, nil
}

// ActorTimeout bounds how long a Creator's fire-and-track wait holds an
// incoming request before giving up and returning whatever state the actor
// has reached (its own locally-written stub, absent a reservation outcome
// in time). workflowCreator uses this to bound its wait on reserveKey's
// cross-DC forward/conflict outcome.
const ActorTimeout = 30 * time.Second
