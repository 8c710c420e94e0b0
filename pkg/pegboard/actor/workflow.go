package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/types"
	"github.com/pegboardhq/engine/pkg/workflow"
)

const (
	maxInputBytes       = 4 << 20 // 4 MiB
	maxKeyBytes         = 1024
	actorStartThreshold = 30 * time.Second

	// listenForever stands in for an unbounded wait: workflow.Listen
	// requires a finite timeout (a zero duration fires immediately), so
	// serve and the Sleep crash policy re-Listen in a loop on timeout
	// rather than blocking on a literal zero.
	listenForever = 24 * time.Hour
)

// WorkflowID derives the durable workflow engine's identifier for an actor,
// mirroring pkg/pegboard/runner.WorkflowID's naming convention.
func WorkflowID(id types.ActorID) string { return "actor-" + id.String() }

// KeyReserver proposes a ReserveKey command through Epoxy and reports
// whether this datacenter now owns the key.
type KeyReserver interface {
	ReserveKey(ctx context.Context, namespaceID, name, key string, datacenter uint16) (owner uint16, committed bool, err error)
}

// RunnerAllocator picks an eligible runner and atomically reserves one of
// its slots, or reports none were available.
type RunnerAllocator interface {
	Allocate(ctx context.Context, namespaceID, runnerNameSelector string) (types.RunnerID, bool, error)
	Release(ctx context.Context, runnerID types.RunnerID) error
}

// RunnerTransport delivers lifecycle commands to a connected runner over its
// tunnel WebSocket (pkg/tunnel owns the actual socket).
type RunnerTransport interface {
	SendActorStart(ctx context.Context, runnerID types.RunnerID, a *types.Actor) error
	SendActorStop(ctx context.Context, runnerID types.RunnerID, actorID types.ActorID) error
}

// ForwardCreateRequest carries the fields of an actor-creation request on
// to the datacenter that actually owns the key's reservation, per spec
// §4.D's forward_request behavior.
type ForwardCreateRequest struct {
	NamespaceID        string
	Name               string
	Key                string
	RunnerNameSelector string
	CrashPolicy        types.CrashPolicy
	ActorInput         []byte
}

// DatacenterForwarder relays an actor-creation request to the datacenter
// labeled owner, used by reserveKey when the caller set forward_request and
// the key is reserved elsewhere.
type DatacenterForwarder interface {
	ForwardCreate(ctx context.Context, owner uint16, req ForwardCreateRequest) (*types.Actor, error)
}

// ReservationOutcome is published on pubsub.ActorReservationSubject once
// reserveKey resolves. It lets a Creator's synchronous fire-and-track wait
// (ops.ActorTimeout) observe a cross-DC forward or a conflict, rather than
// only ever seeing the locally-written stub record it wrote before spawning
// this workflow.
type ReservationOutcome struct {
	Reserved       bool         `json:"reserved"`
	ForwardedActor *types.Actor `json:"forwarded_actor,omitempty"`
	Error          *perr.Error  `json:"error,omitempty"`
}

// errKeyForwarded signals reserveKey resolved by relaying the create
// elsewhere; Run treats it as a clean (non-failing) end of this workflow
// instance rather than propagating it as a workflow failure.
var errKeyForwarded = errors.New("actor: key reservation forwarded to the owning datacenter")

// Input is the actor workflow's creation request, per spec §4.D.
type Input struct {
	ActorID            types.ActorID
	NamespaceID        string
	Name               string
	Key                string
	RunnerNameSelector string
	CrashPolicy        types.CrashPolicy
	ActorInput         []byte
	Datacenter         uint16
	ForwardRequest     bool
	DatacenterNameHint string
}

// Workflow runs one actor's durable lifecycle.
type Workflow struct {
	Input Input

	Store     *Store
	Keys      KeyReserver
	Runners   RunnerAllocator
	Transport RunnerTransport
	Bus       *pubsub.Bus
	Signals   *workflow.SignalBox
	Forwarder DatacenterForwarder

	BaseRetryTimeout   time.Duration
	RetryResetDuration time.Duration
}

// Run implements workflow.Workflow.
func (w *Workflow) Run(wctx *workflow.Context) error {
	logger := log.WithActorID(fmt.Sprint(w.Input.ActorID))

	a, err := workflow.Activity(wctx, "validate", func(ctx context.Context) (*types.Actor, error) {
		return w.validate()
	})
	if err != nil {
		return err
	}

	if err := w.writeInitRecord(wctx, a); err != nil {
		return err
	}

	if w.Input.Key != "" {
		if err := w.reserveKey(wctx, a); err != nil {
			if errors.Is(err, errKeyForwarded) {
				// The create was relayed to the owning datacenter; this
				// instance's locally-written stub never reserved anything
				// and never ran, so it just gets cleaned up.
				return w.destroy(wctx, a)
			}
			return err
		}
	}

	for {
		runnerID, err := w.allocate(wctx, a)
		if err != nil {
			return err
		}

		if err := w.start(wctx, a, runnerID); err != nil {
			// start failure is treated the same as a lost runner for crash
			// policy purposes.
			cont, err2 := w.terminate(wctx, a, err)
			if err2 != nil {
				return err2
			}
			if !cont {
				return w.destroy(wctx, a)
			}
			continue
		}

		if err := w.ready(wctx, a, runnerID); err != nil {
			return err
		}

		// Serve: block until the runner reports the actor stopped, crashed,
		// or the connection is lost. serve's own Listen calls are each
		// individually replay-safe.
		lost, err := w.serve(wctx, a)
		if err != nil {
			return err
		}
		if !lost {
			logger.Info().Msg("actor stopped normally")
			return w.destroy(wctx, a)
		}

		cont, err := w.terminate(wctx, a, perr.RunnerConnectionLost(fmt.Sprint(runnerID)))
		if err != nil {
			return err
		}
		if !cont {
			return w.destroy(wctx, a)
		}
	}
}

func (w *Workflow) validate() (*types.Actor, error) {
	in := w.Input
	if len(in.ActorInput) > maxInputBytes {
		return nil, perr.InputTooLarge(maxInputBytes)
	}
	if in.Key != "" && len(in.Key) > maxKeyBytes {
		return nil, perr.KeyTooLarge(maxKeyBytes, in.Key[:32])
	}
	if in.Key == "" && in.RunnerNameSelector == "" {
		return nil, perr.EmptyKey()
	}

	return &types.Actor{
		ActorID:            in.ActorID,
		NamespaceID:        in.NamespaceID,
		Name:               in.Name,
		Key:                in.Key,
		RunnerNameSelector: in.RunnerNameSelector,
		CrashPolicy:        in.CrashPolicy,
		State:              types.ActorStateValidated,
		Input:              in.ActorInput,
		CreateTS:           time.Now(),
	}, nil
}

func (w *Workflow) writeInitRecord(wctx *workflow.Context, a *types.Actor) error {
	_, err := workflow.Activity(wctx, "write_init_record", func(ctx context.Context) (struct{}, error) {
		if err := w.Store.Save(ctx, a); err != nil {
			return struct{}{}, err
		}
		if err := w.Store.IndexList(ctx, a); err != nil {
			return struct{}{}, err
		}
		if a.Key != "" {
			return struct{}{}, w.Store.IndexActive(ctx, a.NamespaceID, a.Name, a.Key, a.ActorID)
		}
		return struct{}{}, nil
	})
	return err
}

type reserveKeyResult struct {
	Owner     uint16
	Forwarded bool
	Err       *perr.Error
}

// reserveKey implements spec §4.D's three-way branch once the key turns out
// to be owned by a different datacenter than this one: an explicit,
// mismatched datacenter_name fails loudly (the caller asserted a specific
// DC and was wrong); forward_request relays the create to the actual owner
// and returns whatever that datacenter decides; absent both, this is an
// ordinary conflict against the key's current holder.
func (w *Workflow) reserveKey(wctx *workflow.Context, a *types.Actor) error {
	result, err := workflow.Activity(wctx, "reserve_key", func(ctx context.Context) (reserveKeyResult, error) {
		owner, committed, err := w.Keys.ReserveKey(ctx, a.NamespaceID, a.Name, a.Key, w.Input.Datacenter)
		if err != nil {
			return reserveKeyResult{}, err
		}
		if committed {
			w.publishReservation(ReservationOutcome{Reserved: true})
			return reserveKeyResult{Owner: w.Input.Datacenter}, nil
		}

		if hint, ok := parseDatacenterHint(w.Input.DatacenterNameHint); ok && hint != owner {
			res := reserveKeyResult{Owner: owner, Err: perr.KeyReservedInDifferentDatacenter(owner)}
			w.publishReservation(ReservationOutcome{Error: res.Err})
			return res, nil
		}

		if w.Input.ForwardRequest && w.Forwarder != nil {
			fwd, fwdErr := w.Forwarder.ForwardCreate(ctx, owner, ForwardCreateRequest{
				NamespaceID:        a.NamespaceID,
				Name:               a.Name,
				Key:                a.Key,
				RunnerNameSelector: a.RunnerNameSelector,
				CrashPolicy:        a.CrashPolicy,
				ActorInput:         a.Input,
			})
			if fwdErr != nil {
				perrErr, ok := perr.As(fwdErr)
				if !ok {
					perrErr = perr.NonRetryable(fwdErr)
				}
				w.publishReservation(ReservationOutcome{Error: perrErr})
				return reserveKeyResult{Owner: owner, Err: perrErr}, nil
			}
			w.publishReservation(ReservationOutcome{ForwardedActor: fwd})
			return reserveKeyResult{Owner: owner, Forwarded: true}, nil
		}

		existing, found, lookupErr := w.Store.LookupActive(ctx, a.NamespaceID, a.Name, a.Key)
		if lookupErr != nil {
			return reserveKeyResult{}, lookupErr
		}
		var perrErr *perr.Error
		if found {
			perrErr = perr.DuplicateKey(a.Key, existing.String())
		} else {
			perrErr = perr.KeyReservedInDifferentDatacenter(owner)
		}
		w.publishReservation(ReservationOutcome{Error: perrErr})
		return reserveKeyResult{Owner: owner, Err: perrErr}, nil
	})
	if err != nil {
		return err
	}

	if result.Forwarded {
		return errKeyForwarded
	}
	if result.Err != nil {
		return result.Err
	}

	a.State = types.ActorStateKeyReserved
	return nil
}

// parseDatacenterHint parses an explicit datacenter_name request field.
// Datacenters in this system are addressed by numeric label rather than a
// separate name, so the hint is the label in decimal.
func parseDatacenterHint(hint string) (uint16, bool) {
	if hint == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(hint, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// publishReservation announces reserveKey's outcome so a Creator waiting on
// pubsub.ActorReservationSubject can return the right thing to its caller.
// Called only from inside the reserve_key activity closure, so it fires
// exactly once per workflow instance (live), never again on replay.
func (w *Workflow) publishReservation(outcome ReservationOutcome) {
	if w.Bus == nil {
		return
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	_ = w.Bus.Publish(pubsub.ActorReservationSubject(fmt.Sprint(w.Input.ActorID)), data)
}

func (w *Workflow) allocate(wctx *workflow.Context, a *types.Actor) (types.RunnerID, error) {
	a.State = types.ActorStateAllocating
	now := time.Now()
	a.PendingAllocationTS = &now

	runnerID, err := workflow.Activity(wctx, fmt.Sprintf("allocate_gen_%d", a.Generation), func(ctx context.Context) (types.RunnerID, error) {
		id, ok, err := w.Runners.Allocate(ctx, a.NamespaceID, a.RunnerNameSelector)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, perr.NoRunnersAvailable(a.NamespaceID, a.RunnerNameSelector)
		}
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	a.RunnerID = &runnerID
	return runnerID, nil
}

func (w *Workflow) start(wctx *workflow.Context, a *types.Actor, runnerID types.RunnerID) error {
	_, err := workflow.Activity(wctx, fmt.Sprintf("start_gen_%d", a.Generation), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.Transport.SendActorStart(ctx, runnerID, a)
	})
	if err != nil {
		return err
	}

	_, err = workflow.Listen(wctx, pubsub.ActorReadySubject(fmt.Sprint(a.ActorID))+".running", actorStartThreshold)
	if err == workflow.ErrListenTimeout {
		return perr.RunnerNoResponse(fmt.Sprint(runnerID))
	}
	return err
}

func (w *Workflow) ready(wctx *workflow.Context, a *types.Actor, runnerID types.RunnerID) error {
	_, err := workflow.Activity(wctx, fmt.Sprintf("ready_gen_%d", a.Generation), func(ctx context.Context) (struct{}, error) {
		now := time.Now()
		a.ConnectableTS = &now
		a.State = types.ActorStateRunning
		if err := w.Store.Save(ctx, a); err != nil {
			return struct{}{}, err
		}
		if w.Bus != nil {
			data, _ := json.Marshal(struct {
				RunnerID types.RunnerID `json:"runner_id"`
			}{RunnerID: runnerID})
			_ = w.Bus.Publish(pubsub.ActorReadySubject(fmt.Sprint(a.ActorID)), data)
		}
		return struct{}{}, nil
	})
	return err
}

// serve blocks until the runner reports the actor stopped (lost=false) or
// the connection/ping is lost (lost=true).
func (w *Workflow) serve(wctx *workflow.Context, a *types.Actor) (lost bool, err error) {
	signalName := "actor." + a.ActorID.String() + ".terminal"
	for {
		raw, err := workflow.Listen(wctx, signalName, listenForever)
		if err == workflow.ErrListenTimeout {
			continue
		}
		if err != nil {
			return false, err
		}

		var ev struct {
			Kind string `json:"kind"` // "stopped" | "lost" | "crashed"
		}
		if unmarshalErr := json.Unmarshal(raw, &ev); unmarshalErr != nil {
			return true, nil
		}
		return ev.Kind != "stopped", nil
	}
}

// terminate applies the actor's crash policy after a lost runner. Returns
// cont=true if the workflow should loop back to allocate a fresh runner.
func (w *Workflow) terminate(wctx *workflow.Context, a *types.Actor, cause error) (cont bool, err error) {
	switch a.CrashPolicy {
	case types.CrashPolicyDestroy:
		reason := &types.FailureReason{Kind: "runner_connection_lost", Message: cause.Error()}
		_, err := workflow.Activity(wctx, fmt.Sprintf("destroy_on_crash_gen_%d", a.Generation), func(ctx context.Context) (struct{}, error) {
			now := time.Now()
			a.DestroyTS = &now
			a.FailureReason = reason
			a.State = types.ActorStateDestroyed
			return struct{}{}, w.Store.Save(ctx, a)
		})
		return false, err

	case types.CrashPolicySleep:
		_, err := workflow.Activity(wctx, fmt.Sprintf("sleep_gen_%d", a.Generation), func(ctx context.Context) (struct{}, error) {
			now := time.Now()
			a.SleepTS = &now
			a.State = types.ActorStateSleeping
			return struct{}{}, w.Store.Save(ctx, a)
		})
		if err != nil {
			return false, err
		}
		wakeSignal := "actor." + a.ActorID.String() + ".wake"
		for {
			if _, err := workflow.Listen(wctx, wakeSignal, listenForever); err != nil {
				if err == workflow.ErrListenTimeout {
					continue
				}
				return false, err
			}
			break
		}
		a.Generation++
		return true, nil

	default: // Restart
		baseRetry := w.BaseRetryTimeout
		if baseRetry <= 0 {
			baseRetry = defaultBaseRetryTimeout
		}
		if a.StartTS != nil && shouldResetRetries(*a.StartTS, w.RetryResetDuration, time.Now()) {
			a.Retries = 0
		}
		delay := retryDelay(baseRetry, a.Retries)
		a.Retries++

		_, err := workflow.Activity(wctx, fmt.Sprintf("reschedule_gen_%d", a.Generation), func(ctx context.Context) (struct{}, error) {
			now := time.Now()
			a.RescheduleTS = &now
			a.State = types.ActorStateRescheduling
			return struct{}{}, w.Store.Save(ctx, a)
		})
		if err != nil {
			return false, err
		}
		if err := workflow.Sleep(wctx, delay); err != nil {
			return false, err
		}
		a.Generation++
		return true, nil
	}
}

func (w *Workflow) destroy(wctx *workflow.Context, a *types.Actor) error {
	_, err := workflow.Activity(wctx, "destroy", func(ctx context.Context) (struct{}, error) {
		now := time.Now()
		a.DestroyTS = &now
		a.State = types.ActorStateDestroyed
		if err := w.Store.Save(ctx, a); err != nil {
			return struct{}{}, err
		}
		if a.Key != "" {
			if err := w.Store.RemoveActive(ctx, a.NamespaceID, a.Name, a.Key); err != nil {
				return struct{}{}, err
			}
		}
		if a.RunnerID != nil && w.Transport != nil {
			_ = w.Transport.SendActorStop(ctx, *a.RunnerID, a.ActorID)
			_ = w.Runners.Release(ctx, *a.RunnerID)
		}
		return struct{}{}, nil
	})
	return err
}
