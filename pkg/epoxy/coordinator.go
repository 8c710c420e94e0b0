package epoxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/workflow"
)

// listenForever is used where the coordinator workflow waits indefinitely
// for the next reconfigure signal; workflow.Listen requires a finite
// timeout, so this re-Listens in a loop rather than passing a zero duration
// (which would fire immediately).
const listenForever = 24 * time.Hour

// ReplicaStatus is a replica's membership state in the cluster config, per
// the design's Active/Learning/Joining lifecycle for a joining datacenter.
type ReplicaStatus string

const (
	ReplicaJoining  ReplicaStatus = "joining"
	ReplicaLearning ReplicaStatus = "learning"
	ReplicaActive   ReplicaStatus = "active"
	ReplicaInactive ReplicaStatus = "inactive"
)

// ReplicaInfo is one member's entry in ClusterConfig.
type ReplicaInfo struct {
	ReplicaID uint32        `json:"replica_id"`
	URL       string        `json:"url"`
	Status    ReplicaStatus `json:"status"`
}

// ClusterConfig is the durable, coordinator-owned view of cluster
// membership that every replica's UpdateConfig handler carries. Active <->
// Inactive transitions increment Epoch; URL-only updates (a replica's
// address changing without a status change) do not.
type ClusterConfig struct {
	CoordinatorReplicaID uint32        `json:"coordinator_replica_id"`
	Epoch                uint64        `json:"epoch"`
	Replicas             []ReplicaInfo `json:"replicas"`
}

func (c ClusterConfig) find(replicaID uint32) (ReplicaInfo, bool) {
	for _, r := range c.Replicas {
		if r.ReplicaID == replicaID {
			return r, true
		}
	}
	return ReplicaInfo{}, false
}

func (c ClusterConfig) withReplica(updated ReplicaInfo) ClusterConfig {
	out := c
	out.Replicas = make([]ReplicaInfo, len(c.Replicas))
	copy(out.Replicas, c.Replicas)
	for i, r := range out.Replicas {
		if r.ReplicaID == updated.ReplicaID {
			out.Replicas[i] = updated
			return out
		}
	}
	out.Replicas = append(out.Replicas, updated)
	return out
}

// Transport carries Epoxy's peer-to-peer messages over the wire; the HTTP
// implementation lives in transport.go. Tests substitute an in-process fake.
type Transport interface {
	UpdateConfig(ctx context.Context, replicaURL string, cfg ClusterConfig) error
	PreAccept(ctx context.Context, replicaURL string, req PreAcceptRequest) (PreAcceptReply, error)
	Accept(ctx context.Context, replicaURL string, req AcceptRequest) (AcceptReply, error)
	Commit(ctx context.Context, replicaURL string, req CommitRequest) error
}

// reconfigureCmd is the signal payload used to drive the coordinator
// workflow: a membership change to apply.
type reconfigureCmd struct {
	Kind string `json:"kind"` // "status_change" | "override"

	// status_change
	ReplicaID uint32        `json:"replica_id,omitempty"`
	Status    ReplicaStatus `json:"status,omitempty"`
	URL       string        `json:"url,omitempty"`

	// override
	Override *ClusterConfig `json:"override,omitempty"`
}

// CoordinatorWorkflow owns one cluster's ClusterConfig as a durable
// workflow: every mutation arrives as a signal, is applied deterministically,
// and fans the new config out to every replica (including replicas not yet
// Active, so they can transition to Learning/Active) before continuing.
// Self-addressed fan-out is skipped: the coordinator applies its own
// HandleUpdateConfig directly rather than round-tripping through Transport.
type CoordinatorWorkflow struct {
	Self      *Replica
	Transport Transport
	Bus       *pubsub.Bus

	// SignalName is the workflow signal this instance listens on for
	// reconfiguration commands; distinct instances (one per cluster) use
	// distinct workflow IDs but share this constant name.
	SignalName string
}

const reconfigureSignal = "epoxy.reconfigure"

// ConfigChangeSubject is published whenever the coordinator commits a new
// config, so interested components (e.g. the actor workflow's datacenter
// resolution) can react without polling.
const ConfigChangeSubject = "epoxy.config.changed"

// Run is the workflow entry point: it loops forever, waiting for a
// reconfigure signal, applying it, and fanning the result out. Each pass is
// wrapped in an Activity so repeated signals each get their own durable step.
func (w *CoordinatorWorkflow) Run(wctx *workflow.Context) error {
	name := w.SignalName
	if name == "" {
		name = reconfigureSignal
	}

	for {
		raw, err := workflow.Listen(wctx, name, listenForever)
		if err == workflow.ErrListenTimeout {
			continue
		}
		if err != nil {
			return err
		}

		var cmd reconfigureCmd
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return fmt.Errorf("epoxy: invalid reconfigure signal payload: %w", err)
		}

		if _, err := workflow.Activity(wctx, "apply_"+cmd.Kind, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.apply(ctx, cmd)
		}); err != nil {
			return err
		}
	}
}

func (w *CoordinatorWorkflow) apply(ctx context.Context, cmd reconfigureCmd) error {
	current := w.Self.Config()
	next := current

	switch cmd.Kind {
	case "override":
		if cmd.Override == nil {
			return fmt.Errorf("epoxy: override reconfigure missing config")
		}
		next = *cmd.Override
	case "status_change":
		existing, found := current.find(cmd.ReplicaID)
		url := cmd.URL
		if url == "" && found {
			url = existing.URL
		}
		updated := ReplicaInfo{ReplicaID: cmd.ReplicaID, URL: url, Status: cmd.Status}
		next = current.withReplica(updated)

		statusChanged := !found || existing.Status != cmd.Status
		becameActiveOrInactive := cmd.Status == ReplicaActive || cmd.Status == ReplicaInactive
		if statusChanged && becameActiveOrInactive {
			next.Epoch = current.Epoch + 1
		}
	default:
		return fmt.Errorf("epoxy: unknown reconfigure kind %q", cmd.Kind)
	}

	return w.fanOut(ctx, next)
}

// fanOut applies next locally and pushes UpdateConfig to every other
// configured replica concurrently, tolerating individual failures (a
// stale/unreachable replica catches up on the next fan-out or its own
// recovery poll).
func (w *CoordinatorWorkflow) fanOut(ctx context.Context, next ClusterConfig) error {
	w.Self.HandleUpdateConfig(next)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range next.Replicas {
		r := r
		if r.ReplicaID == w.Self.ID {
			continue
		}
		g.Go(func() error {
			if err := w.Transport.UpdateConfig(gctx, r.URL, next); err != nil {
				log.WithReplicaID(r.ReplicaID).Warn().Msg("epoxy config push failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if w.Bus != nil {
		if data, err := json.Marshal(next); err == nil {
			_ = w.Bus.Publish(ConfigChangeSubject, data)
		}
	}
	return nil
}

// SignalReconfigure delivers a status-change command to a running
// CoordinatorWorkflow instance via its SignalBox.
func SignalReconfigure(signals *workflow.SignalBox, workflowID string, replicaID uint32, status ReplicaStatus, url string) error {
	cmd := reconfigureCmd{Kind: "status_change", ReplicaID: replicaID, Status: status, URL: url}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	signals.Deliver(workflowID, reconfigureSignal, data)
	return nil
}

// SignalOverride delivers an administrative full-config override, used by
// the debug CLI's override-state operation.
func SignalOverride(signals *workflow.SignalBox, workflowID string, cfg ClusterConfig) error {
	cmd := reconfigureCmd{Kind: "override", Override: &cfg}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	signals.Deliver(workflowID, reconfigureSignal, data)
	return nil
}
