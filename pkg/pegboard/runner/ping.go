package runner

import (
	"context"
	"time"

	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/types"
)

// WorkflowID is the conventional workflow identifier for a runner's
// durable session, used as the allocation index's pointer value.
func WorkflowID(id types.RunnerID) string { return "runner-" + id.String() }

// Pinger applies the gateway-side ping loop: refresh last_ping_ts in the
// allocation index, and re-insert (plus flush a CheckQueue) a runner that
// had been evicted for staleness and has now re-pinged.
type Pinger struct {
	Store *Store
	Bus   *pubsub.Bus
}

// UpdatePing moves r's allocation-index entry to the new ping coordinate,
// per spec §4.E's "update_alloc_idx". If r had no earlier ping or its last
// ping is older than staleRunnerThreshold, this counts as a re-insertion
// and a CheckQueue signal is published to flush any actors pending on this
// runner's (namespace, name).
func (p *Pinger) UpdatePing(ctx context.Context, r *types.Runner, now time.Time) error {
	prevPingNanos := uint64(r.LastPingTS.UnixNano())
	wasStale := r.LastPingTS.IsZero() || now.Sub(r.LastPingTS) > staleRunnerThreshold

	if !r.LastPingTS.IsZero() {
		if err := p.Store.IndexRemove(ctx, r, prevPingNanos); err != nil {
			return err
		}
	}

	r.LastPingTS = now
	if err := p.Store.Save(ctx, r); err != nil {
		return err
	}
	if err := p.Store.IndexUpsert(ctx, r, uint64(now.UnixNano()), WorkflowID(r.RunnerID)); err != nil {
		return err
	}

	if wasStale && p.Bus != nil {
		return p.Bus.Publish(pubsub.RunnerCheckQueueSubject(r.NamespaceID, r.Name), nil)
	}
	return nil
}

// Evict removes r's allocation-index entry and publishes eviction on both
// by-id and by-name subjects so any existing session closes, per §4.E.
func (p *Pinger) Evict(ctx context.Context, r *types.Runner) error {
	if err := p.Store.IndexRemove(ctx, r, uint64(r.LastPingTS.UnixNano())); err != nil {
		return err
	}
	if p.Bus == nil {
		return nil
	}
	if err := p.Bus.Publish(pubsub.RunnerEvictionByID(r.RunnerID.String()), nil); err != nil {
		return err
	}
	return p.Bus.Publish(pubsub.RunnerEvictionByName(r.NamespaceID, r.Name, r.Key), nil)
}

// DrainStaleVersions scans all runners of (namespaceID, name) with
// version < newVersion and reports their workflow IDs, so the caller can
// signal each with Stop{reset_actor_rescheduling:false}.
func (p *Pinger) DrainStaleVersions(ctx context.Context, namespaceID, name string, newVersion uint32) ([]string, error) {
	candidates, err := p.Store.ScanEligible(ctx, namespaceID, name, 0)
	if err != nil {
		return nil, err
	}
	var workflowIDs []string
	for _, c := range candidates {
		if c.Version < newVersion {
			workflowIDs = append(workflowIDs, c.WorkflowID)
		}
	}
	return workflowIDs, nil
}
