package epoxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/metrics"
	"github.com/pegboardhq/engine/pkg/perr"
)

// Replica runs one site's copy of the Epoxy log: its own ballot, the log
// itself, a per-key interference index for fast dependency computation, and
// a reference to the local transactional KV that committed commands are
// applied to.
type Replica struct {
	ID uint32

	mu       sync.Mutex
	ballot   Ballot
	log      map[InstanceID]*LogEntry
	keyIdx   map[string]map[InstanceID]struct{}
	nextSlot uint64
	config   ClusterConfig

	db *kv.DB
}

// NewReplica constructs a Replica with an empty log, backed by db for
// command execution.
func NewReplica(id uint32, db *kv.DB) *Replica {
	return &Replica{
		ID:     id,
		log:    make(map[InstanceID]*LogEntry),
		keyIdx: make(map[string]map[InstanceID]struct{}),
		db:     db,
	}
}

// Quorums returns the current quorum thresholds for this replica's view of
// the cluster size.
func (r *Replica) Quorums() Quorums {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ComputeQuorums(len(r.config.Replicas))
}

func (r *Replica) validateBallot(id InstanceID, b Ballot) (Ballot, bool) {
	entry, ok := r.log[id]
	if !ok {
		return b, true
	}
	if b.Greater(entry.Ballot) || (entry.State == StateNone) {
		return b, true
	}
	return entry.Ballot, false
}

func (r *Replica) computeInitialDeps(cmds []Command) (map[InstanceID]struct{}, uint64) {
	deps := make(map[InstanceID]struct{})
	var maxSeq uint64
	for _, c := range cmds {
		key := c.InterferenceKey()
		for id := range r.keyIdx[key] {
			deps[id] = struct{}{}
			if entry, ok := r.log[id]; ok && entry.Seq > maxSeq {
				maxSeq = entry.Seq
			}
		}
	}
	return deps, maxSeq + 1
}

func (r *Replica) indexCommands(id InstanceID, cmds []Command) {
	for _, c := range cmds {
		key := c.InterferenceKey()
		if r.keyIdx[key] == nil {
			r.keyIdx[key] = make(map[InstanceID]struct{})
		}
		r.keyIdx[key][id] = struct{}{}
	}
}

// PreAcceptRequest is sent by a proposer (any replica) to a fast quorum of
// peers, excluding itself.
type PreAcceptRequest struct {
	Instance InstanceID
	Ballot   Ballot
	Commands []Command
	Seq      uint64
	Deps     map[InstanceID]struct{}
}

type PreAcceptReply struct {
	Instance    InstanceID
	Seq         uint64
	Deps        map[InstanceID]struct{}
	Changed     bool // true if this replica's deps/seq augmented the proposer's
	RejectedBy  Ballot
	Accepted    bool
}

// HandlePreAccept implements the PreAccept message: accept if the incoming
// ballot is strictly greater than the one stored for this instance (or the
// instance is new); merge local interference
// deps/seq into the proposal; store PreAccepted; reply with the (possibly
// augmented) deps/seq.
func (r *Replica) HandlePreAccept(req PreAcceptRequest) PreAcceptReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.validateBallot(req.Instance, req.Ballot); !ok {
		return PreAcceptReply{Instance: req.Instance, RejectedBy: stored}
	}

	localDeps, localMaxSeq := r.computeInitialDeps(req.Commands)
	mergedDeps := unionDeps(req.Deps, localDeps)
	mergedSeq := req.Seq
	if localMaxSeq > mergedSeq {
		mergedSeq = localMaxSeq
	}
	changed := mergedSeq != req.Seq || !depsEqual(mergedDeps, req.Deps)

	r.log[req.Instance] = &LogEntry{
		Commands: req.Commands,
		Seq:      mergedSeq,
		Deps:     mergedDeps,
		State:    StatePreAccepted,
		Ballot:   req.Ballot,
	}
	r.indexCommands(req.Instance, req.Commands)

	return PreAcceptReply{Instance: req.Instance, Seq: mergedSeq, Deps: mergedDeps, Changed: changed, Accepted: true}
}

type AcceptRequest struct {
	Instance InstanceID
	Ballot   Ballot
	Commands []Command
	Seq      uint64
	Deps     map[InstanceID]struct{}
}

type AcceptReply struct {
	Instance   InstanceID
	Accepted   bool
	RejectedBy Ballot
}

// HandleAccept overwrites the instance to Accepted with the supplied
// seq/deps, used on the slow path after deps disagreed across the fast
// quorum.
func (r *Replica) HandleAccept(req AcceptRequest) AcceptReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.validateBallot(req.Instance, req.Ballot); !ok {
		return AcceptReply{Instance: req.Instance, RejectedBy: stored}
	}

	r.log[req.Instance] = &LogEntry{
		Commands: req.Commands,
		Seq:      req.Seq,
		Deps:     req.Deps,
		State:    StateAccepted,
		Ballot:   req.Ballot,
	}
	r.indexCommands(req.Instance, req.Commands)
	return AcceptReply{Instance: req.Instance, Accepted: true}
}

type CommitRequest struct {
	Instance InstanceID
	Ballot   Ballot
	Commands []Command
	Seq      uint64
	Deps     map[InstanceID]struct{}
}

// HandleCommit overwrites the instance to Committed and triggers execution.
func (r *Replica) HandleCommit(ctx context.Context, req CommitRequest) error {
	r.mu.Lock()
	entry := &LogEntry{
		Commands: req.Commands,
		Seq:      req.Seq,
		Deps:     req.Deps,
		State:    StateCommitted,
		Ballot:   req.Ballot,
	}
	r.log[req.Instance] = entry
	r.indexCommands(req.Instance, req.Commands)
	metrics.EpoxyProposalsTotal.WithLabelValues("committed").Inc()
	r.mu.Unlock()

	return r.executeReady(ctx)
}

// PrepareRequest is sent during recovery to learn the highest ballot entry a
// peer has seen for an instance.
type PrepareRequest struct {
	Instance InstanceID
	Ballot   Ballot
}

type PrepareReply struct {
	Instance InstanceID
	Found    bool
	Entry    LogEntry
}

// HandlePrepare returns the highest-seen entry for the requested instance,
// used by recovery when the original proposer is unreachable.
func (r *Replica) HandlePrepare(req PrepareRequest) PrepareReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.log[req.Instance]
	if !ok {
		return PrepareReply{Instance: req.Instance}
	}
	return PrepareReply{Instance: req.Instance, Found: true, Entry: *entry}
}

// HandleUpdateConfig replaces the cluster config unconditionally: config is
// a last-writer-wins singleton under the coordinator's authority.
func (r *Replica) HandleUpdateConfig(cfg ClusterConfig) {
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	metrics.EpoxyConfigEpoch.Set(float64(cfg.Epoch))
	log.WithReplicaID(r.ID).Info().Msg("epoxy config updated")
}

// Config returns the replica's current view of cluster config.
func (r *Replica) Config() ClusterConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// HandleKvGet performs a local-only read of the replica's KV, routed here
// because the caller doesn't know (or care) which DC currently executes
// reads for this key — Epoxy only orders writes.
func (r *Replica) HandleKvGet(ctx context.Context, rawKey []byte) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := kv.Run(ctx, r.db, false, func(txn *kv.Txn) error {
		v, ok := txn.Get(kv.RawKey(rawKey))
		value, found = v, ok
		return nil
	})
	return value, found, err
}

// HandleKvPurge deletes the given keys locally, used by the
// epoxy_purger_purge subject.
func (r *Replica) HandleKvPurge(ctx context.Context, base64Keys []string) error {
	return kv.Run(ctx, r.db, true, func(txn *kv.Txn) error {
		for _, b64 := range base64Keys {
			raw, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return perr.NonRetryable(fmt.Errorf("epoxy: invalid base64 key: %w", err))
			}
			if err := txn.Delete(kv.RawKey(raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

// InstanceState reports an instance's current pipeline state, used by
// callers that proposed a command and need to know when it has executed.
func (r *Replica) InstanceState(id InstanceID) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.log[id]
	if !ok {
		return StateNone, false
	}
	return entry.State, true
}

// NextInstance allocates the next (self, slot) instance ID for a proposal
// originating at this replica.
func (r *Replica) NextInstance() InstanceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSlot++
	return InstanceID{ReplicaID: r.ID, Slot: r.nextSlot}
}

// RaiseBallot bumps the replica's own ballot strictly above rejected and
// returns the new value, used by a proposer whose proposal was rejected.
func (r *Replica) RaiseBallot(rejected Ballot) Ballot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rejected.Greater(r.ballot) {
		r.ballot = rejected.Next(r.ID)
	} else {
		r.ballot = r.ballot.Next(r.ID)
	}
	return r.ballot
}
