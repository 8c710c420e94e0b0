package epoxy

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/metrics"
)

// Proposer drives the commit protocol for commands originating at its
// replica: PreAccept to a fast quorum, falling back to a slow-quorum Accept
// round when replies disagree on deps/seq, then Commit to everyone.
type Proposer struct {
	Self      *Replica
	Transport Transport
}

// ErrQuorumUnavailable is returned when fewer peers than the required
// quorum responded successfully.
var ErrQuorumUnavailable = fmt.Errorf("epoxy: quorum unavailable")

// Propose runs one instance of the commit protocol for cmds, returning once
// the instance has committed across a quorum. The local commit executes
// every instance whose dependencies are committed before Propose returns;
// an instance still waiting on an uncommitted dependency is not waited for.
func (p *Proposer) Propose(ctx context.Context, cmds []Command) (InstanceID, error) {
	instance := p.Self.NextInstance()
	quorums := p.Self.Quorums()
	ballot := p.Self.RaiseBallot(Ballot{})

	p.Self.mu.Lock()
	deps, seq := p.Self.computeInitialDeps(cmds)
	p.Self.log[instance] = &LogEntry{Commands: cmds, Seq: seq, Deps: deps, State: StatePreAccepted, Ballot: ballot}
	p.Self.indexCommands(instance, cmds)
	p.Self.mu.Unlock()

	peers := p.peerURLs()

	replies, err := p.broadcastPreAccept(ctx, peers, PreAcceptRequest{
		Instance: instance, Ballot: ballot, Commands: cmds, Seq: seq, Deps: deps,
	}, quorums.FastQuorumExcludingSender())
	if err != nil {
		metrics.EpoxyProposalsTotal.WithLabelValues("failed").Inc()
		return instance, err
	}

	agree := true
	mergedDeps, mergedSeq := cloneDeps(deps), seq
	for _, rep := range replies {
		if rep.Changed {
			agree = false
		}
		mergedDeps = unionDeps(mergedDeps, rep.Deps)
		if rep.Seq > mergedSeq {
			mergedSeq = rep.Seq
		}
	}

	if !agree {
		// Slow path: Accept the merged deps/seq to a slow quorum before
		// committing, per the design's fast-path-disagreement fallback.
		if _, err := p.broadcastAccept(ctx, peers, AcceptRequest{
			Instance: instance, Ballot: ballot, Commands: cmds, Seq: mergedSeq, Deps: mergedDeps,
		}, quorums.SlowQuorumExcludingSender()); err != nil {
			metrics.EpoxyProposalsTotal.WithLabelValues("failed").Inc()
			return instance, err
		}
	}

	commitReq := CommitRequest{Instance: instance, Ballot: ballot, Commands: cmds, Seq: mergedSeq, Deps: mergedDeps}
	if err := p.Self.HandleCommit(ctx, commitReq); err != nil {
		return instance, err
	}
	p.broadcastCommit(ctx, peers, commitReq)

	return instance, nil
}

func (p *Proposer) peerURLs() []string {
	cfg := p.Self.Config()
	urls := make([]string, 0, len(cfg.Replicas))
	for _, r := range cfg.Replicas {
		if r.ReplicaID == p.Self.ID {
			continue
		}
		urls = append(urls, r.URL)
	}
	return urls
}

func (p *Proposer) broadcastPreAccept(ctx context.Context, peers []string, req PreAcceptRequest, need int) ([]PreAcceptReply, error) {
	if need <= 0 {
		return nil, nil
	}
	var mu sync.Mutex
	var replies []PreAcceptReply

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range peers {
		url := url
		g.Go(func() error {
			reply, err := p.Transport.PreAccept(gctx, url, req)
			if err != nil || !reply.Accepted {
				return nil // tolerate individual peer failure; quorum check happens after
			}
			mu.Lock()
			replies = append(replies, reply)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(replies) < need {
		log.WithReplicaID(p.Self.ID).Warn().Msg("epoxy pre-accept quorum not reached")
		return nil, ErrQuorumUnavailable
	}
	return replies, nil
}

func (p *Proposer) broadcastAccept(ctx context.Context, peers []string, req AcceptRequest, need int) ([]AcceptReply, error) {
	if need <= 0 {
		return nil, nil
	}
	var mu sync.Mutex
	var replies []AcceptReply

	g, gctx := errgroup.WithContext(ctx)
	for _, url := range peers {
		url := url
		g.Go(func() error {
			reply, err := p.Transport.Accept(gctx, url, req)
			if err != nil || !reply.Accepted {
				return nil
			}
			mu.Lock()
			replies = append(replies, reply)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(replies) < need {
		log.WithReplicaID(p.Self.ID).Warn().Msg("epoxy accept quorum not reached")
		return nil, ErrQuorumUnavailable
	}
	return replies, nil
}

func (p *Proposer) broadcastCommit(ctx context.Context, peers []string, req CommitRequest) {
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range peers {
		url := url
		g.Go(func() error {
			if err := p.Transport.Commit(gctx, url, req); err != nil {
				log.WithReplicaID(p.Self.ID).Warn().Msg("epoxy commit push failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
