// Package guard implements the edge router: route resolution over the
// actor/runner address space, a TTL-and-capacity route cache, host
// validation, and request rate limiting. It generalizes the teacher's
// pkg/ingress.Router (host/path backend matching for static ingress rules)
// to the spec's actor-addressed, pub/sub-backed routing described in §4.G.
package guard

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pegboardhq/engine/pkg/perr"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/types"
)

// actorReadyTimeout bounds how long a path/header actor route waits on the
// actor's Ready publication before giving up, per spec §4.G.
const actorReadyTimeout = 10 * time.Second

// RouteKind discriminates the resolved RoutingOutput.
type RouteKind string

const (
	RouteActorLocal  RouteKind = "actor_local"  // serve via the local tunnel gateway
	RouteActorRemote RouteKind = "actor_remote" // forward to the owning DC
	RouteRunnerConn  RouteKind = "runner_connect"
	RouteFallback    RouteKind = "fallback"
)

// RoutingOutput is the router's resolution for one request.
type RoutingOutput struct {
	Kind RouteKind

	ActorID    types.ActorID
	Datacenter uint16

	RemoteHost string
	RemotePort int
	RemotePath string
}

// ActorResolver answers which datacenter owns an actor ID and whether the
// actor is already ready; the Router does the bounded wait for Ready.
type ActorResolver interface {
	// Resolve reports the actor's owning datacenter label and whether the
	// actor is already ready; when ready is false the router waits on
	// pub/sub for Ready before routing.
	Resolve(ctx context.Context, actorID types.ActorID) (datacenter uint16, ready bool, err error)
}

// Datacenter describes one cluster member's routing-relevant attributes.
type Datacenter struct {
	Label      uint16
	PublicURL  string
	ValidHosts []string
}

// Router resolves one request into a RoutingOutput per spec §4.G's
// path/header/runner-connect/fallback precedence.
type Router struct {
	OwnDatacenter uint16
	Datacenters   map[uint16]Datacenter
	Actors        ActorResolver
	Bus           *pubsub.Bus
}

// Request is the subset of an inbound request the router needs; callers
// adapt from *http.Request or the WS upgrade handshake.
type Request struct {
	Host           string
	Method         string
	Path           string
	TargetHeader   string // x-rivet-target
	ActorHeader    string // x-rivet-actor
	WSSubprotocols []string
}

// Resolve computes a RoutingOutput for req, per §4.G's precedence: path
// actor, header/subprotocol actor, runner connect, fallback.
func (r *Router) Resolve(ctx context.Context, req Request) (RoutingOutput, error) {
	if actorID, ok := pathActorID(req.Path); ok {
		return r.resolveActor(ctx, actorID)
	}
	if req.TargetHeader == "actor" && req.ActorHeader != "" {
		if actorID, ok := types.ParseActorID(req.ActorHeader); ok {
			return r.resolveActor(ctx, actorID)
		}
	}
	if actorID, ok := subprotocolActorID(req.WSSubprotocols); ok {
		return r.resolveActor(ctx, actorID)
	}
	if req.Path == "/runners/connect" || req.TargetHeader == "runner" {
		return RoutingOutput{Kind: RouteRunnerConn}, nil
	}
	return RoutingOutput{Kind: RouteFallback}, nil
}

func (r *Router) resolveActor(ctx context.Context, actorID types.ActorID) (RoutingOutput, error) {
	dc, ready, err := r.Actors.Resolve(ctx, actorID)
	if err != nil {
		return RoutingOutput{}, err
	}

	if dc != r.OwnDatacenter {
		peer, ok := r.Datacenters[dc]
		if !ok {
			return RoutingOutput{}, perr.DatacenterNotFound(dc)
		}
		host, port, path := splitURL(peer.PublicURL)
		return RoutingOutput{
			Kind: RouteActorRemote, ActorID: actorID, Datacenter: dc,
			RemoteHost: host, RemotePort: port, RemotePath: path,
		}, nil
	}

	if !ready {
		if err := r.waitForReady(ctx, actorID); err != nil {
			return RoutingOutput{}, err
		}
	}
	return RoutingOutput{Kind: RouteActorLocal, ActorID: actorID, Datacenter: dc}, nil
}

func (r *Router) waitForReady(ctx context.Context, actorID types.ActorID) error {
	subject := pubsub.ActorReadySubject(actorID.String())
	sub := r.Bus.Subscribe(subject, 1)
	defer sub.Unsubscribe()

	timer := time.NewTimer(actorReadyTimeout)
	defer timer.Stop()
	select {
	case <-sub.Messages:
		return nil
	case <-timer.C:
		return perr.ActorReadyTimeout(actorID.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidateHost enforces §4.G's host validation: when dc specifies
// valid_hosts, host must be in that list or the dc's public_url host.
func ValidateHost(dc Datacenter, host string) error {
	if len(dc.ValidHosts) == 0 {
		return nil
	}
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	for _, h := range dc.ValidHosts {
		if h == host {
			return nil
		}
	}
	publicHost, _, _ := splitURL(dc.PublicURL)
	if publicHost == host {
		return nil
	}
	return perr.MustUseRegionalHost()
}

// pathActorID extracts {actor_id} from "/actors/{actor_id}/...".
func pathActorID(path string) (types.ActorID, bool) {
	const prefix = "/actors/"
	if !strings.HasPrefix(path, prefix) {
		return 0, false
	}
	rest := path[len(prefix):]
	if idx := strings.IndexByte(rest, '/'); idx != -1 {
		rest = rest[:idx]
	}
	return types.ParseActorID(rest)
}

// subprotocolActorID extracts the actor ID from a WS subprotocol list
// containing "target.actor" and "rivet_actor.<id>".
func subprotocolActorID(protocols []string) (types.ActorID, bool) {
	hasTarget := false
	var actorID types.ActorID
	found := false
	for _, p := range protocols {
		if p == "target.actor" {
			hasTarget = true
			continue
		}
		if strings.HasPrefix(p, "rivet_actor.") {
			if id, ok := types.ParseActorID(strings.TrimPrefix(p, "rivet_actor.")); ok {
				actorID = id
				found = true
			}
		}
	}
	return actorID, hasTarget && found
}

// splitURL breaks a "scheme://host[:port][/path]" public URL into parts,
// defaulting the port by scheme when absent.
func splitURL(raw string) (host string, port int, path string) {
	rest := raw
	scheme := "http"
	if idx := strings.Index(rest, "://"); idx != -1 {
		scheme = rest[:idx]
		rest = rest[idx+3:]
	}
	if idx := strings.IndexByte(rest, '/'); idx != -1 {
		path = rest[idx:]
		rest = rest[:idx]
	}
	host = rest
	port = 80
	if scheme == "https" {
		port = 443
	}
	if idx := strings.IndexByte(rest, ':'); idx != -1 {
		host = rest[:idx]
		if p, err := strconv.Atoi(rest[idx+1:]); err == nil {
			port = p
		}
	}
	return host, port, path
}
