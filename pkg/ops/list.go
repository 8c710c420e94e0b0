package ops

import (
	"context"

	"github.com/pegboardhq/engine/pkg/types"
)

// maxListLimit bounds list's page size the same way maxKvListLimit bounds
// kv_list's.
const maxListLimit = 1000

// ListRequest filters list's namespace-wide scan per spec §4.H.
type ListRequest struct {
	Name             string
	Key              string
	ActorIDs         []types.ActorID
	IncludeDestroyed bool
	Limit            int
	Cursor           string
}

// ListResult is one page of list's output; NextCursor is "" once exhausted.
type ListResult struct {
	Actors     []*types.Actor
	NextCursor string
}

// List scans namespaceID's actors newest-first by create_ts, applying req's
// filters in Go after loading each candidate record (the underlying index is
// ordered by create_ts alone; name/key/actor_ids/include_destroyed are not
// independently indexed, matching the teacher's preference for a single
// well-ordered index plus in-process filtering over compound secondary
// indexes for low-cardinality list queries).
func (o *Ops) List(ctx context.Context, namespaceID string, req ListRequest) (ListResult, error) {
	limit := req.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	idFilter := make(map[types.ActorID]struct{}, len(req.ActorIDs))
	for _, id := range req.ActorIDs {
		idFilter[id] = struct{}{}
	}

	var out []*types.Actor
	cursor := req.Cursor
	for len(out) < limit {
		ids, next, err := o.Actors.ListPage(ctx, namespaceID, cursor, limit)
		if err != nil {
			return ListResult{}, err
		}
		if len(ids) == 0 {
			cursor = ""
			break
		}

		for _, id := range ids {
			if len(idFilter) > 0 {
				if _, ok := idFilter[id]; !ok {
					continue
				}
			}
			a, found, err := o.Actors.Load(ctx, id)
			if err != nil {
				return ListResult{}, err
			}
			if !found {
				continue
			}
			if req.Name != "" && a.Name != req.Name {
				continue
			}
			if req.Key != "" && a.Key != req.Key {
				continue
			}
			if !req.IncludeDestroyed && a.State == types.ActorStateDestroyed {
				continue
			}
			out = append(out, a)
			if len(out) >= limit {
				break
			}
		}

		cursor = next
		if cursor == "" {
			break
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return ListResult{Actors: out, NextCursor: cursor}, nil
}
