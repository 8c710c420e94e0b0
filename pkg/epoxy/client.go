package epoxy

import (
	"context"
	"errors"
	"time"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/perr"
)

var errReservationMissingAfterExecute = errors.New("epoxy: reservation key missing after instance executed")

// executionPollInterval and executionPollTimeout bound how long Client waits
// for a committed instance to reach StateExecuted locally before giving up;
// HandleCommit executes an instance only once its dependencies are committed,
// so an instance may execute during a later commit, and the client polls for
// that rather than running execution itself.
const (
	executionPollInterval = 5 * time.Millisecond
	executionPollTimeout  = 2 * time.Second
)

// Client is the local handle pkg/ops and pkg/pegboard/actor use to propose
// Epoxy commands and read back their committed effects, generalizing the
// teacher's direct KV-store access into a replicated-log-backed one.
type Client struct {
	Proposer *Proposer
	Replica  *Replica
}

// NewClient constructs a Client over proposer/replica, which must be the
// same replica (proposer.Self == replica) on the caller's local datacenter.
func NewClient(proposer *Proposer, replica *Replica) *Client {
	return &Client{Proposer: proposer, Replica: replica}
}

// ReserveKey proposes a ReserveKey command for (namespaceID, name, key) at
// datacenter, then waits for local execution and reports the reservation's
// actual owner: committed is true only if this datacenter's proposal is the
// one that ends up recorded (first-writer-wins across interfering
// proposals, since Epoxy totally orders them within their SCC).
func (c *Client) ReserveKey(ctx context.Context, namespaceID, name, key string, datacenter uint16) (owner uint16, committed bool, err error) {
	instance, err := c.Proposer.Propose(ctx, []Command{{
		Kind:        CommandReserveKey,
		NamespaceID: namespaceID,
		Name:        name,
		ActorKey:    key,
		Datacenter:  datacenter,
	}})
	if err != nil {
		return 0, false, err
	}

	if err := c.awaitExecution(ctx, instance); err != nil {
		return 0, false, err
	}

	rawKey := kv.KeyReservationKey{NamespaceID: namespaceID, Name: name, ActorKeyStr: key}.Pack()
	value, found, err := c.Replica.HandleKvGet(ctx, rawKey)
	if err != nil {
		return 0, false, err
	}
	if !found {
		// The instance executed but wrote nothing: only possible if another
		// command kind reused the interference key, which never happens for
		// CommandReserveKey. Treat as a non-retryable invariant violation.
		return 0, false, perr.NonRetryable(errReservationMissingAfterExecute)
	}

	owner = uint16(value[0])<<8 | uint16(value[1])
	return owner, owner == datacenter, nil
}

func (c *Client) awaitExecution(ctx context.Context, id InstanceID) error {
	deadline := time.Now().Add(executionPollTimeout)
	ticker := time.NewTicker(executionPollInterval)
	defer ticker.Stop()

	for {
		if state, ok := c.Replica.InstanceState(id); ok && state == StateExecuted {
			return nil
		}
		if time.Now().After(deadline) {
			return perr.MaxRetriesReached(int(executionPollTimeout / executionPollInterval))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Propose exposes the underlying Set/Delete command path for pkg/ops
// entries that need a globally-ordered KV write (e.g. runner_configs
// fan-out bookkeeping) without a reservation's first-writer semantics.
func (c *Client) Propose(ctx context.Context, cmds []Command) error {
	instance, err := c.Proposer.Propose(ctx, cmds)
	if err != nil {
		return err
	}
	return c.awaitExecution(ctx, instance)
}

// Get performs a local KV read routed through the replica, per
// Replica.HandleKvGet's doc comment on read locality.
func (c *Client) Get(ctx context.Context, rawKey []byte) ([]byte, bool, error) {
	return c.Replica.HandleKvGet(ctx, rawKey)
}
