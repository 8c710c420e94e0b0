package workflow

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/pegboardhq/engine/pkg/log"
)

// Workflow is one instance's durable entry point. Run must be deterministic
// given its persisted history: the only sources of non-determinism allowed
// are inside Activity closures, whose results are captured at write time.
type Workflow interface {
	Run(wctx *Context) error
}

// Engine runs workflow instances to completion, restarting a Run that
// returns a non-terminal error (e.g. a transient KV conflict bubbling out of
// an activity) with backoff, the same retry posture as the KV façade's own
// retry loop.
type Engine struct {
	store   Store
	signals *SignalBox

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc
}

// NewEngine constructs an Engine persisting histories to store and routing
// signals through signals.
func NewEngine(store Store, signals *SignalBox) *Engine {
	return &Engine{store: store, signals: signals, cancelFns: make(map[string]context.CancelFunc)}
}

// Signals returns the engine's SignalBox, for callers that need to Deliver
// into a running workflow (e.g. the tunnel delivering EventActorStateUpdate).
func (e *Engine) Signals() *SignalBox { return e.signals }

// Spawn starts workflowID's Run in a background goroutine, retrying with
// exponential backoff on error until ctx is canceled, Run returns nil, or
// the backoff's default 15-minute MaxElapsedTime runs out (which is logged
// as a permanent failure).
// Spawn returns immediately; callers observe completion via signals or by
// reading the workflow's own persisted state through the kv package.
func (e *Engine) Spawn(ctx context.Context, workflowID string, wf Workflow) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFns[workflowID] = cancel
	e.mu.Unlock()

	go func() {
		logger := log.WithComponent("workflow")
		retry := backoff.NewExponentialBackOff()
		err := backoff.Retry(func() error {
			wctx, err := NewContext(ctx, e.store, e.signals, workflowID)
			if err != nil {
				return err
			}
			if runErr := wf.Run(wctx); runErr != nil {
				logger.Warn().Msg("workflow run failed, will retry")
				return runErr
			}
			return nil
		}, backoff.WithContext(retry, ctx))
		if err != nil && ctx.Err() == nil {
			logger.Error().Msg("workflow permanently failed")
		}
		cancel()
		e.mu.Lock()
		delete(e.cancelFns, workflowID)
		e.mu.Unlock()
	}()
}

// Cancel stops retrying workflowID and cancels its in-flight Run's context.
func (e *Engine) Cancel(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancelFns[workflowID]; ok {
		cancel()
		delete(e.cancelFns, workflowID)
	}
}

// Running returns the IDs of every workflow instance spawned but not yet
// finished or canceled, for a caller (e.g. the shutdown sequence) that needs
// to force-cancel whatever is left after a grace period.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.cancelFns))
	for id := range e.cancelFns {
		ids = append(ids, id)
	}
	return ids
}
