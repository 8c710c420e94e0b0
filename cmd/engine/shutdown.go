package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/workflow"
)

// Three-phase shutdown generalizes the teacher's Manager.Shutdown/Worker
// stop sequencing (one ordered stop) into three bounded phases: stop taking
// new guard traffic, let in-flight workflow activity finish, then force-kill
// whatever is left.
const (
	guardShutdownDuration  = 10 * time.Second
	workerShutdownDuration = 20 * time.Second
	forceShutdownDuration  = 5 * time.Second
)

// runWithGracefulShutdown serves srv until SIGINT/SIGTERM, then runs the
// three shutdown phases in order, always completing every phase. It returns
// the server's listen error, if any; a guard-phase shutdown error is logged,
// not returned.
func runWithGracefulShutdown(ctx context.Context, srv *http.Server, wfEngine *workflow.Engine) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	case <-sigCh:
		log.Info("shutdown signal received")
	}

	// Phase 1: guard stops accepting new inbound traffic.
	guardCtx, cancelGuard := context.WithTimeout(context.Background(), guardShutdownDuration)
	defer cancelGuard()
	if err := srv.Shutdown(guardCtx); err != nil {
		log.Errorf("guard shutdown phase did not complete cleanly", err)
	}

	// Phase 2: let in-flight workflow activity (actor/runner lifecycle
	// steps already running) finish on its own; workflow instances persist
	// their progress after every activity, so running out the clock here
	// just means the remainder resumes on next start rather than being lost.
	workerDeadline := time.Now().Add(workerShutdownDuration)
	for time.Now().Before(workerDeadline) && len(wfEngine.Running()) > 0 {
		time.Sleep(100 * time.Millisecond)
	}

	// Phase 3: force-cancel whatever workflow instances are still running,
	// bounded by forceShutdownDuration so Cancel's context teardown can't
	// hang the process exit indefinitely.
	forceCtx, cancelForce := context.WithTimeout(context.Background(), forceShutdownDuration)
	defer cancelForce()
	for _, workflowID := range wfEngine.Running() {
		wfEngine.Cancel(workflowID)
	}
	<-forceCtx.Done()

	log.Info("shutdown complete")
	return <-serveErr
}
