package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pegboardhq/engine/pkg/kv"
)

// ActiveError is the persisted shape of a runner pool's current failure,
// surfaced via runner_config::get_error.
type ActiveError struct {
	Message    string    `json:"message"`
	LastSeenTS time.Time `json:"last_seen_ts"`
}

// errorTrackerDebounce and errorTrackerBatch are the spec's named constants
// for the debounced ReportError/ReportSuccess batching.
const (
	errorTrackerDebounce = 250 * time.Millisecond
	errorTrackerBatch    = 1024
)

// consecutiveSuccessThreshold clears an active error after this many
// consecutive ReportSuccess signals with no intervening ReportError.
const consecutiveSuccessThreshold = 3

// ErrorTracker batches ReportError/ReportSuccess signals per (namespace,
// name) runner pool, clearing active_error only after
// consecutiveSuccessThreshold consecutive successes, per spec §4.E.
type ErrorTracker struct {
	db *kv.DB

	mu      sync.Mutex
	pending map[string]*trackerState
}

type trackerState struct {
	namespaceID, name string
	consecutiveOK     int
	activeErr         *ActiveError
	timer             *time.Timer
	batch             int
}

// NewErrorTracker constructs an ErrorTracker persisting to db.
func NewErrorTracker(db *kv.DB) *ErrorTracker {
	return &ErrorTracker{db: db, pending: make(map[string]*trackerState)}
}

func trackerKey(namespaceID, name string) string { return namespaceID + "\x00" + name }

// ReportError records a failure; after errorTrackerDebounce with no further
// signal (or errorTrackerBatch accumulated reports), the active_error is
// persisted.
func (t *ErrorTracker) ReportError(namespaceID, name string, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(namespaceID, name)
	st.consecutiveOK = 0
	st.activeErr = &ActiveError{Message: cause.Error(), LastSeenTS: time.Now()}
	st.batch++
	t.scheduleFlushLocked(st)
}

// ReportSuccess records a success; after consecutiveSuccessThreshold
// consecutive successes, active_error clears.
func (t *ErrorTracker) ReportSuccess(namespaceID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(namespaceID, name)
	st.consecutiveOK++
	if st.consecutiveOK >= consecutiveSuccessThreshold {
		st.activeErr = nil
	}
	st.batch++
	t.scheduleFlushLocked(st)
}

func (t *ErrorTracker) stateLocked(namespaceID, name string) *trackerState {
	key := trackerKey(namespaceID, name)
	st, ok := t.pending[key]
	if !ok {
		st = &trackerState{namespaceID: namespaceID, name: name}
		t.pending[key] = st
	}
	return st
}

func (t *ErrorTracker) scheduleFlushLocked(st *trackerState) {
	if st.batch >= errorTrackerBatch {
		st.batch = 0
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		go t.flush(st.namespaceID, st.name)
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(errorTrackerDebounce, func() {
		t.flush(st.namespaceID, st.name)
	})
}

func (t *ErrorTracker) flush(namespaceID, name string) {
	t.mu.Lock()
	st, ok := t.pending[trackerKey(namespaceID, name)]
	if !ok {
		t.mu.Unlock()
		return
	}
	activeErr := st.activeErr
	st.batch = 0
	t.mu.Unlock()

	_ = kv.Run(context.Background(), t.db, true, func(txn *kv.Txn) error {
		key := kv.RunnerErrorKey{NamespaceID: namespaceID, Name: name}
		if activeErr == nil {
			return txn.Delete(key)
		}
		data, err := json.Marshal(activeErr)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// GetError returns the currently active error for (namespaceID, name), if
// any — the backing query for runner_config::get_error.
func (t *ErrorTracker) GetError(ctx context.Context, namespaceID, name string) (*ActiveError, bool, error) {
	var out ActiveError
	var found bool
	err := kv.Run(ctx, t.db, false, func(txn *kv.Txn) error {
		data, ok := txn.Get(kv.RunnerErrorKey{NamespaceID: namespaceID, Name: name})
		if !ok {
			return nil
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &out, true, nil
}
