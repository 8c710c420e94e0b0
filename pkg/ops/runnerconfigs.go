package ops

import (
	"context"
	"encoding/json"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/types"
)

// RunnerConfigDeleter forwards a runner_configs delete to one peer
// datacenter's own ops surface, mirroring the Epoxy transport's
// per-replica HTTP push.
type RunnerConfigDeleter interface {
	DeleteRunnerConfig(ctx context.Context, datacenterURL, namespaceID, name string) error
}

// RunnerConfigs implements the runner_configs upsert/list/delete surface.
// Delete fans out to every datacenter and fails the whole request if any
// datacenter's delete fails, per spec §4.H — a config must never be
// deleted from some datacenters and not others.
type RunnerConfigs struct {
	db       *kv.DB
	deleter  RunnerConfigDeleter
	ownURL   string
	peerURLs map[uint16]string
}

// NewRunnerConfigs constructs a RunnerConfigs surface. peerURLs holds every
// OTHER datacenter's public_url, keyed by label; ownURL is this
// datacenter's own URL; it is stored but not read by any method.
func NewRunnerConfigs(db *kv.DB, deleter RunnerConfigDeleter, ownURL string, peerURLs map[uint16]string) *RunnerConfigs {
	return &RunnerConfigs{db: db, deleter: deleter, ownURL: ownURL, peerURLs: peerURLs}
}

// Upsert writes cfg locally; callers are responsible for calling Upsert in
// every datacenter they want it to apply to (unlike Delete, the spec does
// not require upsert to fan out — a config only takes effect in datacenters
// it is explicitly written to).
func (r *RunnerConfigs) Upsert(ctx context.Context, namespaceID, name string, cfg types.RunnerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return kv.Run(ctx, r.db, true, func(txn *kv.Txn) error {
		return txn.Set(kv.RunnerConfigKey{NamespaceID: namespaceID, Name: name}, data)
	})
}

// Get returns namespaceID's runner config for name, if any.
func (r *RunnerConfigs) Get(ctx context.Context, namespaceID, name string) (types.RunnerConfig, bool, error) {
	var cfg types.RunnerConfig
	var found bool
	err := kv.Run(ctx, r.db, false, func(txn *kv.Txn) error {
		data, ok := txn.Get(kv.RunnerConfigKey{NamespaceID: namespaceID, Name: name})
		if !ok {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cfg)
	})
	if err != nil || !found {
		return types.RunnerConfig{}, found, err
	}
	return cfg, true, nil
}

// List returns every runner config in namespaceID, ordered by name.
func (r *RunnerConfigs) List(ctx context.Context, namespaceID string) ([]types.RunnerConfig, error) {
	var configs []types.RunnerConfig
	err := kv.Run(ctx, r.db, false, func(txn *kv.Txn) error {
		prefix := kv.RunnerConfigNamespacePrefix(namespaceID)
		for _, e := range txn.GetRange(prefix, 0) {
			var cfg types.RunnerConfig
			if err := json.Unmarshal(e.Value, &cfg); err != nil {
				continue
			}
			configs = append(configs, cfg)
		}
		return nil
	})
	// The packed key sorts by name length first, so order by name here.
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, err
}

// Delete removes namespaceID's runner config for name from every
// datacenter. Local deletion happens first; if any peer delete fails, the
// local deletion is NOT rolled back (the config is already gone locally and
// a retried Delete is idempotent), but the overall call returns an error so
// the caller knows the operation did not complete cluster-wide.
func (r *RunnerConfigs) Delete(ctx context.Context, namespaceID, name string) error {
	if err := kv.Run(ctx, r.db, true, func(txn *kv.Txn) error {
		return txn.Delete(kv.RunnerConfigKey{NamespaceID: namespaceID, Name: name})
	}); err != nil {
		return err
	}

	if len(r.peerURLs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range r.peerURLs {
		g.Go(func() error {
			return r.deleter.DeleteRunnerConfig(gctx, url, namespaceID, name)
		})
	}
	return g.Wait()
}
