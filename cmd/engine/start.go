package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pegboardhq/engine/pkg/epoxy"
	"github.com/pegboardhq/engine/pkg/guard"
	"github.com/pegboardhq/engine/pkg/kv"
	"github.com/pegboardhq/engine/pkg/log"
	"github.com/pegboardhq/engine/pkg/metrics"
	"github.com/pegboardhq/engine/pkg/ops"
	"github.com/pegboardhq/engine/pkg/pegboard/actor"
	"github.com/pegboardhq/engine/pkg/pegboard/runner"
	"github.com/pegboardhq/engine/pkg/pubsub"
	"github.com/pegboardhq/engine/pkg/tunnel"
	"github.com/pegboardhq/engine/pkg/workflow"
)

// allServices is the full set of components `engine start` can bring up;
// --services/--except-services narrow this for single-process dev setups
// and for the teacher's own split-binary deployments (guard vs. the rest).
var allServices = []string{"epoxy", "workflow", "guard", "ops", "metrics"}

var (
	startDataDir              string
	startBindAddr             string
	startReplicaID            uint32
	startDatacenter           uint16
	startPeerReplicaURLs      []string
	startServices             []string
	startExceptServices       []string
	startAllowVersionRollback bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine for one datacenter replica",
	Long: `start brings up the Epoxy replica, the workflow engine driving
actor/runner lifecycles, the guard edge router, and the operations HTTP
surface, all backed by a single embedded KV store.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startDataDir, "data-dir", "./data/engine.db", "Path to the embedded KV store file")
	startCmd.Flags().StringVar(&startBindAddr, "bind-addr", ":8080", "HTTP bind address for the Epoxy, ops, and guard surfaces")
	startCmd.Flags().Uint32Var(&startReplicaID, "replica-id", 1, "This process's Epoxy replica ID")
	startCmd.Flags().Uint16Var(&startDatacenter, "datacenter", 1, "This process's datacenter label")
	startCmd.Flags().StringSliceVar(&startPeerReplicaURLs, "peer-replica-url", nil, "repeatable replica_id=url pairs for peer Epoxy replicas")
	startCmd.Flags().StringSliceVar(&startServices, "services", nil, "Only start these services (default: all)")
	startCmd.Flags().StringSliceVar(&startExceptServices, "except-services", nil, "Start all services except these")
	startCmd.Flags().BoolVar(&startAllowVersionRollback, "allow-version-rollback", false, "Allow starting with a version older than the last one recorded in this datastore")
}

func enabledServices() map[string]bool {
	enabled := make(map[string]bool, len(allServices))
	set := startServices
	if len(set) == 0 {
		set = allServices
	}
	for _, s := range set {
		enabled[s] = true
	}
	for _, s := range startExceptServices {
		delete(enabled, s)
	}
	return enabled
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := kv.Open(startDataDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer db.Close()

	if err := checkVersionRollback(ctx, db); err != nil {
		return err
	}

	services := enabledServices()

	replica := epoxy.NewReplica(startReplicaID, db)
	peerURLs, err := parsePeerReplicaURLs(startPeerReplicaURLs)
	if err != nil {
		return err
	}
	replica.HandleUpdateConfig(buildClusterConfig(startReplicaID, peerURLs))

	transport := epoxy.NewHTTPTransport()
	proposer := &epoxy.Proposer{Self: replica, Transport: transport}
	epoxyClient := epoxy.NewClient(proposer, replica)

	signals := workflow.NewSignalBox()
	wfStore := workflow.NewKVStore(db)
	wfEngine := workflow.NewEngine(wfStore, signals)

	bus := pubsub.NewBus()
	actorStore := actor.NewStore(db)
	runnerStore := runner.NewStore(db)
	allocator := &runner.Allocator{Store: runnerStore}
	hiber := tunnel.NewHibernationStore(db)
	tunnels := newTunnelRegistry(bus, hiber)

	router := &guard.Router{
		OwnDatacenter: startDatacenter,
		Datacenters:   buildGuardDatacenters(peerURLs),
		Actors:        &localActorResolver{actors: actorStore, own: startDatacenter, bus: bus},
		Bus:           bus,
	}

	opsCreator := &workflowCreator{
		engine:      wfEngine,
		actors:      actorStore,
		keyReserver: epoxyClient,
		allocator:   allocator,
		bus:         bus,
		transport:   tunnels,
		forwarder:   &httpActorForwarder{client: &http.Client{}, peerURLs: peerURLs},
		datacenter:  startDatacenter,
	}
	o := ops.New(actorStore, opsCreator)
	kvOps := ops.NewKV(db)
	runnerConfigs := ops.NewRunnerConfigs(db, &httpRunnerConfigDeleter{client: &http.Client{}}, fmt.Sprintf("http://%s", startBindAddr), peerURLs)
	health := ops.NewHealth(startDatacenter, peerURLs)
	tracing := ops.NewTracing(db)

	mux := http.NewServeMux()
	if services["epoxy"] {
		mux.Handle(fmt.Sprintf("/v%d/epoxy/message", epoxy.ProtocolVersion), epoxy.Handler(replica))
	}
	if services["metrics"] {
		mux.Handle("/metrics", metrics.Handler())
	}
	if services["guard"] {
		mux.Handle("/", guardHandler(router, tunnels))
	}
	if services["ops"] {
		mux.Handle("/actors", actorsHandler(o))
		mux.Handle("/ops/kv/", kvOpsHandler(kvOps))
		mux.Handle("/ops/list", listOpsHandler(o))
		mux.Handle("/ops/runner-configs/", runnerConfigsHandler(runnerConfigs))
		mux.Handle("/health", healthHandler(health))
		mux.Handle("/debug/tracing/config", tracingHandler(tracing))
	}

	srv := &http.Server{Addr: startBindAddr, Handler: requestLogMiddleware(mux)}

	log.WithDatacenter(startDatacenter).Info().Msg(fmt.Sprintf("engine listening on %s", startBindAddr))
	return runWithGracefulShutdown(ctx, srv, wfEngine)
}

func checkVersionRollback(ctx context.Context, db *kv.DB) error {
	return kv.Run(ctx, db, true, func(txn *kv.Txn) error {
		raw, found := txn.Get(kv.EngineVersionKey{})
		if found && len(raw) >= 4 {
			lastSeen := binary.BigEndian.Uint32(raw)
			current := parseVersionOrdinal(Version)
			if current < lastSeen && !startAllowVersionRollback {
				return fmt.Errorf("refusing to start: this build (version ordinal %d) is older than the last-seen version %d; pass --allow-version-rollback to override", current, lastSeen)
			}
			if current <= lastSeen {
				return nil
			}
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, parseVersionOrdinal(Version))
		return txn.Set(kv.EngineVersionKey{}, buf)
	})
}

// parseVersionOrdinal maps a dotted build version into a monotonic-enough
// ordinal for rollback comparison; non-numeric or dev builds sort as 0 so
// local development never trips the refusal.
func parseVersionOrdinal(v string) uint32 {
	parts := strings.Split(v, ".")
	var ordinal uint32
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		ordinal = ordinal*1000 + uint32(n)
	}
	return ordinal
}

func parsePeerReplicaURLs(raw []string) (map[uint16]string, error) {
	out := make(map[uint16]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --peer-replica-url %q, want label=url", entry)
		}
		n, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid datacenter label in %q: %w", entry, err)
		}
		out[uint16(n)] = parts[1]
	}
	return out, nil
}

func buildClusterConfig(selfReplicaID uint32, peerURLs map[uint16]string) epoxy.ClusterConfig {
	infos := []epoxy.ReplicaInfo{{ReplicaID: selfReplicaID, Status: epoxy.ReplicaActive}}
	for label, url := range peerURLs {
		infos = append(infos, epoxy.ReplicaInfo{ReplicaID: uint32(label), Status: epoxy.ReplicaActive, URL: url})
	}
	return epoxy.ClusterConfig{CoordinatorReplicaID: selfReplicaID, Epoch: 1, Replicas: infos}
}

func buildGuardDatacenters(peerURLs map[uint16]string) map[uint16]guard.Datacenter {
	out := make(map[uint16]guard.Datacenter, len(peerURLs))
	for label, url := range peerURLs {
		out[label] = guard.Datacenter{Label: label, PublicURL: url}
	}
	return out
}
