package kv

import (
	"encoding/binary"
	"strings"
)

// Subspace is a single-byte tag prefixing every key in a given subspace, so
// that no call site ever embeds a raw byte literal directly — all key
// construction goes through the typed constructors below. Mirrors the
// "RIVET/..." tuple-prefix tree described by the persisted key space.
type Subspace byte

const (
	SubspaceActor          Subspace = 0x01 // RIVET/PEGBOARD/ACTOR/<actor_id>
	SubspaceActorActiveIdx Subspace = 0x02 // RIVET/PEGBOARD/NS/<ns>/ACTIVE_ACTOR/<name>/<key>
	SubspaceActorKV        Subspace = 0x03 // RIVET/PEGBOARD/ACTOR_KV/<actor_id>/<key>
	SubspaceRunner         Subspace = 0x04 // RIVET/PEGBOARD/RUNNER/<runner_id>
	SubspaceRunnerAllocIdx Subspace = 0x05 // RIVET/PEGBOARD/RUNNER_ALLOC_IDX/...
	SubspaceRunnerConfig   Subspace = 0x06 // RIVET/PEGBOARD/RUNNER_CONFIG/<ns>/<name>
	SubspaceHibernating    Subspace = 0x07 // RIVET/PEGBOARD/HIBERNATING/<actor_id>/<request_id>
	SubspaceEpoxyReplica   Subspace = 0x08 // RIVET/EPOXY/REPLICA/<replica_id>/...
	SubspaceEpoxyConfig    Subspace = 0x09 // RIVET/EPOXY/CONFIG
	SubspaceKeyReservation Subspace = 0x0A // RIVET/EPOXY/RESERVATION/<ns>/<name>/<key>
	SubspaceNamespace      Subspace = 0x0B // RIVET/NAMESPACE/<id or name>
	SubspaceEngine         Subspace = 0x0C // RIVET/ENGINE/VERSION
	SubspaceRunnerError    Subspace = 0x0D // RIVET/PEGBOARD/RUNNER_ERROR/<ns>/<name>
	SubspaceActorListIdx   Subspace = 0x0E // RIVET/PEGBOARD/NS/<ns>/ACTOR_LIST/<create_ts_complement>/<actor_id>
	SubspaceTracingConfig  Subspace = 0x0F // RIVET/ENGINE/TRACING_CONFIG
)

// Key is implemented by every typed key used in this codebase. Pack
// serializes the key into its tuple-packed byte representation; no caller
// constructs a raw byte slice by hand.
type Key interface {
	Pack() []byte
}

// RawKey wraps an already-packed byte slice, for callers that hold a key
// in packed form (Epoxy's replicated commands, backfill rewrites) rather
// than a single typed key.
type RawKey []byte

func (k RawKey) Pack() []byte { return k }

func packString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

// ActorKey addresses an actor's workflow record.
type ActorKey struct {
	ActorID uint64
}

func (k ActorKey) Pack() []byte {
	buf := []byte{byte(SubspaceActor)}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], k.ActorID)
	return append(buf, idBuf[:]...)
}

// ActorActiveIndexKey addresses the (namespace, name, key) -> actor_id
// uniqueness index.
type ActorActiveIndexKey struct {
	NamespaceID string
	Name        string
	ActorKeyStr string
}

func (k ActorActiveIndexKey) Pack() []byte {
	buf := []byte{byte(SubspaceActorActiveIdx)}
	buf = packString(buf, k.NamespaceID)
	buf = packString(buf, k.Name)
	buf = packString(buf, k.ActorKeyStr)
	return buf
}

// ActorActiveIndexPrefix returns the range prefix for all actors with a
// given (namespace, name), used to enumerate keys for the `list` operation.
func ActorActiveIndexPrefix(namespaceID, name string) []byte {
	buf := []byte{byte(SubspaceActorActiveIdx)}
	buf = packString(buf, namespaceID)
	buf = packString(buf, name)
	return buf
}

// ActorKVKey addresses one entry of an actor's own (tunneled, not owned by
// the platform) KV namespace.
type ActorKVKey struct {
	ActorID uint64
	Key     string
}

func (k ActorKVKey) Pack() []byte {
	buf := []byte{byte(SubspaceActorKV)}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], k.ActorID)
	buf = append(buf, idBuf[:]...)
	buf = packString(buf, k.Key)
	return buf
}

// ActorKVPrefix returns the range prefix for all of one actor's KV entries.
func ActorKVPrefix(actorID uint64) []byte {
	buf := []byte{byte(SubspaceActorKV)}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], actorID)
	return append(buf, idBuf[:]...)
}

// RunnerKey addresses a runner's workflow record.
type RunnerKey struct {
	RunnerID uint64
}

func (k RunnerKey) Pack() []byte {
	buf := []byte{byte(SubspaceRunner)}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], k.RunnerID)
	return append(buf, idBuf[:]...)
}

// RunnerAllocIndexKey orders runners within a (namespace, runner_name) by
// version, remaining slots descending, last-ping recency, then runner_id, so
// a single forward range scan yields the best-fit eligible runner.
type RunnerAllocIndexKey struct {
	NamespaceID      string
	RunnerName       string
	Version          uint32
	RemainingSlotsComplement uint32 // encode descending remaining-slots as ascending: MaxUint32 - remaining
	LastPingUnixNano uint64 // encode most-recent-ping-first as ascending: MaxUint64 - last_ping_unix_nano
	RunnerID         uint64
}

func (k RunnerAllocIndexKey) Pack() []byte {
	buf := []byte{byte(SubspaceRunnerAllocIdx)}
	buf = packString(buf, k.NamespaceID)
	buf = packString(buf, k.RunnerName)
	var rest [4 + 4 + 8 + 8]byte
	binary.BigEndian.PutUint32(rest[0:4], k.Version)
	binary.BigEndian.PutUint32(rest[4:8], k.RemainingSlotsComplement)
	binary.BigEndian.PutUint64(rest[8:16], k.LastPingUnixNano)
	binary.BigEndian.PutUint64(rest[16:24], k.RunnerID)
	return append(buf, rest[:]...)
}

// RunnerAllocIndexPrefix returns the range prefix scoping a scan to runners
// of one (namespace, runner_name).
func RunnerAllocIndexPrefix(namespaceID, runnerName string) []byte {
	buf := []byte{byte(SubspaceRunnerAllocIdx)}
	buf = packString(buf, namespaceID)
	buf = packString(buf, runnerName)
	return buf
}

// RunnerConfigKey addresses a per-(namespace, runner name) RunnerConfig.
type RunnerConfigKey struct {
	NamespaceID string
	Name        string
}

func (k RunnerConfigKey) Pack() []byte {
	buf := []byte{byte(SubspaceRunnerConfig)}
	buf = packString(buf, k.NamespaceID)
	buf = packString(buf, k.Name)
	return buf
}

// RunnerConfigNamespacePrefix scopes a scan to one namespace's runner
// configs, used by runner_configs list.
func RunnerConfigNamespacePrefix(namespaceID string) []byte {
	buf := []byte{byte(SubspaceRunnerConfig)}
	return packString(buf, namespaceID)
}

// RunnerErrorKey addresses the debounced active_error for one
// (namespace, runner name) pool, maintained by the runner error tracker.
type RunnerErrorKey struct {
	NamespaceID string
	Name        string
}

func (k RunnerErrorKey) Pack() []byte {
	buf := []byte{byte(SubspaceRunnerError)}
	buf = packString(buf, k.NamespaceID)
	buf = packString(buf, k.Name)
	return buf
}

// HibernatingRequestKey addresses one hibernating WS session index entry.
type HibernatingRequestKey struct {
	ActorID   uint64
	RequestID uint32
}

func (k HibernatingRequestKey) Pack() []byte {
	buf := []byte{byte(SubspaceHibernating)}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], k.ActorID)
	buf = append(buf, idBuf[:]...)
	var reqBuf [4]byte
	binary.BigEndian.PutUint32(reqBuf[:], k.RequestID)
	return append(buf, reqBuf[:]...)
}

// HibernatingRequestPrefix returns the range prefix for all hibernating
// requests of one actor.
func HibernatingRequestPrefix(actorID uint64) []byte {
	buf := []byte{byte(SubspaceHibernating)}
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], actorID)
	return append(buf, idBuf[:]...)
}

// ActorListIndexKey orders every actor of one namespace by creation time
// descending (newest first), for the `list` operation's cursor-by-create_ts
// pagination. Descending order is encoded as an ascending sort key by
// complementing the timestamp against MaxUint64, the same trick
// RunnerAllocIndexKey uses for remaining-slots ordering.
type ActorListIndexKey struct {
	NamespaceID        string
	CreateTSComplement uint64
	ActorID            uint64
}

func (k ActorListIndexKey) Pack() []byte {
	buf := []byte{byte(SubspaceActorListIdx)}
	buf = packString(buf, k.NamespaceID)
	var rest [16]byte
	binary.BigEndian.PutUint64(rest[0:8], k.CreateTSComplement)
	binary.BigEndian.PutUint64(rest[8:16], k.ActorID)
	return append(buf, rest[:]...)
}

// ActorListIndexPrefix returns the range prefix for one namespace's actor
// list index.
func ActorListIndexPrefix(namespaceID string) []byte {
	buf := []byte{byte(SubspaceActorListIdx)}
	return packString(buf, namespaceID)
}

// EpoxyInstanceKey addresses one log entry in a replica's Epoxy log.
type EpoxyInstanceKey struct {
	ReplicaID uint32
	Slot      uint64
}

func (k EpoxyInstanceKey) Pack() []byte {
	buf := []byte{byte(SubspaceEpoxyReplica)}
	var replicaBuf [4]byte
	binary.BigEndian.PutUint32(replicaBuf[:], k.ReplicaID)
	buf = append(buf, replicaBuf[:]...)
	var slotBuf [8]byte
	binary.BigEndian.PutUint64(slotBuf[:], k.Slot)
	return append(buf, slotBuf[:]...)
}

// EpoxyReplicaLogPrefix returns the range prefix for one replica's entire
// log, used by recovery scans.
func EpoxyReplicaLogPrefix(replicaID uint32) []byte {
	buf := []byte{byte(SubspaceEpoxyReplica)}
	var replicaBuf [4]byte
	binary.BigEndian.PutUint32(replicaBuf[:], replicaID)
	return append(buf, replicaBuf[:]...)
}

// EpoxyConfigKey addresses the singleton ClusterConfig record.
type EpoxyConfigKey struct{}

func (k EpoxyConfigKey) Pack() []byte {
	return []byte{byte(SubspaceEpoxyConfig)}
}

// KeyReservationKey addresses the (namespace, name, key) -> datacenter_label
// Epoxy-replicated reservation record.
type KeyReservationKey struct {
	NamespaceID string
	Name        string
	ActorKeyStr string
}

func (k KeyReservationKey) Pack() []byte {
	buf := []byte{byte(SubspaceKeyReservation)}
	buf = packString(buf, k.NamespaceID)
	buf = packString(buf, k.Name)
	buf = packString(buf, k.ActorKeyStr)
	return buf
}

// NamespaceKey addresses a namespace record by ID.
type NamespaceKey struct {
	NamespaceID string
}

func (k NamespaceKey) Pack() []byte {
	buf := []byte{byte(SubspaceNamespace)}
	return packString(buf, k.NamespaceID)
}

// EngineVersionKey addresses the singleton last-seen engine version record.
type EngineVersionKey struct{}

func (k EngineVersionKey) Pack() []byte {
	return []byte{byte(SubspaceEngine)}
}

// TracingConfigKey addresses the singleton live tracing configuration
// record (log filter, sampler ratio) applied via the tracing double-option
// update in pkg/ops.
type TracingConfigKey struct{}

func (k TracingConfigKey) Pack() []byte {
	return []byte{byte(SubspaceTracingConfig)}
}

// SubspacePrefix returns the single-byte prefix for a subspace, used by the
// debug kv CLI subcommand to resolve a human-typed prefix name.
func SubspacePrefix(name string) (Subspace, bool) {
	switch strings.ToUpper(name) {
	case "ACTOR":
		return SubspaceActor, true
	case "ACTOR_ACTIVE_IDX":
		return SubspaceActorActiveIdx, true
	case "ACTOR_KV":
		return SubspaceActorKV, true
	case "RUNNER":
		return SubspaceRunner, true
	case "RUNNER_ALLOC_IDX":
		return SubspaceRunnerAllocIdx, true
	case "RUNNER_CONFIG":
		return SubspaceRunnerConfig, true
	case "HIBERNATING":
		return SubspaceHibernating, true
	case "EPOXY_REPLICA":
		return SubspaceEpoxyReplica, true
	case "EPOXY_CONFIG":
		return SubspaceEpoxyConfig, true
	case "RESERVATION":
		return SubspaceKeyReservation, true
	case "NAMESPACE":
		return SubspaceNamespace, true
	case "ENGINE":
		return SubspaceEngine, true
	case "RUNNER_ERROR":
		return SubspaceRunnerError, true
	case "ACTOR_LIST_IDX":
		return SubspaceActorListIdx, true
	case "TRACING_CONFIG":
		return SubspaceTracingConfig, true
	default:
		return 0, false
	}
}
