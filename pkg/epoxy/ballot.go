// Package epoxy implements one replica of a leaderless, EPaxos-style
// replicated log used across datacenters to agree on which datacenter owns
// each actor key, and to propagate cluster topology. It is built from
// scratch rather than on a single-leader log replication library: EPaxos's
// per-instance ballots and fast/slow/any quorums are a different protocol
// shape than a replicated leader log, so no amount of bending a Raft
// implementation represents it faithfully (see DESIGN.md).
package epoxy

import "fmt"

// Ballot totally orders proposals for a single instance: (epoch, number,
// replica_id). Validation is strict-greater; equal or lesser ballots are
// rejected with the stored ballot returned so the proposer can raise its own
// and retry.
type Ballot struct {
	Epoch       uint64
	Number      uint64
	ReplicaID   uint32
}

// Zero reports whether b is the zero-value ballot (no proposal yet).
func (b Ballot) Zero() bool {
	return b.Epoch == 0 && b.Number == 0 && b.ReplicaID == 0
}

// Greater reports whether b strictly outranks other.
func (b Ballot) Greater(other Ballot) bool {
	if b.Epoch != other.Epoch {
		return b.Epoch > other.Epoch
	}
	if b.Number != other.Number {
		return b.Number > other.Number
	}
	return b.ReplicaID > other.ReplicaID
}

// Next returns a new ballot for replicaID strictly greater than b, used when
// a proposer's ballot was rejected and it must retry.
func (b Ballot) Next(replicaID uint32) Ballot {
	return Ballot{Epoch: b.Epoch, Number: b.Number + 1, ReplicaID: replicaID}
}

func (b Ballot) String() string {
	return fmt.Sprintf("(%d,%d,%d)", b.Epoch, b.Number, b.ReplicaID)
}

// InstanceID names one slot in one replica's log.
type InstanceID struct {
	ReplicaID uint32
	Slot      uint64
}

func (id InstanceID) String() string {
	return fmt.Sprintf("%d.%d", id.ReplicaID, id.Slot)
}

// MarshalText encodes id in its "replica.slot" String form, which lets
// InstanceID serve as a JSON object key (the Deps maps sent over HTTP).
func (id InstanceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the "replica.slot" form written by MarshalText.
func (id *InstanceID) UnmarshalText(text []byte) error {
	_, err := fmt.Sscanf(string(text), "%d.%d", &id.ReplicaID, &id.Slot)
	return err
}
