package epoxy

import "testing"

func TestBallotGreater(t *testing.T) {
	a := Ballot{Epoch: 1, Number: 3, ReplicaID: 1}
	b := Ballot{Epoch: 1, Number: 2, ReplicaID: 9}
	if !a.Greater(b) {
		t.Errorf("expected %v to be greater than %v (higher number wins within an epoch)", a, b)
	}

	c := Ballot{Epoch: 2, Number: 0, ReplicaID: 0}
	if !c.Greater(a) {
		t.Errorf("expected %v to be greater than %v (epoch dominates number)", c, a)
	}

	d := Ballot{Epoch: 1, Number: 3, ReplicaID: 2}
	if !d.Greater(a) {
		t.Errorf("expected %v to be greater than %v (replica_id breaks a tie)", d, a)
	}

	if a.Greater(a) {
		t.Errorf("a ballot must not be greater than itself")
	}
}

func TestBallotNextStrictlyIncreases(t *testing.T) {
	b := Ballot{Epoch: 1, Number: 5, ReplicaID: 1}
	next := b.Next(2)
	if !next.Greater(b) {
		t.Errorf("Next() must strictly outrank its input, got %v from %v", next, b)
	}
	if next.ReplicaID != 2 {
		t.Errorf("Next() must carry the proposer's replica id, got %d", next.ReplicaID)
	}
}

func TestBallotZero(t *testing.T) {
	if !(Ballot{}).Zero() {
		t.Errorf("zero-value ballot must report Zero() == true")
	}
	if (Ballot{Epoch: 1}).Zero() {
		t.Errorf("non-zero-epoch ballot must report Zero() == false")
	}
}

func TestReplicaValidateBallotStrictGreater(t *testing.T) {
	r := NewReplica(1, nil)
	inst := InstanceID{ReplicaID: 1, Slot: 1}
	b1 := Ballot{Epoch: 1, Number: 1, ReplicaID: 1}

	if _, ok := r.validateBallot(inst, b1); !ok {
		t.Fatalf("first ballot for a fresh instance must validate")
	}
	r.log[inst] = &LogEntry{State: StatePreAccepted, Ballot: b1}

	if _, ok := r.validateBallot(inst, b1); ok {
		t.Errorf("an equal ballot must be rejected (strict-greater only)")
	}

	lower := Ballot{Epoch: 1, Number: 1, ReplicaID: 0}
	if _, ok := r.validateBallot(inst, lower); ok {
		t.Errorf("a lower ballot must be rejected")
	}

	higher := Ballot{Epoch: 1, Number: 2, ReplicaID: 1}
	if _, ok := r.validateBallot(inst, higher); !ok {
		t.Errorf("a strictly higher ballot must be accepted")
	}
}
