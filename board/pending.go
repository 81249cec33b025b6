package board

import (
	"time"

	"prism-board/domain"
)

// Origin tells the store who produced a change.
type Origin int

const (
	// Optimistic changes are applied ahead of confirmation and tracked as
	// pending mutations.
	Optimistic Origin = iota
	// FromRemote changes come from the backing store, either as change events or
	// as a snapshot fetch.
	FromRemote
)

func (o Origin) String() string {
	if o == Optimistic {
		return "optimistic"
	}
	return "remote"
}

// MutationStatus is the lifecycle state of a pending mutation.
type MutationStatus string

const (
	StatusPending   MutationStatus = "pending"
	StatusConfirmed MutationStatus = "confirmed"
	StatusRejected  MutationStatus = "rejected"

	// StatusSuperseded is reported for a mutation dropped before dispatch
	// because newer mutations of the same entity cover all its fields.
	StatusSuperseded MutationStatus = "superseded"
)

type mutationOp int

const (
	opUpdate mutationOp = iota
	opInsert
	opDelete
)

func (op mutationOp) String() string {
	switch op {
	case opInsert:
		return "insert"
	case opDelete:
		return "delete"
	}
	return "update"
}

// PendingMutation is a local change that has not been confirmed yet. It is
// never persisted.
type PendingMutation struct {
	Seq       uint64
	Kind      domain.EntityKind
	EntityID  string
	Patch     domain.Patch
	AppliedAt time.Time
	Status    MutationStatus

	op mutationOp
	// base holds the values of Patch's fields as the server last reported
	// them, so a rollback restores server truth rather than stale UI state.
	base domain.Patch
	// removed is the entity an optimistic delete took away, kept for rollback.
	removed   domain.Entity
	removedAt time.Time
}

// Fields returns the attributes this mutation controls until it settles.
func (m *PendingMutation) Fields() domain.Fields {
	if m.op != opUpdate || m.Patch == nil {
		return 0
	}
	return m.Patch.Fields()
}

type entityKey struct {
	kind domain.EntityKind
	id   string
}

func keyOf(kind domain.EntityKind, id string) entityKey {
	return entityKey{kind: kind, id: id}
}
