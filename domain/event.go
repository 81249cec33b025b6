package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Collection is a watched change-event source.
type Collection string

const (
	CollectionTasks    Collection = "tasks"
	CollectionMembers  Collection = "project_members"
	CollectionProjects Collection = "projects"
)

// Collections lists every collection a board watches.
var Collections = []Collection{CollectionTasks, CollectionMembers, CollectionProjects}

func (c Collection) Kind() EntityKind {
	switch c {
	case CollectionMembers:
		return KindMember
	case CollectionProjects:
		return KindProject
	}
	return KindTask
}

func (c Collection) Valid() bool {
	switch c {
	case CollectionTasks, CollectionMembers, CollectionProjects:
		return true
	}
	return false
}

// CollectionOf returns the collection holding entities of kind k.
func CollectionOf(k EntityKind) Collection {
	switch k {
	case KindMember:
		return CollectionMembers
	case KindProject:
		return CollectionProjects
	}
	return CollectionTasks
}

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a validated row change notification. New is set for
// inserts and updates, Old for deletes and, when known, updates.
type ChangeEvent struct {
	Type       EventType
	Collection Collection
	CommitTime time.Time
	Old        Entity
	New        Entity
}

// Entity returns the row the event refers to.
func (e ChangeEvent) Entity() Entity {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

func (e ChangeEvent) EntityID() string {
	if ent := e.Entity(); ent != nil {
		return ent.EntityID()
	}
	return ""
}

func (e ChangeEvent) ProjectID() string {
	if ent := e.Entity(); ent != nil {
		return ent.OwningProject()
	}
	return ""
}

// Timestamp orders events for last-write-wins. The commit time wins over
// the row's own update stamp.
func (e ChangeEvent) Timestamp() time.Time {
	if !e.CommitTime.IsZero() {
		return e.CommitTime
	}
	if e.New != nil {
		return e.New.Stamp()
	}
	if e.Old != nil {
		return e.Old.Stamp()
	}
	return time.Time{}
}

// Validate checks the event is well formed for its type and collection.
func (e ChangeEvent) Validate() error {
	if !e.Collection.Valid() {
		return fmt.Errorf("unknown collection %q", e.Collection)
	}
	switch e.Type {
	case EventInsert, EventUpdate:
		if e.New == nil || e.New.EntityID() == "" {
			return fmt.Errorf("%s event without new row", e.Type)
		}
	case EventDelete:
		if e.Old == nil || e.Old.EntityID() == "" {
			return fmt.Errorf("DELETE event without old row")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	for _, ent := range []Entity{e.Old, e.New} {
		if ent != nil && ent.Kind() != e.Collection.Kind() {
			return fmt.Errorf("%s row in %s event", ent.Kind(), e.Collection)
		}
	}
	return nil
}

type changeEnvelope struct {
	EventType       EventType       `json:"eventType"`
	Table           Collection      `json:"table"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	Old             json.RawMessage `json:"old,omitempty"`
	New             json.RawMessage `json:"new,omitempty"`
}

// DecodeChangeEvent parses and validates a wire envelope. Rows with an empty
// id are treated as absent.
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var env changeEnvelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	ev := ChangeEvent{Type: env.EventType, Collection: env.Table, CommitTime: env.CommitTimestamp}
	if !ev.Collection.Valid() {
		return ChangeEvent{}, fmt.Errorf("unknown collection %q", env.Table)
	}
	var err error
	if ev.Old, err = decodeRow(env.Table, env.Old); err != nil {
		return ChangeEvent{}, err
	}
	if ev.New, err = decodeRow(env.Table, env.New); err != nil {
		return ChangeEvent{}, err
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

func decodeRow(c Collection, raw json.RawMessage) (Entity, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		ent Entity
		err error
	)
	switch c {
	case CollectionTasks:
		var t Task
		err = sonic.Unmarshal(raw, &t)
		ent = t
	case CollectionMembers:
		var m Member
		err = sonic.Unmarshal(raw, &m)
		ent = m
	case CollectionProjects:
		var p Project
		err = sonic.Unmarshal(raw, &p)
		ent = p
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s row: %w", c, err)
	}
	if ent.EntityID() == "" {
		return nil, nil
	}
	return ent, nil
}

// EncodeChangeEvent renders ev in the wire envelope format.
func EncodeChangeEvent(ev ChangeEvent) ([]byte, error) {
	env := changeEnvelope{EventType: ev.Type, Table: ev.Collection, CommitTimestamp: ev.CommitTime}
	var err error
	if ev.Old != nil {
		if env.Old, err = sonic.Marshal(ev.Old); err != nil {
			return nil, err
		}
	}
	if ev.New != nil {
		if env.New, err = sonic.Marshal(ev.New); err != nil {
			return nil, err
		}
	}
	return sonic.Marshal(env)
}
