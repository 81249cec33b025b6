package domain

import "time"

// EntityKind names the collections a board is made of.
type EntityKind string

const (
	KindTask    EntityKind = "task"
	KindMember  EntityKind = "member"
	KindProject EntityKind = "project"
)

// Fields is a bitmask of the attributes a patch touches.
type Fields uint16

const (
	FieldTitle Fields = 1 << iota
	FieldDescription
	FieldStatus
	FieldPriority
	FieldOrderKey
	FieldAssignee
	FieldRole
	FieldName
)

func (f Fields) Has(o Fields) bool        { return o != 0 && f&o == o }
func (f Fields) Intersects(o Fields) bool { return f&o != 0 }

// Entity is implemented by Task, Member and Project.
type Entity interface {
	Kind() EntityKind
	EntityID() string
	OwningProject() string
	Stamp() time.Time
	Capture(Fields) Patch
}

// Patch is a partial update to a single entity. It is implemented by
// TaskPatch, MemberPatch and ProjectPatch.
type Patch interface {
	Kind() EntityKind
	EntityID() string
	Fields() Fields
	// Only returns a copy holding just the given fields.
	Only(Fields) Patch
	// Overlay returns a copy where every field set in q replaces the receiver's.
	Overlay(q Patch) Patch
	Validate() error
}

// Ref returns a pointer to v.
func Ref[T any](v T) *T { return &v }

// FullPatch turns a whole entity into a patch setting every mutable field.
func FullPatch(e Entity) Patch {
	switch e.Kind() {
	case KindTask:
		return e.Capture(FieldTitle | FieldDescription | FieldStatus | FieldPriority | FieldOrderKey | FieldAssignee)
	case KindMember:
		return e.Capture(FieldRole)
	default:
		return e.Capture(FieldName | FieldDescription)
	}
}
