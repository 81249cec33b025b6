package domain

import (
	"strings"
	"time"
)

// Status is the board column a task belongs to.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
)

// Statuses lists the board columns in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusInReview, StatusDone}

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone:
		return true
	}
	return false
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task represents a single board item.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	OrderKey    string     `json:"task_order"`
	CreatorID   string     `json:"created_by_id"`
	AssigneeID  string     `json:"assigned_to_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t Task) Kind() EntityKind      { return KindTask }
func (t Task) EntityID() string      { return t.ID }
func (t Task) OwningProject() string { return t.ProjectID }
func (t Task) Stamp() time.Time      { return t.UpdatedAt }

// Capture returns a patch holding the current values of the given fields.
func (t Task) Capture(f Fields) Patch {
	p := TaskPatch{ID: t.ID}
	if f.Has(FieldTitle) {
		p.Title = Ref(t.Title)
	}
	if f.Has(FieldDescription) {
		p.Description = Ref(t.Description)
	}
	if f.Has(FieldStatus) {
		p.Status = Ref(t.Status)
	}
	if f.Has(FieldPriority) {
		p.Priority = Ref(t.Priority)
	}
	if f.Has(FieldOrderKey) {
		p.OrderKey = Ref(t.OrderKey)
	}
	if f.Has(FieldAssignee) {
		p.AssigneeID = Ref(t.AssigneeID)
	}
	return p
}

// Apply merges the set fields of p into t.
func (t *Task) Apply(p TaskPatch) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.OrderKey != nil {
		t.OrderKey = *p.OrderKey
	}
	if p.AssigneeID != nil {
		t.AssigneeID = *p.AssigneeID
	}
}

// Validate checks the fields a task must always carry.
func (t Task) Validate() error {
	switch {
	case t.ID == "":
		return Errorf(CodeValidation, "task id is required")
	case t.ProjectID == "":
		return Errorf(CodeValidation, "task %s has no project", t.ID)
	case strings.TrimSpace(t.Title) == "":
		return Errorf(CodeValidation, "task %s has an empty title", t.ID)
	case !t.Status.Valid():
		return Errorf(CodeValidation, "task %s has unknown status %q", t.ID, t.Status)
	case !t.Priority.Valid():
		return Errorf(CodeValidation, "task %s has unknown priority %q", t.ID, t.Priority)
	case t.OrderKey == "":
		return Errorf(CodeValidation, "task %s has no order key", t.ID)
	}
	return nil
}

// TaskPatch is a partial task update. Nil fields are left untouched; an empty
// Description or AssigneeID clears the value.
type TaskPatch struct {
	ID          string    `json:"-"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	OrderKey    *string   `json:"task_order,omitempty"`
	AssigneeID  *string   `json:"assigned_to_id,omitempty"`
}

func (p TaskPatch) Kind() EntityKind { return KindTask }
func (p TaskPatch) EntityID() string { return p.ID }

func (p TaskPatch) Fields() Fields {
	var f Fields
	if p.Title != nil {
		f |= FieldTitle
	}
	if p.Description != nil {
		f |= FieldDescription
	}
	if p.Status != nil {
		f |= FieldStatus
	}
	if p.Priority != nil {
		f |= FieldPriority
	}
	if p.OrderKey != nil {
		f |= FieldOrderKey
	}
	if p.AssigneeID != nil {
		f |= FieldAssignee
	}
	return f
}

func (p TaskPatch) Only(f Fields) Patch {
	out := TaskPatch{ID: p.ID}
	if f.Has(FieldTitle) {
		out.Title = p.Title
	}
	if f.Has(FieldDescription) {
		out.Description = p.Description
	}
	if f.Has(FieldStatus) {
		out.Status = p.Status
	}
	if f.Has(FieldPriority) {
		out.Priority = p.Priority
	}
	if f.Has(FieldOrderKey) {
		out.OrderKey = p.OrderKey
	}
	if f.Has(FieldAssignee) {
		out.AssigneeID = p.AssigneeID
	}
	return out
}

func (p TaskPatch) Overlay(q Patch) Patch {
	o, ok := q.(TaskPatch)
	if !ok {
		return p
	}
	if o.Title != nil {
		p.Title = o.Title
	}
	if o.Description != nil {
		p.Description = o.Description
	}
	if o.Status != nil {
		p.Status = o.Status
	}
	if o.Priority != nil {
		p.Priority = o.Priority
	}
	if o.OrderKey != nil {
		p.OrderKey = o.OrderKey
	}
	if o.AssigneeID != nil {
		p.AssigneeID = o.AssigneeID
	}
	return p
}

// Validate rejects patches that would leave a task in an invalid state.
func (p TaskPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return Errorf(CodeValidation, "title must not be empty")
	}
	if p.Status != nil && !p.Status.Valid() {
		return Errorf(CodeValidation, "unknown status %q", *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return Errorf(CodeValidation, "unknown priority %q", *p.Priority)
	}
	if p.OrderKey != nil && *p.OrderKey == "" {
		return Errorf(CodeValidation, "order key must not be empty")
	}
	return nil
}
