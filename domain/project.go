package domain

import (
	"strings"
	"time"
)

// Role of a user inside a project. The zero value means no membership.
type Role string

const (
	RoleNone   Role = ""
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// ParseRole accepts roles in any letter case.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return RoleNone, Errorf(CodeValidation, "unknown role %q", s)
	}
	return r, nil
}

// Project owns tasks and members.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatorID   string    `json:"created_by_id"`
	IsPrivate   bool      `json:"is_private"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p Project) Kind() EntityKind      { return KindProject }
func (p Project) EntityID() string      { return p.ID }
func (p Project) OwningProject() string { return p.ID }
func (p Project) Stamp() time.Time      { return p.UpdatedAt }

func (p Project) Capture(f Fields) Patch {
	out := ProjectPatch{ID: p.ID}
	if f.Has(FieldName) {
		out.Name = Ref(p.Name)
	}
	if f.Has(FieldDescription) {
		out.Description = Ref(p.Description)
	}
	return out
}

func (p *Project) Apply(q ProjectPatch) {
	if q.Name != nil {
		p.Name = *q.Name
	}
	if q.Description != nil {
		p.Description = *q.Description
	}
}

// ProjectPatch is a partial project update.
type ProjectPatch struct {
	ID          string  `json:"-"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (p ProjectPatch) Kind() EntityKind { return KindProject }
func (p ProjectPatch) EntityID() string { return p.ID }

func (p ProjectPatch) Fields() Fields {
	var f Fields
	if p.Name != nil {
		f |= FieldName
	}
	if p.Description != nil {
		f |= FieldDescription
	}
	return f
}

func (p ProjectPatch) Only(f Fields) Patch {
	out := ProjectPatch{ID: p.ID}
	if f.Has(FieldName) {
		out.Name = p.Name
	}
	if f.Has(FieldDescription) {
		out.Description = p.Description
	}
	return out
}

func (p ProjectPatch) Overlay(q Patch) Patch {
	o, ok := q.(ProjectPatch)
	if !ok {
		return p
	}
	if o.Name != nil {
		p.Name = o.Name
	}
	if o.Description != nil {
		p.Description = o.Description
	}
	return p
}

func (p ProjectPatch) Validate() error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return Errorf(CodeValidation, "project name must not be empty")
	}
	return nil
}

// Member is a user's membership row in a project. At most one exists per
// (project, user).
type Member struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Member) Kind() EntityKind      { return KindMember }
func (m Member) EntityID() string      { return m.ID }
func (m Member) OwningProject() string { return m.ProjectID }
func (m Member) Stamp() time.Time {
	if m.UpdatedAt.IsZero() {
		return m.JoinedAt
	}
	return m.UpdatedAt
}

func (m Member) Capture(f Fields) Patch {
	out := MemberPatch{ID: m.ID}
	if f.Has(FieldRole) {
		out.Role = Ref(m.Role)
	}
	return out
}

func (m *Member) Apply(p MemberPatch) {
	if p.Role != nil {
		m.Role = *p.Role
	}
}

func (m Member) Validate() error {
	switch {
	case m.ID == "":
		return Errorf(CodeValidation, "member id is required")
	case m.ProjectID == "" || m.UserID == "":
		return Errorf(CodeValidation, "member %s needs a project and a user", m.ID)
	case !m.Role.Valid():
		return Errorf(CodeValidation, "member %s has unknown role %q", m.ID, m.Role)
	}
	return nil
}

// MemberPatch changes a member's role.
type MemberPatch struct {
	ID   string `json:"-"`
	Role *Role  `json:"role,omitempty"`
}

func (p MemberPatch) Kind() EntityKind { return KindMember }
func (p MemberPatch) EntityID() string { return p.ID }

func (p MemberPatch) Fields() Fields {
	if p.Role != nil {
		return FieldRole
	}
	return 0
}

func (p MemberPatch) Only(f Fields) Patch {
	out := MemberPatch{ID: p.ID}
	if f.Has(FieldRole) {
		out.Role = p.Role
	}
	return out
}

func (p MemberPatch) Overlay(q Patch) Patch {
	if o, ok := q.(MemberPatch); ok && o.Role != nil {
		p.Role = o.Role
	}
	return p
}

func (p MemberPatch) Validate() error {
	if p.Role != nil && !p.Role.Valid() {
		return Errorf(CodeValidation, "unknown role %q", *p.Role)
	}
	return nil
}

// Board is the full state of one project as returned by a snapshot fetch.
type Board struct {
	Project Project  `json:"project"`
	Tasks   []Task   `json:"tasks"`
	Members []Member `json:"members"`
}
