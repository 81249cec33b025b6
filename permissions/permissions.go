// Package permissions derives what a project role may do.
package permissions

import "prism-board/domain"

type Capability string

const (
	EditProject   Capability = "edit_project"
	DeleteProject Capability = "delete_project"
	ManageMembers Capability = "manage_members"
	CreateTasks   Capability = "create_tasks"
	EditTasks     Capability = "edit_tasks"
	DeleteTasks   Capability = "delete_tasks"
	AssignTasks   Capability = "assign_tasks"
	Comment       Capability = "comment"
)

// Set is the capability set of a role. It is never stored; resolve it again
// whenever the role may have changed.
type Set struct {
	CanEditProject   bool `json:"canEditProject"`
	CanDeleteProject bool `json:"canDeleteProject"`
	CanManageMembers bool `json:"canManageMembers"`
	CanCreateTasks   bool `json:"canCreateTasks"`
	CanEditTasks     bool `json:"canEditTasks"`
	CanDeleteTasks   bool `json:"canDeleteTasks"`
	CanAssignTasks   bool `json:"canAssignTasks"`
	CanComment       bool `json:"canComment"`
}

// Resolve returns the capability set for role. Unknown roles and RoleNone
// get nothing.
func Resolve(role domain.Role) Set {
	switch role {
	case domain.RoleOwner:
		return Set{
			CanEditProject:   true,
			CanDeleteProject: true,
			CanManageMembers: true,
			CanCreateTasks:   true,
			CanEditTasks:     true,
			CanDeleteTasks:   true,
			CanAssignTasks:   true,
			CanComment:       true,
		}
	case domain.RoleAdmin:
		return Set{
			CanEditProject:   true,
			CanManageMembers: true,
			CanCreateTasks:   true,
			CanEditTasks:     true,
			CanDeleteTasks:   true,
			CanAssignTasks:   true,
			CanComment:       true,
		}
	case domain.RoleMember:
		return Set{
			CanCreateTasks: true,
			CanEditTasks:   true,
			CanAssignTasks: true,
			CanComment:     true,
		}
	case domain.RoleViewer:
		return Set{CanComment: true}
	default:
		return Set{}
	}
}

func (s Set) Allows(c Capability) bool {
	switch c {
	case EditProject:
		return s.CanEditProject
	case DeleteProject:
		return s.CanDeleteProject
	case ManageMembers:
		return s.CanManageMembers
	case CreateTasks:
		return s.CanCreateTasks
	case EditTasks:
		return s.CanEditTasks
	case DeleteTasks:
		return s.CanDeleteTasks
	case AssignTasks:
		return s.CanAssignTasks
	case Comment:
		return s.CanComment
	}
	return false
}

func Can(role domain.Role, c Capability) bool {
	return Resolve(role).Allows(c)
}

// AdminCapable reports whether role counts towards the project's required
// owner/admin.
func AdminCapable(role domain.Role) bool {
	return role == domain.RoleOwner || role == domain.RoleAdmin
}

// CanManageMember reports whether actor may change a membership currently
// holding target. newRole is the role being granted, or RoleNone for a
// removal. An ADMIN cannot touch another OWNER or ADMIN and cannot grant
// OWNER; self is true when the actor edits their own membership.
func CanManageMember(actor domain.Role, self bool, target, newRole domain.Role) bool {
	if !Can(actor, ManageMembers) {
		return false
	}
	if actor == domain.RoleOwner {
		return true
	}
	if newRole == domain.RoleOwner {
		return false
	}
	if !self && AdminCapable(target) {
		return false
	}
	return true
}

// KeepsAdmin reports whether members still contain an owner or admin after
// member memberID takes newRole (RoleNone removes it).
func KeepsAdmin(members []domain.Member, memberID string, newRole domain.Role) bool {
	for _, m := range members {
		role := m.Role
		if m.ID == memberID {
			role = newRole
		}
		if AdminCapable(role) {
			return true
		}
	}
	return false
}
