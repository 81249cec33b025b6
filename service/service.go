// Package service is the authoritative side of a board: it checks every
// mutation against the caller's role, persists it and announces the change.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/orderkey"
	"prism-board/permissions"
)

// Repository persists boards. Lookups of missing rows return an error
// matching domain.ErrNotFound.
type Repository interface {
	Board(ctx context.Context, projectID string) (domain.Board, error)
	Project(ctx context.Context, projectID string) (domain.Project, error)
	Task(ctx context.Context, projectID, id string) (domain.Task, error)
	Member(ctx context.Context, projectID, id string) (domain.Member, error)
	Members(ctx context.Context, projectID string) ([]domain.Member, error)
	SaveProject(ctx context.Context, p domain.Project) error
	SaveTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, projectID, id string) error
	SaveMember(ctx context.Context, m domain.Member) error
	DeleteMember(ctx context.Context, projectID, id string) error
}

// GuardedMembers is implemented by repositories that can enforce the
// last-admin rule atomically with the write. Both methods return
// domain.ErrLastAdmin when the project would be left without an OWNER or
// ADMIN.
type GuardedMembers interface {
	SaveMemberGuarded(ctx context.Context, m domain.Member) error
	DeleteMemberGuarded(ctx context.Context, projectID, id string) error
}

// Publisher announces committed changes.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// Boards implements board operations on behalf of authenticated users.
type Boards struct {
	repo   Repository
	pub    Publisher
	logger *log.Entry
	now    func() time.Time
}

func NewBoards(repo Repository, pub Publisher, logger *log.Entry) *Boards {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Boards{
		repo:   repo,
		pub:    pub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

type access struct {
	project domain.Project
	members []domain.Member
	role    domain.Role
}

func (a access) require(caps ...permissions.Capability) error {
	set := permissions.Resolve(a.role)
	for _, c := range caps {
		if !set.Allows(c) {
			if a.role == domain.RoleNone {
				return domain.Errorf(domain.CodePermissionDenied, "not a member of project %s", a.project.ID)
			}
			return domain.Errorf(domain.CodePermissionDenied, "role %s may not %s", a.role, strings.ReplaceAll(string(c), "_", " "))
		}
	}
	return nil
}

func (a access) memberByUser(userID string) (domain.Member, bool) {
	for _, m := range a.members {
		if m.UserID == userID {
			return m, true
		}
	}
	return domain.Member{}, false
}

// resolve loads what is needed to decide userID's role. The project creator
// is always OWNER.
func (s *Boards) resolve(ctx context.Context, userID, projectID string) (access, error) {
	p, err := s.repo.Project(ctx, projectID)
	if err != nil {
		return access{}, err
	}
	members, err := s.repo.Members(ctx, projectID)
	if err != nil {
		return access{}, err
	}
	a := access{project: p, members: members}
	switch {
	case userID == "":
	case p.CreatorID == userID:
		a.role = domain.RoleOwner
	default:
		if m, ok := a.memberByUser(userID); ok {
			a.role = m.Role
		}
	}
	return a, nil
}

// stamp returns a time strictly after prev.
func (s *Boards) stamp(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *Boards) publish(ctx context.Context, ev domain.ChangeEvent) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"collection": ev.Collection,
			"type":       ev.Type,
			"id":         ev.EntityID(),
		}).Warn("publish change event")
	}
}

// Board returns the whole board. Private projects are only visible to
// members.
func (s *Boards) Board(ctx context.Context, userID, projectID string) (domain.Board, error) {
	if _, err := s.visible(ctx, userID, projectID); err != nil {
		return domain.Board{}, err
	}
	return s.repo.Board(ctx, projectID)
}

// Project returns a project under the same visibility rule as Board.
func (s *Boards) Project(ctx context.Context, userID, projectID string) (domain.Project, error) {
	a, err := s.visible(ctx, userID, projectID)
	return a.project, err
}

func (s *Boards) Task(ctx context.Context, userID, projectID, id string) (domain.Task, error) {
	if _, err := s.visible(ctx, userID, projectID); err != nil {
		return domain.Task{}, err
	}
	return s.repo.Task(ctx, projectID, id)
}

func (s *Boards) Member(ctx context.Context, userID, projectID, id string) (domain.Member, error) {
	a, err := s.visible(ctx, userID, projectID)
	if err != nil {
		return domain.Member{}, err
	}
	for _, m := range a.members {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Member{}, domain.Errorf(domain.CodeNotFound, "member %s not found", id)
}

func (s *Boards) visible(ctx context.Context, userID, projectID string) (access, error) {
	a, err := s.resolve(ctx, userID, projectID)
	if err != nil {
		return access{}, err
	}
	if a.role == domain.RoleNone && a.project.IsPrivate {
		return access{}, domain.Errorf(domain.CodePermissionDenied, "not a member of project %s", projectID)
	}
	return a, nil
}

// CreateProject stores a new project and makes userID its OWNER.
func (s *Boards) CreateProject(ctx context.Context, userID string, p domain.Project) (domain.Project, error) {
	if userID == "" {
		return domain.Project{}, domain.Errorf(domain.CodePermissionDenied, "anonymous users cannot create projects")
	}
	if strings.TrimSpace(p.Name) == "" {
		return domain.Project{}, domain.Errorf(domain.CodeValidation, "project name must not be empty")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, err := s.repo.Project(ctx, p.ID); err == nil {
		return domain.Project{}, domain.Errorf(domain.CodeConflict, "project %s already exists", p.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Project{}, err
	}
	now := s.now()
	p.CreatorID = userID
	p.CreatedAt, p.UpdatedAt = now, now
	owner := domain.Member{
		ID:        uuid.NewString(),
		ProjectID: p.ID,
		UserID:    userID,
		Role:      domain.RoleOwner,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	if err := s.repo.SaveProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	if err := s.repo.SaveMember(ctx, owner); err != nil {
		return domain.Project{}, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionProjects, CommitTime: now, New: p})
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionMembers, CommitTime: now, New: owner})
	return p, nil
}

func (s *Boards) UpdateProject(ctx context.Context, userID string, patch domain.ProjectPatch) (domain.Project, error) {
	a, err := s.resolve(ctx, userID, patch.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := a.require(permissions.EditProject); err != nil {
		return domain.Project{}, err
	}
	if err := patch.Validate(); err != nil {
		return domain.Project{}, err
	}
	old := a.project
	p := old
	p.Apply(patch)
	p.UpdatedAt = s.stamp(old.UpdatedAt)
	if err := s.repo.SaveProject(ctx, p); err != nil {
		return domain.Project{}, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionProjects, CommitTime: p.UpdatedAt, Old: old, New: p})
	return p, nil
}

// CreateTask stores t. A missing order key places the task at the end of
// its column.
func (s *Boards) CreateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	a, err := s.resolve(ctx, userID, t.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	caps := []permissions.Capability{permissions.CreateTasks}
	if t.AssigneeID != "" {
		caps = append(caps, permissions.AssignTasks)
	}
	if err := a.require(caps...); err != nil {
		return domain.Task{}, err
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, err := s.repo.Task(ctx, t.ProjectID, t.ID); err == nil {
		return domain.Task{}, domain.Errorf(domain.CodeConflict, "task %s already exists", t.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Task{}, err
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.OrderKey == "" {
		key, err := s.endOfColumn(ctx, t.ProjectID, t.Status)
		if err != nil {
			return domain.Task{}, err
		}
		t.OrderKey = key
	}
	if err := orderkey.Validate(t.OrderKey); err != nil {
		return domain.Task{}, domain.Wrap(domain.CodeValidation, err, "invalid order key")
	}
	now := s.now()
	t.CreatorID = userID
	t.CreatedAt, t.UpdatedAt = now, now
	t.CompletedAt = nil
	if t.Status == domain.StatusDone {
		t.CompletedAt = &now
	}
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	if err := s.repo.SaveTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionTasks, CommitTime: now, New: t})
	return t, nil
}

func (s *Boards) endOfColumn(ctx context.Context, projectID string, status domain.Status) (string, error) {
	b, err := s.repo.Board(ctx, projectID)
	if err != nil {
		return "", err
	}
	last := ""
	for _, t := range b.Tasks {
		if t.Status == status && t.OrderKey > last {
			last = t.OrderKey
		}
	}
	key, err := orderkey.Between(last, "")
	if err != nil {
		return "", domain.Wrap(domain.CodeValidation, err, "cannot allocate order key")
	}
	return key, nil
}

// UpdateTask applies patch to a task. Moving a task into done stamps
// CompletedAt; moving it out clears it.
func (s *Boards) UpdateTask(ctx context.Context, userID, projectID string, patch domain.TaskPatch) (domain.Task, error) {
	a, err := s.resolve(ctx, userID, projectID)
	if err != nil {
		return domain.Task{}, err
	}
	f := patch.Fields()
	var caps []permissions.Capability
	if f == 0 || f&^domain.FieldAssignee != 0 {
		caps = append(caps, permissions.EditTasks)
	}
	if f.Has(domain.FieldAssignee) {
		caps = append(caps, permissions.AssignTasks)
	}
	if err := a.require(caps...); err != nil {
		return domain.Task{}, err
	}
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	if patch.OrderKey != nil {
		if err := orderkey.Validate(*patch.OrderKey); err != nil {
			return domain.Task{}, domain.Wrap(domain.CodeValidation, err, "invalid order key")
		}
	}

	old, err := s.repo.Task(ctx, projectID, patch.ID)
	if err != nil {
		return domain.Task{}, err
	}
	t := old
	t.Apply(patch)
	t.UpdatedAt = s.stamp(old.UpdatedAt)
	switch {
	case t.Status == domain.StatusDone && old.Status != domain.StatusDone:
		done := t.UpdatedAt
		t.CompletedAt = &done
	case t.Status != domain.StatusDone:
		t.CompletedAt = nil
	}
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	if err := s.repo.SaveTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionTasks, CommitTime: t.UpdatedAt, Old: old, New: t})
	return t, nil
}

func (s *Boards) DeleteTask(ctx context.Context, userID, projectID, id string) error {
	a, err := s.resolve(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if err := a.require(permissions.DeleteTasks); err != nil {
		return err
	}
	old, err := s.repo.Task(ctx, projectID, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteTask(ctx, projectID, id); err != nil {
		return err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventDelete, Collection: domain.CollectionTasks, CommitTime: s.stamp(old.UpdatedAt), Old: old})
	return nil
}

// AddMember grants m.UserID m.Role in m.ProjectID.
func (s *Boards) AddMember(ctx context.Context, userID string, m domain.Member) (domain.Member, error) {
	a, err := s.resolve(ctx, userID, m.ProjectID)
	if err != nil {
		return domain.Member{}, err
	}
	if !m.Role.Valid() {
		return domain.Member{}, domain.Errorf(domain.CodeValidation, "unknown role %q", m.Role)
	}
	if !permissions.CanManageMember(a.role, false, domain.RoleNone, m.Role) {
		return domain.Member{}, domain.Errorf(domain.CodePermissionDenied, "role %s may not add %s members", a.role, m.Role)
	}
	if _, ok := a.memberByUser(m.UserID); ok {
		return domain.Member{}, domain.Errorf(domain.CodeConflict, "user %s is already a member", m.UserID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	m.JoinedAt, m.UpdatedAt = now, now
	if err := m.Validate(); err != nil {
		return domain.Member{}, err
	}
	if err := s.repo.SaveMember(ctx, m); err != nil {
		return domain.Member{}, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionMembers, CommitTime: now, New: m})
	return m, nil
}

// UpdateMember changes a membership's role. It fails with
// domain.ErrLastAdmin when no OWNER or ADMIN would remain.
func (s *Boards) UpdateMember(ctx context.Context, userID, projectID string, patch domain.MemberPatch) (domain.Member, error) {
	if patch.Role == nil || !patch.Role.Valid() {
		return domain.Member{}, domain.Errorf(domain.CodeValidation, "a valid role is required")
	}
	_, old, err := s.memberChange(ctx, userID, projectID, patch.ID, *patch.Role)
	if err != nil {
		return domain.Member{}, err
	}
	m := old
	m.Apply(patch)
	m.UpdatedAt = s.stamp(old.Stamp())
	if g, ok := s.repo.(GuardedMembers); ok {
		err = g.SaveMemberGuarded(ctx, m)
	} else {
		err = s.repo.SaveMember(ctx, m)
	}
	if err != nil {
		return domain.Member{}, err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionMembers, CommitTime: m.UpdatedAt, Old: old, New: m})
	return m, nil
}

// RemoveMember deletes a membership under the same rules as UpdateMember.
func (s *Boards) RemoveMember(ctx context.Context, userID, projectID, id string) error {
	_, old, err := s.memberChange(ctx, userID, projectID, id, domain.RoleNone)
	if err != nil {
		return err
	}
	if g, ok := s.repo.(GuardedMembers); ok {
		err = g.DeleteMemberGuarded(ctx, projectID, id)
	} else {
		err = s.repo.DeleteMember(ctx, projectID, id)
	}
	if err != nil {
		return err
	}
	s.publish(ctx, domain.ChangeEvent{Type: domain.EventDelete, Collection: domain.CollectionMembers, CommitTime: s.stamp(old.Stamp()), Old: old})
	return nil
}

func (s *Boards) memberChange(ctx context.Context, userID, projectID, id string, newRole domain.Role) (access, domain.Member, error) {
	a, err := s.resolve(ctx, userID, projectID)
	if err != nil {
		return access{}, domain.Member{}, err
	}
	var old domain.Member
	found := false
	for _, m := range a.members {
		if m.ID == id {
			old, found = m, true
			break
		}
	}
	if !found {
		if err := a.require(permissions.ManageMembers); err != nil {
			return access{}, domain.Member{}, err
		}
		return access{}, domain.Member{}, domain.Errorf(domain.CodeNotFound, "member %s not found", id)
	}
	if !permissions.CanManageMember(a.role, old.UserID == userID, old.Role, newRole) {
		return access{}, domain.Member{}, domain.Errorf(domain.CodePermissionDenied, "role %s may not change a %s membership", a.role, old.Role)
	}
	if !permissions.KeepsAdmin(a.members, id, newRole) {
		return access{}, domain.Member{}, domain.ErrLastAdmin
	}
	return a, old, nil
}
