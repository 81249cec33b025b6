package storage

import (
	"context"
	"sort"
	"sync"

	"prism-board/domain"
	"prism-board/permissions"
)

// Memory is an in-process repository used by tests and local runs without
// cloud storage.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]domain.Project
	tasks    map[string]map[string]domain.Task
	members  map[string]map[string]domain.Member
}

func NewMemory() *Memory {
	return &Memory{
		projects: map[string]domain.Project{},
		tasks:    map[string]map[string]domain.Task{},
		members:  map[string]map[string]domain.Member{},
	}
}

func (m *Memory) Board(ctx context.Context, projectID string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return domain.Board{}, projectNotFound(projectID)
	}
	b := domain.Board{Project: p, Tasks: []domain.Task{}, Members: []domain.Member{}}
	for _, t := range m.tasks[projectID] {
		b.Tasks = append(b.Tasks, t)
	}
	for _, mem := range m.members[projectID] {
		b.Members = append(b.Members, mem)
	}
	sortBoard(&b)
	return b, nil
}

func (m *Memory) Project(ctx context.Context, projectID string) (domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return domain.Project{}, projectNotFound(projectID)
	}
	return p, nil
}

func (m *Memory) Task(ctx context.Context, projectID, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[projectID][id]
	if !ok {
		return domain.Task{}, domain.Errorf(domain.CodeNotFound, "task %s not found", id)
	}
	return t, nil
}

func (m *Memory) Member(ctx context.Context, projectID, id string) (domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[projectID][id]
	if !ok {
		return domain.Member{}, domain.Errorf(domain.CodeNotFound, "member %s not found", id)
	}
	return mem, nil
}

func (m *Memory) Members(ctx context.Context, projectID string) ([]domain.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Member, 0, len(m.members[projectID]))
	for _, mem := range m.members[projectID] {
		out = append(out, mem)
	}
	sortMembers(out)
	return out, nil
}

func (m *Memory) SaveProject(ctx context.Context, p domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *Memory) SaveTask(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[t.ProjectID]; !ok {
		return projectNotFound(t.ProjectID)
	}
	if m.tasks[t.ProjectID] == nil {
		m.tasks[t.ProjectID] = map[string]domain.Task{}
	}
	m.tasks[t.ProjectID][t.ID] = t
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, projectID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[projectID][id]; !ok {
		return domain.Errorf(domain.CodeNotFound, "task %s not found", id)
	}
	delete(m.tasks[projectID], id)
	return nil
}

func (m *Memory) SaveMember(ctx context.Context, mem domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveMember(mem)
}

func (m *Memory) saveMember(mem domain.Member) error {
	if _, ok := m.projects[mem.ProjectID]; !ok {
		return projectNotFound(mem.ProjectID)
	}
	for id, other := range m.members[mem.ProjectID] {
		if other.UserID == mem.UserID && id != mem.ID {
			return domain.Errorf(domain.CodeConflict, "user %s is already a member", mem.UserID)
		}
	}
	if m.members[mem.ProjectID] == nil {
		m.members[mem.ProjectID] = map[string]domain.Member{}
	}
	m.members[mem.ProjectID][mem.ID] = mem
	return nil
}

func (m *Memory) DeleteMember(ctx context.Context, projectID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[projectID][id]; !ok {
		return domain.Errorf(domain.CodeNotFound, "member %s not found", id)
	}
	delete(m.members[projectID], id)
	return nil
}

// SaveMemberGuarded checks the last-admin rule under the write lock.
func (m *Memory) SaveMemberGuarded(ctx context.Context, mem domain.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !permissions.KeepsAdmin(m.memberList(mem.ProjectID), mem.ID, mem.Role) {
		return domain.ErrLastAdmin
	}
	return m.saveMember(mem)
}

func (m *Memory) DeleteMemberGuarded(ctx context.Context, projectID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[projectID][id]; !ok {
		return domain.Errorf(domain.CodeNotFound, "member %s not found", id)
	}
	if !permissions.KeepsAdmin(m.memberList(projectID), id, domain.RoleNone) {
		return domain.ErrLastAdmin
	}
	delete(m.members[projectID], id)
	return nil
}

func (m *Memory) memberList(projectID string) []domain.Member {
	out := make([]domain.Member, 0, len(m.members[projectID]))
	for _, mem := range m.members[projectID] {
		out = append(out, mem)
	}
	return out
}

func projectNotFound(id string) error {
	return domain.Errorf(domain.CodeNotFound, "project %s not found", id)
}

func sortBoard(b *domain.Board) {
	sort.Slice(b.Tasks, func(i, j int) bool {
		if b.Tasks[i].OrderKey != b.Tasks[j].OrderKey {
			return b.Tasks[i].OrderKey < b.Tasks[j].OrderKey
		}
		return b.Tasks[i].ID < b.Tasks[j].ID
	})
	sortMembers(b.Members)
}

func sortMembers(ms []domain.Member) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].JoinedAt.Before(ms[j].JoinedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}
