package board

import (
	"sort"
	"strings"

	"prism-board/domain"
)

// Unassigned is the assignee filter value matching tasks with no assignee.
const Unassigned = "unassigned"

// Snapshot is an immutable view of a store at one version.
type Snapshot struct {
	Version        uint64
	Loaded         bool
	Project        *domain.Project
	Tasks          []domain.Task
	Members        []domain.Member
	SelectedTask   string
	SelectedMember string
	Pending        int
}

// Snapshot returns the current state. Snapshots are cached per version.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotLocked hands out a copy of the cached snapshot, so callers may
// write to its slices without touching other views.
func (s *Store) snapshotLocked() Snapshot {
	if s.snap == nil {
		s.snap = s.buildSnapshot()
	}
	return s.snap.clone()
}

func (snap *Snapshot) clone() Snapshot {
	c := *snap
	c.Tasks = append([]domain.Task(nil), snap.Tasks...)
	c.Members = append([]domain.Member(nil), snap.Members...)
	if snap.Project != nil {
		p := *snap.Project
		c.Project = &p
	}
	return c
}

func (s *Store) buildSnapshot() *Snapshot {
	snap := Snapshot{
		Version:        s.version,
		Loaded:         s.loaded,
		SelectedTask:   s.selection[domain.KindTask],
		SelectedMember: s.selection[domain.KindMember],
		Pending:        len(s.bySeq),
		Tasks:          make([]domain.Task, 0, len(s.tasks)),
		Members:        make([]domain.Member, 0, len(s.members)),
	}
	if s.project != nil {
		p := s.project.entity.(domain.Project)
		snap.Project = &p
	}
	for _, r := range s.tasks {
		snap.Tasks = append(snap.Tasks, r.entity.(domain.Task))
	}
	for _, r := range s.members {
		snap.Members = append(snap.Members, r.entity.(domain.Member))
	}
	sortTasks(snap.Tasks)
	sort.Slice(snap.Members, func(i, j int) bool {
		a, b := snap.Members[i], snap.Members[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID < b.ID
	})
	return &snap
}

func statusRank(st domain.Status) int {
	for i, s := range domain.Statuses {
		if s == st {
			return i
		}
	}
	return len(domain.Statuses)
}

func sortTasks(ts []domain.Task) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if a.OrderKey != b.OrderKey {
			return a.OrderKey < b.OrderKey
		}
		return a.ID < b.ID
	})
}

// Column returns the tasks with the given status in board order.
func (s Snapshot) Column(status domain.Status) []domain.Task {
	var out []domain.Task
	for _, t := range s.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func (s Snapshot) Task(id string) (domain.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

func (s Snapshot) Member(id string) (domain.Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Member{}, false
}

func (s Snapshot) MemberByUser(userID string) (domain.Member, bool) {
	for _, m := range s.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return domain.Member{}, false
}

// Filter narrows the visible tasks. Empty fields match everything.
type Filter struct {
	Search   string
	Priority domain.Priority
	// Assignee is a user id or Unassigned.
	Assignee string
}

// Filter returns the tasks matching f, keeping board order.
func (s Snapshot) Filter(f Filter) []domain.Task {
	term := strings.ToLower(strings.TrimSpace(f.Search))
	var out []domain.Task
	for _, t := range s.Tasks {
		if term != "" &&
			!strings.Contains(strings.ToLower(t.Title), term) &&
			!strings.Contains(strings.ToLower(t.Description), term) {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		switch f.Assignee {
		case "":
		case Unassigned:
			if t.AssigneeID != "" {
				continue
			}
		default:
			if t.AssigneeID != f.Assignee {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// Metrics counts tasks per column.
type Metrics struct {
	Total      int `json:"total"`
	Todo       int `json:"todo"`
	InProgress int `json:"inProgress"`
	InReview   int `json:"inReview"`
	Completed  int `json:"completed"`
}

// CompletionRate is the share of done tasks in percent, rounded down.
func (m Metrics) CompletionRate() int {
	if m.Total == 0 {
		return 0
	}
	return m.Completed * 100 / m.Total
}

func (s Snapshot) Metrics() Metrics {
	var m Metrics
	for _, t := range s.Tasks {
		m.Total++
		switch t.Status {
		case domain.StatusTodo:
			m.Todo++
		case domain.StatusInProgress:
			m.InProgress++
		case domain.StatusInReview:
			m.InReview++
		case domain.StatusDone:
			m.Completed++
		}
	}
	return m
}
