package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"prism-board/board"
	"prism-board/domain"
	"prism-board/realtime"
)

type idleSub struct {
	ch   chan realtime.Delivery
	once sync.Once
}

func (s *idleSub) C() <-chan realtime.Delivery { return s.ch }
func (s *idleSub) Unsubscribe()                { s.once.Do(func() { close(s.ch) }) }

type idleSource struct{}

func (idleSource) Subscribe(ctx context.Context, f realtime.Filter) (realtime.Subscription, error) {
	return &idleSub{ch: make(chan realtime.Delivery)}, nil
}

type memRemote struct {
	mu    sync.Mutex
	board domain.Board
}

func (r *memRemote) FetchBoard(ctx context.Context, projectID string) (domain.Board, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.board, nil
}

func (r *memRemote) CreateTask(ctx context.Context, t domain.Task, key string) (domain.Task, error) {
	return t, nil
}

func (r *memRemote) UpdateTask(ctx context.Context, p domain.TaskPatch, key string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.board.Tasks {
		if t.ID == p.ID {
			t.Apply(p)
			t.UpdatedAt = time.Now().UTC()
			r.board.Tasks[i] = t
			return t, nil
		}
	}
	return domain.Task{}, domain.ErrNotFound
}

func (r *memRemote) DeleteTask(ctx context.Context, id, key string) error { return nil }

func (r *memRemote) AddMember(ctx context.Context, m domain.Member, key string) (domain.Member, error) {
	return m, nil
}

func (r *memRemote) UpdateMember(ctx context.Context, p domain.MemberPatch, key string) (domain.Member, error) {
	return domain.Member{}, domain.ErrNotFound
}

func (r *memRemote) RemoveMember(ctx context.Context, id, key string) error { return nil }

func (r *memRemote) UpdateProject(ctx context.Context, p domain.ProjectPatch, key string) (domain.Project, error) {
	return domain.Project{}, domain.ErrNotFound
}

func TestSessionLifecycle(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	remote := &memRemote{board: domain.Board{
		Project: domain.Project{ID: "p1", Name: "Launch", CreatorID: "u1", UpdatedAt: t0},
		Tasks: []domain.Task{
			{ID: "a", ProjectID: "p1", Title: "a", Status: domain.StatusTodo, Priority: domain.PriorityLow, OrderKey: "m", UpdatedAt: t0},
		},
	}}

	s := Open(context.Background(), Config{
		ProjectID: "p1",
		Identity:  board.Identity{UserID: "u1"},
		Remote:    remote,
		Source:    idleSource{},
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitLoaded(ctx); err != nil {
		t.Fatalf("board never loaded: %v", err)
	}
	if s.Reconnecting() {
		t.Fatalf("fresh session reports reconnecting")
	}

	h, err := s.Pipeline.MoveTask("a", domain.StatusDone, 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res, err := h.Wait(ctx); err != nil || res.Status != board.StatusConfirmed {
		t.Fatalf("move not confirmed: %+v %v", res, err)
	}

	s.Close()
	if st := s.Reconciler.State(domain.CollectionTasks); st != realtime.StateClosed {
		t.Fatalf("expected closed feeds, got %s", st)
	}
	if _, err := s.Pipeline.MoveTask("a", domain.StatusTodo, 0); err != board.ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
