package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-board/domain"
	"prism-board/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
}

func (r *recorder) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) last(t *testing.T) domain.ChangeEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc  *Boards
	repo *storage.Memory
	pub  *recorder
	now  time.Time
}

// newFixture builds project p1 created by u-owner with an ADMIN, a MEMBER
// and a VIEWER.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: storage.NewMemory(), pub: &recorder{}, now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.svc = NewBoards(f.repo, f.pub, nil)
	f.svc.now = func() time.Time { return f.now }

	ctx := context.Background()
	_, err := f.svc.CreateProject(ctx, "u-owner", domain.Project{ID: "p1", Name: "Launch"})
	require.NoError(t, err)
	for _, m := range []domain.Member{
		{ID: "m-admin", ProjectID: "p1", UserID: "u-admin", Role: domain.RoleAdmin},
		{ID: "m-dev", ProjectID: "p1", UserID: "u-dev", Role: domain.RoleMember},
		{ID: "m-view", ProjectID: "p1", UserID: "u-view", Role: domain.RoleViewer},
	} {
		_, err := f.svc.AddMember(ctx, "u-owner", m)
		require.NoError(t, err)
	}
	f.pub.events = nil
	return f
}

func (f *fixture) memberID(t *testing.T, userID string) string {
	t.Helper()
	ms, err := f.repo.Members(context.Background(), "p1")
	require.NoError(t, err)
	for _, m := range ms {
		if m.UserID == userID {
			return m.ID
		}
	}
	t.Fatalf("no member for %s", userID)
	return ""
}

func TestCreateProjectMakesCreatorOwner(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Board(context.Background(), "u-owner", "p1")
	require.NoError(t, err)
	assert.Equal(t, "u-owner", b.Project.CreatorID)
	require.Len(t, b.Members, 4)
	assert.Equal(t, domain.RoleOwner, b.Members[0].Role)
	assert.Equal(t, "u-owner", b.Members[0].UserID)
}

func TestBoardVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Board(ctx, "stranger", "p1")
	require.NoError(t, err, "public boards are readable")

	_, err = f.svc.UpdateProject(ctx, "u-owner", domain.ProjectPatch{ID: "p1", Name: domain.Ref("Launch v2")})
	require.NoError(t, err)
	p, _ := f.repo.Project(ctx, "p1")
	p.IsPrivate = true
	require.NoError(t, f.repo.SaveProject(ctx, p))

	_, err = f.svc.Board(ctx, "stranger", "p1")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	_, err = f.svc.Board(ctx, "u-view", "p1")
	assert.NoError(t, err)
	_, err = f.svc.Board(ctx, "u-view", "p404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateTask(ctx, "u-dev", domain.Task{ProjectID: "p1", Title: "Write docs"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, domain.StatusTodo, first.Status)
	assert.Equal(t, domain.PriorityMedium, first.Priority)
	assert.Equal(t, "u-dev", first.CreatorID)
	assert.True(t, first.CreatedAt.Equal(f.now))

	second, err := f.svc.CreateTask(ctx, "u-dev", domain.Task{ProjectID: "p1", Title: "Review docs"})
	require.NoError(t, err)
	assert.Greater(t, second.OrderKey, first.OrderKey, "new tasks append to the column")

	ev := f.pub.last(t)
	assert.Equal(t, domain.EventInsert, ev.Type)
	assert.Equal(t, domain.CollectionTasks, ev.Collection)
	assert.Equal(t, second.ID, ev.EntityID())

	_, err = f.svc.CreateTask(ctx, "u-dev", domain.Task{ID: second.ID, ProjectID: "p1", Title: "again"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.CreateTask(ctx, "u-view", domain.Task{ProjectID: "p1", Title: "nope"})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.CreateTask(ctx, "u-dev", domain.Task{ProjectID: "p1", Title: "bad key", OrderKey: "10"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.CreateTask(ctx, "u-dev", domain.Task{ProjectID: "p1", Title: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateTaskStampsCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, "u-dev", domain.Task{ProjectID: "p1", Title: "Ship"})
	require.NoError(t, err)

	done, err := f.svc.UpdateTask(ctx, "u-dev", "p1", domain.TaskPatch{ID: task.ID, Status: domain.Ref(domain.StatusDone)})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.UpdatedAt.After(task.UpdatedAt), "same clock reading still advances the stamp")

	ev := f.pub.last(t)
	assert.Equal(t, domain.EventUpdate, ev.Type)
	assert.True(t, ev.CommitTime.Equal(done.UpdatedAt))
	require.NotNil(t, ev.Old)
	assert.Equal(t, domain.StatusTodo, ev.Old.(domain.Task).Status)

	f.now = f.now.Add(time.Minute)
	reopened, err := f.svc.UpdateTask(ctx, "u-dev", "p1", domain.TaskPatch{ID: task.ID, Status: domain.Ref(domain.StatusInReview)})
	require.NoError(t, err)
	assert.Nil(t, reopened.CompletedAt)
	assert.True(t, reopened.UpdatedAt.Equal(f.now))
}

func TestUpdateTaskPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, "u-dev", domain.Task{ProjectID: "p1", Title: "Ship"})
	require.NoError(t, err)

	_, err = f.svc.UpdateTask(ctx, "u-view", "p1", domain.TaskPatch{ID: task.ID, Title: domain.Ref("x")})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.UpdateTask(ctx, "u-view", "p1", domain.TaskPatch{ID: task.ID, AssigneeID: domain.Ref("u-view")})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied, "viewers may not assign")

	assigned, err := f.svc.UpdateTask(ctx, "u-dev", "p1", domain.TaskPatch{ID: task.ID, AssigneeID: domain.Ref("u-dev")})
	require.NoError(t, err)
	assert.Equal(t, "u-dev", assigned.AssigneeID)

	_, err = f.svc.UpdateTask(ctx, "u-dev", "p1", domain.TaskPatch{ID: "missing", Title: domain.Ref("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, "u-dev", domain.Task{ProjectID: "p1", Title: "Ship"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteTask(ctx, "u-dev", "p1", task.ID), domain.ErrPermissionDenied)
	require.NoError(t, f.svc.DeleteTask(ctx, "u-admin", "p1", task.ID))

	ev := f.pub.last(t)
	assert.Equal(t, domain.EventDelete, ev.Type)
	assert.Nil(t, ev.New)
	assert.Equal(t, task.ID, ev.EntityID())

	assert.ErrorIs(t, f.svc.DeleteTask(ctx, "u-admin", "p1", task.ID), domain.ErrNotFound)
}

func TestMemberManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddMember(ctx, "u-admin", domain.Member{ProjectID: "p1", UserID: "u-dev", Role: domain.RoleViewer})
	assert.ErrorIs(t, err, domain.ErrConflict, "one membership per user")

	_, err = f.svc.AddMember(ctx, "u-admin", domain.Member{ProjectID: "p1", UserID: "u-new", Role: domain.RoleOwner})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied, "admins cannot grant OWNER")

	_, err = f.svc.AddMember(ctx, "u-dev", domain.Member{ProjectID: "p1", UserID: "u-new", Role: domain.RoleViewer})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.UpdateMember(ctx, "u-admin", "p1", domain.MemberPatch{ID: f.memberID(t, "u-owner"), Role: domain.Ref(domain.RoleMember)})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied, "admins cannot touch owners")

	demoted, err := f.svc.UpdateMember(ctx, "u-admin", "p1", domain.MemberPatch{ID: "m-dev", Role: domain.Ref(domain.RoleViewer)})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, demoted.Role)

	ev := f.pub.last(t)
	assert.Equal(t, domain.CollectionMembers, ev.Collection)
	assert.Equal(t, domain.EventUpdate, ev.Type)

	require.NoError(t, f.svc.RemoveMember(ctx, "u-admin", "p1", "m-view"))
	assert.ErrorIs(t, f.svc.RemoveMember(ctx, "u-admin", "p1", "m-view"), domain.ErrNotFound)

	_, err = f.svc.UpdateMember(ctx, "u-admin", "p1", domain.MemberPatch{ID: "m-dev"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLastAdminIsKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.memberID(t, "u-owner")

	require.NoError(t, f.svc.RemoveMember(ctx, "u-owner", "p1", "m-admin"))
	before := len(f.pub.events)

	_, err := f.svc.UpdateMember(ctx, "u-owner", "p1", domain.MemberPatch{ID: owner, Role: domain.Ref(domain.RoleMember)})
	assert.ErrorIs(t, err, domain.ErrLastAdmin)
	assert.ErrorIs(t, f.svc.RemoveMember(ctx, "u-owner", "p1", owner), domain.ErrLastAdmin)
	assert.Len(t, f.pub.events, before, "refused changes publish nothing")

	m, err := f.repo.Member(ctx, "p1", owner)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, m.Role)
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("redis down")

	task, err := f.svc.CreateTask(context.Background(), "u-dev", domain.Task{ProjectID: "p1", Title: "Ship"})
	require.NoError(t, err)
	_, err = f.repo.Task(context.Background(), "p1", task.ID)
	assert.NoError(t, err)
}

func TestUpdateProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateProject(ctx, "u-dev", domain.ProjectPatch{ID: "p1", Name: domain.Ref("Mine")})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = f.svc.UpdateProject(ctx, "u-admin", domain.ProjectPatch{ID: "p1", Name: domain.Ref(" ")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	p, err := f.svc.UpdateProject(ctx, "u-admin", domain.ProjectPatch{ID: "p1", Description: domain.Ref("Q3 launch")})
	require.NoError(t, err)
	assert.Equal(t, "Launch", p.Name)
	assert.Equal(t, "Q3 launch", p.Description)
	assert.Equal(t, domain.CollectionProjects, f.pub.last(t).Collection)
}

func TestCreateProjectRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProject(context.Background(), "u-dev", domain.Project{ID: "p1", Name: "Takeover"})
	require.ErrorIs(t, err, domain.ErrConflict)

	p, err := f.repo.Project(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "u-owner", p.CreatorID)
	assert.Empty(t, f.pub.events)
}
