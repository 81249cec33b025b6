package board

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"prism-board/domain"
	"prism-board/orderkey"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore("p1", nil)
	var mu sync.Mutex
	clock := t0.Add(time.Hour)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return s
}

func task(id string, status domain.Status, key string) domain.Task {
	return domain.Task{
		ID:        id,
		ProjectID: "p1",
		Title:     "task " + id,
		Status:    status,
		Priority:  domain.PriorityMedium,
		OrderKey:  key,
		CreatorID: "u-owner",
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func member(id, user string, role domain.Role) domain.Member {
	return domain.Member{ID: id, ProjectID: "p1", UserID: user, Role: role, JoinedAt: t0}
}

func fixture() domain.Board {
	return domain.Board{
		Project: domain.Project{ID: "p1", Name: "Launch", CreatorID: "u-owner", CreatedAt: t0, UpdatedAt: t0},
		Tasks: []domain.Task{
			task("a", domain.StatusTodo, "m"),
			task("b", domain.StatusTodo, "n"),
			task("c", domain.StatusDone, "V"),
		},
		Members: []domain.Member{
			member("m-owner", "u-owner", domain.RoleOwner),
			member("m-dev", "u-dev", domain.RoleMember),
			member("m-view", "u-view", domain.RoleViewer),
		},
	}
}

func loadedStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	s.Load(fixture())
	return s
}

func ids(ts []domain.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func mustTask(t *testing.T, s *Store, id string) domain.Task {
	t.Helper()
	tk, ok := s.Snapshot().Task(id)
	if !ok {
		t.Fatalf("task %s missing", id)
	}
	return tk
}

func TestLoadOrdersColumns(t *testing.T) {
	s := loadedStore(t)
	snap := s.Snapshot()
	if !snap.Loaded {
		t.Fatalf("expected loaded snapshot")
	}
	if got := ids(snap.Tasks); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if got := ids(snap.Column(domain.StatusTodo)); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected todo column %v", got)
	}
	if snap.Project == nil || snap.Project.Name != "Launch" {
		t.Fatalf("unexpected project %+v", snap.Project)
	}
}

func TestSnapshotWritesDoNotLeak(t *testing.T) {
	s := loadedStore(t)
	snap := s.Snapshot()
	snap.Tasks[0].Title = "scribbled"
	snap.Members[0].Role = domain.RoleViewer
	snap.Project.Name = "scribbled"

	again := s.Snapshot()
	if again.Tasks[0].Title == "scribbled" || again.Members[0].Role == domain.RoleViewer || again.Project.Name == "scribbled" {
		t.Fatalf("snapshot shares state with its caller: %+v", again)
	}
	if again.Version != snap.Version {
		t.Fatalf("version moved without a change")
	}
}

func TestRemoteUpdateOlderThanHeldIsStale(t *testing.T) {
	s := loadedStore(t)
	p := domain.TaskPatch{ID: "a", Title: domain.Ref("newer")}
	if _, out := s.ApplyPatch(p, FromRemote, t0.Add(time.Minute)); out != Applied {
		t.Fatalf("expected applied, got %s", out)
	}
	old := domain.TaskPatch{ID: "a", Title: domain.Ref("older")}
	if _, out := s.ApplyPatch(old, FromRemote, t0.Add(time.Second)); out != Stale {
		t.Fatalf("expected stale, got %s", out)
	}
	if got := mustTask(t, s, "a").Title; got != "newer" {
		t.Fatalf("stale update leaked: %q", got)
	}
}

func TestRemoteApplyIsIdempotent(t *testing.T) {
	s := loadedStore(t)
	upd := task("a", domain.StatusInProgress, "V")
	upd.UpdatedAt = t0.Add(time.Minute)

	s.Insert(upd, FromRemote, upd.UpdatedAt)
	once := s.Snapshot()
	s.Insert(upd, FromRemote, upd.UpdatedAt)
	s.ApplyPatch(domain.FullPatch(upd), FromRemote, upd.UpdatedAt)
	twice := s.Snapshot()

	if !reflect.DeepEqual(once.Tasks, twice.Tasks) {
		t.Fatalf("state changed on duplicate apply:\n%+v\n%+v", once.Tasks, twice.Tasks)
	}
	if once.Version != twice.Version {
		t.Fatalf("duplicate apply bumped version %d -> %d", once.Version, twice.Version)
	}

	fresh := task("z", domain.StatusTodo, "x")
	s.Insert(fresh, FromRemote, t0)
	s.Insert(fresh, FromRemote, t0)
	if got := ids(s.Snapshot().Column(domain.StatusTodo)); !reflect.DeepEqual(got, []string{"b", "z"}) {
		t.Fatalf("unexpected todo column %v", got)
	}
}

func TestRemoteUpdateOfAbsentEntityIsIgnored(t *testing.T) {
	s := loadedStore(t)
	before := s.Snapshot().Version
	if _, out := s.ApplyPatch(domain.TaskPatch{ID: "ghost", Title: domain.Ref("x")}, FromRemote, t0); out != Ignored {
		t.Fatalf("expected ignored, got %s", out)
	}
	if _, out := s.RemoveEntity(domain.KindTask, "ghost", FromRemote); out != Ignored {
		t.Fatalf("expected ignored delete, got %s", out)
	}
	if s.Snapshot().Version != before {
		t.Fatalf("no-op changed the store")
	}
}

func TestRejectRestoresPreMoveValues(t *testing.T) {
	s := loadedStore(t)
	before := mustTask(t, s, "a")

	seq, out := s.ApplyPatch(domain.TaskPatch{ID: "a", Status: domain.Ref(domain.StatusDone), OrderKey: domain.Ref("W")}, Optimistic, time.Time{})
	if out != Applied || seq == 0 {
		t.Fatalf("optimistic apply failed: %d %s", seq, out)
	}
	if got := mustTask(t, s, "a"); got.Status != domain.StatusDone {
		t.Fatalf("optimistic move not visible")
	}
	if !s.Reject(seq) {
		t.Fatalf("reject returned false")
	}
	after := mustTask(t, s, "a")
	if after.Status != before.Status || after.OrderKey != before.OrderKey {
		t.Fatalf("rollback mismatch: before %s/%s after %s/%s", before.Status, before.OrderKey, after.Status, after.OrderKey)
	}
	if s.IsPending(seq) || s.Reject(seq) {
		t.Fatalf("mutation still pending after reject")
	}
}

func TestPendingFieldMasksOlderRemoteValue(t *testing.T) {
	s := loadedStore(t)
	seq, _ := s.ApplyPatch(domain.TaskPatch{ID: "a", Status: domain.Ref(domain.StatusInReview)}, Optimistic, time.Time{})

	remote := domain.TaskPatch{ID: "a", Title: domain.Ref("renamed"), Status: domain.Ref(domain.StatusInProgress)}
	if _, out := s.ApplyPatch(remote, FromRemote, t0.Add(time.Minute)); out != Applied {
		t.Fatalf("expected partial apply, got %s", out)
	}
	got := mustTask(t, s, "a")
	if got.Title != "renamed" {
		t.Fatalf("unmasked field not applied: %q", got.Title)
	}
	if got.Status != domain.StatusInReview {
		t.Fatalf("pending field was clobbered: %s", got.Status)
	}

	s.Reject(seq)
	if got := mustTask(t, s, "a"); got.Status != domain.StatusInProgress {
		t.Fatalf("rollback should restore latest server value, got %s", got.Status)
	}
}

func TestRemoteNewerThanPendingWins(t *testing.T) {
	s := loadedStore(t)
	seq, _ := s.ApplyPatch(domain.TaskPatch{ID: "a", Priority: domain.Ref(domain.PriorityHigh)}, Optimistic, time.Time{})

	if _, out := s.ApplyPatch(domain.TaskPatch{ID: "a", Priority: domain.Ref(domain.PriorityLow)}, FromRemote, t0.Add(2*time.Hour)); out != Applied {
		t.Fatalf("expected applied, got %s", out)
	}
	if got := mustTask(t, s, "a").Priority; got != domain.PriorityLow {
		t.Fatalf("newer remote value not shown: %s", got)
	}
	s.Reject(seq)
	if got := mustTask(t, s, "a").Priority; got != domain.PriorityLow {
		t.Fatalf("rollback lost newer remote value: %s", got)
	}
}

func TestConfirmHandsValueToNewerMutation(t *testing.T) {
	s := loadedStore(t)
	first, _ := s.ApplyPatch(domain.TaskPatch{ID: "a", Status: domain.Ref(domain.StatusInProgress)}, Optimistic, time.Time{})
	second, _ := s.ApplyPatch(domain.TaskPatch{ID: "a", Status: domain.Ref(domain.StatusInReview)}, Optimistic, time.Time{})

	confirmed := task("a", domain.StatusInProgress, "m")
	confirmed.UpdatedAt = t0.Add(time.Minute)
	if !s.Confirm(first, confirmed) {
		t.Fatalf("confirm returned false")
	}
	if got := mustTask(t, s, "a").Status; got != domain.StatusInReview {
		t.Fatalf("late confirm overwrote newer mutation: %s", got)
	}
	s.Reject(second)
	if got := mustTask(t, s, "a").Status; got != domain.StatusInProgress {
		t.Fatalf("expected confirmed value after reject, got %s", got)
	}
}

func TestOptimisticDeleteRollback(t *testing.T) {
	s := loadedStore(t)
	if !s.Select(domain.KindTask, "b") {
		t.Fatalf("select failed")
	}
	seq, out := s.RemoveEntity(domain.KindTask, "b", Optimistic)
	if out != Applied {
		t.Fatalf("expected applied, got %s", out)
	}
	snap := s.Snapshot()
	if _, ok := snap.Task("b"); ok {
		t.Fatalf("task still visible")
	}
	if snap.SelectedTask != "" {
		t.Fatalf("selection not cleared")
	}
	s.Reject(seq)
	if got := mustTask(t, s, "b"); got.OrderKey != "n" {
		t.Fatalf("unexpected restored task %+v", got)
	}
}

func TestRemoteDeleteDropsPendingMutations(t *testing.T) {
	s := loadedStore(t)
	seq, _ := s.ApplyPatch(domain.TaskPatch{ID: "a", Title: domain.Ref("x")}, Optimistic, time.Time{})
	if _, out := s.RemoveEntity(domain.KindTask, "a", FromRemote); out != Applied {
		t.Fatalf("expected applied, got %s", out)
	}
	if s.IsPending(seq) {
		t.Fatalf("pending mutation survived remote delete")
	}
	if len(s.Pending(domain.KindTask, "a")) != 0 {
		t.Fatalf("pending list not empty")
	}
	if s.Confirm(seq, nil) {
		t.Fatalf("confirm of dropped mutation should report false")
	}
}

func TestCollidingKeyIsRekeyed(t *testing.T) {
	s := loadedStore(t)
	s.Insert(task("x", domain.StatusTodo, "n"), FromRemote, t0)

	col := s.Snapshot().Column(domain.StatusTodo)
	if got := ids(col); !reflect.DeepEqual(got, []string{"a", "b", "x"}) {
		t.Fatalf("unexpected order %v", got)
	}
	seen := map[string]bool{}
	for _, tk := range col {
		if seen[tk.OrderKey] {
			t.Fatalf("duplicate key %q", tk.OrderKey)
		}
		seen[tk.OrderKey] = true
		if err := orderkey.Validate(tk.OrderKey); err != nil {
			t.Fatalf("invalid key %q: %v", tk.OrderKey, err)
		}
	}
}

func TestRoleOf(t *testing.T) {
	s := newTestStore(t)
	if got := s.RoleOf("u-dev", domain.RoleViewer); got != domain.RoleViewer {
		t.Fatalf("expected fallback before load, got %q", got)
	}
	b := fixture()
	b.Members = b.Members[1:]
	s.Load(b)

	cases := map[string]domain.Role{
		"u-owner":    domain.RoleOwner,
		"u-dev":      domain.RoleMember,
		"u-view":     domain.RoleViewer,
		"u-stranger": domain.RoleNone,
		"":           domain.RoleNone,
	}
	for user, want := range cases {
		if got := s.RoleOf(user, domain.RoleAdmin); got != want {
			t.Fatalf("RoleOf(%q) = %q, want %q", user, got, want)
		}
	}
}

func TestLoadKeepsPendingInsertAndDropsMissing(t *testing.T) {
	s := loadedStore(t)
	s.Insert(task("new", domain.StatusTodo, "z"), Optimistic, time.Time{})

	b := fixture()
	b.Tasks = b.Tasks[:1]
	s.Load(b)

	snap := s.Snapshot()
	if got := ids(snap.Tasks); !reflect.DeepEqual(got, []string{"a", "new"}) {
		t.Fatalf("unexpected tasks after reload %v", got)
	}
}

func TestFilterAndMetrics(t *testing.T) {
	s := loadedStore(t)
	s.ApplyPatch(domain.TaskPatch{ID: "b", AssigneeID: domain.Ref("u-dev"), Priority: domain.Ref(domain.PriorityHigh)}, FromRemote, t0.Add(time.Minute))
	snap := s.Snapshot()

	cases := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all", Filter{}, []string{"a", "b", "c"}},
		{"search", Filter{Search: "TASK B"}, []string{"b"}},
		{"priority", Filter{Priority: domain.PriorityHigh}, []string{"b"}},
		{"assignee", Filter{Assignee: "u-dev"}, []string{"b"}},
		{"unassigned", Filter{Assignee: Unassigned}, []string{"a", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ids(snap.Filter(tc.f)); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Filter(%+v) = %v, want %v", tc.f, got, tc.want)
			}
		})
	}

	m := snap.Metrics()
	if m.Total != 3 || m.Todo != 2 || m.Completed != 1 || m.CompletionRate() != 33 {
		t.Fatalf("unexpected metrics %+v rate %d", m, m.CompletionRate())
	}
}

func TestListenReceivesSnapshots(t *testing.T) {
	s := loadedStore(t)
	var got []uint64
	cancel := s.Listen(func(snap Snapshot) { got = append(got, snap.Version) })

	s.ApplyPatch(domain.TaskPatch{ID: "a", Title: domain.Ref("one")}, Optimistic, time.Time{})
	s.ApplyPatch(domain.TaskPatch{ID: "ghost", Title: domain.Ref("two")}, FromRemote, t0)
	cancel()
	s.ApplyPatch(domain.TaskPatch{ID: "a", Title: domain.Ref("three")}, Optimistic, time.Time{})

	if len(got) != 1 {
		t.Fatalf("expected one notification, got %v", got)
	}
}
