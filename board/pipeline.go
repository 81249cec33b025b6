package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/orderkey"
	"prism-board/permissions"
)

// ErrClosed is returned once a pipeline has been closed.
var ErrClosed = errors.New("board: pipeline closed")

// Remote is the backing store as seen by a board session. Every mutation
// carries an idempotency key so a retried call is applied at most once.
type Remote interface {
	FetchBoard(ctx context.Context, projectID string) (domain.Board, error)
	CreateTask(ctx context.Context, t domain.Task, key string) (domain.Task, error)
	UpdateTask(ctx context.Context, p domain.TaskPatch, key string) (domain.Task, error)
	DeleteTask(ctx context.Context, id, key string) error
	AddMember(ctx context.Context, m domain.Member, key string) (domain.Member, error)
	UpdateMember(ctx context.Context, p domain.MemberPatch, key string) (domain.Member, error)
	RemoveMember(ctx context.Context, id, key string) error
	UpdateProject(ctx context.Context, p domain.ProjectPatch, key string) (domain.Project, error)
}

// Identity is the user a pipeline mutates on behalf of. Role is only used
// until the board is loaded and the membership row is known.
type Identity struct {
	UserID string
	Role   domain.Role
}

// Notification is surfaced once for every mutation that was rolled back.
type Notification struct {
	Kind     domain.EntityKind
	EntityID string
	Seq      uint64
	Code     domain.Code
	Message  string
	Err      error
}

type Notifier func(Notification)

// Result is the settled outcome of a mutation.
type Result struct {
	Seq    uint64
	Status MutationStatus
	Err    error
}

// Handle tracks one submitted mutation.
type Handle struct {
	seq  uint64
	done chan struct{}
	res  Result
}

func newHandle(seq uint64) *Handle {
	return &Handle{seq: seq, done: make(chan struct{})}
}

func settledHandle(res Result) *Handle {
	h := newHandle(res.Seq)
	h.finish(res)
	return h
}

func (h *Handle) Seq() uint64 { return h.seq }

// Done is closed once the mutation settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the mutation settled or ctx is done. The returned error
// is Result.Err.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{Seq: h.seq, Status: StatusPending}, ctx.Err()
	case <-h.done:
		return h.res, h.res.Err
	}
}

func (h *Handle) finish(res Result) {
	h.res = res
	close(h.done)
}

type Config struct {
	Store    *Store
	Remote   Remote
	Identity Identity
	Retry    RetryPolicy
	// Strict panics on order key allocation failures instead of logging them.
	Strict    bool
	Notify    Notifier
	Logger    *log.Entry
	SessionID string
}

type remoteCall func(ctx context.Context, key string) (domain.Entity, error)

// Pipeline applies user mutations to the store ahead of the backing store
// and settles them once the remote call returns. Calls for the same entity
// are sent one at a time in submission order.
type Pipeline struct {
	store    *Store
	remote   Remote
	identity Identity
	retry    RetryPolicy
	strict   bool
	notify   Notifier
	logger   *log.Entry
	session  string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	lanes  map[entityKey]chan struct{}
}

func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	session := cfg.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	notify := cfg.Notify
	if notify == nil {
		notify = func(Notification) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:    cfg.Store,
		remote:   cfg.Remote,
		identity: cfg.Identity,
		retry:    cfg.Retry.withDefaults(),
		strict:   cfg.Strict,
		notify:   notify,
		logger:   logger.WithField("session", session),
		session:  session,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[entityKey]chan struct{}),
	}
}

// Close stops the pipeline. Remote calls still in flight are abandoned and
// their results never reach the store.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}

// Role resolves the current user's role from the board.
func (p *Pipeline) Role() domain.Role {
	return p.store.RoleOf(p.identity.UserID, p.identity.Role)
}

func (p *Pipeline) authorize(caps ...permissions.Capability) error {
	role := p.Role()
	set := permissions.Resolve(role)
	for _, c := range caps {
		if !set.Allows(c) {
			if role == domain.RoleNone {
				return domain.Errorf(domain.CodePermissionDenied, "not a member of this project")
			}
			return domain.Errorf(domain.CodePermissionDenied, "role %s may not %s", role, strings.ReplaceAll(string(c), "_", " "))
		}
	}
	return nil
}

// MoveTask moves a task to position index of the status column. The index
// counts the column without the task itself and is clamped to its bounds.
func (p *Pipeline) MoveTask(taskID string, status domain.Status, index int) (*Handle, error) {
	recheck := func() error { return p.authorize(permissions.EditTasks) }
	if err := recheck(); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, domain.Errorf(domain.CodeValidation, "unknown status %q", status)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	snap := p.store.Snapshot()
	t, ok := snap.Task(taskID)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "task %s is not on the board", taskID)
	}
	var col []domain.Task
	current := -1
	for _, o := range snap.Column(status) {
		if o.ID == taskID {
			current = len(col)
			continue
		}
		col = append(col, o)
	}
	if index < 0 {
		index = 0
	}
	if index > len(col) {
		index = len(col)
	}
	if t.Status == status && index == current {
		return settledHandle(Result{Status: StatusConfirmed}), nil
	}

	var before, after string
	if index > 0 {
		before = col[index-1].OrderKey
	}
	if index < len(col) {
		after = col[index].OrderKey
	}
	key, err := orderkey.Between(before, after)
	if err != nil {
		return nil, p.invalid(err, taskID)
	}

	patch := domain.TaskPatch{ID: taskID, Status: &status, OrderKey: &key}
	return p.update(patch, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return p.remote.UpdateTask(ctx, patch, k)
	})
}

// CreateTask adds a task at the end of its column. Missing ids, status and
// priority are filled in.
func (p *Pipeline) CreateTask(t domain.Task) (*Handle, error) {
	caps := []permissions.Capability{permissions.CreateTasks}
	if t.AssigneeID != "" {
		caps = append(caps, permissions.AssignTasks)
	}
	recheck := func() error { return p.authorize(caps...) }
	if err := recheck(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.ProjectID = p.store.ProjectID()
	t.CreatorID = p.identity.UserID
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.OrderKey == "" {
		key, err := p.endOf(t.Status, t.ID)
		if err != nil {
			return nil, p.invalid(err, t.ID)
		}
		t.OrderKey = key
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	seq, out := p.store.Insert(t, Optimistic, time.Time{})
	if out != Applied {
		return nil, domain.Errorf(domain.CodeConflict, "task %s already exists", t.ID)
	}
	return p.submit(keyOf(domain.KindTask, t.ID), seq, opInsert, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return p.remote.CreateTask(ctx, t, k)
	}), nil
}

// UpdateTask changes task attributes. A status change without an explicit
// order key puts the task at the end of its new column.
func (p *Pipeline) UpdateTask(patch domain.TaskPatch) (*Handle, error) {
	f := patch.Fields()
	var caps []permissions.Capability
	if f&^domain.FieldAssignee != 0 {
		caps = append(caps, permissions.EditTasks)
	}
	if f.Has(domain.FieldAssignee) {
		caps = append(caps, permissions.AssignTasks)
	}
	recheck := func() error { return p.authorize(caps...) }
	if err := recheck(); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	t, ok := p.store.Snapshot().Task(patch.ID)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "task %s is not on the board", patch.ID)
	}
	if patch.Status != nil && *patch.Status != t.Status && patch.OrderKey == nil {
		key, err := p.endOf(*patch.Status, t.ID)
		if err != nil {
			return nil, p.invalid(err, t.ID)
		}
		patch.OrderKey = &key
	}
	return p.update(patch, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return p.remote.UpdateTask(ctx, patch, k)
	})
}

func (p *Pipeline) DeleteTask(taskID string) (*Handle, error) {
	recheck := func() error { return p.authorize(permissions.DeleteTasks) }
	if err := recheck(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.remove(domain.KindTask, taskID, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return nil, p.remote.DeleteTask(ctx, taskID, k)
	})
}

// AddMember grants userID a role in the project.
func (p *Pipeline) AddMember(userID string, role domain.Role) (*Handle, error) {
	if !role.Valid() {
		return nil, domain.Errorf(domain.CodeValidation, "unknown role %q", role)
	}
	recheck := func() error {
		if actor := p.Role(); !permissions.CanManageMember(actor, false, domain.RoleNone, role) {
			return domain.Errorf(domain.CodePermissionDenied, "role %s may not add %s members", actor, role)
		}
		return nil
	}
	if err := recheck(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if _, ok := p.store.Snapshot().MemberByUser(userID); ok {
		return nil, domain.Errorf(domain.CodeConflict, "user %s is already a member", userID)
	}

	m := domain.Member{
		ID:        uuid.NewString(),
		ProjectID: p.store.ProjectID(),
		UserID:    userID,
		Role:      role,
		JoinedAt:  time.Now().UTC(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	seq, out := p.store.Insert(m, Optimistic, time.Time{})
	if out != Applied {
		return nil, domain.Errorf(domain.CodeConflict, "member %s already exists", m.ID)
	}
	return p.submit(keyOf(domain.KindMember, m.ID), seq, opInsert, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return p.remote.AddMember(ctx, m, k)
	}), nil
}

// ChangeMemberRole changes a membership's role. It fails with ErrLastAdmin,
// leaving the board untouched, when no OWNER or ADMIN would remain.
func (p *Pipeline) ChangeMemberRole(memberID string, role domain.Role) (*Handle, error) {
	if !role.Valid() {
		return nil, domain.Errorf(domain.CodeValidation, "unknown role %q", role)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	target, ok := p.store.Snapshot().Member(memberID)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "member %s is not on the board", memberID)
	}
	recheck := p.memberCheck(target, role)
	if err := recheck(); err != nil {
		return nil, err
	}
	patch := domain.MemberPatch{ID: memberID, Role: &role}
	return p.update(patch, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return p.remote.UpdateMember(ctx, patch, k)
	})
}

// RemoveMember deletes a membership under the same rules as
// ChangeMemberRole.
func (p *Pipeline) RemoveMember(memberID string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	target, ok := p.store.Snapshot().Member(memberID)
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, "member %s is not on the board", memberID)
	}
	recheck := p.memberCheck(target, domain.RoleNone)
	if err := recheck(); err != nil {
		return nil, err
	}
	return p.remove(domain.KindMember, memberID, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return nil, p.remote.RemoveMember(ctx, memberID, k)
	})
}

func (p *Pipeline) UpdateProject(patch domain.ProjectPatch) (*Handle, error) {
	recheck := func() error { return p.authorize(permissions.EditProject) }
	if err := recheck(); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	patch.ID = p.store.ProjectID()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.update(patch, recheck, func(ctx context.Context, k string) (domain.Entity, error) {
		return p.remote.UpdateProject(ctx, patch, k)
	})
}

// memberCheck returns the guard for moving target to newRole, where RoleNone
// means removal. target is the membership as it stood before the change, so
// the guard gives the same answer once the change is applied optimistically.
func (p *Pipeline) memberCheck(target domain.Member, newRole domain.Role) func() error {
	self := target.UserID == p.identity.UserID
	return func() error {
		actor := p.Role()
		if self && actor != domain.RoleOwner {
			actor = target.Role
		}
		if !permissions.CanManageMember(actor, self, target.Role, newRole) {
			return domain.Errorf(domain.CodePermissionDenied, "role %s may not change a %s membership", actor, target.Role)
		}
		if !permissions.KeepsAdmin(p.store.Snapshot().Members, target.ID, newRole) {
			return domain.ErrLastAdmin
		}
		return nil
	}
}

// endOf returns a key after the last task of a column, ignoring skip.
func (p *Pipeline) endOf(status domain.Status, skip string) (string, error) {
	last := ""
	for _, t := range p.store.Snapshot().Column(status) {
		if t.ID != skip {
			last = t.OrderKey
		}
	}
	return orderkey.Between(last, "")
}

// invalid reports an order key allocation failure. These are programming
// errors: fatal in strict mode, logged otherwise.
func (p *Pipeline) invalid(err error, id string) error {
	verr := domain.Wrap(domain.CodeValidation, err, "order key allocation failed")
	if p.strict {
		panic(verr)
	}
	p.logger.WithError(err).WithField("id", id).Error("dropping mutation")
	return verr
}

// update applies patch optimistically and queues its remote call. p.mu must
// be held.
func (p *Pipeline) update(patch domain.Patch, recheck func() error, call remoteCall) (*Handle, error) {
	seq, out := p.store.ApplyPatch(patch, Optimistic, time.Time{})
	if out != Applied {
		return nil, domain.Errorf(domain.CodeNotFound, "%s %s is not on the board", patch.Kind(), patch.EntityID())
	}
	return p.submit(keyOf(patch.Kind(), patch.EntityID()), seq, opUpdate, recheck, call), nil
}

// remove deletes an entity optimistically and queues its remote call. p.mu
// must be held.
func (p *Pipeline) remove(kind domain.EntityKind, id string, recheck func() error, call remoteCall) (*Handle, error) {
	seq, out := p.store.RemoveEntity(kind, id, Optimistic)
	if out != Applied {
		return nil, domain.Errorf(domain.CodeNotFound, "%s %s is not on the board", kind, id)
	}
	return p.submit(keyOf(kind, id), seq, opDelete, recheck, call), nil
}

// submit queues call behind earlier calls for the same entity. p.mu must be
// held.
func (p *Pipeline) submit(k entityKey, seq uint64, op mutationOp, recheck func() error, call remoteCall) *Handle {
	h := newHandle(seq)
	prev := p.lanes[k]
	next := make(chan struct{})
	p.lanes[k] = next
	go p.dispatch(h, k, op, prev, next, recheck, call)
	return h
}

func (p *Pipeline) dispatch(h *Handle, k entityKey, op mutationOp, prev, next chan struct{}, recheck func() error, call remoteCall) {
	defer func() {
		p.mu.Lock()
		if p.lanes[k] == next {
			delete(p.lanes, k)
		}
		p.mu.Unlock()
		close(next)
	}()
	if prev != nil {
		select {
		case <-prev:
		case <-p.ctx.Done():
		}
	}

	logger := p.logger.WithFields(log.Fields{"seq": h.seq, "kind": k.kind, "id": k.id, "op": op})
	switch {
	case p.ctx.Err() != nil:
		h.finish(Result{Seq: h.seq, Status: StatusPending, Err: ErrClosed})
		return
	case !p.store.IsPending(h.seq):
		// Dropped by a remote delete while waiting.
		h.finish(Result{Seq: h.seq, Status: StatusRejected, Err: domain.ErrNotFound})
		return
	case p.store.Superseded(h.seq):
		if p.settle(func() { p.store.Reject(h.seq) }) {
			logger.Debug("mutation superseded")
			h.finish(Result{Seq: h.seq, Status: StatusSuperseded})
		} else {
			h.finish(Result{Seq: h.seq, Status: StatusPending, Err: ErrClosed})
		}
		return
	}
	if err := recheck(); err != nil {
		p.complete(h, k, op, nil, err, logger)
		return
	}

	key := fmt.Sprintf("%s-%d", p.session, h.seq)
	var ent domain.Entity
	err := p.retry.do(p.ctx, func(ctx context.Context) error {
		var err error
		ent, err = call(ctx, key)
		if err != nil && domain.Retryable(err) {
			logger.WithError(err).Warn("remote call failed")
		}
		return err
	})
	p.complete(h, k, op, ent, err, logger)
}

// settle runs fn against the store unless the pipeline is closed.
func (p *Pipeline) settle(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	fn()
	return true
}

func (p *Pipeline) complete(h *Handle, k entityKey, op mutationOp, ent domain.Entity, err error, logger *log.Entry) {
	res := Result{Seq: h.seq, Err: err}
	surface := false
	ok := p.settle(func() {
		switch {
		case err == nil:
			p.store.Confirm(h.seq, ent)
			res.Status = StatusConfirmed
		case domain.CodeOf(err) == domain.CodeNotFound && op == opDelete:
			p.store.Confirm(h.seq, nil)
			res.Status, res.Err = StatusConfirmed, nil
		case domain.CodeOf(err) == domain.CodeNotFound:
			p.store.RemoveEntity(k.kind, k.id, FromRemote)
			res.Status = StatusRejected
		default:
			p.store.Reject(h.seq)
			res.Status = StatusRejected
			surface = true
		}
	})
	if !ok {
		h.finish(Result{Seq: h.seq, Status: StatusPending, Err: ErrClosed})
		return
	}
	if surface {
		logger.WithError(err).Warn("mutation rolled back")
		p.notify(Notification{
			Kind:     k.kind,
			EntityID: k.id,
			Seq:      h.seq,
			Code:     domain.CodeOf(err),
			Message:  domain.MessageOf(err),
			Err:      err,
		})
	}
	h.finish(res)
}
