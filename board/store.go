package board

import (
	"reflect"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/orderkey"
)

// Outcome reports what a store entry point did with a change.
type Outcome int

const (
	// Applied means the change is reflected in the store.
	Applied Outcome = iota
	// Ignored means there was nothing to apply it to.
	Ignored
	// Stale means a newer remote version is already held.
	Stale
	// Deferred means every field it touched is held by a newer local
	// mutation; the value is kept for rollback only.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Stale:
		return "stale"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

type record struct {
	entity domain.Entity
	// remoteAt is the timestamp of the newest remote version applied.
	remoteAt time.Time
}

// Store holds the tasks, members and project of one open board. Every writer
// goes through ApplyPatch, Insert and RemoveEntity so conflict resolution
// against pending local mutations happens in one place.
//
// Listeners run after the store lock is released but must not call back into
// a Pipeline synchronously.
type Store struct {
	projectID string
	logger    *log.Entry
	now       func() time.Time

	mu        sync.Mutex
	loaded    bool
	project   *record
	tasks     map[string]*record
	members   map[string]*record
	pending   map[entityKey][]*PendingMutation
	bySeq     map[uint64]*PendingMutation
	seq       uint64
	selection map[domain.EntityKind]string
	version   uint64
	snap      *Snapshot
	listeners map[int]func(Snapshot)
	nextID    int
}

// NewStore creates an empty store for projectID.
func NewStore(projectID string, logger *log.Entry) *Store {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Store{
		projectID: projectID,
		logger:    logger.WithField("project", projectID),
		now:       time.Now,
		tasks:     make(map[string]*record),
		members:   make(map[string]*record),
		pending:   make(map[entityKey][]*PendingMutation),
		bySeq:     make(map[uint64]*PendingMutation),
		selection: make(map[domain.EntityKind]string),
		listeners: make(map[int]func(Snapshot)),
	}
}

func (s *Store) ProjectID() string { return s.projectID }

// ApplyPatch merges p into the matching entity. Optimistic patches are
// stamped with the store clock and tracked as a pending mutation whose
// sequence number is returned. Remote patches carry the event timestamp at:
// they are dropped when older than the newest remote version held, and
// fields controlled by a pending mutation applied after at are deferred.
func (s *Store) ApplyPatch(p domain.Patch, origin Origin, at time.Time) (uint64, Outcome) {
	s.mu.Lock()
	prev := s.version
	var (
		seq uint64
		out Outcome
	)
	if origin == Optimistic {
		seq, out = s.applyOptimistic(p)
	} else {
		out = s.applyRemote(p, nil, at)
	}
	s.unlock(prev)
	return seq, out
}

// Insert adds e. A remote insert of an entity already held is applied as an
// update of the whole row.
func (s *Store) Insert(e domain.Entity, origin Origin, at time.Time) (uint64, Outcome) {
	s.mu.Lock()
	prev := s.version
	var (
		seq uint64
		out Outcome
	)
	switch {
	case e.OwningProject() != s.projectID:
		out = Ignored
	case origin == Optimistic:
		if s.lookup(e.Kind(), e.EntityID()) != nil {
			out = Ignored
			break
		}
		m := s.track(e.Kind(), e.EntityID(), opInsert)
		rec := &record{entity: e}
		s.put(rec)
		s.settle(rec)
		s.touch()
		seq, out = m.Seq, Applied
	default:
		out = s.upsertRemote(e, at)
	}
	s.unlock(prev)
	return seq, out
}

// ApplyRow applies a whole remote row as an update. Unlike Insert it never
// adds an entity that is not already held.
func (s *Store) ApplyRow(e domain.Entity, at time.Time) Outcome {
	s.mu.Lock()
	prev := s.version
	out := Ignored
	k := keyOf(e.Kind(), e.EntityID())
	if e.OwningProject() == s.projectID && (s.lookup(k.kind, k.id) != nil || s.tombstone(k) != nil) {
		out = s.applyRemote(domain.FullPatch(e), e, at)
	}
	s.unlock(prev)
	return out
}

// RemoveEntity deletes an entity and clears any selection pointing at it.
// An optimistic removal is tracked so it can be rolled back. A remote
// removal also drops every pending mutation for the entity.
func (s *Store) RemoveEntity(kind domain.EntityKind, id string, origin Origin) (uint64, Outcome) {
	s.mu.Lock()
	prev := s.version
	var (
		seq uint64
		out Outcome
	)
	if origin == Optimistic {
		if rec := s.lookup(kind, id); rec != nil {
			m := s.track(kind, id, opDelete)
			m.removed, m.removedAt = rec.entity, rec.remoteAt
			s.drop(kind, id)
			s.touch()
			seq, out = m.Seq, Applied
		} else {
			out = Ignored
		}
	} else {
		out = s.removeRemote(kind, id)
	}
	s.unlock(prev)
	return seq, out
}

// Load replaces the store contents with a fresh snapshot while keeping
// pending local mutations visible on top of it.
func (s *Store) Load(b domain.Board) {
	s.mu.Lock()
	prev := s.version

	if b.Project.ID == s.projectID {
		s.upsertRemote(b.Project, b.Project.Stamp())
	}

	seen := make(map[entityKey]struct{}, len(b.Tasks)+len(b.Members))
	for _, t := range b.Tasks {
		if t.ProjectID != s.projectID {
			continue
		}
		seen[keyOf(domain.KindTask, t.ID)] = struct{}{}
		s.upsertRemote(t, t.Stamp())
	}
	for _, m := range b.Members {
		if m.ProjectID != s.projectID {
			continue
		}
		seen[keyOf(domain.KindMember, m.ID)] = struct{}{}
		s.upsertRemote(m, m.Stamp())
	}

	var gone []entityKey
	for id := range s.tasks {
		gone = append(gone, keyOf(domain.KindTask, id))
	}
	for id := range s.members {
		gone = append(gone, keyOf(domain.KindMember, id))
	}
	for _, k := range gone {
		if _, ok := seen[k]; ok || s.pendingInsert(k) {
			continue
		}
		s.removeRemote(k.kind, k.id)
	}
	for k, list := range s.pending {
		if _, ok := seen[k]; ok || k.kind == domain.KindProject {
			continue
		}
		for _, m := range list {
			if m.op == opDelete {
				m.removed = nil
			}
		}
	}

	s.loaded = true
	s.settleAll()
	s.touch()
	s.unlock(prev)
}

// Confirm settles a pending mutation as accepted by the backing store. ent is
// the row the store returned, if any. Fields held by newer local mutations
// keep their optimistic values. It returns false when seq is no longer
// pending.
func (s *Store) Confirm(seq uint64, ent domain.Entity) bool {
	s.mu.Lock()
	prev := s.version
	defer s.unlock(prev)

	m := s.bySeq[seq]
	if m == nil {
		return false
	}
	k := keyOf(m.Kind, m.EntityID)
	later := s.after(k, m)
	s.untrack(m)
	m.Status = StatusConfirmed
	s.touch()

	if m.op == opDelete {
		return true
	}
	for _, f := range fieldList(m.Fields()) {
		if n := firstControlling(later, f); n != nil {
			n.base = n.base.Overlay(m.Patch.Only(f))
		}
	}

	rec := s.lookup(k.kind, k.id)
	if rec == nil || isNil(ent) || ent.Stamp().Before(rec.remoteAt) {
		return true
	}
	rec.remoteAt = ent.Stamp()
	var held domain.Fields
	for _, n := range later {
		held |= n.Fields()
	}
	s.replace(rec, applyTo(ent, rec.entity.Capture(held)))
	return true
}

// Reject settles a pending mutation as refused and rolls its fields back to
// the last server values. Fields a newer local mutation already overrides
// stay as they are. It returns false when seq is no longer pending.
func (s *Store) Reject(seq uint64) bool {
	s.mu.Lock()
	prev := s.version
	defer s.unlock(prev)

	m := s.bySeq[seq]
	if m == nil {
		return false
	}
	k := keyOf(m.Kind, m.EntityID)
	later := s.after(k, m)
	s.untrack(m)
	m.Status = StatusRejected
	s.touch()

	switch m.op {
	case opUpdate:
		rec := s.lookup(k.kind, k.id)
		if rec == nil {
			return true
		}
		var restore domain.Fields
		for _, f := range fieldList(m.Fields()) {
			if n := firstControlling(later, f); n != nil {
				n.base = n.base.Overlay(m.base.Only(f))
				continue
			}
			restore |= f
		}
		if restore != 0 {
			rec.entity = applyTo(rec.entity, m.base.Only(restore))
			s.settle(rec)
		}
	case opInsert:
		s.removeRemote(k.kind, k.id)
	case opDelete:
		if m.removed != nil && s.lookup(k.kind, k.id) == nil {
			rec := &record{entity: m.removed, remoteAt: m.removedAt}
			s.put(rec)
			s.settle(rec)
		}
	}
	s.logger.WithFields(log.Fields{"seq": m.Seq, "kind": m.Kind, "id": m.EntityID, "op": m.op}).Debug("rolled back mutation")
	return true
}

// IsPending reports whether seq is still awaiting settlement.
func (s *Store) IsPending(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bySeq[seq]
	return ok
}

// Superseded reports whether every field of update seq is controlled by a
// newer pending mutation, so sending it would change nothing.
func (s *Store) Superseded(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.bySeq[seq]
	if m == nil || m.op != opUpdate {
		return false
	}
	var held domain.Fields
	for _, n := range s.after(keyOf(m.Kind, m.EntityID), m) {
		held |= n.Fields()
	}
	return held.Has(m.Fields())
}

// Pending returns copies of the unsettled mutations for an entity, oldest
// first.
func (s *Store) Pending(kind domain.EntityKind, id string) []PendingMutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[keyOf(kind, id)]
	out := make([]PendingMutation, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// RoleOf resolves userID's role from the board. The project creator is
// always OWNER. Until the first load, fallback is used for users without a
// membership row.
func (s *Store) RoleOf(userID string, fallback domain.Role) domain.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == "" {
		return domain.RoleNone
	}
	if s.project != nil {
		if p, ok := s.project.entity.(domain.Project); ok && p.CreatorID == userID {
			return domain.RoleOwner
		}
	}
	for _, r := range s.members {
		if m := r.entity.(domain.Member); m.UserID == userID {
			return m.Role
		}
	}
	if !s.loaded {
		return fallback
	}
	return domain.RoleNone
}

// Select marks an entity as the one open for editing.
func (s *Store) Select(kind domain.EntityKind, id string) bool {
	s.mu.Lock()
	prev := s.version
	defer s.unlock(prev)
	if s.lookup(kind, id) == nil {
		return false
	}
	if s.selection[kind] != id {
		s.selection[kind] = id
		s.touch()
	}
	return true
}

func (s *Store) ClearSelection(kind domain.EntityKind) {
	s.mu.Lock()
	prev := s.version
	defer s.unlock(prev)
	if _, ok := s.selection[kind]; ok {
		delete(s.selection, kind)
		s.touch()
	}
}

// Listen registers fn to receive a snapshot after every change.
func (s *Store) Listen(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) applyOptimistic(p domain.Patch) (uint64, Outcome) {
	rec := s.lookup(p.Kind(), p.EntityID())
	if rec == nil || p.Fields() == 0 {
		return 0, Ignored
	}
	m := s.track(p.Kind(), p.EntityID(), opUpdate)
	m.Patch = p
	m.base = rec.entity.Capture(p.Fields())
	rec.entity = applyTo(rec.entity, p)
	s.settle(rec)
	s.touch()
	return m.Seq, Applied
}

// applyRemote folds a remote change into the held entity. full is the whole
// row when the change came with one; p is then FullPatch(full).
func (s *Store) applyRemote(p domain.Patch, full domain.Entity, at time.Time) Outcome {
	k := keyOf(p.Kind(), p.EntityID())
	rec := s.lookup(k.kind, k.id)
	if rec == nil {
		if m := s.tombstone(k); m != nil && m.removed != nil && !at.Before(m.removedAt) {
			if full != nil {
				m.removed = full
			} else {
				m.removed = applyTo(m.removed, p)
			}
			m.removedAt = at
			return Deferred
		}
		return Ignored
	}
	if at.Before(rec.remoteAt) {
		return Stale
	}
	rec.remoteAt = at

	visible := s.reconcileFields(k, p, at)
	if full != nil {
		s.replace(rec, applyTo(full, rec.entity.Capture(p.Fields()&^visible)))
	} else if visible != 0 {
		s.replace(rec, applyTo(rec.entity, p.Only(visible)))
	}
	if visible == 0 && p.Fields() != 0 {
		return Deferred
	}
	return Applied
}

// reconcileFields decides, field by field, whether a remote value may be
// shown. A field stays hidden while a pending mutation applied after at
// controls it. Either way the remote value becomes the rollback target.
func (s *Store) reconcileFields(k entityKey, p domain.Patch, at time.Time) domain.Fields {
	pend := s.pending[k]
	var visible domain.Fields
	for _, f := range fieldList(p.Fields()) {
		var ctl []*PendingMutation
		for _, m := range pend {
			if m.Fields().Has(f) {
				ctl = append(ctl, m)
			}
		}
		if len(ctl) == 0 {
			visible |= f
			continue
		}
		val := p.Only(f)
		if ctl[len(ctl)-1].AppliedAt.After(at) {
			ctl[0].base = ctl[0].base.Overlay(val)
			continue
		}
		for _, m := range ctl {
			m.base = m.base.Overlay(val)
		}
		visible |= f
	}
	return visible
}

func (s *Store) upsertRemote(e domain.Entity, at time.Time) Outcome {
	if s.lookup(e.Kind(), e.EntityID()) != nil || s.tombstone(keyOf(e.Kind(), e.EntityID())) != nil {
		return s.applyRemote(domain.FullPatch(e), e, at)
	}
	rec := &record{entity: e, remoteAt: at}
	s.put(rec)
	s.settle(rec)
	s.touch()
	return Applied
}

func (s *Store) removeRemote(kind domain.EntityKind, id string) Outcome {
	k := keyOf(kind, id)
	list := s.pending[k]
	if s.lookup(kind, id) == nil && len(list) == 0 {
		return Ignored
	}
	for _, m := range append([]*PendingMutation(nil), list...) {
		s.untrack(m)
		m.Status = StatusRejected
	}
	s.drop(kind, id)
	s.touch()
	return Applied
}

func (s *Store) replace(rec *record, e domain.Entity) {
	if reflect.DeepEqual(rec.entity, e) {
		return
	}
	rec.entity = e
	s.settle(rec)
	s.touch()
}

func (s *Store) lookup(kind domain.EntityKind, id string) *record {
	switch kind {
	case domain.KindTask:
		return s.tasks[id]
	case domain.KindMember:
		return s.members[id]
	case domain.KindProject:
		if s.project != nil && s.project.entity.EntityID() == id {
			return s.project
		}
	}
	return nil
}

func (s *Store) put(rec *record) {
	switch rec.entity.Kind() {
	case domain.KindTask:
		s.tasks[rec.entity.EntityID()] = rec
	case domain.KindMember:
		s.members[rec.entity.EntityID()] = rec
	case domain.KindProject:
		s.project = rec
	}
}

func (s *Store) drop(kind domain.EntityKind, id string) {
	switch kind {
	case domain.KindTask:
		delete(s.tasks, id)
	case domain.KindMember:
		delete(s.members, id)
	case domain.KindProject:
		if s.project != nil && s.project.entity.EntityID() == id {
			s.project = nil
		}
	}
	if s.selection[kind] == id {
		delete(s.selection, kind)
	}
}

func (s *Store) track(kind domain.EntityKind, id string, op mutationOp) *PendingMutation {
	s.seq++
	m := &PendingMutation{
		Seq:       s.seq,
		Kind:      kind,
		EntityID:  id,
		AppliedAt: s.now(),
		Status:    StatusPending,
		op:        op,
	}
	k := keyOf(kind, id)
	s.pending[k] = append(s.pending[k], m)
	s.bySeq[m.Seq] = m
	return m
}

func (s *Store) untrack(m *PendingMutation) {
	delete(s.bySeq, m.Seq)
	k := keyOf(m.Kind, m.EntityID)
	list := s.pending[k]
	for i, p := range list {
		if p == m {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.pending, k)
		return
	}
	s.pending[k] = list
}

// after returns the pending mutations for k newer than m.
func (s *Store) after(k entityKey, m *PendingMutation) []*PendingMutation {
	list := s.pending[k]
	for i, p := range list {
		if p == m {
			return append([]*PendingMutation(nil), list[i+1:]...)
		}
	}
	return nil
}

func (s *Store) tombstone(k entityKey) *PendingMutation {
	list := s.pending[k]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].op == opDelete {
			return list[i]
		}
	}
	return nil
}

func (s *Store) pendingInsert(k entityKey) bool {
	for _, m := range s.pending[k] {
		if m.op == opInsert {
			return true
		}
	}
	return false
}

// settle re-keys a task whose order key collides with another task in the
// same column. The task with the smaller id keeps the key so every client
// converges on the same order.
func (s *Store) settle(rec *record) {
	t, ok := rec.entity.(domain.Task)
	if !ok {
		return
	}
	for _, other := range s.tasks {
		o := other.entity.(domain.Task)
		if o.ID == t.ID || o.ProjectID != t.ProjectID || o.Status != t.Status || o.OrderKey != t.OrderKey {
			continue
		}
		loser, winner := other, rec
		if t.ID > o.ID {
			loser, winner = rec, other
		}
		s.rekey(loser, winner)
		return
	}
}

func (s *Store) settleAll() {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if rec, ok := s.tasks[id]; ok {
			s.settle(rec)
		}
	}
}

func (s *Store) rekey(loser, winner *record) {
	lt := loser.entity.(domain.Task)
	wt := winner.entity.(domain.Task)
	next := ""
	for _, r := range s.tasks {
		o := r.entity.(domain.Task)
		if o.ID == lt.ID || o.ProjectID != wt.ProjectID || o.Status != wt.Status {
			continue
		}
		if o.OrderKey > wt.OrderKey && (next == "" || o.OrderKey < next) {
			next = o.OrderKey
		}
	}
	key, err := orderkey.Between(wt.OrderKey, next)
	if err != nil {
		s.logger.WithError(err).WithField("task", lt.ID).Warn("cannot re-key colliding task")
		return
	}
	s.logger.WithFields(log.Fields{"task": lt.ID, "key": key, "collided_with": wt.ID}).Debug("re-keyed colliding task")
	lt.OrderKey = key
	loser.entity = lt
}

func (s *Store) touch() {
	s.version++
	s.snap = nil
}

// unlock releases the store and, when the version moved past prev, hands a
// fresh snapshot to the listeners.
func (s *Store) unlock(prev uint64) {
	if s.version == prev || len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap.clone())
	}
}

func applyTo(e domain.Entity, p domain.Patch) domain.Entity {
	switch v := e.(type) {
	case domain.Task:
		if tp, ok := p.(domain.TaskPatch); ok {
			v.Apply(tp)
		}
		return v
	case domain.Member:
		if mp, ok := p.(domain.MemberPatch); ok {
			v.Apply(mp)
		}
		return v
	case domain.Project:
		if pp, ok := p.(domain.ProjectPatch); ok {
			v.Apply(pp)
		}
		return v
	}
	return e
}

func fieldList(f domain.Fields) []domain.Fields {
	var out []domain.Fields
	for bit := domain.Fields(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}

func firstControlling(list []*PendingMutation, f domain.Fields) *PendingMutation {
	for _, m := range list {
		if m.Fields().Has(f) {
			return m
		}
	}
	return nil
}

func isNil(e domain.Entity) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
