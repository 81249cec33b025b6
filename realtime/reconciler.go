package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"prism-board/board"
	"prism-board/domain"
)

// Fetcher loads the authoritative board.
type Fetcher interface {
	FetchBoard(ctx context.Context, projectID string) (domain.Board, error)
}

// StateFunc observes subscription state changes.
type StateFunc func(c domain.Collection, s State)

// Reconciler routes change events into a store. Whenever a feed fails, all
// feeds of the board are torn down and rebuilt around a full fetch.
type Reconciler struct {
	store   *board.Store
	source  Source
	fetcher Fetcher
	limiter *rate.Limiter
	logger  *log.Entry

	mu       sync.Mutex
	states   map[domain.Collection]State
	watchers map[int]StateFunc
	nextID   int
	closed   bool
	cancel   context.CancelFunc
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithResyncInterval limits full resyncs to one per interval.
func WithResyncInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		r.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

func WithLogger(l *log.Entry) Option {
	return func(r *Reconciler) { r.logger = l }
}

func NewReconciler(store *board.Store, source Source, fetcher Fetcher, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		source:   source,
		fetcher:  fetcher,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		logger:   log.NewEntry(log.StandardLogger()),
		states:   make(map[domain.Collection]State),
		watchers: make(map[int]StateFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("project", store.ProjectID())
	return r
}

// Run keeps the store synchronised until ctx is done or Close is called.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return board.ErrClosed
	}
	r.cancel = cancel
	r.mu.Unlock()
	defer r.setAll(StateClosed)

	state := StateSubscribing
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		r.setAll(state)
		err := r.sync(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.WithError(err).Warn("realtime feed failed, resyncing")
		r.setAll(StateError)
		state = StateResubscribing
	}
}

// sync subscribes to every collection, loads a fresh board and applies
// events until a feed fails. Subscribing first leaves no gap between the
// fetch and the first event.
func (r *Reconciler) sync(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type tagged struct {
		c domain.Collection
		d Delivery
	}
	merged := make(chan tagged)
	var subs []Subscription
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	projectID := r.store.ProjectID()
	for _, c := range Collections {
		sub, err := r.source.Subscribe(ctx, Filter{ProjectID: projectID, Collection: c})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", c, err)
		}
		subs = append(subs, sub)
		go func(c domain.Collection, ch <-chan Delivery) {
			for {
				var d Delivery
				select {
				case <-ctx.Done():
					return
				case got, ok := <-ch:
					d = got
					if !ok {
						d = Delivery{Err: ErrStreamClosed}
					}
				}
				select {
				case merged <- tagged{c: c, d: d}:
				case <-ctx.Done():
					return
				}
				if d.Err != nil {
					return
				}
			}
		}(c, sub.C())
	}

	b, err := r.fetcher.FetchBoard(ctx, projectID)
	if err != nil {
		return fmt.Errorf("fetch board: %w", err)
	}
	r.store.Load(b)
	r.setAll(StateActive)
	r.logger.Debug("board synchronised")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-merged:
			if m.d.Err != nil {
				return fmt.Errorf("%s feed: %w", m.c, m.d.Err)
			}
			r.Apply(m.d.Event)
		}
	}
}

// Apply routes a single event into the store. Duplicate, foreign and
// malformed events are skipped without error.
func (r *Reconciler) Apply(ev domain.ChangeEvent) board.Outcome {
	if err := ev.Validate(); err != nil {
		r.logger.WithError(err).Debug("skipping malformed event")
		return board.Ignored
	}
	if pid := ev.ProjectID(); pid != "" && pid != r.store.ProjectID() {
		return board.Ignored
	}
	var out board.Outcome
	switch ev.Type {
	case domain.EventInsert:
		_, out = r.store.Insert(ev.New, board.FromRemote, ev.Timestamp())
	case domain.EventUpdate:
		out = r.store.ApplyRow(ev.New, ev.Timestamp())
	case domain.EventDelete:
		_, out = r.store.RemoveEntity(ev.Old.Kind(), ev.Old.EntityID(), board.FromRemote)
	}
	r.logger.WithFields(log.Fields{
		"type":       ev.Type,
		"collection": ev.Collection,
		"id":         ev.EntityID(),
		"outcome":    out,
	}).Debug("applied change event")
	return out
}

// State returns the subscription state of a collection.
func (r *Reconciler) State(c domain.Collection) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[c]
}

// Reconnecting reports whether any feed is recovering.
func (r *Reconciler) Reconnecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.Reconnecting() {
			return true
		}
	}
	return false
}

// OnState registers fn for state changes.
func (r *Reconciler) OnState(fn StateFunc) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

// Close stops Run and unsubscribes every feed.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Reconciler) setAll(s State) {
	r.mu.Lock()
	var changed []domain.Collection
	for _, c := range Collections {
		if r.states[c] == StateClosed && s != StateClosed {
			continue
		}
		if r.states[c] != s {
			r.states[c] = s
			changed = append(changed, c)
		}
	}
	fns := make([]StateFunc, 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, c := range changed {
		for _, fn := range fns {
			fn(c, s)
		}
	}
}
