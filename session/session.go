// Package session ties a board store, its mutation pipeline and its
// realtime reconciler to the lifetime of one open board.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/realtime"
)

type Config struct {
	ProjectID string
	Identity  board.Identity
	Remote    board.Remote
	Source    realtime.Source
	Retry     board.RetryPolicy
	Strict    bool
	Notify    board.Notifier
	Logger    *log.Entry
	// ResyncInterval limits full resyncs after feed failures.
	ResyncInterval time.Duration
}

// Session is an open board. Nothing in it outlives Close.
type Session struct {
	ID         string
	Store      *board.Store
	Pipeline   *board.Pipeline
	Reconciler *realtime.Reconciler

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open creates the session and starts synchronising in the background.
func Open(ctx context.Context, cfg Config) *Session {
	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithFields(log.Fields{"session": id, "user": cfg.Identity.UserID})

	store := board.NewStore(cfg.ProjectID, logger)
	pipe := board.NewPipeline(board.Config{
		Store:     store,
		Remote:    cfg.Remote,
		Identity:  cfg.Identity,
		Retry:     cfg.Retry,
		Strict:    cfg.Strict,
		Notify:    cfg.Notify,
		Logger:    logger,
		SessionID: id,
	})
	opts := []realtime.Option{realtime.WithLogger(logger)}
	if cfg.ResyncInterval > 0 {
		opts = append(opts, realtime.WithResyncInterval(cfg.ResyncInterval))
	}
	rec := realtime.NewReconciler(store, cfg.Source, cfg.Remote, opts...)

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:         id,
		Store:      store,
		Pipeline:   pipe,
		Reconciler: rec,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := rec.Run(ctx); err != nil {
			logger.WithError(err).Error("reconciler stopped")
		}
	}()
	logger.WithField("project", cfg.ProjectID).Info("board session opened")
	return s
}

// WaitLoaded blocks until the first full board fetch landed in the store.
func (s *Session) WaitLoaded(ctx context.Context) error {
	loaded := make(chan struct{})
	var once sync.Once
	stop := s.Store.Listen(func(snap board.Snapshot) {
		if snap.Loaded {
			once.Do(func() { close(loaded) })
		}
	})
	defer stop()
	if s.Store.Snapshot().Loaded {
		return nil
	}
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnecting reports whether the change feed is recovering from a
// failure.
func (s *Session) Reconnecting() bool {
	return s.Reconciler.Reconnecting()
}

// Close unsubscribes every feed and abandons pending remote calls. It waits
// for the feeds to be torn down but not for in-flight mutations.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Pipeline.Close()
		s.Reconciler.Close()
		s.cancel()
		<-s.done
	})
}
