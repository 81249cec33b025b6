// Package realtime keeps a board store in step with the change feed of the
// backing store.
package realtime

import (
	"context"
	"errors"

	"prism-board/domain"
)

// ErrStreamClosed is delivered when a subscription ends without being
// unsubscribed.
var ErrStreamClosed = errors.New("realtime: stream closed")

// Filter selects the change events of one collection of one project.
type Filter struct {
	ProjectID  string
	Collection domain.Collection
}

// Delivery carries either an event or a subscription level failure. After a
// failure the subscription delivers nothing more.
type Delivery struct {
	Event domain.ChangeEvent
	Err   error
}

// Subscription is a live change feed. Unsubscribe may be called any number
// of times.
type Subscription interface {
	C() <-chan Delivery
	Unsubscribe()
}

// Source opens change feeds. Malformed events are dropped by the source and
// never delivered.
type Source interface {
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}

// Publisher fans a change event out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// Collections lists the feeds a board session watches.
var Collections = []domain.Collection{
	domain.CollectionTasks,
	domain.CollectionMembers,
	domain.CollectionProjects,
}
