package realtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"prism-board/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []*azqueue.DequeuedMessage
	deleted  []string
	next     int
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := strconv.Itoa(f.next)
	count := int64(1)
	f.messages = append(f.messages, &azqueue.DequeuedMessage{
		MessageID:    &id,
		PopReceipt:   &id,
		MessageText:  &content,
		DequeueCount: &count,
	})
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if !f.isDeleted(*m.MessageID) {
			return azqueue.DequeueMessagesResponse{Messages: []*azqueue.DequeuedMessage{m}}, nil
		}
	}
	return azqueue.DequeueMessagesResponse{}, nil
}

func (f *fakeQueue) DeleteMessage(ctx context.Context, id string, receipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return azqueue.DeleteMessageResponse{}, nil
}

func (f *fakeQueue) isDeleted(id string) bool {
	for _, d := range f.deleted {
		if d == id {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	events []domain.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func TestRelayMovesQueuedEvents(t *testing.T) {
	q := &fakeQueue{}
	ctx := context.Background()
	ev := domain.ChangeEvent{Type: domain.EventUpdate, Collection: domain.CollectionTasks, CommitTime: t0, New: testTask("a", "m")}
	if err := NewQueuePublisher(q).Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	pub := &recordingPublisher{}
	relay := NewRelay(q, pub, nil)
	processed, err := relay.Step(ctx)
	if err != nil || !processed {
		t.Fatalf("step: %v %v", processed, err)
	}
	if len(pub.events) != 1 || pub.events[0].EntityID() != "a" {
		t.Fatalf("unexpected published events %+v", pub.events)
	}
	if len(q.deleted) != 1 {
		t.Fatalf("message not deleted")
	}
	if processed, _ := relay.Step(ctx); processed {
		t.Fatalf("expected empty queue")
	}
}

func TestRelayKeepsMessageWhenPublishFails(t *testing.T) {
	q := &fakeQueue{}
	ctx := context.Background()
	NewQueuePublisher(q).Publish(ctx, domain.ChangeEvent{Type: domain.EventInsert, Collection: domain.CollectionTasks, New: testTask("a", "m")})

	relay := NewRelay(q, &recordingPublisher{err: errors.New("redis down")}, nil)
	if _, err := relay.Step(ctx); err == nil {
		t.Fatalf("expected publish error")
	}
	if len(q.deleted) != 0 {
		t.Fatalf("message deleted before it was published")
	}
}

func TestRelayDropsMalformedMessages(t *testing.T) {
	q := &fakeQueue{}
	ctx := context.Background()
	q.EnqueueMessage(ctx, "{broken", nil)

	pub := &recordingPublisher{}
	if _, err := NewRelay(q, pub, nil).Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(pub.events) != 0 || len(q.deleted) != 1 {
		t.Fatalf("malformed message should be deleted unpublished")
	}
}
