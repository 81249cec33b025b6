package realtime

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Queue is the subset of *azqueue.QueueClient used by the outbox.
type Queue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// NewQueueClient opens the change event queue with retries on throttling
// and server errors.
func NewQueueClient(connStr, name string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 5 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
}

// QueuePublisher writes change events to a durable queue. A Relay moves
// them on to live subscribers.
type QueuePublisher struct {
	queue Queue
}

func NewQueuePublisher(q Queue) *QueuePublisher {
	return &QueuePublisher{queue: q}
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := domain.EncodeChangeEvent(ev)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// maxDequeue is how often a message may fail to publish before it is dropped.
const maxDequeue = 5

// Relay drains the change event queue into a Publisher. A message is only
// deleted after it was published, so events survive relay restarts.
type Relay struct {
	queue  Queue
	pub    Publisher
	logger *log.Entry
	idle   time.Duration
}

func NewRelay(q Queue, pub Publisher, logger *log.Entry) *Relay {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Relay{queue: q, pub: pub, logger: logger, idle: time.Second}
}

// Run relays messages until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		processed, err := r.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.WithError(err).Error("relay step failed")
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.idle):
		}
	}
}

// Step handles at most one message and reports whether there was one.
func (r *Relay) Step(ctx context.Context) (bool, error) {
	resp, err := r.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return true, nil
	}
	logger := r.logger.WithField("message_id", *msg.MessageID)

	var text string
	if msg.MessageText != nil {
		text = *msg.MessageText
	}
	ev, err := domain.DecodeChangeEvent([]byte(text))
	switch {
	case err != nil:
		logger.WithError(err).Warn("dropping malformed change event")
	case msg.DequeueCount != nil && *msg.DequeueCount > maxDequeue:
		logger.WithField("dequeue_count", *msg.DequeueCount).Error("dropping change event after repeated failures")
	default:
		if err := r.pub.Publish(ctx, ev); err != nil {
			return true, err
		}
	}
	_, err = r.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
	return true, err
}
