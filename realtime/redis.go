package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Channel names the pub/sub channel carrying one collection of one project.
func Channel(projectID string, c domain.Collection) string {
	return fmt.Sprintf("board:%s:%s", projectID, c)
}

// RedisPublisher publishes change events on Redis pub/sub.
type RedisPublisher struct {
	rc *redis.Client
}

func NewRedisPublisher(rc *redis.Client) *RedisPublisher {
	return &RedisPublisher{rc: rc}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := domain.EncodeChangeEvent(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, Channel(ev.ProjectID(), ev.Collection), data).Err()
}

// RedisSource subscribes to change events published by RedisPublisher.
type RedisSource struct {
	rc     *redis.Client
	logger *log.Entry
}

func NewRedisSource(rc *redis.Client, logger *log.Entry) *RedisSource {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &RedisSource{rc: rc, logger: logger}
}

// Subscribe returns once the subscription is confirmed by the server.
func (s *RedisSource) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	channel := Channel(f.ProjectID, f.Collection)
	ps := s.rc.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{ps: ps, cancel: cancel, out: make(chan Delivery)}
	go sub.pump(ctx, s.logger.WithField("channel", channel))
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	out    chan Delivery
	once   sync.Once
}

func (s *redisSubscription) C() <-chan Delivery { return s.out }

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		s.ps.Close()
	})
}

func (s *redisSubscription) pump(ctx context.Context, logger *log.Entry) {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				select {
				case s.out <- Delivery{Err: ErrStreamClosed}:
				case <-ctx.Done():
				}
				return
			}
			ev, err := domain.DecodeChangeEvent([]byte(msg.Payload))
			if err != nil {
				logger.WithError(err).Debug("dropping malformed change event")
				continue
			}
			select {
			case s.out <- Delivery{Event: ev}:
			case <-ctx.Done():
				return
			}
		}
	}
}
