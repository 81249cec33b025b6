package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-board/domain"
)

// Backend is the repository a Cache wraps.
type Backend interface {
	Board(ctx context.Context, projectID string) (domain.Board, error)
	Project(ctx context.Context, projectID string) (domain.Project, error)
	Task(ctx context.Context, projectID, id string) (domain.Task, error)
	Member(ctx context.Context, projectID, id string) (domain.Member, error)
	Members(ctx context.Context, projectID string) ([]domain.Member, error)
	SaveProject(ctx context.Context, p domain.Project) error
	SaveTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, projectID, id string) error
	SaveMember(ctx context.Context, m domain.Member) error
	DeleteMember(ctx context.Context, projectID, id string) error
}

type guardedBackend interface {
	SaveMemberGuarded(ctx context.Context, m domain.Member) error
	DeleteMemberGuarded(ctx context.Context, projectID, id string) error
}

// Cache keeps whole-board snapshots in Redis. Every write through the cache
// evicts the board it touched.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper around base using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Backend: base, redis: client, ttl: ttl}
}

func (c *Cache) Board(ctx context.Context, projectID string) (domain.Board, error) {
	if b, ok := c.loadBoard(ctx, projectID); ok {
		return b, nil
	}
	b, err := c.Backend.Board(ctx, projectID)
	if err != nil {
		return domain.Board{}, err
	}
	c.storeBoard(ctx, projectID, b)
	return b, nil
}

func (c *Cache) SaveProject(ctx context.Context, p domain.Project) error {
	return c.evictAfter(ctx, p.ID, c.Backend.SaveProject(ctx, p))
}

func (c *Cache) SaveTask(ctx context.Context, t domain.Task) error {
	return c.evictAfter(ctx, t.ProjectID, c.Backend.SaveTask(ctx, t))
}

func (c *Cache) DeleteTask(ctx context.Context, projectID, id string) error {
	return c.evictAfter(ctx, projectID, c.Backend.DeleteTask(ctx, projectID, id))
}

func (c *Cache) SaveMember(ctx context.Context, m domain.Member) error {
	return c.evictAfter(ctx, m.ProjectID, c.Backend.SaveMember(ctx, m))
}

func (c *Cache) DeleteMember(ctx context.Context, projectID, id string) error {
	return c.evictAfter(ctx, projectID, c.Backend.DeleteMember(ctx, projectID, id))
}

func (c *Cache) SaveMemberGuarded(ctx context.Context, m domain.Member) error {
	g, ok := c.Backend.(guardedBackend)
	if !ok {
		return c.SaveMember(ctx, m)
	}
	return c.evictAfter(ctx, m.ProjectID, g.SaveMemberGuarded(ctx, m))
}

func (c *Cache) DeleteMemberGuarded(ctx context.Context, projectID, id string) error {
	g, ok := c.Backend.(guardedBackend)
	if !ok {
		return c.DeleteMember(ctx, projectID, id)
	}
	return c.evictAfter(ctx, projectID, g.DeleteMemberGuarded(ctx, projectID, id))
}

func (c *Cache) evictAfter(ctx context.Context, projectID string, err error) error {
	if err != nil {
		return err
	}
	c.evict(ctx, projectID)
	return nil
}

func (c *Cache) loadBoard(ctx context.Context, projectID string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		return domain.Board{}, false
	}
	return b, true
}

func (c *Cache) storeBoard(ctx context.Context, projectID string, b domain.Board) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(b)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(projectID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
}

func boardCacheKey(projectID string) string {
	return "board:" + projectID + ":snapshot"
}
