package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"kanban/domain"
)

// Backend is the persistence surface the board services depend on.
type Backend interface {
	SaveBoard(ctx context.Context, b domain.Board) error
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
	BoardsForUser(ctx context.Context, userID string) ([]domain.Board, error)
	AddMembership(ctx context.Context, userID, boardID string) error
	DeleteBoard(ctx context.Context, boardID string) error
	UpsertUser(ctx context.Context, u domain.User) error
	FindUserByEmail(ctx context.Context, email string) (domain.User, error)
	Lists(ctx context.Context, boardID string) ([]domain.List, error)
	SaveLists(ctx context.Context, lists ...domain.List) error
	DeleteList(ctx context.Context, boardID, listID string) error
	Tasks(ctx context.Context, boardID, listID string) ([]domain.Task, error)
	GetTask(ctx context.Context, boardID, taskID string) (domain.Task, error)
	SaveTasks(ctx context.Context, tasks ...domain.Task) error
	DeleteTask(ctx context.Context, boardID, taskID string) error
}

// Cache wraps a Backend with Redis-backed caching for board reads. Every
// write evicts the affected keys after it reaches the backend.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Backend wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Backend: base, redis: client, ttl: ttl}
}

func (c *Cache) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	var b domain.Board
	if c.load(ctx, boardCacheKey(boardID), &b) {
		return b, nil
	}
	b, err := c.Backend.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	c.store(ctx, boardCacheKey(boardID), b)
	return b, nil
}

func (c *Cache) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	var lists []domain.List
	if c.load(ctx, listsCacheKey(boardID), &lists) {
		return lists, nil
	}
	lists, err := c.Backend.Lists(ctx, boardID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, listsCacheKey(boardID), lists)
	return lists, nil
}

func (c *Cache) Tasks(ctx context.Context, boardID, listID string) ([]domain.Task, error) {
	var tasks []domain.Task
	if c.load(ctx, tasksCacheKey(boardID, listID), &tasks) {
		return tasks, nil
	}
	tasks, err := c.Backend.Tasks(ctx, boardID, listID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, tasksCacheKey(boardID, listID), tasks)
	return tasks, nil
}

func (c *Cache) SaveBoard(ctx context.Context, b domain.Board) error {
	if err := c.Backend.SaveBoard(ctx, b); err != nil {
		return err
	}
	c.evict(ctx, boardCacheKey(b.ID))
	return nil
}

func (c *Cache) DeleteBoard(ctx context.Context, boardID string) error {
	lists, _ := c.Backend.Lists(ctx, boardID)
	if err := c.Backend.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	keys := []string{boardCacheKey(boardID), listsCacheKey(boardID)}
	for _, l := range lists {
		keys = append(keys, tasksCacheKey(boardID, l.ID))
	}
	c.evict(ctx, keys...)
	return nil
}

func (c *Cache) SaveLists(ctx context.Context, lists ...domain.List) error {
	if err := c.Backend.SaveLists(ctx, lists...); err != nil {
		return err
	}
	keys := make([]string, 0, 1)
	seen := map[string]struct{}{}
	for _, l := range lists {
		if _, ok := seen[l.BoardID]; ok {
			continue
		}
		seen[l.BoardID] = struct{}{}
		keys = append(keys, listsCacheKey(l.BoardID))
	}
	c.evict(ctx, keys...)
	return nil
}

func (c *Cache) DeleteList(ctx context.Context, boardID, listID string) error {
	if err := c.Backend.DeleteList(ctx, boardID, listID); err != nil {
		return err
	}
	c.evict(ctx, listsCacheKey(boardID), tasksCacheKey(boardID, listID))
	return nil
}

func (c *Cache) SaveTasks(ctx context.Context, tasks ...domain.Task) error {
	if err := c.Backend.SaveTasks(ctx, tasks...); err != nil {
		return err
	}
	keys := []string{}
	seen := map[string]struct{}{}
	for _, t := range tasks {
		k := tasksCacheKey(t.BoardID, t.ListID)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.evict(ctx, keys...)
	return nil
}

// EvictTasks drops the cached task list of a list. Moves call it for the
// source list, which SaveTasks cannot see.
func (c *Cache) EvictTasks(ctx context.Context, boardID, listID string) {
	c.evict(ctx, tasksCacheKey(boardID, listID))
}

func (c *Cache) DeleteTask(ctx context.Context, boardID, taskID string) error {
	t, getErr := c.Backend.GetTask(ctx, boardID, taskID)
	if err := c.Backend.DeleteTask(ctx, boardID, taskID); err != nil {
		return err
	}
	if getErr == nil {
		c.evict(ctx, tasksCacheKey(boardID, t.ListID))
	}
	return nil
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, keys ...string) {
	if c.redis == nil || len(keys) == 0 {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}

func listsCacheKey(boardID string) string {
	return "lists:" + boardID
}

func tasksCacheKey(boardID, listID string) string {
	return "tasks:" + boardID + ":" + listID
}
