package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/joescharf/cmdassist/internal/models"
)

// CachedStore puts an in-process ristretto cache in front of another Store.
// Loads are served from the cache when possible; every write goes to the
// backend first and then refreshes the cached copy.
type CachedStore struct {
	backend Store
	cache   *ristretto.Cache[string, []byte]
}

// NewCachedStore wraps backend with a cache of at most maxCostBytes of
// encoded sessions.
func NewCachedStore(backend Store, maxCostBytes int64) (*CachedStore, error) {
	if maxCostBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxCostBytes)
	}
	counters := maxCostBytes / 100 * 10
	if counters < 100 {
		counters = 100
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &CachedStore{backend: backend, cache: c}, nil
}

func (c *CachedStore) Save(ctx context.Context, s *models.Session) error {
	if err := c.backend.Save(ctx, s); err != nil {
		c.cache.Del(s.ID)
		return err
	}
	c.put(s)
	return nil
}

func (c *CachedStore) Load(ctx context.Context, id string) (*models.Session, error) {
	if data, ok := c.cache.Get(id); ok {
		if s, err := decodeSession(data); err == nil {
			return s, nil
		}
		c.cache.Del(id)
	}
	s, err := c.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(s)
	return s, nil
}

// LoadFresh reads id from the backend and replaces the cached copy. Another
// process sharing the backend may have moved the session on since it was
// cached.
func (c *CachedStore) LoadFresh(ctx context.Context, id string) (*models.Session, error) {
	s, err := c.backend.Load(ctx, id)
	if err != nil {
		c.cache.Del(id)
		c.cache.Wait()
		return nil, err
	}
	c.put(s)
	return s, nil
}

func (c *CachedStore) Delete(ctx context.Context, id string) error {
	err := c.backend.Delete(ctx, id)
	c.cache.Del(id)
	c.cache.Wait()
	return err
}

func (c *CachedStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	return c.backend.List(ctx, filter)
}

func (c *CachedStore) Purge(ctx context.Context, before time.Time, terminalOnly bool) (int64, error) {
	n, err := c.backend.Purge(ctx, before, terminalOnly)
	// Purged ids are unknown here.
	c.cache.Clear()
	return n, err
}

func (c *CachedStore) Close() error {
	c.cache.Close()
	return c.backend.Close()
}

func (c *CachedStore) put(s *models.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		c.cache.Del(s.ID)
		return
	}
	c.cache.Set(s.ID, data, int64(len(data)))
	c.cache.Wait()
}
