// Package store wires the concrete drivers together and layers a
// subscriber cache on top. Event operations pass straight through;
// subscriber reads are hot on every fan-out, so they come from a
// snapshot invalidated through a shared redis version counter.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgerelay/forgerelay/internal/models"
	"github.com/forgerelay/forgerelay/internal/store/driver"
)

const subscribersVersionKey = "forgerelay:subscribers:version"

type CachedStore struct {
	driver.Store
	redis *redis.Client

	mu            sync.RWMutex
	version       int64
	subscribers   []*models.Subscriber
	transports    map[int64]*models.Transport
	checkedAt     time.Time
	checkInterval time.Duration
}

// NewCachedStore wraps inner with a subscriber snapshot. The version
// counter lives in redis so writes from any process invalidate every
// reader.
func NewCachedStore(inner driver.Store, redisClient *redis.Client) *CachedStore {
	return &CachedStore{
		Store:         inner,
		redis:         redisClient,
		version:       -1,
		checkInterval: time.Second,
	}
}

func (c *CachedStore) ListSubscribers(ctx context.Context) ([]*models.Subscriber, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Subscriber, len(c.subscribers))
	copy(out, c.subscribers)
	return out, nil
}

func (c *CachedStore) GetSubscriber(ctx context.Context, subscriberID int64) (*models.Subscriber, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subscribers {
		if sub.ID == subscriberID {
			return sub, nil
		}
	}
	return nil, driver.ErrSubscriberNotFound
}

func (c *CachedStore) GetTransportFor(ctx context.Context, subscriberID int64) (*models.Transport, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	transport, ok := c.transports[subscriberID]
	if !ok {
		return nil, driver.ErrTransportNotFound
	}
	return transport, nil
}

func (c *CachedStore) CreateSubscriber(ctx context.Context, sub *models.Subscriber, transport *models.Transport) error {
	if err := c.Store.CreateSubscriber(ctx, sub, transport); err != nil {
		return err
	}
	return c.bumpVersion(ctx)
}

func (c *CachedStore) DeleteSubscriber(ctx context.Context, subscriberID int64) error {
	if err := c.Store.DeleteSubscriber(ctx, subscriberID); err != nil {
		return err
	}
	return c.bumpVersion(ctx)
}

func (c *CachedStore) bumpVersion(ctx context.Context) error {
	if c.redis == nil {
		c.mu.Lock()
		c.version = -1 // force reload on next read
		c.mu.Unlock()
		return nil
	}
	return c.redis.Incr(ctx, subscribersVersionKey).Err()
}

func (c *CachedStore) refresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := c.version >= 0 && time.Since(c.checkedAt) < c.checkInterval
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	remote := c.remoteVersion(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version >= 0 && remote == c.version {
		c.checkedAt = time.Now()
		return nil
	}

	subs, err := c.Store.ListSubscribers(ctx)
	if err != nil {
		return err
	}
	transports := make(map[int64]*models.Transport, len(subs))
	for _, sub := range subs {
		transport, err := c.Store.GetTransportFor(ctx, sub.ID)
		if err != nil {
			if err == driver.ErrTransportNotFound {
				continue
			}
			return err
		}
		transports[sub.ID] = transport
	}

	c.subscribers = subs
	c.transports = transports
	c.version = remote
	c.checkedAt = time.Now()
	return nil
}

func (c *CachedStore) remoteVersion(ctx context.Context) int64 {
	if c.redis == nil {
		return 0
	}
	version, err := c.redis.Get(ctx, subscribersVersionKey).Int64()
	if err != nil {
		// Missing key or unreachable redis both read as version 0; a
		// reload is the safe outcome either way.
		return 0
	}
	return version
}
