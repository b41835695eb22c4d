package cache

import (
	"context"
	"sync"
	"time"
)

// entry holds a cached string value with an optional expiry.
type entry struct {
	data     string
	expireAt time.Time
	noExpiry bool
}

func (e *entry) expired() bool {
	return !e.noExpiry && time.Now().After(e.expireAt)
}

// localCache is an in-process Cache implementation.
type localCache struct {
	mu         sync.Mutex // serializes SetNX check-and-set
	kv         sync.Map   // key → *entry
	gcInterval time.Duration
	stopGC     chan struct{}
}

func newLocalCache(cfg Config) *localCache {
	interval := cfg.LocalGCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &localCache{
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c
}

func (c *localCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.kv.Range(func(k, v interface{}) bool {
				if e, ok := v.(*entry); ok && e.expired() {
					c.kv.Delete(k)
				}
				return true
			})
		case <-c.stopGC:
			return
		}
	}
}

func (c *localCache) Get(_ context.Context, key string) (string, error) {
	v, ok := c.kv.Load(key)
	if !ok {
		return "", ErrNotFound
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.Delete(key)
		return "", ErrNotFound
	}
	return e.data, nil
}

func (c *localCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.kv.Store(key, newEntry(value, ttl))
	return nil
}

func (c *localCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.kv.Delete(k)
	}
	return nil
}

func (c *localCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (c *localCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok, _ := c.Exists(ctx, key); ok {
		return false, nil
	}
	c.kv.Store(key, newEntry(value, ttl))
	return true, nil
}

func (c *localCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	v, ok := c.kv.Load(key)
	if !ok {
		return ErrNotFound
	}
	e := v.(*entry)
	c.kv.Store(key, newEntry(e.data, ttl))
	return nil
}

func newEntry(value string, ttl time.Duration) *entry {
	e := &entry{data: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	} else {
		e.noExpiry = true
	}
	return e
}

// ---- pub/sub ----

// subscription is the product of one Subscribe call. The same delivery
// channel is registered under every channel name the caller asked for.
type subscription struct {
	deliver chan *Message
	once    sync.Once
}

// localPubSub fans messages out to in-process subscribers. Delivery is
// best-effort: a subscriber that stops draining loses messages rather
// than stalling publishers.
type localPubSub struct {
	mu      sync.RWMutex
	byChan  map[string][]*subscription
	bufSize int
}

func newLocalPubSub(bufSize int) *localPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &localPubSub{
		byChan:  make(map[string][]*subscription),
		bufSize: bufSize,
	}
}

// Publish delivers to every subscriber of the channel. The read lock stays
// held across the sends; cancel takes the write lock before closing a
// delivery channel, so a send can never race the close.
func (ps *localPubSub) Publish(_ context.Context, channel, message string) error {
	msg := &Message{Channel: channel, Payload: message}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, sub := range ps.byChan[channel] {
		select {
		case sub.deliver <- msg:
		default:
			// full buffer, the slow reader misses this one
		}
	}
	return nil
}

func (ps *localPubSub) Subscribe(_ context.Context, channels ...string) (<-chan *Message, func(), error) {
	sub := &subscription{deliver: make(chan *Message, ps.bufSize)}

	ps.mu.Lock()
	for _, name := range channels {
		ps.byChan[name] = append(ps.byChan[name], sub)
	}
	ps.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			ps.mu.Lock()
			for _, name := range channels {
				ps.byChan[name] = dropSubscription(ps.byChan[name], sub)
			}
			ps.mu.Unlock()
			// No publisher holds a reference past the unlock, so the
			// channel is safe to close.
			close(sub.deliver)
		})
	}

	return sub.deliver, cancel, nil
}

func dropSubscription(list []*subscription, target *subscription) []*subscription {
	for i, s := range list {
		if s == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
