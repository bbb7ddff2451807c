// Package cache is a best-effort TTL key-value cache for session and message
// snapshots. It is never a source of truth: every miss or failure degrades to
// the durable store, and on disagreement the store wins.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	logx "sessionhub/pkg/logx"
)

var ErrMiss = errors.New("cache miss")

type entry struct {
	data    []byte
	expires time.Time
}

type Config struct {
	DefaultTTL      time.Duration // applied when SetJSON gets ttl <= 0
	JanitorInterval time.Duration // expired-entry sweep; 0 means 1m
}

// Cache is a TTL map with a background janitor.
//
// Values are stored as JSON bytes so cached snapshots never alias live
// structs.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	cfg Config
	log logx.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		entries: map[string]entry{},
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the janitor. Safe to skip in tests; expired entries are
// also filtered on read.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep(time.Now())
			}
		}
	}()
}

func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()
	if removed > 0 {
		c.log.Debug("cache sweep", logx.Int("removed", removed), logx.Int("remaining", n))
	}
}

func (c *Cache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.data, true
}

// SetJSON stores value under key for ttl (DefaultTTL when ttl <= 0).
func (c *Cache) SetJSON(key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = entry{data: b, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *Cache) Del(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// DelPrefix evicts every entry whose key starts with prefix and returns the
// count removed. Used by retention cleanup, where the deleted IDs are not
// enumerated.
func (c *Cache) DelPrefix(prefix string) int {
	c.mu.Lock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetJSON decodes the cached value for key into T.
// Returns ErrMiss when absent or expired.
func GetJSON[T any](c *Cache, key string) (T, error) {
	var zero T
	b, ok := c.get(key)
	if !ok {
		return zero, ErrMiss
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		// Corrupt snapshot; evict so the next read repopulates.
		c.Del(key)
		return zero, ErrMiss
	}
	return v, nil
}

// Through is the read-through path used uniformly for session and message
// snapshots: cache hit wins, otherwise load from the store and repopulate.
// A cache write failure is logged by the caller at most; it never fails the
// read.
func Through[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if v, err := GetJSON[T](c, key); err == nil {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	_ = c.SetJSON(key, v, ttl)
	return v, nil
}

// SessionKey and MessageKey are the canonical snapshot keys.
func SessionKey(id string) string { return SessionKeyPrefix + id }
func MessageKey(id string) string { return MessageKeyPrefix + id }

const (
	SessionKeyPrefix = "session:"
	MessageKeyPrefix = "message:"
)
