package state

import (
	"context"
	"sync"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/models"
)

// Cache holds the most recent reading per channel. It is a read accelerator
// for snapshot queries and may briefly lag the store.
type Cache struct {
	mu     sync.RWMutex
	latest map[string]models.Reading
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{latest: make(map[string]models.Reading)}
}

// Update overwrites the entry for r.Channel.
func (c *Cache) Update(r models.Reading) {
	c.mu.Lock()
	c.latest[r.Channel] = r
	c.mu.Unlock()
}

// Get returns the latest reading of channel.
func (c *Cache) Get(channel string) (models.Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.latest[channel]
	return r, ok
}

// All returns a copy of every entry.
func (c *Cache) All() map[string]models.Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.Reading, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

// Len returns the number of channels cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.latest)
}

// Loader supplies the latest reading per channel for warm-up.
type Loader interface {
	LatestReadings(ctx context.Context) (map[string]models.Reading, error)
}

// Warm fills the cache from the first loader that succeeds. Entries already
// present are kept if they are newer than the loaded one.
func (c *Cache) Warm(ctx context.Context, loaders ...Loader) error {
	log := logger.WithComponent("cache")

	var lastErr error
	for _, l := range loaders {
		if l == nil {
			continue
		}
		readings, err := l.LatestReadings(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("cache warm-up source failed")
			lastErr = err
			continue
		}

		c.mu.Lock()
		for ch, r := range readings {
			if cur, ok := c.latest[ch]; ok && cur.Timestamp.After(r.Timestamp) {
				continue
			}
			c.latest[ch] = r
		}
		c.mu.Unlock()

		log.Info().Int("channels", len(readings)).Msg("cache warmed")
		return nil
	}
	return lastErr
}
