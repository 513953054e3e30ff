// Package settingscache keeps the triage settings snapshot in an in-process
// ristretto cache so every run does not hit the store.
package settingscache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/linnemanlabs/deskhand/internal/triage"
)

const key = "settings"

// Cache implements triage.SettingsSource over another source.
type Cache struct {
	src triage.SettingsSource
	ttl time.Duration
	c   *ristretto.Cache[string, triage.Settings]
}

// New wraps src, caching its snapshot for ttl. A non-positive ttl disables
// expiry; updates still invalidate.
func New(src triage.SettingsSource, ttl time.Duration) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, triage.Settings]{
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("settings cache: %w", err)
	}
	return &Cache{src: src, ttl: ttl, c: c}, nil
}

// Settings implements triage.SettingsSource.
func (c *Cache) Settings(ctx context.Context) (triage.Settings, error) {
	if st, ok := c.c.Get(key); ok {
		return st, nil
	}
	st, err := c.src.Settings(ctx)
	if err != nil {
		return triage.Settings{}, err
	}
	if c.ttl > 0 {
		c.c.SetWithTTL(key, st, 1, c.ttl)
	} else {
		c.c.Set(key, st, 1)
	}
	c.c.Wait()
	return st, nil
}

// Invalidate implements triage.SettingsSource.
func (c *Cache) Invalidate() {
	c.c.Del(key)
	c.src.Invalidate()
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
