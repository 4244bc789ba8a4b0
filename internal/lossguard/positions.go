package lossguard

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"streamhub/internal/core"
)

// positionCache keeps the latest update per position, keyed by account then
// position id. Updates are latest-wins; a quantity of zero evicts the entry.
type positionCache struct {
	mu       sync.RWMutex
	accounts map[string]map[string]core.PositionUpdate
}

func newPositionCache() *positionCache {
	return &positionCache{accounts: make(map[string]map[string]core.PositionUpdate)}
}

func acctKey(user core.UserID, accountID string, paper bool) string {
	return fmt.Sprintf("%d|%s|%t", user, accountID, paper)
}

func (c *positionCache) put(key string, p core.PositionUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	positions, ok := c.accounts[key]
	if !ok {
		positions = make(map[string]core.PositionUpdate)
		c.accounts[key] = positions
	}
	p.CachedAt = time.Now()
	positions[p.PositionID] = p
}

func (c *positionCache) evict(key, positionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	positions, ok := c.accounts[key]
	if !ok {
		return
	}
	delete(positions, positionID)
	if len(positions) == 0 {
		delete(c.accounts, key)
	}
}

// snapshot returns the account's positions sorted by position id.
func (c *positionCache) snapshot(key string) []core.PositionUpdate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	positions := c.accounts[key]
	out := make([]core.PositionUpdate, 0, len(positions))
	for _, p := range positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

func (c *positionCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, positions := range c.accounts {
		n += len(positions)
	}
	return n
}
