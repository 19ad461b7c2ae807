package builder

import (
	"sync"

	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/ethereum/go-ethereum/common"
)

// payloadRetentionSlots is how far behind the most recent insert a cached
// payload may fall before it is pruned. Two epochs is well past the point
// where a getPayload call for it could still arrive.
const payloadRetentionSlots = 64

type payloadEntry struct {
	slot    uint64
	payload *deneb.ExecutionPayload
}

// payloadCache holds self-built payloads keyed by block hash until the
// builder API getPayload call retrieves them. Retention is slot-bounded so
// memory stays flat over long uptimes.
type payloadCache struct {
	mu         sync.RWMutex
	entries    map[common.Hash]payloadEntry
	latestSlot uint64
}

func newPayloadCache() *payloadCache {
	return &payloadCache{entries: make(map[common.Hash]payloadEntry)}
}

// Put stores the payload and prunes entries that have fallen out of the
// retention window.
func (c *payloadCache) Put(slot uint64, blockHash common.Hash, payload *deneb.ExecutionPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[blockHash] = payloadEntry{slot: slot, payload: payload}
	if slot > c.latestSlot {
		c.latestSlot = slot
	}
	if c.latestSlot < payloadRetentionSlots {
		return
	}
	horizon := c.latestSlot - payloadRetentionSlots
	for hash, entry := range c.entries {
		if entry.slot < horizon {
			delete(c.entries, hash)
		}
	}
}

// Get returns the cached payload for the block hash, or nil. The entry is
// not removed: repeated lookups are allowed.
func (c *payloadCache) Get(blockHash common.Hash) *deneb.ExecutionPayload {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.entries[blockHash]; ok {
		return entry.payload
	}
	return nil
}

func (c *payloadCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
