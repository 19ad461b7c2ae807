package server

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"github.com/chainbound/bolt-sidecar/types"
)

// DedupeCacheSlots is the number of slots the dedupe cache tracks. Oldest
// slots are evicted first once the bound is reached.
const DedupeCacheSlots = 1000

type commitmentEntry struct {
	request *types.InclusionRequest
	txHash  common.Hash
	signer  common.Address
}

// dedupeCache remembers accepted commitments per slot so a resubmission of
// the same (slot, txHash, signer) tuple is rejected. The LRU only evicts by
// slot count, never by time, so a quiet slot's commitments survive until a
// thousand newer slots have been seen.
//
// The outer mutex makes check-and-insert atomic. The LRU's own locking is not
// enough: two concurrent submissions of the same tuple must not both pass the
// lookup before either inserts.
type dedupeCache struct {
	mu    sync.Mutex
	slots *lru.Cache
}

func newDedupeCache() *dedupeCache {
	cache, _ := lru.New(DedupeCacheSlots) // only fails for non-positive sizes
	return &dedupeCache{slots: cache}
}

// checkAndInsert records the commitment under its slot, or returns
// ErrDuplicateRequest if the same transaction from the same signer was
// already accepted for that slot.
func (d *dedupeCache) checkAndInsert(slot uint64, entry commitmentEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.slots.Get(slot); ok {
		bucket := v.([]commitmentEntry)
		for _, existing := range bucket {
			if existing.txHash == entry.txHash && existing.signer == entry.signer {
				return ErrDuplicateRequest
			}
		}
		d.slots.Add(slot, append(bucket, entry))
		return nil
	}

	d.slots.Add(slot, []commitmentEntry{entry})
	return nil
}

// commitments returns a copy of the slot's accepted commitments, in the order
// they were accepted.
func (d *dedupeCache) commitments(slot uint64) []commitmentEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.slots.Get(slot); ok {
		bucket := v.([]commitmentEntry)
		out := make([]commitmentEntry, len(bucket))
		copy(out, bucket)
		return out
	}
	return nil
}
