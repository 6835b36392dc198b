package steering

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/crewhq/crewd/pkg/models"
)

// Signature hashes a pending message set. Order-insensitive: the same
// messages produce the same signature regardless of arrival interleaving.
func Signature(msgs []*models.QueueMessage) string {
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.ID+"\x00"+m.Text)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	signature string
	decision  Decision
}

// Cache short-circuits repeat consultations. Directive polls fire every few
// seconds; without this the arbiter would be asked about the same unchanged
// pending set on every poll.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates an empty decision cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// ShouldSkip reports whether the dispatch already has a non-interrupt
// decision for exactly this pending set.
func (c *Cache) ShouldSkip(dispatchID, signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[dispatchID]
	return ok && e.signature == signature && e.decision != DecisionInterruptNow
}

// Remember records the decision for a dispatch's pending set.
func (c *Cache) Remember(dispatchID, signature string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dispatchID] = cacheEntry{signature: signature, decision: d}
}

// Forget drops a dispatch's cached decision. Called when the dispatch leaves
// the active set.
func (c *Cache) Forget(dispatchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dispatchID)
}
