package extraction

import (
	"sync"

	"github.com/twmb/murmur3"
)

// bodyCache remembers which script bodies were already analyzed for a
// target. CDN bundles are often served under several URLs; hashing the body
// skips re-scanning identical content.
type bodyCache struct {
	mu   sync.Mutex
	seen map[string]map[uint64]struct{}
}

func newBodyCache() *bodyCache {
	return &bodyCache{seen: make(map[string]map[uint64]struct{})}
}

// firstSight records body for target and reports whether it was new.
func (c *bodyCache) firstSight(target string, body []byte) bool {
	h := murmur3.Sum64(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	hashes, ok := c.seen[target]
	if !ok {
		hashes = make(map[uint64]struct{})
		c.seen[target] = hashes
	}
	if _, dup := hashes[h]; dup {
		return false
	}
	hashes[h] = struct{}{}
	return true
}
