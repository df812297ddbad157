package messaging

import "sync"

const dedupeWindow = 1024

// refCache remembers the most recent message references so redelivered
// envelopes can be dropped. At-least-once transports replay on
// reconnect; the window bounds memory.
type refCache struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
}

func newRefCache() *refCache {
	return &refCache{seen: make(map[string]bool, dedupeWindow)}
}

// observe records a reference and reports whether it was already seen.
func (c *refCache) observe(ref string) bool {
	if ref == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[ref] {
		return true
	}
	c.seen[ref] = true
	c.order = append(c.order, ref)
	if len(c.order) > dedupeWindow {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, old)
	}
	return false
}
