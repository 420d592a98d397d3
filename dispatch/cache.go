package dispatch

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/netsip/dispatch/sipmsg"
)

// responseCacheTTL is 64*T1: long enough to outlive any client's retransmit
// schedule for the request being answered.
const responseCacheTTL = 32 * time.Second

// ResponseCache keeps recently sent responses keyed by CSeq\0Call-ID so
// retransmitted requests can be answered without involving the upper layer.
// Touch-on-hit is disabled: expiry is anchored to the insert, not to the
// last retransmission that hit the cache.
type ResponseCache struct {
	c *ttlcache.Cache[string, sipmsg.Packet]
}

// NewResponseCache constructs an empty cache and starts its background
// janitor goroutine. Callers should call Stop when done.
func NewResponseCache() *ResponseCache {
	c := ttlcache.New[string, sipmsg.Packet](
		ttlcache.WithTTL[string, sipmsg.Packet](responseCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, sipmsg.Packet](),
	)
	go c.Start()
	return &ResponseCache{c: c}
}

// Put inserts or overwrites the cached response for pkt's (CSeq,Call-ID)
// key. Re-inserting restarts the TTL.
func (r *ResponseCache) Put(pkt sipmsg.Packet) {
	r.c.Set(sipmsg.CacheKey(pkt), pkt, responseCacheTTL)
}

// Lookup returns the cached response matching a request packet's key, if any
// and unexpired.
func (r *ResponseCache) Lookup(pkt sipmsg.Packet) (sipmsg.Packet, bool) {
	item := r.c.Get(sipmsg.CacheKey(pkt))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Sweep evicts expired entries; ttlcache does this on its own janitor
// goroutine, so this is a no-op kept for symmetry with the queue sweep in
// QueueExpire.
func (r *ResponseCache) Sweep(now time.Time) {}

// Stop halts the cache's background janitor.
func (r *ResponseCache) Stop() {
	r.c.Stop()
}
