package logquota

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/time/rate"
)

// Quota implements a simple key-based rate limiter for repetitive log lines.
// Each key gets events per second with the given burst.
// Information is kept in an LRU cache of size maxEntries.
type Quota struct {
	eps   float32    // allowed events per second
	burst int        // maximum events at once
	mu    sync.Mutex // protects cache
	cache *lru.Cache
}

// Blocked reports whether an event for key exceeds its quota.
// An empty key is never blocked, nor is a nil Quota.
func (q *Quota) Blocked(key string) bool {
	if q == nil || key == "" {
		return false
	}
	var limiter *rate.Limiter
	q.mu.Lock()
	if v, ok := q.cache.Get(key); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(rate.Limit(q.eps), q.burst)
		q.cache.Add(key, limiter)
	}
	q.mu.Unlock()
	return !limiter.Allow()
}

func NewQuota(eventsPerSecond float32, burst, maxEntries int) *Quota {
	return &Quota{
		eps:   eventsPerSecond,
		burst: burst,
		cache: lru.New(maxEntries),
	}
}
