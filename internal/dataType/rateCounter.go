package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

type limiterElement struct {
	limiter     *rate.Limiter
	lastUpdated time.Time
}

type LimiterBucket struct {
	mu       sync.Mutex
	limiters map[uint64]*limiterElement
}

func NewLimiterBucket() *LimiterBucket {
	return &LimiterBucket{
		limiters: make(map[uint64]*limiterElement),
	}
}

// RateLimiterTable keeps one token bucket per key, sharded so that unrelated
// keys rarely contend on the same lock.
type RateLimiterTable struct {
	buckets     []*LimiterBucket
	bucketCount uint64
	refill      rate.Limit
	burst       int
	now         func() time.Time
}

func NewRateLimiterTable(bucketCount int, refill rate.Limit, burst int) *RateLimiterTable {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	rt := &RateLimiterTable{
		buckets:     make([]*LimiterBucket, bucketCount),
		bucketCount: uint64(bucketCount),
		refill:      refill,
		burst:       burst,
		now:         time.Now,
	}
	for i := 0; i < bucketCount; i++ {
		rt.buckets[i] = NewLimiterBucket()
	}
	return rt
}

func (rt *RateLimiterTable) getBucket(hashKey uint64) *LimiterBucket {
	return rt.buckets[hashKey%rt.bucketCount]
}

// Allow consumes one token for key and reports whether one was available.
func (rt *RateLimiterTable) Allow(key string) bool {
	now := rt.now()
	hashKey := xxhash.Sum64String(key)
	bucket := rt.getBucket(hashKey)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	el, exists := bucket.limiters[hashKey]
	if !exists {
		el = &limiterElement{limiter: rate.NewLimiter(rt.refill, rt.burst)}
		bucket.limiters[hashKey] = el
	}
	el.lastUpdated = now
	return el.limiter.AllowN(now, 1)
}

func (rt *RateLimiterTable) Reset(key string) {
	hashKey := xxhash.Sum64String(key)
	bucket := rt.getBucket(hashKey)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	delete(bucket.limiters, hashKey)
}

func (rt *RateLimiterTable) Len() int {
	n := 0
	for _, bucket := range rt.buckets {
		bucket.mu.Lock()
		n += len(bucket.limiters)
		bucket.mu.Unlock()
	}
	return n
}

// GC drops limiters untouched for longer than idle. A dropped limiter comes
// back full, so idle must be at least the time needed to refill the burst.
func (rt *RateLimiterTable) GC(idle time.Duration) int {
	expireThreshold := rt.now().Add(-idle)
	removed := 0
	for _, bucket := range rt.buckets {
		bucket.mu.Lock()
		for key, el := range bucket.limiters {
			if el.lastUpdated.Before(expireThreshold) {
				delete(bucket.limiters, key)
				removed++
			}
		}
		bucket.mu.Unlock()
	}
	return removed
}
