package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxKeys bounds how many per-key buckets a Keyed limiter keeps.
const DefaultMaxKeys = 4096

// Keyed hands out one TokenBucket per key (a user id for signaling traffic).
//
// Buckets are kept in LRU order and the least recently used bucket is evicted
// once MaxKeys is reached, so a flood of distinct keys cannot grow memory
// without bound. An evicted key starts again with a full bucket.
type Keyed struct {
	clock    Clock
	capacity int64
	rate     int64
	maxKeys  int
	onEvict  func(key string)

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

type KeyedConfig struct {
	Clock Clock
	// Capacity is the burst size. Zero means Rate.
	Capacity int64
	// Rate is tokens per second. Zero or negative disables limiting.
	Rate    int64
	MaxKeys int
	OnEvict func(key string)
}

func NewKeyed(cfg KeyedConfig) *Keyed {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = cfg.Rate
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Keyed{
		clock:    clock,
		capacity: capacity,
		rate:     cfg.Rate,
		maxKeys:  maxKeys,
		onEvict:  cfg.OnEvict,
		buckets:  make(map[string]*keyedEntry),
		lru:      list.New(),
	}
}

// Allow consumes tokens from key's bucket. A nil limiter or one with no rate
// allows everything.
func (k *Keyed) Allow(key string, tokens int64) bool {
	if k == nil || k.rate <= 0 {
		return true
	}
	return k.bucket(key).Allow(tokens)
}

// Reserve is Allow plus the time until key's bucket could pay for tokens.
func (k *Keyed) Reserve(key string, tokens int64) (bool, time.Duration) {
	if k == nil || k.rate <= 0 {
		return true, 0
	}
	return k.bucket(key).Reserve(tokens)
}

// Forget drops key's bucket, e.g. once its last connection is gone.
func (k *Keyed) Forget(key string) {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if entry, ok := k.buckets[key]; ok {
		k.lru.Remove(entry.elem)
		delete(k.buckets, key)
	}
}

// Len reports how many buckets are currently tracked.
func (k *Keyed) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *Keyed) bucket(key string) *TokenBucket {
	var (
		bucket   *TokenBucket
		evictKey string
		evicted  bool
	)

	k.mu.Lock()
	if entry, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(entry.elem)
		bucket = entry.bucket
		k.mu.Unlock()
		return bucket
	}

	if len(k.buckets) >= k.maxKeys {
		// Oldest entry sits at the back.
		if elem := k.lru.Back(); elem != nil {
			evictKey = elem.Value.(string)
			k.lru.Remove(elem)
			delete(k.buckets, evictKey)
			evicted = true
		}
	}

	bucket = NewTokenBucket(k.clock, k.capacity, k.rate)
	k.buckets[key] = &keyedEntry{bucket: bucket, elem: k.lru.PushFront(key)}
	k.mu.Unlock()

	if evicted && k.onEvict != nil {
		k.onEvict(evictKey)
	}
	return bucket
}
