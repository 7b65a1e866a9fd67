// Package artifactcache implements a bounded cache coalescing concurrent
// loads of the same key.
//
// At most one load runs per key. Callers arriving while it runs wait for its
// result, each one bound to its own timeout. A waiter giving up does not
// cancel the load: once it completes, the value is cached for later callers.
package artifactcache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/getsentry/sampletree/internal/errorutil"
)

type (
	// Loader produces the value of a key. The context is detached from the
	// caller which triggered the load.
	Loader[V any] func(ctx context.Context) (V, error)

	// StatsHook observes cache outcomes.
	StatsHook interface {
		CacheHit()
		CacheMiss()
		CacheTimeout()
		CacheLoadFailed()
		CacheEvicted()
	}

	Options[V any] struct {
		// MaxWeight bounds the total weight of the cached values, 0 means
		// unbounded.
		MaxWeight int
		// MaxEntries bounds the number of cached values, 0 means unbounded.
		MaxEntries int
		// IdleTimeout evicts values not accessed for that long, 0 disables
		// idle eviction.
		IdleTimeout time.Duration
		// LoadTimeout bounds a single load, 0 means no bound.
		LoadTimeout time.Duration
		// Weigher returns the weight of a value, every value weighs 1 when
		// nil.
		Weigher func(V) int
		Hook    StatsHook
	}

	Cache[K comparable, V any] struct {
		opts Options[V]
		now  func() time.Time

		mu       sync.Mutex
		lru      *simplelru.LRU[K, *entry[V]]
		weight   int
		inflight map[K]*flight[V]
	}

	entry[V any] struct {
		value      V
		weight     int
		lastAccess time.Time
	}

	flight[V any] struct {
		waiters []chan result[V]
	}

	result[V any] struct {
		value V
		err   error
	}
)

func New[K comparable, V any](opts Options[V]) (*Cache[K, V], error) {
	size := opts.MaxEntries
	if size <= 0 {
		size = math.MaxInt32
	}
	c := &Cache[K, V]{
		opts:     opts,
		now:      time.Now,
		inflight: make(map[K]*flight[V]),
	}
	lru, err := simplelru.NewLRU[K, *entry[V]](size, c.evicted)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	return c, nil
}

// evicted runs with c.mu held.
func (c *Cache[K, V]) evicted(_ K, e *entry[V]) {
	c.weight -= e.weight
	if c.opts.Hook != nil {
		c.opts.Hook.CacheEvicted()
	}
}

// Get returns the cached value for key or waits at most timeout for it to be
// loaded. A caller timing out gets errorutil.ErrRetryLater while the load
// carries on. A load failure is returned to every waiter and nothing is
// cached, so the next Get loads again.
func (c *Cache[K, V]) Get(ctx context.Context, key K, loader Loader[V], timeout time.Duration) (V, error) {
	c.mu.Lock()
	if v, ok := c.lookup(key); ok {
		c.mu.Unlock()
		if c.opts.Hook != nil {
			c.opts.Hook.CacheHit()
		}
		return v, nil
	}
	ch := make(chan result[V], 1)
	f, ok := c.inflight[key]
	if !ok {
		f = &flight[V]{}
		c.inflight[key] = f
		go c.load(context.WithoutCancel(ctx), key, f, loader)
	}
	f.waiters = append(f.waiters, ch)
	c.mu.Unlock()
	if c.opts.Hook != nil {
		c.opts.Hook.CacheMiss()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	var zero V
	select {
	case r := <-ch:
		return r.value, r.err
	case <-expired:
		if r, ok := c.leave(key, f, ch); ok {
			return r.value, r.err
		}
		if c.opts.Hook != nil {
			c.opts.Hook.CacheTimeout()
		}
		return zero, fmt.Errorf("artifactcache: %w: load still running after %v", errorutil.ErrRetryLater, timeout)
	case <-ctx.Done():
		if r, ok := c.leave(key, f, ch); ok {
			return r.value, r.err
		}
		return zero, ctx.Err()
	}
}

// lookup runs with c.mu held.
func (c *Cache[K, V]) lookup(key K) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	now := c.now()
	if c.idle(e, now) {
		c.lru.Remove(key)
		return zero, false
	}
	e.lastAccess = now
	return e.value, true
}

func (c *Cache[K, V]) idle(e *entry[V], now time.Time) bool {
	return c.opts.IdleTimeout > 0 && now.Sub(e.lastAccess) >= c.opts.IdleTimeout
}

// leave removes a waiter from its flight. A result delivered in the meantime
// is returned.
func (c *Cache[K, V]) leave(key K, f *flight[V], ch chan result[V]) (result[V], bool) {
	c.mu.Lock()
	if c.inflight[key] == f {
		for i, w := range f.waiters {
			if w == ch {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()
	select {
	case r := <-ch:
		return r, true
	default:
		return result[V]{}, false
	}
}

func (c *Cache[K, V]) load(ctx context.Context, key K, f *flight[V], loader Loader[V]) {
	if c.opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.LoadTimeout)
		defer cancel()
	}
	r := run(ctx, loader)

	c.mu.Lock()
	if r.err == nil {
		c.add(key, r.value)
	}
	delete(c.inflight, key)
	waiters := f.waiters
	f.waiters = nil
	c.mu.Unlock()

	if r.err != nil && c.opts.Hook != nil {
		c.opts.Hook.CacheLoadFailed()
	}
	for _, w := range waiters {
		w <- r
	}
}

func run[V any](ctx context.Context, loader Loader[V]) (r result[V]) {
	defer func() {
		if p := recover(); p != nil {
			r = result[V]{err: fmt.Errorf("artifactcache: loader panicked: %v", p)}
		}
	}()
	v, err := loader(ctx)
	return result[V]{value: v, err: err}
}

// add runs with c.mu held.
func (c *Cache[K, V]) add(key K, v V) {
	w := 1
	if c.opts.Weigher != nil {
		w = c.opts.Weigher(v)
	}
	if c.opts.MaxWeight > 0 && w > c.opts.MaxWeight {
		return
	}
	c.lru.Remove(key)
	c.lru.Add(key, &entry[V]{value: v, weight: w, lastAccess: c.now()})
	c.weight += w
	for c.opts.MaxWeight > 0 && c.weight > c.opts.MaxWeight {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Remove drops the cached value of key. An in-flight load is not affected.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// PurgeIdle evicts the values not accessed for the idle timeout and returns
// how many were evicted.
func (c *Cache[K, V]) PurgeIdle() int {
	if c.opts.IdleTimeout <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var purged int
	for {
		// least recently accessed first
		_, e, ok := c.lru.GetOldest()
		if !ok || !c.idle(e, now) {
			return purged
		}
		c.lru.RemoveOldest()
		purged++
	}
}

// RunJanitor purges idle values every interval until ctx is done.
func (c *Cache[K, V]) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || c.opts.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.PurgeIdle()
		}
	}
}

// Len returns the number of cached values.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Weight returns the total weight of the cached values.
func (c *Cache[K, V]) Weight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

func (c *Cache[K, V]) contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

func (c *Cache[K, V]) waiting(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.inflight[key]; ok {
		return len(f.waiters)
	}
	return 0
}
