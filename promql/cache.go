// Copyright 2024 The PromKV Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package promql

import (
	"strconv"
	"sync"
	"time"

	gcache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/tsdb"
)

const (
	// defaultCacheMaxBytes bounds the rollup cache when no size is configured.
	defaultCacheMaxBytes = 64 << 20

	// cacheEntryOverhead is the assumed fixed per-entry footprint used to
	// derive the entry capacity of the backing LRU from the byte budget.
	cacheEntryOverhead = 32 << 10

	// maxSingleFlightWaiters bounds how many callers may attach to one
	// in-flight computation before backpressure kicks in.
	maxSingleFlightWaiters = 64
)

// cacheEntry is a cached query result with the metadata needed for soft
// invalidation.
type cacheEntry struct {
	value      Value
	touched    []tsdb.Series
	computedAt int64  // Wall clock, milliseconds.
	start      int64  // Query start timestamp.
	epoch      uint64 // Series-population epoch at compute time.
	cost       int64  // compute_time_ms * size_bytes.
	sizeBytes  int64
}

// rollupCache memoizes query results keyed by the query fingerprint.
// Concurrent identical queries share one backing execution through the
// single-flight group; the waiter set per fingerprint is bounded.
//
// Invalidation is soft: an entry is served only while none of the series it
// touched has received a write with ts >= start since it was computed.
type rollupCache struct {
	mtx     sync.Mutex
	entries *gcache.Cache[uint64, *cacheEntry]

	maxBytes   int64
	totalBytes atomic.Int64

	group   singleflight.Group
	waiters sync.Map // fingerprint -> *atomic.Int32

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newRollupCache(maxBytes int64) *rollupCache {
	if maxBytes <= 0 {
		maxBytes = defaultCacheMaxBytes
	}
	capacity := int(maxBytes / cacheEntryOverhead)
	if capacity < 64 {
		capacity = 64
	}
	return &rollupCache{
		entries:  gcache.New(gcache.AsLRU[uint64, *cacheEntry](lru.WithCapacity(capacity))),
		maxBytes: maxBytes,
	}
}

// do returns the cached value for fp if still valid, otherwise computes it,
// deduplicating concurrent identical computations.
func (c *rollupCache) do(fp uint64, start int64, epoch func() uint64, compute func() (Value, []tsdb.Series, error)) (Value, error) {
	if v, ok := c.get(fp, epoch()); ok {
		c.hits.Inc()
		return v, nil
	}
	c.misses.Inc()

	wp, _ := c.waiters.LoadOrStore(fp, atomic.NewInt32(0))
	w := wp.(*atomic.Int32)
	if w.Inc() > maxSingleFlightWaiters {
		w.Dec()
		return nil, ErrQueryBusy("query result computation")
	}
	defer w.Dec()

	began := time.Now()
	v, err, _ := c.group.Do(strconv.FormatUint(fp, 16), func() (interface{}, error) {
		val, touched, err := compute()
		if err != nil {
			return nil, err
		}
		c.put(fp, &cacheEntry{
			value:      val,
			touched:    touched,
			computedAt: timeMilliseconds(),
			start:      start,
			epoch:      epoch(),
			sizeBytes:  valueSizeBytes(val),
		}, time.Since(began))
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Value), nil
}

// get returns a still-valid entry.
func (c *rollupCache) get(fp uint64, epoch uint64) (Value, bool) {
	c.mtx.Lock()
	e, ok := c.entries.Get(fp)
	c.mtx.Unlock()
	if !ok {
		return nil, false
	}
	if e.epoch != epoch {
		c.remove(fp, e)
		return nil, false
	}
	// Reject stale hits: a write with ts >= start newer than the
	// computation invalidates the entry.
	for _, s := range e.touched {
		sampleT, wallT := s.LastWrite()
		if wallT >= e.computedAt && sampleT >= e.start {
			c.remove(fp, e)
			return nil, false
		}
	}
	return e.value, true
}

func (c *rollupCache) put(fp uint64, e *cacheEntry, computeTime time.Duration) {
	e.cost = computeTime.Milliseconds() * e.sizeBytes

	if e.sizeBytes > c.maxBytes/4 {
		// Oversized results would evict too much else to be worth keeping.
		return
	}
	c.mtx.Lock()
	c.entries.Set(fp, e)
	c.mtx.Unlock()

	if c.totalBytes.Add(e.sizeBytes) > c.maxBytes {
		// The LRU capacity bounds entries; the byte budget is the harder
		// limit, enforced coarsely by dropping everything once exceeded.
		c.reset()
	}
}

func (c *rollupCache) remove(fp uint64, e *cacheEntry) {
	c.mtx.Lock()
	c.entries.Delete(fp)
	c.mtx.Unlock()
	c.totalBytes.Sub(e.sizeBytes)
}

// reset drops the entire cache.
func (c *rollupCache) reset() {
	c.mtx.Lock()
	for _, k := range c.entries.Keys() {
		c.entries.Delete(k)
	}
	c.mtx.Unlock()
	c.totalBytes.Store(0)
}

func (c *rollupCache) stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// valueSizeBytes estimates the in-memory footprint of a result value.
func valueSizeBytes(v Value) int64 {
	const pointSize = 16
	var n int64
	switch val := v.(type) {
	case Scalar:
		n = pointSize
	case String:
		n = int64(len(val.V))
	case Vector:
		for _, s := range val {
			n += pointSize + labelsSizeBytes(s.Metric)
		}
	case Matrix:
		for _, s := range val {
			n += int64(len(s.Points))*pointSize + labelsSizeBytes(s.Metric)
		}
	}
	if n == 0 {
		n = pointSize
	}
	return n
}

func labelsSizeBytes(lset labels.Labels) int64 {
	var n int64
	for _, l := range lset {
		n += int64(len(l.Name) + len(l.Value))
	}
	return n
}
