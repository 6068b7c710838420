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

package tsdb

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/tsdb/chunkenc"
)

// Sample is a single timestamp/value pair.
type Sample struct {
	T int64
	V float64
}

// memChunk wraps an encoded chunk with its time bounds. Sealed chunks are
// immutable and may be read without holding the series lock.
type memChunk struct {
	chunk   chunkenc.Chunk
	minTime int64
	maxTime int64
}

// OverlapsClosedInterval returns true if the chunk overlaps [mint, maxt].
func (mc *memChunk) OverlapsClosedInterval(mint, maxt int64) bool {
	return mc.minTime <= maxt && mint <= mc.maxTime
}

func (mc *memChunk) samples() ([]Sample, error) {
	res := make([]Sample, 0, mc.chunk.NumSamples())
	it := mc.chunk.Iterator(nil)
	for it.Next() {
		t, v := it.At()
		res = append(res, Sample{T: t, V: v})
	}
	return res, it.Err()
}

// memSeries is the in-memory representation of a series. Its chunk chain is
// ordered by time, the last chunk is the only one accepting appends.
type memSeries struct {
	mtx sync.RWMutex

	ref  uint64
	lset labels.Labels
	hash uint64

	createdAt int64

	// retention in milliseconds. Zero means the database default applies.
	retention atomic.Int64

	chunkRange int // Samples per chunk before a new one is cut.
	oooWindow  int64

	chunks []*memChunk
	app    chunkenc.Appender // Appender of the head chunk.

	// lastWriteT is the highest sample timestamp ever written, lastWriteAt
	// the wall-clock instant of the most recent write. Both feed rollup
	// cache staleness checks without taking the series lock.
	lastWriteT  atomic.Int64
	lastWriteAt atomic.Int64
}

func newMemSeries(lset labels.Labels, ref, hash uint64, createdAt int64, chunkRange int, oooWindow int64) *memSeries {
	s := &memSeries{
		ref:        ref,
		lset:       lset,
		hash:       hash,
		createdAt:  createdAt,
		chunkRange: chunkRange,
		oooWindow:  oooWindow,
	}
	s.lastWriteT.Store(minInt64)
	return s
}

const minInt64 = -9223372036854775808

// Labels returns the series label set. The returned value must not be
// mutated.
func (s *memSeries) Labels() labels.Labels {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.lset
}

func (s *memSeries) head() *memChunk {
	if len(s.chunks) == 0 {
		return nil
	}
	return s.chunks[len(s.chunks)-1]
}

// cut seals the current head chunk, if any, and starts a new one.
func (s *memSeries) cut() error {
	if h := s.head(); h != nil {
		h.chunk.Compact()
	}
	c := chunkenc.NewXORChunk()
	app, err := c.Appender()
	if err != nil {
		return err
	}
	s.chunks = append(s.chunks, &memChunk{chunk: c, minTime: maxInt64, maxTime: minInt64})
	s.app = app
	return nil
}

const maxInt64 = 9223372036854775807

// append adds the sample to the series, cutting a new head chunk when the
// current one is full. Appends with t older than the newest sample are
// accepted within the out-of-order window by rewriting the head chunk; an
// equal timestamp overwrites the existing head sample (last-write-wins).
// Anything reaching into sealed chunks is rejected.
func (s *memSeries) append(t int64, v float64, wallT int64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.appendLocked(t, v); err != nil {
		return err
	}
	if t > s.lastWriteT.Load() {
		s.lastWriteT.Store(t)
	}
	s.lastWriteAt.Store(wallT)
	return nil
}

func (s *memSeries) appendLocked(t int64, v float64) error {
	h := s.head()
	if h == nil {
		if err := s.cut(); err != nil {
			return err
		}
		h = s.head()
	}

	if len(s.chunks) > 1 && t <= s.chunks[len(s.chunks)-2].maxTime {
		// Reaches into a sealed chunk.
		return ErrOutOfOrder
	}

	switch {
	case h.chunk.NumSamples() == 0 || t > h.maxTime:
		if h.chunk.NumSamples() >= s.chunkRange {
			if err := s.cut(); err != nil {
				return err
			}
			h = s.head()
		}
		s.app.Append(t, v)
		if t < h.minTime {
			h.minTime = t
		}
		h.maxTime = t
		return nil

	case t >= h.minTime && t >= h.maxTime-s.oooWindow:
		// In-window out-of-order or equal-timestamp write: rewrite the head
		// chunk with the sample spliced in.
		return s.rewriteHead(t, v)

	default:
		return ErrOutOfOrder
	}
}

// rewriteHead decodes the head chunk, inserts or replaces the sample and
// re-encodes. Only reached for writes within the out-of-order window.
func (s *memSeries) rewriteHead(t int64, v float64) error {
	h := s.head()
	samples, err := h.samples()
	if err != nil {
		return err
	}

	replaced := false
	for i := range samples {
		if samples[i].T == t {
			samples[i].V = v
			replaced = true
			break
		}
	}
	if !replaced {
		i := 0
		for i < len(samples) && samples[i].T < t {
			i++
		}
		samples = append(samples, Sample{})
		copy(samples[i+1:], samples[i:])
		samples[i] = Sample{T: t, V: v}
	}
	return s.replaceHead(samples)
}

// replaceHead rebuilds the head chunk from the given ordered samples.
func (s *memSeries) replaceHead(samples []Sample) error {
	c := chunkenc.NewXORChunk()
	app, err := c.Appender()
	if err != nil {
		return err
	}
	h := s.head()
	h.minTime, h.maxTime = maxInt64, minInt64
	for _, sm := range samples {
		app.Append(sm.T, sm.V)
		if sm.T < h.minTime {
			h.minTime = sm.T
		}
		if sm.T > h.maxTime {
			h.maxTime = sm.T
		}
	}
	h.chunk = c
	s.app = app
	return nil
}

// chunkSnapshot returns the chunk handles overlapping [mint, maxt]. The head
// chunk's bytes keep being appended to, so its current byte view is copied;
// sealed chunks are shared.
func (s *memSeries) chunkSnapshot(mint, maxt int64) []*memChunk {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []*memChunk
	for i, c := range s.chunks {
		if c.chunk.NumSamples() == 0 || !c.OverlapsClosedInterval(mint, maxt) {
			continue
		}
		if i == len(s.chunks)-1 {
			b := c.chunk.Bytes()
			buf := make([]byte, len(b))
			copy(buf, b)
			cp, err := chunkenc.FromData(chunkenc.EncXOR, buf)
			if err != nil {
				continue
			}
			res = append(res, &memChunk{chunk: cp, minTime: c.minTime, maxTime: c.maxTime})
			continue
		}
		res = append(res, c)
	}
	return res
}

// Iterator returns an iterator over the samples with mint <= t <= maxt.
func (s *memSeries) Iterator(mint, maxt int64) *SeriesIterator {
	return &SeriesIterator{
		chunks: s.chunkSnapshot(mint, maxt),
		mint:   mint,
		maxt:   maxt,
	}
}

// Samples returns the samples with mint <= t <= maxt, materialized.
func (s *memSeries) Samples(mint, maxt int64) ([]Sample, error) {
	var res []Sample
	it := s.Iterator(mint, maxt)
	for it.Next() {
		t, v := it.At()
		res = append(res, Sample{T: t, V: v})
	}
	return res, it.Err()
}

// NumSamples returns the total number of samples in the series.
func (s *memSeries) NumSamples() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	n := 0
	for _, c := range s.chunks {
		n += c.chunk.NumSamples()
	}
	return n
}

// MinTime returns the timestamp of the oldest stored sample.
func (s *memSeries) MinTime() (int64, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, c := range s.chunks {
		if c.chunk.NumSamples() > 0 {
			return c.minTime, true
		}
	}
	return 0, false
}

// Last returns the newest sample of the series.
func (s *memSeries) Last() (Sample, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for i := len(s.chunks) - 1; i >= 0; i-- {
		c := s.chunks[i]
		if c.chunk.NumSamples() == 0 {
			continue
		}
		var last Sample
		it := c.chunk.Iterator(nil)
		for it.Next() {
			t, v := it.At()
			last = Sample{T: t, V: v}
		}
		if it.Err() != nil {
			return Sample{}, false
		}
		return last, true
	}
	return Sample{}, false
}

// Get returns the sample at exactly ts, if present.
func (s *memSeries) Get(ts int64) (Sample, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for _, c := range s.chunks {
		if c.chunk.NumSamples() == 0 || !c.OverlapsClosedInterval(ts, ts) {
			continue
		}
		it := c.chunk.Iterator(nil)
		for it.Next() {
			t, v := it.At()
			if t == ts {
				return Sample{T: t, V: v}, true
			}
			if t > ts {
				break
			}
		}
	}
	return Sample{}, false
}

// DeleteRange removes all samples with mint <= t <= maxt and returns how
// many were dropped. Fully covered sealed chunks are dropped wholesale,
// partially covered ones are rebuilt; the head chunk is rewritten in place.
// The series stays registered even when emptied.
func (s *memSeries) DeleteRange(mint, maxt int64) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	deleted := 0
	kept := s.chunks[:0]
	for i, c := range s.chunks {
		isHead := i == len(s.chunks)-1
		switch {
		case c.chunk.NumSamples() == 0 || !c.OverlapsClosedInterval(mint, maxt):
			kept = append(kept, c)

		case !isHead && mint <= c.minTime && c.maxTime <= maxt:
			deleted += c.chunk.NumSamples()

		default:
			samples, err := c.samples()
			if err != nil {
				return deleted, err
			}
			remain := samples[:0]
			for _, sm := range samples {
				if sm.T < mint || sm.T > maxt {
					remain = append(remain, sm)
				} else {
					deleted++
				}
			}
			if len(remain) == 0 && !isHead {
				continue
			}
			nc := chunkenc.NewXORChunk()
			app, err := nc.Appender()
			if err != nil {
				return deleted, err
			}
			rebuilt := &memChunk{chunk: nc, minTime: maxInt64, maxTime: minInt64}
			for _, sm := range remain {
				app.Append(sm.T, sm.V)
				if sm.T < rebuilt.minTime {
					rebuilt.minTime = sm.T
				}
				if sm.T > rebuilt.maxTime {
					rebuilt.maxTime = sm.T
				}
			}
			if isHead {
				s.app = app
			} else {
				rebuilt.chunk.Compact()
			}
			kept = append(kept, rebuilt)
		}
	}
	s.chunks = kept
	if len(s.chunks) == 0 {
		s.app = nil
	}
	return deleted, nil
}

// Truncate drops all samples with t < mint and returns how many were
// removed. Sealed chunks entirely below the boundary are dropped without
// decoding; the boundary chunk is partially trimmed.
func (s *memSeries) Truncate(mint int64) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(s.chunks) == 0 {
		return 0, nil
	}
	dropped := 0
	kept := s.chunks[:0]
	for i, c := range s.chunks {
		isHead := i == len(s.chunks)-1
		switch {
		case c.chunk.NumSamples() == 0 || c.minTime >= mint:
			kept = append(kept, c)

		case c.maxTime < mint && !isHead:
			dropped += c.chunk.NumSamples()

		default:
			samples, err := c.samples()
			if err != nil {
				return dropped, err
			}
			remain := samples[:0]
			for _, sm := range samples {
				if sm.T >= mint {
					remain = append(remain, sm)
				} else {
					dropped++
				}
			}
			if len(remain) == 0 && !isHead {
				continue
			}
			nc := chunkenc.NewXORChunk()
			app, err := nc.Appender()
			if err != nil {
				return dropped, err
			}
			rebuilt := &memChunk{chunk: nc, minTime: maxInt64, maxTime: minInt64}
			for _, sm := range remain {
				app.Append(sm.T, sm.V)
				if sm.T < rebuilt.minTime {
					rebuilt.minTime = sm.T
				}
				if sm.T > rebuilt.maxTime {
					rebuilt.maxTime = sm.T
				}
			}
			if isHead {
				s.app = app
			} else {
				rebuilt.chunk.Compact()
			}
			kept = append(kept, rebuilt)
		}
	}
	s.chunks = kept
	if len(s.chunks) == 0 {
		s.app = nil
	}
	return dropped, nil
}

// SeriesIterator iterates the ordered sample stream of one series over a
// snapshot of its chunk chain, skipping chunks outside the requested range
// without decoding them.
type SeriesIterator struct {
	chunks []*memChunk
	mint   int64
	maxt   int64

	i   int
	cur chunkenc.Iterator
	t   int64
	v   float64
	err error
}

// Next advances to the next sample within bounds.
func (it *SeriesIterator) Next() bool {
	for {
		if it.cur == nil {
			if it.i >= len(it.chunks) {
				return false
			}
			it.cur = it.chunks[it.i].chunk.Iterator(nil)
			it.i++
		}
		for it.cur.Next() {
			t, v := it.cur.At()
			if t < it.mint {
				continue
			}
			if t > it.maxt {
				// Chunks are time-ordered, nothing further can match.
				it.exhaust()
				return false
			}
			it.t, it.v = t, v
			return true
		}
		if err := it.cur.Err(); err != nil {
			it.err = err
			return false
		}
		it.cur = nil
	}
}

func (it *SeriesIterator) exhaust() {
	it.cur = nil
	it.i = len(it.chunks)
}

// At returns the current sample.
func (it *SeriesIterator) At() (int64, float64) { return it.t, it.v }

// Err returns the first error encountered while iterating.
func (it *SeriesIterator) Err() error { return it.err }
