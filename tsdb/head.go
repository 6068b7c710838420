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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/model/timestamp"
	"github.com/promkv/promkv/tsdb/index"
)

// DefaultChunkRange is the number of samples a chunk holds before a new one
// is cut.
const DefaultChunkRange = 240

const (
	// MinChunkRange and MaxChunkRange bound the per-series chunk size option.
	MinChunkRange = 64
	MaxChunkRange = 4096
)

// Options configures a Head.
type Options struct {
	// Retention is the default retention applied to series without their
	// own. Zero means keep forever.
	Retention time.Duration

	// ChunkRange is the default samples-per-chunk target.
	ChunkRange int

	// OutOfOrderWindow is how far behind the newest sample of a series an
	// append may reach, in milliseconds.
	OutOfOrderWindow int64
}

// DefaultOptions returns the default head options.
func DefaultOptions() *Options {
	return &Options{
		ChunkRange: DefaultChunkRange,
	}
}

type headMetrics struct {
	series          prometheus.Gauge
	seriesCreated   prometheus.Counter
	seriesRemoved   prometheus.Counter
	samplesAppended prometheus.Counter
	samplesDeleted  prometheus.Counter
	outOfOrder      prometheus.Counter
}

func newHeadMetrics(r prometheus.Registerer) *headMetrics {
	m := &headMetrics{
		series: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promkv_head_series",
			Help: "Total number of series in the head.",
		}),
		seriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promkv_head_series_created_total",
			Help: "Total number of series created.",
		}),
		seriesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promkv_head_series_removed_total",
			Help: "Total number of series removed.",
		}),
		samplesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promkv_head_samples_appended_total",
			Help: "Total number of appended samples.",
		}),
		samplesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promkv_head_samples_deleted_total",
			Help: "Total number of samples removed by deletes and retention.",
		}),
		outOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promkv_head_out_of_order_samples_total",
			Help: "Total number of rejected out-of-order samples.",
		}),
	}
	if r != nil {
		r.MustRegister(m.series, m.seriesCreated, m.seriesRemoved,
			m.samplesAppended, m.samplesDeleted, m.outOfOrder)
	}
	return m
}

// Head is the in-memory database: the series registry, the inverted index
// and the per-series storage behind it.
type Head struct {
	opts    *Options
	logger  *slog.Logger
	metrics *headMetrics

	lastSeriesID atomic.Uint64

	symbols  *index.SymbolTable
	postings *index.MemPostings
	series   *stripeSeries

	numSeries atomic.Int64

	// epoch increments on any change to the series population. Cached query
	// results are valid only within one epoch.
	epoch atomic.Uint64
}

// Epoch returns the current series-population epoch.
func (h *Head) Epoch() uint64 { return h.epoch.Load() }

// NewHead returns a new Head.
func NewHead(opts *Options, logger *slog.Logger, r prometheus.Registerer) *Head {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.ChunkRange <= 0 {
		opts.ChunkRange = DefaultChunkRange
	}
	if logger == nil {
		logger = slog.Default()
	}
	symbols := index.NewSymbolTable()
	return &Head{
		opts:     opts,
		logger:   logger,
		metrics:  newHeadMetrics(r),
		symbols:  symbols,
		postings: index.NewMemPostings(symbols),
		series:   newStripeSeries(),
	}
}

// SeriesOptions carries per-series overrides at creation time.
type SeriesOptions struct {
	// Retention overrides the database default. Zero inherits.
	Retention time.Duration

	// ChunkRange overrides the default samples-per-chunk, clamped to
	// [MinChunkRange, MaxChunkRange]. Zero inherits.
	ChunkRange int
}

// GetOrCreate returns the series for the given label set, creating it if
// needed. Creation is atomic: racing creators for the same label set see
// exactly one winner. The new series is registered in the index before the
// call returns, so its first sample and index entry become visible together.
func (h *Head) GetOrCreate(lset labels.Labels, opts *SeriesOptions) (Series, bool) {
	s, created := h.getOrCreate(lset, opts)
	return Series{ID: s.ref, Labels: s.Labels(), s: s}, created
}

func (h *Head) getOrCreate(lset labels.Labels, opts *SeriesOptions) (*memSeries, bool) {
	hash := lset.Hash()
	if s := h.series.getByHash(hash, lset); s != nil {
		return s, false
	}
	return h.getOrCreateWithHash(lset, hash, opts)
}

func (h *Head) getOrCreateWithHash(lset labels.Labels, hash uint64, opts *SeriesOptions) (*memSeries, bool) {
	chunkRange := h.opts.ChunkRange
	var retention time.Duration
	if opts != nil {
		if opts.ChunkRange != 0 {
			chunkRange = clampChunkRange(opts.ChunkRange)
		}
		retention = opts.Retention
	}

	s := newMemSeries(lset, h.lastSeriesID.Inc(), hash, timestamp.FromTime(time.Now()), chunkRange, h.opts.OutOfOrderWindow)
	s.retention.Store(int64(retention))

	s, created := h.series.getOrSet(hash, lset, s)
	if !created {
		return s, false
	}

	h.postings.Add(s.ref, lset)
	h.numSeries.Inc()
	h.epoch.Inc()
	h.metrics.series.Inc()
	h.metrics.seriesCreated.Inc()
	return s, true
}

func clampChunkRange(n int) int {
	if n < MinChunkRange {
		return MinChunkRange
	}
	if n > MaxChunkRange {
		return MaxChunkRange
	}
	return n
}

// Create registers a new series and fails if the label set already exists.
func (h *Head) Create(lset labels.Labels, opts *SeriesOptions) (Series, error) {
	s, created := h.GetOrCreate(lset, opts)
	if !created {
		return Series{}, fmt.Errorf("%w: %s", ErrDuplicateSeries, lset)
	}
	return s, nil
}

// SeriesByID returns the series view with the given ID.
func (h *Head) SeriesByID(id uint64) (Series, error) {
	s := h.series.getByID(id)
	if s == nil {
		return Series{}, ErrNotFound
	}
	return Series{ID: id, Labels: s.Labels(), s: s}, nil
}

// Append adds a sample to the series with the given ID.
func (h *Head) Append(id uint64, t int64, v float64) error {
	s := h.series.getByID(id)
	if s == nil {
		return ErrNotFound
	}
	err := s.append(t, v, timestamp.FromTime(time.Now()))
	switch {
	case err == nil:
		h.metrics.samplesAppended.Inc()
	case errors.Is(err, ErrOutOfOrder):
		h.metrics.outOfOrder.Inc()
	}
	return err
}

// DeleteSamples removes the samples of one series in [mint, maxt] and
// returns the count. The series itself stays registered even when emptied.
func (h *Head) DeleteSamples(id uint64, mint, maxt int64) (int, error) {
	s := h.series.getByID(id)
	if s == nil {
		return 0, ErrNotFound
	}
	n, err := s.DeleteRange(mint, maxt)
	if n > 0 {
		h.metrics.samplesDeleted.Add(float64(n))
	}
	return n, err
}

// DeleteSeries removes the given series entirely: registry entry, index
// postings and storage. Posting removal is synchronous.
func (h *Head) DeleteSeries(ids ...uint64) int {
	removed := 0
	for _, id := range ids {
		s := h.series.getByID(id)
		if s == nil {
			continue
		}
		h.postings.Delete(id, s.Labels())
		h.series.delete(id, s.hash, s.Labels())
		h.numSeries.Dec()
		h.epoch.Inc()
		h.metrics.series.Dec()
		h.metrics.seriesRemoved.Inc()
		removed++
	}
	return removed
}

// Relabel adds labels to an existing series (additive only) and reindexes
// it under the merged label set.
func (h *Head) Relabel(id uint64, add labels.Labels) error {
	s := h.series.getByID(id)
	if s == nil {
		return ErrNotFound
	}
	old := s.Labels()
	b := labels.NewBuilder(old)
	for _, l := range add {
		b.Set(l.Name, l.Value)
	}
	merged := b.Labels()
	if labels.Equal(old, merged) {
		return nil
	}
	hash := merged.Hash()
	if ex := h.series.getByHash(hash, merged); ex != nil && ex.ref != s.ref {
		return fmt.Errorf("%w: %s", ErrDuplicateSeries, merged)
	}

	h.postings.Delete(s.ref, old)
	h.series.relabel(s, merged, hash)
	h.postings.Add(s.ref, merged)
	h.epoch.Inc()
	return nil
}

// SetRetention overrides the retention of one series.
func (h *Head) SetRetention(id uint64, d time.Duration) error {
	s := h.series.getByID(id)
	if s == nil {
		return ErrNotFound
	}
	s.retention.Store(int64(d))
	return nil
}

// Truncate applies retention relative to now: for every series with a
// finite retention, samples older than now-retention are dropped. Series
// are not removed even when emptied.
func (h *Head) Truncate(now time.Time) int {
	nowMs := timestamp.FromTime(now)
	dropped := 0
	h.series.iterate(func(s *memSeries) {
		ret := time.Duration(s.retention.Load())
		if ret == 0 {
			ret = h.opts.Retention
		}
		if ret <= 0 {
			return
		}
		n, err := s.Truncate(nowMs - ret.Milliseconds())
		if err != nil {
			h.logger.Warn("retention truncate failed", "series", s.Labels().String(), "err", err)
			return
		}
		dropped += n
	})
	if dropped > 0 {
		h.metrics.samplesDeleted.Add(float64(dropped))
		h.logger.Debug("retention pass complete", "samples_dropped", dropped)
	}
	return dropped
}

// NumSeries returns the number of registered series.
func (h *Head) NumSeries() int64 {
	return h.numSeries.Load()
}

// Stats summarizes head state.
type Stats struct {
	NumSeries  int64
	NumSamples int64
	NumSymbols int
	LabelNames int
}

// Stats returns a snapshot of head counters.
func (h *Head) Stats() Stats {
	st := Stats{
		NumSeries:  h.numSeries.Load(),
		NumSymbols: h.symbols.Len(),
		LabelNames: len(h.postings.LabelNames()),
	}
	h.series.iterate(func(s *memSeries) {
		st.NumSamples += int64(s.NumSamples())
	})
	return st
}

const stripeSize = 128

// stripeSeries holds series by ID and by label-set hash, sharded to keep
// lock contention down. The create path serializes on the hash shard so
// racing creates of one label set have a single winner.
type stripeSeries struct {
	series [stripeSize]map[uint64]*memSeries
	hashes [stripeSize]seriesHashmap
	locks  [stripeSize]stripeLock
}

type stripeLock struct {
	sync.RWMutex
	// Padding to avoid multiple locks being on the same cache line.
	_ [40]byte
}

func newStripeSeries() *stripeSeries {
	s := &stripeSeries{}
	for i := range s.series {
		s.series[i] = map[uint64]*memSeries{}
	}
	for i := range s.hashes {
		s.hashes[i] = seriesHashmap{}
	}
	return s
}

func (s *stripeSeries) getByID(id uint64) *memSeries {
	i := id & (stripeSize - 1)

	s.locks[i].RLock()
	series := s.series[i][id]
	s.locks[i].RUnlock()

	return series
}

func (s *stripeSeries) getByHash(hash uint64, lset labels.Labels) *memSeries {
	i := hash & (stripeSize - 1)

	s.locks[i].RLock()
	series := s.hashes[i].get(hash, lset)
	s.locks[i].RUnlock()

	return series
}

func (s *stripeSeries) getOrSet(hash uint64, lset labels.Labels, series *memSeries) (*memSeries, bool) {
	i := hash & (stripeSize - 1)

	s.locks[i].Lock()
	if prev := s.hashes[i].get(hash, lset); prev != nil {
		s.locks[i].Unlock()
		return prev, false
	}
	s.hashes[i].set(hash, series)
	s.locks[i].Unlock()

	i = series.ref & (stripeSize - 1)
	s.locks[i].Lock()
	s.series[i][series.ref] = series
	s.locks[i].Unlock()

	return series, true
}

func (s *stripeSeries) delete(id, hash uint64, lset labels.Labels) {
	i := hash & (stripeSize - 1)
	s.locks[i].Lock()
	s.hashes[i].del(hash, lset)
	s.locks[i].Unlock()

	i = id & (stripeSize - 1)
	s.locks[i].Lock()
	delete(s.series[i], id)
	s.locks[i].Unlock()
}

func (s *stripeSeries) relabel(series *memSeries, merged labels.Labels, hash uint64) {
	old := series.Labels()
	oldHash := series.hash

	i := oldHash & (stripeSize - 1)
	s.locks[i].Lock()
	s.hashes[i].del(oldHash, old)
	s.locks[i].Unlock()

	series.mtx.Lock()
	series.lset = merged
	series.hash = hash
	series.mtx.Unlock()

	i = hash & (stripeSize - 1)
	s.locks[i].Lock()
	s.hashes[i].set(hash, series)
	s.locks[i].Unlock()
}

func (s *stripeSeries) iterate(f func(*memSeries)) {
	for i := 0; i < stripeSize; i++ {
		s.locks[i].RLock()
		all := make([]*memSeries, 0, len(s.series[i]))
		for _, series := range s.series[i] {
			all = append(all, series)
		}
		s.locks[i].RUnlock()
		for _, series := range all {
			f(series)
		}
	}
}

// seriesHashmap is a map of label-set hash to series, resolving collisions
// by exact label comparison.
type seriesHashmap map[uint64][]*memSeries

func (m seriesHashmap) get(hash uint64, lset labels.Labels) *memSeries {
	for _, s := range m[hash] {
		if labels.Equal(s.lset, lset) {
			return s
		}
	}
	return nil
}

func (m seriesHashmap) set(hash uint64, s *memSeries) {
	l := m[hash]
	for i, prev := range l {
		if labels.Equal(prev.lset, s.lset) {
			l[i] = s
			return
		}
	}
	m[hash] = append(l, s)
}

func (m seriesHashmap) del(hash uint64, lset labels.Labels) {
	var rem []*memSeries
	for _, s := range m[hash] {
		if !labels.Equal(s.lset, lset) {
			rem = append(rem, s)
		}
	}
	if len(rem) == 0 {
		delete(m, hash)
	} else {
		m[hash] = rem
	}
}
