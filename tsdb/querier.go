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
	"slices"
	"sort"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/model/timestamp"
	"github.com/promkv/promkv/tsdb/index"
)

// Series is the read-facing view of one series.
type Series struct {
	ID     uint64
	Labels labels.Labels

	s *memSeries
}

// Iterator returns a sample iterator over [mint, maxt].
func (s Series) Iterator(mint, maxt int64) *SeriesIterator {
	return s.s.Iterator(mint, maxt)
}

// Samples materializes the samples in [mint, maxt].
func (s Series) Samples(mint, maxt int64) ([]Sample, error) {
	return s.s.Samples(mint, maxt)
}

// Last returns the newest sample.
func (s Series) Last() (Sample, bool) { return s.s.Last() }

// Get returns the sample at exactly ts.
func (s Series) Get(ts int64) (Sample, bool) { return s.s.Get(ts) }

// LastWrite returns the highest written sample timestamp and the wall-clock
// ms of the latest write, for cache staleness checks.
func (s Series) LastWrite() (sampleT, wallT int64) {
	return s.s.lastWriteT.Load(), s.s.lastWriteAt.Load()
}

// PostingsForMatchers resolves the matcher set to the sorted set of series
// IDs whose label sets satisfy every matcher. Equality matchers drive the
// intersection from their posting lists, smallest first; regex and negative
// matchers are applied as a post-filter. A matcher set without a single
// matcher excluding the empty string is rejected.
func (h *Head) PostingsForMatchers(ms ...*labels.Matcher) ([]uint64, error) {
	anchored := false
	for _, m := range ms {
		if !m.MatchesEmpty() {
			anchored = true
			break
		}
	}
	if !anchored {
		return nil, ErrEmptySelector
	}

	var eq []*labels.Matcher
	var post []*labels.Matcher
	for _, m := range ms {
		if m.Type == labels.MatchEqual && m.Value != "" {
			eq = append(eq, m)
		} else {
			post = append(post, m)
		}
	}

	var candidates []uint64
	if len(eq) > 0 {
		// The smallest posting list drives the iteration order.
		sort.Slice(eq, func(i, j int) bool {
			return h.postings.Card(eq[i].Name, eq[i].Value) < h.postings.Card(eq[j].Name, eq[j].Value)
		})
		its := make([]index.Postings, 0, len(eq))
		for _, m := range eq {
			its = append(its, h.postings.Get(m.Name, m.Value))
		}
		ids, err := index.ExpandPostings(index.Intersect(its...))
		if err != nil {
			return nil, err
		}
		candidates = ids
	} else {
		// Entirely regex/negative matchers. At least one of them excludes
		// the empty string, typically the __name__ anchor; scan its value
		// postings rather than the whole registry.
		var anchor *labels.Matcher
		for _, m := range post {
			if !m.MatchesEmpty() {
				anchor = m
				break
			}
		}
		var its []index.Postings
		for _, v := range h.postings.LabelValues(anchor.Name) {
			if anchor.Matches(v) {
				its = append(its, h.postings.Get(anchor.Name, v))
			}
		}
		ids, err := index.ExpandPostings(index.Merge(its...))
		if err != nil {
			return nil, err
		}
		candidates = ids
	}

	if len(post) == 0 {
		return candidates, nil
	}

	res := candidates[:0]
	for _, id := range candidates {
		s := h.series.getByID(id)
		if s == nil {
			continue
		}
		if labels.Selects(post, s.Labels()) {
			res = append(res, id)
		}
	}
	return res, nil
}

// Select returns the series matching the given matchers that have at least
// one chunk overlapping [mint, maxt]. The overlap test is by chunk bounds,
// so a series whose matching chunk holds no sample inside the interval may
// still be returned (false positives, never false negatives).
func (h *Head) Select(mint, maxt int64, ms ...*labels.Matcher) ([]Series, error) {
	ids, err := h.PostingsForMatchers(ms...)
	if err != nil {
		return nil, err
	}
	res := make([]Series, 0, len(ids))
	for _, id := range ids {
		s := h.series.getByID(id)
		if s == nil {
			continue
		}
		if mint != timestamp.MinTime || maxt != timestamp.MaxTime {
			if !s.overlaps(mint, maxt) {
				continue
			}
		}
		res = append(res, Series{ID: id, Labels: s.Labels(), s: s})
	}
	return res, nil
}

// SelectAll returns the matching series regardless of stored samples.
func (h *Head) SelectAll(ms ...*labels.Matcher) ([]Series, error) {
	return h.Select(timestamp.MinTime, timestamp.MaxTime, ms...)
}

func (s *memSeries) overlaps(mint, maxt int64) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, c := range s.chunks {
		if c.chunk.NumSamples() > 0 && c.OverlapsClosedInterval(mint, maxt) {
			return true
		}
	}
	return false
}

// LabelNames returns the sorted label names across series matching the
// selector and interval. Without matchers the full index is consulted.
func (h *Head) LabelNames(mint, maxt int64, ms ...*labels.Matcher) ([]string, error) {
	if len(ms) == 0 && mint == timestamp.MinTime && maxt == timestamp.MaxTime {
		return h.postings.LabelNames(), nil
	}
	series, err := h.selectForMeta(mint, maxt, ms)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, s := range series {
		for _, l := range s.Labels {
			seen[l.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

// LabelValues returns the sorted unique values of the given label name
// across series matching the selector and interval.
func (h *Head) LabelValues(name string, mint, maxt int64, ms ...*labels.Matcher) ([]string, error) {
	if len(ms) == 0 && mint == timestamp.MinTime && maxt == timestamp.MaxTime {
		return h.postings.LabelValues(name), nil
	}
	series, err := h.selectForMeta(mint, maxt, ms)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, s := range series {
		if v := s.Labels.Get(name); v != "" {
			seen[v] = struct{}{}
		}
	}
	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	slices.Sort(values)
	return values, nil
}

// Cardinality returns the number of series matching the selector with data
// in the interval.
func (h *Head) Cardinality(mint, maxt int64, ms ...*labels.Matcher) (int, error) {
	series, err := h.selectForMeta(mint, maxt, ms)
	if err != nil {
		return 0, err
	}
	return len(series), nil
}

// selectForMeta is Select with the empty-selector restriction lifted:
// metadata lookups may scan everything.
func (h *Head) selectForMeta(mint, maxt int64, ms []*labels.Matcher) ([]Series, error) {
	if len(ms) > 0 {
		anchored := false
		for _, m := range ms {
			if !m.MatchesEmpty() {
				anchored = true
				break
			}
		}
		if anchored {
			return h.Select(mint, maxt, ms...)
		}
	}
	var res []Series
	h.series.iterate(func(s *memSeries) {
		if len(ms) > 0 && !labels.Selects(ms, s.Labels()) {
			return
		}
		if (mint != timestamp.MinTime || maxt != timestamp.MaxTime) && !s.overlaps(mint, maxt) {
			return
		}
		res = append(res, Series{ID: s.ref, Labels: s.Labels(), s: s})
	})
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}
