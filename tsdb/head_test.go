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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/model/timestamp"
)

func newTestHead(t testing.TB, opts *Options) *Head {
	t.Helper()
	return NewHead(opts, nil, nil)
}

func TestHeadGetOrCreate(t *testing.T) {
	h := newTestHead(t, nil)

	lset := labels.FromStrings(labels.MetricName, "up", "job", "a")
	s1, created := h.GetOrCreate(lset, nil)
	require.True(t, created)
	require.Equal(t, uint64(1), s1.ID)
	require.Equal(t, lset, s1.Labels)

	s2, created := h.GetOrCreate(lset, nil)
	require.False(t, created)
	require.Equal(t, s1.ID, s2.ID)

	s3, created := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up", "job", "b"), nil)
	require.True(t, created)
	require.Equal(t, uint64(2), s3.ID)

	require.Equal(t, int64(2), h.NumSeries())
}

func TestHeadGetOrCreateConcurrent(t *testing.T) {
	h := newTestHead(t, nil)
	lset := labels.FromStrings(labels.MetricName, "up")

	const n = 64
	var wg sync.WaitGroup
	ids := make([]uint64, n)
	createdCount := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, created := h.GetOrCreate(lset, nil)
			ids[i] = s.ID
			createdCount[i] = created
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < n; i++ {
		require.Equal(t, ids[0], ids[i])
		if createdCount[i] {
			winners++
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, int64(1), h.NumSeries())
}

func TestHeadCreateDuplicate(t *testing.T) {
	h := newTestHead(t, nil)
	lset := labels.FromStrings(labels.MetricName, "up")
	_, err := h.Create(lset, nil)
	require.NoError(t, err)
	_, err = h.Create(lset, nil)
	require.ErrorIs(t, err, ErrDuplicateSeries)
}

func TestHeadDeleteSeries(t *testing.T) {
	h := newTestHead(t, nil)
	s, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up", "job", "a"), nil)
	require.NoError(t, h.Append(s.ID, 1000, 1))

	require.Equal(t, 1, h.DeleteSeries(s.ID))

	// Registry and index entries are gone.
	_, err := h.SeriesByID(s.ID)
	require.ErrorIs(t, err, ErrNotFound)
	ids, err := h.PostingsForMatchers(labels.MustNewMatcher(labels.MatchEqual, labels.MetricName, "up"))
	require.NoError(t, err)
	require.Empty(t, ids)

	// Deleting again is a no-op.
	require.Equal(t, 0, h.DeleteSeries(s.ID))
}

func TestHeadFingerprintCollision(t *testing.T) {
	newTestHead(t, nil)
	// Identical hash buckets are resolved by exact label comparison; force
	// the slow path by using the internal hashmap directly.
	l1 := labels.FromStrings(labels.MetricName, "a")
	l2 := labels.FromStrings(labels.MetricName, "b")
	m := seriesHashmap{}
	m.set(42, newMemSeries(l1, 1, 42, 0, DefaultChunkRange, 0))
	m.set(42, newMemSeries(l2, 2, 42, 0, DefaultChunkRange, 0))
	require.Equal(t, uint64(1), m.get(42, l1).ref)
	require.Equal(t, uint64(2), m.get(42, l2).ref)
	m.del(42, l1)
	require.Nil(t, m.get(42, l1))
	require.Equal(t, uint64(2), m.get(42, l2).ref)
}

func TestHeadRelabel(t *testing.T) {
	h := newTestHead(t, nil)
	s, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up", "job", "a"), nil)

	require.NoError(t, h.Relabel(s.ID, labels.FromStrings("env", "prod")))

	got, err := h.SeriesByID(s.ID)
	require.NoError(t, err)
	require.Equal(t, labels.FromStrings(labels.MetricName, "up", "env", "prod", "job", "a"), got.Labels)

	// The series is findable under the new label and no longer only under
	// the old set's absence.
	ids, err := h.PostingsForMatchers(
		labels.MustNewMatcher(labels.MatchEqual, labels.MetricName, "up"),
		labels.MustNewMatcher(labels.MatchEqual, "env", "prod"),
	)
	require.NoError(t, err)
	require.Equal(t, []uint64{s.ID}, ids)
}

func TestHeadRetentionTruncate(t *testing.T) {
	h := newTestHead(t, &Options{Retention: 2 * time.Hour})
	now := time.Now()
	nowMs := timestamp.FromTime(now)

	s, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "temperature", "region", "east"), nil)
	require.NoError(t, h.Append(s.ID, nowMs-3*time.Hour.Milliseconds(), 30))
	require.NoError(t, h.Append(s.ID, nowMs-time.Hour.Milliseconds(), 31))

	dropped := h.Truncate(now)
	require.Equal(t, 1, dropped)

	samples, err := s.Samples(0, nowMs)
	require.NoError(t, err)
	require.Equal(t, []Sample{{nowMs - time.Hour.Milliseconds(), 31}}, samples)

	// After the retention window passes entirely, the series empties but
	// stays registered.
	dropped = h.Truncate(now.Add(4 * time.Hour))
	require.Equal(t, 1, dropped)
	samples, err = s.Samples(0, timestamp.MaxTime)
	require.NoError(t, err)
	require.Empty(t, samples)
	require.Equal(t, int64(1), h.NumSeries())
}

func TestHeadPerSeriesRetention(t *testing.T) {
	h := newTestHead(t, nil) // No default retention.
	now := time.Now()
	nowMs := timestamp.FromTime(now)

	forever, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "keep"), nil)
	short, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "drop"), &SeriesOptions{Retention: time.Hour})

	require.NoError(t, h.Append(forever.ID, nowMs-2*time.Hour.Milliseconds(), 1))
	require.NoError(t, h.Append(short.ID, nowMs-2*time.Hour.Milliseconds(), 1))

	require.Equal(t, 1, h.Truncate(now))

	samples, err := forever.Samples(0, nowMs)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	samples, err = short.Samples(0, nowMs)
	require.NoError(t, err)
	require.Empty(t, samples)
}

func seriesIDs(series []Series) []uint64 {
	ids := make([]uint64, len(series))
	for i, s := range series {
		ids[i] = s.ID
	}
	return ids
}

func TestPostingsForMatchers(t *testing.T) {
	h := newTestHead(t, nil)
	mustCreate := func(ss ...string) Series {
		s, _ := h.GetOrCreate(labels.FromStrings(ss...), nil)
		return s
	}
	s1 := mustCreate(labels.MetricName, "up", "job", "api", "env", "prod")
	s2 := mustCreate(labels.MetricName, "up", "job", "web", "env", "prod")
	s3 := mustCreate(labels.MetricName, "up", "job", "web", "env", "dev")
	s4 := mustCreate(labels.MetricName, "down", "job", "api")

	eq := func(n, v string) *labels.Matcher { return labels.MustNewMatcher(labels.MatchEqual, n, v) }
	neq := func(n, v string) *labels.Matcher { return labels.MustNewMatcher(labels.MatchNotEqual, n, v) }
	re := func(n, v string) *labels.Matcher { return labels.MustNewMatcher(labels.MatchRegexp, n, v) }

	cases := []struct {
		ms  []*labels.Matcher
		exp []uint64
	}{
		{[]*labels.Matcher{eq(labels.MetricName, "up")}, []uint64{s1.ID, s2.ID, s3.ID}},
		{[]*labels.Matcher{eq(labels.MetricName, "up"), eq("env", "prod")}, []uint64{s1.ID, s2.ID}},
		{[]*labels.Matcher{eq(labels.MetricName, "up"), neq("job", "api")}, []uint64{s2.ID, s3.ID}},
		{[]*labels.Matcher{re(labels.MetricName, "up|down"), eq("job", "api")}, []uint64{s1.ID, s4.ID}},
		{[]*labels.Matcher{eq(labels.MetricName, "up"), re("env", "p.*")}, []uint64{s1.ID, s2.ID}},
		// A matcher on an absent label matches the empty value.
		{[]*labels.Matcher{eq(labels.MetricName, "down"), eq("env", "")}, []uint64{s4.ID}},
		{[]*labels.Matcher{eq(labels.MetricName, "missing")}, nil},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			ids, err := h.PostingsForMatchers(c.ms...)
			require.NoError(t, err)
			require.Equal(t, c.exp, ids)

			// Resolution is equivalent to a full scan.
			var scan []uint64
			for _, s := range []Series{s1, s2, s3, s4} {
				if labels.Selects(c.ms, s.Labels) {
					scan = append(scan, s.ID)
				}
			}
			require.Equal(t, scan, ids)
		})
	}
}

func TestPostingsForMatchersEmptySelector(t *testing.T) {
	h := newTestHead(t, nil)
	_, err := h.PostingsForMatchers(labels.MustNewMatcher(labels.MatchNotEqual, "job", "api"))
	require.ErrorIs(t, err, ErrEmptySelector)

	_, err = h.PostingsForMatchers(labels.MustNewMatcher(labels.MatchRegexp, "job", ".*"))
	require.ErrorIs(t, err, ErrEmptySelector)
}

func TestSelectTimeWindow(t *testing.T) {
	h := newTestHead(t, nil)
	s1, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up", "job", "a"), nil)
	s2, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up", "job", "b"), nil)
	require.NoError(t, h.Append(s1.ID, 1000, 1))
	require.NoError(t, h.Append(s2.ID, 90000, 1))

	m := labels.MustNewMatcher(labels.MatchEqual, labels.MetricName, "up")

	series, err := h.Select(0, 5000, m)
	require.NoError(t, err)
	require.Equal(t, []uint64{s1.ID}, seriesIDs(series))

	series, err = h.Select(50000, 100000, m)
	require.NoError(t, err)
	require.Equal(t, []uint64{s2.ID}, seriesIDs(series))

	series, err = h.SelectAll(m)
	require.NoError(t, err)
	require.Equal(t, []uint64{s1.ID, s2.ID}, seriesIDs(series))
}

func TestLabelNamesAndValues(t *testing.T) {
	h := newTestHead(t, nil)
	s1, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up", "job", "api"), nil)
	s2, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up", "job", "web", "env", "dev"), nil)
	require.NoError(t, h.Append(s1.ID, 1000, 1))
	require.NoError(t, h.Append(s2.ID, 90000, 1))

	names, err := h.LabelNames(timestamp.MinTime, timestamp.MaxTime)
	require.NoError(t, err)
	require.Equal(t, []string{labels.MetricName, "env", "job"}, names)

	values, err := h.LabelValues("job", timestamp.MinTime, timestamp.MaxTime)
	require.NoError(t, err)
	require.Equal(t, []string{"api", "web"}, values)

	// Window-restricted: only series with samples inside count.
	values, err = h.LabelValues("job", 0, 5000)
	require.NoError(t, err)
	require.Equal(t, []string{"api"}, values)

	names, err = h.LabelNames(0, 5000)
	require.NoError(t, err)
	require.Equal(t, []string{labels.MetricName, "job"}, names)

	n, err := h.Cardinality(timestamp.MinTime, timestamp.MaxTime, labels.MustNewMatcher(labels.MatchEqual, labels.MetricName, "up"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestHeadStats(t *testing.T) {
	h := newTestHead(t, nil)
	s, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up"), nil)
	require.NoError(t, h.Append(s.ID, 1, 1))
	require.NoError(t, h.Append(s.ID, 2, 2))

	st := h.Stats()
	require.Equal(t, int64(1), st.NumSeries)
	require.Equal(t, int64(2), st.NumSamples)
	require.Equal(t, 2, st.NumSymbols) // "__name__" and "up".
	require.Equal(t, 1, st.LabelNames)
}

func TestHeadEpoch(t *testing.T) {
	h := newTestHead(t, nil)
	e0 := h.Epoch()
	s, _ := h.GetOrCreate(labels.FromStrings(labels.MetricName, "up"), nil)
	require.Greater(t, h.Epoch(), e0)

	e1 := h.Epoch()
	require.NoError(t, h.Append(s.ID, 1, 1))
	require.Equal(t, e1, h.Epoch()) // Appends do not bump the epoch.

	h.DeleteSeries(s.ID)
	require.Greater(t, h.Epoch(), e1)
}
