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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/tsdb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(h *tsdb.Head, opts EngineOpts) *Engine {
	return NewEngine(h, opts)
}

// mustAppend creates the series if needed and appends the samples.
func mustAppend(t testing.TB, h *tsdb.Head, lset labels.Labels, samples ...tsdb.Sample) {
	t.Helper()
	s, _ := h.GetOrCreate(lset, nil)
	for _, sm := range samples {
		require.NoError(t, h.Append(s.ID, sm.T, sm.V))
	}
}

func runInstant(t testing.TB, ng *Engine, qs string, ts int64) *Result {
	t.Helper()
	q, err := ng.NewInstantQuery(qs, ts, nil)
	require.NoError(t, err)
	return q.Exec(context.Background())
}

func TestInstantVectorSelector(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	mustAppend(t, h, labels.FromStrings(labels.MetricName, "up", "job", "a"),
		tsdb.Sample{T: 10_000, V: 1}, tsdb.Sample{T: 70_000, V: 2})

	// The newest sample within the lookback window wins.
	res := runInstant(t, ng, "up", 80_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 2.0, vec[0].V)
	require.Equal(t, int64(80_000), vec[0].T)

	// At an earlier time the older sample is current.
	res = runInstant(t, ng, "up", 50_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 1.0, vec[0].V)

	// Outside the 5m lookback nothing is returned.
	res = runInstant(t, ng, "up", 70_000+6*60_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Empty(t, vec)
}

func TestSumAggregation(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	// Two series up{job="a"} and up{job="b"} with samples within lookback.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "up", "job", "a"), tsdb.Sample{T: 60_000, V: 1})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "up", "job", "b"), tsdb.Sample{T: 61_000, V: 1})

	res := runInstant(t, ng, "sum(up)", 62_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 2.0, vec[0].V)
	require.True(t, vec[0].Metric.IsEmpty())
}

func TestRate(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	// rate over [1m] with samples at T-60s, T-30s, T.
	T := int64(600_000)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "http_requests_total"),
		tsdb.Sample{T: T - 60_000, V: 100},
		tsdb.Sample{T: T - 30_000, V: 130},
		tsdb.Sample{T: T, V: 160})

	res := runInstant(t, ng, "rate(http_requests_total[1m])", T)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 1.0, vec[0].V)
}

func TestIncreaseCounterReset(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	// Samples (0,10),(10,20),(20,5),(30,15): the reset 20->5 must not count
	// as negative increase.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "c"),
		tsdb.Sample{T: 0, V: 10},
		tsdb.Sample{T: 10_000, V: 20},
		tsdb.Sample{T: 20_000, V: 5},
		tsdb.Sample{T: 30_000, V: 15})

	res := runInstant(t, ng, "increase(c[30s])", 30_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 20.0, vec[0].V)
}

func TestBinaryOpCardinality(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	mustAppend(t, h, labels.FromStrings(labels.MetricName, "a", "x", "1", "g", "g1"), tsdb.Sample{T: 60_000, V: 2})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "a", "x", "1", "g", "g2"), tsdb.Sample{T: 60_000, V: 3})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "b", "x", "1", "y", "yy"), tsdb.Sample{T: 60_000, V: 10})

	// Two 'a' series map to one 'b' series: group_left succeeds.
	res := runInstant(t, ng, `a * on(x) group_left(y) b`, 61_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 2)
	for _, s := range vec {
		require.Equal(t, "yy", s.Metric.Get("y"))
	}

	// Without group_left the same match is a cardinality violation.
	res = runInstant(t, ng, `a * on(x) b`, 61_000)
	require.Error(t, res.Err)
	var matchErr ErrVectorMatching
	require.ErrorAs(t, res.Err, &matchErr)
}

func TestBinaryOpScalarVector(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 60_000, V: 4})

	res := runInstant(t, ng, "m * 2 + 1", 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 9.0, vec[0].V)

	// Comparison filtering.
	res = runInstant(t, ng, "m > 10", 60_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Empty(t, vec)

	res = runInstant(t, ng, "m > bool 10", 60_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 0.0, vec[0].V)
}

func TestRangeQuery(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"),
		tsdb.Sample{T: 0, V: 1}, tsdb.Sample{T: 30_000, V: 2}, tsdb.Sample{T: 60_000, V: 3})

	q, err := ng.NewRangeQuery("m", 0, 60_000, 30*time.Second, nil)
	require.NoError(t, err)
	res := q.Exec(context.Background())
	mat, err := res.Matrix()
	require.NoError(t, err)
	require.Len(t, mat, 1)
	require.Equal(t, []Point{{0, 1}, {30_000, 2}, {60_000, 3}}, mat[0].Points)
}

func TestRangeQueryStepsWithoutSamples(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 0, V: 5})

	// The single sample stays current for the full lookback window.
	q, err := ng.NewRangeQuery("m", 0, 120_000, time.Minute, nil)
	require.NoError(t, err)
	mat, err := q.Exec(context.Background()).Matrix()
	require.NoError(t, err)
	require.Len(t, mat, 1)
	require.Equal(t, []Point{{0, 5}, {60_000, 5}, {120_000, 5}}, mat[0].Points)
}

func TestSubquery(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})

	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"),
		tsdb.Sample{T: 0, V: 0}, tsdb.Sample{T: 60_000, V: 60}, tsdb.Sample{T: 120_000, V: 120})

	res := runInstant(t, ng, "max_over_time(m[2m:1m])", 120_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 120.0, vec[0].V)
}

func TestQueryRounding(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 60_000, V: 10})

	q, err := ng.NewInstantQuery("m / 3", 60_000, &QueryOpts{RoundDigits: 2})
	require.NoError(t, err)
	vec, err := q.Exec(context.Background()).Vector()
	require.NoError(t, err)
	require.Equal(t, 3.33, vec[0].V)

	// Half-to-even.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "n"), tsdb.Sample{T: 60_000, V: 0.125})
	q, err = ng.NewInstantQuery("n", 60_000, &QueryOpts{RoundDigits: 2})
	require.NoError(t, err)
	vec, err = q.Exec(context.Background()).Vector()
	require.NoError(t, err)
	require.Equal(t, 0.12, vec[0].V)
}

func TestQueryMaxSamples(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{MaxSamples: 10})

	var samples []tsdb.Sample
	for i := int64(0); i < 100; i++ {
		samples = append(samples, tsdb.Sample{T: i * 1000, V: float64(i)})
	}
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), samples...)

	res := runInstant(t, ng, "sum_over_time(m[2m])", 100_000)
	require.Error(t, res.Err)
	require.IsType(t, ErrTooManySamples(""), res.Err)
}

func TestQueryCancellation(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 0, V: 1})

	q, err := ng.NewInstantQuery("m", 0, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := q.Exec(ctx)
	require.Error(t, res.Err)
	require.IsType(t, ErrQueryCanceled(""), res.Err)
}

// countingQueryable counts Select calls to observe single-flight behavior.
type countingQueryable struct {
	*tsdb.Head
	selects atomic.Int64
	block   chan struct{}
}

func (c *countingQueryable) Select(mint, maxt int64, ms ...*labels.Matcher) ([]tsdb.Series, error) {
	c.selects.Inc()
	if c.block != nil {
		<-c.block
	}
	return c.Head.Select(mint, maxt, ms...)
}

func TestSingleFlight(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 60_000, V: 1})

	cq := &countingQueryable{Head: h, block: make(chan struct{})}
	ng := newTestEngine(h, EngineOpts{})
	ng.queryable = cq

	// N concurrent identical queries share one execution.
	const n = 8
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := ng.NewInstantQuery("m", 60_000, nil)
			require.NoError(t, err)
			results[i] = q.Exec(context.Background())
		}(i)
	}
	// Give the goroutines time to pile onto the in-flight computation.
	time.Sleep(50 * time.Millisecond)
	close(cq.block)
	wg.Wait()

	require.Equal(t, int64(1), cq.selects.Load())
	for _, res := range results {
		require.NoError(t, res.Err)
		vec, err := res.Vector()
		require.NoError(t, err)
		require.Len(t, vec, 1)
		require.Equal(t, 1.0, vec[0].V)
	}
}

func TestRollupCacheInvalidationOnWrite(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 60_000, V: 1})

	res := runInstant(t, ng, "m", 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Equal(t, 1.0, vec[0].V)

	// A write with ts >= start invalidates the cached result.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 61_000, V: 7})

	res = runInstant(t, ng, "m", 61_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Equal(t, 7.0, vec[0].V)

	// Overwrite of the same timestamp (last-write-wins) is seen too.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 61_000, V: 9})
	res = runInstant(t, ng, "m", 61_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Equal(t, 9.0, vec[0].V)
}

func TestResetRollupCache(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 60_000, V: 1})

	runInstant(t, ng, "m", 60_000)
	runInstant(t, ng, "m", 60_000)
	hits, _ := ng.CacheStats()
	require.Equal(t, uint64(1), hits)

	ng.ResetRollupCache()
	runInstant(t, ng, "m", 60_000)
	hits2, misses := ng.CacheStats()
	require.Equal(t, hits, hits2)
	require.Equal(t, uint64(2), misses)
}

func TestMetricsQLDefault(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "a", "x", "1"), tsdb.Sample{T: 60_000, V: 5})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "b", "x", "2"), tsdb.Sample{T: 60_000, V: 7})

	res := runInstant(t, ng, `a default b`, 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 2)
}

func TestTopkStable(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	// Tied values keep their original order.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "i", "1"), tsdb.Sample{T: 60_000, V: 5})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "i", "2"), tsdb.Sample{T: 60_000, V: 5})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "i", "3"), tsdb.Sample{T: 60_000, V: 1})

	res := runInstant(t, ng, "topk(2, m)", 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 2)
	require.Equal(t, "1", vec[0].Metric.Get("i"))
	require.Equal(t, "2", vec[1].Metric.Get("i"))
}

func TestAggregationGroupings(t *testing.T) {
	h := tsdb.NewHead(nil, nil, nil)
	ng := newTestEngine(h, EngineOpts{})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "job", "a", "i", "1"), tsdb.Sample{T: 60_000, V: 1})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "job", "a", "i", "2"), tsdb.Sample{T: 60_000, V: 3})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "job", "b", "i", "1"), tsdb.Sample{T: 60_000, V: 10})

	res := runInstant(t, ng, "sum by (job) (m)", 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 2)
	byJob := map[string]float64{}
	for _, s := range vec {
		byJob[s.Metric.Get("job")] = s.V
	}
	require.Equal(t, map[string]float64{"a": 4, "b": 10}, byJob)

	res = runInstant(t, ng, "avg without (i) (m)", 60_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 2)
	byJob = map[string]float64{}
	for _, s := range vec {
		byJob[s.Metric.Get("job")] = s.V
	}
	require.Equal(t, map[string]float64{"a": 2, "b": 10}, byJob)
}
