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
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/tsdb"
)

func setupFuncHead(t *testing.T) (*tsdb.Head, *Engine) {
	t.Helper()
	h := tsdb.NewHead(nil, nil, nil)
	return h, newTestEngine(h, EngineOpts{})
}

func TestOverTimeFunctions(t *testing.T) {
	h, ng := setupFuncHead(t)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"),
		tsdb.Sample{T: 10_000, V: 1},
		tsdb.Sample{T: 20_000, V: 4},
		tsdb.Sample{T: 30_000, V: 2},
		tsdb.Sample{T: 40_000, V: 8})

	for expr, exp := range map[string]float64{
		"sum_over_time(m[40s])":           15,
		"avg_over_time(m[40s])":           3.75,
		"min_over_time(m[40s])":           1,
		"max_over_time(m[40s])":           8,
		"count_over_time(m[40s])":         4,
		"last_over_time(m[40s])":          8,
		"quantile_over_time(0.5, m[40s])": 3,
		"changes(m[40s])":                 3,
		"resets(m[40s])":                  1,
		"delta(m[40s])":                   7,
		"idelta(m[40s])":                  6,
	} {
		res := runInstant(t, ng, expr, 40_000)
		vec, err := res.Vector()
		require.NoError(t, err, "expr %s", expr)
		require.Len(t, vec, 1, "expr %s", expr)
		require.Equal(t, exp, vec[0].V, "expr %s", expr)
	}
}

func TestMathFunctions(t *testing.T) {
	h, ng := setupFuncHead(t)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 60_000, V: -2.7})

	for expr, exp := range map[string]float64{
		"abs(m)":            2.7,
		"ceil(m)":           -2,
		"floor(m)":          -3,
		"clamp(m, -1, 1)":   -1,
		"clamp_min(m, 0)":   0,
		"clamp_max(m, -10)": -10,
		"round(m)":          -3,
	} {
		res := runInstant(t, ng, expr, 60_000)
		vec, err := res.Vector()
		require.NoError(t, err, "expr %s", expr)
		require.Len(t, vec, 1, "expr %s", expr)
		require.Equal(t, exp, vec[0].V, "expr %s", expr)
		require.Equal(t, "", vec[0].Metric.Get(labels.MetricName), "expr %s", expr)
	}
}

func TestScalarAndVectorConversion(t *testing.T) {
	h, ng := setupFuncHead(t)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"), tsdb.Sample{T: 60_000, V: 3})

	res := runInstant(t, ng, "scalar(m)", 60_000)
	sc, err := res.Scalar()
	require.NoError(t, err)
	require.Equal(t, 3.0, sc.V)

	// scalar() of a multi-element vector is NaN.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "x", "2"), tsdb.Sample{T: 60_000, V: 4})
	res = runInstant(t, ng, "scalar(m)", 60_000)
	sc, err = res.Scalar()
	require.NoError(t, err)
	require.True(t, math.IsNaN(sc.V))

	res = runInstant(t, ng, "vector(42)", 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 42.0, vec[0].V)
}

func TestTimeFunction(t *testing.T) {
	_, ng := setupFuncHead(t)
	res := runInstant(t, ng, "time()", 123_000)
	sc, err := res.Scalar()
	require.NoError(t, err)
	require.Equal(t, 123.0, sc.V)
}

func TestAbsent(t *testing.T) {
	h, ng := setupFuncHead(t)

	res := runInstant(t, ng, `absent(nonexistent{job="api"})`, 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, 1.0, vec[0].V)
	require.Equal(t, "api", vec[0].Metric.Get("job"))

	mustAppend(t, h, labels.FromStrings(labels.MetricName, "present"), tsdb.Sample{T: 60_000, V: 1})
	res = runInstant(t, ng, "absent(present)", 60_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Empty(t, vec)
}

func TestLabelReplace(t *testing.T) {
	h, ng := setupFuncHead(t)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "src", "a-b"), tsdb.Sample{T: 60_000, V: 1})

	res := runInstant(t, ng, `label_replace(m, "dst", "$2", "src", "(.*)-(.*)")`, 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, "b", vec[0].Metric.Get("dst"))

	// No match leaves the metric untouched.
	res = runInstant(t, ng, `label_replace(m, "dst", "$1", "src", "x(.+)")`, 60_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Equal(t, "", vec[0].Metric.Get("dst"))
}

func TestLabelJoin(t *testing.T) {
	h, ng := setupFuncHead(t)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "a", "x", "b", "y"), tsdb.Sample{T: 60_000, V: 1})

	res := runInstant(t, ng, `label_join(m, "ab", "-", "a", "b")`, 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Equal(t, "x-y", vec[0].Metric.Get("ab"))
}

func TestHistogramQuantile(t *testing.T) {
	h, ng := setupFuncHead(t)
	for le, count := range map[string]float64{
		"0.1":  10,
		"0.5":  60,
		"1":    90,
		"+Inf": 100,
	} {
		mustAppend(t, h,
			labels.FromStrings(labels.MetricName, "latency_bucket", "le", le),
			tsdb.Sample{T: 60_000, V: count})
	}

	res := runInstant(t, ng, "histogram_quantile(0.5, latency_bucket)", 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	// Median falls into the (0.1, 0.5] bucket, interpolated.
	require.InDelta(t, 0.42, vec[0].V, 0.001)
}

func TestDeriv(t *testing.T) {
	h, ng := setupFuncHead(t)
	// Perfectly linear series: slope 2 per second.
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m"),
		tsdb.Sample{T: 0, V: 0},
		tsdb.Sample{T: 10_000, V: 20},
		tsdb.Sample{T: 20_000, V: 40})

	res := runInstant(t, ng, "deriv(m[30s])", 20_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.InDelta(t, 2.0, vec[0].V, 1e-9)

	res = runInstant(t, ng, "predict_linear(m[30s], 10)", 20_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.InDelta(t, 60.0, vec[0].V, 1e-9)
}

func TestSortFunctions(t *testing.T) {
	h, ng := setupFuncHead(t)
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "i", "1"), tsdb.Sample{T: 60_000, V: 3})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "i", "2"), tsdb.Sample{T: 60_000, V: 1})
	mustAppend(t, h, labels.FromStrings(labels.MetricName, "m", "i", "3"), tsdb.Sample{T: 60_000, V: 2})

	res := runInstant(t, ng, "sort(m)", 60_000)
	vec, err := res.Vector()
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, []float64{vec[0].V, vec[1].V, vec[2].V})

	res = runInstant(t, ng, "sort_desc(m)", 60_000)
	vec, err = res.Vector()
	require.NoError(t, err)
	require.Equal(t, []float64{3, 2, 1}, []float64{vec[0].V, vec[1].V, vec[2].V})
}

func TestQuantileValues(t *testing.T) {
	require.Equal(t, 2.0, quantile(0.5, []float64{1, 2, 3}))
	require.Equal(t, 1.0, quantile(0, []float64{1, 2, 3}))
	require.Equal(t, 3.0, quantile(1, []float64{1, 2, 3}))
	require.True(t, math.IsNaN(quantile(0.5, nil)))
	require.True(t, math.IsInf(quantile(1.1, []float64{1}), +1))
	require.True(t, math.IsInf(quantile(-0.1, []float64{1}), -1))
}
