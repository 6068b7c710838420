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
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grafana/regexp"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/promql/parser"
)

// funcImpl evaluates one function call at the given timestamp.
type funcImpl func(ev *evaluator, e *parser.Call, ts int64) Value

func evalCall(ev *evaluator, e *parser.Call, ts int64) Value {
	f, ok := funcImpls[e.Func.Name]
	if !ok {
		ev.errorf("function %q not implemented", e.Func.Name)
	}
	return f(ev, e, ts)
}

var funcImpls map[string]funcImpl

func init() {
	funcImpls = map[string]funcImpl{
		"abs":                simpleFunc(math.Abs),
		"absent":             funcAbsent,
		"absent_over_time":   funcAbsentOverTime,
		"avg_over_time":      overTimeFunc(aggrAvg),
		"ceil":               simpleFunc(math.Ceil),
		"changes":            funcChanges,
		"clamp":              funcClamp,
		"clamp_max":          funcClampMax,
		"clamp_min":          funcClampMin,
		"count_over_time":    overTimeFunc(aggrCount),
		"delta":              funcDelta,
		"deriv":              funcDeriv,
		"exp":                simpleFunc(math.Exp),
		"floor":              simpleFunc(math.Floor),
		"histogram_quantile": funcHistogramQuantile,
		"idelta":             funcIdelta,
		"increase":           funcIncrease,
		"irate":              funcIrate,
		"label_join":         funcLabelJoin,
		"label_replace":      funcLabelReplace,
		"last_over_time":     overTimeFunc(aggrLast),
		"ln":                 simpleFunc(math.Log),
		"log10":              simpleFunc(math.Log10),
		"log2":               simpleFunc(math.Log2),
		"max_over_time":      overTimeFunc(aggrMax),
		"min_over_time":      overTimeFunc(aggrMin),
		"predict_linear":     funcPredictLinear,
		"quantile_over_time": funcQuantileOverTime,
		"rate":               funcRate,
		"resets":             funcResets,
		"round":              funcRound,
		"scalar":             funcScalar,
		"sort":               funcSort,
		"sort_desc":          funcSortDesc,
		"sqrt":               simpleFunc(math.Sqrt),
		"stddev_over_time":   overTimeFunc(aggrStddev),
		"stdvar_over_time":   overTimeFunc(aggrStdvar),
		"sum_over_time":      overTimeFunc(aggrSum),
		"time":               funcTime,
		"timestamp":          funcTimestamp,
		"vector":             funcVector,
	}
}

// simpleFunc lifts a float64 function over every element of an instant
// vector, dropping the metric name.
func simpleFunc(f func(float64) float64) funcImpl {
	return func(ev *evaluator, e *parser.Call, ts int64) Value {
		vec := ev.evalVector(e.Args[0], ts)
		res := make(Vector, 0, len(vec))
		for _, s := range vec {
			res = append(res, Sample{
				Metric: s.Metric.DropMetricName(),
				Point:  Point{T: s.T, V: f(s.V)},
			})
		}
		return res
	}
}

// overTimeFunc lifts a points aggregator into a rollup over the range vector
// argument.
func overTimeFunc(f func([]Point) float64) funcImpl {
	return func(ev *evaluator, e *parser.Call, ts int64) Value {
		mat := ev.evalMatrix(e.Args[0], ts)
		res := make(Vector, 0, len(mat))
		for _, s := range mat {
			if len(s.Points) == 0 {
				continue
			}
			res = append(res, Sample{
				Metric: s.Metric.DropMetricName(),
				Point:  Point{T: ts, V: f(s.Points)},
			})
		}
		return res
	}
}

func aggrSum(points []Point) float64 {
	var sum float64
	for _, p := range points {
		sum += p.V
	}
	return sum
}

func aggrAvg(points []Point) float64 {
	return aggrSum(points) / float64(len(points))
}

func aggrCount(points []Point) float64 {
	return float64(len(points))
}

func aggrLast(points []Point) float64 {
	return points[len(points)-1].V
}

func aggrMax(points []Point) float64 {
	res := points[0].V
	for _, p := range points[1:] {
		if p.V > res || math.IsNaN(res) {
			res = p.V
		}
	}
	return res
}

func aggrMin(points []Point) float64 {
	res := points[0].V
	for _, p := range points[1:] {
		if p.V < res || math.IsNaN(res) {
			res = p.V
		}
	}
	return res
}

func aggrStdvar(points []Point) float64 {
	var count float64
	var mean, value float64
	for _, p := range points {
		count++
		delta := p.V - mean
		mean += delta / count
		value += delta * (p.V - mean)
	}
	return value / count
}

func aggrStddev(points []Point) float64 {
	return math.Sqrt(aggrStdvar(points))
}

// rollupMatrix returns the range vector for a rollup function. Unlike a
// plain range selector it also carries the newest sample at or before the
// window start, so rates spanning the boundary are computed over the full
// window.
func rollupMatrix(ev *evaluator, arg parser.Expr, ts int64) (Matrix, int64) {
	ms, ok := arg.(*parser.MatrixSelector)
	if !ok {
		// Subqueries carry no boundary sample; use them as-is.
		mat := ev.evalMatrix(arg, ts)
		var rng int64
		if sq, ok := arg.(*parser.SubqueryExpr); ok {
			rng = durationMilliseconds(sq.Range)
		}
		return mat, rng
	}
	vs := ms.VectorSelector.(*parser.VectorSelector)
	refTime := selectorTime(vs, ts)
	rng := durationMilliseconds(ms.Range)
	mint := refTime - rng

	mat := make(Matrix, 0, len(ev.data[vs]))
	for _, fs := range ev.data[vs] {
		points := pointsInWindow(fs.points, mint, refTime)
		// Extend with the sample sitting exactly on or just before the
		// window start.
		i := sort.Search(len(fs.points), func(i int) bool { return fs.points[i].T > mint })
		if i > 0 {
			prev := fs.points[i-1]
			extended := make([]Point, 0, len(points)+1)
			extended = append(extended, prev)
			extended = append(extended, points...)
			points = extended
		}
		if len(points) == 0 {
			continue
		}
		ev.accountSamples(len(points), "rollup")
		mat = append(mat, Series{Metric: fs.metric, Points: points})
	}
	return mat, rng
}

// counterDelta returns the increase of a counter over the points: the sum of
// non-negative deltas between consecutive samples. A reset (curr < prev)
// starts a new segment and contributes nothing across the drop.
func counterDelta(points []Point) float64 {
	var inc float64
	for i := 1; i < len(points); i++ {
		if d := points[i].V - points[i-1].V; d > 0 {
			inc += d
		}
	}
	return inc
}

func funcRate(ev *evaluator, e *parser.Call, ts int64) Value {
	mat, rng := rollupMatrix(ev, e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) < 2 || rng == 0 {
			continue
		}
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: counterDelta(s.Points) / (float64(rng) / 1000)},
		})
	}
	return res
}

func funcIncrease(ev *evaluator, e *parser.Call, ts int64) Value {
	mat, _ := rollupMatrix(ev, e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) < 2 {
			continue
		}
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: counterDelta(s.Points)},
		})
	}
	return res
}

func funcDelta(ev *evaluator, e *parser.Call, ts int64) Value {
	mat, _ := rollupMatrix(ev, e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) < 2 {
			continue
		}
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: s.Points[len(s.Points)-1].V - s.Points[0].V},
		})
	}
	return res
}

func funcIdelta(ev *evaluator, e *parser.Call, ts int64) Value {
	mat, _ := rollupMatrix(ev, e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) < 2 {
			continue
		}
		last := s.Points[len(s.Points)-1]
		prev := s.Points[len(s.Points)-2]
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: last.V - prev.V},
		})
	}
	return res
}

func funcIrate(ev *evaluator, e *parser.Call, ts int64) Value {
	mat, _ := rollupMatrix(ev, e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) < 2 {
			continue
		}
		last := s.Points[len(s.Points)-1]
		prev := s.Points[len(s.Points)-2]
		if last.T == prev.T {
			continue
		}
		var dv float64
		if last.V < prev.V {
			// Counter reset.
			dv = last.V
		} else {
			dv = last.V - prev.V
		}
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: dv / (float64(last.T-prev.T) / 1000)},
		})
	}
	return res
}

func funcChanges(ev *evaluator, e *parser.Call, ts int64) Value {
	mat := ev.evalMatrix(e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) == 0 {
			continue
		}
		changes := 0
		prev := s.Points[0].V
		for _, p := range s.Points[1:] {
			if p.V != prev && !(math.IsNaN(p.V) && math.IsNaN(prev)) {
				changes++
			}
			prev = p.V
		}
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: float64(changes)},
		})
	}
	return res
}

func funcResets(ev *evaluator, e *parser.Call, ts int64) Value {
	mat := ev.evalMatrix(e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) == 0 {
			continue
		}
		resets := 0
		prev := s.Points[0].V
		for _, p := range s.Points[1:] {
			if p.V < prev {
				resets++
			}
			prev = p.V
		}
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: float64(resets)},
		})
	}
	return res
}

// linearRegression performs a least-square linear regression over the given
// points, with timestamps relative to interceptTime.
func linearRegression(points []Point, interceptTime int64) (slope, intercept float64) {
	var (
		n          float64
		sumX, sumY float64
		sumXY      float64
		sumX2      float64
	)
	for _, p := range points {
		x := float64(p.T-interceptTime) / 1e3
		n++
		sumY += p.V
		sumX += x
		sumXY += x * p.V
		sumX2 += x * x
	}
	covXY := sumXY - sumX*sumY/n
	varX := sumX2 - sumX*sumX/n

	slope = covXY / varX
	intercept = sumY/n - slope*sumX/n
	return slope, intercept
}

func funcDeriv(ev *evaluator, e *parser.Call, ts int64) Value {
	mat := ev.evalMatrix(e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) < 2 {
			continue
		}
		slope, _ := linearRegression(s.Points, s.Points[0].T)
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: slope},
		})
	}
	return res
}

func funcPredictLinear(ev *evaluator, e *parser.Call, ts int64) Value {
	duration := ev.evalScalar(e.Args[1], ts).V
	mat := ev.evalMatrix(e.Args[0], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) < 2 {
			continue
		}
		slope, intercept := linearRegression(s.Points, ts)
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: slope*duration + intercept},
		})
	}
	return res
}

func funcQuantileOverTime(ev *evaluator, e *parser.Call, ts int64) Value {
	q := ev.evalScalar(e.Args[0], ts).V
	mat := ev.evalMatrix(e.Args[1], ts)
	res := make(Vector, 0, len(mat))
	for _, s := range mat {
		if len(s.Points) == 0 {
			continue
		}
		values := make([]float64, 0, len(s.Points))
		for _, p := range s.Points {
			values = append(values, p.V)
		}
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: quantile(q, values)},
		})
	}
	return res
}

func funcClamp(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	minVal := ev.evalScalar(e.Args[1], ts).V
	maxVal := ev.evalScalar(e.Args[2], ts).V
	if maxVal < minVal {
		return Vector{}
	}
	res := make(Vector, 0, len(vec))
	for _, s := range vec {
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: s.T, V: math.Max(minVal, math.Min(maxVal, s.V))},
		})
	}
	return res
}

func funcClampMax(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	maxVal := ev.evalScalar(e.Args[1], ts).V
	res := make(Vector, 0, len(vec))
	for _, s := range vec {
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: s.T, V: math.Min(maxVal, s.V)},
		})
	}
	return res
}

func funcClampMin(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	minVal := ev.evalScalar(e.Args[1], ts).V
	res := make(Vector, 0, len(vec))
	for _, s := range vec {
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: s.T, V: math.Max(minVal, s.V)},
		})
	}
	return res
}

func funcRound(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	// round returns a number rounded to toNearest. Ties are solved by
	// rounding up.
	toNearest := 1.0
	if len(e.Args) >= 2 {
		toNearest = ev.evalScalar(e.Args[1], ts).V
	}
	toNearestInverse := 1.0 / toNearest

	res := make(Vector, 0, len(vec))
	for _, s := range vec {
		v := math.Floor(s.V*toNearestInverse+0.5) / toNearestInverse
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: s.T, V: v},
		})
	}
	return res
}

func funcScalar(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	if len(vec) != 1 {
		return Scalar{T: ts, V: math.NaN()}
	}
	return Scalar{T: ts, V: vec[0].V}
}

func funcVector(ev *evaluator, e *parser.Call, ts int64) Value {
	s := ev.evalScalar(e.Args[0], ts)
	return Vector{Sample{
		Metric: labels.Labels{},
		Point:  Point{T: ts, V: s.V},
	}}
}

func funcTime(_ *evaluator, _ *parser.Call, ts int64) Value {
	return Scalar{T: ts, V: float64(ts) / 1000}
}

func funcTimestamp(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	res := make(Vector, 0, len(vec))
	for _, s := range vec {
		res = append(res, Sample{
			Metric: s.Metric.DropMetricName(),
			Point:  Point{T: ts, V: float64(s.T) / 1000},
		})
	}
	return res
}

// absentLabels derives the labels of an absent() result from the equality
// matchers of the argument selector.
func absentLabels(expr parser.Expr) labels.Labels {
	var matchers []*labels.Matcher
	switch e := expr.(type) {
	case *parser.VectorSelector:
		matchers = e.LabelMatchers
	case *parser.MatrixSelector:
		matchers = e.VectorSelector.(*parser.VectorSelector).LabelMatchers
	default:
		return labels.Labels{}
	}
	b := labels.NewBuilder(nil)
	for _, m := range matchers {
		if m.Type == labels.MatchEqual && m.Name != labels.MetricName {
			b.Set(m.Name, m.Value)
		}
	}
	return b.Labels()
}

func funcAbsent(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	if len(vec) > 0 {
		return Vector{}
	}
	return Vector{Sample{
		Metric: absentLabels(e.Args[0]),
		Point:  Point{T: ts, V: 1},
	}}
}

func funcAbsentOverTime(ev *evaluator, e *parser.Call, ts int64) Value {
	mat := ev.evalMatrix(e.Args[0], ts)
	for _, s := range mat {
		if len(s.Points) > 0 {
			return Vector{}
		}
	}
	return Vector{Sample{
		Metric: absentLabels(e.Args[0]),
		Point:  Point{T: ts, V: 1},
	}}
}

func funcSort(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	res := make(Vector, len(vec))
	copy(res, vec)
	sort.SliceStable(res, func(i, j int) bool { return lessWithNaN(res[i].V, res[j].V) })
	return res
}

func funcSortDesc(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	res := make(Vector, len(vec))
	copy(res, vec)
	sort.SliceStable(res, func(i, j int) bool { return lessWithNaN(res[j].V, res[i].V) })
	return res
}

func funcLabelReplace(ev *evaluator, e *parser.Call, ts int64) Value {
	var (
		vec      = ev.evalVector(e.Args[0], ts)
		dst      = stringArg(ev, e.Args[1], ts)
		repl     = stringArg(ev, e.Args[2], ts)
		src      = stringArg(ev, e.Args[3], ts)
		regexStr = stringArg(ev, e.Args[4], ts)
	)
	re, err := regexp.Compile("^(?:" + regexStr + ")$")
	if err != nil {
		ev.errorf("invalid regular expression in label_replace(): %s", regexStr)
	}

	res := make(Vector, 0, len(vec))
	for _, s := range vec {
		srcVal := s.Metric.Get(src)
		indexes := re.FindStringSubmatchIndex(srcVal)
		metric := s.Metric
		if indexes != nil {
			val := re.ExpandString([]byte{}, repl, srcVal, indexes)
			lb := labels.NewBuilder(metric)
			lb.Set(dst, string(val))
			metric = lb.Labels()
		}
		res = append(res, Sample{Metric: metric, Point: s.Point})
	}
	return res
}

func funcLabelJoin(ev *evaluator, e *parser.Call, ts int64) Value {
	vec := ev.evalVector(e.Args[0], ts)
	dst := stringArg(ev, e.Args[1], ts)
	sep := stringArg(ev, e.Args[2], ts)
	srcLabels := make([]string, len(e.Args)-3)
	for i := 3; i < len(e.Args); i++ {
		srcLabels[i-3] = stringArg(ev, e.Args[i], ts)
	}

	res := make(Vector, 0, len(vec))
	for _, s := range vec {
		srcVals := make([]string, len(srcLabels))
		for i, src := range srcLabels {
			srcVals[i] = s.Metric.Get(src)
		}
		lb := labels.NewBuilder(s.Metric)
		lb.Set(dst, strings.Join(srcVals, sep))
		res = append(res, Sample{Metric: lb.Labels(), Point: s.Point})
	}
	return res
}

func funcHistogramQuantile(ev *evaluator, e *parser.Call, ts int64) Value {
	q := ev.evalScalar(e.Args[0], ts).V
	vec := ev.evalVector(e.Args[1], ts)

	type metricWithBuckets struct {
		metric  labels.Labels
		buckets buckets
	}
	groups := map[uint64]*metricWithBuckets{}
	var order []uint64

	var buf []byte
	for _, s := range vec {
		upperBound, err := parseFloat(s.Metric.Get("le"))
		if err != nil {
			continue
		}
		lb := labels.NewBuilder(s.Metric)
		lb.Del("le")
		lb.Del(labels.MetricName)
		lset := lb.Labels()
		var h uint64
		h, buf = lset.HashForLabels(buf, labelNames(lset)...)

		g, ok := groups[h]
		if !ok {
			g = &metricWithBuckets{metric: lset}
			groups[h] = g
			order = append(order, h)
		}
		g.buckets = append(g.buckets, bucket{upperBound: upperBound, count: s.V})
	}

	res := make(Vector, 0, len(groups))
	for _, h := range order {
		g := groups[h]
		res = append(res, Sample{
			Metric: g.metric,
			Point:  Point{T: ts, V: bucketQuantile(q, g.buckets)},
		})
	}
	return res
}

func labelNames(lset labels.Labels) []string {
	names := make([]string, len(lset))
	for i, l := range lset {
		names[i] = l.Name
	}
	return names
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty bucket bound")
	}
	switch strings.ToLower(s) {
	case "+inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	}
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

func stringArg(ev *evaluator, e parser.Expr, ts int64) string {
	val := ev.eval(e, ts)
	str, ok := val.(String)
	if !ok {
		ev.errorf("expected string argument, got %s", val.Type())
	}
	return str.V
}
