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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/model/timestamp"
	"github.com/promkv/promkv/promql/parser"
	"github.com/promkv/promkv/tsdb"
)

const (
	// DefaultLookbackDelta is the default maximum age of a sample considered
	// current by an instant selector.
	DefaultLookbackDelta = 5 * time.Minute

	// DefaultEvalStep is the fallback resolution for range queries and
	// subqueries without an explicit step.
	DefaultEvalStep = time.Minute

	// RoundDigitsOff disables result rounding.
	RoundDigitsOff = 100
)

type (
	// ErrQueryTimeout is returned if a query timed out during processing.
	ErrQueryTimeout string
	// ErrQueryCanceled is returned if a query was canceled during processing.
	ErrQueryCanceled string
	// ErrTooManySamples is returned if a query would load more than the maximum allowed samples.
	ErrTooManySamples string
	// ErrQueryBusy is returned when too many callers wait on one in-flight query.
	ErrQueryBusy string
)

func (e ErrQueryTimeout) Error() string  { return fmt.Sprintf("query timed out in %s", string(e)) }
func (e ErrQueryCanceled) Error() string { return fmt.Sprintf("query was canceled in %s", string(e)) }
func (e ErrTooManySamples) Error() string {
	return fmt.Sprintf("query processing would load too many samples into memory in %s", string(e))
}
func (e ErrQueryBusy) Error() string {
	return fmt.Sprintf("too many concurrent requests for %s, retry later", string(e))
}

// ErrVectorMatching is returned on cardinality violations in binary
// operations between vectors.
type ErrVectorMatching struct {
	Msg string
}

func (e ErrVectorMatching) Error() string { return e.Msg }

// contextDone returns an error if the context was canceled or timed out.
func contextDone(ctx context.Context, env string) error {
	if err := ctx.Err(); err != nil {
		return contextErr(err, env)
	}
	return nil
}

func contextErr(err error, env string) error {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrQueryCanceled(env)
	case errors.Is(err, context.DeadlineExceeded):
		return ErrQueryTimeout(env)
	default:
		return err
	}
}

// Queryable is the read surface of the storage the engine evaluates against.
type Queryable interface {
	Select(mint, maxt int64, ms ...*labels.Matcher) ([]tsdb.Series, error)

	// Epoch changes whenever the series population changes; cached results
	// are only valid within one epoch.
	Epoch() uint64
}

// EngineOpts contains configuration options used when creating a new Engine.
type EngineOpts struct {
	Logger             *slog.Logger
	Reg                prometheus.Registerer
	MaxSamples         int
	Timeout            time.Duration
	MaxConcurrent      int
	LookbackDelta      time.Duration
	DefaultEvalStep    time.Duration
	RoundDigits        int
	CacheMaxBytes      int64
	ActiveQueryTracker *ActiveQueryTracker
	TopQueries         *TopQueriesTracker
}

// Engine handles the lifetime of queries from beginning to end.
// It is connected to a queryable storage.
type Engine struct {
	queryable Queryable
	logger    *slog.Logger
	metrics   *engineMetrics

	timeout         time.Duration
	maxSamples      int
	lookbackDelta   time.Duration
	defaultEvalStep time.Duration
	roundDigits     int

	gate  *queryGate
	cache *rollupCache

	activeQueries *ActiveQueryTracker
	topQueries    *TopQueriesTracker
}

type engineMetrics struct {
	queries       prometheus.Counter
	queryFailures prometheus.Counter
}

func newEngineMetrics(r prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promkv_engine_queries_total",
			Help: "Total number of executed queries.",
		}),
		queryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promkv_engine_query_failures_total",
			Help: "Total number of failed queries.",
		}),
	}
	if r != nil {
		r.MustRegister(m.queries, m.queryFailures)
	}
	return m
}

// NewEngine returns a new engine.
func NewEngine(queryable Queryable, opts EngineOpts) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 20
	}
	if opts.LookbackDelta <= 0 {
		opts.LookbackDelta = DefaultLookbackDelta
	}
	if opts.DefaultEvalStep <= 0 {
		opts.DefaultEvalStep = DefaultEvalStep
	}
	if opts.RoundDigits <= 0 || opts.RoundDigits > RoundDigitsOff {
		opts.RoundDigits = RoundDigitsOff
	}
	return &Engine{
		queryable:       queryable,
		logger:          opts.Logger,
		metrics:         newEngineMetrics(opts.Reg),
		timeout:         opts.Timeout,
		maxSamples:      opts.MaxSamples,
		lookbackDelta:   opts.LookbackDelta,
		defaultEvalStep: opts.DefaultEvalStep,
		roundDigits:     opts.RoundDigits,
		gate:            newQueryGate(opts.MaxConcurrent),
		cache:           newRollupCache(opts.CacheMaxBytes),
		activeQueries:   opts.ActiveQueryTracker,
		topQueries:      opts.TopQueries,
	}
}

// ResetRollupCache drops all cached query results.
func (ng *Engine) ResetRollupCache() {
	ng.cache.reset()
}

// CacheStats returns hit/miss counters of the rollup cache.
func (ng *Engine) CacheStats() (hits, misses uint64) {
	return ng.cache.stats()
}

// A Query is derived from a raw query string and can be run against an
// engine it is associated with.
type Query interface {
	// Exec processes the query. Can only be called once.
	Exec(ctx context.Context) *Result
	// Statement returns the parsed statement of the query.
	Statement() parser.Expr
	// Cancel signals that a running query execution should be aborted.
	Cancel()
	// String returns the original query string.
	String() string
}

type query struct {
	q    string
	expr parser.Expr

	start, end  int64
	interval    time.Duration
	roundDigits int

	cancel func()

	ng *Engine
}

func (q *query) Statement() parser.Expr { return q.expr }
func (q *query) String() string         { return q.q }

func (q *query) Cancel() {
	if q.cancel != nil {
		q.cancel()
	}
}

// QueryOpts are per-query overrides.
type QueryOpts struct {
	// RoundDigits rounds each result value to that many decimal places,
	// half to even. RoundDigitsOff disables. Zero or a value outside
	// [1, RoundDigitsOff] keeps the engine default.
	RoundDigits int
}

// NewInstantQuery returns an evaluation query for the given expression at
// the given time (in milliseconds).
func (ng *Engine) NewInstantQuery(qs string, ts int64, opts *QueryOpts) (Query, error) {
	return ng.NewRangeQuery(qs, ts, ts, 0, opts)
}

// NewRangeQuery returns an evaluation query for the given time range and
// with the resolution set by the interval.
func (ng *Engine) NewRangeQuery(qs string, start, end int64, interval time.Duration, opts *QueryOpts) (Query, error) {
	expr, err := parser.ParseExpr(qs)
	if err != nil {
		return nil, err
	}
	if start != end || interval != 0 {
		if expr.Type() != parser.ValueTypeVector && expr.Type() != parser.ValueTypeScalar {
			return nil, fmt.Errorf("invalid expression type %q for range query, must be scalar or instant vector", expr.Type())
		}
	}
	roundDigits := ng.roundDigits
	if opts != nil && opts.RoundDigits > 0 && opts.RoundDigits <= RoundDigitsOff {
		roundDigits = opts.RoundDigits
	}
	if interval == 0 && start != end {
		interval = ng.defaultEvalStep
	}
	return &query{
		q:           qs,
		expr:        expr,
		start:       start,
		end:         end,
		interval:    interval,
		roundDigits: roundDigits,
		ng:          ng,
	}, nil
}

// Exec implements the Query interface.
func (q *query) Exec(ctx context.Context) *Result {
	res, err := q.ng.exec(ctx, q)
	return &Result{Err: err, Value: res}
}

// isInstant reports whether the query evaluates at a single timestamp. A
// range query degenerating to one step (start == end with an explicit step)
// still yields a matrix.
func (q *query) isInstant() bool { return q.start == q.end && q.interval == 0 }

func (ng *Engine) exec(ctx context.Context, q *query) (v Value, err error) {
	const env = "query execution"

	ng.metrics.queries.Inc()
	defer func() {
		if err != nil {
			ng.metrics.queryFailures.Inc()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, ng.timeout)
	q.cancel = cancel
	defer cancel()

	if err := ng.gate.Start(ctx); err != nil {
		return nil, err
	}
	defer ng.gate.Done()

	submitted := time.Now()
	var finish func()
	if ng.activeQueries != nil {
		finish = ng.activeQueries.Insert(q.q, q.start, q.end, q.interval)
	}
	defer func() {
		if finish != nil {
			finish()
		}
		if ng.topQueries != nil {
			ng.topQueries.Observe(q.q, submitted, time.Since(submitted))
		}
	}()

	fp := queryFingerprint(q.expr.String(), q.start, q.end, q.interval, ng.lookbackDelta, q.roundDigits)

	return ng.cache.do(fp, q.start, ng.queryable.Epoch, func() (Value, []tsdb.Series, error) {
		return ng.execEval(ctx, q)
	})
}

// execEval evaluates the query without consulting the cache and reports the
// series touched during evaluation.
func (ng *Engine) execEval(ctx context.Context, q *query) (Value, []tsdb.Series, error) {
	prefetched, err := ng.prepare(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	evaluator := &evaluator{
		ctx:             ctx,
		startTimestamp:  q.start,
		endTimestamp:    q.end,
		interval:        durationMilliseconds(q.interval),
		data:            prefetched.data,
		lookbackDelta:   durationMilliseconds(ng.lookbackDelta),
		defaultEvalStep: durationMilliseconds(ng.defaultEvalStep),
		maxSamples:      ng.maxSamples,
		currentSamples:  prefetched.fetchedSamples,
		logger:          ng.logger,
	}

	var val Value
	if q.isInstant() {
		val, err = evaluator.evalInstant(q.expr)
	} else {
		val, err = evaluator.evalRange(q.expr)
	}
	if err != nil {
		return nil, nil, err
	}

	if q.roundDigits != RoundDigitsOff {
		val = roundValue(val, q.roundDigits)
	}
	return val, prefetched.touched, nil
}

func durationMilliseconds(d time.Duration) int64 {
	return int64(d / (time.Millisecond / time.Nanosecond))
}

// An evaluator evaluates the given expressions over the given fixed
// timestamps. It is attached to an engine through which it connects to a
// querier and reports errors. On timeout or cancellation of its context it
// terminates.
type evaluator struct {
	ctx context.Context

	startTimestamp int64 // Start time in milliseconds.
	endTimestamp   int64 // End time in milliseconds.
	interval       int64 // Interval in milliseconds.

	data map[parser.Expr][]fetchedSeries

	lookbackDelta   int64
	defaultEvalStep int64
	maxSamples      int
	currentSamples  int
	logger          *slog.Logger
}

// errorf causes a panic with the input formatted into an error.
func (ev *evaluator) errorf(format string, args ...interface{}) {
	ev.error(fmt.Errorf(format, args...))
}

// error causes a panic with the given error.
func (ev *evaluator) error(err error) {
	panic(err)
}

// recover is the handler that turns panics into returns from the top level of evaluation.
func (ev *evaluator) recover(errp *error) {
	e := recover()
	if e == nil {
		return
	}
	if _, ok := e.(runtime.Error); ok {
		// Print the stack trace but do not inhibit the running application.
		buf := make([]byte, 64<<10)
		buf = buf[:runtime.Stack(buf, false)]
		ev.logger.Error("runtime panic in engine", "err", e, "stacktrace", string(buf))
		*errp = fmt.Errorf("unexpected error: %v", e)
	} else {
		*errp = e.(error)
	}
}

// evalInstant evaluates the expression at the single start timestamp.
func (ev *evaluator) evalInstant(expr parser.Expr) (v Value, err error) {
	defer ev.recover(&err)
	return ev.eval(expr, ev.startTimestamp), nil
}

// evalRange evaluates the expression at each step and assembles a Matrix.
func (ev *evaluator) evalRange(expr parser.Expr) (v Value, err error) {
	defer ev.recover(&err)

	seriesIdx := map[uint64]int{}
	var mat Matrix

	for ts := ev.startTimestamp; ts <= ev.endTimestamp; ts += ev.interval {
		if err := contextDone(ev.ctx, "range evaluation"); err != nil {
			ev.error(err)
		}

		val := ev.eval(expr, ts)
		var vec Vector
		switch vv := val.(type) {
		case Vector:
			vec = vv
		case Scalar:
			vec = Vector{Sample{Point: Point{T: vv.T, V: vv.V}}}
		default:
			ev.errorf("expression must evaluate to vector or scalar per step, got %s", val.Type())
		}

		for _, s := range vec {
			ev.currentSamples++
			if ev.maxSamples > 0 && ev.currentSamples > ev.maxSamples {
				ev.error(ErrTooManySamples("range evaluation"))
			}
			h := s.Metric.Hash()
			i, ok := seriesIdx[h]
			if !ok {
				mat = append(mat, Series{Metric: s.Metric})
				i = len(mat) - 1
				seriesIdx[h] = i
			}
			mat[i].Points = append(mat[i].Points, s.Point)
		}
	}

	sort.Sort(mat)
	return mat, nil
}

// eval evaluates the given expression at the given timestamp.
func (ev *evaluator) eval(expr parser.Expr, ts int64) Value {
	if err := contextDone(ev.ctx, "expression evaluation"); err != nil {
		ev.error(err)
	}

	switch e := expr.(type) {
	case *parser.AggregateExpr:
		vec := ev.evalVector(e.Expr, ts)
		var param float64
		if e.Param != nil {
			param = ev.evalScalar(e.Param, ts).V
		}
		return ev.aggregation(e.Op, e.Grouping, e.Without, param, vec, ts)

	case *parser.BinaryExpr:
		return ev.evalBinary(e, ts)

	case *parser.Call:
		return evalCall(ev, e, ts)

	case *parser.MatrixSelector:
		return ev.matrixSelector(e, ts)

	case *parser.SubqueryExpr:
		return ev.subquery(e, ts)

	case *parser.NumberLiteral:
		return Scalar{V: e.Val, T: ts}

	case *parser.StringLiteral:
		return String{V: e.Val, T: ts}

	case *parser.ParenExpr:
		return ev.eval(e.Expr, ts)

	case *parser.UnaryExpr:
		val := ev.eval(e.Expr, ts)
		if e.Op == parser.ADD {
			return val
		}
		switch v := val.(type) {
		case Scalar:
			v.V = -v.V
			return v
		case Vector:
			res := make(Vector, len(v))
			for i, s := range v {
				res[i] = Sample{
					Metric: s.Metric.DropMetricName(),
					Point:  Point{T: s.T, V: -s.V},
				}
			}
			return res
		default:
			ev.errorf("unary negation not defined for %s", val.Type())
		}

	case *parser.VectorSelector:
		return ev.vectorSelector(e, ts)
	}
	panic(fmt.Errorf("unhandled expression of type: %T", expr))
}

// evalScalar attempts to evaluate e to a scalar value and errors otherwise.
func (ev *evaluator) evalScalar(e parser.Expr, ts int64) Scalar {
	val := ev.eval(e, ts)
	sv, ok := val.(Scalar)
	if !ok {
		ev.errorf("expected scalar but got %s", val.Type())
	}
	return sv
}

// evalVector attempts to evaluate e to a vector value and errors otherwise.
func (ev *evaluator) evalVector(e parser.Expr, ts int64) Vector {
	val := ev.eval(e, ts)
	vec, ok := val.(Vector)
	if !ok {
		ev.errorf("expected instant vector but got %s", val.Type())
	}
	return vec
}

// evalMatrix attempts to evaluate e to a matrix and errors otherwise.
func (ev *evaluator) evalMatrix(e parser.Expr, ts int64) Matrix {
	val := ev.eval(e, ts)
	mat, ok := val.(Matrix)
	if !ok {
		ev.errorf("expected range vector but got %s", val.Type())
	}
	return mat
}

func (ev *evaluator) accountSamples(n int, env string) {
	ev.currentSamples += n
	if ev.maxSamples > 0 && ev.currentSamples > ev.maxSamples {
		ev.error(ErrTooManySamples(env))
	}
}

// vectorSelector evaluates a *parser.VectorSelector expression: for every
// matching series, the newest sample no older than the lookback delta.
func (ev *evaluator) vectorSelector(node *parser.VectorSelector, ts int64) Vector {
	refTime := selectorTime(node, ts)

	vec := Vector{}
	for _, fs := range ev.data[node] {
		p, ok := lastPointBefore(fs.points, refTime, ev.lookbackDelta)
		if !ok {
			continue
		}
		vec = append(vec, Sample{
			Metric: fs.metric,
			Point:  Point{T: ts, V: p.V},
		})
	}
	ev.accountSamples(len(vec), "vector selector")
	return vec
}

func selectorTime(node *parser.VectorSelector, ts int64) int64 {
	if node.Timestamp != nil {
		ts = *node.Timestamp
	}
	return ts - durationMilliseconds(node.Offset)
}

// lastPointBefore returns the newest point with refTime-lookback <= t <= refTime.
func lastPointBefore(points []Point, refTime, lookback int64) (Point, bool) {
	i := sort.Search(len(points), func(i int) bool { return points[i].T > refTime })
	if i == 0 {
		return Point{}, false
	}
	p := points[i-1]
	if p.T < refTime-lookback {
		return Point{}, false
	}
	return p, true
}

// matrixSelector evaluates a *parser.MatrixSelector expression: for every
// matching series, the samples with ts-range < t <= ts.
func (ev *evaluator) matrixSelector(node *parser.MatrixSelector, ts int64) Matrix {
	vs := node.VectorSelector.(*parser.VectorSelector)
	refTime := selectorTime(vs, ts)
	mint := refTime - durationMilliseconds(node.Range)

	mat := make(Matrix, 0, len(ev.data[vs]))
	for _, fs := range ev.data[vs] {
		points := pointsInWindow(fs.points, mint, refTime)
		if len(points) == 0 {
			continue
		}
		ev.accountSamples(len(points), "matrix selector")
		if vs.Offset != 0 {
			adjusted := make([]Point, len(points))
			for i, p := range points {
				adjusted[i] = Point{T: p.T + durationMilliseconds(vs.Offset), V: p.V}
			}
			points = adjusted
		}
		mat = append(mat, Series{Metric: fs.metric, Points: points})
	}
	return mat
}

// pointsInWindow returns the points with mint < t <= maxt.
func pointsInWindow(points []Point, mint, maxt int64) []Point {
	lo := sort.Search(len(points), func(i int) bool { return points[i].T > mint })
	hi := sort.Search(len(points), func(i int) bool { return points[i].T > maxt })
	if lo >= hi {
		return nil
	}
	return points[lo:hi]
}

// subquery materializes the inner expression as a range vector by stepping
// it over (ts-range, ts].
func (ev *evaluator) subquery(node *parser.SubqueryExpr, ts int64) Matrix {
	step := durationMilliseconds(node.Step)
	if step == 0 {
		step = ev.defaultEvalStep
	}
	offset := durationMilliseconds(node.Offset)
	rng := durationMilliseconds(node.Range)

	refTime := ts - offset
	// First step aligned to the subquery step grid after the window start.
	newStart := refTime - rng
	first := newStart - (newStart % step)
	if first < newStart {
		first += step
	}

	seriesIdx := map[uint64]int{}
	var mat Matrix
	for t := first; t <= refTime; t += step {
		if err := contextDone(ev.ctx, "subquery evaluation"); err != nil {
			ev.error(err)
		}
		if t <= newStart {
			// The window is left-open.
			continue
		}
		vec := ev.evalVector(node.Expr, t)
		for _, s := range vec {
			ev.accountSamples(1, "subquery")
			h := s.Metric.Hash()
			i, ok := seriesIdx[h]
			if !ok {
				mat = append(mat, Series{Metric: s.Metric})
				i = len(mat) - 1
				seriesIdx[h] = i
			}
			mat[i].Points = append(mat[i].Points, Point{T: s.T + offset, V: s.V})
		}
	}
	return mat
}

// evalBinary evaluates a binary expression.
func (ev *evaluator) evalBinary(e *parser.BinaryExpr, ts int64) Value {
	switch e.Op {
	case parser.LDEFAULT, parser.LIF, parser.LIFNOT:
		if e.LHS.Type() == parser.ValueTypeVector && e.RHS.Type() == parser.ValueTypeVector {
			return ev.vectorConditional(e, ts)
		}
		if e.LHS.Type() != parser.ValueTypeScalar || e.RHS.Type() != parser.ValueTypeScalar {
			ev.errorf("operator %q requires both operands to be vectors or both scalars", e.Op)
		}
	}

	lhs := ev.eval(e.LHS, ts)
	rhs := ev.eval(e.RHS, ts)

	switch lt, rt := lhs.Type(), rhs.Type(); {
	case lt == parser.ValueTypeScalar && rt == parser.ValueTypeScalar:
		return Scalar{
			V: scalarBinop(e.Op, lhs.(Scalar).V, rhs.(Scalar).V),
			T: ts,
		}

	case lt == parser.ValueTypeVector && rt == parser.ValueTypeVector:
		switch e.Op {
		case parser.LAND:
			return ev.vectorAnd(lhs.(Vector), rhs.(Vector), e.VectorMatching)
		case parser.LOR:
			return ev.vectorOr(lhs.(Vector), rhs.(Vector), e.VectorMatching)
		case parser.LUNLESS:
			return ev.vectorUnless(lhs.(Vector), rhs.(Vector), e.VectorMatching)
		default:
			return ev.vectorBinop(e.Op, lhs.(Vector), rhs.(Vector), e.VectorMatching, e.ReturnBool, ts)
		}

	case lt == parser.ValueTypeVector && rt == parser.ValueTypeScalar:
		return ev.vectorScalarBinop(e.Op, lhs.(Vector), rhs.(Scalar), false, e.ReturnBool, ts)

	case lt == parser.ValueTypeScalar && rt == parser.ValueTypeVector:
		return ev.vectorScalarBinop(e.Op, rhs.(Vector), lhs.(Scalar), true, e.ReturnBool, ts)
	}
	ev.errorf("binary operation %q not defined between %s and %s", e.Op, lhs.Type(), rhs.Type())
	return nil
}

// vectorConditional implements the MetricsQL default/if/ifnot operators.
// Matching is on the full label set.
func (ev *evaluator) vectorConditional(e *parser.BinaryExpr, ts int64) Vector {
	lhs := ev.evalVector(e.LHS, ts)
	rhs := ev.evalVector(e.RHS, ts)

	sigf := signatureFunc(false, nil)
	rightSigs := map[uint64]Sample{}
	for _, rs := range rhs {
		rightSigs[sigf(rs.Metric)] = rs
	}

	var result Vector
	switch e.Op {
	case parser.LDEFAULT:
		// Keep lhs, add rhs entries missing on the left.
		leftSigs := map[uint64]struct{}{}
		for _, ls := range lhs {
			leftSigs[sigf(ls.Metric)] = struct{}{}
			result = append(result, ls)
		}
		for _, rs := range rhs {
			if _, ok := leftSigs[sigf(rs.Metric)]; !ok {
				result = append(result, rs)
			}
		}
	case parser.LIF:
		for _, ls := range lhs {
			if _, ok := rightSigs[sigf(ls.Metric)]; ok {
				result = append(result, ls)
			}
		}
	case parser.LIFNOT:
		for _, ls := range lhs {
			if _, ok := rightSigs[sigf(ls.Metric)]; !ok {
				result = append(result, ls)
			}
		}
	}
	return result
}

func (ev *evaluator) vectorAnd(lhs, rhs Vector, matching *parser.VectorMatching) Vector {
	if matching.Card != parser.CardManyToMany {
		panic("set operations must only use many-to-many matching")
	}
	sigf := signatureFunc(matching.On, matching.MatchingLabels)

	var result Vector
	// The set of signatures for the right-hand side Vector.
	rightSigs := map[uint64]struct{}{}
	// Add all rhs samples to a map so we can easily find matches later.
	for _, rs := range rhs {
		rightSigs[sigf(rs.Metric)] = struct{}{}
	}

	for _, ls := range lhs {
		// If there's a matching entry in the right-hand side Vector, add the sample.
		if _, ok := rightSigs[sigf(ls.Metric)]; ok {
			result = append(result, ls)
		}
	}
	return result
}

func (ev *evaluator) vectorOr(lhs, rhs Vector, matching *parser.VectorMatching) Vector {
	if matching.Card != parser.CardManyToMany {
		panic("set operations must only use many-to-many matching")
	}
	sigf := signatureFunc(matching.On, matching.MatchingLabels)

	var result Vector
	leftSigs := map[uint64]struct{}{}
	// Add everything from the left-hand-side Vector.
	for _, ls := range lhs {
		leftSigs[sigf(ls.Metric)] = struct{}{}
		result = append(result, ls)
	}
	// Add all right-hand side elements which have not been added from the left-hand side.
	for _, rs := range rhs {
		if _, ok := leftSigs[sigf(rs.Metric)]; !ok {
			result = append(result, rs)
		}
	}
	return result
}

func (ev *evaluator) vectorUnless(lhs, rhs Vector, matching *parser.VectorMatching) Vector {
	if matching.Card != parser.CardManyToMany {
		panic("set operations must only use many-to-many matching")
	}
	sigf := signatureFunc(matching.On, matching.MatchingLabels)

	rightSigs := map[uint64]struct{}{}
	for _, rs := range rhs {
		rightSigs[sigf(rs.Metric)] = struct{}{}
	}

	var result Vector
	for _, ls := range lhs {
		if _, ok := rightSigs[sigf(ls.Metric)]; !ok {
			result = append(result, ls)
		}
	}
	return result
}

// vectorBinop evaluates a binary operation between two Vectors, excluding set operators.
func (ev *evaluator) vectorBinop(op parser.ItemType, lhs, rhs Vector, matching *parser.VectorMatching, returnBool bool, ts int64) Vector {
	if matching.Card == parser.CardManyToMany {
		panic("many-to-many only allowed for set operators")
	}
	sigf := signatureFunc(matching.On, matching.MatchingLabels)

	// The control flow below handles one-to-one or many-to-one matching.
	// For one-to-many, swap sidedness and account for the swap when calculating
	// values.
	if matching.Card == parser.CardOneToMany {
		lhs, rhs = rhs, lhs
	}

	// All samples from the rhs hashed by the matching label/values.
	rightSigs := map[uint64]Sample{}

	// Add all rhs samples to a map so we can easily find matches later.
	for _, rs := range rhs {
		sig := sigf(rs.Metric)
		// The rhs is guaranteed to be the 'one' side. Having multiple samples
		// with the same signature means that the matching is many-to-many.
		if existing, found := rightSigs[sig]; found {
			ev.error(ErrVectorMatching{Msg: fmt.Sprintf(
				"found duplicate series for the match group on the right hand-side of the operation: %s and %s; many-to-many matching not allowed: matching labels must be unique on one side",
				existing.Metric, rs.Metric)})
		}
		rightSigs[sig] = rs
	}

	// Tracks the match-signature. For one-to-one operations the value is nil.
	// For many-to-one the value is a set of signatures to detect duplicated
	// result elements.
	matchedSigs := map[uint64]map[uint64]struct{}{}

	var result Vector
	// For all lhs samples find a respective rhs sample and perform
	// the binary operation.
	for _, ls := range lhs {
		sig := sigf(ls.Metric)

		rs, found := rightSigs[sig] // Look for a match in the rhs Vector.
		if !found {
			continue
		}

		// Account for potentially swapped sidedness.
		vl, vr := ls.V, rs.V
		if matching.Card == parser.CardOneToMany {
			vl, vr = vr, vl
		}
		value, keep := vectorElemBinop(op, vl, vr)
		if returnBool {
			value = btof(keep)
			keep = true
		}
		if !keep {
			continue
		}
		metric := resultMetric(ls.Metric, rs.Metric, op, matching, returnBool)

		insertedSigs, exists := matchedSigs[sig]
		if matching.Card == parser.CardOneToOne {
			if exists {
				ev.error(ErrVectorMatching{Msg: "multiple matches for labels: many-to-one matching must be explicit (group_left/group_right)"})
			}
			matchedSigs[sig] = nil // Set existence to true.
		} else {
			// In many-to-one matching the grouping labels have to ensure a unique metric
			// for the result Vector. Check whether those labels have already been added for
			// the same matching labels.
			insertSig := metric.Hash()
			if !exists {
				insertedSigs = map[uint64]struct{}{}
				matchedSigs[sig] = insertedSigs
			} else if _, duplicate := insertedSigs[insertSig]; duplicate {
				ev.error(ErrVectorMatching{Msg: "multiple matches for labels: grouping labels must ensure unique matches"})
			}
			insertedSigs[insertSig] = struct{}{}
		}

		result = append(result, Sample{
			Metric: metric,
			Point:  Point{T: ts, V: value},
		})
	}
	return result
}

// signatureFunc returns a function that calculates the signature for a
// metric based on the matching clause.
func signatureFunc(on bool, names []string) func(labels.Labels) uint64 {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	buf := make([]byte, 0, 1024)
	if on {
		return func(lset labels.Labels) uint64 {
			h, b := lset.HashForLabels(buf, sorted...)
			buf = b
			return h
		}
	}
	return func(lset labels.Labels) uint64 {
		h, b := lset.HashWithoutLabels(buf, sorted...)
		buf = b
		return h
	}
}

// resultMetric returns the metric for the given sample(s) based on the
// Vector binary operation and the matching options.
func resultMetric(lhs, rhs labels.Labels, op parser.ItemType, matching *parser.VectorMatching, returnBool bool) labels.Labels {
	lb := labels.NewBuilder(lhs)

	if shouldDropMetricName(op) || returnBool {
		lb.Del(labels.MetricName)
	}

	if matching.Card == parser.CardOneToOne {
		if matching.On {
			lb.Keep(matching.MatchingLabels...)
		} else {
			lb.Del(matching.MatchingLabels...)
		}
	}
	// Included labels from the `group_x` modifier are taken from the "one"-side.
	for _, ln := range matching.Include {
		if v := rhs.Get(ln); v != "" {
			lb.Set(ln, v)
		} else {
			lb.Del(ln)
		}
	}

	return lb.Labels()
}

// vectorScalarBinop evaluates a binary operation between a Vector and a Scalar.
func (ev *evaluator) vectorScalarBinop(op parser.ItemType, lhs Vector, rhs Scalar, swap, returnBool bool, ts int64) Vector {
	vec := make(Vector, 0, len(lhs))

	for _, lhsSample := range lhs {
		lv, rv := lhsSample.V, rhs.V
		// lhs always contains the Vector. If the original position was different
		// swap for calculating the value.
		if swap {
			lv, rv = rv, lv
		}
		value, keep := vectorElemBinop(op, lv, rv)
		// Catch cases where the scalar is the LHS in a scalar-vector comparison operation.
		// We want to always keep the vector element value as the output value, even if it's on the RHS.
		if op.IsComparisonOperator() && swap {
			value = rv
		}
		if returnBool {
			value = btof(keep)
			keep = true
		}
		if keep {
			metric := lhsSample.Metric
			if shouldDropMetricName(op) || returnBool {
				metric = metric.DropMetricName()
			}
			vec = append(vec, Sample{
				Metric: metric,
				Point:  Point{T: ts, V: value},
			})
		}
	}
	return vec
}

// scalarBinop evaluates a binary operation between two Scalars.
func scalarBinop(op parser.ItemType, lhs, rhs float64) float64 {
	switch op {
	case parser.ADD:
		return lhs + rhs
	case parser.SUB:
		return lhs - rhs
	case parser.MUL:
		return lhs * rhs
	case parser.DIV:
		return lhs / rhs
	case parser.MOD:
		return math.Mod(lhs, rhs)
	case parser.POW:
		return math.Pow(lhs, rhs)
	case parser.EQLC:
		return btof(lhs == rhs)
	case parser.NEQ:
		return btof(lhs != rhs)
	case parser.GTR:
		return btof(lhs > rhs)
	case parser.LSS:
		return btof(lhs < rhs)
	case parser.GTE:
		return btof(lhs >= rhs)
	case parser.LTE:
		return btof(lhs <= rhs)
	case parser.LDEFAULT:
		if math.IsNaN(lhs) {
			return rhs
		}
		return lhs
	case parser.LIF:
		if math.IsNaN(rhs) {
			return math.NaN()
		}
		return lhs
	case parser.LIFNOT:
		if math.IsNaN(rhs) {
			return lhs
		}
		return math.NaN()
	}
	panic(fmt.Errorf("operator %q not allowed for Scalar operations", op))
}

// vectorElemBinop evaluates a binary operation between two Vector elements.
func vectorElemBinop(op parser.ItemType, lhs, rhs float64) (float64, bool) {
	switch op {
	case parser.ADD:
		return lhs + rhs, true
	case parser.SUB:
		return lhs - rhs, true
	case parser.MUL:
		return lhs * rhs, true
	case parser.DIV:
		return lhs / rhs, true
	case parser.MOD:
		return math.Mod(lhs, rhs), true
	case parser.POW:
		return math.Pow(lhs, rhs), true
	case parser.EQLC:
		return lhs, lhs == rhs
	case parser.NEQ:
		return lhs, lhs != rhs
	case parser.GTR:
		return lhs, lhs > rhs
	case parser.LSS:
		return lhs, lhs < rhs
	case parser.GTE:
		return lhs, lhs >= rhs
	case parser.LTE:
		return lhs, lhs <= rhs
	}
	panic(fmt.Errorf("operator %q not allowed for operations between Vectors", op))
}

type groupedAggregation struct {
	labels           labels.Labels
	value            float64
	mean             float64
	groupCount       int
	heap             []Sample
	valuesSquaredSum float64
}

// aggregation evaluates an aggregation operation on a Vector.
func (ev *evaluator) aggregation(op parser.ItemType, grouping []string, without bool, param float64, vec Vector, ts int64) Vector {
	result := map[uint64]*groupedAggregation{}
	var order []uint64

	k := int64(param)
	if op == parser.TOPK || op == parser.BOTTOMK {
		if k < 1 {
			return Vector{}
		}
	}
	if op == parser.QUANTILE && (param < 0 || param > 1) && !math.IsNaN(param) {
		ev.errorf("quantile value should be between 0 and 1, got %v", param)
	}

	sort.Strings(grouping)
	buf := make([]byte, 0, 1024)
	for _, s := range vec {
		metric := s.Metric

		var groupingKey uint64
		if without {
			groupingKey, buf = metric.HashWithoutLabels(buf, grouping...)
		} else {
			groupingKey, buf = metric.HashForLabels(buf, grouping...)
		}

		group, ok := result[groupingKey]
		// Add a new group if it doesn't exist.
		if !ok {
			var m labels.Labels
			if without {
				lb := labels.NewBuilder(metric)
				lb.Del(grouping...)
				lb.Del(labels.MetricName)
				m = lb.Labels()
			} else if len(grouping) > 0 {
				lb := labels.NewBuilder(metric)
				lb.Keep(grouping...)
				m = lb.Labels()
			} else {
				m = labels.Labels{}
			}
			newAgg := &groupedAggregation{
				labels:     m,
				value:      s.V,
				mean:       s.V,
				groupCount: 1,
			}
			switch op {
			case parser.TOPK, parser.BOTTOMK, parser.QUANTILE:
				newAgg.heap = Vector{s}
				newAgg.value = 0
			case parser.GROUP:
				newAgg.value = 1
			}
			result[groupingKey] = newAgg
			order = append(order, groupingKey)
			continue
		}

		switch op {
		case parser.SUM:
			group.value += s.V

		case parser.AVG:
			group.groupCount++
			group.mean += (s.V - group.mean) / float64(group.groupCount)

		case parser.MAX:
			if group.value < s.V || math.IsNaN(group.value) {
				group.value = s.V
			}

		case parser.MIN:
			if group.value > s.V || math.IsNaN(group.value) {
				group.value = s.V
			}

		case parser.COUNT:
			group.groupCount++

		case parser.GROUP:
			// The final value is 1 regardless of inputs.

		case parser.STDVAR, parser.STDDEV:
			group.groupCount++
			delta := s.V - group.mean
			group.mean += delta / float64(group.groupCount)
			group.valuesSquaredSum += delta * (s.V - group.mean)

		case parser.TOPK, parser.BOTTOMK:
			// Insertion order is preserved within tied values by appending
			// and using a stable sort at the end.
			group.heap = append(group.heap, s)

		case parser.QUANTILE:
			group.heap = append(group.heap, s)

		default:
			panic(fmt.Errorf("expected aggregation operator but got %q", op))
		}
	}

	// Construct the result Vector from the aggregated groups.
	resultVector := make(Vector, 0, len(result))

	for _, key := range order {
		aggr := result[key]
		switch op {
		case parser.AVG:
			aggr.value = aggr.mean

		case parser.COUNT:
			aggr.value = float64(aggr.groupCount)

		case parser.GROUP:
			aggr.value = 1

		case parser.STDVAR:
			aggr.value = aggr.valuesSquaredSum / float64(aggr.groupCount)

		case parser.STDDEV:
			aggr.value = math.Sqrt(aggr.valuesSquaredSum / float64(aggr.groupCount))

		case parser.TOPK:
			sort.SliceStable(aggr.heap, func(i, j int) bool {
				return lessWithNaN(aggr.heap[j].V, aggr.heap[i].V)
			})
			n := int(k)
			if n > len(aggr.heap) {
				n = len(aggr.heap)
			}
			for _, s := range aggr.heap[:n] {
				resultVector = append(resultVector, Sample{
					Metric: s.Metric,
					Point:  Point{T: ts, V: s.V},
				})
			}
			continue

		case parser.BOTTOMK:
			sort.SliceStable(aggr.heap, func(i, j int) bool {
				return lessWithNaN(aggr.heap[i].V, aggr.heap[j].V)
			})
			n := int(k)
			if n > len(aggr.heap) {
				n = len(aggr.heap)
			}
			for _, s := range aggr.heap[:n] {
				resultVector = append(resultVector, Sample{
					Metric: s.Metric,
					Point:  Point{T: ts, V: s.V},
				})
			}
			continue

		case parser.QUANTILE:
			values := make([]float64, 0, len(aggr.heap))
			for _, s := range aggr.heap {
				values = append(values, s.V)
			}
			aggr.value = quantile(param, values)

		default:
			// For other aggregations, we already have the right value.
		}

		resultVector = append(resultVector, Sample{
			Metric: aggr.labels,
			Point:  Point{T: ts, V: aggr.value},
		})
	}
	return resultVector
}

// lessWithNaN sorts NaN below all other values.
func lessWithNaN(a, b float64) bool {
	if math.IsNaN(a) {
		return !math.IsNaN(b)
	}
	return a < b
}

// btof returns 1 if b is true, 0 otherwise.
func btof(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// shouldDropMetricName returns whether the metric name should be dropped in
// the result of the op operation.
func shouldDropMetricName(op parser.ItemType) bool {
	switch op {
	case parser.ADD, parser.SUB, parser.DIV, parser.MUL, parser.POW, parser.MOD:
		return true
	default:
		return false
	}
}

// roundValue rounds every value of v to the given number of decimal places,
// half to even.
func roundValue(v Value, digits int) Value {
	round := func(f float64) float64 {
		p := math.Pow10(digits)
		return math.RoundToEven(f*p) / p
	}
	switch val := v.(type) {
	case Scalar:
		val.V = round(val.V)
		return val
	case Vector:
		for i := range val {
			val[i].V = round(val[i].V)
		}
		return val
	case Matrix:
		for i := range val {
			for j := range val[i].Points {
				val[i].Points[j].V = round(val[i].Points[j].V)
			}
		}
		return val
	}
	return v
}

// A queryGate controls the maximum number of concurrently running and
// waiting queries.
type queryGate struct {
	ch chan struct{}
}

// newQueryGate returns a query gate that limits the number of queries
// being concurrently executed.
func newQueryGate(length int) *queryGate {
	return &queryGate{
		ch: make(chan struct{}, length),
	}
}

// Start blocks until the gate has a free spot or the context is done.
func (g *queryGate) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return contextErr(ctx.Err(), "query queue")
	case g.ch <- struct{}{}:
		return nil
	}
}

// Done releases a single spot in the gate.
func (g *queryGate) Done() {
	select {
	case <-g.ch:
	default:
		panic("promql.queryGate.Done: more operations done than started")
	}
}

// timeMilliseconds returns the current wall clock in milliseconds.
func timeMilliseconds() int64 {
	return timestamp.FromTime(time.Now())
}
