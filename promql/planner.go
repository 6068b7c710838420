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
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/promql/parser"
	"github.com/promkv/promkv/tsdb"
)

// fetchedSeries is one series pre-resolved and materialized over the fetch
// window of its selector.
type fetchedSeries struct {
	metric labels.Labels
	points []Point
}

// prepared holds the outcome of query preparation: the selector data needed
// by the evaluator and the set of storage series the query touches.
type prepared struct {
	data           map[parser.Expr][]fetchedSeries
	touched        []tsdb.Series
	fetchedSamples int
}

// prepare rewrites the expression, extracts every underlying selector, and
// pre-resolves each one into its series set with samples covering the
// required fetch window.
func (ng *Engine) prepare(ctx context.Context, q *query) (*prepared, error) {
	q.expr = foldConstants(q.expr)

	type fetchPlan struct {
		vs         *parser.VectorSelector
		mint, maxt int64
	}
	var plans []fetchPlan

	lookback := durationMilliseconds(ng.lookbackDelta)

	// Walk the tree accumulating the extra look-behind from enclosing range
	// and subquery selectors. The fetch window for a selector evaluated over
	// [start, end] with total look-behind L and offset o is
	// [start-L-o, end-o].
	var walk func(node parser.Expr, extraBack int64)
	walk = func(node parser.Expr, extraBack int64) {
		switch n := node.(type) {
		case *parser.VectorSelector:
			offset := durationMilliseconds(n.Offset)
			mint := q.start - offset - lookback - extraBack
			maxt := q.end - offset
			if n.Timestamp != nil {
				mint = *n.Timestamp - lookback - extraBack
				maxt = *n.Timestamp
			}
			plans = append(plans, fetchPlan{vs: n, mint: mint, maxt: maxt})
		case *parser.MatrixSelector:
			vs := n.VectorSelector.(*parser.VectorSelector)
			walk(vs, extraBack+durationMilliseconds(n.Range))
		case *parser.SubqueryExpr:
			walk(n.Expr, extraBack+durationMilliseconds(n.Range+n.Offset+n.Step))
		case *parser.AggregateExpr:
			walk(n.Expr, extraBack)
			if n.Param != nil {
				walk(n.Param, extraBack)
			}
		case *parser.BinaryExpr:
			walk(n.LHS, extraBack)
			walk(n.RHS, extraBack)
		case *parser.Call:
			for _, a := range n.Args {
				walk(a, extraBack)
			}
		case *parser.ParenExpr:
			walk(n.Expr, extraBack)
		case *parser.UnaryExpr:
			walk(n.Expr, extraBack)
		}
	}
	walk(q.expr, 0)

	p := &prepared{data: make(map[parser.Expr][]fetchedSeries, len(plans))}
	seen := map[uint64]struct{}{}

	for _, plan := range plans {
		if err := contextDone(ctx, "query preparation"); err != nil {
			return nil, err
		}
		series, err := ng.queryable.Select(plan.mint, plan.maxt, plan.vs.LabelMatchers...)
		if err != nil {
			return nil, err
		}
		fetched := make([]fetchedSeries, 0, len(series))
		for _, s := range series {
			if err := contextDone(ctx, "series fetch"); err != nil {
				return nil, err
			}
			samples, err := s.Samples(plan.mint, plan.maxt)
			if err != nil {
				return nil, err
			}
			p.fetchedSamples += len(samples)
			if ng.maxSamples > 0 && p.fetchedSamples > ng.maxSamples {
				return nil, ErrTooManySamples("query preparation")
			}
			points := make([]Point, len(samples))
			for i, sm := range samples {
				points[i] = Point{T: sm.T, V: sm.V}
			}
			fetched = append(fetched, fetchedSeries{metric: s.Labels, points: points})
			if _, ok := seen[s.ID]; !ok {
				seen[s.ID] = struct{}{}
				p.touched = append(p.touched, s)
			}
		}
		p.data[plan.vs] = fetched
	}
	return p, nil
}

// foldConstants rewrites the expression bottom-up, replacing constant-only
// subtrees with their value and unwrapping redundant parens around literals.
func foldConstants(expr parser.Expr) parser.Expr {
	switch e := expr.(type) {
	case *parser.BinaryExpr:
		e.LHS = foldConstants(e.LHS)
		e.RHS = foldConstants(e.RHS)
		l, lok := e.LHS.(*parser.NumberLiteral)
		r, rok := e.RHS.(*parser.NumberLiteral)
		if lok && rok && !e.ReturnBool {
			switch e.Op {
			case parser.ADD, parser.SUB, parser.MUL, parser.DIV, parser.MOD, parser.POW:
				return &parser.NumberLiteral{
					Val:      scalarBinop(e.Op, l.Val, r.Val),
					PosRange: e.PositionRange(),
				}
			}
		}
		return e
	case *parser.ParenExpr:
		inner := foldConstants(e.Expr)
		switch inner.(type) {
		case *parser.NumberLiteral, *parser.StringLiteral, *parser.VectorSelector:
			return inner
		}
		e.Expr = inner
		return e
	case *parser.UnaryExpr:
		e.Expr = foldConstants(e.Expr)
		if n, ok := e.Expr.(*parser.NumberLiteral); ok {
			if e.Op == parser.SUB {
				n.Val = -n.Val
			}
			return n
		}
		return e
	case *parser.AggregateExpr:
		e.Expr = foldConstants(e.Expr)
		if e.Param != nil {
			e.Param = foldConstants(e.Param)
		}
		return e
	case *parser.Call:
		for i, a := range e.Args {
			e.Args[i] = foldConstants(a)
		}
		return e
	case *parser.SubqueryExpr:
		e.Expr = foldConstants(e.Expr)
		return e
	case *parser.MatrixSelector:
		return e
	default:
		return expr
	}
}

// queryFingerprint builds the rollup cache key. Two queries differing in
// step, lookback or rounding must not collide.
func queryFingerprint(exprStr string, start, end int64, interval time.Duration, lookback time.Duration, roundDigits int) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(exprStr)
	var buf [8 * 5]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(start))
	binary.LittleEndian.PutUint64(buf[8:], uint64(end))
	binary.LittleEndian.PutUint64(buf[16:], uint64(interval))
	binary.LittleEndian.PutUint64(buf[24:], uint64(lookback))
	binary.LittleEndian.PutUint64(buf[32:], uint64(roundDigits))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
