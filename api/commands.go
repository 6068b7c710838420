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

package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/promkv/promkv/model/labels"
	"github.com/promkv/promkv/model/timestamp"
	"github.com/promkv/promkv/promql"
	"github.com/promkv/promkv/promql/parser"
	"github.com/promkv/promkv/tsdb"
)

// Dispatcher routes command token lists to the core. The host KV server is
// expected to split its protocol frames into tokens and hand them over
// unmodified; replies are Prometheus-API-shaped JSON.
type Dispatcher struct {
	core     *Core
	handlers map[string]handler
}

// NewDispatcher returns a dispatcher for the core.
func NewDispatcher(core *Core) *Dispatcher {
	return &Dispatcher{
		core: core,
		handlers: map[string]handler{
			"CREATE-SERIES":      core.cmdCreateSeries,
			"ALTER-SERIES":       core.cmdAlterSeries,
			"ADD":                core.cmdAdd,
			"MADD":               core.cmdMAdd,
			"GET":                core.cmdGet,
			"MGET":               core.cmdMGet,
			"RANGE":              core.cmdRange,
			"MRANGE":             core.cmdMRange,
			"DELETE-RANGE":       core.cmdDeleteRange,
			"DELETE-KEY-RANGE":   core.cmdDeleteKeyRange,
			"DELETE-SERIES":      core.cmdDeleteSeries,
			"QUERY":              core.cmdQuery,
			"QUERY-RANGE":        core.cmdQueryRange,
			"SERIES":             core.cmdSeries,
			"LABELS":             core.cmdLabelNames,
			"LABEL-NAMES":        core.cmdLabelNames,
			"LABEL-VALUES":       core.cmdLabelValues,
			"CARDINALITY":        core.cmdCardinality,
			"TOP-QUERIES":        core.cmdTopQueries,
			"ACTIVE-QUERIES":     core.cmdActiveQueries,
			"STATS":              core.cmdStats,
			"RESET-ROLLUP-CACHE": core.cmdResetRollupCache,
			"JOIN":               core.cmdJoin,
			"COLLATE":            core.cmdCollate,
		},
	}
}

type handler func(ctx context.Context, p *argParser, now time.Time) (interface{}, error)

// Do executes one command. The first token is the command name, with or
// without the "VM." prefix, case-insensitive.
func (d *Dispatcher) Do(ctx context.Context, args []string) []byte {
	if len(args) == 0 {
		return respondError(errorBadData, errors.New("missing command")).Encode()
	}
	name := strings.ToUpper(args[0])
	name = strings.TrimPrefix(name, "VM.")

	h, ok := d.handlers[name]
	if !ok {
		return respondError(errorBadData, fmt.Errorf("unknown command %q", args[0])).Encode()
	}

	data, err := h(ctx, newArgParser(args[1:]), time.Now())
	if err != nil {
		return errorResponse(err).Encode()
	}
	return respondOK(data).Encode()
}

// parseSeriesOptions consumes CREATE/ALTER option flags.
func parseSeriesOptions(p *argParser) (*tsdb.SeriesOptions, error) {
	opts := &tsdb.SeriesOptions{}
	for p.more() {
		switch {
		case p.peekFlag("RETENTION"):
			d, err := p.nextDuration()
			if err != nil {
				return nil, badData(err)
			}
			opts.Retention = d
		case p.peekFlag("CHUNK_SIZE"):
			n, err := p.nextInt()
			if err != nil {
				return nil, badData(err)
			}
			opts.ChunkRange = int(n)
		default:
			arg, _ := p.peek()
			return nil, badData(fmt.Errorf("invalid argument %q", arg))
		}
	}
	return opts, nil
}

func (c *Core) cmdCreateSeries(_ context.Context, p *argParser, _ time.Time) (interface{}, error) {
	key, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	metric, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	lset, err := parser.ParseMetricName(metric)
	if err != nil {
		return nil, badData(err)
	}
	opts, err := parseSeriesOptions(p)
	if err != nil {
		return nil, err
	}

	if _, bound := c.lookupKey(key); bound {
		return nil, badData(fmt.Errorf("key %q already exists", key))
	}
	s, err := c.head.Create(lset, opts)
	if err != nil {
		return nil, err
	}
	c.bindKey(key, s.ID)
	c.logger.Debug("series created", "key", key, "series", lset.String())
	return "OK", nil
}

func (c *Core) cmdAlterSeries(_ context.Context, p *argParser, _ time.Time) (interface{}, error) {
	key, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	id, ok := c.lookupKey(key)
	if !ok {
		return nil, tsdb.ErrNotFound
	}
	if _, err := c.head.SeriesByID(id); err != nil {
		return nil, err
	}

	for p.more() {
		switch {
		case p.peekFlag("RETENTION"):
			d, err := p.nextDuration()
			if err != nil {
				return nil, badData(err)
			}
			if err := c.head.SetRetention(id, d); err != nil {
				return nil, err
			}
		case p.peekFlag("LABELS"):
			arg, err := p.next()
			if err != nil {
				return nil, badData(err)
			}
			add, err := parseAdditiveLabels(arg)
			if err != nil {
				return nil, badData(err)
			}
			if err := c.head.Relabel(id, add); err != nil {
				return nil, err
			}
		default:
			arg, _ := p.peek()
			return nil, badData(fmt.Errorf("invalid argument %q", arg))
		}
	}
	return "OK", nil
}

// parseAdditiveLabels parses the `{name="value", ...}` LABELS argument.
func parseAdditiveLabels(s string) (labels.Labels, error) {
	ms, err := parser.ParseMetricSelector(s)
	if err != nil {
		return nil, err
	}
	ls := make(labels.Labels, 0, len(ms))
	for _, m := range ms {
		if m.Type != labels.MatchEqual {
			return nil, fmt.Errorf("labels must be given as equality pairs, got %s", m)
		}
		if m.Name == labels.MetricName {
			return nil, errors.New("the metric name of an existing series cannot be changed")
		}
		ls = append(ls, labels.Label{Name: m.Name, Value: m.Value})
	}
	return labels.New(ls...), nil
}

// seriesForKey resolves a key to its series, creating one named after the
// key on the write path.
func (c *Core) seriesForKey(key string, createMissing bool) (tsdb.Series, error) {
	if id, ok := c.lookupKey(key); ok {
		return c.head.SeriesByID(id)
	}
	if !createMissing {
		return tsdb.Series{}, tsdb.ErrNotFound
	}
	lset := labels.FromStrings(labels.MetricName, key)
	s, _ := c.head.GetOrCreate(lset, nil)
	c.bindKey(key, s.ID)
	return s, nil
}

func (c *Core) cmdAdd(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	key, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	ts, err := p.nextTimestamp(now)
	if err != nil {
		return nil, badData(err)
	}
	v, err := p.nextFloat()
	if err != nil {
		return nil, badData(err)
	}

	s, err := c.seriesForKey(key, true)
	if err != nil {
		return nil, err
	}
	if err := c.head.Append(s.ID, ts, v); err != nil {
		return nil, err
	}
	return ts, nil
}

func (c *Core) cmdMAdd(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	var results []interface{}
	for p.more() {
		key, err := p.next()
		if err != nil {
			return nil, badData(err)
		}
		ts, err := p.nextTimestamp(now)
		if err != nil {
			return nil, badData(err)
		}
		v, err := p.nextFloat()
		if err != nil {
			return nil, badData(err)
		}
		// Per-entry failures are reported without aborting the batch.
		s, err := c.seriesForKey(key, true)
		if err == nil {
			err = c.head.Append(s.ID, ts, v)
		}
		if err != nil {
			results = append(results, map[string]string{"error": err.Error()})
		} else {
			results = append(results, ts)
		}
	}
	if len(results) == 0 {
		return nil, badData(errors.New("wrong number of arguments"))
	}
	return results, nil
}

func (c *Core) cmdGet(_ context.Context, p *argParser, _ time.Time) (interface{}, error) {
	key, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	s, err := c.seriesForKey(key, false)
	if err != nil {
		return nil, err
	}
	last, ok := s.Last()
	if !ok {
		return []interface{}{}, nil
	}
	return samplePair{T: last.T, V: last.V}, nil
}

// selectorArgs consumes selector tokens up to the next recognized flag.
func selectorArgs(p *argParser, stopFlags ...string) ([]string, error) {
	var sels []string
	for p.more() {
		s, _ := p.peek()
		stop := false
		for _, f := range stopFlags {
			if strings.EqualFold(s, f) {
				stop = true
				break
			}
		}
		if stop {
			break
		}
		p.pos++
		sels = append(sels, s)
	}
	if len(sels) == 0 {
		return nil, badData(errors.New("missing series selector"))
	}
	return sels, nil
}

// resolveSelectors resolves the union of the given selectors over the time
// range, deduplicated by series ID.
func (c *Core) resolveSelectors(sels []string, tr timeRange) ([]tsdb.Series, error) {
	seen := map[uint64]struct{}{}
	var res []tsdb.Series
	for _, sel := range sels {
		ms, err := parser.ParseMetricSelector(sel)
		if err != nil {
			return nil, badData(err)
		}
		series, err := c.head.Select(tr.start, tr.end, ms...)
		if err != nil {
			return nil, err
		}
		for _, s := range series {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			seen[s.ID] = struct{}{}
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (c *Core) cmdMGet(_ context.Context, p *argParser, _ time.Time) (interface{}, error) {
	sels, err := selectorArgs(p)
	if err != nil {
		return nil, err
	}
	series, err := c.resolveSelectors(sels, timeRange{start: timestamp.MinTime, end: timestamp.MaxTime})
	if err != nil {
		return nil, err
	}
	samples := make([]vectorSample, 0, len(series))
	for _, s := range series {
		last, ok := s.Last()
		if !ok {
			continue
		}
		samples = append(samples, vectorSample{
			Metric: s.Labels.Map(),
			Value:  samplePair{T: last.T, V: last.V},
		})
	}
	return queryData{ResultType: parser.ValueTypeVector, Result: samples}, nil
}

func (c *Core) cmdRange(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	key, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, badData(err)
	}
	s, err := c.seriesForKey(key, false)
	if err != nil {
		return nil, err
	}
	samples, err := s.Samples(tr.start, tr.end)
	if err != nil {
		return nil, err
	}
	values := make([]samplePair, 0, len(samples))
	for _, sm := range samples {
		values = append(values, samplePair{T: sm.T, V: sm.V})
	}
	return values, nil
}

func (c *Core) cmdMRange(ctx context.Context, p *argParser, now time.Time) (interface{}, error) {
	sels, err := selectorArgs(p, "START", "END")
	if err != nil {
		return nil, err
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, badData(err)
	}
	series, err := c.resolveSelectors(sels, tr)
	if err != nil {
		return nil, err
	}
	rows, err := c.scanSeries(ctx, series, tr)
	if err != nil {
		return nil, err
	}
	return queryData{ResultType: parser.ValueTypeMatrix, Result: rows}, nil
}

func (c *Core) cmdDeleteRange(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	sels, err := selectorArgs(p, "START", "END")
	if err != nil {
		return nil, err
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, badData(err)
	}
	series, err := c.resolveSelectors(sels, timeRange{start: timestamp.MinTime, end: timestamp.MaxTime})
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range series {
		n, err := c.head.DeleteSamples(s.ID, tr.start, tr.end)
		if err != nil {
			return nil, err
		}
		total += n
	}
	return total, nil
}

func (c *Core) cmdDeleteKeyRange(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	key, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, badData(err)
	}
	s, err := c.seriesForKey(key, false)
	if err != nil {
		return nil, err
	}
	return c.head.DeleteSamples(s.ID, tr.start, tr.end)
}

func (c *Core) cmdDeleteSeries(_ context.Context, p *argParser, _ time.Time) (interface{}, error) {
	sels, err := selectorArgs(p)
	if err != nil {
		return nil, err
	}
	series, err := c.resolveSelectors(sels, timeRange{start: timestamp.MinTime, end: timestamp.MaxTime})
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(series))
	for i, s := range series {
		ids[i] = s.ID
	}
	removed := c.head.DeleteSeries(ids...)
	c.unbindIDs(ids)
	return removed, nil
}

func (c *Core) cmdQuery(ctx context.Context, p *argParser, now time.Time) (interface{}, error) {
	expr, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	ts := timestamp.FromTime(now)
	opts := &promql.QueryOpts{}
	for p.more() {
		switch {
		case p.peekFlag("TIME"):
			ts, err = p.nextTimestamp(now)
			if err != nil {
				return nil, badData(err)
			}
		case p.peekFlag("ROUNDING"):
			n, err := p.nextInt()
			if err != nil {
				return nil, badData(err)
			}
			opts.RoundDigits = int(n)
		default:
			arg, _ := p.peek()
			return nil, badData(fmt.Errorf("invalid argument %q", arg))
		}
	}

	q, err := c.engine.NewInstantQuery(expr, ts, opts)
	if err != nil {
		return nil, err
	}
	res := q.Exec(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	return renderValue(res.Value), nil
}

func (c *Core) cmdQueryRange(ctx context.Context, p *argParser, now time.Time) (interface{}, error) {
	first, err := p.next()
	if err != nil {
		return nil, badData(err)
	}

	var (
		expr       string
		start, end int64
		positional bool
	)
	// Both syntaxes are accepted: the preferred named form
	// `expr [START t0] [END t1]` and the positional `t0 t1 expr`.
	if s, ok := p.peek(); ok {
		trial := newArgParser(nil)
		if t0, err0 := trial.parseTimestampLiteral(first, now); err0 == nil {
			if t1, err1 := trial.parseTimestampLiteral(s, now); err1 == nil {
				p.pos++
				expr, err = p.next()
				if err != nil {
					return nil, badData(err)
				}
				start, end = t0, t1
				positional = true
			}
		}
	}
	if !positional {
		expr = first
		end = timestamp.FromTime(now)
		start = end - time.Hour.Milliseconds()
	}

	var step time.Duration
	opts := &promql.QueryOpts{}
	for p.more() {
		switch {
		case p.peekFlag("START"):
			start, err = p.nextTimestamp(now)
			if err != nil {
				return nil, badData(err)
			}
		case p.peekFlag("END"):
			end, err = p.nextTimestamp(now)
			if err != nil {
				return nil, badData(err)
			}
		case p.peekFlag("STEP"):
			step, err = p.nextDuration()
			if err != nil {
				return nil, badData(err)
			}
		case p.peekFlag("ROUNDING"):
			n, err := p.nextInt()
			if err != nil {
				return nil, badData(err)
			}
			opts.RoundDigits = int(n)
		default:
			arg, _ := p.peek()
			return nil, badData(fmt.Errorf("invalid argument %q", arg))
		}
	}
	if end < start {
		return nil, badData(fmt.Errorf("end timestamp must not be before start time"))
	}

	q, err := c.engine.NewRangeQuery(expr, start, end, step, opts)
	if err != nil {
		return nil, err
	}
	res := q.Exec(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	return renderValue(res.Value), nil
}

// parseFilterArgs consumes the optional FILTER sel... [START] [END] form
// shared by the metadata commands.
func (c *Core) parseFilterArgs(p *argParser, now time.Time) ([]string, timeRange, error) {
	var sels []string
	if p.peekFlag("FILTER") {
		var err error
		sels, err = selectorArgs(p, "START", "END")
		if err != nil {
			return nil, timeRange{}, err
		}
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, timeRange{}, badData(err)
	}
	return sels, tr, nil
}

func (c *Core) cmdSeries(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	if !p.peekFlag("FILTER") {
		return nil, badData(errors.New("missing FILTER argument"))
	}
	sels, err := selectorArgs(p, "START", "END")
	if err != nil {
		return nil, err
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, badData(err)
	}
	series, err := c.resolveSelectors(sels, tr)
	if err != nil {
		return nil, err
	}
	res := make([]map[string]string, 0, len(series))
	for _, s := range series {
		res = append(res, s.Labels.Map())
	}
	return res, nil
}

func (c *Core) cmdLabelNames(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	sels, tr, err := c.parseFilterArgs(p, now)
	if err != nil {
		return nil, err
	}
	ms, err := parseSelectorUnion(sels)
	if err != nil {
		return nil, err
	}
	return c.head.LabelNames(tr.start, tr.end, ms...)
}

func (c *Core) cmdLabelValues(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	name, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	sels, tr, err := c.parseFilterArgs(p, now)
	if err != nil {
		return nil, err
	}
	ms, err := parseSelectorUnion(sels)
	if err != nil {
		return nil, err
	}
	return c.head.LabelValues(name, tr.start, tr.end, ms...)
}

// parseSelectorUnion flattens the matchers of multiple selector strings.
// The metadata commands treat them as one conjunction per the reference
// behavior; multiple selectors are rare there.
func parseSelectorUnion(sels []string) ([]*labels.Matcher, error) {
	var ms []*labels.Matcher
	for _, sel := range sels {
		m, err := parser.ParseMetricSelector(sel)
		if err != nil {
			return nil, badData(err)
		}
		ms = append(ms, m...)
	}
	return ms, nil
}

func (c *Core) cmdCardinality(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	if !p.peekFlag("FILTER") {
		return nil, badData(errors.New("missing FILTER argument"))
	}
	sels, err := selectorArgs(p, "START", "END")
	if err != nil {
		return nil, err
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, badData(err)
	}
	series, err := c.resolveSelectors(sels, tr)
	if err != nil {
		return nil, err
	}
	return len(series), nil
}

func (c *Core) cmdTopQueries(_ context.Context, p *argParser, _ time.Time) (interface{}, error) {
	topK := 0
	var maxLifetime time.Duration
	for p.more() {
		switch {
		case p.peekFlag("TOP_K"):
			n, err := p.nextInt()
			if err != nil {
				return nil, badData(err)
			}
			topK = int(n)
		case p.peekFlag("MAX_LIFETIME"):
			d, err := p.nextDuration()
			if err != nil {
				return nil, badData(err)
			}
			maxLifetime = d
		default:
			arg, _ := p.peek()
			return nil, badData(fmt.Errorf("invalid argument %q", arg))
		}
	}
	report := c.topQueries.Report(topK, maxLifetime)

	renderStats := func(stats []promql.QueryStat) []map[string]interface{} {
		res := make([]map[string]interface{}, 0, len(stats))
		for _, s := range stats {
			res = append(res, map[string]interface{}{
				"query":         s.Query,
				"count":         s.Count,
				"sumDurationMs": s.SumDuration.Milliseconds(),
				"avgDurationMs": s.AvgDuration.Milliseconds(),
			})
		}
		return res
	}
	return map[string]interface{}{
		"topByCount":       renderStats(report.TopByCount),
		"topByAvgDuration": renderStats(report.TopByAvgDuration),
		"topBySumDuration": renderStats(report.TopBySumDuration),
	}, nil
}

func (c *Core) cmdActiveQueries(_ context.Context, _ *argParser, _ time.Time) (interface{}, error) {
	return c.activeQueries.Snapshot(), nil
}

func (c *Core) cmdStats(_ context.Context, _ *argParser, _ time.Time) (interface{}, error) {
	st := c.head.Stats()
	hits, misses := c.engine.CacheStats()

	stats := map[string]interface{}{
		"numSeries":         st.NumSeries,
		"numSamples":        st.NumSamples,
		"numSymbols":        st.NumSymbols,
		"numLabelNames":     st.LabelNames,
		"rollupCacheHits":   hits,
		"rollupCacheMisses": misses,
	}
	// Fold in the counter families of the internal registry.
	families, err := c.registry.Gather()
	if err == nil {
		for _, mf := range families {
			if len(mf.GetMetric()) != 1 {
				continue
			}
			m := mf.GetMetric()[0]
			switch {
			case m.GetCounter() != nil:
				stats[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				stats[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	return stats, nil
}

func (c *Core) cmdResetRollupCache(_ context.Context, _ *argParser, _ time.Time) (interface{}, error) {
	c.engine.ResetRollupCache()
	return "OK", nil
}

// joinRow is one aligned timestamp of a series pair.
type joinRow struct {
	T     int64
	Left  float64
	Right float64
}

func (r joinRow) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{
		float64(r.T) / 1000,
		formatJoinValue(r.Left),
		formatJoinValue(r.Right),
	})
}

func formatJoinValue(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}
	return fmt.Sprintf("%g", v)
}

func (c *Core) cmdJoin(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	leftSel, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	rightSel, err := p.next()
	if err != nil {
		return nil, badData(err)
	}
	joinType := "INNER"
	if s, ok := p.peek(); ok {
		switch strings.ToUpper(s) {
		case "INNER", "LEFT", "RIGHT", "FULL":
			joinType = strings.ToUpper(s)
			p.pos++
		}
	}
	tr, err := p.parseNamedRange(now)
	if err != nil {
		return nil, badData(err)
	}

	left, err := c.resolveSelectors([]string{leftSel}, tr)
	if err != nil {
		return nil, err
	}
	right, err := c.resolveSelectors([]string{rightSel}, tr)
	if err != nil {
		return nil, err
	}

	// Pair series whose label sets agree on everything but the metric name.
	rightBySig := map[uint64]tsdb.Series{}
	for _, s := range right {
		rightBySig[s.Labels.DropMetricName().Hash()] = s
	}
	matchedRight := map[uint64]struct{}{}

	type joinResult struct {
		Metric map[string]string `json:"metric"`
		Values []joinRow         `json:"values"`
	}
	var results []joinResult

	emit := func(lbls labels.Labels, ls, rs []tsdb.Sample) {
		rows := mergeJoinRows(ls, rs, joinType)
		if len(rows) == 0 {
			return
		}
		results = append(results, joinResult{Metric: lbls.Map(), Values: rows})
	}

	for _, ls := range left {
		sig := ls.Labels.DropMetricName().Hash()
		rs, ok := rightBySig[sig]
		if !ok {
			if joinType == "LEFT" || joinType == "FULL" {
				samples, err := ls.Samples(tr.start, tr.end)
				if err != nil {
					return nil, err
				}
				emit(ls.Labels.DropMetricName(), samples, nil)
			}
			continue
		}
		matchedRight[sig] = struct{}{}
		lSamples, err := ls.Samples(tr.start, tr.end)
		if err != nil {
			return nil, err
		}
		rSamples, err := rs.Samples(tr.start, tr.end)
		if err != nil {
			return nil, err
		}
		emit(ls.Labels.DropMetricName(), lSamples, rSamples)
	}
	if joinType == "RIGHT" || joinType == "FULL" {
		for _, rs := range right {
			sig := rs.Labels.DropMetricName().Hash()
			if _, ok := matchedRight[sig]; ok {
				continue
			}
			samples, err := rs.Samples(tr.start, tr.end)
			if err != nil {
				return nil, err
			}
			emit(rs.Labels.DropMetricName(), nil, samples)
		}
	}
	return results, nil
}

// mergeJoinRows merges two ordered sample streams on timestamp, keeping
// rows per the join type. A missing side is NaN (rendered as null).
func mergeJoinRows(ls, rs []tsdb.Sample, joinType string) []joinRow {
	var rows []joinRow
	i, j := 0, 0
	for i < len(ls) || j < len(rs) {
		switch {
		case j >= len(rs) || (i < len(ls) && ls[i].T < rs[j].T):
			if joinType == "LEFT" || joinType == "FULL" {
				rows = append(rows, joinRow{T: ls[i].T, Left: ls[i].V, Right: math.NaN()})
			}
			i++
		case i >= len(ls) || rs[j].T < ls[i].T:
			if joinType == "RIGHT" || joinType == "FULL" {
				rows = append(rows, joinRow{T: rs[j].T, Left: math.NaN(), Right: rs[j].V})
			}
			j++
		default:
			rows = append(rows, joinRow{T: ls[i].T, Left: ls[i].V, Right: rs[j].V})
			i++
			j++
		}
	}
	return rows
}

func (c *Core) cmdCollate(_ context.Context, p *argParser, now time.Time) (interface{}, error) {
	sels, err := selectorArgs(p, "START", "END", "STEP")
	if err != nil {
		return nil, err
	}
	tr := timeRange{start: 0, end: timestamp.MaxTime}
	step := time.Duration(c.cfg.DefaultStep)
	for p.more() {
		switch {
		case p.peekFlag("START"):
			tr.start, err = p.nextTimestamp(now)
			if err != nil {
				return nil, badData(err)
			}
		case p.peekFlag("END"):
			tr.end, err = p.nextTimestamp(now)
			if err != nil {
				return nil, badData(err)
			}
		case p.peekFlag("STEP"):
			step, err = p.nextDuration()
			if err != nil {
				return nil, badData(err)
			}
		default:
			arg, _ := p.peek()
			return nil, badData(fmt.Errorf("invalid argument %q", arg))
		}
	}
	if tr.end == timestamp.MaxTime {
		tr.end = timestamp.FromTime(now)
	}
	if step <= 0 {
		return nil, badData(errors.New("STEP must be positive"))
	}

	series, err := c.resolveSelectors(sels, tr)
	if err != nil {
		return nil, err
	}
	stepMs := step.Milliseconds()

	rows := make([]matrixSeries, 0, len(series))
	for _, s := range series {
		samples, err := s.Samples(tr.start-stepMs, tr.end)
		if err != nil {
			return nil, err
		}
		var values []samplePair
		for t := tr.start; t <= tr.end; t += stepMs {
			// Last sample within the step cell (t-step, t].
			var last *tsdb.Sample
			for i := range samples {
				if samples[i].T > t {
					break
				}
				if samples[i].T > t-stepMs {
					last = &samples[i]
				}
			}
			if last != nil {
				values = append(values, samplePair{T: t, V: last.V})
			}
		}
		if len(values) == 0 {
			continue
		}
		rows = append(rows, matrixSeries{Metric: s.Labels.Map(), Values: values})
	}
	return queryData{ResultType: parser.ValueTypeMatrix, Result: rows}, nil
}
