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
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/promkv/promkv/tsdb"
)

// scanSeries materializes the raw samples of many series concurrently.
// Sealed chunks are immutable, so per-series scans are independent.
func (c *Core) scanSeries(ctx context.Context, series []tsdb.Series, tr timeRange) ([]matrixSeries, error) {
	rows := make([]matrixSeries, len(series))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, s := range series {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			samples, err := s.Samples(tr.start, tr.end)
			if err != nil {
				return err
			}
			values := make([]samplePair, 0, len(samples))
			for _, sm := range samples {
				values = append(values, samplePair{T: sm.T, V: sm.V})
			}
			rows[i] = matrixSeries{Metric: s.Labels.Map(), Values: values}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Drop series that had no samples in range.
	res := rows[:0]
	for _, r := range rows {
		if len(r.Values) > 0 {
			res = append(res, r)
		}
	}
	return res, nil
}
