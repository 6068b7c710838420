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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/promkv/promkv/model/labels"
)

func newTestSeries(chunkRange int, oooWindow int64) *memSeries {
	return newMemSeries(labels.FromStrings(labels.MetricName, "test"), 1, 0, 0, chunkRange, oooWindow)
}

func TestSeriesAppendAndRange(t *testing.T) {
	s := newTestSeries(100, 0)

	var exp []Sample
	for i := int64(0); i < 1000; i++ {
		v := float64(i) * 0.5
		require.NoError(t, s.append(i*10, v, i))
		exp = append(exp, Sample{T: i * 10, V: v})
	}

	// Full range returns everything in order.
	got, err := s.Samples(0, 10000)
	require.NoError(t, err)
	require.Equal(t, exp, got)

	// Sub-range returns exactly t0 <= ts <= t1.
	got, err = s.Samples(55, 105)
	require.NoError(t, err)
	require.Equal(t, []Sample{{60, 3}, {70, 3.5}, {80, 4}, {90, 4.5}, {100, 5}}, got)

	// Empty interval.
	got, err = s.Samples(51, 59)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSeriesChunkChainMonotonic(t *testing.T) {
	s := newTestSeries(64, 0)
	for i := int64(0); i < 1000; i++ {
		require.NoError(t, s.append(i, float64(i), 0))
	}
	require.Greater(t, len(s.chunks), 1)
	for i := 0; i < len(s.chunks)-1; i++ {
		require.LessOrEqual(t, s.chunks[i].maxTime, s.chunks[i+1].minTime,
			"chunk %d overlaps its successor", i)
		require.Equal(t, 64, s.chunks[i].chunk.NumSamples())
	}
}

func TestSeriesOutOfOrder(t *testing.T) {
	s := newTestSeries(100, 0)
	require.NoError(t, s.append(1000, 1, 0))
	require.NoError(t, s.append(2000, 2, 0))

	require.ErrorIs(t, s.append(1500, 9, 0), ErrOutOfOrder)

	// Equal timestamp overwrites in the head chunk (last-write-wins).
	require.NoError(t, s.append(2000, 7, 0))
	got, err := s.Samples(0, 3000)
	require.NoError(t, err)
	require.Equal(t, []Sample{{1000, 1}, {2000, 7}}, got)
}

func TestSeriesOutOfOrderWindow(t *testing.T) {
	s := newTestSeries(100, 500)
	require.NoError(t, s.append(1000, 1, 0))
	require.NoError(t, s.append(2000, 2, 0))

	// Within the window the head chunk is rewritten.
	require.NoError(t, s.append(1600, 1.5, 0))
	got, err := s.Samples(0, 3000)
	require.NoError(t, err)
	require.Equal(t, []Sample{{1000, 1}, {1600, 1.5}, {2000, 2}}, got)

	// Outside the window the append is rejected.
	require.ErrorIs(t, s.append(1400, 9, 0), ErrOutOfOrder)
}

func TestSeriesEqualTimestampSealedChunk(t *testing.T) {
	s := newTestSeries(64, 0)
	for i := int64(0); i < 100; i++ {
		require.NoError(t, s.append(i, float64(i), 0))
	}
	// Timestamp 10 lives in the first, sealed chunk.
	require.ErrorIs(t, s.append(10, 99, 0), ErrOutOfOrder)
}

func TestSeriesDeleteRange(t *testing.T) {
	s := newTestSeries(64, 0)
	for i := int64(0); i < 300; i++ {
		require.NoError(t, s.append(i*10, float64(i), 0))
	}

	n, err := s.DeleteRange(500, 1500)
	require.NoError(t, err)
	require.Equal(t, 101, n)

	// The deleted interval is empty.
	got, err := s.Samples(500, 1500)
	require.NoError(t, err)
	require.Empty(t, got)

	// Samples outside the interval are unchanged.
	got, err = s.Samples(0, 490)
	require.NoError(t, err)
	require.Len(t, got, 50)
	got, err = s.Samples(1510, 3000)
	require.NoError(t, err)
	require.Len(t, got, 149)
}

func TestSeriesDeleteRangeAllAndAppendAgain(t *testing.T) {
	s := newTestSeries(64, 0)
	for i := int64(0); i < 100; i++ {
		require.NoError(t, s.append(i, float64(i), 0))
	}
	n, err := s.DeleteRange(0, 99)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, 0, s.NumSamples())

	// The emptied series accepts new appends.
	require.NoError(t, s.append(200, 42, 0))
	got, err := s.Samples(0, 300)
	require.NoError(t, err)
	require.Equal(t, []Sample{{200, 42}}, got)
}

func TestSeriesTruncate(t *testing.T) {
	s := newTestSeries(64, 0)
	for i := int64(0); i < 300; i++ {
		require.NoError(t, s.append(i*10, float64(i), 0))
	}
	n, err := s.Truncate(1005)
	require.NoError(t, err)
	require.Equal(t, 101, n)

	got, err := s.Samples(0, 5000)
	require.NoError(t, err)
	require.Len(t, got, 199)
	require.Equal(t, int64(1010), got[0].T)
}

func TestSeriesGetAndLast(t *testing.T) {
	s := newTestSeries(64, 0)
	_, ok := s.Last()
	require.False(t, ok)

	for i := int64(0); i < 200; i++ {
		require.NoError(t, s.append(i*10, float64(i), 0))
	}

	sm, ok := s.Get(500)
	require.True(t, ok)
	require.Equal(t, Sample{500, 50}, sm)

	_, ok = s.Get(505)
	require.False(t, ok)

	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, Sample{1990, 199}, last)
}

func TestSeriesIteratorSkipsNonOverlappingChunks(t *testing.T) {
	s := newTestSeries(64, 0)
	for i := int64(0); i < 640; i++ {
		require.NoError(t, s.append(i, float64(i), 0))
	}
	require.Equal(t, 10, len(s.chunks))

	// Only chunks intersecting the window are snapshotted.
	snap := s.chunkSnapshot(100, 150)
	require.Len(t, snap, 2)

	it := s.Iterator(100, 150)
	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 51, count)
}

func BenchmarkSeriesAppend(b *testing.B) {
	s := newTestSeries(DefaultChunkRange, 0)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := s.append(int64(i)*15, float64(i), 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSeriesRange(b *testing.B) {
	s := newTestSeries(DefaultChunkRange, 0)
	for i := int64(0); i < 100000; i++ {
		if err := s.append(i*15, float64(i), 0); err != nil {
			b.Fatal(err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Samples(0, 1500000); err != nil {
			b.Fatal(err)
		}
	}
}

func ExampleSeriesIterator() {
	s := newTestSeries(DefaultChunkRange, 0)
	for i := int64(0); i < 5; i++ {
		_ = s.append(i*1000, float64(i), 0)
	}
	it := s.Iterator(1000, 3000)
	for it.Next() {
		t, v := it.At()
		fmt.Println(t, v)
	}
	// Output:
	// 1000 1
	// 2000 2
	// 3000 3
}
