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

package chunkenc

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type pair struct {
	t int64
	v float64
}

func TestXORChunk(t *testing.T) {
	for _, total := range []int{1, 2, 3, 10, 120, 1000} {
		t.Run(fmt.Sprintf("%d samples", total), func(t *testing.T) {
			c := NewXORChunk()
			app, err := c.Appender()
			require.NoError(t, err)

			r := rand.New(rand.NewSource(int64(total)))
			var exp []pair
			ts := int64(1234123324)
			v := 1243535.123
			for i := 0; i < total; i++ {
				ts += int64(r.Intn(10000) + 1)
				switch {
				case i%3 == 0:
					v += float64(r.Intn(1000000))
				case i%5 == 0:
					v -= float64(r.Intn(100)) * 0.1
				}
				app.Append(ts, v)
				exp = append(exp, pair{t: ts, v: v})
			}
			require.Equal(t, total, c.NumSamples())

			// Roundtrip must be bitwise exact.
			it := c.Iterator(nil)
			var res []pair
			for it.Next() {
				ts, v := it.At()
				res = append(res, pair{t: ts, v: v})
			}
			require.NoError(t, it.Err())
			require.Equal(t, exp, res)
		})
	}
}

func TestXORChunkAppenderResume(t *testing.T) {
	// A fresh appender over a non-empty chunk must continue the stream
	// without corrupting earlier samples.
	c := NewXORChunk()
	app, err := c.Appender()
	require.NoError(t, err)
	app.Append(1000, 1)
	app.Append(2000, 2)

	app2, err := c.Appender()
	require.NoError(t, err)
	app2.Append(3000, 3)

	it := c.Iterator(nil)
	var res []pair
	for it.Next() {
		ts, v := it.At()
		res = append(res, pair{t: ts, v: v})
	}
	require.NoError(t, it.Err())
	require.Equal(t, []pair{{1000, 1}, {2000, 2}, {3000, 3}}, res)
}

func TestXORChunkNaN(t *testing.T) {
	c := NewXORChunk()
	app, err := c.Appender()
	require.NoError(t, err)
	app.Append(1, math.NaN())
	app.Append(2, 5)
	app.Append(3, math.NaN())

	it := c.Iterator(nil)
	require.True(t, it.Next())
	ts, v := it.At()
	require.Equal(t, int64(1), ts)
	require.True(t, math.IsNaN(v))
	require.True(t, it.Next())
	_, v = it.At()
	require.Equal(t, 5.0, v)
	require.True(t, it.Next())
	_, v = it.At()
	require.True(t, math.IsNaN(v))
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestXORChunkIteratorReuse(t *testing.T) {
	c1 := NewXORChunk()
	app, err := c1.Appender()
	require.NoError(t, err)
	app.Append(10, 1)

	c2 := NewXORChunk()
	app, err = c2.Appender()
	require.NoError(t, err)
	app.Append(20, 2)

	it := c1.Iterator(nil)
	require.True(t, it.Next())

	it = c2.Iterator(it)
	require.True(t, it.Next())
	ts, v := it.At()
	require.Equal(t, int64(20), ts)
	require.Equal(t, 2.0, v)
}
