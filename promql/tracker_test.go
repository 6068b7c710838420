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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActiveQueryTracker(t *testing.T) {
	tr := NewActiveQueryTracker("", 4, nil)

	finish1 := tr.Insert("sum(up)", 0, 1000, time.Second)
	finish2 := tr.Insert("rate(x[5m])", 0, 0, 0)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "sum(up)", snap[0].Query)
	require.Equal(t, "rate(x[5m])", snap[1].Query)
	require.GreaterOrEqual(t, snap[0].Duration, time.Duration(0))

	finish1()
	snap = tr.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "rate(x[5m])", snap[0].Query)

	finish2()
	require.Empty(t, tr.Snapshot())
	require.NoError(t, tr.Close())
}

func TestActiveQueryTrackerLogFile(t *testing.T) {
	dir := t.TempDir()
	tr := NewActiveQueryTracker(dir, 2, nil)

	finish := tr.Insert("sum(up)", 0, 1000, time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "queries.active"))
	require.NoError(t, err)
	require.Contains(t, string(data), "sum(up)")

	finish()
	data, err = os.ReadFile(filepath.Join(dir, "queries.active"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "sum(up)")

	require.NoError(t, tr.Close())
}

func TestTopQueriesTracker(t *testing.T) {
	tr := NewTopQueriesTracker(10, 0)

	now := time.Now()
	tr.Observe("sum(up)", now, 100*time.Millisecond)
	tr.Observe("sum(up)", now, 300*time.Millisecond)
	tr.Observe("rate(x[5m])", now, 1*time.Second)

	rep := tr.Report(0, 0)
	require.Len(t, rep.TopByCount, 2)
	require.Equal(t, "sum(up)", rep.TopByCount[0].Query)
	require.Equal(t, 2, rep.TopByCount[0].Count)

	require.Equal(t, "rate(x[5m])", rep.TopByAvgDuration[0].Query)
	require.Equal(t, "rate(x[5m])", rep.TopBySumDuration[0].Query)

	// TOP_K truncates.
	rep = tr.Report(1, 0)
	require.Len(t, rep.TopByCount, 1)
}

func TestTopQueriesMinDuration(t *testing.T) {
	tr := NewTopQueriesTracker(10, 100*time.Millisecond)
	tr.Observe("fast", time.Now(), 5*time.Millisecond)
	tr.Observe("slow", time.Now(), 500*time.Millisecond)

	rep := tr.Report(0, 0)
	require.Len(t, rep.TopByCount, 1)
	require.Equal(t, "slow", rep.TopByCount[0].Query)
}

func TestTopQueriesRingWraps(t *testing.T) {
	tr := NewTopQueriesTracker(3, 0)
	for i := 0; i < 5; i++ {
		tr.Observe("q", time.Now(), time.Millisecond)
	}
	rep := tr.Report(0, 0)
	require.Equal(t, 3, rep.TopByCount[0].Count)
}

func TestTopQueriesMaxLifetime(t *testing.T) {
	tr := NewTopQueriesTracker(10, 0)
	tr.Observe("old", time.Now().Add(-time.Hour), time.Millisecond)
	tr.Observe("new", time.Now(), time.Millisecond)

	rep := tr.Report(0, 10*time.Minute)
	require.Len(t, rep.TopByCount, 1)
	require.Equal(t, "new", rep.TopByCount[0].Query)
}

func TestTopQueriesNormalization(t *testing.T) {
	tr := NewTopQueriesTracker(10, 0)
	tr.Observe("sum( up )", time.Now(), time.Millisecond)
	tr.Observe("sum( up )  ", time.Now(), time.Millisecond)
	rep := tr.Report(0, 0)
	require.Len(t, rep.TopByCount, 1)
	require.Equal(t, 2, rep.TopByCount[0].Count)
}
