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

package labels

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLabelsString(t *testing.T) {
	require.Equal(t, `up{job="api", region="east"}`,
		FromStrings(MetricName, "up", "region", "east", "job", "api").String())
	require.Equal(t, `{region="east"}`, FromStrings("region", "east").String())
	require.Equal(t, "up", FromStrings(MetricName, "up").String())
}

func TestLabelsHashStability(t *testing.T) {
	a := FromStrings("a", "1", "b", "2", MetricName, "m")
	b := FromMap(map[string]string{"b": "2", MetricName: "m", "a": "1"})
	require.Equal(t, a, b)
	require.Equal(t, a.Hash(), b.Hash())

	c := FromStrings("a", "1", "b", "3", MetricName, "m")
	require.NotEqual(t, a.Hash(), c.Hash())
}

func TestHashForLabels(t *testing.T) {
	lset := FromStrings("a", "1", "b", "2", "c", "3")
	h1, _ := lset.HashForLabels(nil, "a", "c")
	h2, _ := FromStrings("a", "1", "c", "3").HashForLabels(nil, "a", "c")
	require.Equal(t, h1, h2)

	h3, _ := lset.HashForLabels(nil, "a", "b")
	require.NotEqual(t, h1, h3)
}

func TestHashWithoutLabels(t *testing.T) {
	lset := FromStrings(MetricName, "m", "a", "1", "b", "2")
	h1, _ := lset.HashWithoutLabels(nil, "b")
	h2, _ := FromStrings("a", "1").HashWithoutLabels(nil)
	// The metric name never participates.
	require.Equal(t, h1, h2)
}

func TestLabelsCompare(t *testing.T) {
	require.Equal(t, 0, Compare(FromStrings("a", "1"), FromStrings("a", "1")))
	require.Negative(t, Compare(FromStrings("a", "1"), FromStrings("a", "2")))
	require.Positive(t, Compare(FromStrings("b", "1"), FromStrings("a", "2")))
	require.Negative(t, Compare(FromStrings("a", "1"), FromStrings("a", "1", "b", "2")))
}

func TestBuilder(t *testing.T) {
	base := FromStrings(MetricName, "m", "a", "1", "b", "2")

	b := NewBuilder(base)
	b.Set("c", "3")
	b.Del("a")
	require.Equal(t, FromStrings(MetricName, "m", "b", "2", "c", "3"), b.Labels())

	b.Reset(base)
	b.Keep("a")
	require.Equal(t, FromStrings("a", "1"), b.Labels())

	b.Reset(base)
	b.Set("a", "")
	require.Equal(t, FromStrings(MetricName, "m", "b", "2"), b.Labels())

	// Untouched builder returns the base unchanged.
	b.Reset(base)
	require.Equal(t, base, b.Labels())
}

func TestDropMetricName(t *testing.T) {
	require.Equal(t, FromStrings("a", "1"), FromStrings(MetricName, "m", "a", "1").DropMetricName())
	require.Equal(t, FromStrings("a", "1"), FromStrings("a", "1").DropMetricName())
}

func TestMatcher(t *testing.T) {
	for _, tc := range []struct {
		matcher *Matcher
		value   string
		match   bool
	}{
		{MustNewMatcher(MatchEqual, "job", "api"), "api", true},
		{MustNewMatcher(MatchEqual, "job", "api"), "web", false},
		{MustNewMatcher(MatchNotEqual, "job", "api"), "web", true},
		{MustNewMatcher(MatchRegexp, "job", "a.+"), "api", true},
		{MustNewMatcher(MatchRegexp, "job", "a.+"), "ba", false},
		// Regexes are fully anchored.
		{MustNewMatcher(MatchRegexp, "job", "pi"), "api", false},
		{MustNewMatcher(MatchNotRegexp, "job", "a.*"), "api", false},
		{MustNewMatcher(MatchNotRegexp, "job", "a.*"), "web", true},
	} {
		require.Equal(t, tc.match, tc.matcher.Matches(tc.value), "%s vs %q", tc.matcher, tc.value)
	}
}

func TestMatcherMatchesEmpty(t *testing.T) {
	require.True(t, MustNewMatcher(MatchEqual, "a", "").MatchesEmpty())
	require.False(t, MustNewMatcher(MatchEqual, "a", "x").MatchesEmpty())
	require.True(t, MustNewMatcher(MatchRegexp, "a", ".*").MatchesEmpty())
	require.False(t, MustNewMatcher(MatchRegexp, "a", ".+").MatchesEmpty())
}

func TestSelects(t *testing.T) {
	lset := FromStrings(MetricName, "up", "job", "api")
	require.True(t, Selects([]*Matcher{
		MustNewMatcher(MatchEqual, MetricName, "up"),
		MustNewMatcher(MatchRegexp, "job", "a.*"),
	}, lset))
	// A matcher on an absent label matches the empty string.
	require.True(t, Selects([]*Matcher{MustNewMatcher(MatchEqual, "env", "")}, lset))
	require.False(t, Selects([]*Matcher{MustNewMatcher(MatchEqual, "env", "prod")}, lset))
}
