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

package config

import (
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig, *cfg)
}

func TestLoad(t *testing.T) {
	cfg, err := Load(`
retention: 30d
max_samples_per_query: 1000000
default_step: 15s
lookback_delta: 1m
last_queries_count: 50
min_query_duration: 5ms
rollup_cache_size_bytes: 1048576
out_of_order_window: 10s
round_digits: 6
`)
	require.NoError(t, err)
	require.Equal(t, model.Duration(30*24*time.Hour), cfg.Retention)
	require.Equal(t, 1000000, cfg.MaxSamplesPerQuery)
	require.Equal(t, model.Duration(15*time.Second), cfg.DefaultStep)
	require.Equal(t, model.Duration(time.Minute), cfg.LookbackDelta)
	require.Equal(t, 50, cfg.LastQueriesCount)
	require.Equal(t, model.Duration(5*time.Millisecond), cfg.MinQueryDuration)
	require.Equal(t, int64(1048576), cfg.RollupCacheSizeBytes)
	require.Equal(t, model.Duration(10*time.Second), cfg.OutOfOrderWindow)
	require.Equal(t, 6, cfg.RoundDigits)
}

func TestLoadPartial(t *testing.T) {
	// Unset keys keep their defaults.
	cfg, err := Load("retention: 1h\n")
	require.NoError(t, err)
	require.Equal(t, model.Duration(time.Hour), cfg.Retention)
	require.Equal(t, DefaultConfig.DefaultStep, cfg.DefaultStep)
	require.Equal(t, DefaultConfig.LastQueriesCount, cfg.LastQueriesCount)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("unknown_option: true\n")
	require.Error(t, err)

	_, err = Load("round_digits: 101\n")
	require.Error(t, err)

	_, err = Load("retention: banana\n")
	require.Error(t, err)
}
