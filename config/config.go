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
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"go.yaml.in/yaml/v2"
)

// DefaultConfig is the base configuration all loads start from.
var DefaultConfig = Config{
	MaxSamplesPerQuery:   50_000_000,
	DefaultStep:          model.Duration(time.Minute),
	LookbackDelta:        model.Duration(5 * time.Minute),
	LastQueriesCount:     20,
	MinQueryDuration:     model.Duration(time.Millisecond),
	RollupCacheSizeBytes: 64 << 20,
	RoundDigits:          100,
}

// Config holds the startup options of the database core.
type Config struct {
	// Retention is the default retention applied to series without their
	// own. Zero keeps samples forever.
	Retention model.Duration `yaml:"retention,omitempty"`

	// MaxSamplesPerQuery bounds the samples a single query may load.
	MaxSamplesPerQuery int `yaml:"max_samples_per_query,omitempty"`

	// DefaultStep is the range-query and subquery resolution used when a
	// command does not pass STEP.
	DefaultStep model.Duration `yaml:"default_step,omitempty"`

	// LookbackDelta is the maximum age of a sample still considered
	// current by an instant selector.
	LookbackDelta model.Duration `yaml:"lookback_delta,omitempty"`

	// LastQueriesCount is the capacity of the top-queries ring.
	LastQueriesCount int `yaml:"last_queries_count,omitempty"`

	// MinQueryDuration is the minimum duration for a query to enter the
	// top-queries ring.
	MinQueryDuration model.Duration `yaml:"min_query_duration,omitempty"`

	// RollupCacheSizeBytes bounds the rollup cache.
	RollupCacheSizeBytes int64 `yaml:"rollup_cache_size_bytes,omitempty"`

	// OutOfOrderWindow tolerates appends reaching at most this far behind
	// the newest sample of a series.
	OutOfOrderWindow model.Duration `yaml:"out_of_order_window,omitempty"`

	// RoundDigits is the default number of decimal places results are
	// rounded to. 0 and 100 both disable rounding.
	RoundDigits int `yaml:"round_digits,omitempty"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultConfig
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.MaxSamplesPerQuery < 0 {
		return fmt.Errorf("max_samples_per_query must not be negative")
	}
	if c.DefaultStep <= 0 {
		return fmt.Errorf("default_step must be positive")
	}
	if c.LookbackDelta <= 0 {
		return fmt.Errorf("lookback_delta must be positive")
	}
	if c.RoundDigits < 0 || c.RoundDigits > 100 {
		return fmt.Errorf("round_digits must be in [0, 100]")
	}
	return nil
}

// Load parses the YAML input into a Config.
func Load(s string) (*Config, error) {
	cfg := &Config{}
	*cfg = DefaultConfig
	if err := yaml.UnmarshalStrict([]byte(s), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses the given file.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", filename, err)
	}
	return cfg, nil
}
