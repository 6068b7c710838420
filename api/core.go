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
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/promkv/promkv/config"
	"github.com/promkv/promkv/promql"
	"github.com/promkv/promkv/tsdb"
)

// retentionInterval is how often the background retention pass runs.
const retentionInterval = time.Minute

// Core is the command-facing surface of the database: it owns the head,
// the query engine and the key bindings of the host KV server.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	head   *tsdb.Head
	engine *promql.Engine

	activeQueries *promql.ActiveQueryTracker
	topQueries    *promql.TopQueriesTracker

	registry *prometheus.Registry

	// Key bindings: a key of the host holds exactly one series.
	mtx  sync.RWMutex
	keys map[string]uint64
	byID map[uint64]string
}

// Options configures a Core beyond the file config.
type Options struct {
	Logger *slog.Logger

	// DataDir, when set, hosts the crash-visible active query log.
	DataDir string
}

// NewCore assembles the storage engine, index and query engine.
func NewCore(cfg *config.Config, opts Options) *Core {
	if cfg == nil {
		c := config.DefaultConfig
		cfg = &c
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()

	head := tsdb.NewHead(&tsdb.Options{
		Retention:        time.Duration(cfg.Retention),
		OutOfOrderWindow: time.Duration(cfg.OutOfOrderWindow).Milliseconds(),
	}, logger.With("component", "tsdb"), registry)

	activeQueries := promql.NewActiveQueryTracker(opts.DataDir, 0, logger.With("component", "activequeries"))
	topQueries := promql.NewTopQueriesTracker(cfg.LastQueriesCount, time.Duration(cfg.MinQueryDuration))

	engine := promql.NewEngine(head, promql.EngineOpts{
		Logger:             logger.With("component", "engine"),
		Reg:                registry,
		MaxSamples:         cfg.MaxSamplesPerQuery,
		LookbackDelta:      time.Duration(cfg.LookbackDelta),
		DefaultEvalStep:    time.Duration(cfg.DefaultStep),
		RoundDigits:        cfg.RoundDigits,
		CacheMaxBytes:      cfg.RollupCacheSizeBytes,
		ActiveQueryTracker: activeQueries,
		TopQueries:         topQueries,
	})

	return &Core{
		cfg:           cfg,
		logger:        logger,
		head:          head,
		engine:        engine,
		activeQueries: activeQueries,
		topQueries:    topQueries,
		registry:      registry,
		keys:          map[string]uint64{},
		byID:          map[uint64]string{},
	}
}

// Head exposes the storage for tests and the host snapshot path.
func (c *Core) Head() *tsdb.Head { return c.head }

// Run drives background maintenance until the context is canceled.
func (c *Core) Run(ctx context.Context) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.activeQueries.Close()
		case <-ticker.C:
			c.head.Truncate(time.Now())
		}
	}
}

// bindKey associates a key with a series ID.
func (c *Core) bindKey(key string, id uint64) {
	c.mtx.Lock()
	c.keys[key] = id
	c.byID[id] = key
	c.mtx.Unlock()
}

// lookupKey resolves a key to its series ID.
func (c *Core) lookupKey(key string) (uint64, bool) {
	c.mtx.RLock()
	id, ok := c.keys[key]
	c.mtx.RUnlock()
	return id, ok
}

// unbindIDs drops the bindings of the given series IDs.
func (c *Core) unbindIDs(ids []uint64) {
	c.mtx.Lock()
	for _, id := range ids {
		if key, ok := c.byID[id]; ok {
			delete(c.keys, key)
			delete(c.byID, id)
		}
	}
	c.mtx.Unlock()
}
