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

// Command promkv runs the time-series core behind a minimal line-oriented
// host: commands are read from stdin, one per line, and replies written to
// stdout. Production deployments embed the core in a real KV server; this
// binary exists for local use and integration testing.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/alecthomas/units"
	"github.com/oklog/run"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	_ "go.uber.org/automaxprocs"

	"github.com/promkv/promkv/api"
	"github.com/promkv/promkv/config"
)

func main() {
	var (
		configFile = kingpin.Flag("config.file", "PromKV configuration file path.").Default("").String()
		dataDir    = kingpin.Flag("storage.path", "Directory for the active query log.").Default("data/").String()
		cacheSize  = kingpin.Flag("query.rollup-cache-size", "Rollup cache size. Overrides the config file when set.").Default("0").Bytes()
	)
	promslogConfig := &promslog.Config{}
	promslogflag.AddFlags(kingpin.CommandLine, promslogConfig)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := promslog.New(promslogConfig)

	cfg := &config.Config{}
	*cfg = config.DefaultConfig
	if *configFile != "" {
		var err error
		cfg, err = config.LoadFile(*configFile)
		if err != nil {
			logger.Error("error loading config", "file", *configFile, "err", err)
			os.Exit(1)
		}
	}
	if *cacheSize > units.Base2Bytes(0) {
		cfg.RollupCacheSizeBytes = int64(*cacheSize)
	}

	if err := os.MkdirAll(*dataDir, 0o777); err != nil {
		logger.Error("error creating data directory", "dir", *dataDir, "err", err)
		os.Exit(1)
	}

	core := api.NewCore(cfg, api.Options{Logger: logger, DataDir: *dataDir})
	dispatcher := api.NewDispatcher(core)

	ctx, cancel := context.WithCancel(context.Background())

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt))
	g.Add(func() error {
		return core.Run(ctx)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return serveLines(ctx, dispatcher)
	}, func(error) {
		cancel()
	})

	if err := g.Run(); err != nil && !errors.As(err, &run.SignalError{}) && !errors.Is(err, context.Canceled) {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
	logger.Info("bye")
}

// serveLines reads one command per line from stdin and prints the reply.
func serveLines(ctx context.Context, d *api.Dispatcher) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := splitCommandLine(line)
		if err != nil {
			fmt.Printf("{\"status\":\"error\",\"errorType\":\"bad_data\",\"error\":%q}\n", err.Error())
			continue
		}
		fmt.Println(string(d.Do(ctx, args)))
	}
	return scanner.Err()
}

// splitCommandLine tokenizes a command line, honoring single and double
// quotes so selectors like 'up{job="api"}' stay one token.
func splitCommandLine(line string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		started bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case r == ' ' || r == '\t':
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unbalanced quotes")
	}
	if started {
		args = append(args, current.String())
	}
	return args, nil
}
