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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/promkv/promkv/model/timestamp"
)

// argParser consumes command tokens left to right, the way the host hands
// them over after splitting.
type argParser struct {
	args []string
	pos  int

	// lastTimestamp backs the '+' literal, which is relative to the
	// previous timestamp argument.
	lastTimestamp int64
	hasLast       bool
}

func newArgParser(args []string) *argParser {
	return &argParser{args: args}
}

func (p *argParser) more() bool { return p.pos < len(p.args) }

func (p *argParser) next() (string, error) {
	if !p.more() {
		return "", errors.New("wrong number of arguments")
	}
	s := p.args[p.pos]
	p.pos++
	return s, nil
}

func (p *argParser) peek() (string, bool) {
	if !p.more() {
		return "", false
	}
	return p.args[p.pos], true
}

// peekFlag reports whether the next token equals the given flag,
// case-insensitively, consuming it when it does.
func (p *argParser) peekFlag(name string) bool {
	s, ok := p.peek()
	if ok && strings.EqualFold(s, name) {
		p.pos++
		return true
	}
	return false
}

func (p *argParser) nextInt() (int64, error) {
	s, err := p.next()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func (p *argParser) nextFloat() (float64, error) {
	s, err := p.next()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

func (p *argParser) nextDuration() (time.Duration, error) {
	s, err := p.next()
	if err != nil {
		return 0, err
	}
	return parseDuration(s)
}

// nextTimestamp parses one timestamp literal: integer milliseconds since
// epoch, RFC 3339, '*' for the current server time, '-' for the earliest
// and '+' for the latest representable instant (or, once a timestamp
// argument was seen, relative to that previous argument when followed by a
// duration), and signed Prometheus durations relative to now.
func (p *argParser) nextTimestamp(now time.Time) (int64, error) {
	s, err := p.next()
	if err != nil {
		return 0, err
	}
	ts, err := p.parseTimestampLiteral(s, now)
	if err != nil {
		return 0, err
	}
	p.lastTimestamp = ts
	p.hasLast = true
	return ts, nil
}

func (p *argParser) parseTimestampLiteral(s string, now time.Time) (int64, error) {
	switch s {
	case "*":
		return timestamp.FromTime(now), nil
	case "-":
		return 0, nil
	case "+":
		return timestamp.MaxTime, nil
	}

	if strings.HasPrefix(s, "+") && p.hasLast {
		// '+<duration>' is relative to the previous timestamp argument.
		d, err := parseDuration(s[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		return p.lastTimestamp + d.Milliseconds(), nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid timestamp %q, must be non-negative", s)
		}
		return n, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return timestamp.FromTime(t), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return timestamp.FromTime(t), nil
	}

	// Signed duration literals are relative to the current server time.
	if strings.HasPrefix(s, "-") {
		if d, err := parseDuration(s[1:]); err == nil {
			return timestamp.FromTime(now) - d.Milliseconds(), nil
		}
	}
	if d, err := parseDuration(s); err == nil {
		return timestamp.FromTime(now) - d.Milliseconds(), nil
	}

	return 0, fmt.Errorf("invalid timestamp %q", s)
}

// parseDuration parses either a Prometheus duration literal ("1h30m") or a
// bare integer, interpreted as milliseconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(d), nil
}

// timeRange holds a parsed START/END pair.
type timeRange struct {
	start, end int64
}

// parseNamedRange consumes optional START and END flags in any order,
// defaulting to the full time axis.
func (p *argParser) parseNamedRange(now time.Time) (timeRange, error) {
	tr := timeRange{start: timestamp.MinTime, end: timestamp.MaxTime}
	for p.more() {
		switch {
		case p.peekFlag("START"):
			start, err := p.nextTimestamp(now)
			if err != nil {
				return tr, err
			}
			tr.start = start
		case p.peekFlag("END"):
			end, err := p.nextTimestamp(now)
			if err != nil {
				return tr, err
			}
			tr.end = end
		default:
			return tr, nil
		}
	}
	return tr, nil
}
