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
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/atomic"
)

// ActiveQuery describes one query currently being evaluated.
type ActiveQuery struct {
	ID          uint64        `json:"id"`
	Query       string        `json:"query"`
	Start       int64         `json:"start"`
	End         int64         `json:"end"`
	Step        time.Duration `json:"step"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Duration    time.Duration `json:"duration"`
}

const queryLogEntrySize = 1000

// ActiveQueryTracker keeps the set of in-flight queries. Entries are
// admitted when evaluation starts and removed when it finishes. They are
// mirrored into an mmap-backed file so queries running at crash time can be
// recovered from the previous run.
type ActiveQueryTracker struct {
	mtx    sync.Mutex
	active map[uint64]ActiveQuery
	nextID atomic.Uint64

	logFile mmap.MMap
	slots   chan int
	slotOf  map[uint64]int
	logger  *slog.Logger
}

// NewActiveQueryTracker returns a tracker for at most maxQueries concurrent
// entries. If dir is non-empty, a crash-visible query log is maintained at
// dir/queries.active.
func NewActiveQueryTracker(dir string, maxQueries int, logger *slog.Logger) *ActiveQueryTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxQueries <= 0 {
		maxQueries = 20
	}
	t := &ActiveQueryTracker{
		active: make(map[uint64]ActiveQuery, maxQueries),
		slotOf: make(map[uint64]int, maxQueries),
		logger: logger,
	}
	if dir != "" {
		t.openLogFile(filepath.Join(dir, "queries.active"), maxQueries)
	}
	return t
}

func (t *ActiveQueryTracker) openLogFile(filename string, maxQueries int) {
	logUnfinishedQueries(filename, t.logger)

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		t.logger.Error("error opening query log file", "file", filename, "err", err)
		return
	}
	filesize := maxQueries * queryLogEntrySize
	if err := f.Truncate(int64(filesize)); err != nil {
		t.logger.Error("error setting query log file size", "file", filename, "err", err)
		f.Close()
		return
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	f.Close()
	if err != nil {
		t.logger.Error("error mmapping query log file", "file", filename, "err", err)
		return
	}
	t.logFile = m
	t.slots = make(chan int, maxQueries)
	for i := 0; i < maxQueries; i++ {
		t.slots <- i * queryLogEntrySize
	}
}

// logUnfinishedQueries reports entries left behind by a previous run.
func logUnfinishedQueries(filename string, logger *slog.Logger) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return
	}
	for off := 0; off+queryLogEntrySize <= len(data); off += queryLogEntrySize {
		entry := strings.TrimRight(string(data[off:off+queryLogEntrySize]), "\x00 ")
		if entry == "" {
			continue
		}
		var aq ActiveQuery
		if err := json.Unmarshal([]byte(entry), &aq); err != nil {
			continue
		}
		logger.Info("query did not finish in previous run", "query", aq.Query, "submitted_at", aq.SubmittedAt)
	}
}

// Insert admits a query and returns the function removing it again.
func (t *ActiveQueryTracker) Insert(query string, start, end int64, step time.Duration) func() {
	aq := ActiveQuery{
		ID:          t.nextID.Inc(),
		Query:       query,
		Start:       start,
		End:         end,
		Step:        step,
		SubmittedAt: time.Now(),
	}

	t.mtx.Lock()
	t.active[aq.ID] = aq
	t.mtx.Unlock()

	t.logInsert(aq)

	return func() { t.remove(aq.ID) }
}

func (t *ActiveQueryTracker) logInsert(aq ActiveQuery) {
	if t.logFile == nil {
		return
	}
	var off int
	select {
	case off = <-t.slots:
	default:
		// All slots taken; the crash log is best effort.
		return
	}
	entry, err := json.Marshal(aq)
	if err != nil || len(entry) > queryLogEntrySize {
		t.slots <- off
		return
	}
	copy(t.logFile[off:off+queryLogEntrySize], strings.Repeat(" ", queryLogEntrySize))
	copy(t.logFile[off:], entry)

	t.mtx.Lock()
	t.slotOf[aq.ID] = off
	t.mtx.Unlock()
}

func (t *ActiveQueryTracker) remove(id uint64) {
	t.mtx.Lock()
	delete(t.active, id)
	off, hasSlot := t.slotOf[id]
	delete(t.slotOf, id)
	t.mtx.Unlock()

	if hasSlot && t.logFile != nil {
		copy(t.logFile[off:off+queryLogEntrySize], strings.Repeat("\x00", queryLogEntrySize))
		t.slots <- off
	}
}

// Snapshot returns the currently active queries with their running duration.
func (t *ActiveQueryTracker) Snapshot() []ActiveQuery {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	now := time.Now()
	res := make([]ActiveQuery, 0, len(t.active))
	for _, aq := range t.active {
		aq.Duration = now.Sub(aq.SubmittedAt)
		res = append(res, aq)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Close releases the mmap'd query log.
func (t *ActiveQueryTracker) Close() error {
	if t.logFile == nil {
		return nil
	}
	return t.logFile.Unmap()
}

// topQueryRecord is one finished query retained by the tracker.
type topQueryRecord struct {
	query       string
	submittedAt time.Time
	duration    time.Duration
}

// TopQueriesTracker keeps a fixed-capacity ring of the most recent queries
// whose duration reached the configured minimum.
type TopQueriesTracker struct {
	mtx         sync.Mutex
	ring        []topQueryRecord
	next        int
	filled      bool
	minDuration time.Duration
}

// NewTopQueriesTracker returns a tracker retaining the last capacity queries
// at least minDuration long.
func NewTopQueriesTracker(capacity int, minDuration time.Duration) *TopQueriesTracker {
	if capacity <= 0 {
		capacity = 20
	}
	return &TopQueriesTracker{
		ring:        make([]topQueryRecord, capacity),
		minDuration: minDuration,
	}
}

// Observe records a finished query.
func (t *TopQueriesTracker) Observe(query string, submittedAt time.Time, duration time.Duration) {
	if duration < t.minDuration {
		return
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.ring[t.next] = topQueryRecord{query: normalizeQuery(query), submittedAt: submittedAt, duration: duration}
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.filled = true
	}
}

// QueryStat is one aggregate row of a top-queries report.
type QueryStat struct {
	Query       string
	Count       int
	SumDuration time.Duration
	AvgDuration time.Duration
}

// TopQueriesReport partitions the retained queries three ways.
type TopQueriesReport struct {
	TopByCount       []QueryStat
	TopByAvgDuration []QueryStat
	TopBySumDuration []QueryStat
}

// Report builds the report. maxLifetime restricts to queries submitted at
// most that long ago (zero means no restriction); topK truncates each list.
func (t *TopQueriesTracker) Report(topK int, maxLifetime time.Duration) TopQueriesReport {
	t.mtx.Lock()
	n := t.next
	if t.filled {
		n = len(t.ring)
	}
	records := make([]topQueryRecord, 0, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		r := t.ring[i]
		if maxLifetime > 0 && now.Sub(r.submittedAt) > maxLifetime {
			continue
		}
		records = append(records, r)
	}
	t.mtx.Unlock()

	groups := map[string]*QueryStat{}
	var order []string
	for _, r := range records {
		g, ok := groups[r.query]
		if !ok {
			g = &QueryStat{Query: r.query}
			groups[r.query] = g
			order = append(order, r.query)
		}
		g.Count++
		g.SumDuration += r.duration
	}
	stats := make([]QueryStat, 0, len(groups))
	for _, q := range order {
		g := groups[q]
		g.AvgDuration = g.SumDuration / time.Duration(g.Count)
		stats = append(stats, *g)
	}

	report := TopQueriesReport{}
	report.TopByCount = topStats(stats, topK, func(a, b QueryStat) bool { return a.Count > b.Count })
	report.TopByAvgDuration = topStats(stats, topK, func(a, b QueryStat) bool { return a.AvgDuration > b.AvgDuration })
	report.TopBySumDuration = topStats(stats, topK, func(a, b QueryStat) bool { return a.SumDuration > b.SumDuration })
	return report
}

func topStats(stats []QueryStat, k int, less func(a, b QueryStat) bool) []QueryStat {
	res := make([]QueryStat, len(stats))
	copy(res, stats)
	sort.SliceStable(res, func(i, j int) bool { return less(res[i], res[j]) })
	if k > 0 && len(res) > k {
		res = res[:k]
	}
	return res
}

// normalizeQuery collapses whitespace so textual variants of one query
// group together.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
