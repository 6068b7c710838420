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

package index

import (
	"container/heap"
	"slices"
	"sort"
	"sync"

	"github.com/promkv/promkv/model/labels"
)

// MemPostings holds an in-memory index from interned label pairs to the
// sorted list of series IDs carrying that pair. Label names and values are
// referenced through the symbol table to keep the maps compact.
type MemPostings struct {
	mtx     sync.RWMutex
	m       map[uint32]map[uint32][]uint64
	symbols *SymbolTable
}

// NewMemPostings returns a MemPostings backed by the given symbol table.
func NewMemPostings(symbols *SymbolTable) *MemPostings {
	return &MemPostings{
		m:       make(map[uint32]map[uint32][]uint64, 512),
		symbols: symbols,
	}
}

// Add indexes the series under each of its label pairs.
func (p *MemPostings) Add(id uint64, lset labels.Labels) {
	p.mtx.Lock()
	for _, l := range lset {
		p.addFor(id, p.symbols.Intern(l.Name), p.symbols.Intern(l.Value))
	}
	p.mtx.Unlock()
}

func (p *MemPostings) addFor(id uint64, name, value uint32) {
	vm, ok := p.m[name]
	if !ok {
		vm = map[uint32][]uint64{}
		p.m[name] = vm
	}
	list := append(vm[value], id)

	// There is no guarantee that no higher ID was inserted before.
	if len(list) > 1 && list[len(list)-2] > id {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}
	vm[value] = list
}

// Delete removes the series from every posting list of its label pairs.
// Lists are rebuilt so concurrent readers keep a consistent snapshot.
func (p *MemPostings) Delete(id uint64, lset labels.Labels) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, l := range lset {
		name, ok := p.symbols.Get(l.Name)
		if !ok {
			continue
		}
		value, ok := p.symbols.Get(l.Value)
		if !ok {
			continue
		}
		vm, ok := p.m[name]
		if !ok {
			continue
		}
		old := vm[value]
		i := slices.Index(old, id)
		if i < 0 {
			continue
		}
		if len(old) == 1 {
			delete(vm, value)
			if len(vm) == 0 {
				delete(p.m, name)
			}
			continue
		}
		repl := make([]uint64, 0, len(old)-1)
		repl = append(repl, old[:i]...)
		vm[value] = append(repl, old[i+1:]...)
	}
}

// Get returns a postings iterator for the given label pair.
func (p *MemPostings) Get(name, value string) Postings {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	nameRef, ok := p.symbols.Get(name)
	if !ok {
		return EmptyPostings()
	}
	valueRef, ok := p.symbols.Get(value)
	if !ok {
		return EmptyPostings()
	}
	vm, ok := p.m[nameRef]
	if !ok {
		return EmptyPostings()
	}
	list, ok := vm[valueRef]
	if !ok {
		return EmptyPostings()
	}
	return newListPostings(list...)
}

// Card returns the cardinality of the posting list for the given pair,
// used to drive intersection from the smallest list.
func (p *MemPostings) Card(name, value string) int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	nameRef, ok := p.symbols.Get(name)
	if !ok {
		return 0
	}
	valueRef, ok := p.symbols.Get(value)
	if !ok {
		return 0
	}
	return len(p.m[nameRef][valueRef])
}

// LabelValues returns all values recorded for the given label name, sorted.
func (p *MemPostings) LabelValues(name string) []string {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	nameRef, ok := p.symbols.Get(name)
	if !ok {
		return nil
	}
	vm := p.m[nameRef]
	values := make([]string, 0, len(vm))
	for ref := range vm {
		values = append(values, p.symbols.Lookup(ref))
	}
	slices.Sort(values)
	return values
}

// LabelNames returns all indexed label names, sorted.
func (p *MemPostings) LabelNames() []string {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	names := make([]string, 0, len(p.m))
	for ref := range p.m {
		names = append(names, p.symbols.Lookup(ref))
	}
	slices.Sort(names)
	return names
}

// Postings provides iterative access over a sorted postings list.
type Postings interface {
	// Next advances the iterator and returns true if another value was found.
	Next() bool

	// Seek advances the iterator to value v or greater and returns
	// true if a value was found.
	Seek(v uint64) bool

	// At returns the value at the current position of the iterator.
	At() uint64

	// Err returns the last error of the iterator.
	Err() error
}

// ExpandPostings returns the postings expanded as a slice.
func ExpandPostings(p Postings) (res []uint64, err error) {
	for p.Next() {
		res = append(res, p.At())
	}
	return res, p.Err()
}

type emptyPostings struct{}

func (emptyPostings) Next() bool       { return false }
func (emptyPostings) Seek(uint64) bool { return false }
func (emptyPostings) At() uint64       { return 0 }
func (emptyPostings) Err() error       { return nil }

// EmptyPostings returns a postings list that's always empty.
func EmptyPostings() Postings {
	return emptyPostings{}
}

type listPostings struct {
	list []uint64
	cur  uint64
}

func newListPostings(list ...uint64) Postings {
	return &listPostings{list: list}
}

func (it *listPostings) At() uint64 {
	return it.cur
}

func (it *listPostings) Next() bool {
	if len(it.list) > 0 {
		it.cur = it.list[0]
		it.list = it.list[1:]
		return true
	}
	it.cur = 0
	return false
}

func (it *listPostings) Seek(x uint64) bool {
	// If the current value satisfies, then return.
	if it.cur >= x {
		return true
	}
	if len(it.list) == 0 {
		return false
	}

	// Do binary search between current position and end.
	i := sort.Search(len(it.list), func(i int) bool {
		return it.list[i] >= x
	})
	if i < len(it.list) {
		it.cur = it.list[i]
		it.list = it.list[i+1:]
		return true
	}
	it.list = nil
	return false
}

func (*listPostings) Err() error { return nil }

// Intersect returns a new postings list over the intersection of the
// input postings.
func Intersect(its ...Postings) Postings {
	if len(its) == 0 {
		return EmptyPostings()
	}
	if len(its) == 1 {
		return its[0]
	}
	for _, p := range its {
		if p == EmptyPostings() {
			return EmptyPostings()
		}
	}

	return newIntersectPostings(its...)
}

type intersectPostings struct {
	arr []Postings
	cur uint64
}

func newIntersectPostings(its ...Postings) *intersectPostings {
	return &intersectPostings{arr: its}
}

func (it *intersectPostings) At() uint64 {
	return it.cur
}

func (it *intersectPostings) doNext() bool {
Loop:
	for {
		for _, p := range it.arr {
			if !p.Seek(it.cur) {
				return false
			}
			if p.At() > it.cur {
				it.cur = p.At()
				continue Loop
			}
		}
		return true
	}
}

func (it *intersectPostings) Next() bool {
	for _, p := range it.arr {
		if !p.Next() {
			return false
		}
		if p.At() > it.cur {
			it.cur = p.At()
		}
	}
	return it.doNext()
}

func (it *intersectPostings) Seek(id uint64) bool {
	it.cur = id
	return it.doNext()
}

func (it *intersectPostings) Err() error {
	for _, p := range it.arr {
		if p.Err() != nil {
			return p.Err()
		}
	}
	return nil
}

// Merge returns a new iterator over the union of the input iterators.
func Merge(its ...Postings) Postings {
	if len(its) == 0 {
		return EmptyPostings()
	}
	if len(its) == 1 {
		return its[0]
	}

	p, ok := newMergedPostings(its)
	if !ok {
		return EmptyPostings()
	}
	return p
}

type postingsHeap []Postings

func (h postingsHeap) Len() int           { return len(h) }
func (h postingsHeap) Less(i, j int) bool { return h[i].At() < h[j].At() }
func (h *postingsHeap) Swap(i, j int)     { (*h)[i], (*h)[j] = (*h)[j], (*h)[i] }

func (h *postingsHeap) Push(x any) {
	*h = append(*h, x.(Postings))
}

func (h *postingsHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

type mergedPostings struct {
	h           postingsHeap
	initialized bool
	cur         uint64
	err         error
}

func newMergedPostings(p []Postings) (m *mergedPostings, nonEmpty bool) {
	ph := make(postingsHeap, 0, len(p))

	for _, it := range p {
		// NOTE: mergedPostings struct requires the user to issue an initial Next.
		switch {
		case it.Next():
			ph = append(ph, it)
		case it.Err() != nil:
			return &mergedPostings{err: it.Err()}, true
		}
	}

	if len(ph) == 0 {
		return nil, false
	}
	return &mergedPostings{h: ph}, true
}

func (it *mergedPostings) Next() bool {
	if it.h.Len() == 0 || it.err != nil {
		return false
	}

	// The user must issue an initial Next.
	if !it.initialized {
		heap.Init(&it.h)
		it.cur = it.h[0].At()
		it.initialized = true
		return true
	}

	for {
		cur := it.h[0]
		if !cur.Next() {
			heap.Pop(&it.h)
			if cur.Err() != nil {
				it.err = cur.Err()
				return false
			}
			if it.h.Len() == 0 {
				return false
			}
		} else {
			// Value of top of heap has changed, re-heapify.
			heap.Fix(&it.h, 0)
		}

		if it.h[0].At() != it.cur {
			it.cur = it.h[0].At()
			return true
		}
	}
}

func (it *mergedPostings) Seek(id uint64) bool {
	if it.h.Len() == 0 || it.err != nil {
		return false
	}
	if !it.initialized {
		if !it.Next() {
			return false
		}
	}
	for it.cur < id {
		cur := it.h[0]
		if !cur.Seek(id) {
			heap.Pop(&it.h)
			if cur.Err() != nil {
				it.err = cur.Err()
				return false
			}
			if it.h.Len() == 0 {
				return false
			}
		} else {
			// Value of top of heap has changed, re-heapify.
			heap.Fix(&it.h, 0)
		}

		it.cur = it.h[0].At()
	}
	return true
}

func (it *mergedPostings) At() uint64 {
	return it.cur
}

func (it *mergedPostings) Err() error {
	return it.err
}

// Without returns a new postings list that contains all elements from the
// full list that are not in the drop list.
func Without(full, drop Postings) Postings {
	if full == EmptyPostings() {
		return EmptyPostings()
	}

	if drop == EmptyPostings() {
		return full
	}
	return newRemovedPostings(full, drop)
}

type removedPostings struct {
	full, remove Postings

	cur uint64

	initialized bool
	fok, rok    bool
}

func newRemovedPostings(full, remove Postings) *removedPostings {
	return &removedPostings{
		full:   full,
		remove: remove,
	}
}

func (rp *removedPostings) At() uint64 {
	return rp.cur
}

func (rp *removedPostings) Next() bool {
	if !rp.initialized {
		rp.fok = rp.full.Next()
		rp.rok = rp.remove.Next()
		rp.initialized = true
	}
	for {
		if !rp.fok {
			return false
		}

		if !rp.rok {
			rp.cur = rp.full.At()
			rp.fok = rp.full.Next()
			return true
		}

		fcur, rcur := rp.full.At(), rp.remove.At()
		switch {
		case fcur < rcur:
			rp.cur = fcur
			rp.fok = rp.full.Next()
			return true
		case rcur < fcur:
			// Forward the remove postings to the right position.
			rp.rok = rp.remove.Seek(fcur)
		default:
			// Skip the current posting.
			rp.fok = rp.full.Next()
		}
	}
}

func (rp *removedPostings) Seek(id uint64) bool {
	if rp.cur >= id {
		return true
	}

	rp.fok = rp.full.Seek(id)
	rp.rok = rp.remove.Seek(id)
	rp.initialized = true

	return rp.Next()
}

func (rp *removedPostings) Err() error {
	if rp.full.Err() != nil {
		return rp.full.Err()
	}

	return rp.remove.Err()
}
