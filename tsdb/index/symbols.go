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
	"sync"
)

// SymbolTable interns label names and values into dense uint32 references.
// References are stable for the lifetime of the process and never reused.
// Lookups are read-mostly; interning a new symbol takes the write lock
// briefly.
type SymbolTable struct {
	mtx     sync.RWMutex
	symbols map[string]uint32
	strings []string
}

// NewSymbolTable returns a new, empty SymbolTable.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		symbols: make(map[string]uint32, 512),
		strings: make([]string, 0, 512),
	}
}

// Intern returns the reference for s, assigning a new one if unseen.
func (t *SymbolTable) Intern(s string) uint32 {
	t.mtx.RLock()
	ref, ok := t.symbols[s]
	t.mtx.RUnlock()
	if ok {
		return ref
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if ref, ok = t.symbols[s]; ok {
		return ref
	}
	ref = uint32(len(t.strings))
	t.strings = append(t.strings, s)
	t.symbols[s] = ref
	return ref
}

// Get returns the reference for s without interning.
func (t *SymbolTable) Get(s string) (uint32, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	ref, ok := t.symbols[s]
	return ref, ok
}

// Lookup resolves a reference back to its string. Looking up a reference
// that was never handed out is a programming error.
func (t *SymbolTable) Lookup(ref uint32) string {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.strings[ref]
}

// Len returns the number of interned symbols.
func (t *SymbolTable) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.strings)
}
